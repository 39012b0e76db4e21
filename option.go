package autopay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitwit/autopay/clients"
	"github.com/vitwit/autopay/clock"
	"github.com/vitwit/autopay/logger"
	"github.com/vitwit/autopay/metrics"
	"github.com/vitwit/autopay/storage"
)

type Option func(*Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithMetrics records into r instead of a private prometheus registry. The
// status handler then serves /metrics from gatherer, which may be nil.
func WithMetrics(r metrics.Recorder, gatherer prometheus.Gatherer) Option {
	return func(s *Service) {
		s.metrics = r
		s.gatherer = gatherer
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithStore uses an already open store. The service does not close it.
func WithStore(st *storage.Store) Option {
	return func(s *Service) {
		s.store = st
	}
}

// WithChainClient uses c for its chain instead of dialing the configured
// RPC endpoint. The service does not close it.
func WithChainClient(c clients.ChainClient) Option {
	return func(s *Service) {
		if s.injected == nil {
			s.injected = make(map[int64]clients.ChainClient)
		}
		s.injected[c.ChainID()] = c
	}
}
