// Package autopay runs a recurring on-chain payments engine: an indexer per
// chain that mirrors policy events into a shared store, an executor that
// charges due policies, and a dispatcher that delivers signed merchant
// webhooks.
package autopay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/autopay/clients"
	"github.com/vitwit/autopay/clock"
	"github.com/vitwit/autopay/config"
	"github.com/vitwit/autopay/executor"
	"github.com/vitwit/autopay/indexer"
	"github.com/vitwit/autopay/logger"
	"github.com/vitwit/autopay/metrics"
	"github.com/vitwit/autopay/retry"
	"github.com/vitwit/autopay/scheduler"
	"github.com/vitwit/autopay/status"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/utils"
	"github.com/vitwit/autopay/webhooks"
)

// Loop names one of the background loops.
type Loop string

const (
	LoopIndexer  Loop = "indexer"
	LoopExecutor Loop = "executor"
	LoopWebhooks Loop = "webhooks"
)

// AllLoops is what Run starts when no loop is named.
var AllLoops = []Loop{LoopIndexer, LoopExecutor, LoopWebhooks}

// ParseLoop validates a loop name.
func ParseLoop(name string) (Loop, error) {
	switch l := Loop(name); l {
	case LoopIndexer, LoopExecutor, LoopWebhooks:
		return l, nil
	}
	return "", fmt.Errorf("unknown loop %q", name)
}

// Version is reported in logs and the webhook User-Agent.
const Version = "0.1.0"

const statusReadHeaderTimeout = 5 * time.Second

// Service owns the store, the chain clients and the three loops.
type Service struct {
	cfg *config.Config

	store      *storage.Store
	ownStore   bool
	injected   map[int64]clients.ChainClient
	dialed     []*clients.EVMClient
	signer     *ecdsa.PrivateKey
	indexers   []*indexer.Indexer
	executor   *executor.Executor
	dispatcher *webhooks.Dispatcher
	reporter   *status.Reporter

	log      logger.Logger
	metrics  metrics.Recorder
	gatherer prometheus.Gatherer
	clock    clock.Clock
}

// New opens the store (applying migrations), connects to every configured
// chain and builds the loops. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (svc *Service, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewZapLogger(cfg.LogLevel)
	}
	if s.metrics == nil {
		reg := prometheus.NewRegistry()
		s.metrics = metrics.NewPrometheusRecorder(reg)
		s.gatherer = reg
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if cfg.ExecutorPrivateKey != "" {
		if s.signer, err = cfg.ExecutorKey(); err != nil {
			return nil, err
		}
		s.log.Info("executor account loaded", map[string]any{"address": utils.AddressFromPrivateKey(s.signer).Hex()})
	}

	if s.store == nil {
		s.store, err = storage.Open(ctx, storage.Dialect(cfg.DBDriver), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.ownStore = true
	}

	var charging []executor.Chain
	for _, ch := range cfg.Chains {
		client, err := s.chainClient(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("chain %d (%s): %w", ch.ChainID, ch.Name, err)
		}
		s.indexers = append(s.indexers, indexer.New(client, s.store, indexer.Config{
			ChainName:     ch.Name,
			StartBlock:    ch.StartBlock,
			Confirmations: ch.Confirmations,
			MaxBlockRange: ch.MaxBlockRange,
			RequestDelay:  ch.RequestDelay.Std(),
			Merchants:     cfg.MerchantAllowlist,
			TokenDecimals: ch.TokenDecimals,
		}, indexer.WithClock(s.clock), indexer.WithLogger(s.log), indexer.WithMetrics(s.metrics)))

		floor, err := ch.FeeFloor()
		if err != nil {
			return nil, err
		}
		charging = append(charging, executor.Chain{
			Client:        client,
			Fees:          executor.FeeFloor{MinTip: floor.MinTip, MinBase: floor.MinBase},
			TokenDecimals: ch.TokenDecimals,
		})
	}

	s.executor = executor.New(s.store, charging, executor.Config{
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		MaxChargeRetries:       cfg.MaxChargeRetries,
		BatchSize:              cfg.ExecutorBatchSize,
		ClaimTTL:               cfg.ClaimTTL,
		Merchants:              cfg.MerchantAllowlist,
	}, executor.WithClock(s.clock), executor.WithLogger(s.log), executor.WithMetrics(s.metrics))

	s.dispatcher = webhooks.NewDispatcher(s.store, webhooks.Config{
		BatchSize:   cfg.WebhookBatchSize,
		MaxAttempts: cfg.WebhookMaxAttempts,
		Timeout:     cfg.WebhookTimeout,
		Backoff:     cfg.WebhookBackoff,
		UserAgent:   "autopay-webhooks/" + Version,
	}, webhooks.WithClock(s.clock), webhooks.WithLogger(s.log), webhooks.WithMetrics(s.metrics))

	chains := make([]status.Chain, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		chains = append(chains, status.Chain{ChainID: ch.ChainID, Name: ch.Name})
	}
	s.reporter = status.NewReporter(s.store, status.Config{
		Chains:                 chains,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		FailedWebhookThreshold: cfg.FailedWebhookThreshold,
	}, s.clock)

	return s, nil
}

func (s *Service) chainClient(ctx context.Context, ch config.ChainConfig) (clients.ChainClient, error) {
	if c, ok := s.injected[ch.ChainID]; ok {
		return c, nil
	}
	c, err := clients.NewEVMClient(ctx, clients.EVMConfig{
		ChainID:        ch.ChainID,
		RPCURL:         ch.RPCURL,
		Contract:       ch.Contract(),
		Signer:         s.signer,
		ReceiptTimeout: ch.ReceiptTimeout.Std(),
		ReadRetry:      retry.Policy{MaxAttempts: len(retry.RPCLadder) + 1, Backoff: retry.RPCLadder},
	})
	if err != nil {
		return nil, err
	}
	s.dialed = append(s.dialed, c)
	return c, nil
}

// Store is the shared store.
func (s *Service) Store() *storage.Store { return s.store }

// Indexer returns the indexer of one chain.
func (s *Service) Indexer(chainID int64) (*indexer.Indexer, bool) {
	for _, ix := range s.indexers {
		if ix.ChainID() == chainID {
			return ix, true
		}
	}
	return nil, false
}

// Indexers returns every chain's indexer, in configuration order.
func (s *Service) Indexers() []*indexer.Indexer { return s.indexers }

func (s *Service) Executor() *executor.Executor { return s.executor }

func (s *Service) Dispatcher() *webhooks.Dispatcher { return s.dispatcher }

func (s *Service) Reporter() *status.Reporter { return s.reporter }

// Handler serves /status, /health and /metrics.
func (s *Service) Handler() http.Handler {
	return status.NewHandler(s.reporter, s.gatherer, s.log)
}

// CanSign reports whether every chain can submit transactions.
func (s *Service) CanSign() bool {
	if s.signer != nil {
		return true
	}
	for _, ch := range s.cfg.Chains {
		if _, ok := s.injected[ch.ChainID]; !ok {
			return false
		}
	}
	return true
}

// Run starts the named loops, every loop when none is named, plus the status
// server when one is configured. It blocks until ctx is cancelled and the
// loops have stopped; in-flight cycles get the configured shutdown grace.
func (s *Service) Run(ctx context.Context, loops ...Loop) error {
	if len(loops) == 0 {
		loops = AllLoops
	}
	sched, err := s.schedulers(loops)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range sched {
		g.Go(func() error { return l.Run(gctx) })
	}

	if s.cfg.StatusAddr != "" {
		srv := &http.Server{
			Addr:              s.cfg.StatusAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: statusReadHeaderTimeout,
		}
		g.Go(func() error {
			s.log.Info("status server listening", map[string]any{"addr": s.cfg.StatusAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), s.cfg.ShutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	names := make([]string, 0, len(sched))
	for _, l := range sched {
		names = append(names, l.Name)
	}
	sort.Strings(names)
	s.log.Info("autopay started", map[string]any{"loops": names, "chains": len(s.cfg.Chains), "version": Version})

	err = g.Wait()
	s.log.Info("autopay stopped", nil)
	return err
}

func (s *Service) schedulers(loops []Loop) ([]*scheduler.Loop, error) {
	var out []*scheduler.Loop
	add := func(name string, every time.Duration, task scheduler.Task) {
		out = append(out, &scheduler.Loop{
			Name:     name,
			Interval: every,
			Task:     task,
			Clock:    s.clock,
			Logger:   s.log,
			Grace:    s.cfg.ShutdownGrace,
		})
	}
	seen := map[Loop]bool{}
	for _, l := range loops {
		if seen[l] {
			continue
		}
		seen[l] = true
		switch l {
		case LoopIndexer:
			for _, ix := range s.indexers {
				add(fmt.Sprintf("indexer-%d", ix.ChainID()), s.cfg.IndexerInterval, ix.Task())
			}
		case LoopExecutor:
			if !s.CanSign() {
				return nil, fmt.Errorf("executor loop: %w", clients.ErrNoSigner)
			}
			add("executor", s.cfg.ExecutorInterval, s.executor.Task())
		case LoopWebhooks:
			add("webhooks", s.cfg.WebhookInterval, s.dispatcher.Task())
		default:
			return nil, fmt.Errorf("unknown loop %q", l)
		}
	}
	return out, nil
}

// Close releases dialed clients and the store when the service opened it.
func (s *Service) Close() error {
	for _, c := range s.dialed {
		c.Close()
	}
	s.dialed = nil
	if s.ownStore && s.store != nil {
		err := s.store.Close()
		s.store = nil
		return err
	}
	return nil
}
