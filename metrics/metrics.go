package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Counter, latency and gauge names used across the loops.
const (
	IndexerEvents      = "indexer_events"
	IndexerCycleErrors = "indexer_cycle_errors"
	IndexerCycle       = "indexer_cycle"
	IndexerLastBlock   = "indexer_last_block"
	Charges            = "charges"
	ExecutorCycle      = "executor_cycle"
	WebhookDeliveries  = "webhook_deliveries"
	WebhookDelivery    = "webhook_delivery"
)

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
