// Package status summarizes indexer, executor and webhook state for
// operators and health checks.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/vitwit/autopay/clock"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/types"
)

// Source is what the reporter reads.
type Source interface {
	Ping(ctx context.Context) error
	ListCheckpoints(ctx context.Context) ([]types.Checkpoint, error)
	Stats(ctx context.Context, now time.Time, maxFailures int) (storage.Stats, error)
}

var _ Source = (*storage.Store)(nil)

// Chain names a configured chain.
type Chain struct {
	ChainID int64
	Name    string
}

type Config struct {
	Chains                 []Chain
	MaxConsecutiveFailures int
	// FailedWebhookThreshold is the failed-webhook count above which the
	// service reports degraded. Zero disables the check.
	FailedWebhookThreshold int64
}

// ChainStatus is one chain's indexing progress.
type ChainStatus struct {
	ChainID          int64      `json:"chainId"`
	Name             string     `json:"name"`
	LastIndexedBlock *int64     `json:"lastIndexedBlock"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
}

// Report is the status snapshot.
type Report struct {
	GeneratedAt     time.Time     `json:"generatedAt"`
	Degraded        bool          `json:"degraded"`
	Reasons         []string      `json:"reasons,omitempty"`
	Chains          []ChainStatus `json:"chains"`
	ActivePolicies  int64         `json:"activePolicies"`
	DueCharges      int64         `json:"dueCharges"`
	PendingCharges  int64         `json:"pendingCharges"`
	PendingWebhooks int64         `json:"pendingWebhooks"`
	FailedWebhooks  int64         `json:"failedWebhooks"`
}

// Reporter builds Reports.
type Reporter struct {
	src   Source
	cfg   Config
	clock clock.Clock
}

// NewReporter builds a reporter. A nil clock uses wall time.
func NewReporter(src Source, cfg Config, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Reporter{src: src, cfg: cfg, clock: clk}
}

// Report reads current state. Store failures are returned; an unhealthy but
// reachable system is reported as degraded instead.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	now := r.clock.Now()
	rep := Report{GeneratedAt: now, Chains: []ChainStatus{}}

	if err := r.src.Ping(ctx); err != nil {
		return rep, fmt.Errorf("ping store: %w", err)
	}
	checkpoints, err := r.src.ListCheckpoints(ctx)
	if err != nil {
		return rep, err
	}
	byChain := make(map[int64]types.Checkpoint, len(checkpoints))
	for _, cp := range checkpoints {
		byChain[cp.ChainID] = cp
	}
	for _, c := range r.cfg.Chains {
		cs := ChainStatus{ChainID: c.ChainID, Name: c.Name}
		if cp, ok := byChain[c.ChainID]; ok {
			block, updated := cp.LastBlock, cp.UpdatedAt
			cs.LastIndexedBlock = &block
			cs.UpdatedAt = &updated
		} else {
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("chain %d (%s) has never been indexed", c.ChainID, c.Name))
		}
		rep.Chains = append(rep.Chains, cs)
	}

	st, err := r.src.Stats(ctx, now, r.cfg.MaxConsecutiveFailures)
	if err != nil {
		return rep, err
	}
	rep.ActivePolicies = st.ActivePolicies
	rep.DueCharges = st.DueCharges
	rep.PendingCharges = st.PendingCharges
	rep.PendingWebhooks = st.PendingWebhooks
	rep.FailedWebhooks = st.FailedWebhooks
	if r.cfg.FailedWebhookThreshold > 0 && st.FailedWebhooks > r.cfg.FailedWebhookThreshold {
		rep.Reasons = append(rep.Reasons, fmt.Sprintf("%d failed webhooks exceed threshold %d",
			st.FailedWebhooks, r.cfg.FailedWebhookThreshold))
	}
	rep.Degraded = len(rep.Reasons) > 0
	return rep, nil
}
