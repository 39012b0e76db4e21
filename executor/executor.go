// Package executor charges due policies on chain and records the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/vitwit/autopay/clients"
	"github.com/vitwit/autopay/clock"
	"github.com/vitwit/autopay/logger"
	"github.com/vitwit/autopay/metrics"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/types"
)

var tracer = otel.Tracer("github.com/vitwit/autopay/executor")

var (
	// ErrUnknownChain is returned for policies on a chain the executor has
	// no client for.
	ErrUnknownChain = errors.New("no client for chain")
	// ErrNotChargeable is returned by ChargePolicy for inactive policies and
	// policies at the failure threshold.
	ErrNotChargeable = errors.New("policy is not chargeable")
)

// Store is the slice of storage the executor reads and writes.
type Store interface {
	GetPolicy(ctx context.Context, key types.PolicyKey) (*types.Policy, error)
	ListDuePolicies(ctx context.Context, q storage.DueQuery) ([]types.Policy, error)
	ListPendingCancellations(ctx context.Context, q storage.DueQuery) ([]types.Policy, error)
	ClaimPolicy(ctx context.Context, key types.PolicyKey, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleasePolicy(ctx context.Context, key types.PolicyKey, owner string) error
	BeginChargeAttempt(ctx context.Context, key types.PolicyKey, id string, now time.Time) (*types.Charge, error)
	RecordChargeSubmission(ctx context.Context, id, txHash string) error
	NoteChargeError(ctx context.Context, id, txHash, message string) error
	ListOrphanedCharges(ctx context.Context, now time.Time, limit int) ([]types.Charge, error)
	AbandonCharge(ctx context.Context, id, txHash, reason string, at time.Time) error
	CompleteChargeSuccess(ctx context.Context, r storage.ChargeSuccess, hook *types.Webhook) error
	CompleteChargeFailure(ctx context.Context, r storage.ChargeFailure, hook *types.Webhook) (int, error)
	DeactivatePolicy(ctx context.Context, key types.PolicyKey, d storage.Deactivation, hook *types.Webhook) (bool, error)
}

var _ Store = (*storage.Store)(nil)

// Chain is one chain the executor can charge on.
type Chain struct {
	Client        clients.ChainClient
	Fees          FeeFloor
	TokenDecimals int32
}

// Config bounds the executor.
type Config struct {
	// MaxConsecutiveFailures is the cancellation threshold.
	MaxConsecutiveFailures int
	// MaxChargeRetries bounds attempts on one charge for retryable errors.
	MaxChargeRetries int
	BatchSize        int
	ClaimTTL         time.Duration
	// Merchants, when non-empty, restricts charging to these addresses.
	Merchants []string
	// InstanceID owns policy claims. Defaults to a random id.
	InstanceID string
}

const (
	defaultMaxFailures = 3
	defaultMaxRetries  = 3
	defaultBatchSize   = 50
	defaultClaimTTL    = 5 * time.Minute
)

// Outcome is what one charge attempt ended in.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeSoftFailure Outcome = "soft_failure"
	OutcomeHardFailure Outcome = "hard_failure"
	// OutcomeRetrying means a retryable error left the charge pending.
	OutcomeRetrying Outcome = "retrying"
	// OutcomeSkipped means another executor holds the policy.
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// Summary counts what a cycle did.
type Summary struct {
	Selected  int
	Outcomes  map[Outcome]int
	Cancelled int
	// Settled counts pending charges of ended policies that were closed.
	Settled int
}

// Executor charges due policies across all configured chains.
type Executor struct {
	store   Store
	chains  map[int64]Chain
	cfg     Config
	clock   clock.Clock
	log     logger.Logger
	metrics metrics.Recorder
}

// Option configures an Executor.
type Option func(*Executor)

func WithClock(c clock.Clock) Option { return func(e *Executor) { e.clock = c } }

func WithLogger(l logger.Logger) Option { return func(e *Executor) { e.log = logger.OrNoop(l) } }

func WithMetrics(r metrics.Recorder) Option { return func(e *Executor) { e.metrics = metrics.OrNoop(r) } }

// New builds an executor. Chains are keyed by their client's chain id.
func New(store Store, chains []Chain, cfg Config, opts ...Option) *Executor {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxFailures
	}
	if cfg.MaxChargeRetries <= 0 {
		cfg.MaxChargeRetries = defaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "executor-" + uuid.NewString()
	}
	merchants := make([]string, 0, len(cfg.Merchants))
	for _, m := range cfg.Merchants {
		merchants = append(merchants, strings.ToLower(m))
	}
	cfg.Merchants = merchants

	e := &Executor{
		store:   store,
		chains:  make(map[int64]Chain, len(chains)),
		cfg:     cfg,
		clock:   clock.Real(),
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, c := range chains {
		e.chains[c.Client.ChainID()] = c
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(map[string]any{"executor": cfg.InstanceID})
	return e
}

// RunOnce settles charges left pending on ended policies, retries pending
// cancellations, then charges a batch of due policies. Per-policy failures
// are logged and counted, never returned.
func (e *Executor) RunOnce(ctx context.Context) (Summary, error) {
	started := e.clock.Now()
	defer func() {
		e.metrics.ObserveLatency(metrics.ExecutorCycle, e.clock.Now().Sub(started), nil)
	}()
	sum := Summary{Outcomes: map[Outcome]int{}}

	q := storage.DueQuery{
		Now:         started,
		MaxFailures: e.cfg.MaxConsecutiveFailures,
		Merchants:   e.cfg.Merchants,
		Limit:       e.cfg.BatchSize,
	}

	orphans, err := e.store.ListOrphanedCharges(ctx, started, e.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list orphaned charges: %w", err)
	}
	for i := range orphans {
		if ctx.Err() != nil {
			return sum, nil
		}
		if e.settle(ctx, &orphans[i]) {
			sum.Settled++
		}
	}

	stuck, err := e.store.ListPendingCancellations(ctx, q)
	if err != nil {
		return sum, fmt.Errorf("list pending cancellations: %w", err)
	}
	for i := range stuck {
		if ctx.Err() != nil {
			return sum, nil
		}
		if e.retryCancellation(ctx, &stuck[i]) {
			sum.Cancelled++
		}
	}

	due, err := e.store.ListDuePolicies(ctx, q)
	if err != nil {
		return sum, fmt.Errorf("list due policies: %w", err)
	}
	sum.Selected = len(due)
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		p := &due[i]
		out, cancelled, err := e.chargeClaimed(ctx, p)
		if err != nil {
			e.log.Error("charge attempt failed", map[string]any{
				"policy_id": p.PolicyID, "chain_id": p.ChainID, "error": err,
			})
			out = OutcomeError
		}
		sum.Outcomes[out]++
		if cancelled {
			sum.Cancelled++
		}
	}
	if sum.Selected > 0 || sum.Settled > 0 {
		e.log.Info("executor cycle finished", map[string]any{
			"selected": sum.Selected, "outcomes": sum.Outcomes, "cancelled": sum.Cancelled, "settled": sum.Settled,
		})
	}
	return sum, nil
}

// ChargePolicy charges one policy now, regardless of its due date. Inactive
// policies and policies at the failure threshold are refused.
func (e *Executor) ChargePolicy(ctx context.Context, key types.PolicyKey) (Outcome, error) {
	p, err := e.store.GetPolicy(ctx, key)
	if err != nil {
		return OutcomeError, err
	}
	if !p.Active || p.ConsecutiveFailures >= e.cfg.MaxConsecutiveFailures {
		return OutcomeError, fmt.Errorf("%w: %s", ErrNotChargeable, key)
	}
	out, _, err := e.chargeClaimed(ctx, p)
	return out, err
}

// chargeClaimed wraps one attempt in a policy claim so concurrent executors
// never work the same policy.
func (e *Executor) chargeClaimed(ctx context.Context, p *types.Policy) (Outcome, bool, error) {
	chain, ok := e.chains[p.ChainID]
	if !ok {
		return OutcomeError, false, fmt.Errorf("%w %d", ErrUnknownChain, p.ChainID)
	}
	key := p.Key()
	claimed, err := e.store.ClaimPolicy(ctx, key, e.cfg.InstanceID, e.clock.Now(), e.cfg.ClaimTTL)
	if err != nil {
		return OutcomeError, false, err
	}
	if !claimed {
		e.log.Debug("policy claimed elsewhere", map[string]any{"policy_id": p.PolicyID, "chain_id": p.ChainID})
		return OutcomeSkipped, false, nil
	}
	defer e.release(ctx, key)

	return e.charge(ctx, chain, p)
}

func (e *Executor) retryCancellation(ctx context.Context, p *types.Policy) bool {
	chain, ok := e.chains[p.ChainID]
	if !ok {
		return false
	}
	key := p.Key()
	claimed, err := e.store.ClaimPolicy(ctx, key, e.cfg.InstanceID, e.clock.Now(), e.cfg.ClaimTTL)
	if err != nil || !claimed {
		return false
	}
	defer e.release(ctx, key)
	return e.cancel(ctx, chain, p)
}

// release runs even when ctx is already cancelled.
func (e *Executor) release(ctx context.Context, key types.PolicyKey) {
	if err := e.store.ReleasePolicy(context.WithoutCancel(ctx), key, e.cfg.InstanceID); err != nil {
		e.log.Warn("release policy claim", map[string]any{
			"policy_id": key.PolicyID, "chain_id": key.ChainID, "error": err,
		})
	}
}

// Task adapts RunOnce to a scheduler task.
func (e *Executor) Task() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := e.RunOnce(ctx)
		return err
	}
}
