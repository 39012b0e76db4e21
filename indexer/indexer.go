// Package indexer mirrors the contract's event history into the store, one
// instance per chain.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vitwit/autopay/clients"
	"github.com/vitwit/autopay/clock"
	"github.com/vitwit/autopay/logger"
	"github.com/vitwit/autopay/metrics"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/types"
)

var tracer = otel.Tracer("github.com/vitwit/autopay/indexer")

// Store is the slice of storage the indexer writes to.
type Store interface {
	GetCheckpoint(ctx context.Context, chainID int64) (types.Checkpoint, error)
	InitCheckpoint(ctx context.Context, chainID, block int64) (types.Checkpoint, error)
	SetCheckpoint(ctx context.Context, chainID, block int64) error
	InsertPolicy(ctx context.Context, p types.Policy, hook *types.Webhook) (bool, error)
	DeactivatePolicy(ctx context.Context, key types.PolicyKey, d storage.Deactivation, hook *types.Webhook) (bool, error)
}

var _ Store = (*storage.Store)(nil)

// Config holds per-chain indexing settings.
type Config struct {
	ChainName     string
	StartBlock    uint64
	Confirmations uint64
	MaxBlockRange uint64
	RequestDelay  time.Duration
	// Merchants, when non-empty, is the allow-list applied when events are
	// stored. Lowercase addresses.
	Merchants     []string
	TokenDecimals int32
}

const defaultMaxBlockRange = 2000

// Result describes what a cycle covered.
type Result struct {
	From    uint64
	To      uint64
	Windows int
	Logs    int
	Applied int
}

// Indexer walks confirmed blocks in bounded windows and applies recognized
// events idempotently.
type Indexer struct {
	cfg       Config
	chain     clients.ChainClient
	store     Store
	clock     clock.Clock
	log       logger.Logger
	metrics   metrics.Recorder
	allowed   map[string]struct{}
	chainTag  string
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Option configures an Indexer.
type Option func(*Indexer)

func WithClock(c clock.Clock) Option { return func(ix *Indexer) { ix.clock = c } }

func WithLogger(l logger.Logger) Option { return func(ix *Indexer) { ix.log = logger.OrNoop(l) } }

func WithMetrics(r metrics.Recorder) Option { return func(ix *Indexer) { ix.metrics = metrics.OrNoop(r) } }

func withSleep(f func(context.Context, time.Duration) error) Option {
	return func(ix *Indexer) { ix.sleepFunc = f }
}

// New builds an indexer for chain.
func New(chain clients.ChainClient, store Store, cfg Config, opts ...Option) *Indexer {
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = defaultMaxBlockRange
	}
	ix := &Indexer{
		cfg:       cfg,
		chain:     chain,
		store:     store,
		clock:     clock.Real(),
		log:       logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
		chainTag:  fmt.Sprint(chain.ChainID()),
		sleepFunc: sleep,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if len(cfg.Merchants) > 0 {
		ix.allowed = make(map[string]struct{}, len(cfg.Merchants))
		for _, m := range cfg.Merchants {
			ix.allowed[strings.ToLower(m)] = struct{}{}
		}
	}
	ix.log = ix.log.With(map[string]any{"chain_id": chain.ChainID(), "chain": cfg.ChainName})
	return ix
}

// ChainID is the chain this indexer follows.
func (ix *Indexer) ChainID() int64 { return ix.chain.ChainID() }

// RunOnce indexes from the checkpoint up to the confirmed head. An RPC or
// storage failure aborts the cycle; the checkpoint only ever reflects fully
// applied windows.
func (ix *Indexer) RunOnce(ctx context.Context) (res Result, err error) {
	started := ix.clock.Now()
	defer func() {
		ix.metrics.ObserveLatency(metrics.IndexerCycle, ix.clock.Now().Sub(started), map[string]string{"chain": ix.chainTag})
		if err != nil {
			ix.metrics.IncCounter(metrics.IndexerCycleErrors, map[string]string{"chain": ix.chainTag})
		}
	}()

	cp, err := ix.checkpoint(ctx)
	if err != nil {
		return Result{}, err
	}
	safe, ok, err := ix.safeHead(ctx)
	if err != nil || !ok {
		return Result{}, err
	}
	if int64(safe) < cp.LastBlock+1 {
		return Result{}, nil
	}
	return ix.indexRange(ctx, uint64(cp.LastBlock+1), safe, true)
}

// Backfill re-indexes from block up to the confirmed head. Re-applying known
// events is a no-op. The checkpoint only moves forward, and only when the
// backfill starts at or before the next unindexed block.
func (ix *Indexer) Backfill(ctx context.Context, from uint64) (Result, error) {
	cp, err := ix.checkpoint(ctx)
	if err != nil {
		return Result{}, err
	}
	safe, ok, err := ix.safeHead(ctx)
	if err != nil || !ok || from > safe {
		return Result{}, err
	}
	contiguous := int64(from) <= cp.LastBlock+1
	ix.log.Info("backfill started", map[string]any{"block_from": from, "block_to": safe, "advance_checkpoint": contiguous})
	return ix.indexRange(ctx, from, safe, contiguous)
}

func (ix *Indexer) checkpoint(ctx context.Context) (types.Checkpoint, error) {
	cp, err := ix.store.GetCheckpoint(ctx, ix.chain.ChainID())
	if errors.Is(err, storage.ErrNotFound) {
		cp, err = ix.store.InitCheckpoint(ctx, ix.chain.ChainID(), int64(ix.cfg.StartBlock)-1)
		if err == nil {
			ix.log.Info("checkpoint initialized", map[string]any{"block": cp.LastBlock})
		}
	}
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// safeHead is the chain head minus the confirmation depth. ok is false while
// the chain is shorter than the depth.
func (ix *Indexer) safeHead(ctx context.Context) (uint64, bool, error) {
	head, err := ix.chain.BlockNumber(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("get head: %w", err)
	}
	if head < ix.cfg.Confirmations {
		return 0, false, nil
	}
	return head - ix.cfg.Confirmations, true, nil
}

func (ix *Indexer) indexRange(ctx context.Context, from, to uint64, advance bool) (Result, error) {
	res := Result{From: from, To: to}
	for start := from; start <= to; {
		end := start + ix.cfg.MaxBlockRange - 1
		if end > to || end < start {
			end = to
		}
		if res.Windows > 0 {
			if err := ix.sleepFunc(ctx, ix.cfg.RequestDelay); err != nil {
				return res, err
			}
		}

		logs, applied, err := ix.indexWindow(ctx, start, end)
		if err != nil {
			return res, err
		}
		res.Windows++
		res.Logs += logs
		res.Applied += applied

		if advance {
			if err := ix.store.SetCheckpoint(ctx, ix.chain.ChainID(), int64(end)); err != nil {
				return res, fmt.Errorf("advance checkpoint to %d: %w", end, err)
			}
			ix.metrics.SetGauge(metrics.IndexerLastBlock, float64(end), map[string]string{"chain": ix.chainTag})
		}
		if end == to {
			break
		}
		start = end + 1
	}
	if res.Logs > 0 {
		ix.log.Info("indexed blocks", map[string]any{
			"block_from": res.From, "block_to": res.To, "logs": res.Logs, "applied": res.Applied,
		})
	}
	return res, nil
}

func (ix *Indexer) indexWindow(ctx context.Context, from, to uint64) (int, int, error) {
	ctx, span := tracer.Start(ctx, "indexer.window")
	span.SetAttributes(
		attribute.Int64("chain_id", ix.chain.ChainID()),
		attribute.Int64("block_from", int64(from)),
		attribute.Int64("block_to", int64(to)),
	)
	defer span.End()

	logs, err := ix.chain.FilterLogs(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		return 0, 0, fmt.Errorf("fetch logs %d-%d: %w", from, to, err)
	}

	w := &window{ix: ix, timestamps: map[uint64]time.Time{}}
	applied := 0
	for _, l := range logs {
		ok, err := w.apply(ctx, l)
		if err != nil {
			span.RecordError(err)
			return 0, 0, fmt.Errorf("apply log %s:%d: %w", l.TxHash.Hex(), l.Index, err)
		}
		if ok {
			applied++
		}
	}
	return len(logs), applied, nil
}

// Task adapts RunOnce to a scheduler task.
func (ix *Indexer) Task() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := ix.RunOnce(ctx)
		return err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
