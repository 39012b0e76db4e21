package indexer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vitwit/autopay/events"
	"github.com/vitwit/autopay/metrics"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/types"
	"github.com/vitwit/autopay/utils"
	"github.com/vitwit/autopay/webhooks"
)

// Intervals above this cannot be represented as a time.Duration.
var maxIntervalSeconds = big.NewInt(math.MaxInt64 / int64(time.Second))

var errSkip = errors.New("event skipped")

// window applies the logs of one block range. Block timestamps are cached for
// the lifetime of the window only.
type window struct {
	ix         *Indexer
	timestamps map[uint64]time.Time
}

// apply reports whether the log changed stored state. Only storage and RPC
// failures are returned; anything wrong with the log itself is logged and
// skipped.
func (w *window) apply(ctx context.Context, l gethtypes.Log) (bool, error) {
	ix := w.ix
	if l.Removed {
		return false, nil
	}

	ev := events.Parse(l)
	kind := ev.Kind()
	fields := map[string]any{
		"block":     l.BlockNumber,
		"tx_hash":   l.TxHash.Hex(),
		"log_index": l.Index,
		"event":     kind.String(),
	}

	if u, ok := ev.(events.Unrecognized); ok {
		fields["error"] = u.Err
		ix.log.Warn("skipping unrecognized log", fields)
		ix.count(kind, "unrecognized")
		return false, nil
	}

	var (
		changed bool
		err     error
	)
	switch e := ev.(type) {
	case events.PolicyCreated:
		fields["policy_id"] = events.PolicyIDHex(e.PolicyID)
		if !ix.allows(e.Merchant.Hex()) {
			ix.count(kind, "filtered")
			return false, nil
		}
		changed, err = w.policyCreated(ctx, e)
	case events.PolicyRevoked:
		fields["policy_id"] = events.PolicyIDHex(e.PolicyID)
		if !ix.allows(e.Merchant.Hex()) {
			ix.count(kind, "filtered")
			return false, nil
		}
		changed, err = w.deactivate(ctx, e.Header, e.EndTime, false)
	case events.PolicyCancelledByFailure:
		fields["policy_id"] = events.PolicyIDHex(e.PolicyID)
		if !ix.allows(e.Merchant.Hex()) {
			ix.count(kind, "filtered")
			return false, nil
		}
		changed, err = w.deactivate(ctx, e.Header, e.EndTime, true)
	case events.ChargeSucceeded:
		// The executor owns charge outcomes; on-chain charge events only
		// corroborate them.
		fields["policy_id"] = events.PolicyIDHex(e.PolicyID)
		fields["amount"] = e.Amount.String()
		ix.log.Debug("observed charge", fields)
	case events.ChargeFailed:
		fields["policy_id"] = events.PolicyIDHex(e.PolicyID)
		fields["reason"] = e.Reason
		ix.log.Debug("observed failed charge", fields)
	}

	switch {
	case errors.Is(err, errSkip):
		fields["error"] = err
		ix.log.Warn("skipping invalid event", fields)
		ix.count(kind, "invalid")
		return false, nil
	case err != nil:
		return false, err
	case changed:
		ix.log.Info("applied event", fields)
		ix.count(kind, "applied")
	default:
		ix.count(kind, "observed")
	}
	return changed, nil
}

func (w *window) policyCreated(ctx context.Context, e events.PolicyCreated) (bool, error) {
	ix := w.ix
	if e.Interval == nil || e.Interval.Sign() <= 0 || e.Interval.Cmp(maxIntervalSeconds) > 0 {
		return false, fmt.Errorf("%w: interval %v out of range", errSkip, e.Interval)
	}
	createdAt, err := w.blockTime(ctx, e.Log.BlockNumber)
	if err != nil {
		return false, err
	}
	interval := time.Duration(e.Interval.Int64()) * time.Second

	p := types.Policy{
		PolicyID:      events.PolicyIDHex(e.PolicyID),
		ChainID:       ix.chain.ChainID(),
		Payer:         utils.AddressKey(e.Payer),
		Merchant:      utils.AddressKey(e.Merchant),
		ChargeAmount:  e.ChargeAmount,
		SpendingCap:   e.SpendingCap,
		Interval:      interval,
		Active:        true,
		LastChargedAt: createdAt,
		NextChargeAt:  createdAt.Add(interval),
		// Creation collects the first charge.
		ChargeCount:  1,
		TotalSpent:   new(big.Int).Set(e.ChargeAmount),
		CreatedAt:    createdAt,
		CreatedBlock: e.Log.BlockNumber,
		CreatedTx:    e.Log.TxHash.Hex(),
		MetadataURL:  e.MetadataURL,
	}
	hook, err := webhooks.NewWebhook(types.WebhookPayload{
		Type:            types.EventPolicyCreated,
		CreatedAt:       ix.clock.Now(),
		ChainID:         p.ChainID,
		PolicyID:        p.PolicyID,
		Payer:           p.Payer,
		Merchant:        p.Merchant,
		Amount:          p.ChargeAmount.String(),
		AmountFormatted: utils.FormatTokenAmount(p.ChargeAmount, ix.cfg.TokenDecimals),
		TxHash:          p.CreatedTx,
		Interval:        p.IntervalSeconds(),
		MetadataURL:     p.MetadataURL,
	})
	if err != nil {
		return false, err
	}
	return ix.store.InsertPolicy(ctx, p, hook)
}

func (w *window) deactivate(ctx context.Context, h events.Header, endTime *big.Int, byFailure bool) (bool, error) {
	ix := w.ix
	endedAt, err := w.endTime(ctx, h.Log.BlockNumber, endTime)
	if err != nil {
		return false, err
	}
	event := types.EventPolicyRevoked
	if byFailure {
		event = types.EventPolicyCancelledByFailure
	}
	key := types.PolicyKey{PolicyID: events.PolicyIDHex(h.PolicyID), ChainID: ix.chain.ChainID()}
	hook, err := webhooks.NewWebhook(types.WebhookPayload{
		Type:      event,
		CreatedAt: ix.clock.Now(),
		ChainID:   key.ChainID,
		PolicyID:  key.PolicyID,
		Payer:     utils.AddressKey(h.Payer),
		Merchant:  utils.AddressKey(h.Merchant),
		TxHash:    h.Log.TxHash.Hex(),
	})
	if err != nil {
		return false, err
	}
	return ix.store.DeactivatePolicy(ctx, key, storage.Deactivation{
		EndedAt:            endedAt,
		CancelledByFailure: byFailure,
	}, hook)
}

// endTime prefers the timestamp carried by the event and falls back to the
// block time.
func (w *window) endTime(ctx context.Context, block uint64, endTime *big.Int) (time.Time, error) {
	if endTime != nil && endTime.Sign() > 0 && endTime.IsInt64() {
		return time.Unix(endTime.Int64(), 0).UTC(), nil
	}
	return w.blockTime(ctx, block)
}

func (w *window) blockTime(ctx context.Context, block uint64) (time.Time, error) {
	if ts, ok := w.timestamps[block]; ok {
		return ts, nil
	}
	ts, err := w.ix.chain.BlockTimestamp(ctx, block)
	if err != nil {
		return time.Time{}, fmt.Errorf("get timestamp of block %d: %w", block, err)
	}
	ts = ts.UTC()
	w.timestamps[block] = ts
	return ts, nil
}

func (ix *Indexer) allows(merchant string) bool {
	if len(ix.allowed) == 0 {
		return true
	}
	_, ok := ix.allowed[strings.ToLower(merchant)]
	return ok
}

func (ix *Indexer) count(kind events.Kind, outcome string) {
	ix.metrics.IncCounter(metrics.IndexerEvents, map[string]string{
		"chain":   ix.chainTag,
		"outcome": kind.String() + "." + outcome,
	})
}
