package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vitwit/autopay/clients"
	"github.com/vitwit/autopay/contract"
	"github.com/vitwit/autopay/events"
	"github.com/vitwit/autopay/metrics"
	"github.com/vitwit/autopay/retry"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/types"
	"github.com/vitwit/autopay/utils"
	"github.com/vitwit/autopay/webhooks"
)

// ReasonReverted is recorded when the charge transaction reverted.
const ReasonReverted = "reverted"

// result is the chain-side outcome of one charge attempt.
type result struct {
	outcome Outcome
	txHash  string
	// at is the block time of the receipt, or the local time when there is none.
	at          time.Time
	amount      *big.Int
	protocolFee *big.Int
	// reason explains a soft failure.
	reason string
	// err explains a hard failure.
	err error
}

func (e *Executor) charge(ctx context.Context, chain Chain, p *types.Policy) (Outcome, bool, error) {
	ctx, span := tracer.Start(ctx, "executor.charge")
	defer span.End()
	span.SetAttributes(
		attribute.String("policy_id", p.PolicyID),
		attribute.Int64("chain_id", p.ChainID),
	)

	key := p.Key()
	c, err := e.store.BeginChargeAttempt(ctx, key, utils.NewID(), e.clock.Now())
	if errors.Is(err, storage.ErrChargeInFlight) {
		return OutcomeSkipped, false, nil
	}
	if err != nil {
		return OutcomeError, false, err
	}
	span.SetAttributes(
		attribute.String("charge_id", c.ID),
		attribute.Int("attempt", c.AttemptCount),
	)
	log := e.log.With(map[string]any{
		"policy_id": p.PolicyID, "chain_id": p.ChainID, "charge_id": c.ID, "attempt": c.AttemptCount,
	})

	res := e.attempt(ctx, chain, p, c)
	span.SetAttributes(attribute.String("outcome", string(res.outcome)))
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}

	// outcomes are written even when ctx was cancelled mid-attempt
	wctx := context.WithoutCancel(ctx)
	var failures int
	switch res.outcome {
	case OutcomeSuccess:
		err = e.recordSuccess(wctx, chain, p, c, res)
		if err == nil {
			log.Info("charge succeeded", map[string]any{"tx_hash": res.txHash, "amount": res.amount.String()})
		}
	case OutcomeSoftFailure:
		next := res.at.Add(p.Interval)
		failures, err = e.recordFailure(wctx, p, c, res, res.reason, &next)
		if err == nil {
			log.Warn("charge soft failed", map[string]any{
				"tx_hash": res.txHash, "reason": res.reason, "consecutive_failures": failures,
			})
		}
	case OutcomeRetrying:
		err = e.store.NoteChargeError(wctx, c.ID, res.txHash, res.err.Error())
		log.Warn("charge transaction unresolved, will recheck", map[string]any{"tx_hash": res.txHash, "error": res.err})
	default:
		if retry.IsRetryable(res.err) && c.AttemptCount < e.cfg.MaxChargeRetries {
			res.outcome = OutcomeRetrying
			err = e.store.NoteChargeError(wctx, c.ID, res.txHash, res.err.Error())
			log.Warn("charge attempt failed, will retry", map[string]any{"tx_hash": res.txHash, "error": res.err})
			break
		}
		failures, err = e.recordFailure(wctx, p, c, res, res.err.Error(), nil)
		if err == nil {
			log.Error("charge failed", map[string]any{
				"tx_hash": res.txHash, "error": res.err, "consecutive_failures": failures,
			})
		}
	}
	if err != nil {
		return OutcomeError, false, fmt.Errorf("record %s for charge %s: %w", res.outcome, c.ID, err)
	}
	e.metrics.IncCounter(metrics.Charges, map[string]string{
		"chain":   strconv.FormatInt(p.ChainID, 10),
		"outcome": string(res.outcome),
	})

	cancelled := false
	if failures >= e.cfg.MaxConsecutiveFailures {
		cancelled = e.cancel(ctx, chain, p)
	}
	return res.outcome, cancelled, nil
}

// attempt talks to the chain and folds every failure into the result. The
// only write is the transaction hash, stored as soon as it is known.
//
// OutcomeRetrying means a sent transaction is unresolved: its receipt is
// missing and the chain refuses another charge, or ctx ended while waiting.
// The charge stays pending without spending its retry budget.
func (e *Executor) attempt(ctx context.Context, chain Chain, p *types.Policy, c *types.Charge) result {
	client := chain.Client
	id, err := contract.PolicyIDToHash(p.PolicyID)
	if err != nil {
		return result{outcome: OutcomeHardFailure, at: e.clock.Now(), err: err}
	}

	// A previous attempt may have landed after we stopped waiting for it.
	if c.TxHash != "" {
		receipt, err := client.WaitReceipt(ctx, common.HexToHash(c.TxHash))
		if err == nil {
			return e.classifyReceipt(ctx, client, id, receipt)
		}
		if ctx.Err() != nil {
			return unresolved(e.clock.Now(), c.TxHash, err)
		}
	}

	ok, reason, err := client.CanCharge(ctx, id)
	if err != nil {
		return result{outcome: OutcomeHardFailure, at: e.clock.Now(), err: fmt.Errorf("canCharge: %w", err)}
	}
	if !ok {
		if retry.IsSoftFailureReason(reason) {
			return result{outcome: OutcomeSoftFailure, at: e.clock.Now(), reason: reason}
		}
		if c.TxHash != "" {
			return unresolved(e.clock.Now(), c.TxHash, fmt.Errorf("cannot charge again: %s", reason))
		}
		return result{outcome: OutcomeHardFailure, at: e.clock.Now(), err: fmt.Errorf("cannot charge: %s", reason)}
	}

	data, err := contract.PackCharge(id)
	if err != nil {
		return result{outcome: OutcomeHardFailure, at: e.clock.Now(), err: err}
	}
	txHash, err := e.send(ctx, chain, data)
	if err != nil {
		return result{outcome: OutcomeHardFailure, at: e.clock.Now(), txHash: hashString(txHash), err: err}
	}
	if err := e.store.RecordChargeSubmission(context.WithoutCancel(ctx), c.ID, txHash.Hex()); err != nil {
		e.log.Warn("record charge submission", map[string]any{
			"policy_id": p.PolicyID, "charge_id": c.ID, "tx_hash": txHash.Hex(), "error": err,
		})
	}
	receipt, err := client.WaitReceipt(ctx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			return unresolved(e.clock.Now(), txHash.Hex(), err)
		}
		return result{outcome: OutcomeHardFailure, at: e.clock.Now(), txHash: txHash.Hex(), err: fmt.Errorf("wait receipt: %w", err)}
	}
	return e.classifyReceipt(ctx, client, id, receipt)
}

func unresolved(at time.Time, txHash string, err error) result {
	return result{outcome: OutcomeRetrying, at: at, txHash: txHash, err: fmt.Errorf("transaction %s unresolved: %w", txHash, err)}
}

// send prices, simulates and submits calldata.
func (e *Executor) send(ctx context.Context, chain Chain, data []byte) (common.Hash, error) {
	suggested, err := chain.Client.SuggestFees(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest fees: %w", err)
	}
	fees := ApplyFeeFloors(suggested, chain.Fees)
	if err := chain.Client.Simulate(ctx, data); err != nil {
		return common.Hash{}, fmt.Errorf("simulate: %w", err)
	}
	tx, err := chain.Client.Submit(ctx, data, fees)
	if err != nil {
		return tx, fmt.Errorf("submit: %w", err)
	}
	return tx, nil
}

// classifyReceipt reads the charge events the contract emitted for id.
func (e *Executor) classifyReceipt(ctx context.Context, client clients.ChainClient, id common.Hash, r *gethtypes.Receipt) result {
	res := result{txHash: r.TxHash.Hex(), at: e.blockTime(ctx, client, r)}
	if r.Status != gethtypes.ReceiptStatusSuccessful {
		res.outcome = OutcomeHardFailure
		res.err = errors.New(ReasonReverted)
		return res
	}

	var (
		succeeded *events.ChargeSucceeded
		failed    *events.ChargeFailed
	)
	for _, l := range r.Logs {
		if l == nil {
			continue
		}
		switch ev := events.Parse(*l).(type) {
		case events.ChargeSucceeded:
			if ev.PolicyID == id {
				succeeded = &ev
			}
		case events.ChargeFailed:
			if ev.PolicyID == id {
				failed = &ev
			}
		}
	}

	switch {
	case succeeded != nil:
		res.outcome = OutcomeSuccess
		res.amount = succeeded.Amount
		res.protocolFee = succeeded.ProtocolFee
	case failed != nil:
		res.outcome = OutcomeSoftFailure
		res.reason = failed.Reason
	default:
		res.outcome = OutcomeHardFailure
		res.err = errors.New("receipt carries no charge event")
	}
	return res
}

func (e *Executor) blockTime(ctx context.Context, client clients.ChainClient, r *gethtypes.Receipt) time.Time {
	if r.BlockNumber != nil && r.BlockNumber.IsUint64() {
		if ts, err := client.BlockTimestamp(ctx, r.BlockNumber.Uint64()); err == nil {
			return ts.UTC()
		}
	}
	return e.clock.Now()
}

func (e *Executor) recordSuccess(ctx context.Context, chain Chain, p *types.Policy, c *types.Charge, res result) error {
	hook, err := webhooks.NewWebhook(types.WebhookPayload{
		Type:            types.EventChargeSucceeded,
		CreatedAt:       e.clock.Now(),
		ChainID:         p.ChainID,
		PolicyID:        p.PolicyID,
		ChargeID:        c.ID,
		Payer:           p.Payer,
		Merchant:        p.Merchant,
		Amount:          res.amount.String(),
		AmountFormatted: utils.FormatTokenAmount(res.amount, chain.TokenDecimals),
		ProtocolFee:     res.protocolFee.String(),
		TxHash:          res.txHash,
	})
	if err != nil {
		return err
	}
	return e.store.CompleteChargeSuccess(ctx, storage.ChargeSuccess{
		ChargeID:    c.ID,
		Key:         p.Key(),
		TxHash:      res.txHash,
		Amount:      res.amount,
		ProtocolFee: res.protocolFee,
		ChargedAt:   res.at,
		CompletedAt: e.clock.Now(),
	}, hook)
}

func (e *Executor) recordFailure(ctx context.Context, p *types.Policy, c *types.Charge, res result, reason string, next *time.Time) (int, error) {
	hook, err := webhooks.NewWebhook(types.WebhookPayload{
		Type:      types.EventChargeFailed,
		CreatedAt: e.clock.Now(),
		ChainID:   p.ChainID,
		PolicyID:  p.PolicyID,
		ChargeID:  c.ID,
		Payer:     p.Payer,
		Merchant:  p.Merchant,
		TxHash:    res.txHash,
		Reason:    reason,
	})
	if err != nil {
		return 0, err
	}
	return e.store.CompleteChargeFailure(ctx, storage.ChargeFailure{
		ChargeID:     c.ID,
		Key:          p.Key(),
		TxHash:       res.txHash,
		Reason:       reason,
		NextChargeAt: next,
		CompletedAt:  e.clock.Now(),
	}, hook)
}

// cancel asks the contract to cancel a policy at the failure threshold and
// mirrors the cancellation locally. A failure leaves the policy active; the
// next cycle tries again.
func (e *Executor) cancel(ctx context.Context, chain Chain, p *types.Policy) bool {
	log := e.log.With(map[string]any{"policy_id": p.PolicyID, "chain_id": p.ChainID})
	endedAt, txHash, err := e.submitCancel(ctx, chain, p)
	if err != nil {
		log.Error("policy cancellation failed", map[string]any{"error": err, "tx_hash": txHash})
		e.metrics.IncCounter(metrics.Charges, map[string]string{
			"chain": strconv.FormatInt(p.ChainID, 10), "outcome": "cancel_failed",
		})
		return false
	}

	hook, err := webhooks.NewWebhook(types.WebhookPayload{
		Type:      types.EventPolicyCancelledByFailure,
		CreatedAt: e.clock.Now(),
		ChainID:   p.ChainID,
		PolicyID:  p.PolicyID,
		Payer:     p.Payer,
		Merchant:  p.Merchant,
		TxHash:    txHash,
	})
	if err != nil {
		log.Error("build cancellation webhook", map[string]any{"error": err})
		return false
	}
	changed, err := e.store.DeactivatePolicy(ctx, p.Key(), storage.Deactivation{
		EndedAt:            endedAt,
		CancelledByFailure: true,
	}, hook)
	if err != nil {
		log.Error("record policy cancellation", map[string]any{"error": err, "tx_hash": txHash})
		return false
	}
	if changed {
		log.Warn("policy cancelled after repeated failures", map[string]any{"tx_hash": txHash})
		e.metrics.IncCounter(metrics.Charges, map[string]string{
			"chain": strconv.FormatInt(p.ChainID, 10), "outcome": "cancelled",
		})
	}
	return changed
}

func (e *Executor) submitCancel(ctx context.Context, chain Chain, p *types.Policy) (time.Time, string, error) {
	id, err := contract.PolicyIDToHash(p.PolicyID)
	if err != nil {
		return time.Time{}, "", err
	}
	data, err := contract.PackCancelFailedPolicy(id)
	if err != nil {
		return time.Time{}, "", err
	}
	tx, err := e.send(ctx, chain, data)
	if err != nil {
		return time.Time{}, hashString(tx), err
	}
	r, err := chain.Client.WaitReceipt(ctx, tx)
	if err != nil {
		return time.Time{}, tx.Hex(), fmt.Errorf("wait receipt: %w", err)
	}
	if r.Status != gethtypes.ReceiptStatusSuccessful {
		return time.Time{}, tx.Hex(), errors.New(ReasonReverted)
	}
	return e.blockTime(ctx, chain.Client, r), tx.Hex(), nil
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
