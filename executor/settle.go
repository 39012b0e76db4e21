package executor

import (
	"context"
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/autopay/contract"
	"github.com/vitwit/autopay/logger"
	"github.com/vitwit/autopay/metrics"
	"github.com/vitwit/autopay/storage"
	"github.com/vitwit/autopay/types"
)

// settle closes a charge left pending on a policy that ended while no
// executor held it. A sent transaction whose receipt shows a successful
// charge is recorded as a success; anything else is abandoned.
func (e *Executor) settle(ctx context.Context, c *types.Charge) bool {
	log := e.log.With(map[string]any{"policy_id": c.PolicyID, "chain_id": c.ChainID, "charge_id": c.ID})
	chain, ok := e.chains[c.ChainID]
	if !ok {
		return false
	}
	p, err := e.store.GetPolicy(ctx, types.PolicyKey{PolicyID: c.PolicyID, ChainID: c.ChainID})
	if err != nil {
		log.Error("load policy of orphaned charge", map[string]any{"error": err})
		return false
	}

	wctx := context.WithoutCancel(ctx)
	txHash, reason := c.TxHash, storage.ChargeAbandoned
	if c.TxHash != "" {
		id, err := contract.PolicyIDToHash(c.PolicyID)
		if err != nil {
			log.Error("orphaned charge has a bad policy id", map[string]any{"error": err})
			return false
		}
		receipt, err := chain.Client.WaitReceipt(ctx, common.HexToHash(c.TxHash))
		switch {
		case err == nil:
			res := e.classifyReceipt(ctx, chain.Client, id, receipt)
			if res.outcome == OutcomeSuccess {
				err := e.recordSuccess(wctx, chain, p, c, res)
				if err != nil {
					return e.settleFailed(log, err)
				}
				log.Info("settled charge of ended policy", map[string]any{"tx_hash": res.txHash, "amount": res.amount.String()})
				e.countSettled(c.ChainID, "success")
				return true
			}
			if res.reason != "" {
				reason = res.reason
			} else if res.err != nil {
				reason = res.err.Error()
			}
		case ctx.Err() != nil:
			return false
		}
	}

	if err := e.store.AbandonCharge(wctx, c.ID, txHash, reason, e.clock.Now()); err != nil {
		return e.settleFailed(log, err)
	}
	log.Warn("abandoned charge of ended policy", map[string]any{"tx_hash": txHash, "reason": reason})
	e.countSettled(c.ChainID, "abandoned")
	return true
}

func (e *Executor) settleFailed(log logger.Logger, err error) bool {
	if errors.Is(err, storage.ErrChargeNotPending) {
		log.Debug("orphaned charge settled elsewhere", nil)
		return false
	}
	log.Error("settle orphaned charge", map[string]any{"error": err})
	return false
}

func (e *Executor) countSettled(chainID int64, outcome string) {
	e.metrics.IncCounter(metrics.Charges, map[string]string{
		"chain": strconv.FormatInt(chainID, 10), "outcome": "settled_" + outcome,
	})
}
