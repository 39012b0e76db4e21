package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/vitwit/autopay/types"
)

const chargeColumns = `id, policy_id, chain_id, status, tx_hash, amount, protocol_fee,
	error_message, attempt_count, created_at, completed_at`

func scanCharge(sc scanner) (*types.Charge, error) {
	var (
		c           types.Charge
		status      string
		amount, fee string
		createdAt   int64
		completedAt sql.NullInt64
	)
	if err := sc.Scan(
		&c.ID, &c.PolicyID, &c.ChainID, &status, &c.TxHash, &amount, &fee,
		&c.ErrorMessage, &c.AttemptCount, &createdAt, &completedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if c.Amount, err = parseBig(amount); err != nil {
		return nil, err
	}
	if c.ProtocolFee, err = parseBig(fee); err != nil {
		return nil, err
	}
	c.Status = types.ChargeStatus(status)
	c.CreatedAt = fromMillis(createdAt)
	c.CompletedAt = fromNullMillis(completedAt)
	return &c, nil
}

// BeginChargeAttempt returns the policy's pending charge with its attempt
// count bumped, or creates a new pending charge with id when there is none.
// A concurrent creator loses with ErrChargeInFlight.
func (s *Store) BeginChargeAttempt(ctx context.Context, key types.PolicyKey, id string, now time.Time) (*types.Charge, error) {
	var out *types.Charge
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.pendingCharge(ctx, tx, key)
		switch {
		case err == nil:
			if _, err := s.exec(ctx, tx,
				`UPDATE charges SET attempt_count = attempt_count + 1 WHERE id = ? AND status = 'pending'`,
				existing.ID,
			); err != nil {
				return fmt.Errorf("bump charge attempt %s: %w", existing.ID, err)
			}
			existing.AttemptCount++
			out = existing
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		c := types.Charge{
			ID:           id,
			PolicyID:     key.PolicyID,
			ChainID:      key.ChainID,
			Status:       types.ChargePending,
			AttemptCount: 1,
			CreatedAt:    now.UTC(),
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO charges (`+chargeColumns+`) VALUES (`+placeholders(11)+`)`,
			c.ID, c.PolicyID, c.ChainID, string(c.Status), "", "", "", "", c.AttemptCount,
			toMillis(c.CreatedAt), sql.NullInt64{},
		); err != nil {
			if isUniqueViolation(err) {
				return ErrChargeInFlight
			}
			return fmt.Errorf("create charge for %s: %w", key, err)
		}
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingCharge returns the policy's pending charge or ErrNotFound.
func (s *Store) PendingCharge(ctx context.Context, key types.PolicyKey) (*types.Charge, error) {
	return s.pendingCharge(ctx, s.sqlDB, key)
}

func (s *Store) pendingCharge(ctx context.Context, q execer, key types.PolicyKey) (*types.Charge, error) {
	c, err := scanCharge(s.queryRow(ctx, q,
		`SELECT `+chargeColumns+` FROM charges
		 WHERE policy_id = ? AND chain_id = ? AND status = 'pending'`,
		key.PolicyID, key.ChainID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending charge %s: %w", key, err)
	}
	return c, nil
}

// GetCharge returns one charge or ErrNotFound.
func (s *Store) GetCharge(ctx context.Context, id string) (*types.Charge, error) {
	c, err := scanCharge(s.queryRow(ctx, s.sqlDB,
		`SELECT `+chargeColumns+` FROM charges WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get charge %s: %w", id, err)
	}
	return c, nil
}

// ListCharges returns a policy's charges, oldest first.
func (s *Store) ListCharges(ctx context.Context, key types.PolicyKey) ([]types.Charge, error) {
	rows, err := s.query(ctx, s.sqlDB,
		`SELECT `+chargeColumns+` FROM charges WHERE policy_id = ? AND chain_id = ?
		 ORDER BY created_at ASC, id ASC`,
		key.PolicyID, key.ChainID,
	)
	if err != nil {
		return nil, fmt.Errorf("list charges %s: %w", key, err)
	}
	defer rows.Close()
	var out []types.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// NoteChargeError records a retryable error on a charge that stays pending.
func (s *Store) NoteChargeError(ctx context.Context, id, txHash, message string) error {
	_, err := s.exec(ctx, s.sqlDB,
		`UPDATE charges SET error_message = ?, tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END
		 WHERE id = ? AND status = 'pending'`,
		message, txHash, txHash, id,
	)
	if err != nil {
		return fmt.Errorf("note charge error %s: %w", id, err)
	}
	return nil
}

// RecordChargeSubmission stores the hash of a charge transaction as soon as
// it is sent, so a restart can look for its receipt.
func (s *Store) RecordChargeSubmission(ctx context.Context, id, txHash string) error {
	res, err := s.exec(ctx, s.sqlDB,
		`UPDATE charges SET tx_hash = ? WHERE id = ? AND status = 'pending'`,
		txHash, id,
	)
	if err != nil {
		return fmt.Errorf("record submission of charge %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record submission of charge %s: %w", id, ErrChargeNotPending)
	}
	return nil
}

// ListOrphanedCharges returns pending charges of inactive policies that no
// executor holds at now, oldest first.
func (s *Store) ListOrphanedCharges(ctx context.Context, now time.Time, limit int) ([]types.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges
		 WHERE status = 'pending' AND EXISTS (SELECT 1 FROM policies p
		   WHERE p.policy_id = charges.policy_id AND p.chain_id = charges.chain_id
		     AND p.active = FALSE AND (p.claimed_by = '' OR p.claimed_until <= ?))
		 ORDER BY created_at ASC, id ASC`
	args := []any{toMillis(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.sqlDB, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orphaned charges: %w", err)
	}
	defer rows.Close()
	var out []types.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AbandonCharge fails a pending charge without touching its policy.
func (s *Store) AbandonCharge(ctx context.Context, id, txHash, reason string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.finishCharge(ctx, tx, id, types.ChargeFailed, txHash, "", "", reason, at)
	})
}

// ChargeSuccess is the outcome of a charge that moved funds.
type ChargeSuccess struct {
	ChargeID    string
	Key         types.PolicyKey
	TxHash      string
	Amount      *big.Int
	ProtocolFee *big.Int
	// ChargedAt becomes last_charged_at; the next charge is one interval later.
	ChargedAt   time.Time
	CompletedAt time.Time
}

// CompleteChargeSuccess finalizes the charge, advances the policy schedule,
// resets its failure count and queues hook, all in one transaction. Funds
// moved, so it records even when the policy ended meanwhile.
func (s *Store) CompleteChargeSuccess(ctx context.Context, r ChargeSuccess, hook *types.Webhook) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.finishCharge(ctx, tx, r.ChargeID, types.ChargeSuccess, r.TxHash,
			formatBig(r.Amount), formatBig(r.ProtocolFee), "", r.CompletedAt); err != nil {
			return err
		}

		p, err := s.getPolicy(ctx, tx, r.Key)
		if err != nil {
			return err
		}
		total := new(big.Int)
		if p.TotalSpent != nil {
			total.Set(p.TotalSpent)
		}
		if r.Amount != nil {
			total.Add(total, r.Amount)
		}
		if _, err := s.exec(ctx, tx,
			`UPDATE policies SET last_charged_at = ?, next_charge_at = ? + interval_seconds * 1000,
			   charge_count = charge_count + 1, total_spent = ?, consecutive_failures = 0,
			   last_failure_reason = '', updated_at = ?
			 WHERE policy_id = ? AND chain_id = ?`,
			toMillis(r.ChargedAt), toMillis(r.ChargedAt), total.String(), toMillis(s.now()),
			r.Key.PolicyID, r.Key.ChainID,
		); err != nil {
			return fmt.Errorf("advance policy %s: %w", r.Key, err)
		}
		if hook != nil {
			return s.insertWebhook(ctx, tx, *hook)
		}
		return nil
	})
}

// ChargeFailure is the outcome of a charge that did not move funds.
type ChargeFailure struct {
	ChargeID string
	Key      types.PolicyKey
	TxHash   string
	Reason   string
	// NextChargeAt moves the schedule when set; nil leaves it unchanged.
	NextChargeAt *time.Time
	CompletedAt  time.Time
}

// CompleteChargeFailure marks the charge failed, increments the policy's
// consecutive failures and queues hook. It returns the new failure count.
func (s *Store) CompleteChargeFailure(ctx context.Context, r ChargeFailure, hook *types.Webhook) (int, error) {
	failures := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.finishCharge(ctx, tx, r.ChargeID, types.ChargeFailed, r.TxHash,
			"", "", r.Reason, r.CompletedAt); err != nil {
			return err
		}

		query := `UPDATE policies SET consecutive_failures = consecutive_failures + 1,
			last_failure_reason = ?, updated_at = ?`
		args := []any{r.Reason, toMillis(s.now())}
		if r.NextChargeAt != nil {
			query += `, next_charge_at = ?`
			args = append(args, toMillis(*r.NextChargeAt))
		}
		query += ` WHERE policy_id = ? AND chain_id = ?`
		args = append(args, r.Key.PolicyID, r.Key.ChainID)
		if _, err := s.exec(ctx, tx, query, args...); err != nil {
			return fmt.Errorf("record failure on %s: %w", r.Key, err)
		}

		if err := s.queryRow(ctx, tx,
			`SELECT consecutive_failures FROM policies WHERE policy_id = ? AND chain_id = ?`,
			r.Key.PolicyID, r.Key.ChainID,
		).Scan(&failures); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read failures on %s: %w", r.Key, err)
		}
		if hook != nil {
			return s.insertWebhook(ctx, tx, *hook)
		}
		return nil
	})
	return failures, err
}

// finishCharge moves a pending charge to a terminal status.
func (s *Store) finishCharge(ctx context.Context, tx *sql.Tx, id string, status types.ChargeStatus, txHash, amount, fee, message string, at time.Time) error {
	res, err := s.exec(ctx, tx,
		`UPDATE charges SET status = ?, tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END,
		   amount = ?, protocol_fee = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), txHash, txHash, amount, fee, message, toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("finish charge %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish charge %s: %w", id, ErrChargeNotPending)
	}
	return nil
}
