package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vitwit/autopay/types"
)

const policyColumns = `policy_id, chain_id, payer, merchant, charge_amount, spending_cap,
	interval_seconds, active, last_charged_at, next_charge_at, charge_count, total_spent,
	consecutive_failures, last_failure_reason, cancelled_by_failure, cancelled_by_failure_at,
	ended_at, created_at, created_block, created_tx, metadata_url`

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(sc scanner) (*types.Policy, error) {
	var (
		p                             types.Policy
		chargeAmount, spendCap, total string
		intervalSeconds               int64
		lastCharged, next, createdAt  int64
		cancelledAt, endedAt          sql.NullInt64
		createdBlock                  int64
	)
	if err := sc.Scan(
		&p.PolicyID, &p.ChainID, &p.Payer, &p.Merchant, &chargeAmount, &spendCap,
		&intervalSeconds, &p.Active, &lastCharged, &next, &p.ChargeCount, &total,
		&p.ConsecutiveFailures, &p.LastFailureReason, &p.CancelledByFailure, &cancelledAt,
		&endedAt, &createdAt, &createdBlock, &p.CreatedTx, &p.MetadataURL,
	); err != nil {
		return nil, err
	}
	var err error
	if p.ChargeAmount, err = parseBig(chargeAmount); err != nil {
		return nil, err
	}
	if p.SpendingCap, err = parseBig(spendCap); err != nil {
		return nil, err
	}
	if p.TotalSpent, err = parseBig(total); err != nil {
		return nil, err
	}
	p.Interval = time.Duration(intervalSeconds) * time.Second
	p.LastChargedAt = fromMillis(lastCharged)
	p.NextChargeAt = fromMillis(next)
	p.CancelledByFailureAt = fromNullMillis(cancelledAt)
	p.EndedAt = fromNullMillis(endedAt)
	p.CreatedAt = fromMillis(createdAt)
	p.CreatedBlock = uint64(createdBlock)
	return &p, nil
}

// InsertPolicy stores a newly created policy and, only if the row was new,
// queues hook in the same transaction. Re-inserting an existing policy is a
// no-op that reports false.
func (s *Store) InsertPolicy(ctx context.Context, p types.Policy, hook *types.Webhook) (bool, error) {
	if p.PolicyID == "" || p.ChainID == 0 {
		return false, fmt.Errorf("policy id and chain id are required")
	}
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`INSERT INTO policies (`+policyColumns+`, updated_at)
			 VALUES (`+placeholders(22)+`)
			 ON CONFLICT (policy_id, chain_id) DO NOTHING`,
			p.PolicyID, p.ChainID, strings.ToLower(p.Payer), strings.ToLower(p.Merchant),
			formatBig(p.ChargeAmount), formatBig(p.SpendingCap),
			p.IntervalSeconds(), p.Active, toMillis(p.LastChargedAt), toMillis(p.NextChargeAt),
			p.ChargeCount, formatBig(p.TotalSpent),
			p.ConsecutiveFailures, p.LastFailureReason, p.CancelledByFailure, nullMillis(p.CancelledByFailureAt),
			nullMillis(p.EndedAt), toMillis(p.CreatedAt), int64(p.CreatedBlock), p.CreatedTx, p.MetadataURL,
			toMillis(s.now()),
		)
		if err != nil {
			return fmt.Errorf("insert policy %s: %w", p.Key(), err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		inserted = true
		if hook != nil {
			return s.insertWebhook(ctx, tx, *hook)
		}
		return nil
	})
	return inserted, err
}

// GetPolicy returns one policy or ErrNotFound.
func (s *Store) GetPolicy(ctx context.Context, key types.PolicyKey) (*types.Policy, error) {
	return s.getPolicy(ctx, s.sqlDB, key)
}

func (s *Store) getPolicy(ctx context.Context, q execer, key types.PolicyKey) (*types.Policy, error) {
	p, err := scanPolicy(s.queryRow(ctx, q,
		`SELECT `+policyColumns+` FROM policies WHERE policy_id = ? AND chain_id = ?`,
		key.PolicyID, key.ChainID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", key, err)
	}
	return p, nil
}

// DueQuery selects policies for the executor.
type DueQuery struct {
	Now time.Time
	// MaxFailures is the cancellation threshold.
	MaxFailures int
	// Merchants, when non-empty, restricts selection to these addresses.
	Merchants []string
	Limit     int
}

// ListDuePolicies returns active policies under the failure threshold whose
// next charge is due, oldest due first.
func (s *Store) ListDuePolicies(ctx context.Context, q DueQuery) ([]types.Policy, error) {
	where := `active = TRUE AND consecutive_failures < ? AND next_charge_at <= ?`
	args := []any{q.MaxFailures, toMillis(q.Now)}
	return s.listPolicies(ctx, where, args, q.Merchants, "next_charge_at ASC, policy_id ASC", q.Limit)
}

// ListPendingCancellations returns active policies that already reached the
// failure threshold, whose on-chain cancellation has not been mirrored yet.
func (s *Store) ListPendingCancellations(ctx context.Context, q DueQuery) ([]types.Policy, error) {
	where := `active = TRUE AND consecutive_failures >= ?`
	args := []any{q.MaxFailures}
	return s.listPolicies(ctx, where, args, q.Merchants, "next_charge_at ASC, policy_id ASC", q.Limit)
}

// PolicyFilter narrows ListPolicies.
type PolicyFilter struct {
	ChainID  int64
	Merchant string
	Active   *bool
	Limit    int
}

// ListPolicies lists policies for operator views.
func (s *Store) ListPolicies(ctx context.Context, f PolicyFilter) ([]types.Policy, error) {
	where := `1 = 1`
	var args []any
	if f.ChainID != 0 {
		where += ` AND chain_id = ?`
		args = append(args, f.ChainID)
	}
	if f.Active != nil {
		where += ` AND active = ?`
		args = append(args, *f.Active)
	}
	var merchants []string
	if f.Merchant != "" {
		merchants = []string{f.Merchant}
	}
	return s.listPolicies(ctx, where, args, merchants, "created_at ASC, policy_id ASC", f.Limit)
}

func (s *Store) listPolicies(ctx context.Context, where string, args []any, merchants []string, order string, limit int) ([]types.Policy, error) {
	if len(merchants) > 0 {
		where += ` AND merchant IN (` + placeholders(len(merchants)) + `)`
		for _, m := range merchants {
			args = append(args, strings.ToLower(m))
		}
	}
	query := `SELECT ` + policyColumns + ` FROM policies WHERE ` + where + ` ORDER BY ` + order
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.sqlDB, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []types.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ClaimPolicy leases an active policy to owner until now+ttl. It fails when
// another owner holds an unexpired lease.
func (s *Store) ClaimPolicy(ctx context.Context, key types.PolicyKey, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.exec(ctx, s.sqlDB,
		`UPDATE policies SET claimed_by = ?, claimed_until = ?
		 WHERE policy_id = ? AND chain_id = ? AND active = TRUE
		   AND (claimed_by = '' OR claimed_by = ? OR claimed_until <= ?)`,
		owner, toMillis(now.Add(ttl)), key.PolicyID, key.ChainID, owner, toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("claim policy %s: %w", key, err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// ReleasePolicy drops owner's lease, if it still holds one.
func (s *Store) ReleasePolicy(ctx context.Context, key types.PolicyKey, owner string) error {
	_, err := s.exec(ctx, s.sqlDB,
		`UPDATE policies SET claimed_by = '', claimed_until = 0
		 WHERE policy_id = ? AND chain_id = ? AND claimed_by = ?`,
		key.PolicyID, key.ChainID, owner,
	)
	if err != nil {
		return fmt.Errorf("release policy %s: %w", key, err)
	}
	return nil
}

// Deactivation describes how a policy ended.
type Deactivation struct {
	EndedAt            time.Time
	CancelledByFailure bool
}

// DeactivatePolicy marks an active policy inactive. Only the call that
// actually flips the flag queues hook and reports true, so racing or repeated
// deactivations are no-ops.
//
// Pending charges that never reached the chain are abandoned unless an
// executor holds the policy. A charge with a transaction, or one an executor
// is still working, stays pending for the executor to settle.
func (s *Store) DeactivatePolicy(ctx context.Context, key types.PolicyKey, d Deactivation, hook *types.Webhook) (bool, error) {
	changed := false
	var cancelledAt *time.Time
	if d.CancelledByFailure {
		cancelledAt = &d.EndedAt
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`UPDATE policies SET active = FALSE, ended_at = ?, cancelled_by_failure = ?,
			   cancelled_by_failure_at = ?, updated_at = ?
			 WHERE policy_id = ? AND chain_id = ? AND active = TRUE`,
			toMillis(d.EndedAt), d.CancelledByFailure, nullMillis(cancelledAt), toMillis(s.now()),
			key.PolicyID, key.ChainID,
		)
		if err != nil {
			return fmt.Errorf("deactivate policy %s: %w", key, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		changed = true

		if _, err := s.exec(ctx, tx,
			`UPDATE charges SET status = 'failed', error_message = ?, completed_at = ?
			 WHERE policy_id = ? AND chain_id = ? AND status = 'pending' AND tx_hash = ''
			   AND EXISTS (SELECT 1 FROM policies p
			     WHERE p.policy_id = charges.policy_id AND p.chain_id = charges.chain_id AND p.claimed_by = '')`,
			ChargeAbandoned, toMillis(s.now()), key.PolicyID, key.ChainID,
		); err != nil {
			return fmt.Errorf("abandon pending charges of %s: %w", key, err)
		}
		if hook != nil {
			return s.insertWebhook(ctx, tx, *hook)
		}
		return nil
	})
	return changed, err
}

// ChargeAbandoned is the error recorded on charges left pending when their
// policy ended.
const ChargeAbandoned = "policy no longer active"
