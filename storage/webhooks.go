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

const webhookColumns = `id, policy_id, chain_id, charge_id, merchant_address, event_type, payload,
	status, attempt_count, next_attempt_at, last_error, created_at, last_attempt_at`

func scanWebhook(sc scanner) (*types.Webhook, error) {
	var (
		w                 types.Webhook
		eventType, status string
		payload           string
		nextAt, createdAt int64
		lastAttemptAt     sql.NullInt64
	)
	if err := sc.Scan(
		&w.ID, &w.PolicyID, &w.ChainID, &w.ChargeID, &w.MerchantAddress, &eventType, &payload,
		&status, &w.AttemptCount, &nextAt, &w.LastError, &createdAt, &lastAttemptAt,
	); err != nil {
		return nil, err
	}
	w.EventType = types.WebhookEvent(eventType)
	w.Payload = []byte(payload)
	w.Status = types.WebhookStatus(status)
	w.NextAttemptAt = fromMillis(nextAt)
	w.CreatedAt = fromMillis(createdAt)
	w.LastAttemptAt = fromNullMillis(lastAttemptAt)
	return &w, nil
}

// EnqueueWebhook queues a notification.
func (s *Store) EnqueueWebhook(ctx context.Context, w types.Webhook) error {
	return s.insertWebhook(ctx, s.sqlDB, w)
}

func (s *Store) insertWebhook(ctx context.Context, q execer, w types.Webhook) error {
	if w.ID == "" {
		return fmt.Errorf("webhook id is required")
	}
	if w.Status == "" {
		w.Status = types.WebhookPending
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	if w.NextAttemptAt.IsZero() {
		w.NextAttemptAt = w.CreatedAt
	}
	_, err := s.exec(ctx, q,
		`INSERT INTO webhooks (`+webhookColumns+`) VALUES (`+placeholders(13)+`)`,
		w.ID, w.PolicyID, w.ChainID, w.ChargeID, strings.ToLower(w.MerchantAddress),
		string(w.EventType), string(w.Payload), string(w.Status), w.AttemptCount,
		toMillis(w.NextAttemptAt), w.LastError, toMillis(w.CreatedAt), nullMillis(w.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue webhook %s: %w", w.EventType, err)
	}
	return nil
}

// ListDueWebhooks returns pending webhooks whose next attempt is due, oldest
// created first.
func (s *Store) ListDueWebhooks(ctx context.Context, now time.Time, limit int) ([]types.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY created_at ASC, id ASC`
	args := []any{toMillis(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.listWebhooks(ctx, query, args...)
}

// WebhookFilter narrows ListWebhooks. Zero fields match everything.
type WebhookFilter struct {
	PolicyID  string
	ChainID   int64
	EventType types.WebhookEvent
	Status    types.WebhookStatus
}

// ListWebhooks returns webhooks matching f, oldest first.
func (s *Store) ListWebhooks(ctx context.Context, f WebhookFilter) ([]types.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE 1 = 1`
	var args []any
	if f.PolicyID != "" {
		query += ` AND policy_id = ?`
		args = append(args, f.PolicyID)
	}
	if f.ChainID != 0 {
		query += ` AND chain_id = ?`
		args = append(args, f.ChainID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.EventType))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.listWebhooks(ctx, query, args...)
}

func (s *Store) listWebhooks(ctx context.Context, query string, args ...any) ([]types.Webhook, error) {
	rows, err := s.query(ctx, s.sqlDB, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	var out []types.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// GetWebhook returns one webhook or ErrNotFound.
func (s *Store) GetWebhook(ctx context.Context, id string) (*types.Webhook, error) {
	w, err := scanWebhook(s.queryRow(ctx, s.sqlDB,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook %s: %w", id, err)
	}
	return w, nil
}

// MarkWebhookSent records a successful delivery.
func (s *Store) MarkWebhookSent(ctx context.Context, id string, attempts int, at time.Time) error {
	return s.updateWebhook(ctx, id,
		`status = 'sent', attempt_count = ?, last_error = '', last_attempt_at = ?`,
		attempts, toMillis(at))
}

// MarkWebhookFailed gives up on a webhook for good.
func (s *Store) MarkWebhookFailed(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	return s.updateWebhook(ctx, id,
		`status = 'failed', attempt_count = ?, last_error = ?, last_attempt_at = ?`,
		attempts, lastErr, toMillis(at))
}

// RescheduleWebhook records a failed attempt and sets the next one.
func (s *Store) RescheduleWebhook(ctx context.Context, id string, attempts int, next time.Time, lastErr string, at time.Time) error {
	return s.updateWebhook(ctx, id,
		`attempt_count = ?, next_attempt_at = ?, last_error = ?, last_attempt_at = ?`,
		attempts, toMillis(next), lastErr, toMillis(at))
}

// updateWebhook only touches pending rows; sent and failed are terminal.
func (s *Store) updateWebhook(ctx context.Context, id, set string, args ...any) error {
	args = append(args, id)
	res, err := s.exec(ctx, s.sqlDB,
		`UPDATE webhooks SET `+set+` WHERE id = ? AND status = 'pending'`, args...)
	if err != nil {
		return fmt.Errorf("update webhook %s: %w", id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update webhook %s: %w", id, ErrNotFound)
	}
	return nil
}
