package storage

import (
	"context"
	"fmt"
	"time"
)

// Stats summarizes store state for the status surface.
type Stats struct {
	ActivePolicies  int64
	DueCharges      int64
	PendingCharges  int64
	PendingWebhooks int64
	FailedWebhooks  int64
}

// Stats counts active policies, charges due at now under the failure
// threshold, and webhook backlog.
func (s *Store) Stats(ctx context.Context, now time.Time, maxFailures int) (Stats, error) {
	var st Stats
	counts := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&st.ActivePolicies, `SELECT COUNT(*) FROM policies WHERE active = TRUE`, nil},
		{&st.DueCharges, `SELECT COUNT(*) FROM policies WHERE active = TRUE AND consecutive_failures < ? AND next_charge_at <= ?`,
			[]any{maxFailures, toMillis(now)}},
		{&st.PendingCharges, `SELECT COUNT(*) FROM charges WHERE status = 'pending'`, nil},
		{&st.PendingWebhooks, `SELECT COUNT(*) FROM webhooks WHERE status = 'pending'`, nil},
		{&st.FailedWebhooks, `SELECT COUNT(*) FROM webhooks WHERE status = 'failed'`, nil},
	}
	for _, c := range counts {
		if err := s.queryRow(ctx, s.sqlDB, c.query, c.args...).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}
