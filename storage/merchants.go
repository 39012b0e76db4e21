package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vitwit/autopay/types"
)

// GetMerchant looks a merchant up by lowercase address.
func (s *Store) GetMerchant(ctx context.Context, address string) (*types.Merchant, error) {
	var m types.Merchant
	err := s.queryRow(ctx, s.sqlDB,
		`SELECT address, webhook_url, webhook_secret FROM merchants WHERE address = ?`,
		strings.ToLower(address),
	).Scan(&m.Address, &m.WebhookURL, &m.WebhookSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get merchant %s: %w", address, err)
	}
	return &m, nil
}

// UpsertMerchant creates or replaces a merchant's webhook settings.
func (s *Store) UpsertMerchant(ctx context.Context, m types.Merchant) error {
	address := strings.ToLower(strings.TrimSpace(m.Address))
	if address == "" {
		return fmt.Errorf("merchant address is required")
	}
	now := toMillis(s.now())
	_, err := s.exec(ctx, s.sqlDB,
		`INSERT INTO merchants (address, webhook_url, webhook_secret, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (address) DO UPDATE SET
		   webhook_url = excluded.webhook_url,
		   webhook_secret = excluded.webhook_secret,
		   updated_at = excluded.updated_at`,
		address, strings.TrimSpace(m.WebhookURL), m.WebhookSecret, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert merchant %s: %w", address, err)
	}
	return nil
}
