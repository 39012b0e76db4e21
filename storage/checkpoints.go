package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vitwit/autopay/types"
)

// GetCheckpoint returns the chain's checkpoint or ErrNotFound.
func (s *Store) GetCheckpoint(ctx context.Context, chainID int64) (types.Checkpoint, error) {
	var (
		cp        = types.Checkpoint{ChainID: chainID}
		updatedAt int64
	)
	err := s.queryRow(ctx, s.sqlDB,
		`SELECT last_block, updated_at FROM indexer_checkpoints WHERE chain_id = ?`, chainID,
	).Scan(&cp.LastBlock, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("get checkpoint %d: %w", chainID, err)
	}
	cp.UpdatedAt = fromMillis(updatedAt)
	return cp, nil
}

// InitCheckpoint creates the checkpoint at block if none exists and returns
// whatever is stored afterwards.
func (s *Store) InitCheckpoint(ctx context.Context, chainID, block int64) (types.Checkpoint, error) {
	_, err := s.exec(ctx, s.sqlDB,
		`INSERT INTO indexer_checkpoints (chain_id, last_block, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (chain_id) DO NOTHING`,
		chainID, block, toMillis(s.now()),
	)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("init checkpoint %d: %w", chainID, err)
	}
	return s.GetCheckpoint(ctx, chainID)
}

// SetCheckpoint advances the checkpoint. It never moves backwards, so a
// backfill over old blocks leaves it alone.
func (s *Store) SetCheckpoint(ctx context.Context, chainID, block int64) error {
	_, err := s.exec(ctx, s.sqlDB,
		`INSERT INTO indexer_checkpoints (chain_id, last_block, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (chain_id) DO UPDATE SET
		   last_block = CASE WHEN excluded.last_block > indexer_checkpoints.last_block
		                     THEN excluded.last_block ELSE indexer_checkpoints.last_block END,
		   updated_at = excluded.updated_at`,
		chainID, block, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set checkpoint %d: %w", chainID, err)
	}
	return nil
}

// ListCheckpoints returns every chain's checkpoint ordered by chain id.
func (s *Store) ListCheckpoints(ctx context.Context) ([]types.Checkpoint, error) {
	rows, err := s.query(ctx, s.sqlDB,
		`SELECT chain_id, last_block, updated_at FROM indexer_checkpoints ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []types.Checkpoint
	for rows.Next() {
		var (
			cp        types.Checkpoint
			updatedAt int64
		)
		if err := rows.Scan(&cp.ChainID, &cp.LastBlock, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.UpdatedAt = fromMillis(updatedAt)
		out = append(out, cp)
	}
	return out, rows.Err()
}
