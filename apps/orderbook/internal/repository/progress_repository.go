package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// ProgressRepository stores the per-chain poll cursor.
type ProgressRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewProgressRepository(db *sql.DB, logger *zap.Logger) *ProgressRepository {
	return &ProgressRepository{db: db, logger: logger}
}

// EnsureProgress creates the cursor row for a chain if it does not exist yet.
func (r *ProgressRepository) EnsureProgress(ctx context.Context, chainID int64, startBlock uint64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO event_poll_progress (chain_id, last_polled_block)
		VALUES ($1, $2)
		ON CONFLICT (chain_id) DO NOTHING
	`, chainID, startBlock)
	if err != nil {
		return fmt.Errorf("failed to ensure poll progress: %w", err)
	}
	return nil
}

func (r *ProgressRepository) GetLastPolledBlock(ctx context.Context, chainID int64) (uint64, error) {
	var block uint64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_polled_block FROM event_poll_progress WHERE chain_id = $1
	`, chainID).Scan(&block)
	if err != nil {
		return 0, fmt.Errorf("failed to get last polled block: %w", err)
	}
	return block, nil
}

// AdvanceLastPolledBlock moves the cursor forward. It never moves it backwards.
func (r *ProgressRepository) AdvanceLastPolledBlock(ctx context.Context, chainID int64, block uint64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_poll_progress
		SET last_polled_block = GREATEST(last_polled_block, $2), updated_at = NOW()
		WHERE chain_id = $1
	`, chainID, block)
	if err != nil {
		return fmt.Errorf("failed to advance last polled block: %w", err)
	}

	r.logger.Debug("Advanced poll progress", zap.Int64("chain_id", chainID), zap.Uint64("block", block))
	return nil
}
