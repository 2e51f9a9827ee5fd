package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/model"
)

type OutboxRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOutboxRepository(db *sql.DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

// StoreOutboxEvents writes side effects outside of any business transaction.
func (r *OutboxRepository) StoreOutboxEvents(ctx context.Context, events []model.OutboxEvent) error {
	return insertOutboxEvents(ctx, r.db, events)
}

func insertOutboxEvents(ctx context.Context, q queryer, events []model.OutboxEvent) error {
	for _, event := range events {
		_, err := q.ExecContext(ctx, `
			INSERT INTO event_outbox (effect_type, status, partition_key, payload)
			VALUES ($1, 'unsent', $2, $3)
		`, event.EffectType, event.Key, []byte(event.Payload))
		if err != nil {
			return fmt.Errorf("failed to store outbox event: %w", err)
		}
	}
	return nil
}

func (r *OutboxRepository) GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var events []model.OutboxEvent

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		// Select and lock unsent events for processing
		rows, err := tx.QueryContext(ctx, `
			SELECT id, effect_type, status, partition_key, payload, created_at
			FROM event_outbox
			WHERE status = 'unsent'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		var ids []int64
		for rows.Next() {
			var event model.OutboxEvent
			if err := rows.Scan(&event.ID, &event.EffectType, &event.Status, &event.Key, &event.Payload, &event.CreatedAt); err != nil {
				return err
			}
			events = append(events, event)
			ids = append(ids, event.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}

		// Mark selected events as 'processing' to prevent other workers from picking them up
		_, err = tx.ExecContext(ctx, `
			UPDATE event_outbox SET status = 'processing'
			WHERE id = ANY($1) AND status = 'unsent'
		`, pq.Array(ids))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	return events, nil
}

func (r *OutboxRepository) MarkEventAsSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'sent' WHERE id = $1
	`, id)
	return err
}

func (r *OutboxRepository) MarkEventAsFailed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'unsent'
		WHERE id = $1 AND status = 'processing'
	`, id)
	return err
}
