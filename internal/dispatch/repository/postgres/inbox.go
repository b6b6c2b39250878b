package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

const inboxColumns = `message_id, num_attempts, next_attempt, status_message`

type InboxRepository struct {
	pool *pgxpool.Pool
}

func NewInboxRepository(pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{pool: pool}
}

func (r *InboxRepository) FindPendingLimit(ctx context.Context, due time.Time, limit int) ([]*domain.InboxEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+inboxColumns+` FROM inbox
		 WHERE next_attempt <= $1
		 ORDER BY next_attempt
		 LIMIT $2`,
		due, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending inbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.InboxEntry
	for rows.Next() {
		var entry domain.InboxEntry
		if err := rows.Scan(&entry.MessageID, &entry.NumAttempts, &entry.NextAttempt, &entry.StatusMessage); err != nil {
			return nil, fmt.Errorf("failed to scan inbox entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (r *InboxRepository) Get(ctx context.Context, tx pgx.Tx, messageID int64) (*domain.InboxEntry, error) {
	var entry domain.InboxEntry
	err := tx.QueryRow(ctx,
		`SELECT `+inboxColumns+` FROM inbox WHERE message_id = $1 FOR UPDATE`, messageID).
		Scan(&entry.MessageID, &entry.NumAttempts, &entry.NextAttempt, &entry.StatusMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to load inbox entry for message %d: %w", messageID, err)
	}
	return &entry, nil
}

func (r *InboxRepository) Update(ctx context.Context, tx pgx.Tx, entry *domain.InboxEntry) error {
	query, args, err := builder.
		Update("inbox").
		Set("num_attempts", entry.NumAttempts).
		Set("next_attempt", entry.NextAttempt).
		Set("status_message", entry.StatusMessage).
		Where(sq.Eq{"message_id": entry.MessageID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update inbox query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update inbox entry for message %d: %w", entry.MessageID, err)
	}
	return nil
}

func (r *InboxRepository) Delete(ctx context.Context, tx pgx.Tx, messageID int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM inbox WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete inbox entry for message %d: %w", messageID, err)
	}
	return nil
}
