package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

const outboxColumns = `message_id, route_id, created_time, retry_time,
	remaining_tries, tries, sending, error, daily_failure`

// claimQuery marks eligible entries as sending and spends one remaining try,
// atomically. SKIP LOCKED keeps concurrent claimers from ever selecting the
// same row.
const claimQuery = `
	UPDATE outbox SET
		sending = $1,
		remaining_tries = remaining_tries - 1
	WHERE message_id IN (
		SELECT message_id FROM outbox
		WHERE route_id = $2
		  AND sending IS NULL
		  AND retry_time <= $1
		  AND (remaining_tries IS NULL OR remaining_tries > 0)
		ORDER BY retry_time
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + outboxColumns

type OutboxRepository struct{}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{}
}

func (r *OutboxRepository) Insert(ctx context.Context, tx pgx.Tx, entry *domain.OutboxEntry) error {
	query, args, err := builder.
		Insert("outbox").
		Columns("message_id", "route_id", "created_time", "retry_time",
			"remaining_tries", "tries", "sending", "error", "daily_failure").
		Values(entry.MessageID, entry.RouteID, entry.CreatedTime, entry.RetryTime,
			entry.RemainingTries, entry.Tries, entry.Sending, entry.Error, entry.DailyFailure).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert outbox query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

func (r *OutboxRepository) GetByMessage(ctx context.Context, tx pgx.Tx, messageID int64) (*domain.OutboxEntry, error) {
	row := tx.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE message_id = $1 FOR UPDATE`, messageID)
	entry, err := scanOutboxEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOutboxNotFound
	}
	return entry, err
}

func (r *OutboxRepository) ClaimNext(ctx context.Context, tx pgx.Tx, routeID int64, now time.Time) (*domain.OutboxEntry, error) {
	entries, err := r.ClaimNextBatch(ctx, tx, routeID, now, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (r *OutboxRepository) ClaimNextBatch(ctx context.Context, tx pgx.Tx, routeID int64, now time.Time, limit int) ([]*domain.OutboxEntry, error) {
	rows, err := tx.Query(ctx, claimQuery, now, routeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries for route %d: %w", routeID, err)
	}
	defer rows.Close()

	var entries []*domain.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *OutboxRepository) Update(ctx context.Context, tx pgx.Tx, entry *domain.OutboxEntry) error {
	query, args, err := builder.
		Update("outbox").
		Set("retry_time", entry.RetryTime).
		Set("remaining_tries", entry.RemainingTries).
		Set("tries", entry.Tries).
		Set("sending", entry.Sending).
		Set("error", entry.Error).
		Set("daily_failure", entry.DailyFailure).
		Where(sq.Eq{"message_id": entry.MessageID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update outbox query: %w", err)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry for message %d: %w", entry.MessageID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOutboxNotFound
	}
	return nil
}

func (r *OutboxRepository) Delete(ctx context.Context, tx pgx.Tx, messageID int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM outbox WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete outbox entry for message %d: %w", messageID, err)
	}
	return nil
}

func scanOutboxEntry(row pgx.Row) (*domain.OutboxEntry, error) {
	var entry domain.OutboxEntry
	err := row.Scan(
		&entry.MessageID, &entry.RouteID, &entry.CreatedTime, &entry.RetryTime,
		&entry.RemainingTries, &entry.Tries, &entry.Sending, &entry.Error, &entry.DailyFailure,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
