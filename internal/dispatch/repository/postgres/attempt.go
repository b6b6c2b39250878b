package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

type SendAttemptRepository struct{}

func NewSendAttemptRepository() *SendAttemptRepository {
	return &SendAttemptRepository{}
}

func (r *SendAttemptRepository) Insert(ctx context.Context, tx pgx.Tx, attempt *domain.SendAttempt) error {
	query, args, err := builder.
		Insert("send_attempts").
		Columns("id", "message_id", "route_id", "attempt_index", "state",
			"status_message", "start_time", "end_time",
			"request_trace", "response_trace", "error_trace").
		Values(attempt.ID, attempt.MessageID, attempt.RouteID, attempt.Index, attempt.State,
			attempt.StatusMessage, attempt.StartTime, attempt.EndTime,
			attempt.RequestTrace, attempt.ResponseTrace, attempt.ErrorTrace).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert send attempt query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert send attempt: %w", err)
	}
	return nil
}

func (r *SendAttemptRepository) Update(ctx context.Context, tx pgx.Tx, attempt *domain.SendAttempt) error {
	query, args, err := builder.
		Update("send_attempts").
		Set("state", attempt.State).
		Set("status_message", attempt.StatusMessage).
		Set("end_time", attempt.EndTime).
		Set("request_trace", attempt.RequestTrace).
		Set("response_trace", attempt.ResponseTrace).
		Set("error_trace", attempt.ErrorTrace).
		Where(sq.Eq{"id": attempt.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update send attempt query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update send attempt %s: %w", attempt.ID, err)
	}
	return nil
}

type ReportRepository struct{}

func NewReportRepository() *ReportRepository {
	return &ReportRepository{}
}

func (r *ReportRepository) Insert(ctx context.Context, tx pgx.Tx, report *domain.MessageReport) error {
	query, args, err := builder.
		Insert("message_reports").
		Columns("message_id", "received_time", "new_status",
			"their_code", "their_description", "their_timestamp").
		Values(report.MessageID, report.ReceivedTime, report.NewStatus,
			report.TheirCode, report.TheirDescription, report.TheirTimestamp).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert report query: %w", err)
	}
	if err := tx.QueryRow(ctx, query, args...).Scan(&report.ID); err != nil {
		return fmt.Errorf("failed to insert message report: %w", err)
	}
	return nil
}

type FailedMessageRepository struct{}

func NewFailedMessageRepository() *FailedMessageRepository {
	return &FailedMessageRepository{}
}

func (r *FailedMessageRepository) Insert(ctx context.Context, tx pgx.Tx, failed *domain.FailedMessage) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO failed_messages (message_id, error) VALUES ($1, $2)`,
		failed.MessageID, failed.Error)
	if err != nil {
		return fmt.Errorf("failed to insert failed message record: %w", err)
	}
	return nil
}

type ExpiryRepository struct{}

func NewExpiryRepository() *ExpiryRepository {
	return &ExpiryRepository{}
}

func (r *ExpiryRepository) Insert(ctx context.Context, tx pgx.Tx, expiry *domain.MessageExpiry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO message_expiries (message_id, expiry_time) VALUES ($1, $2)`,
		expiry.MessageID, expiry.ExpiryTime)
	if err != nil {
		return fmt.Errorf("failed to insert message expiry: %w", err)
	}
	return nil
}

func (r *ExpiryRepository) FindDueLimit(ctx context.Context, tx pgx.Tx, due time.Time, limit int) ([]*domain.MessageExpiry, error) {
	rows, err := tx.Query(ctx,
		`SELECT message_id, expiry_time FROM message_expiries
		 WHERE expiry_time <= $1
		 ORDER BY expiry_time
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		due, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due expiries: %w", err)
	}
	defer rows.Close()

	var expiries []*domain.MessageExpiry
	for rows.Next() {
		var expiry domain.MessageExpiry
		if err := rows.Scan(&expiry.MessageID, &expiry.ExpiryTime); err != nil {
			return nil, fmt.Errorf("failed to scan message expiry: %w", err)
		}
		expiries = append(expiries, &expiry)
	}
	return expiries, rows.Err()
}

func (r *ExpiryRepository) Delete(ctx context.Context, tx pgx.Tx, messageID int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM message_expiries WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message expiry for message %d: %w", messageID, err)
	}
	return nil
}
