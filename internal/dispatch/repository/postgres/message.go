// Package postgres implements the repository interfaces on PostgreSQL.
// Repositories that participate in units of work take the caller's
// transaction; lookup-only repositories run on the pool directly.
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

var builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const messageColumns = `id, direction, status, route_id, network_id, delivery_type_id,
	num_from, num_to, body, message_type, wap_url, wap_title, thread_id, ref,
	other_id, num_attempts, created_time, processed_time`

type MessageRepository struct{}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{}
}

func (r *MessageRepository) Insert(ctx context.Context, tx pgx.Tx, msg *domain.Message) (*domain.Message, error) {
	query, args, err := builder.
		Insert("messages").
		Columns("direction", "status", "route_id", "network_id", "delivery_type_id",
			"num_from", "num_to", "body", "message_type", "wap_url", "wap_title",
			"thread_id", "ref", "other_id", "num_attempts", "created_time", "processed_time").
		Values(msg.Direction, msg.Status, msg.RouteID, msg.NetworkID, msg.DeliveryTypeID,
			msg.NumFrom, msg.NumTo, msg.Body, msg.MessageType, msg.WapURL, msg.WapTitle,
			msg.ThreadID, msg.Ref, msg.OtherID, msg.NumAttempts, msg.CreatedTime, msg.ProcessedTime).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert message query: %w", err)
	}

	inserted := *msg
	if err := tx.QueryRow(ctx, query, args...).Scan(&inserted.ID); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return &inserted, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, tx pgx.Tx, id int64) (*domain.Message, error) {
	row := tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (r *MessageRepository) FindByOtherID(ctx context.Context, tx pgx.Tx, direction domain.MessageDirection, routeID int64, otherID string) (*domain.Message, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE direction = $1 AND route_id = $2 AND other_id = $3
		 ORDER BY id DESC LIMIT 1`,
		direction, routeID, otherID)
	return scanMessage(row)
}

func (r *MessageRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status domain.MessageStatus) error {
	tag, err := tx.Exec(ctx, `UPDATE messages SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update message %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *MessageRepository) SetOtherID(ctx context.Context, tx pgx.Tx, id int64, otherID string) error {
	_, err := tx.Exec(ctx, `UPDATE messages SET other_id = $1 WHERE id = $2`, otherID, id)
	if err != nil {
		return fmt.Errorf("failed to set message %d other id: %w", id, err)
	}
	return nil
}

func (r *MessageRepository) SetProcessedTime(ctx context.Context, tx pgx.Tx, id int64, processed time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE messages SET processed_time = $1 WHERE id = $2`, processed, id)
	if err != nil {
		return fmt.Errorf("failed to set message %d processed time: %w", id, err)
	}
	return nil
}

func (r *MessageRepository) IncrementAttempts(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `UPDATE messages SET num_attempts = num_attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment message %d attempts: %w", id, err)
	}
	return nil
}

func (r *MessageRepository) InsertMultipartLink(ctx context.Context, tx pgx.Tx, link *domain.MultipartLink) error {
	query, args, err := builder.
		Insert("multipart_links").
		Columns("message_id", "main_message_id", "simulated").
		Values(link.MessageID, link.MainMessageID, link.Simulated).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert multipart link query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert multipart link: %w", err)
	}
	return nil
}

func (r *MessageRepository) FindSimulatedCompanions(ctx context.Context, tx pgx.Tx, mainMessageID int64) ([]*domain.Message, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+prefixColumns("m", messageColumns)+`
		 FROM messages m
		 JOIN multipart_links l ON l.message_id = m.id
		 WHERE l.main_message_id = $1 AND l.simulated
		 ORDER BY m.id`,
		mainMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query companions of message %d: %w", mainMessageID, err)
	}
	defer rows.Close()

	var companions []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		companions = append(companions, msg)
	}
	return companions, rows.Err()
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	err := row.Scan(
		&msg.ID, &msg.Direction, &msg.Status, &msg.RouteID, &msg.NetworkID,
		&msg.DeliveryTypeID, &msg.NumFrom, &msg.NumTo, &msg.Body, &msg.MessageType,
		&msg.WapURL, &msg.WapTitle, &msg.ThreadID, &msg.Ref, &msg.OtherID,
		&msg.NumAttempts, &msg.CreatedTime, &msg.ProcessedTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return &msg, nil
}
