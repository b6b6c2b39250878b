package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

type DeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

func (r *DeliveryRepository) Insert(ctx context.Context, tx pgx.Tx, entry *domain.DeliveryEntry) error {
	query, args, err := builder.
		Insert("deliveries").
		Columns("message_id", "delivery_type_id", "old_status", "new_status").
		Values(entry.MessageID, entry.DeliveryTypeID, entry.OldStatus, entry.NewStatus).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert delivery query: %w", err)
	}
	if err := tx.QueryRow(ctx, query, args...).Scan(&entry.ID); err != nil {
		return fmt.Errorf("failed to insert delivery notice: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) FindAllLimit(ctx context.Context, limit int) ([]*domain.DeliveryEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, message_id, delivery_type_id, old_status, new_status
		 FROM deliveries ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery notices: %w", err)
	}
	defer rows.Close()

	var entries []*domain.DeliveryEntry
	for rows.Next() {
		var entry domain.DeliveryEntry
		if err := rows.Scan(&entry.ID, &entry.MessageID, &entry.DeliveryTypeID, &entry.OldStatus, &entry.NewStatus); err != nil {
			return nil, fmt.Errorf("failed to scan delivery notice: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (r *DeliveryRepository) Delete(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM deliveries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete delivery notice %d: %w", id, err)
	}
	return nil
}

type DeliveryTypeRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryTypeRepository(pool *pgxpool.Pool) *DeliveryTypeRepository {
	return &DeliveryTypeRepository{pool: pool}
}

func (r *DeliveryTypeRepository) GetByCode(ctx context.Context, code string) (*domain.DeliveryType, error) {
	var deliveryType domain.DeliveryType
	err := r.pool.QueryRow(ctx,
		`SELECT id, code FROM delivery_types WHERE code = $1`, code).
		Scan(&deliveryType.ID, &deliveryType.Code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery type %q is not registered", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery type %q: %w", code, err)
	}
	return &deliveryType, nil
}
