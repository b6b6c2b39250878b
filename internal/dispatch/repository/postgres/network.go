package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

type NetworkRepository struct {
	pool *pgxpool.Pool
}

func NewNetworkRepository(pool *pgxpool.Pool) *NetworkRepository {
	return &NetworkRepository{pool: pool}
}

// LookupByPrefix resolves the network owning the longest prefix of the
// number, or nil when no prefix matches.
func (r *NetworkRepository) LookupByPrefix(ctx context.Context, number string) (*domain.Network, error) {
	var network domain.Network
	err := r.pool.QueryRow(ctx,
		`SELECT n.id, n.code
		 FROM network_prefixes p
		 JOIN networks n ON n.id = p.network_id
		 WHERE $1 LIKE p.prefix || '%'
		 ORDER BY length(p.prefix) DESC
		 LIMIT 1`,
		number).
		Scan(&network.ID, &network.Code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up network for number: %w", err)
	}
	return &network, nil
}

type ExceptionLogRepository struct {
	pool *pgxpool.Pool
}

func NewExceptionLogRepository(pool *pgxpool.Pool) *ExceptionLogRepository {
	return &ExceptionLogRepository{pool: pool}
}

func (r *ExceptionLogRepository) Insert(ctx context.Context, entry *domain.ExceptionLogEntry) error {
	query, args, err := builder.
		Insert("exception_logs").
		Columns("category", "source", "summary", "dump", "resolution", "created_time").
		Values(entry.Category, entry.Source, entry.Summary, entry.Dump, entry.Resolution, entry.CreatedTime).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert exception log query: %w", err)
	}
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&entry.ID); err != nil {
		return fmt.Errorf("failed to insert exception log entry: %w", err)
	}
	return nil
}
