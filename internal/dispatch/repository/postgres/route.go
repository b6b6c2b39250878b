package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

type RouteRepository struct {
	pool *pgxpool.Pool
}

func NewRouteRepository(pool *pgxpool.Pool) *RouteRepository {
	return &RouteRepository{pool: pool}
}

const routeColumns = `id, code, delivery_reports, expiry_secs, max_tries, command`

func (r *RouteRepository) GetByID(ctx context.Context, id int64) (*domain.Route, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = $1`, id)
	return scanRoute(row)
}

func (r *RouteRepository) GetByCode(ctx context.Context, code string) (*domain.Route, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+routeColumns+` FROM routes WHERE code = $1`, code)
	return scanRoute(row)
}

func (r *RouteRepository) ListOutboundRoutes(ctx context.Context) ([]*domain.Route, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+prefixColumns("r", routeColumns)+`
		 FROM routes r
		 WHERE EXISTS (SELECT 1 FROM http_routes h WHERE h.route_id = r.id)
		 ORDER BY r.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbound routes: %w", err)
	}
	defer rows.Close()

	var routes []*domain.Route
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

// GetHTTPRoute loads and compiles the wire configuration for a (route,
// network) pair. A broken pattern is a configuration error surfaced
// immediately rather than at send time.
func (r *RouteRepository) GetHTTPRoute(ctx context.Context, routeID, networkID int64) (*domain.HTTPRoute, error) {
	var (
		route                              domain.HTTPRoute
		success, temp, perm, daily, credit *string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT route_id, network_id, url, params, post, user_agent,
		        param_encoding, body_encoding,
		        success_regex, temporary_failure_regex, permanent_failure_regex,
		        daily_failure_regex, credit_failure_regex
		 FROM http_routes
		 WHERE route_id = $1 AND network_id = $2`,
		routeID, networkID).
		Scan(&route.RouteID, &route.NetworkID, &route.URL, &route.Params, &route.Post,
			&route.UserAgent, &route.ParamEncoding, &route.BodyEncoding,
			&success, &temp, &perm, &daily, &credit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load http route (%d, %d): %w", routeID, networkID, err)
	}

	for _, p := range []struct {
		pattern *string
		target  **regexp.Regexp
		name    string
	}{
		{success, &route.SuccessRegex, "success"},
		{temp, &route.TemporaryFailureRegex, "temporary_failure"},
		{perm, &route.PermanentFailureRegex, "permanent_failure"},
		{daily, &route.DailyFailureRegex, "daily_failure"},
		{credit, &route.CreditFailureRegex, "credit_failure"},
	} {
		if p.pattern == nil || *p.pattern == "" {
			continue
		}
		compiled, err := regexp.Compile(*p.pattern)
		if err != nil {
			return nil, fmt.Errorf("http route (%d, %d) has a broken %s pattern: %w", routeID, networkID, p.name, err)
		}
		*p.target = compiled
	}

	return &route, nil
}

func (r *RouteRepository) ReportCodeMappings(ctx context.Context, routeID int64) (map[string]domain.MessageStatus, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT their_code, new_status FROM report_code_mappings WHERE route_id = $1`, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query report code mappings for route %d: %w", routeID, err)
	}
	defer rows.Close()

	mappings := make(map[string]domain.MessageStatus)
	for rows.Next() {
		var code string
		var status domain.MessageStatus
		if err := rows.Scan(&code, &status); err != nil {
			return nil, fmt.Errorf("failed to scan report code mapping: %w", err)
		}
		mappings[code] = status
	}
	return mappings, rows.Err()
}

func scanRoute(row pgx.Row) (*domain.Route, error) {
	var route domain.Route
	err := row.Scan(&route.ID, &route.Code, &route.DeliveryReports,
		&route.ExpirySecs, &route.MaxTries, &route.Command)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan route: %w", err)
	}
	return &route, nil
}
