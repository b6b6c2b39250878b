// Package http exposes the gateway's inbound HTTP surface: carrier delivery
// report webhooks, message management endpoints, health and metrics.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/exception"
	"github.com/arksms/dispatch/internal/dispatch/outbox"
	"github.com/arksms/dispatch/internal/dispatch/report"
)

// Beginner opens transactions; *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Server wires the HTTP handlers.
type Server struct {
	db          Beginner
	routeRepo   domain.RouteRepository
	messageRepo domain.MessageRepository
	engine      *outbox.Engine
	reconciler  *report.Reconciler
	sink        exception.Sink
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewServer creates the HTTP surface.
func NewServer(
	db Beginner,
	routeRepo domain.RouteRepository,
	messageRepo domain.MessageRepository,
	engine *outbox.Engine,
	reconciler *report.Reconciler,
	sink exception.Sink,
	logger *slog.Logger,
) *Server {
	return &Server{
		db:          db,
		routeRepo:   routeRepo,
		messageRepo: messageRepo,
		engine:      engine,
		reconciler:  reconciler,
		sink:        sink,
		validate:    validator.New(),
		logger:      logger.With("component", "http_server"),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/routes/{code}/reports", s.handleDeliveryReport)

	r.Route("/messages/{id}", func(r chi.Router) {
		r.Post("/cancel", s.handleCancel)
		r.Post("/retry", s.handleRetry)
		r.Post("/unhold", s.handleUnhold)
		r.Post("/resend", s.handleResend)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// inTx runs fn in one transaction.
func (s *Server) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, fn)
}
