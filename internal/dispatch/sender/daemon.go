package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arksms/dispatch/internal/dispatch/daemon"
	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/exception"
	"github.com/arksms/dispatch/internal/dispatch/outbox"
)

// StatusSubject is the broker subject carrying message status change events.
const StatusSubject = "sms.message.status"

// StatusEvent is the payload published after a send attempt commits.
type StatusEvent struct {
	MessageID int64                `json:"message_id"`
	RouteID   int64                `json:"route_id"`
	Status    domain.MessageStatus `json:"status"`
	Time      time.Time            `json:"time"`
}

// EventPublisher publishes status change events. Publishing is best effort
// and never fails the unit of work.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Daemon claims due outbox entries and sends them through the HTTP sender.
type Daemon struct {
	pool        *pgxpool.Pool
	engine      *outbox.Engine
	messageRepo domain.MessageRepository
	routeRepo   domain.RouteRepository
	sender      *HTTPSender
	events      EventPublisher
	sink        exception.Sink
	logger      *slog.Logger
	inner       *daemon.Daemon[int64, *domain.OutboxEntry]
	now         func() time.Time
}

// NewDaemon creates the sender daemon.
func NewDaemon(
	cfg daemon.Config,
	pool *pgxpool.Pool,
	engine *outbox.Engine,
	messageRepo domain.MessageRepository,
	routeRepo domain.RouteRepository,
	httpSender *HTTPSender,
	events EventPublisher,
	sink exception.Sink,
	logger *slog.Logger,
) *Daemon {
	d := &Daemon{
		pool:        pool,
		engine:      engine,
		messageRepo: messageRepo,
		routeRepo:   routeRepo,
		sender:      httpSender,
		events:      events,
		sink:        sink,
		logger:      logger.With("component", "sender_daemon"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	d.inner = daemon.New[int64, *domain.OutboxEntry](cfg, logger, d.fetch, d.processItem, d.handleFailure)
	return d
}

// Run blocks until ctx is cancelled or the poll loop fails.
func (d *Daemon) Run(ctx context.Context) error {
	return d.inner.Run(ctx)
}

// fetch claims due entries across all outbound routes, oldest first per
// route. Entries already in flight carry a sending mark and are never
// claimed twice.
func (d *Daemon) fetch(ctx context.Context, limit int) ([]daemon.Item[int64, *domain.OutboxEntry], error) {
	var items []daemon.Item[int64, *domain.OutboxEntry]

	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		routes, err := d.routeRepo.ListOutboundRoutes(ctx)
		if err != nil {
			return err
		}
		for _, route := range routes {
			remaining := limit - len(items)
			if remaining <= 0 {
				break
			}
			entries, err := d.engine.ClaimNextBatch(ctx, tx, route.ID, remaining)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				items = append(items, daemon.Item[int64, *domain.OutboxEntry]{Key: entry.MessageID, Value: entry})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (d *Daemon) processItem(ctx context.Context, messageID int64, entry *domain.OutboxEntry) error {
	start := time.Now()
	var sent *domain.Message

	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		msg, err := d.process(ctx, tx, entry)
		sent = msg
		return err
	})
	sendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		sendsTotal.WithLabelValues("error").Inc()
		return err
	}

	if sent != nil {
		d.publishStatus(ctx, sent)
		sendsTotal.WithLabelValues(string(sent.Status)).Inc()
	}
	return nil
}

// process performs one full send attempt for a claimed entry. All outcomes
// short of an infrastructure error are absorbed here: carrier rejections
// become engine failures, not errors, so the transaction commits and the
// audit trail survives.
func (d *Daemon) process(ctx context.Context, tx pgx.Tx, entry *domain.OutboxEntry) (*domain.Message, error) {
	msg, err := d.messageRepo.GetByID(ctx, tx, entry.MessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", entry.MessageID, err)
	}

	httpRoute, err := d.sender.SelectRoute(ctx, msg)
	if errors.Is(err, domain.ErrRouteNotFound) {
		return msg, d.engine.MessageFailure(ctx, tx, msg, "no route found", outbox.FailurePermanent)
	}
	if err != nil {
		return nil, fmt.Errorf("route selection for message %d: %w", msg.ID, err)
	}

	params, err := BuildParams(httpRoute, msg)
	if err != nil {
		return msg, d.engine.MessageFailure(ctx, tx, msg, err.Error(), outbox.FailurePermanent)
	}

	attempt, err := d.engine.BeginSendAttempt(ctx, tx, entry, msg, requestTrace(httpRoute, params))
	if err != nil {
		return nil, err
	}

	body, trace, err := d.sender.Exchange(ctx, httpRoute, params)
	if err != nil {
		return msg, d.engine.CompleteSendAttemptFailure(ctx, tx, attempt, msg,
			outbox.FailureTemporary, err.Error(), trace, nil, []byte(fmt.Sprintf("%+v", err)))
	}

	outcome := CheckResponse(httpRoute, body)
	if !outcome.Success {
		return msg, d.engine.CompleteSendAttemptFailure(ctx, tx, attempt, msg,
			outcome.FailureType, outcome.Message, trace, []byte(body), nil)
	}

	var otherIDs []string
	if outcome.OtherID != nil {
		otherIDs = []string{*outcome.OtherID}
	}
	return msg, d.engine.CompleteSendAttemptSuccess(ctx, tx, attempt, msg,
		otherIDs, PartCount(msg), trace, []byte(body))
}

// handleFailure releases the claim in a fresh transaction so an
// infrastructure error does not strand the entry in sending state.
func (d *Daemon) handleFailure(ctx context.Context, messageID int64, entry *domain.OutboxEntry, procErr error) {
	d.sink.Report(ctx, "sender", fmt.Sprintf("message %d", messageID), procErr, exception.ResolutionFor(procErr))

	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		msg, err := d.messageRepo.GetByID(ctx, tx, messageID)
		if err != nil {
			return err
		}
		return d.engine.MessageFailure(ctx, tx, msg, procErr.Error(), outbox.FailureTemporary)
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to release claim after send error",
			"message_id", messageID, "error", err)
	}
}

func (d *Daemon) publishStatus(ctx context.Context, msg *domain.Message) {
	if d.events == nil {
		return
	}
	event := StatusEvent{
		MessageID: msg.ID,
		RouteID:   msg.RouteID,
		Status:    msg.Status,
		Time:      d.now(),
	}
	if err := d.events.Publish(ctx, StatusSubject, event); err != nil {
		d.logger.WarnContext(ctx, "failed to publish status event",
			"message_id", msg.ID, "error", err)
	}
}
