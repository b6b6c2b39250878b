// Package inbox processes received messages. Each inbound message's route
// names a command; a registered handler for that command runs inside its own
// transaction and produces an attempt record. Messages on command-less
// routes are marked not processed and dropped from the queue.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arksms/dispatch/internal/dispatch/daemon"
	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/exception"
	"github.com/arksms/dispatch/internal/dispatch/message"
)

// retryLadderStep spaces reprocessing attempts: after n failures the next
// attempt is n*retryLadderStep away.
const retryLadderStep = time.Minute

// CommandHandler processes inbound messages for one command code.
type CommandHandler interface {
	// Command is the route command code this handler serves.
	Command() string
	// Handle processes one inbound message inside the daemon's transaction.
	// It must return a non-nil attempt on success; returning (nil, nil) is a
	// programming error.
	Handle(ctx context.Context, tx pgx.Tx, msg *domain.Message) (*domain.InboxAttempt, error)
}

// Daemon polls the inbox and dispatches messages to command handlers.
type Daemon struct {
	pool        *pgxpool.Pool
	inboxRepo   domain.InboxRepository
	messageRepo domain.MessageRepository
	routeRepo   domain.RouteRepository
	msgLogic    *message.Logic
	handlers    map[string]CommandHandler
	sink        exception.Sink
	logger      *slog.Logger
	inner       *daemon.Daemon[int64, *domain.InboxEntry]
	now         func() time.Time
}

// NewDaemon creates the inbox daemon with the given command handlers.
func NewDaemon(
	cfg daemon.Config,
	pool *pgxpool.Pool,
	inboxRepo domain.InboxRepository,
	messageRepo domain.MessageRepository,
	routeRepo domain.RouteRepository,
	msgLogic *message.Logic,
	handlers []CommandHandler,
	sink exception.Sink,
	logger *slog.Logger,
) *Daemon {
	d := &Daemon{
		pool:        pool,
		inboxRepo:   inboxRepo,
		messageRepo: messageRepo,
		routeRepo:   routeRepo,
		msgLogic:    msgLogic,
		handlers:    make(map[string]CommandHandler, len(handlers)),
		sink:        sink,
		logger:      logger.With("component", "inbox_daemon"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, h := range handlers {
		d.handlers[h.Command()] = h
	}

	d.inner = daemon.New[int64, *domain.InboxEntry](cfg, logger, d.fetch, d.processItem, d.handleFailure)
	return d
}

// Run blocks until ctx is cancelled or the poll loop fails.
func (d *Daemon) Run(ctx context.Context) error {
	return d.inner.Run(ctx)
}

func (d *Daemon) fetch(ctx context.Context, limit int) ([]daemon.Item[int64, *domain.InboxEntry], error) {
	entries, err := d.inboxRepo.FindPendingLimit(ctx, d.now(), limit)
	if err != nil {
		return nil, err
	}
	items := make([]daemon.Item[int64, *domain.InboxEntry], 0, len(entries))
	for _, entry := range entries {
		items = append(items, daemon.Item[int64, *domain.InboxEntry]{Key: entry.MessageID, Value: entry})
	}
	return items, nil
}

func (d *Daemon) processItem(ctx context.Context, messageID int64, entry *domain.InboxEntry) error {
	start := time.Now()
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return d.process(ctx, tx, messageID)
	})
	processDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		processedTotal.WithLabelValues("failure").Inc()
		return err
	}
	processedTotal.WithLabelValues("success").Inc()
	return nil
}

func (d *Daemon) process(ctx context.Context, tx pgx.Tx, messageID int64) error {
	msg, err := d.messageRepo.GetByID(ctx, tx, messageID)
	if err != nil {
		return fmt.Errorf("failed to load inbound message %d: %w", messageID, err)
	}

	route, err := d.routeRepo.GetByID(ctx, msg.RouteID)
	if err != nil {
		return fmt.Errorf("failed to load route %d: %w", msg.RouteID, err)
	}

	if route.Command == nil {
		if err := d.inboxRepo.Delete(ctx, tx, messageID); err != nil {
			return fmt.Errorf("failed to dequeue message %d: %w", messageID, err)
		}
		if err := d.msgLogic.SetStatus(ctx, tx, msg, domain.StatusNotProcessed); err != nil {
			return err
		}
		d.logger.InfoContext(ctx, "inbound message on command-less route dropped",
			"message_id", messageID, "route_id", route.ID)
		return nil
	}

	handler, ok := d.handlers[*route.Command]
	if !ok {
		return &domain.InvalidStateError{
			MessageID: messageID,
			Status:    msg.Status,
			Op:        fmt.Sprintf("no handler registered for command %q", *route.Command),
		}
	}

	attempt, err := handler.Handle(ctx, tx, msg)
	if err != nil {
		return fmt.Errorf("command %q failed for message %d: %w", *route.Command, messageID, err)
	}
	if attempt == nil {
		return fmt.Errorf("command %q returned no attempt for message %d", *route.Command, messageID)
	}

	if err := d.inboxRepo.Delete(ctx, tx, messageID); err != nil {
		return fmt.Errorf("failed to dequeue message %d: %w", messageID, err)
	}
	if err := d.msgLogic.SetStatus(ctx, tx, msg, domain.StatusProcessed); err != nil {
		return err
	}

	d.logger.InfoContext(ctx, "inbound message processed",
		"message_id", messageID, "command", *route.Command, "status_message", attempt.StatusMessage)
	return nil
}

// handleFailure runs after the failed transaction rolled back. It records
// the failure on the inbox entry in a fresh transaction and pushes the
// retry time out linearly with the attempt count.
func (d *Daemon) handleFailure(ctx context.Context, messageID int64, _ *domain.InboxEntry, procErr error) {
	d.sink.Report(ctx, "inbox", fmt.Sprintf("message %d", messageID), procErr, exception.ResolutionFor(procErr))

	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return d.recordFailure(ctx, tx, messageID, procErr)
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to record inbox failure",
			"message_id", messageID, "error", err)
	}
}

func (d *Daemon) recordFailure(ctx context.Context, tx pgx.Tx, messageID int64, procErr error) error {
	entry, err := d.inboxRepo.Get(ctx, tx, messageID)
	if err != nil {
		return err
	}
	entry.NumAttempts++
	entry.NextAttempt = d.now().Add(time.Duration(entry.NumAttempts) * retryLadderStep)
	statusMessage := procErr.Error()
	entry.StatusMessage = &statusMessage
	return d.inboxRepo.Update(ctx, tx, entry)
}
