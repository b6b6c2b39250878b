// Package delivery fans out delivery notices to registered handlers. A
// notice row is created whenever a message with a delivery type changes
// status; this daemon drains those rows and hands each to the handler
// registered for the message's delivery type.
package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arksms/dispatch/internal/dispatch/daemon"
	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/exception"
)

// NoticeHandler delivers status-change notices for one or more delivery
// type codes.
type NoticeHandler interface {
	// DeliveryTypeCodes names the delivery types this handler serves.
	DeliveryTypeCodes() []string
	// Deliver handles one notice inside the daemon's transaction.
	Deliver(ctx context.Context, tx pgx.Tx, entry *domain.DeliveryEntry, msg *domain.Message) error
}

// Daemon drains pending delivery notices.
type Daemon struct {
	pool         *pgxpool.Pool
	deliveryRepo domain.DeliveryRepository
	typeRepo     domain.DeliveryTypeRepository
	messageRepo  domain.MessageRepository
	handlers     []NoticeHandler
	registry     map[int64]NoticeHandler
	sink         exception.Sink
	logger       *slog.Logger
	inner        *daemon.Daemon[int64, *domain.DeliveryEntry]
}

// NewDaemon creates the delivery-notice daemon. The handler registry is
// resolved against the delivery type table when Run starts.
func NewDaemon(
	cfg daemon.Config,
	pool *pgxpool.Pool,
	deliveryRepo domain.DeliveryRepository,
	typeRepo domain.DeliveryTypeRepository,
	messageRepo domain.MessageRepository,
	handlers []NoticeHandler,
	sink exception.Sink,
	logger *slog.Logger,
) *Daemon {
	d := &Daemon{
		pool:         pool,
		deliveryRepo: deliveryRepo,
		typeRepo:     typeRepo,
		messageRepo:  messageRepo,
		handlers:     handlers,
		sink:         sink,
		logger:       logger.With("component", "delivery_daemon"),
	}
	d.inner = daemon.New[int64, *domain.DeliveryEntry](cfg, logger, d.fetch, d.processItem, d.handleFailure)
	return d
}

// Run resolves the handler registry and blocks until ctx is cancelled or
// the poll loop fails. A handler naming an unregistered delivery type is a
// startup error.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.buildRegistry(ctx); err != nil {
		return err
	}
	return d.inner.Run(ctx)
}

func (d *Daemon) buildRegistry(ctx context.Context) error {
	d.registry = make(map[int64]NoticeHandler)
	for _, handler := range d.handlers {
		for _, code := range handler.DeliveryTypeCodes() {
			deliveryType, err := d.typeRepo.GetByCode(ctx, code)
			if err != nil {
				return fmt.Errorf("unknown delivery type %q: %w", code, err)
			}
			if _, dup := d.registry[deliveryType.ID]; dup {
				return fmt.Errorf("delivery type %q claimed by two handlers", code)
			}
			d.registry[deliveryType.ID] = handler
		}
	}
	return nil
}

func (d *Daemon) fetch(ctx context.Context, limit int) ([]daemon.Item[int64, *domain.DeliveryEntry], error) {
	entries, err := d.deliveryRepo.FindAllLimit(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]daemon.Item[int64, *domain.DeliveryEntry], 0, len(entries))
	for _, entry := range entries {
		items = append(items, daemon.Item[int64, *domain.DeliveryEntry]{Key: entry.ID, Value: entry})
	}
	return items, nil
}

func (d *Daemon) processItem(ctx context.Context, id int64, entry *domain.DeliveryEntry) error {
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return d.process(ctx, tx, entry)
	})
	if err != nil {
		noticesTotal.WithLabelValues("failure").Inc()
		return err
	}
	noticesTotal.WithLabelValues("success").Inc()
	return nil
}

func (d *Daemon) process(ctx context.Context, tx pgx.Tx, entry *domain.DeliveryEntry) error {
	handler, ok := d.registry[entry.DeliveryTypeID]
	if !ok {
		return &domain.InvalidStateError{
			MessageID: entry.MessageID,
			Op:        fmt.Sprintf("no handler for delivery type %d", entry.DeliveryTypeID),
		}
	}

	msg, err := d.messageRepo.GetByID(ctx, tx, entry.MessageID)
	if err != nil {
		return fmt.Errorf("failed to load message %d for notice %d: %w", entry.MessageID, entry.ID, err)
	}

	if err := handler.Deliver(ctx, tx, entry, msg); err != nil {
		return fmt.Errorf("delivery notice %d failed: %w", entry.ID, err)
	}

	if err := d.deliveryRepo.Delete(ctx, tx, entry.ID); err != nil {
		return fmt.Errorf("failed to dequeue notice %d: %w", entry.ID, err)
	}

	d.logger.DebugContext(ctx, "delivery notice dispatched",
		"notice_id", entry.ID, "message_id", entry.MessageID,
		"old_status", entry.OldStatus, "new_status", entry.NewStatus)
	return nil
}

// handleFailure reports the failure and, when the notice can never succeed,
// drops it so it does not wedge the queue.
func (d *Daemon) handleFailure(ctx context.Context, id int64, entry *domain.DeliveryEntry, procErr error) {
	resolution := exception.ResolutionFor(procErr)
	d.sink.Report(ctx, "delivery", fmt.Sprintf("notice %d", id), procErr, resolution)

	if resolution != domain.ResolutionFatalError {
		return
	}
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return d.deliveryRepo.Delete(ctx, tx, id)
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to drop poisoned delivery notice",
			"notice_id", id, "error", err)
	}
}
