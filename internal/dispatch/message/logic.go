// Package message owns status mutation for messages. Every status change in
// the dispatch core goes through Logic.SetStatus so the transition table is
// enforced in exactly one place and delivery notices fan out consistently.
package message

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

// Logic applies message status transitions.
type Logic struct {
	messageRepo  domain.MessageRepository
	deliveryRepo domain.DeliveryRepository
	logger       *slog.Logger
}

// NewLogic creates message status logic.
func NewLogic(
	messageRepo domain.MessageRepository,
	deliveryRepo domain.DeliveryRepository,
	logger *slog.Logger,
) *Logic {
	return &Logic{
		messageRepo:  messageRepo,
		deliveryRepo: deliveryRepo,
		logger:       logger.With("component", "message_logic"),
	}
}

// SetStatus transitions the message to newStatus. A same-status call is a
// no-op. An illegal transition returns an InvalidStateError. When the message
// carries a delivery type, a delivery notice row is created for the change.
func (l *Logic) SetStatus(ctx context.Context, tx pgx.Tx, msg *domain.Message, newStatus domain.MessageStatus) error {
	if msg.Status == newStatus {
		return nil
	}

	if !domain.CanTransition(msg.Status, newStatus) {
		return &domain.InvalidStateError{
			MessageID: msg.ID,
			Status:    msg.Status,
			Op:        fmt.Sprintf("transition to %q", newStatus),
		}
	}

	if err := l.messageRepo.UpdateStatus(ctx, tx, msg.ID, newStatus); err != nil {
		return fmt.Errorf("failed to update message %d status: %w", msg.ID, err)
	}

	oldStatus := msg.Status
	msg.Status = newStatus

	if msg.DeliveryTypeID != nil {
		entry := &domain.DeliveryEntry{
			MessageID:      msg.ID,
			DeliveryTypeID: *msg.DeliveryTypeID,
			OldStatus:      oldStatus,
			NewStatus:      newStatus,
		}
		if err := l.deliveryRepo.Insert(ctx, tx, entry); err != nil {
			return fmt.Errorf("failed to create delivery notice for message %d: %w", msg.ID, err)
		}
	}

	l.logger.DebugContext(ctx, "message status changed",
		"message_id", msg.ID, "old_status", oldStatus, "new_status", newStatus)

	return nil
}
