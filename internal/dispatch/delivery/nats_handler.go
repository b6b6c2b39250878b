package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

// NoticeSubject is the broker subject carrying delivery notices.
const NoticeSubject = "sms.message.delivery"

// NoticeEvent is the payload published for one delivery notice.
type NoticeEvent struct {
	MessageID int64                `json:"message_id"`
	RouteID   int64                `json:"route_id"`
	OldStatus domain.MessageStatus `json:"old_status"`
	NewStatus domain.MessageStatus `json:"new_status"`
	Ref       *string              `json:"ref,omitempty"`
	Time      time.Time            `json:"time"`
}

// Publisher publishes events to the broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// NATSNoticeHandler serves the "nats" delivery type by publishing notices to
// the broker.
type NATSNoticeHandler struct {
	events Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewNATSNoticeHandler creates the broker-backed notice handler.
func NewNATSNoticeHandler(events Publisher, logger *slog.Logger) *NATSNoticeHandler {
	return &NATSNoticeHandler{
		events: events,
		logger: logger.With("component", "nats_notice_handler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *NATSNoticeHandler) DeliveryTypeCodes() []string { return []string{"nats"} }

func (h *NATSNoticeHandler) Deliver(ctx context.Context, tx pgx.Tx, entry *domain.DeliveryEntry, msg *domain.Message) error {
	event := NoticeEvent{
		MessageID: entry.MessageID,
		RouteID:   msg.RouteID,
		OldStatus: entry.OldStatus,
		NewStatus: entry.NewStatus,
		Ref:       msg.Ref,
		Time:      h.now(),
	}
	if err := h.events.Publish(ctx, NoticeSubject, event); err != nil {
		return fmt.Errorf("failed to publish notice for message %d: %w", entry.MessageID, err)
	}

	h.logger.DebugContext(ctx, "delivery notice published",
		"message_id", entry.MessageID, "new_status", entry.NewStatus)
	return nil
}
