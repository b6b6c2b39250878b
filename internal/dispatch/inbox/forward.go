package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

// ReceivedSubject is the broker subject carrying forwarded inbound messages.
const ReceivedSubject = "sms.message.received"

// ReceivedEvent is the payload published for one forwarded inbound message.
type ReceivedEvent struct {
	MessageID int64     `json:"message_id"`
	RouteID   int64     `json:"route_id"`
	NumFrom   string    `json:"num_from"`
	NumTo     string    `json:"num_to"`
	Body      string    `json:"body"`
	Received  time.Time `json:"received"`
}

// Publisher publishes events to the broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// ForwardHandler serves the "forward" command: inbound messages on routes
// with that command are published to the broker for downstream consumers.
type ForwardHandler struct {
	events Publisher
	logger *slog.Logger
}

// NewForwardHandler creates the forwarding command handler.
func NewForwardHandler(events Publisher, logger *slog.Logger) *ForwardHandler {
	return &ForwardHandler{
		events: events,
		logger: logger.With("component", "forward_handler"),
	}
}

func (h *ForwardHandler) Command() string { return "forward" }

func (h *ForwardHandler) Handle(ctx context.Context, tx pgx.Tx, msg *domain.Message) (*domain.InboxAttempt, error) {
	event := ReceivedEvent{
		MessageID: msg.ID,
		RouteID:   msg.RouteID,
		NumFrom:   msg.NumFrom,
		NumTo:     msg.NumTo,
		Body:      msg.Body,
		Received:  msg.CreatedTime,
	}
	if err := h.events.Publish(ctx, ReceivedSubject, event); err != nil {
		return nil, fmt.Errorf("failed to forward message %d: %w", msg.ID, err)
	}

	h.logger.DebugContext(ctx, "inbound message forwarded", "message_id", msg.ID)
	return &domain.InboxAttempt{
		MessageID:     msg.ID,
		StatusMessage: "forwarded to " + ReceivedSubject,
	}, nil
}
