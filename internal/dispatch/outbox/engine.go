// Package outbox owns the pending to sent/failed/cancelled message lifecycle:
// claim and release semantics, retry scheduling, and the send attempt audit
// trail. The engine never talks to carriers; the sender decides what kind of
// failure occurred and the engine just reschedules or terminates.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/message"
)

// FailureType classifies a send failure.
type FailureType string

const (
	FailureTemporary FailureType = "temporary"
	FailureDaily     FailureType = "daily"
	FailurePermanent FailureType = "permanent"
)

// retryStep is the linear backoff unit: after k failures the next attempt is
// scheduled k*retryStep in the future.
const retryStep = 10 * time.Second

// Engine is the outbox state engine.
type Engine struct {
	messageRepo domain.MessageRepository
	outboxRepo  domain.OutboxRepository
	attemptRepo domain.SendAttemptRepository
	failedRepo  domain.FailedMessageRepository
	expiryRepo  domain.ExpiryRepository
	routeRepo   domain.RouteRepository
	msgLogic    *message.Logic
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates the outbox state engine.
func NewEngine(
	messageRepo domain.MessageRepository,
	outboxRepo domain.OutboxRepository,
	attemptRepo domain.SendAttemptRepository,
	failedRepo domain.FailedMessageRepository,
	expiryRepo domain.ExpiryRepository,
	routeRepo domain.RouteRepository,
	msgLogic *message.Logic,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		messageRepo: messageRepo,
		outboxRepo:  outboxRepo,
		attemptRepo: attemptRepo,
		failedRepo:  failedRepo,
		expiryRepo:  expiryRepo,
		routeRepo:   routeRepo,
		msgLogic:    msgLogic,
		logger:      logger.With("component", "outbox_engine"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ClaimNext claims the oldest eligible outbox entry on the route, marking it
// as sending. Returns nil when nothing is eligible. The claim is atomic: the
// repository selects with row-level exclusivity so two concurrent claimers
// can never obtain the same entry.
func (e *Engine) ClaimNext(ctx context.Context, tx pgx.Tx, routeID int64) (*domain.OutboxEntry, error) {
	return e.outboxRepo.ClaimNext(ctx, tx, routeID, e.now())
}

// ClaimNextBatch claims up to limit eligible entries on the route.
func (e *Engine) ClaimNextBatch(ctx context.Context, tx pgx.Tx, routeID int64, limit int) ([]*domain.OutboxEntry, error) {
	return e.outboxRepo.ClaimNextBatch(ctx, tx, routeID, e.now(), limit)
}

// MessageSuccess completes a claimed send. The outbox entry is deleted, the
// message transitions to sent, the first otherID (if any) becomes the
// carrier correlation id, and an expiry record is scheduled when the route
// expects delivery reports. Additional otherIDs, or a simulateMultipart count
// above one, synthesize multipart companion messages; supplying both at once
// is a caller error.
func (e *Engine) MessageSuccess(ctx context.Context, tx pgx.Tx, msg *domain.Message, otherIDs []string, simulateMultipart int64) error {
	if err := checkMultipartOptions(otherIDs, simulateMultipart); err != nil {
		return err
	}

	entry, err := e.outboxRepo.GetByMessage(ctx, tx, msg.ID)
	if err != nil {
		return fmt.Errorf("message %d success: %w", msg.ID, err)
	}

	if msg.Status != domain.StatusPending && msg.Status != domain.StatusCancelled {
		return &domain.InvalidStateError{MessageID: msg.ID, Status: msg.Status, Op: "message success"}
	}
	if entry.Sending == nil {
		return &domain.InvalidStateError{MessageID: msg.ID, Status: msg.Status, Op: "message success: outbox not marked as sending"}
	}

	if err := e.outboxRepo.Delete(ctx, tx, msg.ID); err != nil {
		return fmt.Errorf("failed to delete outbox entry for message %d: %w", msg.ID, err)
	}

	if err := e.msgLogic.SetStatus(ctx, tx, msg, domain.StatusSent); err != nil {
		return err
	}

	if len(otherIDs) > 0 {
		if err := e.messageRepo.SetOtherID(ctx, tx, msg.ID, otherIDs[0]); err != nil {
			return fmt.Errorf("failed to set other id for message %d: %w", msg.ID, err)
		}
		msg.OtherID = &otherIDs[0]
	}

	processed := e.now()
	if err := e.messageRepo.SetProcessedTime(ctx, tx, msg.ID, processed); err != nil {
		return fmt.Errorf("failed to stamp processed time for message %d: %w", msg.ID, err)
	}
	msg.ProcessedTime = &processed

	route, err := e.routeRepo.GetByID(ctx, msg.RouteID)
	if err != nil {
		return fmt.Errorf("failed to load route %d: %w", msg.RouteID, err)
	}

	if route.DeliveryReports && route.ExpirySecs != nil {
		expiry := &domain.MessageExpiry{
			MessageID:  msg.ID,
			ExpiryTime: e.now().Add(time.Duration(*route.ExpirySecs) * time.Second),
		}
		if err := e.expiryRepo.Insert(ctx, tx, expiry); err != nil {
			return fmt.Errorf("failed to schedule expiry for message %d: %w", msg.ID, err)
		}
	}

	// companions from real carrier part ids
	if len(otherIDs) > 1 {
		for _, otherID := range otherIDs[1:] {
			id := otherID
			if err := e.insertCompanion(ctx, tx, msg, &id, false); err != nil {
				return err
			}
		}
	}

	// simulated companions
	for i := int64(1); i < simulateMultipart; i++ {
		if err := e.insertCompanion(ctx, tx, msg, nil, true); err != nil {
			return err
		}
	}

	e.logger.InfoContext(ctx, "message sent",
		"message_id", msg.ID, "route_id", msg.RouteID, "parts", max(int64(len(otherIDs)), simulateMultipart))

	return nil
}

// MessageFailure records a failed send attempt. Permanent failures terminate
// the message; temporary and daily failures release the claim and reschedule
// with linear backoff.
func (e *Engine) MessageFailure(ctx context.Context, tx pgx.Tx, msg *domain.Message, errorText string, failureType FailureType) error {
	entry, err := e.outboxRepo.GetByMessage(ctx, tx, msg.ID)
	if err != nil {
		return fmt.Errorf("message %d failure: %w", msg.ID, err)
	}

	if msg.Status != domain.StatusPending && msg.Status != domain.StatusCancelled {
		return &domain.InvalidStateError{MessageID: msg.ID, Status: msg.Status, Op: "message failure"}
	}
	if entry.Sending == nil {
		return &domain.InvalidStateError{MessageID: msg.ID, Status: msg.Status, Op: "message failure: outbox not marked as sending"}
	}

	if failureType == FailurePermanent {
		if err := e.outboxRepo.Delete(ctx, tx, msg.ID); err != nil {
			return fmt.Errorf("failed to delete outbox entry for message %d: %w", msg.ID, err)
		}
		if err := e.msgLogic.SetStatus(ctx, tx, msg, domain.StatusFailed); err != nil {
			return err
		}
		processed := e.now()
		if err := e.messageRepo.SetProcessedTime(ctx, tx, msg.ID, processed); err != nil {
			return fmt.Errorf("failed to stamp processed time for message %d: %w", msg.ID, err)
		}
		msg.ProcessedTime = &processed

		failed := &domain.FailedMessage{MessageID: msg.ID, Error: errorText}
		if err := e.failedRepo.Insert(ctx, tx, failed); err != nil {
			return fmt.Errorf("failed to record permanent failure for message %d: %w", msg.ID, err)
		}

		e.logger.WarnContext(ctx, "message permanently failed",
			"message_id", msg.ID, "error", errorText)
		return nil
	}

	entry.RetryTime = e.now().Add(time.Duration(entry.Tries) * retryStep)
	entry.Tries++
	entry.DailyFailure = failureType == FailureDaily
	entry.Error = &errorText
	entry.Sending = nil

	if err := e.outboxRepo.Update(ctx, tx, entry); err != nil {
		return fmt.Errorf("failed to reschedule message %d: %w", msg.ID, err)
	}

	e.logger.InfoContext(ctx, "message send rescheduled",
		"message_id", msg.ID, "tries", entry.Tries, "retry_time", entry.RetryTime,
		"failure_type", failureType, "error", errorText)

	return nil
}

// CancelMessage cancels a message. Legal only from pending with no active
// claim, or from held. A claimed entry cannot be cancelled: the race is
// detected and rejected rather than silently ignored.
func (e *Engine) CancelMessage(ctx context.Context, tx pgx.Tx, msg *domain.Message) error {
	switch msg.Status {

	case domain.StatusPending:
		entry, err := e.outboxRepo.GetByMessage(ctx, tx, msg.ID)
		if err != nil {
			return fmt.Errorf("cancel message %d: %w", msg.ID, err)
		}
		if entry.Sending != nil {
			return &domain.InvalidStateError{MessageID: msg.ID, Status: msg.Status, Op: "cancel: message is being sent"}
		}
		if err := e.msgLogic.SetStatus(ctx, tx, msg, domain.StatusCancelled); err != nil {
			return err
		}
		if err := e.outboxRepo.Delete(ctx, tx, msg.ID); err != nil {
			return fmt.Errorf("failed to delete outbox entry for message %d: %w", msg.ID, err)
		}
		return nil

	case domain.StatusHeld:
		return e.msgLogic.SetStatus(ctx, tx, msg, domain.StatusCancelled)

	default:
		return &domain.InvalidStateError{MessageID: msg.ID, Status: msg.Status, Op: "cancel"}
	}
}

// RetryMessage re-arms a message for sending. From failed, cancelled or
// blacklisted it creates a fresh outbox entry with the route's full retry
// budget; from pending it advances the existing entry's retry time and
// restores at least one remaining try without creating a duplicate entry.
func (e *Engine) RetryMessage(ctx context.Context, tx pgx.Tx, msg *domain.Message) error {
	if msg.Direction != domain.DirectionOut {
		return &domain.InvalidStateError{MessageID: msg.ID, Status: msg.Status, Op: "retry inbound message"}
	}

	switch msg.Status {

	case domain.StatusFailed, domain.StatusCancelled, domain.StatusBlacklisted:
		if err := e.insertOutboxEntry(ctx, tx, msg); err != nil {
			return err
		}
		return e.msgLogic.SetStatus(ctx, tx, msg, domain.StatusPending)

	case domain.StatusPending:
		entry, err := e.outboxRepo.GetByMessage(ctx, tx, msg.ID)
		if err != nil {
			return fmt.Errorf("retry message %d: %w", msg.ID, err)
		}
		if now := e.now(); now.Before(entry.RetryTime) {
			entry.RetryTime = now
		}
		if entry.RemainingTries != nil && *entry.RemainingTries < 1 {
			one := int64(1)
			entry.RemainingTries = &one
		}
		if err := e.outboxRepo.Update(ctx, tx, entry); err != nil {
			return fmt.Errorf("failed to re-arm message %d: %w", msg.ID, err)
		}
		return nil

	default:
		return &domain.InvalidStateError{MessageID: msg.ID, Status: msg.Status, Op: "retry"}
	}
}

// UnholdMessage releases a held message back to pending with a fresh outbox
// entry and the route's full retry budget.
func (e *Engine) UnholdMessage(ctx context.Context, tx pgx.Tx, msg *domain.Message) error {
	if msg.Status != domain.StatusHeld {
		return &domain.InvalidStateError{MessageID: msg.ID, Status: msg.Status, Op: "unhold"}
	}
	if err := e.msgLogic.SetStatus(ctx, tx, msg, domain.StatusPending); err != nil {
		return err
	}
	return e.insertOutboxEntry(ctx, tx, msg)
}

// ResendMessage creates a fresh pending copy of the message on a new route,
// with its own outbox entry. The original message is left untouched.
func (e *Engine) ResendMessage(ctx context.Context, tx pgx.Tx, original *domain.Message, newRouteID int64) (*domain.Message, error) {
	dup := &domain.Message{
		Direction:      domain.DirectionOut,
		Status:         domain.StatusPending,
		RouteID:        newRouteID,
		NetworkID:      original.NetworkID,
		DeliveryTypeID: original.DeliveryTypeID,
		NumFrom:        original.NumFrom,
		NumTo:          original.NumTo,
		Body:           original.Body,
		MessageType:    original.MessageType,
		WapURL:         original.WapURL,
		WapTitle:       original.WapTitle,
		ThreadID:       original.ThreadID,
		Ref:            original.Ref,
		CreatedTime:    e.now(),
	}

	inserted, err := e.messageRepo.Insert(ctx, tx, dup)
	if err != nil {
		return nil, fmt.Errorf("failed to insert resend copy of message %d: %w", original.ID, err)
	}

	if err := e.insertOutboxEntry(ctx, tx, inserted); err != nil {
		return nil, err
	}
	return inserted, nil
}

// BeginSendAttempt opens an audit row for one physical send attempt and
// increments the message's attempt counter.
func (e *Engine) BeginSendAttempt(ctx context.Context, tx pgx.Tx, entry *domain.OutboxEntry, msg *domain.Message, requestTrace []byte) (*domain.SendAttempt, error) {
	attempt := &domain.SendAttempt{
		ID:            uuid.New(),
		MessageID:     msg.ID,
		RouteID:       entry.RouteID,
		Index:         msg.NumAttempts,
		State:         domain.AttemptSending,
		StatusMessage: "Sending",
		StartTime:     e.now(),
		RequestTrace:  requestTrace,
	}

	if err := e.attemptRepo.Insert(ctx, tx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record send attempt for message %d: %w", msg.ID, err)
	}

	if err := e.messageRepo.IncrementAttempts(ctx, tx, msg.ID); err != nil {
		return nil, fmt.Errorf("failed to increment attempts for message %d: %w", msg.ID, err)
	}
	msg.NumAttempts++

	return attempt, nil
}

// CompleteSendAttemptSuccess closes the attempt as successful and applies
// MessageSuccess.
func (e *Engine) CompleteSendAttemptSuccess(ctx context.Context, tx pgx.Tx, attempt *domain.SendAttempt, msg *domain.Message, otherIDs []string, simulateMultipart int64, requestTrace, responseTrace []byte) error {
	end := e.now()
	attempt.State = domain.AttemptSuccess
	attempt.StatusMessage = "Success"
	attempt.EndTime = &end
	if requestTrace != nil {
		attempt.RequestTrace = requestTrace
	}
	attempt.ResponseTrace = responseTrace

	if err := e.attemptRepo.Update(ctx, tx, attempt); err != nil {
		return fmt.Errorf("failed to close send attempt %s: %w", attempt.ID, err)
	}

	return e.MessageSuccess(ctx, tx, msg, otherIDs, simulateMultipart)
}

// CompleteSendAttemptFailure closes the attempt as failed and applies
// MessageFailure.
func (e *Engine) CompleteSendAttemptFailure(ctx context.Context, tx pgx.Tx, attempt *domain.SendAttempt, msg *domain.Message, failureType FailureType, errorMessage string, requestTrace, responseTrace, errorTrace []byte) error {
	end := e.now()
	attempt.State = domain.AttemptFailure
	attempt.StatusMessage = errorMessage
	attempt.EndTime = &end
	if requestTrace != nil {
		attempt.RequestTrace = requestTrace
	}
	attempt.ResponseTrace = responseTrace
	attempt.ErrorTrace = errorTrace

	if err := e.attemptRepo.Update(ctx, tx, attempt); err != nil {
		return fmt.Errorf("failed to close send attempt %s: %w", attempt.ID, err)
	}

	return e.MessageFailure(ctx, tx, msg, errorMessage, failureType)
}

func (e *Engine) insertOutboxEntry(ctx context.Context, tx pgx.Tx, msg *domain.Message) error {
	route, err := e.routeRepo.GetByID(ctx, msg.RouteID)
	if err != nil {
		return fmt.Errorf("failed to load route %d: %w", msg.RouteID, err)
	}

	now := e.now()
	entry := &domain.OutboxEntry{
		MessageID:      msg.ID,
		RouteID:        msg.RouteID,
		CreatedTime:    now,
		RetryTime:      now,
		RemainingTries: route.MaxTries,
	}
	if err := e.outboxRepo.Insert(ctx, tx, entry); err != nil {
		return fmt.Errorf("failed to insert outbox entry for message %d: %w", msg.ID, err)
	}
	return nil
}

func (e *Engine) insertCompanion(ctx context.Context, tx pgx.Tx, main *domain.Message, otherID *string, simulated bool) error {
	companion := &domain.Message{
		Direction:      domain.DirectionOut,
		Status:         domain.StatusSent,
		RouteID:        main.RouteID,
		NetworkID:      main.NetworkID,
		DeliveryTypeID: main.DeliveryTypeID,
		NumFrom:        main.NumFrom,
		NumTo:          main.NumTo,
		Body:           fmt.Sprintf("[multipart companion for %d]", main.ID),
		MessageType:    main.MessageType,
		ThreadID:       main.ThreadID,
		OtherID:        otherID,
		CreatedTime:    main.CreatedTime,
		ProcessedTime:  main.ProcessedTime,
	}

	inserted, err := e.messageRepo.Insert(ctx, tx, companion)
	if err != nil {
		return fmt.Errorf("failed to insert multipart companion for message %d: %w", main.ID, err)
	}

	link := &domain.MultipartLink{
		MessageID:     inserted.ID,
		MainMessageID: main.ID,
		Simulated:     simulated,
	}
	if err := e.messageRepo.InsertMultipartLink(ctx, tx, link); err != nil {
		return fmt.Errorf("failed to link multipart companion for message %d: %w", main.ID, err)
	}
	return nil
}

func checkMultipartOptions(otherIDs []string, simulateMultipart int64) error {
	if simulateMultipart < 0 {
		return fmt.Errorf("simulateMultipart must not be negative")
	}
	if simulateMultipart > 0 && len(otherIDs) > 1 {
		return fmt.Errorf("simulateMultipart can only be used with a single otherId, but %d were provided", len(otherIDs))
	}
	return nil
}
