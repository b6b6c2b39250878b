package outbox

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/domain/domainmock"
	"github.com/arksms/dispatch/internal/dispatch/message"
)

type engineFixture struct {
	engine      *Engine
	messageRepo *domainmock.MessageRepository
	outboxRepo  *domainmock.OutboxRepository
	attemptRepo *domainmock.SendAttemptRepository
	failedRepo  *domainmock.FailedMessageRepository
	expiryRepo  *domainmock.ExpiryRepository
	routeRepo   *domainmock.RouteRepository
	delivRepo   *domainmock.DeliveryRepository
	now         time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	f := &engineFixture{
		messageRepo: new(domainmock.MessageRepository),
		outboxRepo:  new(domainmock.OutboxRepository),
		attemptRepo: new(domainmock.SendAttemptRepository),
		failedRepo:  new(domainmock.FailedMessageRepository),
		expiryRepo:  new(domainmock.ExpiryRepository),
		routeRepo:   new(domainmock.RouteRepository),
		delivRepo:   new(domainmock.DeliveryRepository),
		now:         time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	logic := message.NewLogic(f.messageRepo, f.delivRepo, logger)

	f.engine = NewEngine(
		f.messageRepo, f.outboxRepo, f.attemptRepo, f.failedRepo,
		f.expiryRepo, f.routeRepo, logic, logger,
	)
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *engineFixture) assertExpectations(t *testing.T) {
	t.Helper()
	f.messageRepo.AssertExpectations(t)
	f.outboxRepo.AssertExpectations(t)
	f.attemptRepo.AssertExpectations(t)
	f.failedRepo.AssertExpectations(t)
	f.expiryRepo.AssertExpectations(t)
	f.routeRepo.AssertExpectations(t)
	f.delivRepo.AssertExpectations(t)
}

func pendingMessage(id int64) *domain.Message {
	return &domain.Message{
		ID:        id,
		Direction: domain.DirectionOut,
		Status:    domain.StatusPending,
		RouteID:   7,
		NumFrom:   "0700000001",
		NumTo:     "0700000002",
		Body:      "hello",
	}
}

func claimedEntry(messageID int64, now time.Time) *domain.OutboxEntry {
	sending := now
	return &domain.OutboxEntry{
		MessageID: messageID,
		RouteID:   7,
		RetryTime: now,
		Tries:     2,
		Sending:   &sending,
	}
}

func TestMessageSuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes outbox sets sent and stamps other id", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Delete", ctx, nil, int64(42)).Return(nil)
		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusSent).Return(nil)
		f.messageRepo.On("SetOtherID", ctx, nil, int64(42), "ext-1").Return(nil)
		f.messageRepo.On("SetProcessedTime", ctx, nil, int64(42), f.now).Return(nil)
		f.routeRepo.On("GetByID", ctx, int64(7)).Return(&domain.Route{ID: 7}, nil)

		err := f.engine.MessageSuccess(ctx, nil, msg, []string{"ext-1"}, 0)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusSent, msg.Status)
		require.NotNil(t, msg.OtherID)
		assert.Equal(t, "ext-1", *msg.OtherID)
		require.NotNil(t, msg.ProcessedTime)
		assert.Equal(t, f.now, *msg.ProcessedTime)
		f.assertExpectations(t)
	})

	t.Run("schedules expiry when route expects reports", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)
		expirySecs := int64(3600)

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Delete", ctx, nil, int64(42)).Return(nil)
		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusSent).Return(nil)
		f.messageRepo.On("SetProcessedTime", ctx, nil, int64(42), f.now).Return(nil)
		f.routeRepo.On("GetByID", ctx, int64(7)).
			Return(&domain.Route{ID: 7, DeliveryReports: true, ExpirySecs: &expirySecs}, nil)
		f.expiryRepo.On("Insert", ctx, nil, mock.MatchedBy(func(e *domain.MessageExpiry) bool {
			return e.MessageID == 42 && e.ExpiryTime.Equal(f.now.Add(time.Hour))
		})).Return(nil)

		err := f.engine.MessageSuccess(ctx, nil, msg, nil, 0)

		require.NoError(t, err)
		f.assertExpectations(t)
	})

	t.Run("creates real companions for extra other ids", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Delete", ctx, nil, int64(42)).Return(nil)
		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusSent).Return(nil)
		f.messageRepo.On("SetOtherID", ctx, nil, int64(42), "ext-1").Return(nil)
		f.messageRepo.On("SetProcessedTime", ctx, nil, int64(42), f.now).Return(nil)
		f.routeRepo.On("GetByID", ctx, int64(7)).Return(&domain.Route{ID: 7}, nil)

		var companions []*domain.Message
		f.messageRepo.On("Insert", ctx, nil, mock.AnythingOfType("*domain.Message")).
			Run(func(args mock.Arguments) {
				companions = append(companions, args.Get(2).(*domain.Message))
			}).
			Return(&domain.Message{ID: 100}, nil).Twice()
		f.messageRepo.On("InsertMultipartLink", ctx, nil, mock.MatchedBy(func(l *domain.MultipartLink) bool {
			return l.MainMessageID == 42 && !l.Simulated
		})).Return(nil).Twice()

		err := f.engine.MessageSuccess(ctx, nil, msg, []string{"ext-1", "ext-2", "ext-3"}, 0)

		require.NoError(t, err)
		require.Len(t, companions, 2)
		assert.Equal(t, "ext-2", *companions[0].OtherID)
		assert.Equal(t, "ext-3", *companions[1].OtherID)
		assert.Equal(t, domain.StatusSent, companions[0].Status)
		f.assertExpectations(t)
	})

	t.Run("creates simulated companions", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Delete", ctx, nil, int64(42)).Return(nil)
		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusSent).Return(nil)
		f.messageRepo.On("SetOtherID", ctx, nil, int64(42), "ext-1").Return(nil)
		f.messageRepo.On("SetProcessedTime", ctx, nil, int64(42), f.now).Return(nil)
		f.routeRepo.On("GetByID", ctx, int64(7)).Return(&domain.Route{ID: 7}, nil)
		f.messageRepo.On("Insert", ctx, nil, mock.MatchedBy(func(m *domain.Message) bool {
			return m.OtherID == nil && m.Status == domain.StatusSent
		})).Return(&domain.Message{ID: 100}, nil).Twice()
		f.messageRepo.On("InsertMultipartLink", ctx, nil, mock.MatchedBy(func(l *domain.MultipartLink) bool {
			return l.MainMessageID == 42 && l.Simulated
		})).Return(nil).Twice()

		err := f.engine.MessageSuccess(ctx, nil, msg, []string{"ext-1"}, 3)

		require.NoError(t, err)
		f.assertExpectations(t)
	})

	t.Run("rejects simulateMultipart combined with several other ids", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)

		err := f.engine.MessageSuccess(ctx, nil, msg, []string{"a", "b"}, 2)

		require.Error(t, err)
		f.outboxRepo.AssertNotCalled(t, "GetByMessage", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects message that is not claimed", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)
		entry.Sending = nil

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)

		err := f.engine.MessageSuccess(ctx, nil, msg, nil, 0)

		assert.True(t, domain.IsInvalidState(err))
	})

	t.Run("rejects message in terminal status", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		msg.Status = domain.StatusDelivered

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(claimedEntry(42, f.now), nil)

		err := f.engine.MessageSuccess(ctx, nil, msg, nil, 0)

		assert.True(t, domain.IsInvalidState(err))
	})

	t.Run("succeeds for cancelled message claimed before cancellation", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		msg.Status = domain.StatusCancelled

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(claimedEntry(42, f.now), nil)
		f.outboxRepo.On("Delete", ctx, nil, int64(42)).Return(nil)
		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusSent).Return(nil)
		f.messageRepo.On("SetProcessedTime", ctx, nil, int64(42), f.now).Return(nil)
		f.routeRepo.On("GetByID", ctx, int64(7)).Return(&domain.Route{ID: 7}, nil)

		err := f.engine.MessageSuccess(ctx, nil, msg, nil, 0)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusSent, msg.Status)
	})
}

func TestMessageFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent failure terminates the message", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Delete", ctx, nil, int64(42)).Return(nil)
		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusFailed).Return(nil)
		f.messageRepo.On("SetProcessedTime", ctx, nil, int64(42), f.now).Return(nil)
		f.failedRepo.On("Insert", ctx, nil, mock.MatchedBy(func(fm *domain.FailedMessage) bool {
			return fm.MessageID == 42 && fm.Error == "no route found"
		})).Return(nil)

		err := f.engine.MessageFailure(ctx, nil, msg, "no route found", FailurePermanent)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, msg.Status)
		f.assertExpectations(t)
	})

	t.Run("temporary failure reschedules with linear backoff", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)
		entry.Tries = 3

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Update", ctx, nil, mock.MatchedBy(func(e *domain.OutboxEntry) bool {
			return e.Tries == 4 &&
				e.RetryTime.Equal(f.now.Add(30*time.Second)) &&
				e.Sending == nil &&
				!e.DailyFailure &&
				e.Error != nil && *e.Error == "connection refused"
		})).Return(nil)

		err := f.engine.MessageFailure(ctx, nil, msg, "connection refused", FailureTemporary)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, msg.Status)
		f.assertExpectations(t)
	})

	t.Run("backoff grows with each failure", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)

		var retryTimes []time.Time
		for tries := int64(0); tries < 4; tries++ {
			entry := claimedEntry(42, f.now)
			entry.Tries = tries

			repo := new(domainmock.OutboxRepository)
			repo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
			repo.On("Update", ctx, nil, mock.AnythingOfType("*domain.OutboxEntry")).
				Run(func(args mock.Arguments) {
					retryTimes = append(retryTimes, args.Get(2).(*domain.OutboxEntry).RetryTime)
				}).Return(nil)
			f.engine.outboxRepo = repo

			require.NoError(t, f.engine.MessageFailure(ctx, nil, msg, "busy", FailureTemporary))
		}

		for i := 1; i < len(retryTimes); i++ {
			assert.True(t, retryTimes[i].After(retryTimes[i-1]),
				"retry time must grow monotonically with tries")
		}
	})

	t.Run("daily failure sets the daily flag", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Update", ctx, nil, mock.MatchedBy(func(e *domain.OutboxEntry) bool {
			return e.DailyFailure
		})).Return(nil)

		err := f.engine.MessageFailure(ctx, nil, msg, "daily limit reached", FailureDaily)

		require.NoError(t, err)
		f.assertExpectations(t)
	})

	t.Run("rejects unclaimed message", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)
		entry.Sending = nil

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)

		err := f.engine.MessageFailure(ctx, nil, msg, "boom", FailureTemporary)

		assert.True(t, domain.IsInvalidState(err))
	})
}

func TestCancelMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels an unclaimed pending message", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)
		entry.Sending = nil

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusCancelled).Return(nil)
		f.outboxRepo.On("Delete", ctx, nil, int64(42)).Return(nil)

		err := f.engine.CancelMessage(ctx, nil, msg)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, msg.Status)
		f.assertExpectations(t)
	})

	t.Run("rejects pending message mid-send", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(claimedEntry(42, f.now), nil)

		err := f.engine.CancelMessage(ctx, nil, msg)

		assert.True(t, domain.IsInvalidState(err))
		assert.Equal(t, domain.StatusPending, msg.Status)
	})

	t.Run("cancels a held message without touching the outbox", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		msg.Status = domain.StatusHeld

		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusCancelled).Return(nil)

		err := f.engine.CancelMessage(ctx, nil, msg)

		require.NoError(t, err)
		f.outboxRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects other statuses", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		msg.Status = domain.StatusSent

		err := f.engine.CancelMessage(ctx, nil, msg)

		assert.True(t, domain.IsInvalidState(err))
	})
}

func TestRetryMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("failed message gets a fresh outbox entry and full budget", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		msg.Status = domain.StatusFailed
		maxTries := int64(5)

		f.routeRepo.On("GetByID", ctx, int64(7)).Return(&domain.Route{ID: 7, MaxTries: &maxTries}, nil)
		f.outboxRepo.On("Insert", ctx, nil, mock.MatchedBy(func(e *domain.OutboxEntry) bool {
			return e.MessageID == 42 && e.RemainingTries != nil && *e.RemainingTries == 5 &&
				e.RetryTime.Equal(f.now)
		})).Return(nil)
		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusPending).Return(nil)

		err := f.engine.RetryMessage(ctx, nil, msg)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, msg.Status)
		f.assertExpectations(t)
	})

	t.Run("pending message is re-armed in place", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)
		entry.Sending = nil
		entry.RetryTime = f.now.Add(time.Hour)
		zero := int64(0)
		entry.RemainingTries = &zero

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Update", ctx, nil, mock.MatchedBy(func(e *domain.OutboxEntry) bool {
			return e.RetryTime.Equal(f.now) && e.RemainingTries != nil && *e.RemainingTries == 1
		})).Return(nil)

		err := f.engine.RetryMessage(ctx, nil, msg)

		require.NoError(t, err)
		f.assertExpectations(t)
	})

	t.Run("pending message with earlier retry time keeps it", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)
		entry.Sending = nil
		past := f.now.Add(-time.Minute)
		entry.RetryTime = past

		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Update", ctx, nil, mock.MatchedBy(func(e *domain.OutboxEntry) bool {
			return e.RetryTime.Equal(past)
		})).Return(nil)

		err := f.engine.RetryMessage(ctx, nil, msg)

		require.NoError(t, err)
		f.assertExpectations(t)
	})

	t.Run("rejects inbound message", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		msg.Direction = domain.DirectionIn
		msg.Status = domain.StatusFailed

		err := f.engine.RetryMessage(ctx, nil, msg)

		assert.True(t, domain.IsInvalidState(err))
	})

	t.Run("rejects sent message", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		msg.Status = domain.StatusSent

		err := f.engine.RetryMessage(ctx, nil, msg)

		assert.True(t, domain.IsInvalidState(err))
	})
}

func TestUnholdMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("releases a held message", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		msg.Status = domain.StatusHeld

		f.messageRepo.On("UpdateStatus", ctx, nil, int64(42), domain.StatusPending).Return(nil)
		f.routeRepo.On("GetByID", ctx, int64(7)).Return(&domain.Route{ID: 7}, nil)
		f.outboxRepo.On("Insert", ctx, nil, mock.AnythingOfType("*domain.OutboxEntry")).Return(nil)

		err := f.engine.UnholdMessage(ctx, nil, msg)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, msg.Status)
		f.assertExpectations(t)
	})

	t.Run("rejects non-held message", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)

		err := f.engine.UnholdMessage(ctx, nil, msg)

		assert.True(t, domain.IsInvalidState(err))
	})
}

func TestResendMessage(t *testing.T) {
	ctx := context.Background()

	f := newEngineFixture(t)
	original := pendingMessage(42)
	original.Status = domain.StatusFailed
	ref := "order-9"
	original.Ref = &ref

	f.messageRepo.On("Insert", ctx, nil, mock.MatchedBy(func(m *domain.Message) bool {
		return m.Status == domain.StatusPending &&
			m.RouteID == 9 &&
			m.Body == original.Body &&
			m.Ref != nil && *m.Ref == "order-9" &&
			m.NumAttempts == 0
	})).Return(&domain.Message{ID: 77, RouteID: 9, Status: domain.StatusPending}, nil)
	f.routeRepo.On("GetByID", ctx, int64(9)).Return(&domain.Route{ID: 9}, nil)
	f.outboxRepo.On("Insert", ctx, nil, mock.MatchedBy(func(e *domain.OutboxEntry) bool {
		return e.MessageID == 77 && e.RouteID == 9
	})).Return(nil)

	fresh, err := f.engine.ResendMessage(ctx, nil, original, 9)

	require.NoError(t, err)
	assert.Equal(t, int64(77), fresh.ID)
	assert.Equal(t, domain.StatusFailed, original.Status)
	f.assertExpectations(t)
}

func TestSendAttemptAudit(t *testing.T) {
	ctx := context.Background()

	t.Run("begin records index and bumps the counter", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		msg.NumAttempts = 2
		entry := claimedEntry(42, f.now)

		f.attemptRepo.On("Insert", ctx, nil, mock.MatchedBy(func(a *domain.SendAttempt) bool {
			return a.MessageID == 42 && a.Index == 2 && a.State == domain.AttemptSending
		})).Return(nil)
		f.messageRepo.On("IncrementAttempts", ctx, nil, int64(42)).Return(nil)

		attempt, err := f.engine.BeginSendAttempt(ctx, nil, entry, msg, []byte("GET /send"))

		require.NoError(t, err)
		assert.Equal(t, int64(2), attempt.Index)
		assert.Equal(t, int64(3), msg.NumAttempts)
		f.assertExpectations(t)
	})

	t.Run("failure completion closes the attempt and reschedules", func(t *testing.T) {
		f := newEngineFixture(t)
		msg := pendingMessage(42)
		entry := claimedEntry(42, f.now)
		attempt := &domain.SendAttempt{MessageID: 42, State: domain.AttemptSending}

		f.attemptRepo.On("Update", ctx, nil, mock.MatchedBy(func(a *domain.SendAttempt) bool {
			return a.State == domain.AttemptFailure && a.EndTime != nil && a.StatusMessage == "timeout"
		})).Return(nil)
		f.outboxRepo.On("GetByMessage", ctx, nil, int64(42)).Return(entry, nil)
		f.outboxRepo.On("Update", ctx, nil, mock.AnythingOfType("*domain.OutboxEntry")).Return(nil)

		err := f.engine.CompleteSendAttemptFailure(ctx, nil, attempt, msg, FailureTemporary, "timeout", nil, nil, []byte("stack"))

		require.NoError(t, err)
		f.assertExpectations(t)
	})
}
