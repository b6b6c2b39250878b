package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arksms/dispatch/internal/dispatch/daemon"
	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/domain/domainmock"
)

type stubNoticeHandler struct {
	codes     []string
	err       error
	delivered []*domain.DeliveryEntry
}

func (h *stubNoticeHandler) DeliveryTypeCodes() []string { return h.codes }

func (h *stubNoticeHandler) Deliver(ctx context.Context, tx pgx.Tx, entry *domain.DeliveryEntry, msg *domain.Message) error {
	if h.err != nil {
		return h.err
	}
	h.delivered = append(h.delivered, entry)
	return nil
}

type nopSink struct{}

func (nopSink) Report(ctx context.Context, category, source string, err error, resolution domain.ExceptionResolution) {
}

func newDeliveryDaemon(t *testing.T, handlers []NoticeHandler, deliveryRepo *domainmock.DeliveryRepository, typeRepo *domainmock.DeliveryTypeRepository, messageRepo *domainmock.MessageRepository) *Daemon {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := daemon.Config{Name: "delivery", Workers: 1, BufferSize: 8, PollInterval: time.Second}
	return NewDaemon(cfg, nil, deliveryRepo, typeRepo, messageRepo, handlers, nopSink{}, logger)
}

func TestBuildRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves codes to ids", func(t *testing.T) {
		typeRepo := new(domainmock.DeliveryTypeRepository)
		typeRepo.On("GetByCode", ctx, "webhook").Return(&domain.DeliveryType{ID: 1, Code: "webhook"}, nil)
		typeRepo.On("GetByCode", ctx, "email").Return(&domain.DeliveryType{ID: 2, Code: "email"}, nil)

		handler := &stubNoticeHandler{codes: []string{"webhook", "email"}}
		d := newDeliveryDaemon(t, []NoticeHandler{handler}, nil, typeRepo, nil)

		require.NoError(t, d.buildRegistry(ctx))
		assert.Len(t, d.registry, 2)
	})

	t.Run("unknown code fails startup", func(t *testing.T) {
		typeRepo := new(domainmock.DeliveryTypeRepository)
		typeRepo.On("GetByCode", ctx, "ghost").Return(nil, errors.New("no such type"))

		handler := &stubNoticeHandler{codes: []string{"ghost"}}
		d := newDeliveryDaemon(t, []NoticeHandler{handler}, nil, typeRepo, nil)

		require.Error(t, d.buildRegistry(ctx))
	})

	t.Run("duplicate claim fails startup", func(t *testing.T) {
		typeRepo := new(domainmock.DeliveryTypeRepository)
		typeRepo.On("GetByCode", ctx, "webhook").Return(&domain.DeliveryType{ID: 1, Code: "webhook"}, nil)

		a := &stubNoticeHandler{codes: []string{"webhook"}}
		b := &stubNoticeHandler{codes: []string{"webhook"}}
		d := newDeliveryDaemon(t, []NoticeHandler{a, b}, nil, typeRepo, nil)

		require.Error(t, d.buildRegistry(ctx))
	})
}

func TestProcessNotice(t *testing.T) {
	ctx := context.Background()

	entry := &domain.DeliveryEntry{
		ID:             5,
		MessageID:      42,
		DeliveryTypeID: 1,
		OldStatus:      domain.StatusSent,
		NewStatus:      domain.StatusDelivered,
	}

	t.Run("delivers and dequeues", func(t *testing.T) {
		deliveryRepo := new(domainmock.DeliveryRepository)
		typeRepo := new(domainmock.DeliveryTypeRepository)
		messageRepo := new(domainmock.MessageRepository)
		typeRepo.On("GetByCode", ctx, "webhook").Return(&domain.DeliveryType{ID: 1, Code: "webhook"}, nil)
		messageRepo.On("GetByID", ctx, nil, int64(42)).Return(&domain.Message{ID: 42}, nil)
		deliveryRepo.On("Delete", ctx, nil, int64(5)).Return(nil)

		handler := &stubNoticeHandler{codes: []string{"webhook"}}
		d := newDeliveryDaemon(t, []NoticeHandler{handler}, deliveryRepo, typeRepo, messageRepo)
		require.NoError(t, d.buildRegistry(ctx))

		err := d.process(ctx, nil, entry)

		require.NoError(t, err)
		assert.Len(t, handler.delivered, 1)
		deliveryRepo.AssertExpectations(t)
	})

	t.Run("missing handler is fatal for the item", func(t *testing.T) {
		d := newDeliveryDaemon(t, nil, new(domainmock.DeliveryRepository), new(domainmock.DeliveryTypeRepository), new(domainmock.MessageRepository))
		require.NoError(t, d.buildRegistry(ctx))

		err := d.process(ctx, nil, entry)

		assert.True(t, domain.IsInvalidState(err))
	})

	t.Run("handler failure leaves the notice queued", func(t *testing.T) {
		deliveryRepo := new(domainmock.DeliveryRepository)
		typeRepo := new(domainmock.DeliveryTypeRepository)
		messageRepo := new(domainmock.MessageRepository)
		typeRepo.On("GetByCode", ctx, "webhook").Return(&domain.DeliveryType{ID: 1, Code: "webhook"}, nil)
		messageRepo.On("GetByID", ctx, nil, int64(42)).Return(&domain.Message{ID: 42}, nil)

		handler := &stubNoticeHandler{codes: []string{"webhook"}, err: errors.New("endpoint down")}
		d := newDeliveryDaemon(t, []NoticeHandler{handler}, deliveryRepo, typeRepo, messageRepo)
		require.NoError(t, d.buildRegistry(ctx))

		err := d.process(ctx, nil, entry)

		require.Error(t, err)
		deliveryRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
	})
}
