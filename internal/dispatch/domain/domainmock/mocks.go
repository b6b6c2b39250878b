// Package domainmock provides testify mocks for the repository interfaces.
package domainmock

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/mock"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

type MessageRepository struct {
	mock.Mock
}

func (m *MessageRepository) Insert(ctx context.Context, tx pgx.Tx, msg *domain.Message) (*domain.Message, error) {
	args := m.Called(ctx, tx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MessageRepository) GetByID(ctx context.Context, tx pgx.Tx, id int64) (*domain.Message, error) {
	args := m.Called(ctx, tx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MessageRepository) FindByOtherID(ctx context.Context, tx pgx.Tx, direction domain.MessageDirection, routeID int64, otherID string) (*domain.Message, error) {
	args := m.Called(ctx, tx, direction, routeID, otherID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MessageRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status domain.MessageStatus) error {
	args := m.Called(ctx, tx, id, status)
	return args.Error(0)
}

func (m *MessageRepository) SetOtherID(ctx context.Context, tx pgx.Tx, id int64, otherID string) error {
	args := m.Called(ctx, tx, id, otherID)
	return args.Error(0)
}

func (m *MessageRepository) SetProcessedTime(ctx context.Context, tx pgx.Tx, id int64, processed time.Time) error {
	args := m.Called(ctx, tx, id, processed)
	return args.Error(0)
}

func (m *MessageRepository) IncrementAttempts(ctx context.Context, tx pgx.Tx, id int64) error {
	args := m.Called(ctx, tx, id)
	return args.Error(0)
}

func (m *MessageRepository) InsertMultipartLink(ctx context.Context, tx pgx.Tx, link *domain.MultipartLink) error {
	args := m.Called(ctx, tx, link)
	return args.Error(0)
}

func (m *MessageRepository) FindSimulatedCompanions(ctx context.Context, tx pgx.Tx, mainMessageID int64) ([]*domain.Message, error) {
	args := m.Called(ctx, tx, mainMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

type OutboxRepository struct {
	mock.Mock
}

func (m *OutboxRepository) Insert(ctx context.Context, tx pgx.Tx, entry *domain.OutboxEntry) error {
	args := m.Called(ctx, tx, entry)
	return args.Error(0)
}

func (m *OutboxRepository) GetByMessage(ctx context.Context, tx pgx.Tx, messageID int64) (*domain.OutboxEntry, error) {
	args := m.Called(ctx, tx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OutboxEntry), args.Error(1)
}

func (m *OutboxRepository) ClaimNext(ctx context.Context, tx pgx.Tx, routeID int64, now time.Time) (*domain.OutboxEntry, error) {
	args := m.Called(ctx, tx, routeID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OutboxEntry), args.Error(1)
}

func (m *OutboxRepository) ClaimNextBatch(ctx context.Context, tx pgx.Tx, routeID int64, now time.Time, limit int) ([]*domain.OutboxEntry, error) {
	args := m.Called(ctx, tx, routeID, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.OutboxEntry), args.Error(1)
}

func (m *OutboxRepository) Update(ctx context.Context, tx pgx.Tx, entry *domain.OutboxEntry) error {
	args := m.Called(ctx, tx, entry)
	return args.Error(0)
}

func (m *OutboxRepository) Delete(ctx context.Context, tx pgx.Tx, messageID int64) error {
	args := m.Called(ctx, tx, messageID)
	return args.Error(0)
}

type InboxRepository struct {
	mock.Mock
}

func (m *InboxRepository) FindPendingLimit(ctx context.Context, due time.Time, limit int) ([]*domain.InboxEntry, error) {
	args := m.Called(ctx, due, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.InboxEntry), args.Error(1)
}

func (m *InboxRepository) Get(ctx context.Context, tx pgx.Tx, messageID int64) (*domain.InboxEntry, error) {
	args := m.Called(ctx, tx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.InboxEntry), args.Error(1)
}

func (m *InboxRepository) Update(ctx context.Context, tx pgx.Tx, entry *domain.InboxEntry) error {
	args := m.Called(ctx, tx, entry)
	return args.Error(0)
}

func (m *InboxRepository) Delete(ctx context.Context, tx pgx.Tx, messageID int64) error {
	args := m.Called(ctx, tx, messageID)
	return args.Error(0)
}

type DeliveryRepository struct {
	mock.Mock
}

func (m *DeliveryRepository) Insert(ctx context.Context, tx pgx.Tx, entry *domain.DeliveryEntry) error {
	args := m.Called(ctx, tx, entry)
	return args.Error(0)
}

func (m *DeliveryRepository) FindAllLimit(ctx context.Context, limit int) ([]*domain.DeliveryEntry, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.DeliveryEntry), args.Error(1)
}

func (m *DeliveryRepository) Delete(ctx context.Context, tx pgx.Tx, id int64) error {
	args := m.Called(ctx, tx, id)
	return args.Error(0)
}

type DeliveryTypeRepository struct {
	mock.Mock
}

func (m *DeliveryTypeRepository) GetByCode(ctx context.Context, code string) (*domain.DeliveryType, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DeliveryType), args.Error(1)
}

type SendAttemptRepository struct {
	mock.Mock
}

func (m *SendAttemptRepository) Insert(ctx context.Context, tx pgx.Tx, attempt *domain.SendAttempt) error {
	args := m.Called(ctx, tx, attempt)
	return args.Error(0)
}

func (m *SendAttemptRepository) Update(ctx context.Context, tx pgx.Tx, attempt *domain.SendAttempt) error {
	args := m.Called(ctx, tx, attempt)
	return args.Error(0)
}

type ReportRepository struct {
	mock.Mock
}

func (m *ReportRepository) Insert(ctx context.Context, tx pgx.Tx, report *domain.MessageReport) error {
	args := m.Called(ctx, tx, report)
	return args.Error(0)
}

type FailedMessageRepository struct {
	mock.Mock
}

func (m *FailedMessageRepository) Insert(ctx context.Context, tx pgx.Tx, failed *domain.FailedMessage) error {
	args := m.Called(ctx, tx, failed)
	return args.Error(0)
}

type ExpiryRepository struct {
	mock.Mock
}

func (m *ExpiryRepository) Insert(ctx context.Context, tx pgx.Tx, expiry *domain.MessageExpiry) error {
	args := m.Called(ctx, tx, expiry)
	return args.Error(0)
}

func (m *ExpiryRepository) FindDueLimit(ctx context.Context, tx pgx.Tx, due time.Time, limit int) ([]*domain.MessageExpiry, error) {
	args := m.Called(ctx, tx, due, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.MessageExpiry), args.Error(1)
}

func (m *ExpiryRepository) Delete(ctx context.Context, tx pgx.Tx, messageID int64) error {
	args := m.Called(ctx, tx, messageID)
	return args.Error(0)
}

type RouteRepository struct {
	mock.Mock
}

func (m *RouteRepository) GetByID(ctx context.Context, id int64) (*domain.Route, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Route), args.Error(1)
}

func (m *RouteRepository) GetByCode(ctx context.Context, code string) (*domain.Route, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Route), args.Error(1)
}

func (m *RouteRepository) ListOutboundRoutes(ctx context.Context) ([]*domain.Route, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Route), args.Error(1)
}

func (m *RouteRepository) GetHTTPRoute(ctx context.Context, routeID, networkID int64) (*domain.HTTPRoute, error) {
	args := m.Called(ctx, routeID, networkID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.HTTPRoute), args.Error(1)
}

func (m *RouteRepository) ReportCodeMappings(ctx context.Context, routeID int64) (map[string]domain.MessageStatus, error) {
	args := m.Called(ctx, routeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]domain.MessageStatus), args.Error(1)
}

type NetworkRepository struct {
	mock.Mock
}

func (m *NetworkRepository) LookupByPrefix(ctx context.Context, number string) (*domain.Network, error) {
	args := m.Called(ctx, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Network), args.Error(1)
}

type ExceptionLogRepository struct {
	mock.Mock
}

func (m *ExceptionLogRepository) Insert(ctx context.Context, entry *domain.ExceptionLogEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}
