package domain

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// MessageRepository persists messages and their multipart links.
type MessageRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, msg *Message) (*Message, error)
	GetByID(ctx context.Context, tx pgx.Tx, id int64) (*Message, error)
	// FindByOtherID resolves a message by the carrier's correlation id on a
	// route. Returns ErrMessageNotFound when no message matches.
	FindByOtherID(ctx context.Context, tx pgx.Tx, direction MessageDirection, routeID int64, otherID string) (*Message, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status MessageStatus) error
	SetOtherID(ctx context.Context, tx pgx.Tx, id int64, otherID string) error
	SetProcessedTime(ctx context.Context, tx pgx.Tx, id int64, processed time.Time) error
	IncrementAttempts(ctx context.Context, tx pgx.Tx, id int64) error
	InsertMultipartLink(ctx context.Context, tx pgx.Tx, link *MultipartLink) error
	// FindSimulatedCompanions returns the companion messages linked to the
	// main message with the simulated flag set.
	FindSimulatedCompanions(ctx context.Context, tx pgx.Tx, mainMessageID int64) ([]*Message, error)
}

// OutboxRepository persists outbox entries. Claim operations must be atomic
// with respect to other claimers: two workers must never claim the same row.
type OutboxRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error
	// GetByMessage returns ErrOutboxNotFound when the message has no entry.
	GetByMessage(ctx context.Context, tx pgx.Tx, messageID int64) (*OutboxEntry, error)
	// ClaimNext marks the oldest eligible entry on the route as sending and
	// returns it, or nil when none is eligible.
	ClaimNext(ctx context.Context, tx pgx.Tx, routeID int64, now time.Time) (*OutboxEntry, error)
	ClaimNextBatch(ctx context.Context, tx pgx.Tx, routeID int64, now time.Time, limit int) ([]*OutboxEntry, error)
	Update(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error
	Delete(ctx context.Context, tx pgx.Tx, messageID int64) error
}

// InboxRepository persists inbox entries.
type InboxRepository interface {
	FindPendingLimit(ctx context.Context, due time.Time, limit int) ([]*InboxEntry, error)
	Get(ctx context.Context, tx pgx.Tx, messageID int64) (*InboxEntry, error)
	Update(ctx context.Context, tx pgx.Tx, entry *InboxEntry) error
	Delete(ctx context.Context, tx pgx.Tx, messageID int64) error
}

// DeliveryRepository persists pending delivery notices.
type DeliveryRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, entry *DeliveryEntry) error
	FindAllLimit(ctx context.Context, limit int) ([]*DeliveryEntry, error)
	Delete(ctx context.Context, tx pgx.Tx, id int64) error
}

// DeliveryTypeRepository resolves registered delivery-notice types.
type DeliveryTypeRepository interface {
	GetByCode(ctx context.Context, code string) (*DeliveryType, error)
}

// SendAttemptRepository persists the append-only send attempt audit trail.
type SendAttemptRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, attempt *SendAttempt) error
	Update(ctx context.Context, tx pgx.Tx, attempt *SendAttempt) error
}

// ReportRepository persists the append-only delivery report audit trail.
type ReportRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, report *MessageReport) error
}

// FailedMessageRepository records permanent send failures.
type FailedMessageRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, failed *FailedMessage) error
}

// ExpiryRepository schedules delivery-report timeouts.
type ExpiryRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, expiry *MessageExpiry) error
	// FindDueLimit returns expiries whose time has passed, oldest first.
	FindDueLimit(ctx context.Context, tx pgx.Tx, due time.Time, limit int) ([]*MessageExpiry, error)
	Delete(ctx context.Context, tx pgx.Tx, messageID int64) error
}

// RouteRepository resolves routes and their wire-protocol configuration.
type RouteRepository interface {
	GetByID(ctx context.Context, id int64) (*Route, error)
	GetByCode(ctx context.Context, code string) (*Route, error)
	ListOutboundRoutes(ctx context.Context) ([]*Route, error)
	// GetHTTPRoute returns nil when no HTTP route is configured for the
	// (route, network) pair.
	GetHTTPRoute(ctx context.Context, routeID, networkID int64) (*HTTPRoute, error)
	// ReportCodeMappings returns the carrier status-code to canonical status
	// map configured for the route.
	ReportCodeMappings(ctx context.Context, routeID int64) (map[string]MessageStatus, error)
}

// NetworkRepository resolves carrier networks from number prefixes.
type NetworkRepository interface {
	// LookupByPrefix returns nil when no prefix matches the number.
	LookupByPrefix(ctx context.Context, number string) (*Network, error)
}

// ExceptionLogRepository persists exception reports outside the failed unit
// of work's transaction.
type ExceptionLogRepository interface {
	Insert(ctx context.Context, entry *ExceptionLogEntry) error
}
