package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// OutboxEntry is one row per message awaiting send. An entry exists iff its
// message is in a state requiring future send action; it is deleted on
// success or permanent failure.
type OutboxEntry struct {
	MessageID      int64
	RouteID        int64
	CreatedTime    time.Time
	RetryTime      time.Time
	RemainingTries *int64 // nil = unlimited
	Tries          int64
	Sending        *time.Time // non-nil while claimed by a worker
	Error          *string
	DailyFailure   bool
}

// InboxEntry is one row per received message awaiting processing.
type InboxEntry struct {
	MessageID     int64
	NumAttempts   int64
	NextAttempt   time.Time
	StatusMessage *string
}

// DeliveryEntry is one row per pending delivery notice, created on qualifying
// status changes and consumed by the delivery-notice daemon.
type DeliveryEntry struct {
	ID             int64
	MessageID      int64
	DeliveryTypeID int64
	OldStatus      MessageStatus
	NewStatus      MessageStatus
}

// DeliveryType names a registered delivery-notice kind.
type DeliveryType struct {
	ID   int64
	Code string
}

// SendAttemptState is the state of one physical send attempt.
type SendAttemptState string

const (
	AttemptSending SendAttemptState = "sending"
	AttemptSuccess SendAttemptState = "success"
	AttemptFailure SendAttemptState = "failure"
)

// SendAttempt is an append-only audit row for one physical send attempt.
type SendAttempt struct {
	ID            uuid.UUID
	MessageID     int64
	RouteID       int64
	Index         int64
	State         SendAttemptState
	StatusMessage string
	StartTime     time.Time
	EndTime       *time.Time
	RequestTrace  []byte
	ResponseTrace []byte
	ErrorTrace    []byte
}

// MessageReport is an immutable audit row for one received delivery report.
type MessageReport struct {
	ID               int64
	MessageID        int64
	ReceivedTime     time.Time
	NewStatus        MessageStatus
	TheirCode        *string
	TheirDescription *string
	TheirTimestamp   *time.Time
}

// FailedMessage records the final error of a permanently failed send.
type FailedMessage struct {
	MessageID int64
	Error     string
}

// MessageExpiry schedules a delivery-report timeout for a sent message.
type MessageExpiry struct {
	MessageID  int64
	ExpiryTime time.Time
}

// InboxAttempt is the record a command handler returns for one processed
// inbound message.
type InboxAttempt struct {
	ID            int64
	MessageID     int64
	StatusMessage string
}

// Route is the sending or receiving channel a message is bound to.
type Route struct {
	ID              int64
	Code            string
	DeliveryReports bool
	ExpirySecs      *int64
	MaxTries        *int64
	Command         *string // inbound command code, nil when route is outbound only
}

// Network identifies a carrier network. Network id zero is the default
// network used for route fallback.
type Network struct {
	ID   int64
	Code string
}

// DefaultNetworkID is the id of the catch-all network.
const DefaultNetworkID int64 = 0

// HTTPRoute is the per-(route, network) wire protocol configuration. The
// classification regexes are compiled once when the route is loaded and held
// alongside its other settings.
type HTTPRoute struct {
	RouteID       int64
	NetworkID     int64
	URL           string
	Params        string
	Post          bool
	UserAgent     string
	ParamEncoding string
	BodyEncoding  string

	SuccessRegex          *regexp.Regexp
	TemporaryFailureRegex *regexp.Regexp
	PermanentFailureRegex *regexp.Regexp
	DailyFailureRegex     *regexp.Regexp
	CreditFailureRegex    *regexp.Regexp
}

// ExceptionResolution hints how an exception-log entry should be followed up.
type ExceptionResolution string

const (
	ResolutionTryAgainLater ExceptionResolution = "try_again_later"
	ResolutionFatalError    ExceptionResolution = "fatal_error"
)

// ExceptionLogEntry is one persisted exception report.
type ExceptionLogEntry struct {
	ID          int64
	Category    string
	Source      string
	Summary     string
	Dump        string
	Resolution  ExceptionResolution
	CreatedTime time.Time
}
