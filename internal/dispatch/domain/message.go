package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageDirection indicates whether a message was received or is being sent.
type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	// outbound lifecycle
	StatusPending             MessageStatus = "pending"
	StatusHeld                MessageStatus = "held"
	StatusSent                MessageStatus = "sent"
	StatusSubmitted           MessageStatus = "submitted"
	StatusDelivered           MessageStatus = "delivered"
	StatusUndelivered         MessageStatus = "undelivered"
	StatusReportTimedOut      MessageStatus = "report_timed_out"
	StatusFailed              MessageStatus = "failed"
	StatusCancelled           MessageStatus = "cancelled"
	StatusBlacklisted         MessageStatus = "blacklisted"
	StatusManuallyDelivered   MessageStatus = "manually_delivered"
	StatusManuallyUndelivered MessageStatus = "manually_undelivered"

	// inbound lifecycle
	StatusProcessed    MessageStatus = "processed"
	StatusNotProcessed MessageStatus = "not_processed"
)

// legalTransitions is the authoritative status transition table. Every status
// mutation must be a member; an illegal transition is a programming error,
// not a recoverable failure.
var legalTransitions = map[MessageStatus]map[MessageStatus]bool{
	StatusPending: {
		StatusSent:         true,
		StatusFailed:       true,
		StatusCancelled:    true,
		StatusProcessed:    true,
		StatusNotProcessed: true,
	},
	StatusHeld: {
		StatusPending:   true,
		StatusCancelled: true,
	},
	StatusSent: {
		StatusSubmitted:      true,
		StatusUndelivered:    true,
		StatusDelivered:      true,
		StatusReportTimedOut: true,
	},
	StatusSubmitted: {
		StatusDelivered:      true,
		StatusUndelivered:    true,
		StatusReportTimedOut: true,
	},
	StatusReportTimedOut: {
		StatusDelivered:   true,
		StatusUndelivered: true,
	},
	StatusUndelivered: {
		StatusDelivered:         true,
		StatusManuallyDelivered: true,
	},
	StatusFailed: {
		StatusPending: true,
	},
	StatusCancelled: {
		StatusPending: true,
		StatusSent:    true,
		StatusFailed:  true,
	},
	StatusBlacklisted: {
		StatusPending: true,
	},
}

// CanTransition reports whether moving from one status to another is a member
// of the transition table. A same-status transition is always legal and is
// treated as a no-op by callers.
func CanTransition(from, to MessageStatus) bool {
	if from == to {
		return true
	}
	return legalTransitions[from][to]
}

// MessageType distinguishes plain text sends from wap pushes.
type MessageType string

const (
	MessageTypeSMS     MessageType = "sms"
	MessageTypeWapPush MessageType = "wap_push"
)

// Message is the immutable-once-sent envelope for one inbound or outbound
// message. The dispatch core only mutates Status, OtherID, ProcessedTime and
// NumAttempts; everything else is owned by the business layer.
type Message struct {
	ID             int64
	Direction      MessageDirection
	Status         MessageStatus
	RouteID        int64
	NetworkID      *int64
	DeliveryTypeID *int64
	NumFrom        string
	NumTo          string
	Body           string
	MessageType    MessageType
	WapURL         *string
	WapTitle       *string
	ThreadID       *uuid.UUID
	Ref            *string
	OtherID        *string
	NumAttempts    int64
	CreatedTime    time.Time
	ProcessedTime  *time.Time
}

// MultipartLink ties a companion message to the main message of a
// carrier-split long send.
type MultipartLink struct {
	MessageID     int64
	MainMessageID int64
	Simulated     bool
}
