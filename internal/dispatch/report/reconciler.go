// Package report reconciles carrier delivery reports against the message
// lifecycle. Reports arrive late, duplicated and out of order; the reconciler
// decides per current status which reported statuses advance the message,
// which are ignored, and which indicate a broken carrier feed.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/message"
)

// IncomingReport is one delivery report after route-level code mapping.
type IncomingReport struct {
	NewStatus        domain.MessageStatus
	TheirCode        *string
	TheirDescription *string
	TheirTimestamp   *time.Time
}

// acceptedReports lists, per current message status, the reported statuses
// that are applied. A reported status equal to the current one is accepted
// and ignored as a duplicate.
var acceptedReports = map[domain.MessageStatus]map[domain.MessageStatus]bool{
	domain.StatusSent: {
		domain.StatusSent:        true,
		domain.StatusSubmitted:   true,
		domain.StatusUndelivered: true,
		domain.StatusDelivered:   true,
	},
	domain.StatusSubmitted: {
		domain.StatusSubmitted:   true,
		domain.StatusDelivered:   true,
		domain.StatusUndelivered: true,
	},
	domain.StatusReportTimedOut: {
		domain.StatusDelivered:   true,
		domain.StatusUndelivered: true,
	},
	domain.StatusUndelivered: {
		domain.StatusDelivered: true,
	},
}

// ignoredReportStatuses are message statuses for which any report is
// silently ignored after auditing. A report for a delivered message is a
// carrier duplicate, and a manual undeliver verdict outranks the carrier.
var ignoredReportStatuses = map[domain.MessageStatus]bool{
	domain.StatusDelivered:           true,
	domain.StatusManuallyUndelivered: true,
}

// Reconciler applies delivery reports to messages.
type Reconciler struct {
	messageRepo domain.MessageRepository
	reportRepo  domain.ReportRepository
	routeRepo   domain.RouteRepository
	msgLogic    *message.Logic
	logger      *slog.Logger
	now         func() time.Time
}

// NewReconciler creates a delivery report reconciler.
func NewReconciler(
	messageRepo domain.MessageRepository,
	reportRepo domain.ReportRepository,
	routeRepo domain.RouteRepository,
	msgLogic *message.Logic,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		messageRepo: messageRepo,
		reportRepo:  reportRepo,
		routeRepo:   routeRepo,
		msgLogic:    msgLogic,
		logger:      logger.With("component", "report_reconciler"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ApplyByOtherID resolves the outbound message by the carrier's correlation
// id on the route and applies the report. Returns ErrMessageNotFound when no
// message on the route carries that id.
func (r *Reconciler) ApplyByOtherID(ctx context.Context, tx pgx.Tx, routeID int64, otherID string, rpt IncomingReport) error {
	msg, err := r.messageRepo.FindByOtherID(ctx, tx, domain.DirectionOut, routeID, otherID)
	if err != nil {
		return fmt.Errorf("report for route %d other id %q: %w", routeID, otherID, err)
	}
	return r.Apply(ctx, tx, msg, rpt)
}

// ApplyByMessageID resolves the message by its id and applies the report.
func (r *Reconciler) ApplyByMessageID(ctx context.Context, tx pgx.Tx, messageID int64, rpt IncomingReport) error {
	msg, err := r.messageRepo.GetByID(ctx, tx, messageID)
	if err != nil {
		return fmt.Errorf("report for message %d: %w", messageID, err)
	}
	return r.Apply(ctx, tx, msg, rpt)
}

// Apply audits the report and, when the current status accepts the reported
// one, advances the message. A report for a message on a route without
// delivery reports is a misconfiguration and is rejected outright. Past that
// guard the audit row is written unconditionally so even ignored and rejected
// reports leave a trace.
func (r *Reconciler) Apply(ctx context.Context, tx pgx.Tx, msg *domain.Message, rpt IncomingReport) error {
	route, err := r.routeRepo.GetByID(ctx, msg.RouteID)
	if err != nil {
		return fmt.Errorf("report for message %d: %w", msg.ID, err)
	}
	if !route.DeliveryReports {
		return &domain.InvalidStateError{
			MessageID: msg.ID,
			Status:    msg.Status,
			Op:        fmt.Sprintf("delivery report on route %d, which has delivery reports disabled", route.ID),
		}
	}

	audit := &domain.MessageReport{
		MessageID:        msg.ID,
		ReceivedTime:     r.now(),
		NewStatus:        rpt.NewStatus,
		TheirCode:        rpt.TheirCode,
		TheirDescription: rpt.TheirDescription,
		TheirTimestamp:   rpt.TheirTimestamp,
	}
	if err := r.reportRepo.Insert(ctx, tx, audit); err != nil {
		return fmt.Errorf("failed to audit report for message %d: %w", msg.ID, err)
	}

	if ignoredReportStatuses[msg.Status] {
		r.logger.DebugContext(ctx, "delivery report ignored",
			"message_id", msg.ID, "status", msg.Status, "reported_status", rpt.NewStatus)
		return nil
	}

	accepted, known := acceptedReports[msg.Status]
	if !known {
		return &domain.InvalidStateError{
			MessageID: msg.ID,
			Status:    msg.Status,
			Op:        fmt.Sprintf("delivery report %q", rpt.NewStatus),
		}
	}
	if !accepted[rpt.NewStatus] {
		return &domain.InvalidStateError{
			MessageID: msg.ID,
			Status:    msg.Status,
			Op:        fmt.Sprintf("delivery report %q", rpt.NewStatus),
		}
	}

	if rpt.NewStatus == msg.Status {
		return nil
	}

	if err := r.advance(ctx, tx, msg, rpt.NewStatus); err != nil {
		return err
	}

	companions, err := r.messageRepo.FindSimulatedCompanions(ctx, tx, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to load companions of message %d: %w", msg.ID, err)
	}
	for _, companion := range companions {
		if err := r.advance(ctx, tx, companion, rpt.NewStatus); err != nil {
			return err
		}
	}

	r.logger.InfoContext(ctx, "delivery report applied",
		"message_id", msg.ID, "new_status", msg.Status, "companions", len(companions))

	return nil
}

func (r *Reconciler) advance(ctx context.Context, tx pgx.Tx, msg *domain.Message, newStatus domain.MessageStatus) error {
	if err := r.msgLogic.SetStatus(ctx, tx, msg, newStatus); err != nil {
		return err
	}

	if newStatus == domain.StatusDelivered && msg.ProcessedTime == nil {
		processed := r.now()
		if err := r.messageRepo.SetProcessedTime(ctx, tx, msg.ID, processed); err != nil {
			return fmt.Errorf("failed to stamp processed time for message %d: %w", msg.ID, err)
		}
		msg.ProcessedTime = &processed
	}
	return nil
}
