package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/message"
)

// sweepBatchSize bounds one sweep transaction.
const sweepBatchSize = 100

// ExpirySweeper times out delivery reports. A message still waiting for a
// carrier verdict when its expiry passes moves to report timed out; a late
// report can still settle it afterwards.
type ExpirySweeper struct {
	pool        *pgxpool.Pool
	expiryRepo  domain.ExpiryRepository
	messageRepo domain.MessageRepository
	msgLogic    *message.Logic
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewExpirySweeper creates the delivery-report timeout sweeper.
func NewExpirySweeper(
	pool *pgxpool.Pool,
	expiryRepo domain.ExpiryRepository,
	messageRepo domain.MessageRepository,
	msgLogic *message.Logic,
	interval time.Duration,
	logger *slog.Logger,
) *ExpirySweeper {
	return &ExpirySweeper{
		pool:        pool,
		expiryRepo:  expiryRepo,
		messageRepo: messageRepo,
		msgLogic:    msgLogic,
		interval:    interval,
		logger:      logger.With("component", "expiry_sweeper"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
				return s.sweep(ctx, tx)
			}); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
			}
		}
	}
}

func (s *ExpirySweeper) sweep(ctx context.Context, tx pgx.Tx) error {
	expiries, err := s.expiryRepo.FindDueLimit(ctx, tx, s.now(), sweepBatchSize)
	if err != nil {
		return err
	}

	for _, expiry := range expiries {
		msg, err := s.messageRepo.GetByID(ctx, tx, expiry.MessageID)
		if err != nil {
			return err
		}

		// Only messages still waiting on a verdict time out; everything else
		// was settled by a report in the meantime.
		if msg.Status == domain.StatusSent || msg.Status == domain.StatusSubmitted {
			if err := s.msgLogic.SetStatus(ctx, tx, msg, domain.StatusReportTimedOut); err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "delivery report timed out", "message_id", msg.ID)
		}

		if err := s.expiryRepo.Delete(ctx, tx, expiry.MessageID); err != nil {
			return err
		}
	}
	return nil
}
