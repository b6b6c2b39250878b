// Package exception persists failure reports outside the transaction that
// failed. A daemon whose unit of work rolls back still needs a durable trace
// of what went wrong, so the sink writes through its own connection and never
// lets a reporting failure mask the original error.
package exception

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

// Sink receives failure reports from daemons and handlers.
type Sink interface {
	Report(ctx context.Context, category, source string, err error, resolution domain.ExceptionResolution)
}

// ResolutionFor classifies an error: invalid state means the work item can
// never succeed as is, anything else is worth retrying.
func ResolutionFor(err error) domain.ExceptionResolution {
	if domain.IsInvalidState(err) {
		return domain.ResolutionFatalError
	}
	return domain.ResolutionTryAgainLater
}

// Logger is the standard sink: structured log plus a persisted row plus a
// counter.
type Logger struct {
	repo   domain.ExceptionLogRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates the standard exception sink.
func NewLogger(repo domain.ExceptionLogRepository, logger *slog.Logger) *Logger {
	return &Logger{
		repo:   repo,
		logger: logger.With("component", "exception_sink"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Report logs, counts and persists one failure. Persistence errors are
// logged and swallowed.
func (l *Logger) Report(ctx context.Context, category, source string, err error, resolution domain.ExceptionResolution) {
	exceptionsTotal.WithLabelValues(category, string(resolution)).Inc()

	l.logger.ErrorContext(ctx, "exception reported",
		"category", category, "source", source, "resolution", resolution, "error", err)

	entry := &domain.ExceptionLogEntry{
		Category:    category,
		Source:      source,
		Summary:     err.Error(),
		Dump:        fmt.Sprintf("%+v", err),
		Resolution:  resolution,
		CreatedTime: l.now(),
	}
	if insertErr := l.repo.Insert(ctx, entry); insertErr != nil {
		l.logger.ErrorContext(ctx, "failed to persist exception report",
			"category", category, "error", insertErr)
	}
}
