// Package daemon implements the shared poll-and-dispatch loop used by the
// inbox, delivery-notice and sender daemons. One poller goroutine feeds a
// bounded in-flight buffer and a pool of workers drains it. Work item
// failures are contained per item; poller failures stop the daemon because a
// broken poll loop means the daemon can no longer make progress.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arksms/dispatch/internal/platform/workbuffer"
)

// Item is one keyed unit of work.
type Item[K comparable, V any] struct {
	Key   K
	Value V
}

// Config sizes one daemon instance.
type Config struct {
	Name         string
	Workers      int
	BufferSize   int
	PollInterval time.Duration
}

// Daemon runs one poller and a pool of workers over a shared buffer.
type Daemon[K comparable, V any] struct {
	cfg    Config
	buf    *workbuffer.Buffer[K, V]
	logger *slog.Logger

	// fetch returns up to limit due work items. Items already in flight are
	// filtered by the poller, so fetch may return them again harmlessly.
	fetch func(ctx context.Context, limit int) ([]Item[K, V], error)

	// process handles one item. It owns its own transaction scope; an error
	// is contained and reported through onFailure.
	process func(ctx context.Context, key K, value V) error

	// onFailure reports a contained processing failure. It must not panic
	// and runs outside the failed unit of work.
	onFailure func(ctx context.Context, key K, value V, procErr error)
}

// New creates a daemon. All three callbacks are required.
func New[K comparable, V any](
	cfg Config,
	logger *slog.Logger,
	fetch func(ctx context.Context, limit int) ([]Item[K, V], error),
	process func(ctx context.Context, key K, value V) error,
	onFailure func(ctx context.Context, key K, value V, procErr error),
) *Daemon[K, V] {
	if fetch == nil || process == nil || onFailure == nil {
		panic("daemon: fetch, process and onFailure are required")
	}
	return &Daemon[K, V]{
		cfg:       cfg,
		buf:       workbuffer.New[K, V](cfg.BufferSize),
		logger:    logger.With("component", "daemon", "daemon", cfg.Name),
		fetch:     fetch,
		process:   process,
		onFailure: onFailure,
	}
}

// Run blocks until ctx is cancelled or the poller fails.
func (d *Daemon[K, V]) Run(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)

	g.Go(func() error {
		return d.poll(ctx)
	})
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			return d.work(ctx)
		})
	}

	d.logger.InfoContext(ctx, "daemon started",
		"workers", d.cfg.Workers, "buffer_size", d.cfg.BufferSize, "poll_interval", d.cfg.PollInterval)

	// The group context is cancelled whenever a goroutine errors, so only
	// the parent tells a shutdown apart from a poller failure.
	err := g.Wait()
	if err != nil && parent.Err() == nil {
		return fmt.Errorf("%s daemon: %w", d.cfg.Name, err)
	}
	d.logger.InfoContext(ctx, "daemon stopped")
	return nil
}

func (d *Daemon[K, V]) poll(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		inFlight := d.buf.Keys()
		items, err := d.fetch(ctx, d.buf.Cap())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll failed: %w", err)
		}

		for _, item := range items {
			if _, busy := inFlight[item.Key]; busy {
				continue
			}
			if err := d.buf.Add(ctx, item.Key, item.Value); err != nil {
				return nil
			}
		}

		if d.buf.Len() == d.buf.Cap() {
			if err := d.buf.WaitNotFull(ctx); err != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

func (d *Daemon[K, V]) work(ctx context.Context) error {
	for {
		key, value, err := d.buf.Next(ctx)
		if err != nil {
			return nil
		}

		d.workOne(ctx, key, value)
	}
}

// workOne runs the handler for one item and always releases its buffer
// slot. A handler panic is converted into a failure like any other error
// so one poisoned item cannot take the worker down.
func (d *Daemon[K, V]) workOne(ctx context.Context, key K, value V) {
	defer d.buf.Remove(key)

	if err := d.safeProcess(ctx, key, value); err != nil {
		d.logger.ErrorContext(ctx, "work item failed",
			"key", fmt.Sprint(key), "error", err)
		d.onFailure(ctx, key, value, err)
	}
}

func (d *Daemon[K, V]) safeProcess(ctx context.Context, key K, value V) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.process(ctx, key, value)
}
