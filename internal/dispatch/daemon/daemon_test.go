package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Name:         "test",
		Workers:      2,
		BufferSize:   4,
		PollInterval: 5 * time.Millisecond,
	}
}

func TestProcessesFetchedItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	processed := make(map[int64]string)
	fetched := false

	d := New[int64, string](testConfig(), discardLogger(),
		func(ctx context.Context, limit int) ([]Item[int64, string], error) {
			if fetched {
				return nil, nil
			}
			fetched = true
			return []Item[int64, string]{{Key: 1, Value: "a"}, {Key: 2, Value: "b"}}, nil
		},
		func(ctx context.Context, key int64, value string) error {
			mu.Lock()
			defer mu.Unlock()
			processed[key] = value
			if len(processed) == 2 {
				cancel()
			}
			return nil
		},
		func(ctx context.Context, key int64, value string, procErr error) {},
	)

	require.NoError(t, d.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int64]string{1: "a", 2: "b"}, processed)
}

func TestInFlightItemsAreNotRefetched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	starts := 0
	release := make(chan struct{})

	d := New[int64, string](testConfig(), discardLogger(),
		func(ctx context.Context, limit int) ([]Item[int64, string], error) {
			// the same item is offered on every poll
			return []Item[int64, string]{{Key: 1, Value: "a"}}, nil
		},
		func(ctx context.Context, key int64, value string) error {
			mu.Lock()
			starts++
			mu.Unlock()
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
		func(ctx context.Context, key int64, value string, procErr error) {},
	)

	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	// several poll intervals pass while the item is still being processed
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, starts)
	mu.Unlock()

	close(release)
	cancel()
	<-done
}

func TestFailureIsContainedAndReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	var mu sync.Mutex
	var failures []int64
	var successes []int64

	d := New[int64, string](testConfig(), discardLogger(),
		func(ctx context.Context, limit int) ([]Item[int64, string], error) {
			return []Item[int64, string]{{Key: 1, Value: "bad"}, {Key: 2, Value: "good"}}, nil
		},
		func(ctx context.Context, key int64, value string) error {
			if value == "bad" {
				return boom
			}
			mu.Lock()
			successes = append(successes, key)
			mu.Unlock()
			return nil
		},
		func(ctx context.Context, key int64, value string, procErr error) {
			mu.Lock()
			failures = append(failures, key)
			if len(failures) >= 1 && len(successes) >= 1 {
				cancel()
			}
			mu.Unlock()
		},
	)

	require.NoError(t, d.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, failures, int64(1))
	assert.Contains(t, successes, int64(2))
}

func TestPanicIsContainedAndReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var failures []error
	attempts := 0

	d := New[int64, string](testConfig(), discardLogger(),
		func(ctx context.Context, limit int) ([]Item[int64, string], error) {
			return []Item[int64, string]{{Key: 1, Value: "poison"}}, nil
		},
		func(ctx context.Context, key int64, value string) error {
			mu.Lock()
			attempts++
			first := attempts == 1
			mu.Unlock()
			if first {
				panic("poison message")
			}
			cancel()
			return nil
		},
		func(ctx context.Context, key int64, value string, procErr error) {
			mu.Lock()
			failures = append(failures, procErr)
			mu.Unlock()
		},
	)

	// the daemon survives the panic, and the buffer slot is released so the
	// item is offered to a worker again
	require.NoError(t, d.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, failures)
	assert.Contains(t, failures[0].Error(), "panic")
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestPollerErrorStopsDaemon(t *testing.T) {
	ctx := context.Background()
	pollErr := errors.New("database gone")

	d := New[int64, string](testConfig(), discardLogger(),
		func(ctx context.Context, limit int) ([]Item[int64, string], error) {
			return nil, pollErr
		},
		func(ctx context.Context, key int64, value string) error { return nil },
		func(ctx context.Context, key int64, value string, procErr error) {},
	)

	err := d.Run(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, pollErr)
}

func TestCancelStopsDaemonCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	d := New[int64, string](testConfig(), discardLogger(),
		func(ctx context.Context, limit int) ([]Item[int64, string], error) {
			return nil, nil
		},
		func(ctx context.Context, key int64, value string) error { return nil },
		func(ctx context.Context, key int64, value string, procErr error) {},
	)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("daemon did not stop after cancel")
	}
}
