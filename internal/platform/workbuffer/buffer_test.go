package workbuffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AddNextRemove(t *testing.T) {
	ctx := context.Background()
	buf := New[int64, string](4)

	require.NoError(t, buf.Add(ctx, 1, "one"))
	require.NoError(t, buf.Add(ctx, 2, "two"))
	assert.Equal(t, 2, buf.Len())

	key, value, err := buf.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), key)
	assert.Equal(t, "one", value)

	// in-flight entries stay members until removed
	keys := buf.Keys()
	assert.Contains(t, keys, int64(1))
	assert.Contains(t, keys, int64(2))

	buf.Remove(1)
	assert.NotContains(t, buf.Keys(), int64(1))
	assert.Equal(t, 1, buf.Len())
}

func TestBuffer_DuplicateAddIsNoop(t *testing.T) {
	ctx := context.Background()
	buf := New[int64, string](4)

	require.NoError(t, buf.Add(ctx, 7, "first"))
	require.NoError(t, buf.Add(ctx, 7, "second"))
	assert.Equal(t, 1, buf.Len())

	_, value, err := buf.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", value)
}

func TestBuffer_AddBlocksAtCapacity(t *testing.T) {
	ctx := context.Background()
	buf := New[int64, string](2)

	require.NoError(t, buf.Add(ctx, 1, "a"))
	require.NoError(t, buf.Add(ctx, 2, "b"))

	added := make(chan error, 1)
	go func() {
		added <- buf.Add(ctx, 3, "c")
	}()

	select {
	case <-added:
		t.Fatal("Add should block while buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	buf.Remove(1)

	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Add should proceed after Remove frees capacity")
	}

	assert.Equal(t, 2, buf.Len())
}

func TestBuffer_NextBlocksUntilAdd(t *testing.T) {
	ctx := context.Background()
	buf := New[int64, string](2)

	got := make(chan int64, 1)
	go func() {
		key, _, err := buf.Next(ctx)
		if err == nil {
			got <- key
		}
	}()

	select {
	case <-got:
		t.Fatal("Next should block while buffer is empty")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, buf.Add(ctx, 9, "x"))

	select {
	case key := <-got:
		assert.Equal(t, int64(9), key)
	case <-time.After(time.Second):
		t.Fatal("Next should return after Add")
	}
}

func TestBuffer_WaitNotFull(t *testing.T) {
	ctx := context.Background()
	buf := New[int64, string](1)

	require.NoError(t, buf.Add(ctx, 1, "a"))

	waited := make(chan error, 1)
	go func() {
		waited <- buf.WaitNotFull(ctx)
	}()

	select {
	case <-waited:
		t.Fatal("WaitNotFull should block while buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	buf.Remove(1)

	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitNotFull should return after Remove")
	}
}

func TestBuffer_CancelledContext(t *testing.T) {
	buf := New[int64, string](1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := buf.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, buf.Add(context.Background(), 1, "a"))
	err = buf.Add(ctx, 2, "b")
	assert.ErrorIs(t, err, context.Canceled)
}
