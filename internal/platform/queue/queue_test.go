package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("assessment.completed", map[string]string{"patient_id": "p1"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "assessment.completed", msg.Kind)
	assert.JSONEq(t, `{"patient_id":"p1"}`, string(msg.Body))
	assert.False(t, msg.EnqueuedAt.IsZero())
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, Message{ID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Consume(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, msg.ID)
	}
}

func TestMemoryQueue_FullDoesNotBlock(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, Message{ID: "a"}))

	done := make(chan error, 1)
	go func() { done <- q.Publish(ctx, Message{ID: "b"}) }()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrFull))
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestMemoryQueue_ConsumeHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Consume(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMemoryQueue_CloseDrainsBacklog(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, Message{ID: "a"}))
	require.NoError(t, q.Close())

	assert.True(t, errors.Is(q.Publish(ctx, Message{ID: "b"}), ErrClosed))

	msg, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", msg.ID)

	_, err = q.Consume(ctx)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, q.Close())
}

func TestRun_ProcessesEveryMessageOnce(t *testing.T) {
	q := NewMemoryQueue(100)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Publish(ctx, Message{ID: string(rune('A' + i))}))
	}
	require.NoError(t, q.Close())

	var mu sync.Mutex
	seen := map[string]int{}
	var failures int32
	Run(ctx, q, 4, func(_ context.Context, msg Message) error {
		mu.Lock()
		seen[msg.ID]++
		mu.Unlock()
		if msg.ID == "A" {
			atomic.AddInt32(&failures, 1)
			return errors.New("boom")
		}
		return nil
	}, zerolog.New(io.Discard))

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s handled %d times", id, n)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&failures))
}

func TestRun_StopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		Run(ctx, q, 2, func(context.Context, Message) error { return nil }, zerolog.New(io.Discard))
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
