// Package queue carries outbound events from request handlers to background
// workers. The in-process queue suits a single replica; the Redis queue lets
// several replicas share one backlog.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrFull   = errors.New("queue is full")
	ErrClosed = errors.New("queue is closed")
)

// Message is the unit of work. Body is opaque to the queue.
type Message struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewMessage encodes body as JSON and stamps an id.
func NewMessage(kind string, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		Body:       raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

type Queue interface {
	// Publish must not block the caller; a saturated queue returns ErrFull.
	Publish(ctx context.Context, msg Message) error
	// Consume blocks until a message is available, ctx ends, or the queue
	// is closed and drained.
	Consume(ctx context.Context) (Message, error)
	Close() error
}

// Handler processes one message. Returned errors are logged, never retried.
type Handler func(ctx context.Context, msg Message) error

// Run starts n workers consuming q and blocks until ctx is cancelled or the
// queue is closed, then waits for in-flight handlers.
func Run(ctx context.Context, q Queue, n int, h Handler, logger zerolog.Logger) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				msg, err := q.Consume(ctx)
				if err != nil {
					if errors.Is(err, ErrClosed) || ctx.Err() != nil {
						return
					}
					logger.Error().Err(err).Int("worker", worker).Msg("consume failed")
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				if err := h(ctx, msg); err != nil {
					logger.Warn().Err(err).
						Str("message_id", msg.ID).
						Str("kind", msg.Kind).
						Msg("message handler failed")
				}
			}
		}(i)
	}
	wg.Wait()
}

// MemoryQueue is a bounded in-process queue.
type MemoryQueue struct {
	ch     chan Message
	done   chan struct{}
	closed sync.Once
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer < 1 {
		buffer = 1
	}
	return &MemoryQueue{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(_ context.Context, msg Message) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Consume returns buffered messages even after Close, so shutdown drains the
// backlog before workers exit.
func (q *MemoryQueue) Consume(ctx context.Context) (Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-q.done:
		select {
		case msg := <-q.ch:
			return msg, nil
		default:
			return Message{}, ErrClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Len reports the current backlog.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Close() error {
	q.closed.Do(func() { close(q.done) })
	return nil
}
