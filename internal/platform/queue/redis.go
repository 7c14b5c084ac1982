package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue stores messages in a Redis list: LPUSH to publish, BRPOP to
// consume, giving FIFO order across any number of replicas.
type RedisQueue struct {
	client  *redis.Client
	key     string
	maxLen  int64
	pollFor time.Duration
}

type RedisOption func(*RedisQueue)

// WithMaxLen bounds the backlog; Publish returns ErrFull beyond it.
func WithMaxLen(n int64) RedisOption {
	return func(q *RedisQueue) { q.maxLen = n }
}

// NewRedisQueue parses a redis:// URL and verifies connectivity.
func NewRedisQueue(ctx context.Context, redisURL, key string, opts ...RedisOption) (*RedisQueue, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisQueueFromClient(client, key, opts...), nil
}

func NewRedisQueueFromClient(client *redis.Client, key string, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client:  client,
		key:     key,
		pollFor: 2 * time.Second,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	if q.maxLen > 0 {
		n, err := q.client.LLen(ctx, q.key).Result()
		if err != nil {
			return q.wrap("llen", err)
		}
		if n >= q.maxLen {
			return ErrFull
		}
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return q.wrap("lpush", err)
	}
	return nil
}

// Consume polls with a bounded BRPOP so cancellation is noticed promptly.
func (q *RedisQueue) Consume(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		res, err := q.client.BRPop(ctx, q.pollFor, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, q.wrap("brpop", err)
		}
		// res is [key, value]
		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			return Message{}, fmt.Errorf("decode message: %w", err)
		}
		return msg, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) wrap(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("redis %s %s: %w", op, q.key, err)
}
