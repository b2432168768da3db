package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQueueFull is returned by publishers that cannot take a message without
// blocking.
var ErrQueueFull = errors.New("queue full")

// Message is one unit of work on the queue.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`

	// raw is the encoded form a Redis consumer must hand back to Ack.
	raw string
}

// Queue is the abstraction over different backends. Consumers call Ack once a
// message is handled; the Redis backend redelivers unacknowledged messages
// after a restart, so delivery is at least once there.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
	Ack(ctx context.Context, msg Message) error
}

// InMemory is a channel-backed queue for dev mode and tests.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message without waiting; a full buffer yields
// ErrQueueFull.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Ack is a no-op; in-memory messages are gone once received.
func (q *InMemory) Ack(context.Context, Message) error { return nil }

// Len reports the number of buffered messages.
func (q *InMemory) Len() int { return len(q.ch) }

// RedisQueue implements a Redis list-backed queue. Consumed messages move to a
// processing list until acknowledged.
type RedisQueue struct {
	client     *redis.Client
	key        string
	processing string
}

// NewRedisQueue builds a queue using LPUSH/BLMOVE semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "attendance:events"
	}
	return &RedisQueue{client: client, key: key, processing: key + ":processing"}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Consume streams messages using BLMOVE into the processing list. Messages a
// previous consumer left unacknowledged are requeued first. Undecodable
// entries are dropped from the processing list.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	if err := q.requeuePending(ctx); err != nil {
		return nil, err
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", 5*time.Second).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					time.Sleep(time.Second)
				}
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				q.client.LRem(ctx, q.processing, 1, raw)
				continue
			}
			msg.raw = raw
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Ack removes a handled message from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, msg Message) error {
	if msg.raw == "" {
		return nil
	}
	return q.client.LRem(ctx, q.processing, 1, msg.raw).Err()
}

// requeuePending moves everything in the processing list back to the queue.
// Run with one consumer per key, or in-flight messages of a live peer are
// delivered twice.
func (q *RedisQueue) requeuePending(ctx context.Context) error {
	for {
		_, err := q.client.LMove(ctx, q.processing, q.key, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("requeue pending: %w", err)
		}
	}
}
