package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// List keys. Producers left-push onto KeyQueue; consumers move entries
// to KeyProcessing until acked.
const (
	KeyQueue      = "ingest:queue"
	KeyProcessing = "ingest:processing"
)

// ErrEmpty means the queue held no entry to consume.
var ErrEmpty = errors.New("queue empty")

// pushTimeout bounds the enqueue round trip.
const pushTimeout = 500 * time.Millisecond

// RedisQueue is the durable queue. All list operations are atomic on
// the Redis side, which is what lets multiple producers and consumers
// share it without coordination.
type RedisQueue struct {
	client  redis.Cmdable
	maxSize int64
}

func NewRedisQueue(client redis.Cmdable, maxSize int64) *RedisQueue {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &RedisQueue{client: client, maxSize: maxSize}
}

// Enqueue pushes the entry and bounds the queue length. Entries beyond
// the cap fall off the tail; the cap protects Redis from an unbounded
// backlog when workers stall.
func (q *RedisQueue) Enqueue(ctx context.Context, e *Entry) error {
	raw, err := e.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, KeyQueue, raw)
	pipe.LTrim(ctx, KeyQueue, 0, q.maxSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", e.RequestID, err)
	}
	return nil
}

// Delivery is one consumed entry. Raw is the exact list element and
// must be passed back to Ack verbatim; Err is set when the element did
// not decode (poison pill).
type Delivery struct {
	Raw   string
	Entry *Entry
	Err   error
}

// Dequeue atomically moves the oldest entry into the in-flight list and
// returns it. ErrEmpty when there is nothing to do.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	raw, err := q.client.LMove(ctx, KeyQueue, KeyProcessing, "RIGHT", "LEFT").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	d := &Delivery{Raw: raw}
	d.Entry, d.Err = Decode(raw)
	return d, nil
}

// Ack removes a processed entry from the in-flight list. Until Ack the
// entry stays visible in ingest:processing for recovery.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, KeyProcessing, 1, d.Raw).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// RequeueStale moves up to max in-flight entries back onto the pending
// queue. The external reaper calls this for entries whose worker died
// before acking; redelivery is safe because the pipeline downstream is
// idempotent.
func (q *RedisQueue) RequeueStale(ctx context.Context, max int) (int, error) {
	moved := 0
	for moved < max {
		err := q.client.LMove(ctx, KeyProcessing, KeyQueue, "RIGHT", "LEFT").Err()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return moved, nil
			}
			return moved, fmt.Errorf("requeue stale: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Depth returns the pending and in-flight list lengths.
func (q *RedisQueue) Depth(ctx context.Context) (pending, inFlight int64, err error) {
	pending, err = q.client.LLen(ctx, KeyQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	inFlight, err = q.client.LLen(ctx, KeyProcessing).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return pending, inFlight, nil
}
