package events

import (
	"context"
	"sync"
	"time"

	"github.com/safar/go-commerce-core/internal/metrics"
	"go.uber.org/zap"
)

// Queue buffers events in memory and relays them to a Publisher from a single
// goroutine. A publish failure is logged and counted; it is never reported
// back to the emitter.
type Queue struct {
	pub            Publisher
	logger         *zap.Logger
	publishTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	inbox  chan Event
	done   chan struct{}
}

func NewQueue(pub Publisher, buffer int, logger *zap.Logger) *Queue {
	return &Queue{
		pub:            pub,
		logger:         logger,
		publishTimeout: 5 * time.Second,
		inbox:          make(chan Event, buffer),
		done:           make(chan struct{}),
	}
}

// Start runs the relay until the queue is closed. Cancelling ctx closes the
// queue; events already buffered are still flushed.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			q.Close()
		case <-q.done:
		}
	}()

	go func() {
		defer close(q.done)
		for e := range q.inbox {
			q.publish(e)
		}
		if err := q.pub.Close(); err != nil {
			q.logger.Warn("close event publisher", zap.Error(err))
		}
	}()
}

func (q *Queue) publish(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), q.publishTimeout)
	defer cancel()

	if err := q.pub.Publish(ctx, e); err != nil {
		metrics.EventPublished(false)
		q.logger.Error("publish event",
			zap.String("event_id", e.ID),
			zap.String("event_type", e.Name),
			zap.Int64("aggregate_id", e.AggregateID),
			zap.Error(err),
		)
		return
	}
	metrics.EventPublished(true)
}

// Emit enqueues events without waiting. An event that finds the buffer full
// is dropped and counted as a failed publish.
func (q *Queue) Emit(_ context.Context, events ...Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, e := range events {
		if q.closed {
			q.drop(e, "queue closed")
			continue
		}
		select {
		case q.inbox <- e:
		default:
			q.drop(e, "buffer full")
		}
	}
}

func (q *Queue) drop(e Event, reason string) {
	metrics.EventPublished(false)
	q.logger.Warn("event dropped",
		zap.String("event_id", e.ID),
		zap.String("event_type", e.Name),
		zap.String("reason", reason),
	)
}

// Close stops accepting events. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.inbox)
}

// Wait blocks until every buffered event has been handed to the publisher.
func (q *Queue) Wait() {
	<-q.done
}
