package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultMemoryRetryDelay = time.Second

// MemoryDelayQueue delivers close signals with process-local timers. Pending
// signals are lost on restart; the timeout scan covers them.
type MemoryDelayQueue struct {
	mu         sync.Mutex
	timers     map[uint64]*time.Timer
	nextID     uint64
	ready      chan string
	done       chan struct{}
	closeOnce  sync.Once
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewMemoryDelayQueue(buffer int, logger *zap.Logger) *MemoryDelayQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryDelayQueue{
		timers:     make(map[uint64]*time.Timer),
		ready:      make(chan string, buffer),
		done:       make(chan struct{}),
		retryDelay: defaultMemoryRetryDelay,
		logger:     logger.With(zap.String("component", "memory-delay-queue")),
	}
}

func (q *MemoryDelayQueue) ScheduleClose(_ context.Context, orderNo string, dueAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return nil
	default:
	}

	id := q.nextID
	q.nextID++
	q.timers[id] = time.AfterFunc(time.Until(dueAt), func() {
		q.mu.Lock()
		delete(q.timers, id)
		q.mu.Unlock()

		select {
		case q.ready <- orderNo:
		case <-q.done:
		}
	})
	return nil
}

// Pending is the number of signals whose timer has not fired.
func (q *MemoryDelayQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

func (q *MemoryDelayQueue) Run(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case orderNo := <-q.ready:
			if err := handle(ctx, orderNo); err != nil {
				q.logger.Warn("Close signal handling failed, retrying",
					zap.String("order_no", orderNo),
					zap.Error(err))
				_ = q.ScheduleClose(ctx, orderNo, time.Now().Add(q.retryDelay))
			}
		}
	}
}

func (q *MemoryDelayQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		close(q.done)
		for id, t := range q.timers {
			t.Stop()
			delete(q.timers, id)
		}
	})
	return nil
}
