package service

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

type seqIDs struct {
	n atomic.Int64
}

func (g *seqIDs) NextID() string {
	return strconv.FormatInt(1000+g.n.Add(1), 10)
}

type scheduled struct {
	orderNo string
	dueAt   time.Time
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (r *recordingScheduler) ScheduleClose(_ context.Context, orderNo string, dueAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduled{orderNo: orderNo, dueAt: dueAt})
	return r.err
}

func (r *recordingScheduler) snapshot() []scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduled(nil), r.calls...)
}

type notification struct {
	reason  string
	userIDs []int64
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (r *recordingNotifier) Notify(_ context.Context, reason string, userIDs ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, notification{reason: reason, userIDs: append([]int64(nil), userIDs...)})
}

func (r *recordingNotifier) count(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.reason == reason {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) last() notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notes) == 0 {
		return notification{}
	}
	return r.notes[len(r.notes)-1]
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type staticRecent struct {
	orders []domain.Order
}

func (s staticRecent) RecentOrders(context.Context, int64) ([]domain.Order, error) {
	return s.orders, nil
}
