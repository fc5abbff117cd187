package dashboard

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

const (
	maxReadLimit = 2000
	minCapacity  = 1000
)

// EventLog is the bounded in-memory history clients replay from after a
// reconnect. Cursors are strictly increasing and never reused within a
// process; the counter starts at the construction time in millis so cursors
// handed out by a previous process always look older than OldestCursor.
type EventLog struct {
	mu       sync.RWMutex
	events   []domain.DashboardEvent
	capacity int
	cursor   atomic.Int64
}

func NewEventLog(capacity int, start time.Time) *EventLog {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	l := &EventLog{capacity: capacity}
	l.cursor.Store(start.UnixMilli())
	return l
}

// Append assigns the next cursor and stores evt, dropping the oldest
// entries beyond capacity.
func (l *EventLog) Append(evt domain.DashboardEvent) domain.DashboardEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	evt.Cursor = l.cursor.Add(1)
	l.events = append(l.events, evt)
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = l.events[over:]
	}
	return evt
}

// ReadAfter returns up to limit events with cursor > since, oldest first.
// limit is clamped to [1, 2000].
func (l *EventLog) ReadAfter(since int64, limit int) []domain.DashboardEvent {
	if limit < 1 {
		limit = 1
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].Cursor > since })
	end := i + limit
	if end > len(l.events) {
		end = len(l.events)
	}
	out := make([]domain.DashboardEvent, end-i)
	copy(out, l.events[i:end])
	return out
}

func (l *EventLog) CurrentCursor() int64 {
	return l.cursor.Load()
}

// OldestCursor is the first retained cursor, or CurrentCursor when empty.
func (l *EventLog) OldestCursor() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.events) == 0 {
		return l.cursor.Load()
	}
	return l.events[0].Cursor
}

// NeedsSnapshot reports whether a client resuming from since cannot be
// served a gapless replay: either events after since were trimmed, or since
// was issued by another process lifetime.
func (l *EventLog) NeedsSnapshot(since int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	current := l.cursor.Load()
	if since > current {
		return true
	}
	if len(l.events) == 0 {
		return since < current
	}
	return since+1 < l.events[0].Cursor
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
