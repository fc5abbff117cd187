package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

type Subscriber struct {
	ID     string
	Topics []string
	Filter *Filter

	events chan domain.DashboardEvent
}

// Events is closed when the broker evicts or closes the subscriber.
func (s *Subscriber) Events() <-chan domain.DashboardEvent {
	return s.events
}

// Broker is the process-local registry of live stream subscribers.
//
// seq orders log appends against subscriber registration and heartbeats:
// a cursor read under it has already been fanned out to every registered
// subscriber. Lock order is seq before mu.
type Broker struct {
	seq    sync.Mutex
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	log    *EventLog
	buffer int
	logger *zap.Logger
	now    func() time.Time
}

func NewBroker(log *EventLog, buffer int, logger *zap.Logger) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		subs:   make(map[string]*Subscriber),
		log:    log,
		buffer: buffer,
		logger: logger.With(zap.String("component", "dashboard-broker")),
		now:    time.Now,
	}
}

// Open registers a subscriber and queues a hello carrying the current
// cursor, so the client can tell whether anything happened between its
// snapshot and the stream opening. Every patch after that cursor reaches
// the subscriber.
func (b *Broker) Open(topics []string, filter *Filter) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		Topics: topics,
		Filter: filter,
		events: make(chan domain.DashboardEvent, b.buffer),
	}

	b.seq.Lock()
	sub.events <- domain.HelloEvent(b.log.CurrentCursor(), b.now())
	b.mu.Lock()
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()
	b.seq.Unlock()

	b.logger.Debug("subscriber opened",
		zap.String("id", sub.ID),
		zap.Strings("topics", topics),
		zap.String("filter", filter.String()),
		zap.Int("subscribers", n),
	)
	return sub
}

// Publish delivers evt to every matching subscriber without blocking. A
// subscriber whose buffer is full is evicted; it resyncs through delta.
func (b *Broker) Publish(evt domain.DashboardEvent) {
	var (
		vars    map[string]any
		evicted []string
	)

	b.mu.RLock()
	for id, sub := range b.subs {
		if !Match(sub.Topics, evt.Topic) {
			continue
		}
		if sub.Filter != nil {
			if vars == nil {
				vars = activation(evt)
			}
			if !sub.Filter.Accepts(vars) {
				continue
			}
		}
		select {
		case sub.events <- evt:
		default:
			evicted = append(evicted, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range evicted {
		b.logger.Info("evicting slow subscriber", zap.String("id", id), zap.Int64("cursor", evt.Cursor))
		b.Close(id)
	}
}

// Heartbeat goes to every subscriber regardless of topics. Its cursor never
// runs ahead of the patches already queued to the subscriber.
func (b *Broker) Heartbeat() {
	var evicted []string

	b.seq.Lock()
	hb := domain.HeartbeatEvent(b.log.CurrentCursor(), b.now())
	b.mu.RLock()
	for id, sub := range b.subs {
		select {
		case sub.events <- hb:
		default:
			evicted = append(evicted, id)
		}
	}
	b.mu.RUnlock()
	b.seq.Unlock()

	for _, id := range evicted {
		b.Close(id)
	}
}

func (b *Broker) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Heartbeat()
		}
	}
}

// Close removes the subscriber and closes its channel. Safe to call twice.
func (b *Broker) Close(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.events)
	}
	b.mu.Unlock()
}

// CloseAll drops every subscriber, used on shutdown so stream handlers return.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.events)
	}
	b.mu.Unlock()
}

func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
