package dashboard

import (
	"time"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

// Publisher appends to the log and fans out under the broker's sequencing
// lock, so every subscriber receives events in cursor order and no patch
// slips between a hello and the subscriber's registration.
type Publisher struct {
	log    *EventLog
	broker *Broker
	now    func() time.Time
}

func NewPublisher(log *EventLog, broker *Broker) *Publisher {
	return &Publisher{log: log, broker: broker, now: time.Now}
}

func (p *Publisher) PublishPatch(topic string, op domain.PatchOp, payload any) domain.DashboardEvent {
	p.broker.seq.Lock()
	defer p.broker.seq.Unlock()

	evt := p.log.Append(domain.DashboardEvent{
		Type:      domain.EventPatch,
		Topic:     topic,
		Op:        op,
		Timestamp: p.now(),
		Payload:   payload,
	})
	p.broker.Publish(evt)
	return evt
}
