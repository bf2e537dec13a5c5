// Package bus distributes canonical events to in-process subscribers by
// topic. Publication is advisory: engines never depend on a delivery
// outcome, and a failing subscriber cannot fail the publisher or starve
// the other subscribers on its topic.
package bus

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/model"
)

// Topics consumed by external dashboards.
const (
	TopicTicketIssued    = "ticket.issued"
	TopicCouponFlown     = "coupon.flown"
	TopicRefundRequested = "refund.requested"
	TopicSettlementDue   = "settlement.due"
	TopicBookingModified = "booking.modified"
)

// eventTopics routes each event type to its topic. Reissues and voids ride
// the issued topic; interline claims ride settlement.due.
var eventTopics = map[model.EventType]string{
	model.EventTicketIssued:    TopicTicketIssued,
	model.EventTicketReissued:  TopicTicketIssued,
	model.EventTicketVoided:    TopicTicketIssued,
	model.EventCouponFlown:     TopicCouponFlown,
	model.EventRefundRequested: TopicRefundRequested,
	model.EventSettlementDue:   TopicSettlementDue,
	model.EventBookingModified: TopicBookingModified,
	model.EventInterlineClaim:  TopicSettlementDue,
}

// TopicFor returns the topic an event type publishes on, or "" when the
// type is unroutable.
func TopicFor(t model.EventType) string { return eventTopics[t] }

// Handler consumes one published event. A returned error is logged against
// the subscriber and never reaches the publisher.
type Handler func(ctx context.Context, ev model.CanonicalEvent) error

type subscriber struct {
	name string
	fn   Handler
}

// Bus is an in-process topic bus. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	counts map[string]int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[string][]subscriber),
		counts: make(map[string]int64),
	}
}

// Subscribe registers a named handler for one topic. The name identifies
// the subscriber in logs when a delivery fails.
func (b *Bus) Subscribe(topic, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscriber{name: name, fn: h})
}

// Publish routes the event to its topic and delivers it to every
// subscriber in registration order. Only an unroutable event type is an
// error; subscriber failures are logged and delivery continues.
func (b *Bus) Publish(ctx context.Context, ev model.CanonicalEvent) error {
	topic := TopicFor(ev.EventType)
	if topic == "" {
		return eris.Errorf("bus: no topic for event type %s", ev.EventType)
	}

	b.mu.Lock()
	b.counts[topic]++
	handlers := make([]subscriber, len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	b.mu.Unlock()

	for _, sub := range handlers {
		if err := sub.fn(ctx, ev); err != nil {
			zap.L().Warn("bus: subscriber failed",
				zap.String("topic", topic),
				zap.String("subscriber", sub.name),
				zap.String("event_id", ev.EventID),
				zap.Error(err))
		}
	}
	return nil
}

// PublishMany publishes events in order, stopping at the first unroutable
// event.
func (b *Bus) PublishMany(ctx context.Context, events []model.CanonicalEvent) error {
	for _, ev := range events {
		if err := b.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Counts returns a snapshot of how many events each topic has carried.
func (b *Bus) Counts() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int64, len(b.counts))
	for topic, n := range b.counts {
		out[topic] = n
	}
	return out
}
