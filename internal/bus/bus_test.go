package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revledger/internal/model"
)

func TestTopicRouting(t *testing.T) {
	cases := map[model.EventType]string{
		model.EventTicketIssued:    TopicTicketIssued,
		model.EventTicketReissued:  TopicTicketIssued,
		model.EventTicketVoided:    TopicTicketIssued,
		model.EventCouponFlown:     TopicCouponFlown,
		model.EventRefundRequested: TopicRefundRequested,
		model.EventSettlementDue:   TopicSettlementDue,
		model.EventInterlineClaim:  TopicSettlementDue,
		model.EventBookingModified: TopicBookingModified,
	}
	for eventType, topic := range cases {
		assert.Equal(t, topic, TopicFor(eventType), string(eventType))
	}
	assert.Empty(t, TopicFor(model.EventType("nonsense")))
}

func TestPublishDeliversToTopicSubscribers(t *testing.T) {
	b := New()
	ctx := context.Background()

	var issued, flown []string
	b.Subscribe(TopicTicketIssued, "dashboard", func(ctx context.Context, ev model.CanonicalEvent) error {
		issued = append(issued, ev.EventID)
		return nil
	})
	b.Subscribe(TopicCouponFlown, "dashboard", func(ctx context.Context, ev model.CanonicalEvent) error {
		flown = append(flown, ev.EventID)
		return nil
	})

	require.NoError(t, b.Publish(ctx, model.CanonicalEvent{
		EventID: "ev-1", EventType: model.EventTicketIssued, TicketNumber: "125-1",
	}))
	require.NoError(t, b.Publish(ctx, model.CanonicalEvent{
		EventID: "ev-2", EventType: model.EventTicketReissued, TicketNumber: "125-1",
	}))
	require.NoError(t, b.Publish(ctx, model.CanonicalEvent{
		EventID: "ev-3", EventType: model.EventCouponFlown, TicketNumber: "125-1",
	}))

	assert.Equal(t, []string{"ev-1", "ev-2"}, issued)
	assert.Equal(t, []string{"ev-3"}, flown)
}

func TestPublishRejectsUnroutableEvent(t *testing.T) {
	b := New()
	err := b.Publish(context.Background(), model.CanonicalEvent{
		EventID: "ev-1", EventType: model.EventType("mystery"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
	assert.Empty(t, b.Counts())
}

func TestSubscriberFailureDoesNotStopDelivery(t *testing.T) {
	b := New()
	ctx := context.Background()

	delivered := 0
	b.Subscribe(TopicSettlementDue, "flaky", func(ctx context.Context, ev model.CanonicalEvent) error {
		return errors.New("sink unavailable")
	})
	b.Subscribe(TopicSettlementDue, "steady", func(ctx context.Context, ev model.CanonicalEvent) error {
		delivered++
		return nil
	})

	require.NoError(t, b.Publish(ctx, model.CanonicalEvent{
		EventID: "ev-1", EventType: model.EventSettlementDue,
	}))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, int64(1), b.Counts()[TopicSettlementDue])
}

func TestPublishManyStopsAtUnroutable(t *testing.T) {
	b := New()
	err := b.PublishMany(context.Background(), []model.CanonicalEvent{
		{EventID: "ev-1", EventType: model.EventRefundRequested},
		{EventID: "ev-2", EventType: model.EventType("mystery")},
		{EventID: "ev-3", EventType: model.EventRefundRequested},
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), b.Counts()[TopicRefundRequested])
}

func TestCountsTracksTopicsIndependently(t *testing.T) {
	b := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, model.CanonicalEvent{EventType: model.EventTicketIssued}))
	}
	require.NoError(t, b.Publish(ctx, model.CanonicalEvent{EventType: model.EventBookingModified}))

	counts := b.Counts()
	assert.Equal(t, int64(3), counts[TopicTicketIssued])
	assert.Equal(t, int64(1), counts[TopicBookingModified])
	assert.NotContains(t, counts, TopicCouponFlown)

	// The snapshot is detached from the live counters.
	counts[TopicTicketIssued] = 99
	assert.Equal(t, int64(3), b.Counts()[TopicTicketIssued])
}

func TestConcurrentPublishIsSafe(t *testing.T) {
	b := New()
	ctx := context.Background()

	var mu sync.Mutex
	seen := 0
	b.Subscribe(TopicCouponFlown, "counter", func(ctx context.Context, ev model.CanonicalEvent) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Publish(ctx, model.CanonicalEvent{EventType: model.EventCouponFlown})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, seen)
	assert.Equal(t, int64(20), b.Counts()[TopicCouponFlown])
}
