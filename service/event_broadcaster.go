package service

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// DefaultBurstSpacing is the delay between two events of a burst
const DefaultBurstSpacing = 100 * time.Millisecond

var (
	eventTypes    = []string{"order", "payment", "notification", "user_action", "system_event"}
	payloadStatus = []string{"pending", "processing", "completed"}
)

type generatedPayload struct {
	UserID   string            `json:"userId"`
	Amount   int               `json:"amount"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// EventBroadcaster generates events and publishes them to every listener
// through the configured transport.
type EventBroadcaster struct {
	publisher model.EventPublisher
	interval  time.Duration
	sequence  atomic.Int64
	errors    atomic.Int64
	now       func() time.Time
}

func NewEventBroadcaster(publisher model.EventPublisher, interval time.Duration) *EventBroadcaster {
	return &EventBroadcaster{
		publisher: publisher,
		interval:  interval,
		now:       time.Now,
	}
}

// NextEvent builds a new event with the next sequence number
func (b *EventBroadcaster) NextEvent() model.Event {
	payload, _ := json.Marshal(generatedPayload{
		UserID: "user-" + strconv.Itoa(rand.IntN(1000)),
		Amount: rand.IntN(10000),
		Status: payloadStatus[rand.IntN(len(payloadStatus))],
		Metadata: map[string]string{
			"source":  "api",
			"version": "1.0",
		},
	})
	return model.Event{
		ID:             "event-" + uuid.NewString(),
		Type:           eventTypes[rand.IntN(len(eventTypes))],
		Timestamp:      b.now().UTC(),
		Payload:        payload,
		SequenceNumber: b.sequence.Add(1),
	}
}

// Broadcast publishes one generated event
func (b *EventBroadcaster) Broadcast(ctx context.Context) (model.Event, error) {
	event := b.NextEvent()
	if err := b.publisher.Publish(ctx, event); err != nil {
		b.errors.Add(1)
		eventsPublished.WithLabelValues("error").Inc()
		zap.L().Error("broadcaster: publish failed", zap.String("event_id", event.ID), zap.Error(err))
		return event, err
	}
	eventsPublished.WithLabelValues("ok").Inc()
	zap.L().Sugar().Infof("broadcaster: broadcasted %s type %s seq %d", event.ID, event.Type, event.SequenceNumber)
	return event, nil
}

// Run publishes an event every interval until ctx is done. A zero interval
// disables the periodic broadcast.
func (b *EventBroadcaster) Run(ctx context.Context) {
	if b.interval <= 0 {
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = b.Broadcast(ctx)
		}
	}
}

// Burst publishes count events spaced apart in the background. The returned
// channel is closed once the last event has been published.
func (b *EventBroadcaster) Burst(ctx context.Context, count int, spacing time.Duration) <-chan struct{} {
	done := make(chan struct{})
	zap.L().Sugar().Infof("broadcaster: burst of %d events", count)
	go func() {
		defer close(done)
		for i := 0; i < count; i++ {
			if i > 0 && spacing > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(spacing):
				}
			}
			_, _ = b.Broadcast(ctx)
		}
	}()
	return done
}

// Stats returns a snapshot of the broadcaster counters
func (b *EventBroadcaster) Stats() model.BroadcasterStats {
	return model.BroadcasterStats{
		Transport:      b.publisher.Name(),
		TotalBroadcast: b.sequence.Load(),
		PublishErrors:  b.errors.Load(),
	}
}
