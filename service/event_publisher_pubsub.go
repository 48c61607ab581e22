package service

import (
	"context"
	"encoding/json"
	"strconv"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// EventPublisherPubsub implements model.EventPublisher on a Pub/Sub topic
type EventPublisherPubsub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewEventPublisherPubsub(ctx context.Context, host, project, topic string) (*EventPublisherPubsub, error) {
	client, err := newPubsubClient(ctx, host, project)
	if err != nil {
		return nil, err
	}
	t, err := ensureTopic(ctx, client, topic)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &EventPublisherPubsub{client: client, topic: t}, nil
}

// Publish implements model.EventPublisher
func (p *EventPublisherPubsub) Publish(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_id":        event.ID,
			"type":            event.Type,
			"sequence_number": strconv.FormatInt(event.SequenceNumber, 10),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return errors.Wrapf(err, "failed to publish event %s", event.ID)
	}
	return nil
}

// Name implements model.EventPublisher
func (p *EventPublisherPubsub) Name() string {
	return "pubsub:" + p.topic.ID()
}

// Close implements model.EventPublisher
func (p *EventPublisherPubsub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
