package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// EventPublisherKafka implements model.EventPublisher with a kafka-go writer
type EventPublisherKafka struct {
	writer *kafka.Writer
}

func NewEventPublisherKafka(brokers []string, topic string) *EventPublisherKafka {
	return &EventPublisherKafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			MaxAttempts:            5,
			ReadTimeout:            10 * time.Second,
			WriteTimeout:           10 * time.Second,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish implements model.EventPublisher
func (p *EventPublisherKafka) Publish(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ID),
		Value: data,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to write event %s", event.ID)
	}
	return nil
}

// Name implements model.EventPublisher
func (p *EventPublisherKafka) Name() string {
	return "kafka:" + p.writer.Topic
}

// Close implements model.EventPublisher
func (p *EventPublisherKafka) Close() error {
	return p.writer.Close()
}
