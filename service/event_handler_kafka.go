package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// EventHandlerKafka implements the EventHandler using Kafka. Each instance
// joins its own consumer group, which turns the topic into a broadcast.
type EventHandlerKafka struct {
	brokers     []string
	topic       string
	groupID     string
	maxInflight int
	dispatcher  *eventDispatcher
	stats       *model.HandlerStats
	connected   atomic.Bool
}

func NewEventHandlerKafka(brokers []string, topic, groupPrefix string, maxInflight int, processor *EventProcessor, archive model.EventArchive) (model.EventHandler, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	return &EventHandlerKafka{
		brokers:     brokers,
		topic:       topic,
		groupID:     fmt.Sprintf("%s-%s", groupPrefix, processor.InstanceID()),
		maxInflight: maxInflight,
		dispatcher:  &eventDispatcher{processor: processor, archive: archive},
		stats:       &model.HandlerStats{},
	}, nil
}

// Start implements model.EventHandler and start listening for events
func (c *EventHandlerKafka) Start(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		Topic:       c.topic,
		GroupID:     c.groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
		StartOffset: kafka.LastOffset,
		Dialer: &kafka.Dialer{
			Timeout: 10 * time.Second,
		},
	})

	go func() {
		defer reader.Close()
		for {
			zap.L().Sugar().Infof("begin receive messages from topic %s as group %s.", c.topic, c.groupID)
			err := c.receive(ctx, reader)
			c.connected.Store(false)
			if ctx.Err() != nil {
				zap.L().Sugar().Infof("receive done on topic %s. No messages will be processed.", c.topic)
				return
			}
			zap.L().Error(fmt.Sprintf("kafka receive error for topic %s, receive will be retried in 2 seconds", c.topic), zap.Error(err))
			time.Sleep(time.Second * 2)
		}
	}()

	return nil
}

func (c *EventHandlerKafka) receive(ctx context.Context, reader *kafka.Reader) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxInflight)

	for {
		msg, err := reader.FetchMessage(gCtx)
		if err != nil {
			// wait for in-flight events before reporting
			_ = g.Wait()
			return err
		}
		c.connected.Store(true)

		g.Go(func() error {
			c.handle(gCtx, msg)
			if err := reader.CommitMessages(gCtx, msg); err != nil {
				zap.L().Warn("kafkaFunc: commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
			}
			return nil
		})
	}
}

func (c *EventHandlerKafka) handle(ctx context.Context, msg kafka.Message) {
	atomic.AddInt64(&c.stats.Received, 1)
	requestID := uniuri.NewLen(10)
	logger := zap.L().With(zap.Any("request_id", requestID))
	newCtx := context.WithValue(ctx, model.ContextKey("request_id"), requestID)
	newCtx, span := tracer.Start(newCtx, "kafka/receive")
	defer span.End()

	logger.Sugar().Debugf("kafkaFunc: got message at offset %d, key %s", msg.Offset, string(msg.Key))
	result, err := c.dispatcher.dispatch(newCtx, msg.Value)
	switch {
	case errors.Is(err, errMalformed):
		logger.Warn(fmt.Sprintf("kafkaFunc: dropping malformed message at offset %d", msg.Offset), zap.Error(err))
		atomic.AddInt64(&c.stats.Malformed, 1)
	case !result.Success:
		// another instance can still pick the event up once the claim is released
		logger.Error(fmt.Sprintf("kafkaFunc: failed to process message at offset %d", msg.Offset), zap.String("error", result.Error))
		atomic.AddInt64(&c.stats.Errors, 1)
	default:
		atomic.AddInt64(&c.stats.Success, 1)
	}
}

// Stats implements model.EventHandler
func (c *EventHandlerKafka) Stats(ctx context.Context) (model.HandlerStats, error) {
	return model.HandlerStats{
		Received:  atomic.LoadInt64(&c.stats.Received),
		Success:   atomic.LoadInt64(&c.stats.Success),
		Errors:    atomic.LoadInt64(&c.stats.Errors),
		Malformed: atomic.LoadInt64(&c.stats.Malformed),
	}, nil
}

// Connected implements model.EventHandler
func (c *EventHandlerKafka) Connected() bool {
	return c.connected.Load()
}
