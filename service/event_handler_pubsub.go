package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

// EventHandlerPubsub implements the EventHandler using Pub/Sub. Every
// instance reads from its own subscription on the broadcast topic, so every
// instance receives every event.
type EventHandlerPubsub struct {
	host         string
	project      string
	topic        string
	subscription string
	maxInflight  int
	dispatcher   *eventDispatcher
	stats        *model.HandlerStats
	connected    atomic.Bool
}

func NewEventHandlerPubsub(host, project, topic, subscription string, maxInflight int, processor *EventProcessor, archive model.EventArchive) (model.EventHandler, error) {
	if subscription == "" {
		subscription = fmt.Sprintf("%s-%s", topic, processor.InstanceID())
	}
	return &EventHandlerPubsub{
		host:         host,
		project:      project,
		topic:        topic,
		subscription: subscription,
		maxInflight:  maxInflight,
		dispatcher:   &eventDispatcher{processor: processor, archive: archive},
		stats:        &model.HandlerStats{},
	}, nil
}

// newPubsubClient dials the emulator when host is set, the real service otherwise
func newPubsubClient(ctx context.Context, host, project string) (*pubsub.Client, error) {
	if host != "" {
		// This is mainly used for testing
		conn, err := grpc.Dial(host, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		if project == "" {
			project = "project"
		}
		// Use the connection when creating a pubsub client.
		return pubsub.NewClient(ctx, project, option.WithGRPCConn(conn))
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create PubSub client")
	}
	return client, nil
}

// ensureTopic returns the topic, creating it when it does not exist yet
func ensureTopic(ctx context.Context, client *pubsub.Client, id string) (*pubsub.Topic, error) {
	topic := client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check topic %s", id)
	}
	if exists {
		return topic, nil
	}
	topic, err = client.CreateTopic(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create topic %s", id)
	}
	return topic, nil
}

// Start implements model.EventHandler and start listening for events
func (c *EventHandlerPubsub) Start(ctx context.Context) error {
	client, err := newPubsubClient(ctx, c.host, c.project)
	if err != nil {
		return err
	}

	sub := client.Subscription(c.subscription)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to check subscription %s", c.subscription)
	}
	if !exists {
		topic, err := ensureTopic(ctx, client, c.topic)
		if err != nil {
			return err
		}
		sub, err = client.CreateSubscription(ctx, c.subscription, pubsub.SubscriptionConfig{
			Topic:            topic,
			AckDeadline:      20 * time.Second,
			ExpirationPolicy: 24 * time.Hour,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to create subscription %s on topic %s", c.subscription, c.topic)
		}
		zap.L().Sugar().Infof("created subscription %s on topic %s", c.subscription, c.topic)
	} else if c.host == "" {
		perms, err := sub.IAM().TestPermissions(ctx, []string{
			"pubsub.subscriptions.consume",
		})

		if err != nil {
			return errors.Wrapf(err,
				"failed to get the subscription permissions, project %s, subscription %s",
				c.project,
				c.subscription)
		}

		if len(perms) == 0 {
			return fmt.Errorf(
				"required permissions (pubsub.subscriptions.consume) not found for project %s, subscription %s",
				c.project,
				c.subscription)
		}
	}
	sub.ReceiveSettings.MaxOutstandingMessages = c.maxInflight

	go func() {
		for {
			zap.L().Sugar().Infof("begin receive messages from subscription %s.", sub.String())
			c.connected.Store(true)
			err = sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {

				atomic.AddInt64(&c.stats.Received, 1)
				requestID := uniuri.NewLen(10)
				logger := zap.L().With(zap.Any("request_id", requestID))
				newCtx := context.WithValue(msgCtx, model.ContextKey("request_id"), requestID)
				newCtx, span := tracer.Start(newCtx, "pubsub/receive")
				defer span.End()

				logger.Sugar().Debugf("pubsubFunc: got message with id %s, data: %s", msg.ID, string(msg.Data))
				result, err := c.dispatcher.dispatch(newCtx, msg.Data)
				switch {
				case errors.Is(err, errMalformed):
					// redelivery cannot fix it
					logger.Warn(fmt.Sprintf("pubsubFunc: dropping malformed message with id %s", msg.ID), zap.Error(err))
					msg.Ack()
					atomic.AddInt64(&c.stats.Malformed, 1)
				case !result.Success:
					logger.Error(fmt.Sprintf("pubsubFunc: failed to process message with id %s", msg.ID), zap.String("error", result.Error))
					msg.Nack()
					atomic.AddInt64(&c.stats.Errors, 1)
				default:
					logger.Sugar().Debugf("pubsubFunc: message with id %s acknowledged (%s)", msg.ID, result.State)
					msg.Ack()
					atomic.AddInt64(&c.stats.Success, 1)
				}
			})
			c.connected.Store(false)
			zap.L().Sugar().Infof("pubsub receive exit for subscription %s", sub.String())

			if err != nil {
				zap.L().Error(fmt.Sprintf("pubsub receive error for subscription %s, receive will be retried in 2 seconds", sub.String()), zap.Error(err))
				time.Sleep(time.Second * 2)
				continue
			}
			// if no error is received then the context has been canceled and we just exist
			zap.L().Sugar().Infof("receive done on subscription %s. No messages will be processed.", sub.String())
			client.Close()
			return
		}
	}()

	return nil
}

// Stats implements model.EventHandler
func (c *EventHandlerPubsub) Stats(ctx context.Context) (model.HandlerStats, error) {
	return model.HandlerStats{
		Received:  atomic.LoadInt64(&c.stats.Received),
		Success:   atomic.LoadInt64(&c.stats.Success),
		Errors:    atomic.LoadInt64(&c.stats.Errors),
		Malformed: atomic.LoadInt64(&c.stats.Malformed),
	}, nil
}

// Connected implements model.EventHandler
func (c *EventHandlerPubsub) Connected() bool {
	return c.connected.Load()
}
