package server

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gabihodoroga/pubsub-dedup/config"
	"github.com/gabihodoroga/pubsub-dedup/model"
	"github.com/gabihodoroga/pubsub-dedup/service"
)

// setupListener wires one instance: coordinator, record store, processor and transport
func setupListener(ctx context.Context, cfg *config.Config) (*gin.Engine, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	redisClient, err := service.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, func() {}, err
	}
	closers = append(closers, func() { redisClient.Close() })

	opts := []service.ClaimCoordinatorOption{service.WithKeyPrefix(cfg.KeyPrefix)}
	if cfg.ReleaseOwnerCheck {
		opts = append(opts, service.WithOwnerCheckedRelease())
	}
	coordinator := service.NewClaimCoordinatorRedis(redisClient, cfg.LockTTL, cfg.ProcessedTTL, opts...)
	zap.L().Sugar().Infof("setupListener: claim coordinator %s", coordinator)

	var store model.EventStore
	if cfg.PostgresURL != "" {
		pool, err := service.NewPostgresPool(ctx, cfg.PostgresURL)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, pool.Close)
		pgStore := service.NewEventStorePostgres(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		store = pgStore
	} else {
		zap.L().Warn("setupListener: POSTGRES_URL not set, records are kept in memory")
		store = service.NewEventStoreMemory()
	}

	var archive model.EventArchive
	if cfg.BigQueryTable != "" {
		bq, err := service.NewEventArchiveBigQuery(ctx, cfg.BigQueryProject, cfg.BigQueryDataset, cfg.BigQueryTable)
		if err != nil {
			cleanup()
			return nil, func() {}, errors.Wrap(err, "failed to create EventArchiveBigQuery")
		}
		archive = bq
	}

	worker := service.NewSimulatedWorker(cfg.WorkMinDelay, cfg.WorkMaxDelay, cfg.WorkFailureRate)
	processor := service.NewEventProcessor(cfg.InstanceID, coordinator, store, worker)

	var handler model.EventHandler
	switch cfg.Transport {
	case config.TransportKafka:
		handler, err = service.NewEventHandlerKafka(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupPrefix, cfg.MaxConcurrency, processor, archive)
	default:
		handler, err = service.NewEventHandlerPubsub(cfg.PubsubHost, cfg.PubsubProject, cfg.PubsubTopic, cfg.PubSubSubscription, cfg.MaxConcurrency, processor, archive)
	}
	if err != nil {
		cleanup()
		return nil, func() {}, errors.Wrapf(err, "failed to create %s handler", cfg.Transport)
	}
	if err := handler.Start(ctx); err != nil {
		cleanup()
		return nil, func() {}, errors.Wrapf(err, "failed to start %s handler", cfg.Transport)
	}

	r := newListenerRouter(&listener{
		instanceID:  cfg.InstanceID,
		processor:   processor,
		handler:     handler,
		coordinator: coordinator,
		store:       store,
	})
	return r, cleanup, nil
}

// setupBroadcaster wires the event generator to the configured transport
func setupBroadcaster(ctx context.Context, cfg *config.Config) (*gin.Engine, func(), error) {
	var publisher model.EventPublisher
	switch cfg.Transport {
	case config.TransportKafka:
		publisher = service.NewEventPublisherKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
	default:
		p, err := service.NewEventPublisherPubsub(ctx, cfg.PubsubHost, cfg.PubsubProject, cfg.PubsubTopic)
		if err != nil {
			return nil, func() {}, errors.Wrap(err, "failed to create EventPublisherPubsub")
		}
		publisher = p
	}

	broadcaster := service.NewEventBroadcaster(publisher, cfg.BroadcastInterval)
	go broadcaster.Run(ctx)

	cleanup := func() {
		if err := publisher.Close(); err != nil {
			zap.L().Warn("setupBroadcaster: failed to close publisher", zap.Error(err))
		}
	}
	return newBroadcasterRouter(ctx, broadcaster), cleanup, nil
}
