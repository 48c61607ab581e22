package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const connectAttempts = 5

func connectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, connectAttempts), ctx)
}

// NewRedisClient connects to Redis and waits until it answers PING
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	err := backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, connectBackoff(ctx), func(err error, next time.Duration) {
		zap.L().Warn("redis: ping failed, retrying", zap.String("addr", addr), zap.Duration("next", next), zap.Error(err))
	})
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", addr)
	}
	return client, nil
}

// NewPostgresPool opens a pgx pool and waits until the database answers
func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse postgres config")
	}

	err = backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, connectBackoff(ctx), func(err error, next time.Duration) {
		zap.L().Warn("postgres: ping failed, retrying", zap.Duration("next", next), zap.Error(err))
	})
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}
	return pool, nil
}
