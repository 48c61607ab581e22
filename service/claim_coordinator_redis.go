package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gabihodoroga/pubsub-dedup/model"
)

const statsScanCount = 500

// releaseIfOwner deletes the lock only while it still holds the caller's instance id.
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ClaimCoordinatorRedis implements model.ClaimCoordinator on top of Redis
// atomic primitives. Redis is the single source of truth, there is no quorum.
type ClaimCoordinatorRedis struct {
	client       redis.UniversalClient
	keyPrefix    string
	lockTTL      time.Duration
	processedTTL time.Duration
	ownerCheck   bool
}

// ClaimCoordinatorOption configures a ClaimCoordinatorRedis
type ClaimCoordinatorOption func(c *ClaimCoordinatorRedis)

// WithKeyPrefix namespaces all lock and marker keys
func WithKeyPrefix(prefix string) ClaimCoordinatorOption {
	return func(c *ClaimCoordinatorRedis) {
		c.keyPrefix = prefix
	}
}

// WithOwnerCheckedRelease makes Release delete the lock only if the caller still owns it
func WithOwnerCheckedRelease() ClaimCoordinatorOption {
	return func(c *ClaimCoordinatorRedis) {
		c.ownerCheck = true
	}
}

func NewClaimCoordinatorRedis(client redis.UniversalClient, lockTTL, processedTTL time.Duration, opts ...ClaimCoordinatorOption) *ClaimCoordinatorRedis {
	c := &ClaimCoordinatorRedis{
		client:       client,
		lockTTL:      lockTTL,
		processedTTL: processedTTL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *ClaimCoordinatorRedis) lockKey(eventID string) string {
	return c.keyPrefix + "lock:" + eventID
}

func (c *ClaimCoordinatorRedis) processedKey(eventID string) string {
	return c.keyPrefix + "processed:" + eventID
}

// Claim implements model.ClaimCoordinator
func (c *ClaimCoordinatorRedis) Claim(ctx context.Context, eventID, instanceID string) bool {
	logger := zap.L().With(zap.String("event_id", eventID), zap.String("instance_id", instanceID))

	ctx, span := tracer.Start(ctx, "redis/claim")
	defer span.End()

	processedBy, err := c.client.Get(ctx, c.processedKey(eventID)).Result()
	switch {
	case err == nil:
		logger.Sugar().Debugf("claimCoordinator.claim: event already processed by %s", processedBy)
		claimsTotal.WithLabelValues("processed").Inc()
		return false
	case err != redis.Nil:
		logger.Error("claimCoordinator.claim: failed to read processed marker", zap.Error(err))
		claimsTotal.WithLabelValues("error").Inc()
		return false
	}

	granted, err := c.client.SetNX(ctx, c.lockKey(eventID), instanceID, c.lockTTL).Result()
	if err != nil {
		logger.Error("claimCoordinator.claim: failed to acquire lock", zap.Error(err))
		claimsTotal.WithLabelValues("error").Inc()
		return false
	}
	if !granted {
		// only for the log line, the decision is already made
		locker, _ := c.client.Get(ctx, c.lockKey(eventID)).Result()
		logger.Sugar().Debugf("claimCoordinator.claim: event already claimed by %s", locker)
		claimsTotal.WithLabelValues("locked").Inc()
		return false
	}

	logger.Debug("claimCoordinator.claim: claimed")
	claimsTotal.WithLabelValues("granted").Inc()
	return true
}

// MarkProcessed implements model.ClaimCoordinator. The marker is written
// before the lock is deleted so a claimer arriving in between still sees it.
func (c *ClaimCoordinatorRedis) MarkProcessed(ctx context.Context, eventID, instanceID string) error {
	logger := zap.L().With(zap.String("event_id", eventID), zap.String("instance_id", instanceID))

	ctx, span := tracer.Start(ctx, "redis/markProcessed")
	defer span.End()

	if err := c.client.Set(ctx, c.processedKey(eventID), instanceID, c.processedTTL).Err(); err != nil {
		logger.Error("claimCoordinator.markProcessed: failed to set processed marker", zap.Error(err))
		return errors.Wrapf(model.ErrStoreUnavailable, "set processed marker for %s: %v", eventID, err)
	}
	if err := c.client.Del(ctx, c.lockKey(eventID)).Err(); err != nil {
		logger.Error("claimCoordinator.markProcessed: failed to delete lock, it will expire", zap.Error(err))
		return errors.Wrapf(model.ErrStoreUnavailable, "delete lock for %s: %v", eventID, err)
	}

	logger.Debug("claimCoordinator.markProcessed: marked")
	return nil
}

// Release implements model.ClaimCoordinator.
//
// Without owner check the lock is deleted whoever holds it: if the lease
// already expired and another instance claimed the event, that instance's
// lock is removed.
func (c *ClaimCoordinatorRedis) Release(ctx context.Context, eventID, instanceID string) error {
	logger := zap.L().With(zap.String("event_id", eventID), zap.String("instance_id", instanceID))

	ctx, span := tracer.Start(ctx, "redis/release")
	defer span.End()

	var err error
	if c.ownerCheck {
		var deleted int64
		deleted, err = releaseIfOwner.Run(ctx, c.client, []string{c.lockKey(eventID)}, instanceID).Int64()
		if err == nil && deleted == 0 {
			logger.Warn("claimCoordinator.release: lock not owned anymore, left untouched")
			return nil
		}
	} else {
		err = c.client.Del(ctx, c.lockKey(eventID)).Err()
	}
	if err != nil {
		logger.Error("claimCoordinator.release: failed to release lock", zap.Error(err))
		return errors.Wrapf(model.ErrStoreUnavailable, "release lock for %s: %v", eventID, err)
	}

	logger.Debug("claimCoordinator.release: released")
	return nil
}

// Stats implements model.ClaimCoordinator. It walks every processed marker
// with SCAN, so it is meant for diagnostics only.
func (c *ClaimCoordinatorRedis) Stats(ctx context.Context, instanceID string) (model.ClaimStats, error) {
	stats := model.ClaimStats{}
	match := c.keyPrefix + "processed:*"

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, statsScanCount).Result()
		if err != nil {
			return model.ClaimStats{}, errors.Wrapf(model.ErrStoreUnavailable, "scan %s: %v", match, err)
		}
		if len(keys) > 0 {
			owners, err := c.client.MGet(ctx, keys...).Result()
			if err != nil {
				return model.ClaimStats{}, errors.Wrapf(model.ErrStoreUnavailable, "mget processed markers: %v", err)
			}
			for _, owner := range owners {
				// expired between SCAN and MGET
				if owner == nil {
					continue
				}
				stats.TotalProcessed++
				if fmt.Sprint(owner) == instanceID {
					stats.ProcessedByThisInstance++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	stats.ProcessedByOthers = stats.TotalProcessed - stats.ProcessedByThisInstance
	return stats, nil
}

// Ping implements model.ClaimCoordinator
func (c *ClaimCoordinatorRedis) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(model.ErrStoreUnavailable, "redis ping: %v", err)
	}
	return nil
}

// String describes the coordinator for logs
func (c *ClaimCoordinatorRedis) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "redis(lockTTL=%s, processedTTL=%s", c.lockTTL, c.processedTTL)
	if c.keyPrefix != "" {
		fmt.Fprintf(&b, ", prefix=%s", c.keyPrefix)
	}
	if c.ownerCheck {
		b.WriteString(", ownerCheck")
	}
	b.WriteString(")")
	return b.String()
}
