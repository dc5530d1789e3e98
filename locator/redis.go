package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"

	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

// Redis stores the coordinator under a key that expires after ttl unless the
// coordinator announces itself again.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
	key    string
	ttl    time.Duration
}

var (
	_ membership.Locator   = (*Redis)(nil)
	_ membership.Announcer = (*Redis)(nil)
)

func NewRedisClient(hostPort string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: hostPort,
	})
}

func NewRedis(logger *zap.Logger, client *redis.Client, cluster string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		logger: logger.With(zap.String("component", "redisLocator")),
		key:    "conclave://" + cluster + "/coordinator",
		ttl:    ttl,
	}
}

func (r *Redis) Healthy(ctx context.Context) bool {
	_, err := r.client.Ping(ctx).Result()
	return err == nil
}

func (r *Redis) CurrentCoordinator(ctx context.Context) (*protocol.Member, error) {
	res, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading coordinator from redis: %w", err)
	}
	return decodeMember(res)
}

func (r *Redis) Announce(ctx context.Context, coordinator *protocol.Member) error {
	val, err := encodeMember(coordinator)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, val, r.ttl).Err(); err != nil {
		return fmt.Errorf("writing coordinator to redis: %w", err)
	}
	r.logger.Debug("Announced coordinator", zap.Object("coordinator", coordinator))
	return nil
}
