package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"webhook-deploy/internal/config"
)

// RedisDedup suppresses duplicate webhook deliveries across restarts using
// TTL keys. Optional; the service runs without it.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedup connects and pings the configured Redis instance.
func NewRedisDedup(cfg *config.RedisConfig) (*RedisDedup, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis connect: %v", err)
	}

	logrus.WithField("addr", cfg.Addr).Info("Connected to Redis for delivery dedup")
	return &RedisDedup{client: rdb, ttl: cfg.TTL}, nil
}

// Seen marks deliveryID as processed and reports whether it was already
// known. The key expires after the configured TTL.
func (r *RedisDedup) Seen(ctx context.Context, deliveryID string) (bool, error) {
	key := fmt.Sprintf("webhook:delivery:%s", deliveryID)
	set, err := r.client.SetNX(ctx, key, time.Now().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %v", key, err)
	}
	return !set, nil
}

// Close releases the connection pool.
func (r *RedisDedup) Close() error {
	return r.client.Close()
}
