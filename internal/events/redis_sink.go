package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/msageha/slawarden/internal/model"
)

// RedisPublisher is the part of *redis.Client the sink needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink republishes notices on Redis channels named after their topic.
type RedisSink struct {
	client  RedisPublisher
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg model.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func NewRedisSink(client RedisPublisher, prefix string, logger *zap.Logger) *RedisSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("redis")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-publish",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &RedisSink{client: client, prefix: prefix, breaker: cb, logger: logger}
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the Redis channel for topic.
func (s *RedisSink) Channel(topic Topic) string {
	return s.prefix + string(topic)
}

func (s *RedisSink) Deliver(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n.Event())
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		return s.client.Publish(ctx, s.Channel(n.Topic()), payload).Result()
	})
	return err
}
