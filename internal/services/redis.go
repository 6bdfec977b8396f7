package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const bookingUpdatesChannel = "booking:updates"

// Rate limit buckets.
const (
	BucketSubmit = "submit"
	BucketEmail  = "email"
)

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RateLimiter is the admission gate in front of public endpoints.
type RateLimiter interface {
	Allow(ctx context.Context, bucket, key string) bool
}

type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

// RedisRateLimiter counts requests per fixed window so limits hold across
// instances. It fails open when Redis is unreachable.
type RedisRateLimiter struct {
	client *redis.Client
	rules  map[string]RateLimitRule
	logger *logrus.Logger
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, rules map[string]RateLimitRule, logger *logrus.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, rules: rules, logger: logger, now: time.Now}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, bucket, key string) bool {
	rule, ok := l.rules[bucket]
	if !ok || rule.Limit <= 0 {
		return true
	}
	window := l.now().Truncate(rule.Window).Unix()
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%d", bucket, key, window)

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.WithError(err).WithField("bucket", bucket).Warn("Rate limiter unavailable, allowing request")
		return true
	}
	return count.Val() <= int64(rule.Limit)
}

// MemoryRateLimiter is the single-instance limiter used when Redis is not
// configured. Each bucket and key gets a token bucket refilled over the window.
type MemoryRateLimiter struct {
	rules    map[string]RateLimitRule
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMemoryRateLimiter(rules map[string]RateLimitRule) *MemoryRateLimiter {
	return &MemoryRateLimiter{rules: rules, limiters: make(map[string]*rate.Limiter)}
}

func (l *MemoryRateLimiter) Allow(ctx context.Context, bucket, key string) bool {
	rule, ok := l.rules[bucket]
	if !ok || rule.Limit <= 0 {
		return true
	}
	id := bucket + ":" + key

	l.mu.Lock()
	limiter, ok := l.limiters[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(rule.Window/time.Duration(rule.Limit)), rule.Limit)
		l.limiters[id] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// RedisBookingPublisher publishes booking updates so every API instance can
// push them to its own websocket clients.
type RedisBookingPublisher struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisBookingPublisher(client *redis.Client, logger *logrus.Logger) *RedisBookingPublisher {
	return &RedisBookingPublisher{client: client, logger: logger}
}

func (p *RedisBookingPublisher) PublishBookingUpdate(ctx context.Context, update BookingUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, bookingUpdatesChannel, data).Err()
}

// Relay forwards published updates to the local hub until ctx is cancelled.
func (p *RedisBookingPublisher) Relay(ctx context.Context, hub *Hub) {
	sub := p.client.Subscribe(ctx, bookingUpdatesChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var update BookingUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				p.logger.WithError(err).Warn("Dropping malformed booking update")
				continue
			}
			hub.BroadcastBookingUpdate(update)
		}
	}
}
