package middlewares

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/yeremiapane/plant-market/utils"
)

// Limiter decides whether the client identified by key may make another
// request now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps one token bucket per key in process memory. Buckets
// idle for longer than ttl are dropped.
type MemoryLimiter struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiter(rps float64, burst int, ttl time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if l.ttl > 0 {
		for k, other := range l.buckets {
			if now.Sub(other.lastSeen) > l.ttl {
				delete(l.buckets, k)
			}
		}
	}

	return b.limiter.AllowN(now, 1), nil
}

// RedisLimiter is a fixed-window counter shared by every instance that talks
// to the same Redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixNano() / int64(l.window)
	redisKey := l.prefix + key + ":" + strconv.FormatInt(slot, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// RateLimit rejects clients over the limit with 429. Limiter errors let the
// request through.
func RateLimit(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			utils.ErrorLogger.WithError(err).WithField("client", c.ClientIP()).Warn("rate limiter unavailable")
			c.Next()
			return
		}
		if !ok {
			c.Header("Retry-After", "1")
			utils.RespondError(c, http.StatusTooManyRequests, "Too many requests, please wait before retrying")
			c.Abort()
			return
		}
		c.Next()
	}
}
