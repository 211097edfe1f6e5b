package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ragline-ai/ragline/internal/apperr"
)

// Limiter enforces per-tenant request rates and the daily token quota.
// Counters live in the bus backend so every API replica sees the same
// windows. Backend outages fail open: limits degrade before availability.
type Limiter interface {
	// AllowRequest counts one request against the per-minute window.
	AllowRequest(ctx context.Context, tenantID string) error
	// AllowTokens checks the day's token spend before an answer runs.
	AllowTokens(ctx context.Context, tenantID string) error
	// AddTokens charges generated and prompt tokens to the day's window.
	AddTokens(ctx context.Context, tenantID string, tokens int)
}

// RedisLimiter implements Limiter on atomic Redis counters with TTL windows.
type RedisLimiter struct {
	client     *redis.Client
	perMinute  int
	dailyQuota int
	logger     zerolog.Logger
}

// NewRedisLimiter creates a limiter. Zero bounds disable the corresponding
// check.
func NewRedisLimiter(client *redis.Client, perMinute, dailyQuota int, logger zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, perMinute: perMinute, dailyQuota: dailyQuota, logger: logger}
}

func rateKey(tenantID string, now time.Time) string {
	return fmt.Sprintf("rate:%s:%d", tenantID, now.Unix()/60)
}

func quotaKey(tenantID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s", tenantID, now.UTC().Format("2006-01-02"))
}

// AllowRequest increments the tenant's minute bucket and rejects past the
// configured rate.
func (l *RedisLimiter) AllowRequest(ctx context.Context, tenantID string) error {
	if l.perMinute <= 0 {
		return nil
	}
	key := rateKey(tenantID, time.Now())
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("rate limit backend unavailable, failing open")
		return nil
	}
	if incr.Val() > int64(l.perMinute) {
		return apperr.Newf(apperr.KindQuotaExceeded, "rate limit of %d requests per minute exceeded", l.perMinute)
	}
	return nil
}

// AllowTokens rejects once the tenant's daily token spend is exhausted.
func (l *RedisLimiter) AllowTokens(ctx context.Context, tenantID string) error {
	if l.dailyQuota <= 0 {
		return nil
	}
	used, err := l.client.Get(ctx, quotaKey(tenantID, time.Now())).Int()
	if err != nil && err != redis.Nil {
		l.logger.Warn().Err(err).Msg("token quota backend unavailable, failing open")
		return nil
	}
	if used >= l.dailyQuota {
		return apperr.Newf(apperr.KindQuotaExceeded, "daily token quota of %d exhausted", l.dailyQuota)
	}
	return nil
}

// AddTokens charges tokens to the day's bucket. Best effort.
func (l *RedisLimiter) AddTokens(ctx context.Context, tenantID string, tokens int) {
	if l.dailyQuota <= 0 || tokens <= 0 {
		return
	}
	key := quotaKey(tenantID, time.Now())
	pipe := l.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(tokens))
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("charge token quota failed")
	}
}

// MemoryLimiter backs tests and single-node development.
type MemoryLimiter struct {
	perMinute  int
	dailyQuota int

	mu       sync.Mutex
	requests map[string]int
	minute   int64
	tokens   map[string]int
	day      string
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(perMinute, dailyQuota int) *MemoryLimiter {
	return &MemoryLimiter{
		perMinute:  perMinute,
		dailyQuota: dailyQuota,
		requests:   make(map[string]int),
		tokens:     make(map[string]int),
	}
}

// AllowRequest counts a request against the current minute.
func (l *MemoryLimiter) AllowRequest(ctx context.Context, tenantID string) error {
	if l.perMinute <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	minute := time.Now().Unix() / 60
	if minute != l.minute {
		l.minute = minute
		l.requests = make(map[string]int)
	}
	l.requests[tenantID]++
	if l.requests[tenantID] > l.perMinute {
		return apperr.Newf(apperr.KindQuotaExceeded, "rate limit of %d requests per minute exceeded", l.perMinute)
	}
	return nil
}

// AllowTokens checks the day's spend.
func (l *MemoryLimiter) AllowTokens(ctx context.Context, tenantID string) error {
	if l.dailyQuota <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()
	if l.tokens[tenantID] >= l.dailyQuota {
		return apperr.Newf(apperr.KindQuotaExceeded, "daily token quota of %d exhausted", l.dailyQuota)
	}
	return nil
}

// AddTokens charges tokens to the day's bucket.
func (l *MemoryLimiter) AddTokens(ctx context.Context, tenantID string, tokens int) {
	if l.dailyQuota <= 0 || tokens <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()
	l.tokens[tenantID] += tokens
}

func (l *MemoryLimiter) rollDay() {
	day := time.Now().UTC().Format("2006-01-02")
	if day != l.day {
		l.day = day
		l.tokens = make(map[string]int)
	}
}
