package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nexus-pipeline/pkg/clock"
	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/metrics"
	"nexus-pipeline/pkg/rediskey"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// KEYS[1] window set. ARGV: now ms, window ms, limit, member, exclusive
// lower bound of the window.
// Returns {allowed, count, retry_after_ms}.
const slidingWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[5])
local count = redis.call("ZCARD", KEYS[1])

if count >= limit then
  local retry = window
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  if oldest[2] then
    retry = window - (now - tonumber(oldest[2]))
  end
  return {0, count, retry}
end

redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, count + 1, 0}
`

var ErrRateLimited = errors.New("rate limit exceeded")

// ExceededError is returned to callers that were denied admission.
type ExceededError struct {
	RetryAfter int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s, retry after %ds", ErrRateLimited, e.RetryAfter)
}

func (e *ExceededError) Unwrap() error { return ErrRateLimited }

type Decision struct {
	Allowed bool
	// RetryAfter is whole seconds until the oldest request leaves the window.
	// Zero when allowed.
	RetryAfter int
	Count      int
	Limit      int
}

func (d Decision) Remaining() int {
	if d.Count >= d.Limit {
		return 0
	}
	return d.Limit - d.Count
}

type Limiter struct {
	client  *redis.Client
	script  *redis.Script
	clock   clock.Clock
	metrics *metrics.Metrics

	enabled bool
	limit   int
	window  time.Duration
}

type Params struct {
	fx.In
	Client  *redis.Client
	Config  *config.Config
	Clock   clock.Clock      `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

func NewLimiter(p Params) *Limiter {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Limiter{
		client:  p.Client,
		script:  redis.NewScript(slidingWindowScript),
		clock:   c,
		metrics: p.Metrics,
		enabled: p.Config.RateLimit.Enabled,
		limit:   p.Config.RateLimit.Limit,
		window:  p.Config.RateLimit.Window,
	}
}

// IsAllowed admits or denies one request for the organisation. When redis
// cannot be reached the request is admitted.
func (l *Limiter) IsAllowed(ctx context.Context, organisationID string) Decision {
	if !l.enabled {
		return Decision{Allowed: true, Limit: l.limit}
	}

	now := l.clock.Now().UnixMilli()
	windowMs := l.window.Milliseconds()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := l.script.Run(ctx, l.client,
		[]string{rediskey.BuildRateLimitKey(organisationID)},
		now, windowMs, l.limit, member, fmt.Sprintf("(%d", now-windowMs),
	).Int64Slice()
	if err == nil && len(res) < 3 {
		err = errors.New("unexpected script reply")
	}
	if err != nil {
		zap.L().Warn("[RateLimit] store unavailable, admitting request",
			zap.String("organisation_id", organisationID),
			zap.Error(err),
		)
		l.metrics.RecordRateLimitFailOpen(ctx)
		return Decision{Allowed: true, Limit: l.limit}
	}

	d := Decision{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		Limit:   l.limit,
	}
	if !d.Allowed {
		d.RetryAfter = retryAfterSeconds(res[2])
	}
	l.metrics.RecordRateLimit(ctx, d.Allowed)
	return d
}

// Check is IsAllowed returning an *ExceededError on denial.
func (l *Limiter) Check(ctx context.Context, organisationID string) (Decision, error) {
	d := l.IsAllowed(ctx, organisationID)
	if !d.Allowed {
		return d, &ExceededError{RetryAfter: d.RetryAfter}
	}
	return d, nil
}

// CurrentCount reports how many requests sit in the organisation's window.
// It returns 0 when redis is unavailable.
func (l *Limiter) CurrentCount(ctx context.Context, organisationID string) int {
	key := rediskey.BuildRateLimitKey(organisationID)
	floor := fmt.Sprintf("(%d", l.clock.Now().Add(-l.window).UnixMilli())

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", floor)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0
	}
	return int(card.Val())
}

func retryAfterSeconds(ms int64) int {
	secs := int((ms + 999) / 1000)
	if secs < 1 {
		return 1
	}
	return secs
}
