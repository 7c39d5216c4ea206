package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"nexus-pipeline/pkg/config"
	"nexus-pipeline/pkg/metrics"
	"nexus-pipeline/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const DefaultTTL = time.Hour

// Cache stores compute outputs by job type and normalized input. Every
// failure is reported as a miss.
type Cache struct {
	client  *redis.Client
	metrics *metrics.Metrics
	enabled bool
	ttl     time.Duration
}

type Params struct {
	fx.In
	Client  *redis.Client
	Config  *config.Config
	Metrics *metrics.Metrics `optional:"true"`
}

func New(p Params) *Cache {
	ttl := p.Config.Cache.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		client:  p.Client,
		metrics: p.Metrics,
		enabled: p.Config.Cache.Enabled,
		ttl:     ttl,
	}
}

// Key hashes the job type with the canonical form of input. Inputs that only
// differ in key order or surrounding whitespace share a key.
func Key(jobType string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(jobType)))
	h.Write([]byte{0})
	h.Write(normalize(input))
	return rediskey.BuildResultCacheKey(hex.EncodeToString(h.Sum(nil)))
}

func normalize(input []byte) []byte {
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return []byte(strings.TrimSpace(string(input)))
	}
	// encoding/json writes map keys sorted, so re-marshalling is canonical.
	out, err := json.Marshal(trim(v))
	if err != nil {
		return input
	}
	return out
}

func trim(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		for k, x := range t {
			t[k] = trim(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = trim(x)
		}
		return t
	default:
		return v
	}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("[ResultCache] get failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		c.metrics.RecordCacheLookup(ctx, false)
		return nil, false
	}
	c.metrics.RecordCacheLookup(ctx, true)
	return val, true
}

func (c *Cache) Set(ctx context.Context, key string, value []byte) {
	if !c.enabled {
		return
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		zap.L().Warn("[ResultCache] set failed", zap.String("key", key), zap.Error(err))
	}
}
