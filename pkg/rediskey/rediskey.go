package rediskey

import "fmt"

const (
	RateLimitPrefix   = "ratelimit"
	ResultCachePrefix = "cache:result"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildRateLimitKey returns "ratelimit:{organisationID}"
func BuildRateLimitKey(organisationID string) string {
	return NamespaceKey(RateLimitPrefix, organisationID)
}

// BuildResultCacheKey returns "cache:result:{digest}"
func BuildResultCacheKey(digest string) string {
	return NamespaceKey(ResultCachePrefix, digest)
}
