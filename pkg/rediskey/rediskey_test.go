package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require.Equal(t, "ratelimit:org_1", BuildRateLimitKey("org_1"))
	require.Equal(t, "cache:result:abc", BuildResultCacheKey("abc"))
}
