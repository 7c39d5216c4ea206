package task

import (
	"testing"
	"time"

	"nexus-pipeline/pkg/config"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestConstantBackoff(t *testing.T) {
	p := ConstantBackoff{Interval: 5 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		require.Equal(t, 5*time.Second, p.Delay(attempt))
	}
}

func TestExponentialBackoff(t *testing.T) {
	p := ExponentialBackoff{Base: time.Second, Max: 10 * time.Second}
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))
	require.Equal(t, 8*time.Second, p.Delay(4))
	require.Equal(t, 10*time.Second, p.Delay(5))
	require.Equal(t, time.Second, p.Delay(0))
}

func TestNewRetryPolicy(t *testing.T) {
	cfg := &config.Config{}
	cfg.Worker.RetryDelay = 5 * time.Second
	require.Equal(t, ConstantBackoff{Interval: 5 * time.Second}, NewRetryPolicy(cfg))

	cfg.Worker.RetryPolicy = "exponential"
	cfg.Worker.RetryMaxDelay = time.Minute
	require.Equal(t, ExponentialBackoff{Base: 5 * time.Second, Max: time.Minute}, NewRetryPolicy(cfg))

	require.Equal(t, ConstantBackoff{Interval: 5 * time.Second}, NewRetryPolicy(&config.Config{}))
}

func TestRetryDelayFunc(t *testing.T) {
	fn := RetryDelayFunc(ExponentialBackoff{Base: time.Second})
	task := asynq.NewTask("job:summarize", nil)
	require.Equal(t, time.Second, fn(0, nil, task))
	require.Equal(t, 2*time.Second, fn(1, nil, task))
}
