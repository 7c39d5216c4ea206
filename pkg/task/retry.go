package task

import (
	"strings"
	"time"

	"nexus-pipeline/pkg/config"

	"github.com/hibiken/asynq"
)

// RetryPolicy maps a 1-based attempt number to the delay before the next one.
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

type ConstantBackoff struct {
	Interval time.Duration
}

func (b ConstantBackoff) Delay(int) time.Duration {
	return b.Interval
}

type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}

func NewRetryPolicy(cfg *config.Config) RetryPolicy {
	base := cfg.Worker.RetryDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	if strings.EqualFold(cfg.Worker.RetryPolicy, "exponential") {
		return ExponentialBackoff{Base: base, Max: cfg.Worker.RetryMaxDelay}
	}
	return ConstantBackoff{Interval: base}
}

// RetryDelayFunc adapts a policy for asynq's own redelivery of failed handlers.
func RetryDelayFunc(p RetryPolicy) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return p.Delay(n + 1)
	}
}
