package connection

import (
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// Delay returns the exponential part of the wait before retry n (0-based):
// min(limit, base * 2^(n+1)). Jitter is not included.
func Delay(base, limit time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i <= n; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// Jitter returns a uniformly distributed duration in [lo, hi].
func Jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// newBackoff builds the retry schedule for one round of health checks.
// It allows cfg.MaxAttempts checks in total; the jitter source is injectable
// for tests.
func newBackoff(cfg Config, jitter func() time.Duration) retry.Backoff {
	n := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if n+1 >= cfg.MaxAttempts {
			return 0, true
		}
		d := Delay(cfg.BaseDelay, cfg.MaxDelay, n) + jitter()
		n++
		return d, false
	})
}
