package daemon

import (
	"context"
	"math/rand/v2"
	"time"
)

// Every calls fn after each interval plus a random delay in [0, jitter)
// until ctx is done. A slow fn delays the next call rather than overlapping
// it.
func Every(ctx context.Context, interval, jitter time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	timer := time.NewTimer(nextDelay(interval, jitter))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			timer.Reset(nextDelay(interval, jitter))
		}
	}
}

func nextDelay(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + rand.N(jitter)
}
