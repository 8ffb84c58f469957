package sender

import (
	"context"
	"time"
)

type waitReason string

const (
	waitPause    waitReason = "pause"
	waitFlood    waitReason = "flood"
	waitInterval waitReason = "interval"
	waitBackoff  waitReason = "backoff"
)

func sleepCtx(ctx context.Context, _ waitReason, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDelay is min(RetryBase * 2^n, RetryMaxDelay) plus [0, RetryJitter).
func (m *Manager) backoffDelay(cfg Config, n int) time.Duration {
	d := cfg.RetryBase
	for i := 0; i < n && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	return d + m.jitter(0, cfg.RetryJitter)
}

// uniform returns a duration in [lo, hi].
func (m *Manager) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(m.randFn(int64(hi-lo)+1))
}

// jitter returns a duration in [lo, hi).
func (m *Manager) jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(m.randFn(int64(hi-lo)))
}
