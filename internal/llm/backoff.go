package llm

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with up to 30% jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0, 1); nil uses math/rand.
	Jitter func() float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base << (attempt - 1)
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	j := b.Jitter
	if j == nil {
		j = rand.Float64
	}
	d += time.Duration(float64(d) * 0.3 * j())
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
