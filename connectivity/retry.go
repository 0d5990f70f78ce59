package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Backoff computes exponential delays: Base, Base*2, Base*4 ... capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used by reconnect loops: 100ms doubling up to 5s.
var DefaultBackoff = Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := b.Base * (1 << uint(attempt))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Sleep waits d or until ctx is done. It returns ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn up to maxRetries+1 times with exponential backoff between
// attempts. It gives up early on context cancellation and on an open
// circuit. logger may be nil for silent retries.
func Retry(ctx context.Context, maxRetries int, b Backoff, logger *slog.Logger, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
		var open *ErrCircuitOpen
		if errors.As(err, &open) {
			return err
		}
		if attempt < maxRetries {
			wait := b.Delay(attempt)
			if logger != nil {
				logger.WarnContext(ctx, "connectivity: retrying call",
					"attempt", attempt+1,
					"max_retries", maxRetries,
					"backoff_ms", wait.Milliseconds(),
					"error", err)
			}
			if Sleep(ctx, wait) != nil {
				return lastErr
			}
		}
	}
	return lastErr
}
