package retry

import (
	"context"
	"time"

	"accountpool/pkg/platform/sentinel"
)

// Policy bounds a retry loop. Delay doubles per attempt up to MaxDelay.
type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Default suits directory and job-runner call sites where the only expected
// transient failure is eventual consistency of identity propagation.
func Default() Policy {
	return Policy{Attempts: 5, Delay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Do runs fn until it succeeds, returns a non-retryable error, the policy is
// exhausted, or ctx is done. Only errors that sentinel.Retryable recognizes
// are retried; validation failures surface immediately.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p = Default()
	}
	delay := p.Delay
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !sentinel.Retryable(err) {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
