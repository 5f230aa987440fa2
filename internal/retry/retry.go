// Package retry runs outbound calls again when they fail transiently.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int           // total calls, including the first
	BaseDelay time.Duration // doubled after each failed attempt
	MaxDelay  time.Duration // cap on any single wait; zero means uncapped
}

type permanent struct{ err error }

func (e *permanent) Error() string { return e.err.Error() }
func (e *permanent) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

type throttled struct {
	err   error
	after time.Duration
}

func (e *throttled) Error() string { return e.err.Error() }
func (e *throttled) Unwrap() error { return e.err }

// After marks err as retryable once the upstream's requested wait has
// passed. Do gives up instead of waiting when the request exceeds MaxDelay.
func After(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	return &throttled{err: err, after: wait}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts in p
// are used up, or ctx is done. The returned error is the last one fn produced
// with any retry markers stripped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanent
		if errors.As(err, &perm) {
			return perm.err
		}

		wait := jitter(delay)
		var th *throttled
		if errors.As(err, &th) {
			err = th.err
			if p.MaxDelay > 0 && th.after > p.MaxDelay {
				return err
			}
			wait = th.after
		}
		if attempt >= attempts {
			return err
		}
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// jitter spreads d by +-25%.
func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
