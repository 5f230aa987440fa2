package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fast = Policy{Attempts: 3, BaseDelay: time.Millisecond}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessOnRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	last := errors.New("still down")
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return last
	})
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	bad := errors.New("bad request")
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	assert.Equal(t, bad, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestDo_HonoursRequestedWait(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), Policy{Attempts: 2, BaseDelay: time.Hour}, func(context.Context) error {
		calls++
		if calls == 1 {
			return After(errors.New("slow down"), 10*time.Millisecond)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_RequestedWaitOverCapGivesUp(t *testing.T) {
	calls := 0
	limited := errors.New("flood control")
	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second},
		func(context.Context) error {
			calls++
			return After(limited, time.Minute)
		})
	assert.Equal(t, limited, err)
	assert.Equal(t, 1, calls)
}

func TestDo_MaxDelayCapsBackoff(t *testing.T) {
	calls := 0
	start := time.Now()
	_ = Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Hour, MaxDelay: 5 * time.Millisecond},
		func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	assert.Equal(t, 3, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPermanentHelpers(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, After(nil, time.Second))

	base := errors.New("bad")
	wrapped := Permanent(base)
	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsPermanent(base))
	assert.ErrorIs(t, wrapped, base)
}
