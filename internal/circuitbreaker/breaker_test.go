package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream unavailable")

func testSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         200 * time.Millisecond,
		ProbeLimit:       1,
	}
}

func fail(context.Context) error { return errUpstream }
func ok(context.Context) error   { return nil }

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do(context.Background(), fail), errUpstream)
	}
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New("llm", testSettings(), zap.NewNop())

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Do(context.Background(), ok))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("llm", testSettings(), zap.NewNop())

	trip(t, b)

	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not invoke the call")
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("llm", testSettings(), zap.NewNop())

	require.Error(t, b.Do(context.Background(), fail))
	require.Error(t, b.Do(context.Background(), fail))
	require.NoError(t, b.Do(context.Background(), ok))
	require.Error(t, b.Do(context.Background(), fail))
	require.Error(t, b.Do(context.Background(), fail))

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	b := New("search", testSettings(), zap.NewNop())

	trip(t, b)
	time.Sleep(250 * time.Millisecond)

	require.NoError(t, b.Do(context.Background(), ok))
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(context.Background(), ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := New("search", testSettings(), zap.NewNop())

	trip(t, b)
	time.Sleep(250 * time.Millisecond)

	require.ErrorIs(t, b.Do(context.Background(), fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerLimitsHalfOpenProbes(t *testing.T) {
	b := New("search", testSettings(), zap.NewNop())

	trip(t, b)
	time.Sleep(250 * time.Millisecond)

	probing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(context.Background(), func(context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()

	<-probing
	assert.ErrorIs(t, b.Do(context.Background(), ok), ErrOpen)

	close(release)
	require.NoError(t, <-done)
}

func TestBreakerIgnoresContextErrors(t *testing.T) {
	b := New("llm", testSettings(), zap.NewNop())

	for i := 0; i < 10; i++ {
		err := b.Do(context.Background(), func(context.Context) error {
			return context.DeadlineExceeded
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, StateClosed, b.State())
}
