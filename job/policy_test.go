package job

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeBackoffGrowsExponentiallyUpToCap(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 10 * time.Millisecond
	cap := 100 * time.Millisecond

	d0 := computeBackoff(0, base, cap, 0, rng)
	d3 := computeBackoff(3, base, cap, 0, rng)
	d10 := computeBackoff(10, base, cap, 0, rng)

	require.Equal(t, base, d0)
	require.LessOrEqual(t, d3, cap)
	require.Equal(t, cap, d10)
}

func TestComputeBackoffAddsJitterWithinWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 10 * time.Millisecond
	d := computeBackoff(0, base, time.Second, 0.5, rng)
	require.GreaterOrEqual(t, d, base)
	require.Less(t, d, base+time.Duration(float64(base)*0.5))
}

func TestRetryLoopStopsOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	calls := 0
	err := retryLoop(3, cfg, rand.New(rand.NewSource(1)), func(time.Duration) {}, func(error) bool { return true }, func(attempt int) error {
		calls++
		if attempt == 1 {
			return nil
		}
		return errors.New("retry me")
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryLoopStopsWhenNotRetryable(t *testing.T) {
	cfg := DefaultConfig()
	calls := 0
	sentinel := errors.New("fatal")
	err := retryLoop(5, cfg, rand.New(rand.NewSource(1)), func(time.Duration) {}, func(error) bool { return false }, func(int) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestRetryLoopReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = time.Millisecond
	calls := 0
	err := retryLoop(3, cfg, rand.New(rand.NewSource(1)), func(time.Duration) {}, func(error) bool { return true }, func(int) error {
		calls++
		return errors.New("still failing")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}
