package utils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Rounding never rounds up and always lands on an exact increment.
func TestProperty_RoundingDownToIncrement(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	ticks := []float64{0.00001, 0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1}

	properties.Property("RoundToTick floors onto the tick grid", prop.ForAll(
		func(price float64, tickIdx int) bool {
			tick := ticks[tickIdx]
			rounded := RoundToTick(price, tick)
			if rounded > price {
				t.Logf("rounded up: %f -> %f", price, rounded)
				return false
			}
			if price-rounded >= tick {
				t.Logf("lost more than one tick: %f -> %f (tick %f)", price, rounded, tick)
				return false
			}
			if !AlignedToTick(rounded, tick) {
				t.Logf("result not aligned: %f (tick %f)", rounded, tick)
				return false
			}
			return true
		},
		gen.Float64Range(0.0001, 100000),
		gen.IntRange(0, len(ticks)-1),
	))

	properties.Property("RoundToLot floors onto the lot grid", prop.ForAll(
		func(qty float64, lotIdx int) bool {
			lot := ticks[lotIdx]
			rounded := RoundToLot(qty, lot)
			return rounded <= qty && qty-rounded < lot && AlignedToLot(rounded, lot)
		},
		gen.Float64Range(0.0001, 100000),
		gen.IntRange(0, len(ticks)-1),
	))

	properties.TestingRun(t)
}

func TestRoundingEdgeCases(t *testing.T) {
	// The binary float 0.1+0.2 must still land exactly on a 0.1 grid.
	assert.Equal(t, 0.3, RoundToTick(0.1+0.2, 0.1))
	assert.True(t, AlignedToTick(50000.01, 0.01))
	assert.False(t, AlignedToTick(50000.015, 0.01))

	// A non-positive increment passes values through.
	assert.Equal(t, 123.456, RoundToTick(123.456, 0))
	assert.Equal(t, 123.456, RoundToLot(123.456, -1))
	assert.True(t, AlignedToTick(123.456, 0))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 5.0, Clamp(3, 5, 10))
	assert.Equal(t, 10.0, Clamp(12, 5, 10))
	assert.Equal(t, 7.0, Clamp(7, 5, 10))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	cfg := RetryConfig{
		MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1,
		Retryable: func(err error) bool { return !errors.Is(err, fatal) },
	}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithResultReturnsLastError(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

	boom := errors.New("boom")
	_, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 1}
	err := Retry(ctx, cfg, func() error { return errors.New("transient") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffCapsAtMax(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
