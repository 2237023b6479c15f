package inboxsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClampJitterRatio(t *testing.T) {
	require.Equal(t, 0.0, clampJitterRatio(-0.1))
	require.Equal(t, 1.0, clampJitterRatio(1.5))
	require.Equal(t, 0.4, clampJitterRatio(0.4))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	require.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2), "no jitter")
	require.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0), "min jitter")
	require.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5), "midpoint jitter")
	require.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1), "max jitter")
}

func TestBackoffDelayDoublesUpToCeiling(t *testing.T) {
	base := 500 * time.Millisecond
	ceiling := 30 * time.Second
	expected := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		require.Equal(t, want, backoffDelay(base, ceiling, i+1), "attempt %d", i+1)
	}
}
