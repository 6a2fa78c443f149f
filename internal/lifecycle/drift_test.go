package lifecycle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreZeroBelowMinSamples(t *testing.T) {
	tracker := NewTracker(50, 20, 0.22)

	for i := 0; i < 19; i++ {
		require.NoError(t, tracker.Observe("w1", 0.1))
	}
	assert.Equal(t, 0.0, tracker.Score("w1"), "drift is exactly 0 until the window fills")

	require.NoError(t, tracker.Observe("w1", 0.1))
	assert.InDelta(t, 0.9, tracker.Score("w1"), 1e-9)
}

func TestScoreIsOneMinusMean(t *testing.T) {
	tracker := NewTracker(50, 20, 0.22)

	for i := 0; i < 20; i++ {
		require.NoError(t, tracker.Observe("w1", 0.76))
	}
	assert.InDelta(t, 0.24, tracker.Score("w1"), 1e-9)
}

func TestWindowEvictsOldest(t *testing.T) {
	tracker := NewTracker(5, 1, 0.22)

	// Five low samples, then five perfect ones: the perfect ones push the
	// low ones out of the window entirely.
	for i := 0; i < 5; i++ {
		require.NoError(t, tracker.Observe("w1", 0.2))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, tracker.Observe("w1", 1.0))
	}

	assert.Equal(t, 5, tracker.SampleCount("w1"))
	assert.InDelta(t, 0.0, tracker.Score("w1"), 1e-9)
}

func TestObserveRejectsOutOfRange(t *testing.T) {
	tracker := NewTracker(50, 20, 0.22)

	assert.Error(t, tracker.Observe("w1", -0.1))
	assert.Error(t, tracker.Observe("w1", 1.1))
	assert.Equal(t, 0, tracker.SampleCount("w1"))
}

func TestScoreStaysInRange(t *testing.T) {
	tracker := NewTracker(10, 1, 0.22)

	for i := 0; i <= 10; i++ {
		serial := fmt.Sprintf("w%d", i)
		require.NoError(t, tracker.Observe(serial, float64(i)/10))
		score := tracker.Score(serial)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}

func TestForget(t *testing.T) {
	tracker := NewTracker(50, 1, 0.22)

	require.NoError(t, tracker.Observe("w1", 0.5))
	require.Equal(t, 1, tracker.SampleCount("w1"))

	tracker.Forget("w1")
	assert.Equal(t, 0, tracker.SampleCount("w1"))
	assert.Equal(t, 0.0, tracker.Score("w1"))
}

func TestBandFor(t *testing.T) {
	tracker := NewTracker(50, 20, 0.22)

	tests := []struct {
		score float64
		want  Band
	}{
		{0.0, BandNominal},
		{0.04, BandNominal},
		{0.05, BandAcceptable},
		{0.09, BandAcceptable},
		{0.10, BandElevated},
		{0.14, BandElevated},
		{0.15, BandHigh},
		{0.21, BandHigh},
		{0.22, BandCritical},
		{0.90, BandCritical},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f", tt.score), func(t *testing.T) {
			assert.Equal(t, tt.want, tracker.BandFor(tt.score))
		})
	}
}

// A window mean lands slightly below the exact boundary in floating point
// (twenty samples of 0.9 average to 0.09999999999999998). The band must
// still be the one the boundary opens.
func TestBandForWindowedBoundaryScore(t *testing.T) {
	tracker := NewTracker(50, 20, 0.22)

	for i := 0; i < 20; i++ {
		require.NoError(t, tracker.Observe("w1", 0.9))
	}

	score := tracker.Score("w1")
	assert.InDelta(t, 0.1, score, 1e-9)
	assert.Equal(t, BandElevated, tracker.BandFor(score))
}
