// Package lifecycle scores worker drift from confidence samples and drives
// the sunset/archive/rebirth state machine. Drift is a lagging quality
// signal: a worker whose recent answers carry low confidence is drifting away
// from its validated knowledge and becomes a sunset candidate.
package lifecycle

import (
	"fmt"
	"sync"
)

// Band labels a drift score range for operator-facing output.
type Band string

const (
	BandNominal    Band = "nominal"    // < 0.05
	BandAcceptable Band = "acceptable" // < 0.10
	BandElevated   Band = "elevated"   // < 0.15
	BandHigh       Band = "high"       // < 0.22
	BandCritical   Band = "critical"   // >= critical threshold: sunset
)

// Tracker keeps a rolling confidence window per worker serial. The window is
// bounded; once full, each new sample evicts the oldest. Drift is
// 1 - mean(window), reported as exactly 0 until the window holds the minimum
// sample count, so a freshly registered worker is never scored on noise.
type Tracker struct {
	windowSize int
	minSamples int
	critical   float64

	mu      sync.Mutex
	windows map[string][]float64 // serial -> confidence window, oldest first
}

// NewTracker creates a drift tracker.
func NewTracker(windowSize, minSamples int, critical float64) *Tracker {
	return &Tracker{
		windowSize: windowSize,
		minSamples: minSamples,
		critical:   critical,
		windows:    make(map[string][]float64),
	}
}

// Observe appends a confidence sample to the worker's window, evicting the
// oldest sample once the window is full. Confidence must be in [0,1].
func (t *Tracker) Observe(serial string, confidence float64) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence out of range: %v", confidence)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	window := append(t.windows[serial], confidence)
	if len(window) > t.windowSize {
		window = window[len(window)-t.windowSize:]
	}
	t.windows[serial] = window
	return nil
}

// Score returns the worker's drift score in [0,1]: 1 - mean(confidence) over
// the window, or exactly 0 with fewer than the minimum samples.
func (t *Tracker) Score(serial string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := t.windows[serial]
	if len(window) < t.minSamples {
		return 0
	}

	sum := 0.0
	for _, confidence := range window {
		sum += confidence
	}
	return 1 - sum/float64(len(window))
}

// SampleCount returns the number of samples currently windowed for a serial.
func (t *Tracker) SampleCount(serial string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows[serial])
}

// Forget drops a worker's window, freeing its memory after archival.
func (t *Tracker) Forget(serial string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, serial)
}

// bandEpsilon absorbs the floating-point error of the window mean, so a
// score that is mathematically on a band boundary (twenty samples of 0.9
// average to 0.09999999999999998, not 0.1) classifies into the boundary's
// band.
const bandEpsilon = 1e-9

// BandFor classifies a drift score.
func (t *Tracker) BandFor(score float64) Band {
	switch {
	case score >= t.critical-bandEpsilon:
		return BandCritical
	case score >= 0.15-bandEpsilon:
		return BandHigh
	case score >= 0.10-bandEpsilon:
		return BandElevated
	case score >= 0.05-bandEpsilon:
		return BandAcceptable
	default:
		return BandNominal
	}
}
