package client

import (
	"time"

	"github.com/agleyzer/dashsim/internal/metrics"
)

// StallTracker measures startup delay and playback freezes on the
// simulated clock.
type StallTracker struct {
	metrics *metrics.Metrics

	appStart     time.Duration
	playing      bool
	startupDelay time.Duration

	freezing    bool
	freezeStart time.Duration
	stalls      int
	totalFreeze time.Duration
}

// NewStallTracker creates a tracker. m may be nil.
func NewStallTracker(m *metrics.Metrics) *StallTracker {
	return &StallTracker{metrics: m}
}

// Start records the application start time.
func (t *StallTracker) Start(now time.Duration) {
	t.appStart = now
	t.playing = false
	t.freezing = false
}

// OnConsume is called when a segment is played out. It returns the startup
// delay for the first segment, the length of the freeze that just ended for
// a segment following a stall, and zero otherwise.
func (t *StallTracker) OnConsume(now time.Duration) time.Duration {
	if !t.playing {
		t.playing = true
		t.startupDelay = now - t.appStart
		t.metrics.ObserveStartupDelay(t.startupDelay.Seconds())
		return t.startupDelay
	}
	if !t.freezing {
		return 0
	}
	t.freezing = false
	freeze := now - t.freezeStart
	t.stalls++
	t.totalFreeze += freeze
	t.metrics.ObserveStall(freeze.Seconds())
	return freeze
}

// OnEmpty is called when playback found the buffer empty. Before playback
// started this is part of the startup delay and is not a freeze.
func (t *StallTracker) OnEmpty(now time.Duration) {
	if !t.playing || t.freezing {
		return
	}
	t.freezing = true
	t.freezeStart = now
}

// Playing reports whether the first segment has been played.
func (t *StallTracker) Playing() bool { return t.playing }

// Freezing reports whether a freeze is in progress.
func (t *StallTracker) Freezing() bool { return t.freezing }

// StartupDelay returns the time from start to first playback.
func (t *StallTracker) StartupDelay() time.Duration { return t.startupDelay }

// Stalls returns the number of finished freezes.
func (t *StallTracker) Stalls() int { return t.stalls }

// TotalFreeze returns the summed length of finished freezes.
func (t *StallTracker) TotalFreeze() time.Duration { return t.totalFreeze }
