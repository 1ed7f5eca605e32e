package player

import (
	"log/slog"

	"github.com/agleyzer/dashsim/internal/representation"
)

const (
	// StrategyLowest always downloads the lowest bandwidth representation.
	StrategyLowest = "lowest"
	// StrategyRate follows the measured download rate.
	StrategyRate = "rate"

	// rateSafetyFactor scales the measured bitrate before comparing it to
	// representation bandwidths.
	rateSafetyFactor = 0.9
)

// cursor is the segment bookkeeping shared by the built-in strategies. next
// advances when a segment is handed out, so a segment whose download the
// client aborts is not offered again.
type cursor struct {
	buf     BufferView
	logger  *slog.Logger
	reps    []*representation.Representation
	layered bool
	next    int
	lastBps float64
}

func (c *cursor) SetAvailableRepresentations(reps []*representation.Representation) {
	sorted := make([]*representation.Representation, len(reps))
	copy(sorted, reps)
	representation.SortByBandwidth(sorted)
	c.reps = sorted
	c.layered = false
	for _, r := range sorted {
		if r.IsLayered() {
			c.layered = true
		}
	}
}

func (c *cursor) SetLastDownloadBitRate(bps float64) {
	c.lastBps = bps
}

// HasMinBufferLevel requires one segment of rep to be buffered.
func (c *cursor) HasMinBufferLevel(rep *representation.Representation) bool {
	return c.buf.BufferLevel() >= rep.SegmentDuration
}

func (c *cursor) TotalSegments() int {
	total := 0
	for i, r := range c.reps {
		if n := r.SegmentCount(); i == 0 || n < total {
			total = n
		}
	}
	return total
}

// decide hands out the next segment of rep if the buffer can take it.
func (c *cursor) decide(rep *representation.Representation) Decision {
	if len(c.reps) == 0 || c.next >= c.TotalSegments() {
		return Decision{Status: StatusExhausted}
	}
	if !c.buf.EnoughSpace(c.next, rep, c.layered) {
		return Decision{Status: StatusNotReady}
	}
	seg := rep.Segments[c.next]
	c.next++
	return Decision{Status: StatusReady, Segment: seg, Representation: rep}
}

// AlwaysLowest downloads every segment in the lowest representation.
type AlwaysLowest struct {
	cursor
}

// NewAlwaysLowest is the Factory for StrategyLowest.
func NewAlwaysLowest(buf BufferView, logger *slog.Logger) AdaptationLogic {
	return &AlwaysLowest{cursor{buf: buf, logger: logger}}
}

// NextSegment implements AdaptationLogic.
func (a *AlwaysLowest) NextSegment() Decision {
	if len(a.reps) == 0 {
		return Decision{Status: StatusExhausted}
	}
	return a.decide(a.reps[0])
}

// RateBased picks the highest representation whose bandwidth does not exceed
// the last measured bitrate scaled by a safety factor.
type RateBased struct {
	cursor
}

// NewRateBased is the Factory for StrategyRate.
func NewRateBased(buf BufferView, logger *slog.Logger) AdaptationLogic {
	return &RateBased{cursor{buf: buf, logger: logger}}
}

// NextSegment implements AdaptationLogic.
func (r *RateBased) NextSegment() Decision {
	if len(r.reps) == 0 {
		return Decision{Status: StatusExhausted}
	}
	budget := r.lastBps * rateSafetyFactor
	pick := r.reps[0]
	for _, rep := range r.reps[1:] {
		if float64(rep.Bandwidth) <= budget {
			pick = rep
		}
	}
	d := r.decide(pick)
	if d.Status == StatusReady {
		r.logger.Debug("rate based selection",
			"segment", d.Segment.Number,
			"rep", pick.ID,
			"measured_bps", r.lastBps,
		)
	}
	return d
}
