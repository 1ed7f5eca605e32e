// Package player contains the client-side playback buffer and the adaptation
// logic boundary used to pick the next segment to download.
package player

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/agleyzer/dashsim/internal/representation"
)

// Entry is one buffered segment.
type Entry struct {
	SegmentNumber    int
	RepresentationID string
	// Duration in seconds; zero marks the empty-buffer sentinel
	Duration float64
	// Bitrate experienced while downloading, in bit/s
	Bitrate       float64
	DependencyIDs []string
}

// Empty reports whether e is the sentinel returned by an empty buffer.
func (e Entry) Empty() bool {
	return e.Duration == 0
}

// Buffer holds downloaded segments until they are played out. Segments are
// kept in segment number order and each number is stored at most once.
type Buffer struct {
	mu           sync.Mutex
	maxSeconds   float64
	entries      []Entry
	level        float64
	nextConsumed int
	logger       *slog.Logger
}

// NewBuffer creates a buffer holding at most maxSeconds of media.
func NewBuffer(maxSeconds float64, logger *slog.Logger) *Buffer {
	return &Buffer{maxSeconds: maxSeconds, logger: logger}
}

// MaxSeconds returns the configured capacity.
func (b *Buffer) MaxSeconds() float64 {
	return b.maxSeconds
}

// BufferLevel returns the buffered media time in seconds.
func (b *Buffer) BufferLevel() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// Len returns the number of buffered segments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// EnoughSpace reports whether segment segNr of rep fits into the buffer.
// For layered content a segment that is already buffered always fits, since
// an enhancement layer replaces the entry without adding media time.
func (b *Buffer) EnoughSpace(segNr int, rep *representation.Representation, layered bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enoughSpace(segNr, rep, layered)
}

func (b *Buffer) enoughSpace(segNr int, rep *representation.Representation, layered bool) bool {
	if layered && b.find(segNr) >= 0 {
		return true
	}
	return b.level+rep.SegmentDuration <= b.maxSeconds
}

// AddToBuffer stores segment segNr of rep. It returns false when the segment
// was already played, is a duplicate of non-layered content, or does not fit.
func (b *Buffer) AddToBuffer(segNr int, rep *representation.Representation, bitrate float64, layered bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if segNr < b.nextConsumed {
		b.logger.Debug("rejecting already consumed segment", "segment", segNr, "rep", rep.ID)
		return false
	}

	entry := Entry{
		SegmentNumber:    segNr,
		RepresentationID: rep.ID,
		Duration:         rep.SegmentDuration,
		Bitrate:          bitrate,
		DependencyIDs:    rep.DependencyIDs,
	}

	if i := b.find(segNr); i >= 0 {
		if !layered {
			b.logger.Debug("rejecting duplicate segment", "segment", segNr, "rep", rep.ID)
			return false
		}
		b.level += entry.Duration - b.entries[i].Duration
		b.entries[i] = entry
		return true
	}

	if !b.enoughSpace(segNr, rep, layered) {
		return false
	}

	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].SegmentNumber > segNr
	})
	b.entries = append(b.entries, Entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = entry
	b.level += entry.Duration
	return true
}

// ConsumeFromBuffer removes and returns the oldest segment, or an empty
// sentinel entry when nothing is buffered.
func (b *Buffer) ConsumeFromBuffer() Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return Entry{}
	}
	e := b.entries[0]
	b.entries = b.entries[1:]
	b.level -= e.Duration
	if len(b.entries) == 0 {
		b.level = 0
	}
	b.nextConsumed = e.SegmentNumber + 1
	return e
}

func (b *Buffer) find(segNr int) int {
	for i, e := range b.entries {
		if e.SegmentNumber == segNr {
			return i
		}
	}
	return -1
}
