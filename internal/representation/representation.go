// Package representation defines data structures for DASH representations.
package representation

import (
	"fmt"
	"sort"

	"github.com/agleyzer/dashsim/internal/segment"
)

// Representation is one encoding of the content, as announced by the manifest.
// Representations are immutable once the manifest has been parsed.
type Representation struct {
	// ID is the representation id attribute
	ID string

	// Width and Height are the picture dimensions in pixels
	Width  int
	Height int

	// Bandwidth is the nominal bitrate in bits per second
	Bandwidth int64

	// Codecs is the codec string (e.g., "avc1")
	Codecs string

	// MimeType is the media type (e.g., "video/mp4")
	MimeType string

	// DependencyIDs lists the representations this one enhances.
	// A non-empty list marks a layered (scalable) representation.
	DependencyIDs []string

	// SegmentDuration is the duration of every segment in seconds
	SegmentDuration float64

	// InitURL is the per-representation initialization segment, if any
	InitURL string

	// Segments contains the media segments in playback order
	Segments []segment.Segment
}

// IsLayered reports whether the representation depends on others.
func (r *Representation) IsLayered() bool {
	return len(r.DependencyIDs) > 0
}

// SegmentCount returns the number of media segments.
func (r *Representation) SegmentCount() int {
	return len(r.Segments)
}

// Resolution formats the picture size as "WxH".
func (r *Representation) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// SortByBandwidth orders representations by ascending bandwidth, keeping the
// manifest order for equal bandwidths.
func SortByBandwidth(reps []*Representation) {
	sort.SliceStable(reps, func(i, j int) bool {
		return reps[i].Bandwidth < reps[j].Bandwidth
	})
}
