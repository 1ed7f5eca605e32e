// Package segment defines data structures for DASH media segments.
package segment

import "fmt"

// Segment references a single media segment of one representation.
type Segment struct {
	// URL is the media URI, relative to the manifest base URL
	URL string

	// Duration is the segment duration in seconds
	Duration float64

	// Number is the zero-based position of the segment in its representation
	Number int

	// RepresentationID identifies the representation this segment belongs to
	RepresentationID string
}

// String implements fmt.Stringer.
func (s Segment) String() string {
	return fmt.Sprintf("%s#%d", s.RepresentationID, s.Number)
}
