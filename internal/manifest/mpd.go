// Package manifest builds, encodes and decodes DASH media presentation
// descriptions for synthetic content.
package manifest

import (
	"bytes"
	"compress/zlib"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/agleyzer/dashsim/internal/representation"
	"github.com/agleyzer/dashsim/internal/segment"
)

const (
	// Namespace is the MPD schema namespace.
	Namespace = "urn:mpeg:DASH:schema:MPD:2011"
	// ProfileMain is the ISO base media file format main profile.
	ProfileMain = "urn:mpeg:dash:profile:isoff-main:2011"
)

var (
	// ErrNoPeriod is returned when an MPD has no period.
	ErrNoPeriod = errors.New("manifest has no period")
	// ErrNoAdaptationSet is returned when the first period has no adaptation set.
	ErrNoAdaptationSet = errors.New("manifest has no adaptation set")
)

// MPD is the root element of a media presentation description.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Xmlns                     string   `xml:"xmlns,attr,omitempty"`
	Profiles                  string   `xml:"profiles,attr,omitempty"`
	Type                      string   `xml:"type,attr,omitempty"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr,omitempty"`
	MinBufferTime             string   `xml:"minBufferTime,attr,omitempty"`
	BaseURLs                  []string `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// Period is a time span of the presentation.
type Period struct {
	Start          string          `xml:"start,attr,omitempty"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
}

// AdaptationSet groups interchangeable representations.
type AdaptationSet struct {
	BitstreamSwitching bool             `xml:"bitstreamSwitching,attr,omitempty"`
	SegmentBase        *SegmentBase     `xml:"SegmentBase,omitempty"`
	Representations    []Representation `xml:"Representation"`
}

// Representation is one encoding of the content.
type Representation struct {
	ID           string       `xml:"id,attr"`
	Codecs       string       `xml:"codecs,attr,omitempty"`
	MimeType     string       `xml:"mimeType,attr,omitempty"`
	Width        int          `xml:"width,attr,omitempty"`
	Height       int          `xml:"height,attr,omitempty"`
	StartWithSAP int          `xml:"startWithSAP,attr,omitempty"`
	Bandwidth    int64        `xml:"bandwidth,attr"`
	DependencyID string       `xml:"dependencyId,attr,omitempty"`
	SegmentBase  *SegmentBase `xml:"SegmentBase,omitempty"`
	SegmentList  *SegmentList `xml:"SegmentList,omitempty"`
}

// SegmentBase carries the initialization segment reference.
type SegmentBase struct {
	Initialization *URL `xml:"Initialization,omitempty"`
}

// SegmentList enumerates media segments of equal duration.
type SegmentList struct {
	Duration       float64      `xml:"duration,attr"`
	Timescale      int          `xml:"timescale,attr,omitempty"`
	Initialization *URL         `xml:"Initialization,omitempty"`
	SegmentURLs    []SegmentURL `xml:"SegmentURL"`
}

// SegmentURL references one media segment.
type SegmentURL struct {
	Media string `xml:"media,attr"`
}

// URL is a source reference used for initialization segments.
type URL struct {
	SourceURL string `xml:"sourceURL,attr"`
}

// SegmentDuration returns the duration of one segment in seconds.
func (l *SegmentList) SegmentDuration() float64 {
	if l.Timescale > 0 {
		return l.Duration / float64(l.Timescale)
	}
	return l.Duration
}

// Marshal encodes m with an XML declaration.
func Marshal(m *MPD) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Parse decodes an MPD document.
func Parse(data []byte) (*MPD, error) {
	var m MPD
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Compress deflates data with zlib.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates zlib data.
func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// DecompressOrRaw inflates data, returning it unchanged when it is not zlib
// compressed.
func DecompressOrRaw(data []byte) ([]byte, bool) {
	out, err := Decompress(data)
	if err != nil {
		return data, false
	}
	return out, true
}

// FirstAdaptationSet returns the first adaptation set of the first period.
func (m *MPD) FirstAdaptationSet() (*AdaptationSet, error) {
	if len(m.Periods) == 0 {
		return nil, ErrNoPeriod
	}
	if len(m.Periods[0].AdaptationSets) == 0 {
		return nil, ErrNoAdaptationSet
	}
	return &m.Periods[0].AdaptationSets[0], nil
}

// InitSegment returns the adaptation-set wide initialization segment.
func (a *AdaptationSet) InitSegment() (string, bool) {
	if a.SegmentBase != nil && a.SegmentBase.Initialization != nil && a.SegmentBase.Initialization.SourceURL != "" {
		return a.SegmentBase.Initialization.SourceURL, true
	}
	return "", false
}

// ToRepresentations converts the adaptation set into representation values,
// in document order.
func (a *AdaptationSet) ToRepresentations() []*representation.Representation {
	reps := make([]*representation.Representation, 0, len(a.Representations))
	for _, r := range a.Representations {
		rep := &representation.Representation{
			ID:        r.ID,
			Width:     r.Width,
			Height:    r.Height,
			Bandwidth: r.Bandwidth,
			Codecs:    r.Codecs,
			MimeType:  r.MimeType,
		}
		if r.DependencyID != "" {
			rep.DependencyIDs = strings.Fields(r.DependencyID)
		}
		if r.SegmentBase != nil && r.SegmentBase.Initialization != nil {
			rep.InitURL = r.SegmentBase.Initialization.SourceURL
		}
		if l := r.SegmentList; l != nil {
			if rep.InitURL == "" && l.Initialization != nil {
				rep.InitURL = l.Initialization.SourceURL
			}
			rep.SegmentDuration = l.SegmentDuration()
			rep.Segments = make([]segment.Segment, 0, len(l.SegmentURLs))
			for i, u := range l.SegmentURLs {
				rep.Segments = append(rep.Segments, segment.Segment{
					URL:              u.Media,
					Duration:         rep.SegmentDuration,
					Number:           i,
					RepresentationID: r.ID,
				})
			}
		}
		reps = append(reps, rep)
	}
	return reps
}

// FormatDuration renders whole seconds as an xs:duration of the form
// PT<h>H<m>M<s>S.
func FormatDuration(seconds int) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("PT%dH%dM%dS", h, m, s)
}
