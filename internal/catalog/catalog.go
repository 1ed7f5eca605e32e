// Package catalog reads representation metadata files describing the content a
// synthetic server advertises.
//
// A catalog looks like:
//
//	segmentDuration=2
//	numberOfSegments=300
//	AvgSigma/mu=0.4
//	reprId,screenWidth,screenHeight,bitrate,sigmaOverMu,avgChunkSizeKB
//	1,640,360,317,0.4,80
//	2,1920,1080,2400
//
// Bitrates are in kbit/s. The last two columns are optional and enable
// log-normal segment size variation for that row.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	keySegmentDuration  = "segmentDuration="
	keyNumberOfSegments = "numberOfSegments="
	keyAvgSigmaMu       = "AvgSigma/mu="
)

// NoVariation is the AvgSigma/mu value that disables size variation.
const NoVariation = -1.0

// Entry is one representation row.
type Entry struct {
	// ID is the representation id
	ID string

	// Width and Height are the picture dimensions in pixels
	Width  int
	Height int

	// BitrateKbps is the nominal bitrate in kbit/s
	BitrateKbps int

	// SigmaOverMu is the dispersion parameter of the log-normal size model.
	// Negative when the row carries no variation columns.
	SigmaOverMu float64

	// AvgChunkSizeKB is the mean segment size in KiB for the log-normal model
	AvgChunkSizeKB float64
}

// Bandwidth returns the representation bandwidth in bit/s.
func (e Entry) Bandwidth() int64 {
	return int64(e.BitrateKbps) * 1000
}

// Varies reports whether segment sizes for this row are drawn at random.
func (e Entry) Varies() bool {
	return e.SigmaOverMu >= 0
}

// Catalog is the parsed content of a metadata file.
type Catalog struct {
	// SegmentDuration is the duration of every segment in seconds.
	SegmentDuration int

	// NumberOfSegments is the segment count of every representation.
	NumberOfSegments int

	// AvgSigmaMu is the file-level variation setting. NoVariation disables
	// variation for every row.
	AvgSigmaMu float64

	// Entries holds the representations in file order.
	Entries []Entry
}

// TotalDuration returns the presentation duration in seconds.
func (c *Catalog) TotalDuration() int {
	return c.SegmentDuration * c.NumberOfSegments
}

// Load reads and parses the catalog at path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse reads a catalog from r.
func Parse(r io.Reader) (*Catalog, error) {
	c := &Catalog{AvgSigmaMu: NoVariation}
	variationSet := false
	headerSeen := false

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, keySegmentDuration):
			v, err := strconv.Atoi(strings.TrimPrefix(line, keySegmentDuration))
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid segment duration: %w", lineNo, err)
			}
			c.SegmentDuration = v
			continue
		case strings.HasPrefix(line, keyNumberOfSegments):
			v, err := strconv.Atoi(strings.TrimPrefix(line, keyNumberOfSegments))
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid number of segments: %w", lineNo, err)
			}
			c.NumberOfSegments = v
			continue
		case strings.HasPrefix(line, keyAvgSigmaMu):
			v, err := strconv.ParseFloat(strings.TrimPrefix(line, keyAvgSigmaMu), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid AvgSigma/mu: %w", lineNo, err)
			}
			c.AvgSigmaMu = v
			variationSet = true
			continue
		}

		fields := strings.Split(line, ",")
		if !headerSeen && len(c.Entries) == 0 && !isNumber(fields[len(fields)-1]) {
			headerSeen = true
			continue
		}

		entry, err := parseEntry(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if variationSet && c.AvgSigmaMu == NoVariation {
			entry.SigmaOverMu = NoVariation
		}
		c.Entries = append(c.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the catalog describes servable content.
func (c *Catalog) Validate() error {
	if c.SegmentDuration <= 0 {
		return fmt.Errorf("segment duration must be positive, got %d", c.SegmentDuration)
	}
	if c.NumberOfSegments <= 0 {
		return fmt.Errorf("number of segments must be positive, got %d", c.NumberOfSegments)
	}
	if len(c.Entries) == 0 {
		return fmt.Errorf("catalog contains no representations")
	}
	seen := make(map[string]bool, len(c.Entries))
	for _, e := range c.Entries {
		if seen[e.ID] {
			return fmt.Errorf("duplicate representation id %q", e.ID)
		}
		seen[e.ID] = true
	}
	return nil
}

func parseEntry(fields []string) (Entry, error) {
	if len(fields) != 4 && len(fields) != 6 {
		return Entry{}, fmt.Errorf("expected 4 or 6 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	e := Entry{ID: fields[0], SigmaOverMu: NoVariation}
	if e.ID == "" {
		return Entry{}, fmt.Errorf("empty representation id")
	}

	var err error
	if e.Width, err = strconv.Atoi(fields[1]); err != nil {
		return Entry{}, fmt.Errorf("invalid width %q: %w", fields[1], err)
	}
	if e.Height, err = strconv.Atoi(fields[2]); err != nil {
		return Entry{}, fmt.Errorf("invalid height %q: %w", fields[2], err)
	}
	if e.BitrateKbps, err = strconv.Atoi(fields[3]); err != nil {
		return Entry{}, fmt.Errorf("invalid bitrate %q: %w", fields[3], err)
	}
	if e.BitrateKbps <= 0 {
		return Entry{}, fmt.Errorf("bitrate must be positive, got %d", e.BitrateKbps)
	}

	if len(fields) == 6 {
		if e.SigmaOverMu, err = strconv.ParseFloat(fields[4], 64); err != nil {
			return Entry{}, fmt.Errorf("invalid sigma/mu %q: %w", fields[4], err)
		}
		if e.AvgChunkSizeKB, err = strconv.ParseFloat(fields[5], 64); err != nil {
			return Entry{}, fmt.Errorf("invalid average chunk size %q: %w", fields[5], err)
		}
		if e.Varies() && e.AvgChunkSizeKB <= 0 {
			return Entry{}, fmt.Errorf("average chunk size must be positive, got %g", e.AvgChunkSizeKB)
		}
	}

	return e, nil
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}
