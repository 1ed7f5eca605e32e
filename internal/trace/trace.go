// Package trace writes tab separated playback and throughput traces.
package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	playerHeader = []string{
		"Time", "Node", "UserId", "SegmentNumber", "SegmentRepID",
		"SegmentExperiencedBitrate(bit/s)", "BufferLevel(s)", "StallingTime(msec)", "SegmentDepIds",
	}
	throughputHeader = []string{"Time", "Node", "TxBytes", "RxBytes", "OpenSockets"}
)

// PlaybackRecord is one consumed (or never downloaded) segment.
type PlaybackRecord struct {
	Time             time.Duration
	Node             string
	UserID           int
	VideoID          int
	SegmentNumber    int
	RepresentationID string
	// Bitrate experienced while downloading, in bit/s
	Bitrate float64
	// BufferLevel after consumption, in seconds
	BufferLevel float64
	// Stall is the startup delay for the first segment, the freeze that just
	// ended for later ones, zero otherwise
	Stall         time.Duration
	DependencyIDs []string
}

// tsv is a header-first tab separated writer safe for concurrent use.
type tsv struct {
	mu      sync.Mutex
	w       *csv.Writer
	records int
}

func newTSV(w io.Writer, header []string) (*tsv, error) {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write trace header: %w", err)
	}
	return &tsv{w: cw}, nil
}

func (t *tsv) write(row []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Errors are sticky in csv.Writer and reported by flush.
	_ = t.w.Write(row)
	t.records++
}

func (t *tsv) flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Flush()
	return t.w.Error()
}

func (t *tsv) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// PlayerTracer records playback events.
type PlayerTracer struct {
	out *tsv
}

// NewPlayerTracer writes the header to w and returns a tracer.
func NewPlayerTracer(w io.Writer) (*PlayerTracer, error) {
	out, err := newTSV(w, playerHeader)
	if err != nil {
		return nil, err
	}
	return &PlayerTracer{out: out}, nil
}

// RecordPlayback appends one line.
func (t *PlayerTracer) RecordPlayback(r PlaybackRecord) {
	t.out.write([]string{
		seconds(r.Time),
		r.Node,
		strconv.Itoa(r.UserID),
		strconv.Itoa(r.SegmentNumber),
		r.RepresentationID,
		strconv.FormatInt(int64(r.Bitrate), 10),
		strconv.FormatInt(int64(r.BufferLevel), 10),
		strconv.FormatInt(r.Stall.Milliseconds(), 10),
		strings.Join(r.DependencyIDs, ","),
	})
}

// Records returns the number of lines written after the header.
func (t *PlayerTracer) Records() int {
	return t.out.count()
}

// Flush writes buffered lines.
func (t *PlayerTracer) Flush() error {
	return t.out.flush()
}

// ThroughputTracer records per-node transfer statistics.
type ThroughputTracer struct {
	out *tsv
}

// NewThroughputTracer writes the header to w and returns a tracer.
func NewThroughputTracer(w io.Writer) (*ThroughputTracer, error) {
	out, err := newTSV(w, throughputHeader)
	if err != nil {
		return nil, err
	}
	return &ThroughputTracer{out: out}, nil
}

// RecordThroughput appends one line.
func (t *ThroughputTracer) RecordThroughput(now time.Duration, node string, txBytes, rxBytes int64, openConnections int) {
	t.out.write([]string{
		seconds(now),
		node,
		strconv.FormatInt(txBytes, 10),
		strconv.FormatInt(rxBytes, 10),
		strconv.Itoa(openConnections),
	})
}

// Records returns the number of lines written after the header.
func (t *ThroughputTracer) Records() int {
	return t.out.count()
}

// Flush writes buffered lines.
func (t *ThroughputTracer) Flush() error {
	return t.out.flush()
}

type flusher interface {
	Flush() error
}

// Registry owns trace files for the lifetime of a simulation run.
type Registry struct {
	mu      sync.Mutex
	files   []*os.File
	tracers []flusher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) create(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return f, nil
}

// OpenPlayer creates path and returns a player tracer writing to it.
func (r *Registry) OpenPlayer(path string) (*PlayerTracer, error) {
	f, err := r.create(path)
	if err != nil {
		return nil, err
	}
	t, err := NewPlayerTracer(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.track(f, t)
	return t, nil
}

// OpenThroughput creates path and returns a throughput tracer writing to it.
func (r *Registry) OpenThroughput(path string) (*ThroughputTracer, error) {
	f, err := r.create(path)
	if err != nil {
		return nil, err
	}
	t, err := NewThroughputTracer(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.track(f, t)
	return t, nil
}

func (r *Registry) track(f *os.File, t flusher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, f)
	r.tracers = append(r.tracers, t)
}

// Close flushes every tracer and closes the files. The first error is
// returned; all files are closed regardless.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for i, t := range r.tracers {
		if err := t.Flush(); err != nil && first == nil {
			first = fmt.Errorf("failed to flush trace: %w", err)
		}
		if err := r.files[i].Close(); err != nil && first == nil {
			first = fmt.Errorf("failed to close trace: %w", err)
		}
	}
	r.files = nil
	r.tracers = nil
	return first
}
