package player

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agleyzer/dashsim/internal/representation"
	"github.com/agleyzer/dashsim/internal/segment"
)

// ErrUnknownAdaptationLogic is returned when a strategy name is not registered.
var ErrUnknownAdaptationLogic = errors.New("unknown adaptation logic")

// Status is the outcome of asking for the next segment.
type Status int

const (
	// StatusReady means a segment should be downloaded now.
	StatusReady Status = iota
	// StatusNotReady means nothing should be downloaded yet.
	StatusNotReady
	// StatusExhausted means every segment has been handed out.
	StatusExhausted
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusNotReady:
		return "NotReady"
	case StatusExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// Decision is the result of NextSegment.
type Decision struct {
	Status         Status
	Segment        segment.Segment
	Representation *representation.Representation
}

// AdaptationLogic selects representations and segments for a client.
type AdaptationLogic interface {
	// SetAvailableRepresentations installs the representations left after
	// filtering, ordered by increasing bandwidth.
	SetAvailableRepresentations(reps []*representation.Representation)
	// SetLastDownloadBitRate reports the bitrate of the last transfer in bit/s.
	SetLastDownloadBitRate(bps float64)
	// NextSegment returns the next segment to fetch.
	NextSegment() Decision
	// HasMinBufferLevel reports whether the buffer satisfies the minimum
	// level policy for downloading rep.
	HasMinBufferLevel(rep *representation.Representation) bool
	// TotalSegments returns the number of segments in the presentation.
	TotalSegments() int
}

// BufferView is the buffer state visible to adaptation logic.
type BufferView interface {
	BufferLevel() float64
	EnoughSpace(segNr int, rep *representation.Representation, layered bool) bool
}

// Factory creates an adaptation logic instance bound to a buffer.
type Factory func(buf BufferView, logger *slog.Logger) AdaptationLogic

// Strategies maps names to adaptation logic factories.
type Strategies struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewStrategies returns a registry holding the built-in strategies.
func NewStrategies() *Strategies {
	s := &Strategies{factories: make(map[string]Factory)}
	s.mustRegister(StrategyLowest, NewAlwaysLowest)
	s.mustRegister("dash::player::AlwaysLowestAdaptationLogic", NewAlwaysLowest)
	s.mustRegister(StrategyRate, NewRateBased)
	s.mustRegister("dash::player::RateBasedAdaptationLogic", NewRateBased)
	return s
}

// Register adds a strategy under name.
func (s *Strategies) Register(name string, f Factory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.factories[name]; ok {
		return fmt.Errorf("adaptation logic %q already registered", name)
	}
	s.factories[name] = f
	return nil
}

func (s *Strategies) mustRegister(name string, f Factory) {
	if err := s.Register(name, f); err != nil {
		panic(err)
	}
}

// New instantiates the strategy registered under name.
func (s *Strategies) New(name string, buf BufferView, logger *slog.Logger) (AdaptationLogic, error) {
	s.mu.RLock()
	f, ok := s.factories[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdaptationLogic, name)
	}
	return f(buf, logger), nil
}

// Names returns the registered strategy names in sorted order.
func (s *Strategies) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.factories))
	for name := range s.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
