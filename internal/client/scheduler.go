// Package client implements the simulated DASH client: a transport client,
// the download scheduler with its playback loop, and stall tracking.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agleyzer/dashsim/internal/manifest"
	"github.com/agleyzer/dashsim/internal/metrics"
	"github.com/agleyzer/dashsim/internal/netsim"
	"github.com/agleyzer/dashsim/internal/player"
	"github.com/agleyzer/dashsim/internal/representation"
	"github.com/agleyzer/dashsim/internal/sim"
	"github.com/agleyzer/dashsim/internal/trace"
)

var (
	// ErrNoBaseURL is returned for manifests without a usable base URL.
	ErrNoBaseURL = errors.New("manifest has no base url")
	// ErrNoRepresentation is returned when filtering left nothing to play.
	ErrNoRepresentation = errors.New("no representation matches the screen")
	// ErrInvalidURL is returned for URLs not of the form http://host/path.
	ErrInvalidURL = errors.New("invalid url")
	// ErrBufferTooSmall is returned when no segment fits into an empty
	// playback buffer.
	ErrBufferTooSmall = errors.New("playback buffer smaller than a segment")
)

const (
	// StartLowest selects the first representation left after filtering.
	StartLowest = "lowest"
	// StartAuto selects the best representation the manifest download rate
	// can sustain.
	StartAuto = "auto"

	// globalInitSegment names an adaptation set wide init segment.
	globalInitSegment = "GlobalAdaptationSet"

	initSegmentDelay   = 10 * time.Millisecond
	segmentDelay       = time.Millisecond
	maxSegmentAttempts = 3
)

// Config holds the client settings. Start from DefaultConfig; Validate only
// fills values whose zero value is meaningless.
type Config struct {
	ManifestURL  string
	VideoID      int
	UserID       int
	ScreenWidth  int
	ScreenHeight int
	// MaxBufferedSeconds bounds the playback buffer.
	MaxBufferedSeconds float64
	AllowUpscale       bool
	AllowDownscale     bool
	// AdaptationLogic names a registered strategy.
	AdaptationLogic string
	// StartRepresentation is a representation id, "lowest" or "auto".
	StartRepresentation string
	// StartupDelay is the wait between manifest receipt and first playback.
	StartupDelay time.Duration
	// StallRetry is the playback retry interval on an empty buffer.
	StallRetry time.Duration
	// IdleRetry is the download retry interval when nothing may be fetched.
	IdleRetry time.Duration
	// TraceNotDownloaded reports never-downloaded segments on Stop.
	TraceNotDownloaded bool
	Port               int
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		ScreenWidth:         1920,
		ScreenHeight:        1080,
		MaxBufferedSeconds:  30,
		AllowUpscale:        true,
		AdaptationLogic:     player.StrategyLowest,
		StartRepresentation: StartAuto,
		StartupDelay:        2 * time.Second,
		StallRetry:          time.Second,
		IdleRetry:           time.Second,
		Port:                80,
	}
}

// Validate fills defaults and checks ranges.
func (c *Config) Validate() error {
	if c.ManifestURL == "" {
		return fmt.Errorf("manifest url is required")
	}
	if c.AdaptationLogic == "" {
		c.AdaptationLogic = player.StrategyLowest
	}
	if c.StartRepresentation == "" {
		c.StartRepresentation = StartAuto
	}
	if c.MaxBufferedSeconds == 0 {
		c.MaxBufferedSeconds = 30
	}
	if c.StallRetry == 0 {
		c.StallRetry = time.Second
	}
	if c.IdleRetry == 0 {
		c.IdleRetry = time.Second
	}
	if c.Port == 0 {
		c.Port = 80
	}
	if c.MaxBufferedSeconds < 0 {
		return fmt.Errorf("max buffered seconds must be positive, got %v", c.MaxBufferedSeconds)
	}
	if c.ScreenWidth < 0 || c.ScreenHeight < 0 {
		return fmt.Errorf("invalid screen size %dx%d", c.ScreenWidth, c.ScreenHeight)
	}
	if c.StartupDelay < 0 || c.StallRetry < 0 || c.IdleRetry < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

// State is the download scheduler state.
type State int

const (
	StateFetchingManifest State = iota
	StateFetchingInitSegment
	StateFetchingSegment
	StateIdle
	StateFinished
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateFetchingManifest:
		return "FetchingManifest"
	case StateFetchingInitSegment:
		return "FetchingInitSegment"
	case StateFetchingSegment:
		return "FetchingSegment"
	case StateIdle:
		return "Idle"
	case StateFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// PlaybackSink receives one record per played segment.
type PlaybackSink interface {
	RecordPlayback(r trace.PlaybackRecord)
}

// Stats summarizes a client run.
type Stats struct {
	UserID              int
	State               State
	StartRepresentation string
	StartupDelay        time.Duration
	Stalls              int
	TotalFreeze         time.Duration
	Consumed            int
	Fetched             int
	BytesDownloaded     int64
	PlaybackFinished    bool
	Err                 error
}

// Scheduler drives one client: it fetches the manifest, downloads segments
// one at a time into the playback buffer and plays them out.
type Scheduler struct {
	config  Config
	sim     *sim.Simulator
	node    *netsim.Node
	fetcher *Fetcher
	buffer  *player.Buffer
	logic   player.AdaptationLogic
	stall   *StallTracker
	sink    PlaybackSink
	metrics *metrics.Metrics
	logger  *slog.Logger

	state   State
	running bool
	err     error

	manifestHost string
	manifestPath string

	// Parsed manifest.
	mpdParsed   bool
	basePath    string
	reps        []*representation.Representation
	layered     bool
	startRep    *representation.Representation
	initSegment string
	initGlobal  bool
	inits       []string

	requested     *player.Decision
	attempts      int
	allDownloaded bool
	playbackDone  bool

	playTimer      sim.EventID
	downloadTimer  sim.EventID
	admissionTimer sim.EventID

	consumed int
	played   map[int]bool
	fetched  int
	bytes    int64
}

// NewScheduler creates a client on node. It fails if the adaptation logic is
// not registered in strategies. sink and m may be nil.
func NewScheduler(net *netsim.Network, node *netsim.Node, strategies *player.Strategies, config Config, sink PlaybackSink, m *metrics.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	host, path, err := splitURL(config.ManifestURL)
	if err != nil {
		return nil, err
	}

	logger = logger.With("client", node.Name(), "user", config.UserID)
	buffer := player.NewBuffer(config.MaxBufferedSeconds, logger)
	logic, err := strategies.New(config.AdaptationLogic, buffer, logger)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		config:       config,
		sim:          net.Simulator(),
		node:         node,
		fetcher:      NewFetcher(net, node, m, logger),
		buffer:       buffer,
		logic:        logic,
		stall:        NewStallTracker(m),
		sink:         sink,
		metrics:      m,
		logger:       logger,
		manifestHost: host,
		manifestPath: path,
		played:       make(map[int]bool),
	}, nil
}

// splitURL splits http://host/path into host and "/path".
func splitURL(url string) (string, string, error) {
	rest, ok := strings.CutPrefix(url, "http://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}
	host, path, _ := strings.Cut(rest, "/")
	if host == "" {
		return "", "", fmt.Errorf("%w: %q has no host", ErrInvalidURL, url)
	}
	return host, "/" + path, nil
}

// Start requests the manifest.
func (s *Scheduler) Start() error {
	if s.running {
		return fmt.Errorf("client already started")
	}
	s.running = true
	s.state = StateFetchingManifest
	s.stall.Start(s.sim.Now())

	s.logger.Debug("starting client", "manifest", s.config.ManifestURL, "logic", s.config.AdaptationLogic)
	s.fetcher.SetRemote(s.manifestHost, s.config.Port)
	if err := s.fetcher.Get(s.manifestPath, true, s.onManifest); err != nil {
		s.running = false
		return fmt.Errorf("failed to request manifest: %w", err)
	}
	return nil
}

// Stop cancels all timers and releases the connection. With
// TraceNotDownloaded set, the buffer is played out and every segment never
// reached is reported with zeroed metrics.
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.playTimer.Cancel()
	s.downloadTimer.Cancel()
	s.admissionTimer.Cancel()

	if s.config.TraceNotDownloaded && s.mpdParsed {
		for s.consume() > 0 {
		}
		for nr, total := 0, s.logic.TotalSegments(); nr < total; nr++ {
			if !s.played[nr] {
				s.record(trace.PlaybackRecord{SegmentNumber: nr, RepresentationID: "0"})
			}
		}
	}

	s.fetcher.Close()
	s.state = StateFinished
	s.logger.Info("client stopped",
		"consumed", s.consumed,
		"stalls", s.stall.Stalls(),
		"startup_delay", s.stall.StartupDelay(),
	)
}

// State returns the download scheduler state.
func (s *Scheduler) State() State { return s.state }

// Err returns the error that ended the client early, if any.
func (s *Scheduler) Err() error { return s.err }

// Buffer returns the playback buffer.
func (s *Scheduler) Buffer() *player.Buffer { return s.buffer }

// Stall returns the stall tracker.
func (s *Scheduler) Stall() *StallTracker { return s.stall }

// Representations returns the representations left after filtering.
func (s *Scheduler) Representations() []*representation.Representation { return s.reps }

// StartRepresentation returns the selected start representation, or nil
// before the manifest was parsed.
func (s *Scheduler) StartRepresentation() *representation.Representation { return s.startRep }

// InitSegments returns the init segments downloaded so far.
func (s *Scheduler) InitSegments() []string { return s.inits }

// Stats returns a summary of the run so far.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		UserID:           s.config.UserID,
		State:            s.state,
		StartupDelay:     s.stall.StartupDelay(),
		Stalls:           s.stall.Stalls(),
		TotalFreeze:      s.stall.TotalFreeze(),
		Consumed:         s.consumed,
		Fetched:          s.fetched,
		BytesDownloaded:  s.bytes,
		PlaybackFinished: s.playbackDone,
		Err:              s.err,
	}
	if s.startRep != nil {
		st.StartRepresentation = s.startRep.ID
	}
	return st
}

func (s *Scheduler) fail(err error) {
	s.logger.Error("client failed", "error", err)
	s.err = err
	s.state = StateFinished
	s.downloadTimer.Cancel()
	s.playTimer.Cancel()
	s.fetcher.Close()
}

func (s *Scheduler) onManifest(res Result, err error) {
	if !s.running {
		return
	}
	if err != nil {
		s.fail(fmt.Errorf("failed to download manifest: %w", err))
		return
	}
	s.bytes += res.BodyBytes

	data, compressed := manifest.DecompressOrRaw(res.Body)
	if !compressed {
		s.logger.Debug("manifest was not compressed")
	}
	mpd, err := manifest.Parse(data)
	if err != nil {
		s.fail(err)
		return
	}
	if err := s.selectBaseURL(mpd.BaseURLs); err != nil {
		s.fail(err)
		return
	}
	set, err := mpd.FirstAdaptationSet()
	if err != nil {
		s.fail(err)
		return
	}

	s.filterRepresentations(set.ToRepresentations())
	if len(s.reps) == 0 {
		s.fail(ErrNoRepresentation)
		return
	}
	if err := s.checkBufferFits(); err != nil {
		s.fail(err)
		return
	}
	s.startRep = s.selectStart(res.Bitrate)

	if url, ok := set.InitSegment(); ok {
		s.initSegment = url
		s.initGlobal = true
	} else if s.startRep.InitURL != "" {
		s.initSegment = s.startRep.InitURL
	}

	s.logic.SetLastDownloadBitRate(res.Bitrate)
	s.logic.SetAvailableRepresentations(s.reps)
	s.mpdParsed = true

	s.logger.Debug("manifest parsed",
		"elapsed", res.Elapsed,
		"bitrate", res.Bitrate,
		"representations", len(s.reps),
		"start", s.startRep.ID,
		"layered", s.layered,
	)

	if s.initSegment == "" {
		s.state = StateFetchingSegment
		s.scheduleDownloadOfSegment()
	} else {
		s.state = StateFetchingInitSegment
		s.downloadTimer = s.sim.Schedule(initSegmentDelay, s.downloadInitSegment)
	}

	s.schedulePlay(s.config.StartupDelay)
}

// selectBaseURL picks one base URL at random and points the fetcher at its host.
func (s *Scheduler) selectBaseURL(urls []string) error {
	if len(urls) == 0 {
		return ErrNoBaseURL
	}
	url := urls[0]
	if len(urls) > 1 {
		url = urls[s.sim.Rand().Intn(len(urls))]
	}
	host, path, err := splitURL(url)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoBaseURL, err)
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	s.basePath = path
	s.fetcher.SetRemote(host, s.config.Port)
	return nil
}

// filterRepresentations drops representations the screen cannot show
// without forbidden scaling.
func (s *Scheduler) filterRepresentations(all []*representation.Representation) {
	w, h := s.config.ScreenWidth, s.config.ScreenHeight
	s.reps = s.reps[:0]
	s.layered = false
	for _, r := range all {
		if !s.config.AllowUpscale && r.Width < w && r.Height < h {
			continue
		}
		if !s.config.AllowDownscale && r.Width > w && r.Height > h {
			continue
		}
		if r.IsLayered() {
			s.layered = true
		}
		s.reps = append(s.reps, r)
	}
}

// checkBufferFits fails when even the shortest segment exceeds the buffer,
// since no download could ever be admitted.
func (s *Scheduler) checkBufferFits() error {
	shortest := s.reps[0].SegmentDuration
	for _, r := range s.reps[1:] {
		shortest = min(shortest, r.SegmentDuration)
	}
	if shortest > s.config.MaxBufferedSeconds {
		return fmt.Errorf("%w: %gs segments, %gs buffer", ErrBufferTooSmall, shortest, s.config.MaxBufferedSeconds)
	}
	return nil
}

// selectStart applies explicit id, then "lowest", then "auto", falling back
// to the first remaining representation.
func (s *Scheduler) selectStart(bitrate float64) *representation.Representation {
	lowest := s.reps[0]
	switch s.config.StartRepresentation {
	case StartLowest:
		return lowest
	case StartAuto:
		var best *representation.Representation
		for _, r := range s.reps {
			if bitrate > float64(r.Bandwidth) && (best == nil || r.Bandwidth > best.Bandwidth) {
				best = r
			}
		}
		if best != nil {
			return best
		}
		return lowest
	default:
		for _, r := range s.reps {
			if r.ID == s.config.StartRepresentation {
				return r
			}
		}
		s.logger.Warn("start representation not found, using lowest", "id", s.config.StartRepresentation)
		return lowest
	}
}

func (s *Scheduler) downloadInitSegment() {
	s.fetcher.Stop()
	if err := s.fetcher.Get(s.basePath+s.initSegment, false, s.onFile); err != nil {
		s.logger.Warn("failed to request init segment", "error", err)
		s.state = StateFetchingSegment
		s.scheduleDownloadOfSegment()
	}
}

func (s *Scheduler) scheduleDownloadOfSegment() {
	s.downloadTimer.Cancel()
	s.downloadTimer = s.sim.Schedule(segmentDelay, s.downloadSegment)
}

func (s *Scheduler) downloadSegment() {
	s.requested = nil
	d := s.logic.NextSegment()
	switch d.Status {
	case player.StatusExhausted:
		s.logger.Debug("no more segments available for download")
		s.allDownloaded = true
		s.state = StateFinished
	case player.StatusNotReady:
		s.state = StateIdle
		s.downloadTimer = s.sim.Schedule(s.config.IdleRetry, s.downloadSegment)
	default:
		s.requested = &d
		s.attempts = 0
		s.fetchRequested()
	}
}

func (s *Scheduler) fetchRequested() {
	s.state = StateFetchingSegment
	s.attempts++
	s.fetcher.Stop()
	if err := s.fetcher.Get(s.basePath+s.requested.Segment.URL, false, s.onFile); err != nil {
		s.onFile(Result{}, err)
	}
}

func (s *Scheduler) onFile(res Result, err error) {
	if !s.running {
		return
	}

	if s.state == StateFetchingInitSegment {
		if err != nil {
			s.logger.Warn("init segment download failed", "error", err)
		} else {
			s.bytes += res.BodyBytes
			if s.initGlobal {
				s.inits = append(s.inits, globalInitSegment)
			} else {
				s.inits = append(s.inits, s.startRep.ID)
			}
		}
		s.state = StateFetchingSegment
		s.scheduleDownloadOfSegment()
		return
	}

	if s.requested == nil {
		return
	}
	if err != nil {
		s.metrics.IncErrors()
		if s.attempts < maxSegmentAttempts {
			s.logger.Warn("segment download failed, retrying", "segment", s.requested.Segment, "attempt", s.attempts, "error", err)
			s.downloadTimer = s.sim.Schedule(s.config.IdleRetry, s.fetchRequested)
			return
		}
		s.logger.Error("giving up on segment", "segment", s.requested.Segment, "error", err)
		s.scheduleDownloadOfSegment()
		return
	}

	s.bytes += res.BodyBytes
	s.fetched++
	s.metrics.IncSegmentsFetched()
	s.logic.SetLastDownloadBitRate(res.Bitrate)
	s.admit(*s.requested, res.Bitrate)
}

// admit stores a downloaded segment, retrying while the buffer is full.
// Nothing else is downloaded in the meantime.
func (s *Scheduler) admit(d player.Decision, bitrate float64) {
	if !s.running {
		return
	}
	nr, rep := d.Segment.Number, d.Representation
	if !s.buffer.EnoughSpace(nr, rep, s.layered) {
		s.admissionTimer = s.sim.Schedule(time.Second, func() { s.admit(d, bitrate) })
		return
	}
	if s.buffer.AddToBuffer(nr, rep, bitrate, s.layered) {
		s.logger.Debug("segment accepted for buffering", "segment", nr, "rep", rep.ID, "level", s.buffer.BufferLevel())
	} else {
		s.logger.Debug("segment rejected for buffering", "segment", nr, "rep", rep.ID)
	}
	s.state = StateFetchingSegment
	s.scheduleDownloadOfSegment()
}

func (s *Scheduler) schedulePlay(after time.Duration) {
	s.playTimer.Cancel()
	s.playTimer = s.sim.Schedule(after, s.doPlay)
}

func (s *Scheduler) doPlay() {
	played := s.consume()
	switch {
	case played > 0:
		s.schedulePlay(sim.Seconds(played))
	case s.allDownloaded:
		s.playbackDone = true
		s.logger.Info("playback finished",
			"consumed", s.consumed,
			"stalls", s.stall.Stalls(),
			"startup_delay", s.stall.StartupDelay(),
		)
		s.fetcher.Close()
	default:
		s.schedulePlay(s.config.StallRetry)
		s.abortLayeredDownload()
	}
}

// abortLayeredDownload gives up on an in-flight enhancement layer when the
// buffer ran dry and the strategy's minimum level is not met.
func (s *Scheduler) abortLayeredDownload() {
	if s.requested == nil || s.allDownloaded || !s.requested.Representation.IsLayered() {
		return
	}
	if s.logic.HasMinBufferLevel(s.requested.Representation) {
		return
	}
	s.logger.Debug("aborting layered download", "rep", s.requested.Representation.ID)
	s.fetcher.Stop()
	s.admissionTimer.Cancel()
	s.logic.SetLastDownloadBitRate(0)
	s.scheduleDownloadOfSegment()
}

// consume plays one segment and returns its duration, or zero if nothing
// could be played.
func (s *Scheduler) consume() float64 {
	if s.buffer.BufferLevel() == 0 && s.allDownloaded {
		return 0
	}
	now := s.sim.Now()
	e := s.buffer.ConsumeFromBuffer()
	if e.Empty() {
		s.stall.OnEmpty(now)
		return 0
	}

	stall := s.stall.OnConsume(now)
	s.record(trace.PlaybackRecord{
		SegmentNumber:    e.SegmentNumber,
		RepresentationID: e.RepresentationID,
		Bitrate:          e.Bitrate,
		BufferLevel:      s.buffer.BufferLevel(),
		Stall:            stall,
		DependencyIDs:    e.DependencyIDs,
	})
	s.consumed++
	s.played[e.SegmentNumber] = true
	s.metrics.IncSegmentsConsumed()
	return e.Duration
}

func (s *Scheduler) record(r trace.PlaybackRecord) {
	if s.sink == nil {
		return
	}
	r.Time = s.sim.Now()
	r.Node = s.node.Name()
	r.UserID = s.config.UserID
	r.VideoID = s.config.VideoID
	s.sink.RecordPlayback(r)
}
