// Package server implements the simulated content server: a listener on a
// network node that answers GET requests for synthesized DASH content.
package server

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agleyzer/dashsim/internal/catalog"
	"github.com/agleyzer/dashsim/internal/manifest"
	"github.com/agleyzer/dashsim/internal/metrics"
	"github.com/agleyzer/dashsim/internal/netsim"
	"github.com/agleyzer/dashsim/internal/registry"
	"github.com/agleyzer/dashsim/internal/sim"
)

const (
	// DefaultPort is the port the server listens on.
	DefaultPort = 80
	// DefaultReportInterval is the throughput reporting period.
	DefaultReportInterval = time.Second
)

// Config holds server settings.
type Config struct {
	// Port to listen on
	Port int
	// CatalogFiles are imported in order as video ids 1..N
	CatalogFiles []string
	// Manifest controls hostnames and directories of published content
	Manifest manifest.Config
	// ReportInterval is the throughput reporting period
	ReportInterval time.Duration
}

// Validate fills in defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.ReportInterval < 0 {
		return fmt.Errorf("report interval must be positive, got %s", c.ReportInterval)
	}
	return c.Manifest.Validate()
}

// ThroughputSink receives periodic transfer statistics.
type ThroughputSink interface {
	RecordThroughput(now time.Duration, node string, txBytes, rxBytes int64, openConnections int)
}

// Server accepts connections on a network node and serves registry content.
type Server struct {
	config   Config
	net      *netsim.Network
	node     *netsim.Node
	registry *registry.Registry
	synth    *manifest.Synthesizer
	metrics  *metrics.Metrics
	sink     ThroughputSink
	logger   *slog.Logger

	mu        sync.Mutex
	conns     map[uint64]*Handler
	nextID    uint64
	accepted  uint64
	published []*manifest.Published

	running bool
	report  sim.EventID
	lastTx  int64
	lastRx  int64
}

// New creates a server on node. sink and m may be nil.
func New(net *netsim.Network, node *netsim.Node, reg *registry.Registry, config Config, m *metrics.Metrics, sink ThroughputSink, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if config.Manifest.Host == manifest.DefaultHost {
		config.Manifest.Host = node.Name()
	}

	synth, err := manifest.NewSynthesizer(config.Manifest, net.Simulator().Rand(), logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:   config,
		net:      net,
		node:     node,
		registry: reg,
		synth:    synth,
		metrics:  m,
		sink:     sink,
		logger:   logger.With("server", node.Name()),
		conns:    make(map[uint64]*Handler),
	}, nil
}

// Start imports the configured catalogs, starts listening and schedules
// throughput reports. A catalog that cannot be read or a port that is taken
// is returned as an error.
func (s *Server) Start() error {
	if s.running {
		return fmt.Errorf("server already started")
	}

	for i, path := range s.config.CatalogFiles {
		c, err := catalog.Load(path)
		if err != nil {
			return fmt.Errorf("failed to import catalog: %w", err)
		}
		if _, err := s.Publish(c, i+1); err != nil {
			return err
		}
	}

	if err := s.net.Listen(s.node, s.config.Port, s.accept); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.running = true
	s.lastTx = s.node.TxBytes()
	s.lastRx = s.node.RxBytes()
	s.scheduleReport()

	s.logger.Info("content server started",
		"port", s.config.Port,
		"videos", len(s.published),
	)
	return nil
}

// Publish synthesizes c as videoID and registers its content.
func (s *Server) Publish(c *catalog.Catalog, videoID int) (*manifest.Published, error) {
	pub, err := s.synth.Publish(c, videoID, s.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to publish video %d: %w", videoID, err)
	}
	s.mu.Lock()
	s.published = append(s.published, pub)
	s.mu.Unlock()
	return pub, nil
}

// Stop cancels the report timer, stops accepting and aborts live handlers.
func (s *Server) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.report.Cancel()
	s.net.Unlisten(s.node, s.config.Port)

	s.mu.Lock()
	handlers := make([]*Handler, 0, len(s.conns))
	for _, h := range s.conns {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].ID() < handlers[j].ID() })
	for _, h := range handlers {
		h.Abort()
	}
	s.logger.Info("content server stopped", "accepted", s.Accepted())
}

// Registry returns the registry the server resolves requests against.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Synthesizer returns the synthesizer used to publish catalogs.
func (s *Server) Synthesizer() *manifest.Synthesizer {
	return s.synth
}

// ManifestURL returns the absolute manifest URL of a published video.
func (s *Server) ManifestURL(videoID int) string {
	return s.synth.ManifestURL(videoID)
}

// Published returns what was published so far, in video id order.
func (s *Server) Published() []*manifest.Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*manifest.Published, len(s.published))
	copy(out, s.published)
	return out
}

// OpenConnections returns the number of live handlers.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) accept(c *netsim.Conn) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.accepted++
	h := NewHandler(id, c, s.registry, s.metrics, s.release, s.logger)
	s.conns[id] = h
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	s.logger.Debug("accepted connection", "conn", id, "peer", c.RemoteNode().Name())

	c.SetHandler(netsim.HandlerFunc(func(_ *netsim.Conn, ev netsim.Event) {
		switch e := ev.(type) {
		case netsim.DataReceived:
			h.OnData(e.Data)
		case netsim.SendReady:
			h.OnSendReady()
		case netsim.PeerClosed:
			h.OnPeerClosed()
		case netsim.Closed:
			h.Abort()
		}
	}))
}

func (s *Server) release(id uint64) {
	s.mu.Lock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if ok {
		s.metrics.ConnectionClosed()
	}
}

func (s *Server) scheduleReport() {
	s.report = s.net.Simulator().Schedule(s.config.ReportInterval, s.reportStats)
}

// reportStats emits the byte counter deltas since the previous report.
func (s *Server) reportStats() {
	if !s.running {
		return
	}
	tx, rx := s.node.TxBytes(), s.node.RxBytes()
	open := s.OpenConnections()
	if s.sink != nil {
		s.sink.RecordThroughput(s.net.Simulator().Now(), s.node.Name(), tx-s.lastTx, rx-s.lastRx, open)
	}
	s.lastTx, s.lastRx = tx, rx
	s.scheduleReport()
}
