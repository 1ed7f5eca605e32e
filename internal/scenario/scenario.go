// Package scenario wires a complete simulation run: one content server, a
// set of streaming clients linked to it, trace files and a run summary.
package scenario

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/agleyzer/dashsim/internal/client"
	"github.com/agleyzer/dashsim/internal/config"
	"github.com/agleyzer/dashsim/internal/manifest"
	"github.com/agleyzer/dashsim/internal/metrics"
	"github.com/agleyzer/dashsim/internal/netsim"
	"github.com/agleyzer/dashsim/internal/player"
	"github.com/agleyzer/dashsim/internal/registry"
	"github.com/agleyzer/dashsim/internal/server"
	"github.com/agleyzer/dashsim/internal/sim"
	"github.com/agleyzer/dashsim/internal/trace"
)

// runStep is the simulated time advanced between context checks.
const runStep = time.Second

// Scenario owns every component of one simulation run.
type Scenario struct {
	config  config.Config
	runID   uuid.UUID
	metrics *metrics.Metrics
	logger  *slog.Logger

	sim        *sim.Simulator
	net        *netsim.Network
	serverNode *netsim.Node
	server     *server.Server
	registry   *registry.Registry
	links      []*netsim.Link
	clients    []*client.Scheduler
	clientErrs []error

	traces     *trace.Registry
	player     *trace.PlayerTracer
	throughput *trace.ThroughputTracer

	strategies *player.Strategies
	ran        bool
}

// New builds the network, server and clients described by cfg. Trace
// files are created here; they are closed by Run. m may be nil.
func New(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*Scenario, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario config: %w", err)
	}

	s := &Scenario{
		config:     cfg,
		runID:      uuid.New(),
		metrics:    m,
		logger:     logger,
		sim:        sim.New(cfg.Seed),
		registry:   registry.New(cfg.Server.ContentRoot),
		traces:     trace.NewRegistry(),
		strategies: player.NewStrategies(),
	}
	s.logger = logger.With("run", s.runID.String())

	if err := s.openTraces(); err != nil {
		s.traces.Close()
		return nil, err
	}
	if err := s.build(); err != nil {
		s.traces.Close()
		return nil, err
	}
	return s, nil
}

func (s *Scenario) tracePath(name string) string {
	if s.config.Trace.Dir == "" {
		return name
	}
	return filepath.Join(s.config.Trace.Dir, name)
}

func (s *Scenario) openTraces() error {
	tc := s.config.Trace
	if tc.Player == "" && tc.Throughput == "" {
		return nil
	}
	if tc.Dir != "" {
		if err := os.MkdirAll(tc.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create trace directory: %w", err)
		}
	}

	var err error
	if tc.Player != "" {
		if s.player, err = s.traces.OpenPlayer(s.tracePath(tc.Player)); err != nil {
			return err
		}
	}
	if tc.Throughput != "" {
		if s.throughput, err = s.traces.OpenThroughput(s.tracePath(tc.Throughput)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) build() error {
	cfg := s.config

	var err error
	s.net, err = netsim.New(s.sim, netsim.Config{MSS: cfg.Network.MSS, SendBuffer: cfg.Network.SendBuffer}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	if s.serverNode, err = s.net.AddNode(cfg.Server.Host); err != nil {
		return err
	}

	var sink server.ThroughputSink
	if s.throughput != nil {
		sink = s.throughput
	}
	s.server, err = server.New(s.net, s.serverNode, s.registry, server.Config{
		Port:         cfg.Server.Port,
		CatalogFiles: cfg.Server.Catalogs,
		Manifest: manifest.Config{
			Host:        cfg.Server.Host,
			SegmentDir:  cfg.Server.SegmentDir,
			ManifestDir: cfg.Server.ManifestDir,
		},
		ReportInterval: cfg.Server.ReportInterval,
	}, s.metrics, sink, s.logger)
	if err != nil {
		return err
	}

	var playback client.PlaybackSink
	if s.player != nil {
		playback = s.player
	}

	for i := 0; i < cfg.Clients.Count; i++ {
		node, err := s.net.AddNode(fmt.Sprintf("client-%d", i))
		if err != nil {
			return err
		}
		link, err := s.net.Connect(node, s.serverNode, cfg.Network.LinkRate, cfg.Network.LinkDelay)
		if err != nil {
			return fmt.Errorf("failed to link %s: %w", node.Name(), err)
		}
		s.links = append(s.links, link)

		sched, err := client.NewScheduler(s.net, node, s.strategies, s.clientConfig(i), playback, s.metrics,
			s.logger.With("client", node.Name()))
		if err != nil {
			return fmt.Errorf("failed to create client %d: %w", i, err)
		}
		s.clients = append(s.clients, sched)
	}
	s.clientErrs = make([]error, len(s.clients))
	return nil
}

func (s *Scenario) clientConfig(userID int) client.Config {
	cc := s.config.Clients
	c := client.DefaultConfig()
	c.ManifestURL = s.server.ManifestURL(cc.VideoID)
	c.VideoID = cc.VideoID
	c.UserID = userID
	c.ScreenWidth = cc.ScreenWidth
	c.ScreenHeight = cc.ScreenHeight
	c.MaxBufferedSeconds = cc.MaxBufferedSeconds
	c.AllowUpscale = cc.AllowUpscale
	c.AllowDownscale = cc.AllowDownscale
	c.AdaptationLogic = cc.AdaptationLogic
	c.StartRepresentation = cc.StartRepresentation
	c.StartupDelay = cc.StartupDelay
	c.TraceNotDownloaded = cc.TraceNotDownloaded
	c.Port = s.config.Server.Port
	return c
}

// Server returns the content server.
func (s *Scenario) Server() *server.Server { return s.server }

// Clients returns the client schedulers in user id order.
func (s *Scenario) Clients() []*client.Scheduler { return s.clients }

// Links returns the client links in user id order.
func (s *Scenario) Links() []*netsim.Link { return s.links }

// Simulator returns the simulation clock.
func (s *Scenario) Simulator() *sim.Simulator { return s.sim }

// RunID identifies this run in logs and the summary.
func (s *Scenario) RunID() uuid.UUID { return s.runID }

// Run starts the server, starts the clients and advances the simulation to
// the configured duration. Afterwards every application is stopped and the
// trace files are closed. Cancelling ctx ends the run early at the next
// simulated second.
func (s *Scenario) Run(ctx context.Context) (*Summary, error) {
	if s.ran {
		return nil, fmt.Errorf("scenario already ran")
	}
	s.ran = true

	if err := s.server.Start(); err != nil {
		s.traces.Close()
		return nil, err
	}

	for i, c := range s.clients {
		i, c := i, c
		s.sim.Schedule(time.Duration(i)*s.config.Clients.StartInterval, func() {
			if err := c.Start(); err != nil {
				s.logger.Error("client failed to start", "user", i, "error", err)
				s.clientErrs[i] = err
			}
		})
	}
	for _, rc := range s.config.Network.RateChanges {
		rc := rc
		s.sim.Schedule(rc.At, func() {
			s.logger.Info("changing link rate", "rate", rc.Rate)
			for _, l := range s.links {
				l.SetRate(rc.Rate)
			}
		})
	}

	s.logger.Info("simulation started",
		"clients", len(s.clients),
		"duration", s.config.Duration,
		"seed", s.config.Seed,
	)

	started := time.Now()
	end := s.config.Duration
	interrupted := false
	for now := time.Duration(0); now < end; {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		now += runStep
		if now > end {
			now = end
		}
		s.sim.RunUntil(now)
	}

	for _, c := range s.clients {
		c.Stop()
	}
	s.server.Stop()

	summary := s.summarize(interrupted)
	s.logger.Info("simulation finished",
		"simulated", s.sim.Now(),
		"wall_time", time.Since(started),
		"interrupted", interrupted,
	)

	if err := s.traces.Close(); err != nil {
		return summary, err
	}
	if interrupted {
		return summary, ctx.Err()
	}
	return summary, nil
}

// Summary is the outcome of one run.
type Summary struct {
	RunID       string          `yaml:"run_id"`
	Seed        int64           `yaml:"seed"`
	Simulated   time.Duration   `yaml:"simulated"`
	Interrupted bool            `yaml:"interrupted,omitempty"`
	Server      ServerSummary   `yaml:"server"`
	Clients     []ClientSummary `yaml:"clients"`
}

// ServerSummary reports server side totals.
type ServerSummary struct {
	Node        string `yaml:"node"`
	Accepted    uint64 `yaml:"accepted_connections"`
	TxBytes     int64  `yaml:"tx_bytes"`
	RxBytes     int64  `yaml:"rx_bytes"`
	VirtualSize int64  `yaml:"virtual_bytes"`
}

// ClientSummary reports one client's playback statistics.
type ClientSummary struct {
	UserID              int           `yaml:"user_id"`
	Node                string        `yaml:"node"`
	State               string        `yaml:"state"`
	StartRepresentation string        `yaml:"start_representation,omitempty"`
	StartupDelay        time.Duration `yaml:"startup_delay"`
	Stalls              int           `yaml:"stalls"`
	TotalFreeze         time.Duration `yaml:"total_freeze"`
	Consumed            int           `yaml:"consumed_segments"`
	Fetched             int           `yaml:"fetched_segments"`
	BytesDownloaded     int64         `yaml:"bytes_downloaded"`
	PlaybackFinished    bool          `yaml:"playback_finished"`
	Error               string        `yaml:"error,omitempty"`
}

func (s *Scenario) summarize(interrupted bool) *Summary {
	sum := &Summary{
		RunID:       s.runID.String(),
		Seed:        s.config.Seed,
		Simulated:   s.sim.Now(),
		Interrupted: interrupted,
		Server: ServerSummary{
			Node:        s.serverNode.Name(),
			Accepted:    s.server.Accepted(),
			TxBytes:     s.serverNode.TxBytes(),
			RxBytes:     s.serverNode.RxBytes(),
			VirtualSize: s.registry.Stats().VirtualSize,
		},
	}
	for i, c := range s.clients {
		st := c.Stats()
		cs := ClientSummary{
			UserID:              st.UserID,
			Node:                fmt.Sprintf("client-%d", i),
			State:               st.State.String(),
			StartRepresentation: st.StartRepresentation,
			StartupDelay:        st.StartupDelay,
			Stalls:              st.Stalls,
			TotalFreeze:         st.TotalFreeze,
			Consumed:            st.Consumed,
			Fetched:             st.Fetched,
			BytesDownloaded:     st.BytesDownloaded,
			PlaybackFinished:    st.PlaybackFinished,
		}
		err := st.Err
		if err == nil {
			err = s.clientErrs[i]
		}
		if err != nil {
			cs.Error = err.Error()
		}
		sum.Clients = append(sum.Clients, cs)
	}
	return sum
}

// WriteYAML encodes the summary to w.
func (sum *Summary) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return enc.Close()
}

// WriteFile writes the summary as YAML to path.
func (sum *Summary) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	if err := sum.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
