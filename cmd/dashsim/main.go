// The dashsim command simulates DASH clients streaming from a content server
// over a modeled network, or serves the synthesized content over real HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agleyzer/dashsim/internal/catalog"
	"github.com/agleyzer/dashsim/internal/cluster"
	"github.com/agleyzer/dashsim/internal/config"
	"github.com/agleyzer/dashsim/internal/gateway"
	"github.com/agleyzer/dashsim/internal/manifest"
	"github.com/agleyzer/dashsim/internal/metrics"
	"github.com/agleyzer/dashsim/internal/registry"
	"github.com/agleyzer/dashsim/internal/scenario"
)

const (
	version = "1.0.0"
)

type options struct {
	configPath  string
	envFile     string
	summaryPath string
	serve       bool
	port        int
	verbose     bool
	raftID      string
	raftBind    string
	raftPeers   string
	raftLog     string
}

func main() {
	var (
		opts        options
		showVersion bool
	)
	flag.StringVar(&opts.configPath, "config", "", "Scenario configuration file (YAML)")
	flag.StringVar(&opts.envFile, "env-file", ".env", "Optional .env file with DASHSIM_* overrides")
	flag.StringVar(&opts.summaryPath, "summary", "", "Write the run summary as YAML to this file")
	flag.BoolVar(&opts.serve, "serve", false, "Serve the synthesized content over HTTP instead of simulating")
	flag.IntVar(&opts.port, "port", 0, "HTTP gateway port (overrides gateway.port)")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.StringVar(&opts.raftID, "raft-id", "", "Raft node ID (enables clustering with --serve)")
	flag.StringVar(&opts.raftBind, "raft-bind", "", "Raft bind address (host:port)")
	flag.StringVar(&opts.raftPeers, "raft-peers", "", "Comma-separated Raft peer addresses, including this node")
	flag.StringVar(&opts.raftLog, "raft-log-level", "", "Raft log level (trace, debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "DashSim - DASH Streaming Simulator v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
		fmt.Fprintf(os.Stderr, "  DASHSIM_<SECTION>_<KEY>   overrides a config value, e.g. DASHSIM_CLIENTS_COUNT=10\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config scenario.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config scenario.yaml --summary run.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config scenario.yaml --serve --port 8080\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config scenario.yaml --serve --raft-id node1 --raft-bind 127.0.0.1:7001 \\\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "      --raft-peers 127.0.0.1:7001,127.0.0.1:7002,127.0.0.1:7003\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("DashSim v%s\n", version)
		os.Exit(0)
	}

	if opts.port != 0 && (opts.port < 1 || opts.port > 65535) {
		fmt.Fprintf(os.Stderr, "Error: port must be between 1 and 65535\n")
		os.Exit(1)
	}

	cfg, err := config.Load(opts.configPath, opts.envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if opts.port != 0 {
		cfg.Gateway.Port = opts.port
	}

	logger := newLogger(cfg.Log, opts.verbose)
	logger.Info("DashSim starting", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("DashSim stopped")
}

func newLogger(lc config.LogConfig, verbose bool) *slog.Logger {
	level := lc.Level
	if verbose {
		level = "debug"
	}
	return config.NewLogger(level, lc.Format)
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	if opts.serve {
		return serve(ctx, cfg, opts, logger)
	}
	return simulate(ctx, cfg, opts.summaryPath, logger)
}

// simulate runs the configured scenario to completion.
func simulate(ctx context.Context, cfg *config.Config, summaryPath string, logger *slog.Logger) error {
	sc, err := scenario.New(*cfg, metrics.New(), logger)
	if err != nil {
		return fmt.Errorf("failed to build scenario: %w", err)
	}

	summary, err := sc.Run(ctx)
	if summary != nil {
		for _, c := range summary.Clients {
			logger.Info("client result",
				"user", c.UserID,
				"state", c.State,
				"consumed", c.Consumed,
				"stalls", c.Stalls,
				"total_freeze", c.TotalFreeze,
				"startup_delay", c.StartupDelay,
			)
		}
		if summaryPath != "" {
			if werr := summary.WriteFile(summaryPath); werr != nil {
				return werr
			}
			logger.Info("summary written", "path", summaryPath)
		}
	}
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	return nil
}

// serve publishes the configured catalogs and runs the HTTP gateway until
// ctx is cancelled. With raft flags the leader replicates its publication
// to every replica.
func serve(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	reg := registry.New(cfg.Server.ContentRoot)
	m := metrics.New()
	gw := gateway.New(reg, cfg.Gateway.Port, m, logger)

	synth, err := manifest.NewSynthesizer(manifest.Config{
		Host:        fmt.Sprintf("localhost:%d", cfg.Gateway.Port),
		SegmentDir:  cfg.Server.SegmentDir,
		ManifestDir: cfg.Server.ManifestDir,
	}, rand.New(rand.NewSource(cfg.Seed)), logger)
	if err != nil {
		return err
	}

	if opts.raftID == "" {
		if err := publishCatalogs(synth, cfg.Server.Catalogs, reg); err != nil {
			return err
		}
	} else {
		manager, err := cluster.NewManager(cluster.Config{
			RaftID:   opts.raftID,
			BindAddr: opts.raftBind,
			Peers:    parsePeers(opts.raftPeers),
			LogLevel: opts.raftLog,
		}, reg, logger)
		if err != nil {
			return fmt.Errorf("failed to create cluster: %w", err)
		}
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer manager.Shutdown()

		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = manager.WaitForLeader(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("no cluster leader: %w", err)
		}

		if manager.IsLeader() {
			pub := cluster.NewPublication()
			if err := publishCatalogs(synth, cfg.Server.Catalogs, pub); err != nil {
				return err
			}
			if err := manager.Reset("republish"); err != nil {
				return err
			}
			if err := manager.Publish(pub); err != nil {
				return fmt.Errorf("failed to replicate content: %w", err)
			}
		} else {
			logger.Info("following cluster leader", "leader", manager.LeaderAddr())
		}
		gw.SetCluster(manager)
	}

	for i := range cfg.Server.Catalogs {
		logger.Info("content ready",
			"manifest", synth.ManifestURL(i+1),
			"health", fmt.Sprintf("http://localhost:%d/health", cfg.Gateway.Port),
		)
	}

	return gw.Start(ctx)
}

// publishCatalogs synthesizes every catalog as video ids 1..N into reg.
func publishCatalogs(synth *manifest.Synthesizer, paths []string, reg manifest.Registrar) error {
	for i, path := range paths {
		c, err := catalog.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
		if _, err := synth.Publish(c, i+1, reg); err != nil {
			return fmt.Errorf("failed to publish %s: %w", path, err)
		}
	}
	return nil
}

// parsePeers splits a comma-separated peer list, dropping blanks.
func parsePeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
