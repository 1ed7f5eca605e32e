package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/dashsim/internal/config"
	"github.com/agleyzer/dashsim/internal/manifest"
	"github.com/agleyzer/dashsim/internal/registry"
)

const testCatalog = `segmentDuration=2
numberOfSegments=5
reprId,screenWidth,screenHeight,bitrate
a,640,360,250
b,1280,720,1000
`

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.txt")
	if err := os.WriteFile(path, []byte(testCatalog), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	return path
}

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single", "127.0.0.1:7001", []string{"127.0.0.1:7001"}},
		{"several with spaces", "a:1, b:2 ,c:3", []string{"a:1", "b:2", "c:3"}},
		{"blank entries dropped", "a:1,,b:2,", []string{"a:1", "b:2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePeers(tt.in)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("parsePeers(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()

	logger := newLogger(config.LogConfig{Level: "warn", Format: "text"}, false)
	if logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("warn logger should not log info")
	}

	logger = newLogger(config.LogConfig{Level: "warn", Format: "json"}, true)
	if !logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("verbose logger should log debug")
	}
}

func TestPublishCatalogs(t *testing.T) {
	synth, err := manifest.NewSynthesizer(manifest.Config{Host: "localhost:8080"}, rand.New(rand.NewSource(1)), createTestLogger())
	if err != nil {
		t.Fatalf("NewSynthesizer() error = %v", err)
	}

	reg := registry.New("")
	if err := publishCatalogs(synth, []string{writeCatalog(t), writeCatalog(t)}, reg); err != nil {
		t.Fatalf("publishCatalogs() error = %v", err)
	}

	for _, path := range []string{"/content/mpds/vid1.mpd.gz", "/content/mpds/vid2.mpd.gz"} {
		if _, ok := reg.Blob(path); !ok {
			t.Errorf("manifest %s not registered", path)
		}
	}
	if got := reg.Stats().Virtual; got != 2*2*5 {
		t.Errorf("virtual segments = %d, want 20", got)
	}

	err = publishCatalogs(synth, []string{filepath.Join(t.TempDir(), "missing.txt")}, reg)
	if err == nil {
		t.Error("expected error for missing catalog")
	}
}

func TestSimulate_WritesSummary(t *testing.T) {
	cfg := &config.Config{
		Seed:     1,
		Duration: 20 * time.Second,
		Network:  config.NetworkConfig{LinkRate: 4_000_000, LinkDelay: 5 * time.Millisecond},
		Server: config.ServerConfig{
			Host:           "server",
			Port:           80,
			Catalogs:       []string{writeCatalog(t)},
			SegmentDir:     "/content/segments/",
			ManifestDir:    "/content/mpds/",
			ReportInterval: time.Second,
		},
		Clients: config.ClientsConfig{
			Count:               1,
			VideoID:             1,
			ScreenWidth:         1920,
			ScreenHeight:        1080,
			MaxBufferedSeconds:  30,
			AllowUpscale:        true,
			AdaptationLogic:     "rate",
			StartRepresentation: "lowest",
			StartupDelay:        2 * time.Second,
		},
		Gateway: config.GatewayConfig{Port: 8080},
		Log:     config.LogConfig{Level: "error", Format: "text"},
	}

	summaryPath := filepath.Join(t.TempDir(), "summary.yaml")
	if err := simulate(context.Background(), cfg, summaryPath, createTestLogger()); err != nil {
		t.Fatalf("simulate() error = %v", err)
	}

	data, err := os.ReadFile(summaryPath)
	if err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	for _, want := range []string{"run_id:", "consumed_segments: 5", "playback_finished: true"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("summary missing %q:\n%s", want, data)
		}
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := &config.Config{
		Seed: 1,
		Server: config.ServerConfig{
			Catalogs:    []string{writeCatalog(t)},
			SegmentDir:  "/content/segments/",
			ManifestDir: "/content/mpds/",
		},
		Gateway: config.GatewayConfig{Port: 0},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, options{}, createTestLogger()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
