package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/agleyzer/dashsim/internal/registry"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestManager_NewManager(t *testing.T) {
	logger := createTestLogger()

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: false,
		},
		{
			name: "missing raft-id",
			config: Config{
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing bind-addr",
			config: Config{
				RaftID: "node1",
				Peers:  []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing peers",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
			},
			wantErr: true,
		},
		{
			name: "invalid bind-addr",
			config: Config{
				RaftID:   "node1",
				BindAddr: "invalid",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "bind not among peers",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9001",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "negative batch size",
			config: Config{
				RaftID:    "node1",
				BindAddr:  "127.0.0.1:9000",
				Peers:     []string{"127.0.0.1:9000"},
				BatchSize: -1,
			},
			wantErr: true,
		},
		{
			name: "invalid peer",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000", "nope"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.config, registry.New(""), logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateDefaults(t *testing.T) {
	config := Config{
		RaftID:   "node1",
		BindAddr: "127.0.0.1:9000",
		Peers:    []string{"127.0.0.1:9000"},
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if config.ApplyTimeout != defaultApplyTimeout {
		t.Errorf("ApplyTimeout = %v, want %v", config.ApplyTimeout, defaultApplyTimeout)
	}
	if config.BatchSize != defaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", config.BatchSize, defaultBatchSize)
	}
	if config.HeartbeatTimeout != time.Second || config.SnapshotThreshold != 8192 {
		t.Errorf("timing defaults not applied: %+v", config)
	}
}

func TestManager_PublishBeforeStart(t *testing.T) {
	manager, err := NewManager(Config{
		RaftID:   "node1",
		BindAddr: "127.0.0.1:9000",
		Peers:    []string{"127.0.0.1:9000"},
	}, registry.New(""), createTestLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	p := NewPublication()
	p.AddBlob("/a", []byte("x"))
	if err := manager.Publish(p); err == nil {
		t.Error("Publish() before Start should fail")
	}
	if manager.State() != "NotStarted" {
		t.Errorf("State() = %q, want NotStarted", manager.State())
	}
	if manager.IsLeader() {
		t.Error("IsLeader() should be false before Start")
	}
}

func TestManager_StartAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	config := Config{
		RaftID:            "node1",
		BindAddr:          "127.0.0.1:0",
		Peers:             []string{"127.0.0.1:0"},
		HeartbeatTimeout:  100 * time.Millisecond,
		ElectionTimeout:   100 * time.Millisecond,
		SnapshotInterval:  1 * time.Hour,
		SnapshotThreshold: 10000,
	}

	manager, err := NewManager(config, registry.New(""), createTestLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if manager.State() == "NotStarted" {
		t.Error("Manager should be started")
	}
	if err := manager.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	if err := manager.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := manager.Shutdown(); err != nil {
		t.Errorf("Second Shutdown() error = %v", err)
	}
	if err := manager.Reset("test"); err == nil {
		t.Error("Reset() after Shutdown should fail")
	}
}

func TestManager_PublishAndReset(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	reg := registry.New("")
	manager := createTestCluster(t, []*registry.Registry{reg}, 20000)[0]
	defer manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.WaitForLeader(ctx); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}

	p := NewPublication()
	for i := 0; i < defaultBatchSize+3; i++ {
		if err := p.AddVirtual(fmt.Sprintf("/content/segments/vid1/repr_a_seg_%d.264", i), int64(1000+i)); err != nil {
			t.Fatalf("AddVirtual() error = %v", err)
		}
	}
	p.AddBlob("/content/mpds/vid1.mpd.gz", []byte("manifest"))

	if err := manager.Publish(p); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	stats := reg.Stats()
	if stats.Virtual != defaultBatchSize+3 {
		t.Errorf("Virtual = %d, want %d", stats.Virtual, defaultBatchSize+3)
	}
	if stats.Blobs != 1 {
		t.Errorf("Blobs = %d, want 1", stats.Blobs)
	}
	if size, ok := reg.Size("/content/segments/vid1/repr_a_seg_2.264"); !ok || size != 1002 {
		t.Errorf("Size() = %d, %v, want 1002, true", size, ok)
	}
	if data, ok := reg.Blob("/content/mpds/vid1.mpd.gz"); !ok || string(data) != "manifest" {
		t.Errorf("Blob() = %q, %v", data, ok)
	}

	if err := manager.Reset("test"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if n := len(reg.Paths()); n != 0 {
		t.Errorf("Paths() after Reset = %d entries, want 0", n)
	}
}

func TestManager_ReplicatesToFollowers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	regs := []*registry.Registry{registry.New(""), registry.New(""), registry.New("")}
	managers := createTestCluster(t, regs, 20100)
	for _, m := range managers {
		defer m.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var leader *Manager
	for leader == nil {
		if ctx.Err() != nil {
			t.Fatal("no leader elected")
		}
		for _, m := range managers {
			if m.IsLeader() {
				leader = m
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	p := NewPublication()
	p.AddVirtual("/seg.264", 4242)
	if err := leader.Publish(p); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for i, reg := range regs {
		deadline := time.Now().Add(5 * time.Second)
		for !reg.IsVirtual("/seg.264") && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		if size, ok := reg.Size("/seg.264"); !ok || size != 4242 {
			t.Errorf("node %d: Size() = %d, %v, want 4242, true", i, size, ok)
		}
	}
}

// createTestCluster creates one started manager per registry.
func createTestCluster(t *testing.T, regs []*registry.Registry, basePort int) []*Manager {
	t.Helper()

	peers := make([]string, len(regs))
	for i := range regs {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}

	managers := make([]*Manager, len(regs))
	for i, reg := range regs {
		config := Config{
			RaftID:            peers[i],
			BindAddr:          peers[i],
			Peers:             peers,
			HeartbeatTimeout:  100 * time.Millisecond,
			ElectionTimeout:   100 * time.Millisecond,
			SnapshotInterval:  1 * time.Hour,
			SnapshotThreshold: 10000,
		}

		manager, err := NewManager(config, reg, createTestLogger())
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if err := manager.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		managers[i] = manager
	}

	return managers
}
