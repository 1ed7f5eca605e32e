package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// Manager manages a Raft cluster replicating the content registry.
type Manager struct {
	config    Config
	raft      *raft.Raft
	fsm       *RegistryFSM
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool
}

// NewManager creates a cluster manager applying replicated commands to target.
func NewManager(config Config, target Target, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		config:   config,
		fsm:      NewRegistryFSM(target, logger),
		logger:   logger,
		shutdown: false,
	}, nil
}

// Start joins the replica to its raft group. Every replica bootstraps with
// the same peer list; raft ignores the bootstrap once a group exists.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	// Registry contents are rebuilt from catalogs on every start, so raft
	// state lives in memory only.
	r, err := raft.NewRaft(m.raftConfig(), m.fsm,
		raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.transport = transport
	m.raft = r

	if err := r.BootstrapCluster(m.bootstrapConfiguration()).Error(); err != nil && err != raft.ErrCantBootstrap {
		m.logger.Warn("raft bootstrap failed", "error", err)
	}

	m.logger.Info("content replica started",
		"node_id", m.config.RaftID,
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers))
	return nil
}

func (m *Manager) raftConfig() *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(m.config.BindAddr)
	rc.HeartbeatTimeout = m.config.HeartbeatTimeout
	rc.ElectionTimeout = m.config.ElectionTimeout
	rc.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	rc.SnapshotInterval = m.config.SnapshotInterval
	rc.SnapshotThreshold = m.config.SnapshotThreshold
	rc.Logger = newHCLogger(m.config.LogOutput, m.config.LogLevel)
	return rc
}

// bootstrapConfiguration makes every peer a voter, identified by its address.
func (m *Manager) bootstrapConfiguration() raft.Configuration {
	servers := make([]raft.Server, len(m.config.Peers))
	for i, peer := range m.config.Peers {
		servers[i] = raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		}
	}
	return raft.Configuration{Servers: servers}
}

// Publish replicates the recorded resources. Virtual resources are sent in
// batches of at most Config.BatchSize entries; every blob is its own command.
func (m *Manager) Publish(p *Publication) error {
	virtual := p.Virtual()
	batch := m.config.BatchSize
	for start := 0; start < len(virtual); start += batch {
		end := start + batch
		if end > len(virtual) {
			end = len(virtual)
		}
		cmd := Command{
			Type: CommandRegisterVirtual,
			Data: RegisterVirtualCommand{Entries: virtual[start:end]},
		}
		if err := m.apply(cmd); err != nil {
			return err
		}
	}

	for _, b := range p.Blobs() {
		cmd := Command{
			Type: CommandRegisterBlob,
			Data: b,
		}
		if err := m.apply(cmd); err != nil {
			return err
		}
	}

	m.logger.Info("published content", "virtual", len(virtual), "blobs", len(p.Blobs()))
	return nil
}

// Reset clears the replicated registry on every node.
func (m *Manager) Reset(reason string) error {
	return m.apply(Command{Type: CommandReset, Data: ResetCommand{Reason: reason}})
}

func (m *Manager) apply(cmd Command) error {
	m.mu.RLock()
	closed, r := m.shutdown, m.raft
	m.mu.RUnlock()

	if closed {
		return fmt.Errorf("cluster is shut down")
	}

	if r == nil {
		return fmt.Errorf("cluster not started")
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := r.Apply(data, m.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return fmt.Errorf("apply command: %w", resp)
	}

	return nil
}

// current returns the running raft instance, or nil before Start.
func (m *Manager) current() *raft.Raft {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.raft
}

// IsLeader reports whether this replica may publish content.
func (m *Manager) IsLeader() bool {
	r := m.current()
	return r != nil && r.State() == raft.Leader
}

// LeaderAddr returns the raft address of the publishing replica, or "" while
// no leader is known.
func (m *Manager) LeaderAddr() string {
	r := m.current()
	if r == nil {
		return ""
	}
	addr, _ := r.LeaderWithID()
	return string(addr)
}

// State returns the raft role of this replica for health reporting.
func (m *Manager) State() string {
	r := m.current()
	if r == nil {
		return "NotStarted"
	}
	return r.State().String()
}

// NodeID returns the replica name given in the config.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown stops raft and its transport. Calling it again is a no-op.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}
	m.shutdown = true

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("content replica stopped", "node_id", m.config.RaftID)
	return nil
}

// WaitForLeader polls until some replica leads or ctx is done.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for m.LeaderAddr() == "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
