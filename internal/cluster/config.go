package cluster

import (
	"fmt"
	"io"
	"net"
	"slices"
	"time"
)

const (
	defaultApplyTimeout = 5 * time.Second
	defaultBatchSize    = 512
)

// Config describes one content replica in a raft group.
type Config struct {
	// RaftID names this replica in logs and health output.
	RaftID string
	// BindAddr is the raft transport address (host:port). It is also the
	// raft server ID, so it must appear in Peers.
	BindAddr string
	// Peers lists every replica's raft address, this one included.
	Peers []string

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64

	// ApplyTimeout bounds each replicated registration.
	ApplyTimeout time.Duration
	// BatchSize is the number of virtual segments carried by one command.
	BatchSize int

	// LogLevel is the raft log level (trace, debug, info, warn, error).
	// Empty silences raft.
	LogLevel string
	// LogOutput receives raft logs. Defaults to stderr.
	LogOutput io.Writer
}

// Validate checks addresses and fills in timing and batching defaults.
func (c *Config) Validate() error {
	if c.RaftID == "" {
		return fmt.Errorf("raft-id is required")
	}
	if c.BindAddr == "" {
		return fmt.Errorf("raft-bind is required")
	}
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("invalid raft-bind address %q: %w", c.BindAddr, err)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("at least one peer is required")
	}
	for i, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("invalid peer address %d %q: %w", i, peer, err)
		}
	}
	if !slices.Contains(c.Peers, c.BindAddr) {
		return fmt.Errorf("raft-bind %q is not listed in raft-peers", c.BindAddr)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative")
	}

	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = time.Second
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 120 * time.Second
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 8192
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = defaultApplyTimeout
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}

	return nil
}
