// Package cluster replicates content registrations across gateway replicas
// with Raft, so every replica serves the same manifests and segments.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/dashsim/internal/registry"
)

func init() {
	gob.Register(RegisterVirtualCommand{})
	gob.Register(RegisterBlobCommand{})
	gob.Register(ResetCommand{})
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandRegisterVirtual adds sized-only resources.
	CommandRegisterVirtual CommandType = 1
	// CommandRegisterBlob adds one in-memory resource.
	CommandRegisterBlob CommandType = 2
	// CommandReset drops every registration.
	CommandReset CommandType = 3
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// VirtualEntry is one sized-only resource.
type VirtualEntry struct {
	Path string
	Size int64
}

// RegisterVirtualCommand registers a batch of virtual resources.
type RegisterVirtualCommand struct {
	Entries []VirtualEntry
}

// RegisterBlobCommand registers one in-memory resource.
type RegisterBlobCommand struct {
	Path string
	Data []byte
}

// ResetCommand clears the registry.
type ResetCommand struct {
	Reason string
}

// Target is the registry the FSM applies commands to.
type Target interface {
	AddVirtual(path string, size int64) error
	AddBlob(path string, data []byte)
	Snapshot() registry.Snapshot
	Restore(s registry.Snapshot)
	Stats() registry.Stats
}

// RegistryFSM implements raft.FSM on top of a content registry.
type RegistryFSM struct {
	target Target
	logger *slog.Logger
}

// NewRegistryFSM creates an FSM applying commands to target.
func NewRegistryFSM(target Target, logger *slog.Logger) *RegistryFSM {
	return &RegistryFSM{
		target: target,
		logger: logger,
	}
}

// Apply applies a Raft log entry to the registry.
func (f *RegistryFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Type {
	case CommandRegisterVirtual:
		c, ok := cmd.Data.(RegisterVirtualCommand)
		if !ok {
			return fmt.Errorf("invalid register virtual command data")
		}
		for _, e := range c.Entries {
			if err := f.target.AddVirtual(e.Path, e.Size); err != nil {
				return fmt.Errorf("register %s: %w", e.Path, err)
			}
		}
		f.logger.Debug("registered virtual resources", "count", len(c.Entries))
		return nil
	case CommandRegisterBlob:
		c, ok := cmd.Data.(RegisterBlobCommand)
		if !ok {
			return fmt.Errorf("invalid register blob command data")
		}
		f.target.AddBlob(c.Path, c.Data)
		f.logger.Debug("registered blob", "path", c.Path, "size", len(c.Data))
		return nil
	case CommandReset:
		c, _ := cmd.Data.(ResetCommand)
		f.target.Restore(registry.Snapshot{})
		f.logger.Info("registry reset", "reason", c.Reason)
		return nil
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *RegistryFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.target.Snapshot()}, nil
}

// Restore replaces the registry contents from a snapshot.
func (f *RegistryFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state registry.Snapshot
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	f.target.Restore(state)

	stats := f.target.Stats()
	f.logger.Info("restored registry from snapshot", "virtual", stats.Virtual, "blobs", stats.Blobs)
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state registry.Snapshot
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
