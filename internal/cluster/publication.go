package cluster

import (
	"fmt"
	"sort"
	"sync"
)

// Publication records the resources a synthesizer publishes so that they
// can be replicated instead of registered locally. It satisfies
// manifest.Registrar.
type Publication struct {
	mu      sync.Mutex
	virtual map[string]int64
	blobs   map[string][]byte
}

// NewPublication creates an empty publication.
func NewPublication() *Publication {
	return &Publication{
		virtual: make(map[string]int64),
		blobs:   make(map[string][]byte),
	}
}

// AddVirtual records a sized-only resource.
func (p *Publication) AddVirtual(path string, size int64) error {
	if size < 0 {
		return fmt.Errorf("negative size %d for %s", size, path)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.virtual[path] = size
	return nil
}

// AddBlob records an in-memory resource.
func (p *Publication) AddBlob(path string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blobs[path] = buf
}

// Virtual returns the recorded virtual resources sorted by path.
func (p *Publication) Virtual() []VirtualEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := make([]VirtualEntry, 0, len(p.virtual))
	for path, size := range p.virtual {
		entries = append(entries, VirtualEntry{Path: path, Size: size})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// Blobs returns the recorded blobs sorted by path.
func (p *Publication) Blobs() []RegisterBlobCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	blobs := make([]RegisterBlobCommand, 0, len(p.blobs))
	for path, data := range p.blobs {
		blobs = append(blobs, RegisterBlobCommand{Path: path, Data: data})
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Path < blobs[j].Path })
	return blobs
}
