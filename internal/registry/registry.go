// Package registry maps servable paths to their sizes and, for in-memory
// resources, their bytes.
//
// Three kinds of resources are resolved, in this order: blobs held in memory,
// sized-only virtual files whose content is never materialized, and real
// files on disk whose sizes are cached after the first successful stat.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotFound is returned when a path resolves to nothing.
var ErrNotFound = errors.New("not found")

// Kind identifies how a resource's payload is produced.
type Kind int

const (
	// KindBlob resources are served from in-memory bytes.
	KindBlob Kind = iota + 1
	// KindVirtual resources are served as filler of the registered size.
	KindVirtual
	// KindDisk resources are streamed from a real file.
	KindDisk
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindVirtual:
		return "virtual"
	case KindDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Resource is a resolved path.
type Resource struct {
	Path string
	Kind Kind
	Size int64
	// Data holds the payload of blob resources.
	Data []byte
	// DiskPath is the file to stream for disk resources.
	DiskPath string
}

// Stats summarizes the registry contents.
type Stats struct {
	Blobs       int   `json:"blobs"`
	Virtual     int   `json:"virtual"`
	CachedDisk  int   `json:"cached_disk"`
	VirtualSize int64 `json:"virtual_bytes"`
}

// Registry is safe for concurrent use. It is populated at startup and read
// afterwards.
type Registry struct {
	mu      sync.RWMutex
	root    string
	sizes   map[string]int64
	virtual map[string]bool
	blobs   map[string][]byte
}

// New creates an empty registry. Disk lookups are resolved relative to root;
// an empty root disables the disk fallback.
func New(root string) *Registry {
	return &Registry{
		root:    root,
		sizes:   make(map[string]int64),
		virtual: make(map[string]bool),
		blobs:   make(map[string][]byte),
	}
}

// AddVirtual registers a sized-only resource.
func (r *Registry) AddVirtual(path string, size int64) error {
	if size < 0 {
		return fmt.Errorf("negative size %d for %s", size, path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes[path] = size
	r.virtual[path] = true
	return nil
}

// AddBlob registers an in-memory resource.
func (r *Registry) AddBlob(path string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[path] = buf
	r.sizes[path] = int64(len(buf))
}

// Resolve looks path up using blob, virtual, disk precedence. A successful
// disk stat caches the size; a failed one leaves the registry unchanged.
func (r *Registry) Resolve(path string) (Resource, error) {
	r.mu.RLock()
	if data, ok := r.blobs[path]; ok {
		r.mu.RUnlock()
		return Resource{Path: path, Kind: KindBlob, Size: int64(len(data)), Data: data}, nil
	}
	if r.virtual[path] {
		size := r.sizes[path]
		r.mu.RUnlock()
		return Resource{Path: path, Kind: KindVirtual, Size: size}, nil
	}
	size, cached := r.sizes[path]
	r.mu.RUnlock()

	diskPath, ok := r.diskPath(path)
	if !ok {
		return Resource{}, fmt.Errorf("resolve %s: %w", path, ErrNotFound)
	}
	if cached {
		return Resource{Path: path, Kind: KindDisk, Size: size, DiskPath: diskPath}, nil
	}

	info, err := os.Stat(diskPath)
	if err != nil || info.IsDir() {
		return Resource{}, fmt.Errorf("resolve %s: %w", path, ErrNotFound)
	}

	r.mu.Lock()
	r.sizes[path] = info.Size()
	r.mu.Unlock()

	return Resource{Path: path, Kind: KindDisk, Size: info.Size(), DiskPath: diskPath}, nil
}

// Size returns the registered or cached size of path.
func (r *Registry) Size(path string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	size, ok := r.sizes[path]
	return size, ok
}

// Blob returns the bytes of an in-memory resource.
func (r *Registry) Blob(path string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.blobs[path]
	return data, ok
}

// IsVirtual reports whether path is a sized-only resource.
func (r *Registry) IsVirtual(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.virtual[path]
}

// Paths returns every registered path in sorted order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.sizes))
	for p := range r.sizes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Stats returns a summary of the registry contents.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for p, size := range r.sizes {
		switch {
		case r.blobs[p] != nil:
			s.Blobs++
		case r.virtual[p]:
			s.Virtual++
			s.VirtualSize += size
		default:
			s.CachedDisk++
		}
	}
	return s
}

// Snapshot is a serializable copy of the in-memory registrations.
type Snapshot struct {
	Virtual map[string]int64
	Blobs   map[string][]byte
}

// Snapshot copies blobs and virtual entries. Cached disk sizes are local to
// the host and are not included.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		Virtual: make(map[string]int64, len(r.virtual)),
		Blobs:   make(map[string][]byte, len(r.blobs)),
	}
	for p := range r.virtual {
		s.Virtual[p] = r.sizes[p]
	}
	for p, data := range r.blobs {
		s.Blobs[p] = data
	}
	return s
}

// Restore replaces all registrations with the snapshot contents.
func (r *Registry) Restore(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = make(map[string]int64, len(s.Virtual)+len(s.Blobs))
	r.virtual = make(map[string]bool, len(s.Virtual))
	r.blobs = make(map[string][]byte, len(s.Blobs))
	for p, size := range s.Virtual {
		r.sizes[p] = size
		r.virtual[p] = true
	}
	for p, data := range s.Blobs {
		r.blobs[p] = data
		r.sizes[p] = int64(len(data))
	}
}

// diskPath maps a request path below root. Paths escaping root are rejected.
func (r *Registry) diskPath(path string) (string, bool) {
	if r.root == "" {
		return "", false
	}
	clean := filepath.Clean("/" + path)
	return filepath.Join(r.root, filepath.FromSlash(clean)), true
}
