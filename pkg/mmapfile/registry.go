// Package mmapfile owns memory-mapped file handles for the storage engine.
// The registry keys mappings by path, hands out borrowed byte views, and
// guarantees at most one live mapping per path.
package mmapfile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kolbycheesey/hybriddb/pkg/logging"
)

var (
	// ErrNotMapped is returned when an operation references an unknown path
	ErrNotMapped = errors.New("mmapfile: path not mapped")
	// ErrReadOnly is returned when syncing a read-only mapping
	ErrReadOnly = errors.New("mmapfile: mapping is read-only")
)

// Registry opens, maps, syncs and unmaps files by path
type Registry struct {
	mu       sync.Mutex
	mappings map[string]*osMapping
	logger   logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{
		mappings: make(map[string]*osMapping),
		logger:   logger.With(logging.Component("mmapfile")),
	}
}

// Map opens (or creates) the file at path and maps it into memory,
// returning a view of the whole file. The view stays valid until Unmap
// or CloseAll. Mapping an already-mapped path returns the existing view.
// size <= 0 maps the file at its current length; for writable creates the
// file is extended to size first.
func (r *Registry) Map(path string, size int64, readOnly, create bool) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.mappings[path]; ok {
		return m.data, nil
	}

	m, err := mapFile(path, size, readOnly, create)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}

	r.mappings[path] = m
	r.logger.Debug("mapped file",
		logging.Path(path),
		logging.Bytes(int64(len(m.data))),
		logging.Bool("read_only", readOnly))
	return m.data, nil
}

// View returns the live view for a mapped path
func (r *Registry) View(path string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mappings[path]
	if !ok {
		return nil, false
	}
	return m.data, true
}

// Sync forces dirty pages of a writable mapping to durable storage
func (r *Registry) Sync(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mappings[path]
	if !ok {
		return ErrNotMapped
	}
	if m.readOnly {
		return ErrReadOnly
	}
	return m.sync()
}

// AdviseSequential hints the kernel that the mapping will be read
// front-to-back. Advisory only; failures are swallowed.
func (r *Registry) AdviseSequential(path string) {
	r.mu.Lock()
	m, ok := r.mappings[path]
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := m.adviseSequential(); err != nil {
		r.logger.Debug("sequential advise failed", logging.Path(path), logging.Error(err))
	}
}

// Unmap flushes (if writable) and releases the mapping and file handle.
// Returns false for paths the registry does not know.
func (r *Registry) Unmap(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mappings[path]
	if !ok {
		return false
	}
	delete(r.mappings, path)

	if err := m.unmap(); err != nil {
		r.logger.Error("unmap failed", logging.Path(path), logging.Error(err))
		return false
	}
	return true
}

// CloseAll unmaps every open file. Errors are aggregated.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for path, m := range r.mappings {
		if err := m.unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap %s: %w", path, err))
		}
		delete(r.mappings, path)
	}

	if len(errs) > 0 {
		return fmt.Errorf("mmapfile: failed to close %d mapping(s): %v", len(errs), errs[0])
	}
	return nil
}

// Len returns the number of live mappings
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mappings)
}
