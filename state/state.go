package state

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dhcgn/mailbox-harvester/model"
)

// ErrStateCorrupt marks persisted state that exists but cannot be read back.
// It is fatal: dropping the dedup history would re-download everything.
var ErrStateCorrupt = errors.New("state corrupt")

// Snapshot is the persisted form of the processed set and the file registry.
type Snapshot struct {
	Processed []model.MessageID
	Files     map[model.Fingerprint]string
}

// Backend persists snapshots. Load must return an empty snapshot when nothing
// was saved yet.
type Backend interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Counts summarises a registry.
type Counts struct {
	Processed int
	Files     int
}

// Registry holds the processed set and the fingerprint to path mapping.
type Registry struct {
	mu        sync.RWMutex
	processed map[model.MessageID]struct{}
	files     map[model.Fingerprint]string
}

func NewRegistry() *Registry {
	return &Registry{
		processed: make(map[model.MessageID]struct{}),
		files:     make(map[model.Fingerprint]string),
	}
}

func (r *Registry) AlreadyProcessed(id model.MessageID) bool {
	if id == "" {
		return false
	}

	r.mu.RLock()
	_, ok := r.processed[id]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) MarkProcessed(id model.MessageID) {
	if id == "" {
		return
	}

	r.mu.Lock()
	r.processed[id] = struct{}{}
	r.mu.Unlock()
}

// Lookup returns the stored path for a fingerprint.
func (r *Registry) Lookup(fp model.Fingerprint) (string, bool) {
	r.mu.RLock()
	path, ok := r.files[fp]
	r.mu.RUnlock()
	return path, ok
}

// Register records the first path stored for a fingerprint. An existing entry
// is never overwritten; the return value reports whether the entry was added.
func (r *Registry) Register(fp model.Fingerprint, path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.files[fp]; exists {
		return false
	}
	r.files[fp] = path
	return true
}

// Forget retracts a fingerprint whose backing file was deleted on purpose.
func (r *Registry) Forget(fp model.Fingerprint) {
	r.mu.Lock()
	delete(r.files, fp)
	r.mu.Unlock()
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Counts{Processed: len(r.processed), Files: len(r.files)}
}

// Snapshot copies the registry. Processed ids are sorted so saves are stable.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	processed := slices.Collect(maps.Keys(r.processed))
	slices.Sort(processed)

	return Snapshot{
		Processed: processed,
		Files:     maps.Clone(r.files),
	}
}

func (r *Registry) restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range snap.Processed {
		if id != "" {
			r.processed[id] = struct{}{}
		}
	}
	for fp, path := range snap.Files {
		if fp != "" {
			r.files[fp] = path
		}
	}
}

// Store couples a registry with the backend it was loaded from.
type Store struct {
	*Registry
	backend Backend
	saveMu  sync.Mutex
}

// Open loads the persisted state. A missing record yields an empty registry,
// an unreadable one an error wrapping ErrStateCorrupt.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("state backend must not be nil")
	}

	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	reg := NewRegistry()
	reg.restore(snap)
	return &Store{Registry: reg, backend: backend}, nil
}

// Save persists the current registry.
func (s *Store) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if err := s.backend.Save(ctx, s.Registry.Snapshot()); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// MemoryBackend keeps snapshots in memory. It is meant for tests and dry runs.
type MemoryBackend struct {
	mu    sync.Mutex
	snap  Snapshot
	saves int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Processed: slices.Clone(m.snap.Processed),
		Files:     maps.Clone(m.snap.Files),
	}, nil
}

func (m *MemoryBackend) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = Snapshot{
		Processed: slices.Clone(snap.Processed),
		Files:     maps.Clone(snap.Files),
	}
	m.saves++
	return nil
}

// Saves reports how often Save was called.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryBackend) Close() error { return nil }
