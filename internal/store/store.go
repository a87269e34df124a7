// Package store implements the progress store: an in-memory map of item id to
// ProgressRecord that is made durable through a pluggable Backend on Flush.
// Backends live in subpackages; this package must not import database drivers
// or concrete clients.
package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Snapshot is handed to a Backend on Flush. All holds every record; Dirty holds
// the records changed since the last successful flush.
type Snapshot struct {
	All   map[string]harvest.ProgressRecord
	Dirty map[string]harvest.ProgressRecord
}

// Backend reads and writes the durable copy of the progress map.
type Backend interface {
	ReadAll(ctx context.Context) (map[string]harvest.ProgressRecord, error)
	Persist(ctx context.Context, snap Snapshot) error
}

var _ harvest.ProgressStore = (*Store)(nil)

// Store is safe for concurrent readers; the controller is its only writer.
type Store struct {
	backend Backend
	logger  *zap.Logger

	mu      sync.RWMutex
	records map[string]harvest.ProgressRecord
	dirty   map[string]struct{}
}

// New constructs a Store over backend.
func New(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		records: make(map[string]harvest.ProgressRecord),
		dirty:   make(map[string]struct{}),
	}
}

// Merge applies next on top of current. A completed record is final; invalid
// statuses are rejected. The second return reports whether next was applied.
func Merge(current harvest.ProgressRecord, exists bool, next harvest.ProgressRecord) (harvest.ProgressRecord, bool) {
	if !next.Status.Valid() {
		return current, false
	}
	if exists && current.Status == harvest.StatusCompleted {
		return current, false
	}
	return next, true
}

// Load reads the durable state and merges it into memory, returning a copy.
func (s *Store) Load(ctx context.Context) (map[string]harvest.ProgressRecord, error) {
	loaded, err := s.backend.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	s.mu.Lock()
	for id, rec := range loaded {
		cur, ok := s.records[id]
		if merged, applied := Merge(cur, ok, rec); applied {
			s.records[id] = merged
		}
	}
	out := s.copyLocked()
	s.mu.Unlock()
	s.logger.Info("progress loaded", zap.Int("records", len(out)))
	return out, nil
}

// Upsert records the new state for id and reports whether it was applied.
func (s *Store) Upsert(id string, record harvest.ProgressRecord) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	merged, applied := Merge(cur, ok, record)
	if !applied {
		if ok && cur.Status == harvest.StatusCompleted && record.Status != harvest.StatusCompleted {
			s.logger.Debug("ignored write over completed record",
				zap.String("item_id", id), zap.String("status", string(record.Status)))
		}
		return false
	}
	s.records[id] = merged
	s.dirty[id] = struct{}{}
	return true
}

// Get returns the record for id.
func (s *Store) Get(id string) (harvest.ProgressRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Snapshot returns a copy of every record.
func (s *Store) Snapshot() map[string]harvest.ProgressRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Counts tallies records by status.
func (s *Store) Counts() map[harvest.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[harvest.Status]int, 4)
	for _, rec := range s.records {
		out[rec.Status]++
	}
	return out
}

// Pending returns how many records changed since the last successful flush.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}

// Flush persists the in-memory state. On failure the dirty set is kept so a
// later flush retries the same records.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	snap := Snapshot{
		All:   s.copyLocked(),
		Dirty: make(map[string]harvest.ProgressRecord, len(s.dirty)),
	}
	for id := range s.dirty {
		snap.Dirty[id] = s.records[id]
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	if err := s.backend.Persist(ctx, snap); err != nil {
		s.mu.Lock()
		for id := range snap.Dirty {
			s.dirty[id] = struct{}{}
		}
		s.mu.Unlock()
		return fmt.Errorf("flush progress: %w", err)
	}
	s.logger.Debug("progress flushed", zap.Int("records", len(snap.All)), zap.Int("dirty", len(snap.Dirty)))
	return nil
}

func (s *Store) copyLocked() map[string]harvest.ProgressRecord {
	out := make(map[string]harvest.ProgressRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}
