// Package memory provides an in-memory storage.Journal. Records are lost
// when the process restarts. Optional LRU eviction limits memory usage.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/rhuss/ptcgate/pkg/storage"
)

// entry holds a stored record and its position in the LRU list.
type entry struct {
	rec     storage.Record
	lruElem *list.Element
}

// Journal is an in-memory storage.Journal with optional LRU eviction.
type Journal struct {
	mu      sync.Mutex
	entries map[string]*entry
	lruList *list.List // front = most recently used, back = least recently used
	maxSize int        // 0 = unlimited
}

// Ensure Journal implements storage.Journal at compile time.
var _ storage.Journal = (*Journal)(nil)

// New creates a new in-memory journal. If maxSize is 0, the journal grows
// without limit. If maxSize > 0, the least recently used record is evicted
// when the limit is reached.
func New(maxSize int) *Journal {
	return &Journal{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// SaveSession stores a copy of rec.
func (j *Journal) SaveSession(_ context.Context, rec *storage.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.entries[rec.SessionID]; exists {
		return storage.ErrConflict
	}

	if j.maxSize > 0 && len(j.entries) >= j.maxSize {
		j.evictOldest()
	}

	elem := j.lruList.PushFront(rec.SessionID)
	j.entries[rec.SessionID] = &entry{rec: *rec, lruElem: elem}
	return nil
}

// GetSession returns a copy of the record and marks it recently used.
func (j *Journal) GetSession(_ context.Context, id string) (*storage.Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	j.lruList.MoveToFront(e.lruElem)

	rec := e.rec
	return &rec, nil
}

// Len returns the number of records held.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// HealthCheck always returns nil for the in-memory journal.
func (j *Journal) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory journal.
func (j *Journal) Close() error {
	return nil
}

// evictOldest removes the least recently used entry.
// Must be called with j.mu held.
func (j *Journal) evictOldest() {
	back := j.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	j.lruList.Remove(back)
	delete(j.entries, id)
}
