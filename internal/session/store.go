// Package session holds the per-identity risk state shared by the token
// issuer, the access gate and the signal intake.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrConflict is returned when an optimistic update lost every retry.
var ErrConflict = errors.New("session: concurrent update conflict")

// Mutator edits a record in place. A zero Record is passed for unseen ids.
// Returning an error aborts the update and nothing is written.
type Mutator func(rec *Record) error

// Entry pairs an identity with its record.
type Entry struct {
	ID     string `json:"id"`
	Record Record `json:"record"`
}

// Store is the session risk store.
//
// Upsert is the only write path for request handling and must apply the
// mutator as a single atomic read-modify-write: no other Upsert or Sweep for
// the same id may interleave between the read and the write.
type Store interface {
	// Get returns nil, nil when id is absent.
	Get(ctx context.Context, id string) (*Record, error)
	Upsert(ctx context.Context, id string, fn Mutator) (Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Entry, error)
	// Sweep evicts records whose LastSeenAt is older than retention,
	// regardless of block status, and returns how many it removed.
	Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	Close() error
}

// MemoryStore is an in-process Store guarded by a single mutex.
// Process restart clears all state.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	c := rec.Clone()
	return &c, nil
}

func (m *MemoryStore) Upsert(_ context.Context, id string, fn Mutator) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var work Record
	if rec, ok := m.records[id]; ok {
		work = rec.Clone()
	}
	if err := fn(&work); err != nil {
		return Record{}, err
	}
	stored := work.Clone()
	m.records[id] = &stored
	return work, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// List returns a snapshot sorted by LastSeenAt, newest first.
func (m *MemoryStore) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.records))
	for id, rec := range m.records {
		out = append(out, Entry{ID: id, Record: rec.Clone()})
	}
	m.mu.Unlock()
	sortEntries(out)
	return out, nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.records {
		if rec.Stale(now, retention) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error { return nil }

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Record.LastSeenAt, entries[j].Record.LastSeenAt
		if a.Equal(b) {
			return entries[i].ID < entries[j].ID
		}
		return a.After(b)
	})
}
