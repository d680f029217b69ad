package pii

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	MappingEntry
	updatedAt time.Time
}

// MemoryStore is an in-process MappingStore used when no database is
// configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]memoryEntry
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]memoryEntry),
		now:      time.Now,
	}
}

func (m *MemoryStore) Merge(ctx context.Context, sessionID string, entries []MappingEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.sessions[sessionID]
	if !ok {
		table = make(map[string]memoryEntry)
		m.sessions[sessionID] = table
	}
	now := m.now()
	for _, e := range entries {
		table[e.Pseudonym] = memoryEntry{MappingEntry: e, updatedAt: now}
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mapping := make(map[string]string, len(m.sessions[sessionID]))
	for pseudonym, e := range m.sessions[sessionID] {
		mapping[pseudonym] = e.Original
	}
	return mapping, nil
}

func (m *MemoryStore) FindPseudonym(ctx context.Context, sessionID, entityType, value string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best  string
		found bool
		at    time.Time
	)
	for pseudonym, e := range m.sessions[sessionID] {
		if e.EntityType == entityType && e.Original == value && (!found || e.updatedAt.After(at)) {
			best, found, at = pseudonym, true, e.updatedAt
		}
	}
	return best, found, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) LastActivity(ctx context.Context) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	last := make(map[string]time.Time, len(m.sessions))
	for id, table := range m.sessions {
		for _, e := range table {
			if e.updatedAt.After(last[id]) {
				last[id] = e.updatedAt
			}
		}
	}
	return last, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
