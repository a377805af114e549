// Package memory is an in-process LocalStore. Nothing survives the
// process; it backs tests and hosts that only need a session cache.
package memory

import (
	"context"
	"sort"
	"sync"

	"datasync/internal/datastore"
	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
	"datasync/internal/infrastructure/storage"
)

type Storage struct {
	mu      sync.RWMutex
	records map[string]map[record.Key]record.Stored
	outbox  []datastore.OutboxEntry
	cursors map[string]datastore.SyncCursor
	feed    *storage.Feed
}

var _ datastore.LocalStore = (*Storage)(nil)

func NewMemoryStorage() *Storage {
	return &Storage{
		records: make(map[string]map[record.Key]record.Stored),
		cursors: make(map[string]datastore.SyncCursor),
		feed:    storage.NewFeed(),
	}
}

func clone(s record.Stored) record.Stored {
	s.Record = s.Record.Clone()
	return s
}

func (m *Storage) Get(_ context.Context, typeName string, key record.Key) (*record.Stored, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.records[typeName][key]
	if !ok {
		return nil, record.ErrNotFound
	}
	out := clone(s)
	return &out, nil
}

// Query returns matching rows ordered by key.
func (m *Storage) Query(_ context.Context, typeName string, p predicate.Predicate) ([]record.Stored, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []record.Stored
	for _, s := range m.records[typeName] {
		if p.Match(s.Record.Fields) {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Key < out[j].Metadata.Key })
	return out, nil
}

func (m *Storage) Save(_ context.Context, s record.Stored) error {
	s = clone(s)
	typeName, key := s.Metadata.TypeName, s.Metadata.Key
	if typeName == "" {
		typeName = s.Record.TypeName
		s.Metadata.TypeName = typeName
	}

	m.mu.Lock()
	byKey, ok := m.records[typeName]
	if !ok {
		byKey = make(map[record.Key]record.Stored)
		m.records[typeName] = byKey
	}
	var prev *record.Stored
	if p, ok := byKey[key]; ok {
		prev = &p
	}
	byKey[key] = s
	m.mu.Unlock()

	if c, ok := storage.ChangeFor(prev, s); ok {
		m.feed.Publish(c)
	}
	return nil
}

func (m *Storage) Delete(_ context.Context, typeName string, key record.Key) error {
	m.mu.Lock()
	prev, ok := m.records[typeName][key]
	if ok {
		delete(m.records[typeName], key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if c, ok := storage.RemovalFor(prev); ok {
		m.feed.Publish(c)
	}
	return nil
}

func (m *Storage) Observe(ctx context.Context, typeName string, p predicate.Predicate) (<-chan record.Change, error) {
	return m.feed.Observe(ctx, typeName, p)
}

func (m *Storage) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]map[record.Key]record.Stored)
	m.outbox = nil
	m.cursors = make(map[string]datastore.SyncCursor)
	return nil
}

func (m *Storage) LoadOutbox(_ context.Context) ([]datastore.OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]datastore.OutboxEntry, 0, len(m.outbox))
	for _, e := range m.outbox {
		e.Payload = e.Payload.Clone()
		out = append(out, e)
	}
	return out, nil
}

func (m *Storage) SaveOutboxEntry(_ context.Context, e datastore.OutboxEntry) error {
	e.Payload = e.Payload.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == e.ID {
			m.outbox[i] = e
			return nil
		}
	}
	m.outbox = append(m.outbox, e)
	return nil
}

func (m *Storage) DeleteOutboxEntry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			m.outbox = append(m.outbox[:i], m.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Storage) ClearOutbox(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = nil
	return nil
}

func (m *Storage) GetCursor(_ context.Context, typeName string) (datastore.SyncCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[typeName]
	if !ok {
		return datastore.SyncCursor{TypeName: typeName}, nil
	}
	return c, nil
}

func (m *Storage) SaveCursor(_ context.Context, c datastore.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[c.TypeName] = c
	return nil
}

func (m *Storage) ClearCursors(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors = make(map[string]datastore.SyncCursor)
	return nil
}

// Close ends every observation.
func (m *Storage) Close() error {
	m.feed.Close()
	return nil
}
