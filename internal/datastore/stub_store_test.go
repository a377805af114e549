package datastore

import (
	"context"
	"errors"
	"sync"

	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
)

var errStoreBroken = errors.New("store broken")

// stubStore is a minimal LocalStore for tests inside the package. Setting
// failSave makes every record and outbox write fail.
type stubStore struct {
	mu       sync.Mutex
	records  map[string]record.Stored
	outbox   []OutboxEntry
	cursors  map[string]SyncCursor
	failSave bool
}

var _ LocalStore = (*stubStore)(nil)

func newStubStore() *stubStore {
	return &stubStore{
		records: make(map[string]record.Stored),
		cursors: make(map[string]SyncCursor),
	}
}

func (s *stubStore) Get(_ context.Context, typeName string, key record.Key) (*record.Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[outboxKey(typeName, key)]
	if !ok {
		return nil, record.ErrNotFound
	}
	r.Record = r.Record.Clone()
	return &r, nil
}

func (s *stubStore) Query(_ context.Context, typeName string, p predicate.Predicate) ([]record.Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []record.Stored
	for _, r := range s.records {
		if r.Metadata.TypeName == typeName && p.Match(r.Record.Fields) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubStore) Save(_ context.Context, r record.Stored) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errStoreBroken
	}
	r.Record = r.Record.Clone()
	s.records[outboxKey(r.Metadata.TypeName, r.Metadata.Key)] = r
	return nil
}

func (s *stubStore) Delete(_ context.Context, typeName string, key record.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, outboxKey(typeName, key))
	return nil
}

func (s *stubStore) Observe(context.Context, string, predicate.Predicate) (<-chan record.Change, error) {
	ch := make(chan record.Change)
	close(ch)
	return ch, nil
}

func (s *stubStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]record.Stored)
	s.outbox = nil
	s.cursors = make(map[string]SyncCursor)
	return nil
}

func (s *stubStore) LoadOutbox(context.Context) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboxEntry(nil), s.outbox...), nil
}

func (s *stubStore) SaveOutboxEntry(_ context.Context, e OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errStoreBroken
	}
	for i := range s.outbox {
		if s.outbox[i].ID == e.ID {
			s.outbox[i] = e
			return nil
		}
	}
	s.outbox = append(s.outbox, e)
	return nil
}

func (s *stubStore) DeleteOutboxEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			break
		}
	}
	return nil
}

func (s *stubStore) ClearOutbox(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = nil
	return nil
}

func (s *stubStore) GetCursor(_ context.Context, typeName string) (SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[typeName]
	if !ok {
		c.TypeName = typeName
	}
	return c, nil
}

func (s *stubStore) SaveCursor(_ context.Context, c SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[c.TypeName] = c
	return nil
}

func (s *stubStore) ClearCursors(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = make(map[string]SyncCursor)
	return nil
}

func note(id, body string) record.Record {
	return record.New("Note", map[string]any{"id": id, "body": body})
}

func entry(op record.Operation, id, body string) OutboxEntry {
	return OutboxEntry{TypeName: "Note", Key: record.Key(id), Operation: op, Payload: note(id, body)}
}

func remoteNote(id, body string, version int, deleted bool) record.WithMetadata {
	return record.WithMetadata{
		Record:   note(id, body),
		Metadata: record.Metadata{TypeName: "Note", Key: record.Key(id), Version: version, Deleted: deleted},
	}
}
