package memory

import (
	"context"
	"sort"
	"sync"

	"datasync/internal/domain/record"
	domain "datasync/internal/domain/sync"
)

// SyncRepository keeps the server's records in process. It backs the
// server in the local environment and tests.
type SyncRepository struct {
	mu      sync.RWMutex
	records map[string]map[record.Key]record.WithMetadata
}

var _ domain.Repository = (*SyncRepository)(nil)

func NewSyncRepository() *SyncRepository {
	return &SyncRepository{records: make(map[string]map[record.Key]record.WithMetadata)}
}

func cloneItem(r record.WithMetadata) record.WithMetadata {
	r.Record = r.Record.Clone()
	return r
}

func (r *SyncRepository) Get(_ context.Context, typeName string, key record.Key) (*record.WithMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[typeName][key]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	out := cloneItem(rec)
	return &out, nil
}

func (r *SyncRepository) List(_ context.Context, params domain.ListParams) ([]record.WithMetadata, error) {
	r.mu.RLock()
	rows := make([]record.WithMetadata, 0, len(r.records[params.TypeName]))
	for _, rec := range r.records[params.TypeName] {
		if !params.Since.IsZero() && rec.Metadata.LastChangedAt.Before(params.Since) {
			continue
		}
		if params.After != nil && !after(rec.Metadata, *params.After) {
			continue
		}
		rows = append(rows, cloneItem(rec))
	}
	r.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Metadata, rows[j].Metadata
		if !a.LastChangedAt.Equal(b.LastChangedAt) {
			return a.LastChangedAt.Before(b.LastChangedAt)
		}
		return a.Key < b.Key
	})
	if params.Limit > 0 && len(rows) > params.Limit {
		rows = rows[:params.Limit]
	}
	return rows, nil
}

// after reports whether m sorts strictly after p.
func after(m record.Metadata, p domain.Position) bool {
	if m.LastChangedAt.Equal(p.ChangedAt) {
		return m.Key > p.Key
	}
	return m.LastChangedAt.After(p.ChangedAt)
}

func (r *SyncRepository) Create(_ context.Context, rec record.WithMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := rec.Metadata
	byKey, ok := r.records[m.TypeName]
	if !ok {
		byKey = make(map[record.Key]record.WithMetadata)
		r.records[m.TypeName] = byKey
	}
	if prev, ok := byKey[m.Key]; ok && (!prev.Metadata.Deleted || prev.Metadata.Version != m.Version-1) {
		return domain.ErrRecordExists
	}
	byKey[m.Key] = cloneItem(rec)
	return nil
}

func (r *SyncRepository) Update(_ context.Context, rec record.WithMetadata, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := rec.Metadata
	prev, ok := r.records[m.TypeName][m.Key]
	if !ok || prev.Metadata.Deleted || prev.Metadata.Version != expectedVersion {
		return domain.ErrVersionMismatch
	}
	r.records[m.TypeName][m.Key] = cloneItem(rec)
	return nil
}

// Ping always succeeds; the records live in process.
func (r *SyncRepository) Ping(context.Context) error {
	return nil
}
