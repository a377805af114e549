package datastore

import (
	"context"
	"time"

	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
)

// LocalStore is the durable, queryable copy of the records. Implementations
// must be safe for concurrent use. Get returns record.ErrNotFound for
// unknown keys. Query returns stored rows including tombstones and rows
// with a queued delete; callers filter with Stored.Visible.
type LocalStore interface {
	Get(ctx context.Context, typeName string, key record.Key) (*record.Stored, error)
	Query(ctx context.Context, typeName string, p predicate.Predicate) ([]record.Stored, error)
	Save(ctx context.Context, s record.Stored) error
	Delete(ctx context.Context, typeName string, key record.Key) error
	// Observe streams changes of typeName matching p until ctx is done.
	Observe(ctx context.Context, typeName string, p predicate.Predicate) (<-chan record.Change, error)
	// Clear removes every record, outbox entry and sync cursor.
	Clear(ctx context.Context) error

	OutboxStore
	CursorStore
}

// OutboxStore persists outbox entries. LoadOutbox returns entries in queue
// order; SaveOutboxEntry keeps the position of an existing entry.
type OutboxStore interface {
	LoadOutbox(ctx context.Context) ([]OutboxEntry, error)
	SaveOutboxEntry(ctx context.Context, e OutboxEntry) error
	DeleteOutboxEntry(ctx context.Context, id string) error
	ClearOutbox(ctx context.Context) error
}

// SyncCursor tracks hydration progress of one type. NextToken is set while
// a pass is interrupted mid-pagination.
type SyncCursor struct {
	TypeName      string
	NextToken     string
	PassFull      bool
	PassStartedAt time.Time
	LastSync      time.Time
	LastFullSync  time.Time
}

// CursorStore persists sync cursors. GetCursor returns a zero cursor for
// types that were never synced.
type CursorStore interface {
	GetCursor(ctx context.Context, typeName string) (SyncCursor, error)
	SaveCursor(ctx context.Context, c SyncCursor) error
	ClearCursors(ctx context.Context) error
}
