package sync

import (
	"context"

	"datasync/internal/domain/record"
)

// Repository stores the authoritative records. Deleted records stay as
// tombstones so that delta queries report them.
type Repository interface {
	// Get returns ErrRecordNotFound for unknown keys, tombstones included.
	Get(ctx context.Context, typeName string, key record.Key) (*record.WithMetadata, error)
	// List returns up to Limit rows ordered by (last_changed_at, record_key).
	List(ctx context.Context, params ListParams) ([]record.WithMetadata, error)
	// Create inserts rec or revives a tombstone. It returns ErrRecordExists
	// when a live record holds the key.
	Create(ctx context.Context, rec record.WithMetadata) error
	// Update replaces the live record stored at expectedVersion. It returns
	// ErrVersionMismatch when the stored row differs.
	Update(ctx context.Context, rec record.WithMetadata, expectedVersion int) error
	// Ping reports whether the storage answers.
	Ping(ctx context.Context) error
}
