package sync

import (
	"errors"
	"fmt"

	"datasync/internal/domain/record"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrRecordExists    = errors.New("record already exists")
	ErrVersionMismatch = errors.New("record version mismatch")
	ErrInvalidToken    = errors.New("invalid continuation token")
	ErrInvalidRequest  = errors.New("invalid sync request")
	// ErrStorageUnavailable is returned by Ping when the repository does
	// not answer.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ConflictError is returned by Mutate when the stored record is not the
// version the mutation was based on. Current is the stored record.
type ConflictError struct {
	Current         record.WithMetadata
	ExpectedVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, current %d",
		e.Current.Metadata.TypeName, e.Current.Metadata.Key, e.ExpectedVersion, e.Current.Metadata.Version)
}

func (e *ConflictError) Unwrap() error {
	return record.ErrVersionConflict
}
