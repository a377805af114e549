package datastore

import (
	"context"
	"errors"
	"fmt"
	"net"

	"datasync/internal/domain/record"
)

// Kind classifies engine errors by how the engine reacts to them.
type Kind int

const (
	// KindRecoverable errors are retried with backoff and never surface as
	// terminal failures.
	KindRecoverable Kind = iota + 1
	// KindConflict errors are routed to the conflict resolver.
	KindConflict
	// KindIrrecoverable errors abandon one outbox entry or one type's sync.
	KindIrrecoverable
	// KindFatal errors halt the orchestrator.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRecoverable:
		return "recoverable"
	case KindConflict:
		return "conflict"
	case KindIrrecoverable:
		return "irrecoverable"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

var (
	ErrPendingDelete           = errors.New("record has a pending delete")
	ErrConflictRetriesExceeded = errors.New("conflict retries exceeded")
	ErrNotSyncing              = errors.New("datastore is not syncing with the remote api")
	ErrClosed                  = errors.New("datastore is closed")
	ErrSyncInProgress          = errors.New("sync pass already running")
)

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Recoverable(op string, err error) error {
	return &Error{Kind: KindRecoverable, Op: op, Err: err}
}

func Irrecoverable(op string, err error) error {
	return &Error{Kind: KindIrrecoverable, Op: op, Err: err}
}

func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// ConflictError reports that the remote holds a version other than the one
// a mutation was based on. Remote is the remote's current record.
type ConflictError struct {
	Remote          record.WithMetadata
	ExpectedVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: expected version %d, remote has %d",
		e.Remote.Metadata.TypeName, e.Remote.Metadata.Key, e.ExpectedVersion, e.Remote.Metadata.Version)
}

func (e *ConflictError) Unwrap() error {
	return record.ErrVersionConflict
}

// KindOf classifies err. Transport failures and timeouts are recoverable;
// anything the engine cannot recognise is irrecoverable so that it never
// blocks the outbox.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return KindConflict
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindRecoverable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRecoverable
	}
	return KindIrrecoverable
}

func IsRecoverable(err error) bool   { return KindOf(err) == KindRecoverable }
func IsConflict(err error) bool      { return KindOf(err) == KindConflict }
func IsIrrecoverable(err error) bool { return KindOf(err) == KindIrrecoverable }
func IsFatal(err error) bool         { return KindOf(err) == KindFatal }

// ErrorHandler receives conflict, irrecoverable and fatal errors.
type ErrorHandler func(err error)

// Classify is KindOf under the name used by adapters.
func Classify(err error) Kind {
	return KindOf(err)
}
