package datastore

import (
	"context"
	"time"

	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
)

// QueryRequest asks for one page of a type. A zero Since requests every
// record (base sync); otherwise only records changed since then.
type QueryRequest struct {
	TypeName  string              `json:"type_name"`
	Filter    predicate.Predicate `json:"filter"`
	Since     time.Time           `json:"since"`
	Limit     int                 `json:"limit"`
	NextToken string              `json:"next_token,omitempty"`
}

type Page struct {
	Items     []record.WithMetadata `json:"items"`
	NextToken string                `json:"next_token,omitempty"`
	// ServerTime is when the remote evaluated the query.
	ServerTime time.Time `json:"server_time"`
}

type MutationRequest struct {
	TypeName        string           `json:"type_name"`
	Operation       record.Operation `json:"operation"`
	Record          record.Record    `json:"record"`
	ExpectedVersion int              `json:"expected_version"`
}

type StreamEventKind int

const (
	StreamStarted StreamEventKind = iota + 1
	StreamData
	StreamError
	StreamCompleted
)

type StreamEvent struct {
	Kind StreamEventKind
	Item record.WithMetadata
	Err  error
}

// Stream is one live subscription. Events is closed when the stream ends.
type Stream interface {
	Events() <-chan StreamEvent
	Cancel()
}

// RemoteAPI is the backend the engine synchronizes with. Mutate reports a
// version mismatch as *ConflictError. Errors should be classified with
// Recoverable or Irrecoverable where the adapter knows better than KindOf.
type RemoteAPI interface {
	Query(ctx context.Context, req QueryRequest) (*Page, error)
	Mutate(ctx context.Context, req MutationRequest) (*record.WithMetadata, error)
	Subscribe(ctx context.Context, typeName string, op record.Operation) (Stream, error)
}

// NetworkMonitor reports remote availability changes until ctx is done.
type NetworkMonitor interface {
	Watch(ctx context.Context) <-chan bool
}
