package record

import (
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of change applied to a record.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Operations lists every operation in subscription order.
var Operations = []Operation{OperationCreate, OperationUpdate, OperationDelete}

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ParseOperation accepts the operation name in any case.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidData, s)
	}
	return op, nil
}

// SyncState is the local synchronization flag kept next to every stored record.
type SyncState string

const (
	StateNew            SyncState = "new"
	StateUpdated        SyncState = "updated"
	StateDeletedPending SyncState = "deleted_pending"
	StateSynced         SyncState = "synced"
)

const keySeparator = "#"

// Key is the primary key of a record: the ordered primary-key field values
// joined with '#'.
type Key string

func NewKey(parts ...string) Key {
	return Key(strings.Join(parts, keySeparator))
}

func (k Key) Parts() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), keySeparator)
}

func (k Key) String() string {
	return string(k)
}

// KeyValue renders a primary-key field value the way it appears inside a Key.
func KeyValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
	}
	return fmt.Sprint(v)
}

// Record is an instance of an application-defined type.
type Record struct {
	TypeName string         `json:"type_name"`
	Fields   map[string]any `json:"fields"`
}

func New(typeName string, fields map[string]any) Record {
	if fields == nil {
		fields = map[string]any{}
	}
	return Record{TypeName: typeName, Fields: fields}
}

func (r Record) Get(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Clone returns a copy whose field map can be modified independently.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{TypeName: r.TypeName, Fields: fields}
}

// Metadata is the sync bookkeeping of a record. Version never decreases.
type Metadata struct {
	TypeName      string    `json:"type_name"`
	Key           Key       `json:"key"`
	Version       int       `json:"version"`
	Deleted       bool      `json:"deleted"`
	LastChangedAt time.Time `json:"last_changed_at"`
}

type WithMetadata struct {
	Record   Record   `json:"record"`
	Metadata Metadata `json:"metadata"`
}

// Stored is a record as held by a local store.
type Stored struct {
	Record   Record
	Metadata Metadata
	State    SyncState
}

// Visible reports whether host reads should see the record. Remote
// tombstones and records with a queued delete are hidden.
func (s Stored) Visible() bool {
	return !s.Metadata.Deleted && s.State != StateDeletedPending
}

func (s Stored) WithMetadata() WithMetadata {
	return WithMetadata{Record: s.Record, Metadata: s.Metadata}
}

// Change is emitted by local stores whenever a stored record changes.
type Change struct {
	Operation Operation `json:"operation"`
	Record    Record    `json:"record"`
	Metadata  Metadata  `json:"metadata"`
}
