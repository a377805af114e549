package sync

import (
	"time"

	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
)

// QueryRequest asks for one page of a record type.
type QueryRequest struct {
	TypeName  string              `json:"type_name" minLength:"1" doc:"Record type"`
	Filter    predicate.Predicate `json:"filter,omitempty" required:"false" doc:"Field predicate"`
	Since     time.Time           `json:"since,omitempty" required:"false" format:"date-time" doc:"Only records changed at or after this time"`
	Limit     int                 `json:"limit,omitempty" required:"false" minimum:"0" maximum:"1000"`
	NextToken string              `json:"next_token,omitempty" required:"false"`
}

type QueryResponse struct {
	Items      []record.WithMetadata `json:"items"`
	NextToken  string                `json:"next_token,omitempty"`
	ServerTime time.Time             `json:"server_time"`
}

type MutationRequest struct {
	TypeName        string           `json:"type_name" minLength:"1"`
	Operation       record.Operation `json:"operation" enum:"CREATE,UPDATE,DELETE"`
	Record          record.Record    `json:"record"`
	ExpectedVersion int              `json:"expected_version" minimum:"0"`
}
