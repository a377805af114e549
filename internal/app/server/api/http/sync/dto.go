package sync

import (
	"datasync/internal/domain/record"
	"datasync/internal/domain/sync"
)

type queryInput struct {
	Body sync.QueryRequest
}

type queryOutput struct {
	Body sync.QueryResponse
}

type mutateInput struct {
	Body sync.MutationRequest
}

// mutateOutput carries the stored record: the result on 200, the current
// remote record on 409.
type mutateOutput struct {
	Status int
	Body   record.WithMetadata
}

type subscribeInput struct {
	TypeName  string `query:"type_name" required:"true" minLength:"1" doc:"Record type"`
	Operation string `query:"operation" required:"true" enum:"CREATE,UPDATE,DELETE"`
}

// StartedEvent is the first event of every subscription.
type StartedEvent struct {
	TypeName  string `json:"type_name"`
	Operation string `json:"operation"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type PingEvent struct{}
