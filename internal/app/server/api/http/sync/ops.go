package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

const (
	QueryPath     = "/api/v1/sync/query"
	MutatePath    = "/api/v1/sync/mutate"
	SubscribePath = "/api/v1/sync/subscribe"
)

func (h *Handler) queryOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-query",
		Method:      http.MethodPost,
		Path:        QueryPath,
		Summary:     "Query a page of records",
		Description: "Returns records of a type changed since a time, filtered by a predicate, with keyset pagination",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) mutateOp() huma.Operation {
	return huma.Operation{
		OperationID:   "sync-mutate",
		Method:        http.MethodPost,
		Path:          MutatePath,
		Summary:       "Create, update or delete a record",
		Description:   "Applies a version-checked mutation. A version mismatch answers 409 with the current record",
		Tags:          []string{"sync"},
		Middlewares:   h.middleware,
		DefaultStatus: http.StatusOK,
	}
}

func (h *Handler) subscribeOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-subscribe",
		Method:      http.MethodGet,
		Path:        SubscribePath,
		Summary:     "Subscribe to record changes",
		Description: "Streams committed mutations of one type and operation as server-sent events",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}
