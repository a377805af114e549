package health

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

const Path = "/api/v1/health"

func (h *Handler) checkOp() huma.Operation {
	return huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        Path,
		Summary:     "Service health",
		Description: "Answers 200 when the record storage is reachable and 503 otherwise",
		Tags:        []string{"health"},
		Middlewares: h.middleware,
		Errors:      []int{http.StatusServiceUnavailable},
	}
}
