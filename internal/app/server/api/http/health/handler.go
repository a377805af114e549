package health

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

// checkTimeout bounds the storage ping of one health request.
const checkTimeout = 2 * time.Second

// Checker reports whether the storage behind the service answers.
type Checker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	checker    Checker
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(checker Checker, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		checker:    checker,
		log:        log.With("component", "health_handler"),
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.checkOp(), h.check)
}

func (h *Handler) check(ctx context.Context, _ *CheckInput) (*CheckOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := h.checker.Ping(ctx); err != nil {
		h.log.Warn("health check failed", "error", err)
		return nil, huma.Error503ServiceUnavailable("storage unavailable", err)
	}
	return &CheckOutput{Body: CheckResponse{Status: "OK", Storage: "OK"}}, nil
}
