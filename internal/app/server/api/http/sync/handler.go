package sync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"golang.org/x/exp/slog"

	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
	"datasync/internal/domain/schema"
	"datasync/internal/domain/sync"
)

// PingInterval keeps idle subscriptions from being cut by proxies.
const PingInterval = 15 * time.Second

type Handler struct {
	service    sync.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service sync.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log.With("component", "sync_handler"),
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.queryOp(), h.query)
	huma.Register(api, h.mutateOp(), h.mutate)
	sse.Register(api, h.subscribeOp(), map[string]any{
		"started": StartedEvent{},
		"record":  record.WithMetadata{},
		"error":   ErrorEvent{},
		"ping":    PingEvent{},
	}, h.subscribe)
}

func (h *Handler) query(ctx context.Context, input *queryInput) (*queryOutput, error) {
	res, err := h.service.Query(ctx, sync.QueryParams{
		TypeName:  input.Body.TypeName,
		Filter:    input.Body.Filter,
		Since:     input.Body.Since,
		Limit:     input.Body.Limit,
		NextToken: input.Body.NextToken,
	})
	if err != nil {
		return nil, h.httpError("query", err)
	}
	return &queryOutput{Body: sync.QueryResponse{
		Items:      res.Items,
		NextToken:  res.NextToken,
		ServerTime: res.ServerTime,
	}}, nil
}

func (h *Handler) mutate(ctx context.Context, input *mutateInput) (*mutateOutput, error) {
	rec, err := h.service.Mutate(ctx, sync.MutateParams{
		TypeName:        input.Body.TypeName,
		Operation:       input.Body.Operation,
		Record:          input.Body.Record,
		ExpectedVersion: input.Body.ExpectedVersion,
	})
	var conflict *sync.ConflictError
	if errors.As(err, &conflict) {
		h.log.Debug("mutation conflict", "type", input.Body.TypeName, "error", err)
		return &mutateOutput{Status: http.StatusConflict, Body: conflict.Current}, nil
	}
	if err != nil {
		return nil, h.httpError("mutate", err)
	}
	return &mutateOutput{Status: http.StatusOK, Body: *rec}, nil
}

func (h *Handler) subscribe(ctx context.Context, input *subscribeInput, send sse.Sender) {
	op := record.Operation(input.Operation)
	changes, err := h.service.Subscribe(ctx, input.TypeName, op)
	if err != nil {
		h.log.Warn("subscription refused", "type", input.TypeName, "operation", op, "error", err)
		_ = send.Data(ErrorEvent{Message: err.Error()})
		return
	}
	if err := send.Data(StartedEvent{TypeName: input.TypeName, Operation: input.Operation}); err != nil {
		return
	}

	ping := time.NewTicker(PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := send.Data(PingEvent{}); err != nil {
				return
			}
		case rec, ok := <-changes:
			if !ok {
				return
			}
			if err := send.Data(rec); err != nil {
				h.log.Debug("subscriber gone", "type", input.TypeName, "error", err)
				return
			}
		}
	}
}

func (h *Handler) httpError(op string, err error) error {
	switch {
	case errors.Is(err, sync.ErrRecordNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, schema.ErrUnknownType),
		errors.Is(err, schema.ErrInvalidRecord),
		errors.Is(err, schema.ErrMissingKey),
		errors.Is(err, record.ErrInvalidData),
		errors.Is(err, predicate.ErrInvalid),
		errors.Is(err, sync.ErrInvalidRequest),
		errors.Is(err, sync.ErrInvalidToken):
		return huma.Error400BadRequest(err.Error())
	}
	h.log.Error("sync request failed", "op", op, "error", err)
	return huma.Error500InternalServerError("internal error")
}
