// Package api exposes the sync service over HTTP:
//
//	GET  /api/v1/health          storage health check (public)
//	POST /api/v1/sync/query      paginated change query (api key)
//	POST /api/v1/sync/mutate     version-checked mutation (api key)
//	GET  /api/v1/sync/subscribe  server-sent change events (api key)
package api

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"

	healthAPI "datasync/internal/app/server/api/http/health"
	"datasync/internal/app/server/api/http/middleware"
	"datasync/internal/app/server/api/http/middleware/auth"
	"datasync/internal/app/server/api/http/middleware/logger"
	syncAPI "datasync/internal/app/server/api/http/sync"
	"datasync/internal/domain/sync"
)

type Handlers struct {
	Health *healthAPI.Handler
	Sync   *syncAPI.Handler
}

// New builds the router with every operation registered through huma.
func New(service sync.Servicer, apiKeyHashes []string, log *slog.Logger) *chi.Mux {
	mux := chi.NewMux()

	config := huma.DefaultConfig("datasync API", "1.0.0")
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"apiKey": {Type: "apiKey", In: "header", Name: auth.HeaderAPIKey},
	}

	API := humachi.New(mux, config)

	h := handlers(service, apiKeyHashes, log)
	h.Health.SetupRoutes(API)
	h.Sync.SetupRoutes(API)

	return mux
}

func handlers(service sync.Servicer, apiKeyHashes []string, log *slog.Logger) *Handlers {
	authMW := auth.New(apiKeyHashes, log)
	loggerMW := logger.New(log)
	middlewares := middleware.NewContainer()

	middlewares.Add(loggerMW.Middleware())
	healthHandler := healthAPI.NewHandler(service, log, middlewares.GetAllAndClear())

	middlewares.Add(authMW.Middleware())
	middlewares.Add(loggerMW.Middleware())
	syncHandler := syncAPI.NewHandler(service, log, middlewares.GetAllAndClear())

	return &Handlers{
		Health: healthHandler,
		Sync:   syncHandler,
	}
}
