package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"datasync/internal/app/server/api"
	"datasync/internal/app/server/config"
	"datasync/internal/domain/schema"
	"datasync/internal/domain/sync"
	"datasync/internal/infrastructure/storage/memory"
	"datasync/internal/infrastructure/storage/postgres"
	"datasync/internal/utils/logger"
)

func main() {
	conf := config.MustLoad()
	log := logger.New(conf.Env)

	if err := run(conf, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(conf *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := schema.LoadFile(conf.SchemaPath)
	if err != nil {
		return err
	}

	var repo sync.Repository
	if conf.DB.DatabaseURI == "" {
		log.Warn("no database configured, records are kept in memory")
		repo = memory.NewSyncRepository()
	} else {
		storage, err := postgres.New(ctx, conf.DB.DatabaseURI)
		if err != nil {
			return err
		}
		defer storage.Close()
		repo = postgres.NewSyncRepository(storage.Pool(), log)
	}

	broker := sync.NewBroker()
	defer broker.Close()
	service := sync.NewService(repo, registry, broker, log)

	srv := &http.Server{
		Addr:    conf.Server.RunAddress,
		Handler: api.New(service, conf.Auth.APIKeyHashes, log),
	}
	if len(conf.Auth.APIKeyHashes) == 0 {
		log.Warn("no API keys configured, sync endpoints are open")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server started", "address", srv.Addr, "types", registry.Types())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Closing the broker ends open subscription streams.
		broker.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
