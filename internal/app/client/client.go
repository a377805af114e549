// Package client wires the sync engine to a SQLite store and the HTTP
// sync server for the command line client.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/exp/slog"

	"datasync/internal/app/client/config"
	"datasync/internal/datastore"
	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
	"datasync/internal/domain/schema"
	"datasync/internal/infrastructure/storage/sqlite"
)

var ErrServerUnavailable = errors.New("server unavailable")

type App struct {
	config   *config.Config
	log      *slog.Logger
	registry *schema.Registry
	storage  *sqlite.Storage
	remote   *httpClient
	store    *datastore.DataStore
}

// New opens the local database. With online unset, or in offline mode, the
// engine never talks to the server.
func New(cfg *config.Config, log *slog.Logger, online bool) (*App, error) {
	registry, err := schema.LoadFile(cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	storage, err := sqlite.New(cfg.DataPath, log)
	if err != nil {
		return nil, err
	}

	app := &App{
		config:   cfg,
		log:      log.With("component", "client"),
		registry: registry,
		storage:  storage,
	}

	opts := []datastore.Option{
		datastore.WithLogger(log),
		datastore.WithTracer(otel.Tracer("datasync/client")),
		datastore.WithSyncInterval(cfg.SyncInterval),
		datastore.WithFullSyncInterval(cfg.FullSyncInterval),
		datastore.WithSyncPageSize(cfg.SyncPageSize),
		datastore.WithSyncMaxRecords(cfg.SyncMaxRecords),
		datastore.WithRemoteTimeout(cfg.RequestTimeout),
		datastore.WithConflictHandler(conflictHandler(cfg.ConflictStrategy)),
		datastore.WithErrorHandler(func(err error) {
			app.log.Warn("sync error", "kind", datastore.KindOf(err), "error", err)
		}),
	}
	if online && !cfg.Offline {
		app.remote = NewHTTPClient(cfg, log)
		opts = append(opts,
			datastore.WithRemote(app.remote),
			datastore.WithNetworkMonitor(NewHealthMonitor(app.remote, cfg.HealthInterval, log)),
		)
	}

	app.store, err = datastore.New(registry, storage, opts...)
	if err != nil {
		storage.Close()
		return nil, err
	}
	return app, nil
}

func conflictHandler(strategy string) datastore.ConflictHandler {
	if strategy == config.ConflictLocal {
		return datastore.AlwaysRetryLocal
	}
	return datastore.AlwaysApplyRemote
}

func (a *App) Registry() *schema.Registry {
	return a.registry
}

func (a *App) Start(ctx context.Context) error {
	return a.store.Start(ctx)
}

func (a *App) Close(ctx context.Context) error {
	err := a.store.Close(ctx)
	return errors.Join(err, a.storage.Close())
}

// CheckConnection calls the server health endpoint.
func (a *App) CheckConnection(ctx context.Context) error {
	if a.remote == nil {
		return ErrServerUnavailable
	}
	return a.remote.HealthCheck(ctx)
}

// CheckAuth runs a one-record query to see whether the server accepts the
// configured API key.
func (a *App) CheckAuth(ctx context.Context) error {
	if a.remote == nil {
		return ErrServerUnavailable
	}
	types := a.registry.Types()
	if len(types) == 0 {
		return nil
	}
	_, err := a.remote.Query(ctx, datastore.QueryRequest{TypeName: types[0], Limit: 1})
	return err
}

// Run starts the engine and hands every engine event to onEvent until ctx
// is done.
func (a *App) Run(ctx context.Context, onEvent func(datastore.Event)) error {
	events, unsubscribe := a.store.Events(256)
	defer unsubscribe()

	if err := a.store.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	a.log.Info("client started", "server", a.config.ServerAddress, "state", a.store.State())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			onEvent(ev)
		}
	}
}

func (a *App) Save(ctx context.Context, typeName string, fields map[string]any) (record.Stored, error) {
	return a.store.Save(ctx, record.New(typeName, fields))
}

func (a *App) Get(ctx context.Context, typeName string, key record.Key) (*record.Stored, error) {
	return a.store.Get(ctx, typeName, key)
}

func (a *App) List(ctx context.Context, typeName string, p predicate.Predicate) ([]record.Stored, error) {
	return a.store.Query(ctx, typeName, p)
}

func (a *App) Delete(ctx context.Context, typeName string, key record.Key) error {
	return a.store.Delete(ctx, typeName, key)
}

// Clear wipes the local database.
func (a *App) Clear(ctx context.Context) error {
	return a.store.Clear(ctx)
}

// SyncReport summarizes one Sync call.
type SyncReport struct {
	Models   []datastore.ModelSynced
	Pushed   int
	Failed   int
	Pending  int
	Duration time.Duration
}

// Sync brings the engine up against the server, runs a sync pass and
// waits until the outbox is drained or ctx is done.
func (a *App) Sync(ctx context.Context, full bool) (*SyncReport, error) {
	if a.remote == nil {
		return nil, ErrServerUnavailable
	}
	began := time.Now()
	events, unsubscribe := a.store.Events(1024)
	defer unsubscribe()

	if err := a.store.Start(ctx); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	if a.store.State() != datastore.StateSyncViaAPI {
		return nil, ErrServerUnavailable
	}
	if full {
		if err := a.store.TriggerSync(ctx, true); err != nil {
			return nil, fmt.Errorf("full sync: %w", err)
		}
	}

	report := &SyncReport{}
	var (
		live    bool
		drained bool
		stopped error
	)
	collect := func(ev datastore.Event) {
		switch data := ev.Data.(type) {
		case datastore.ModelSynced:
			report.Models = append(report.Models, data)
		case datastore.MutationEvent:
			switch ev.Type {
			case datastore.EventOutboxMutationProcessed:
				report.Pushed++
			case datastore.EventOutboxMutationFailed:
				report.Failed++
			}
		case datastore.OutboxStatus:
			// Published whenever the mutation processor goes idle, after
			// the events of the entries it settled.
			drained = drained || data.Empty()
		case datastore.StateChange:
			if data.To == datastore.StateSyncViaAPI {
				live = true
			} else if live && stopped == nil {
				stopped = fmt.Errorf("%w: engine is %s", ErrServerUnavailable, data.To)
			}
		}
	}

	var err error
	for !drained && stopped == nil && err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case ev, ok := <-events:
			if !ok {
				err = datastore.ErrClosed
				break
			}
			collect(ev)
		}
	}
	for more := true; more; {
		select {
		case ev, ok := <-events:
			if ok {
				collect(ev)
			}
			more = ok
		default:
			more = false
		}
	}
	if err == nil {
		err = stopped
	}
	report.Pending = len(a.store.PendingMutations())
	report.Duration = time.Since(began)
	return report, err
}

// Status is a snapshot of the local database.
type Status struct {
	Records int
	Pending []datastore.OutboxEntry
	Cursors []datastore.SyncCursor
}

func (a *App) Status(ctx context.Context) (*Status, error) {
	count, err := a.storage.CountRecords(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := a.storage.LoadOutbox(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Records: count, Pending: pending}
	for _, typeName := range a.registry.Types() {
		c, err := a.storage.GetCursor(ctx, typeName)
		if err != nil {
			return nil, err
		}
		c.TypeName = typeName
		st.Cursors = append(st.Cursors, c)
	}
	return st, nil
}
