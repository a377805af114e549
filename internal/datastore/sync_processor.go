package datastore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"

	"datasync/internal/domain/schema"
)

// SyncProcessor hydrates the local store from the remote, type by type.
type SyncProcessor struct {
	registry *schema.Registry
	remote   RemoteAPI
	cursors  CursorStore
	merger   *reconciler
	hub      *Hub
	opts     *Options
	log      *slog.Logger
	tracer   trace.Tracer

	running atomic.Bool
}

func newSyncProcessor(registry *schema.Registry, cursors CursorStore, merger *reconciler, hub *Hub, opts *Options) *SyncProcessor {
	return &SyncProcessor{
		registry: registry,
		remote:   opts.Remote,
		cursors:  cursors,
		merger:   merger,
		hub:      hub,
		opts:     opts,
		log:      opts.Logger.With("component", "sync_processor"),
		tracer:   opts.Tracer,
	}
}

// Hydrate runs one pass over every registered type, owners first. Types
// that fail irrecoverably are reported and skipped. A recoverable failure
// that outlives its retries aborts the pass, as does a fatal one.
func (p *SyncProcessor) Hydrate(ctx context.Context, forceFull bool) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer p.running.Store(false)

	models := p.registry.SyncOrder()
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	p.hub.Publish(EventSyncQueriesStarted, SyncQueriesStarted{Models: names})
	p.log.Info("sync queries started", "models", names, "full", forceFull)

	for _, m := range models {
		if err := ctx.Err(); err != nil {
			return Recoverable("sync", err)
		}
		stats, err := p.syncModel(ctx, m, forceFull)
		if err != nil {
			if KindOf(err) == KindIrrecoverable {
				p.log.Error("type skipped", "type", m.Name, "error", err)
				p.opts.ErrorHandler(err)
				continue
			}
			return err
		}
		p.log.Debug("type synced", "type", m.Name, "full", stats.FullSync,
			"added", stats.Added, "updated", stats.Updated, "deleted", stats.Deleted)
		p.hub.Publish(EventModelSynced, stats)
	}

	p.hub.Publish(EventSyncQueriesReady, nil)
	return nil
}

func (p *SyncProcessor) Running() bool {
	return p.running.Load()
}

func (p *SyncProcessor) syncModel(ctx context.Context, m *schema.Model, forceFull bool) (ModelSynced, error) {
	ctx, span := p.tracer.Start(ctx, "datastore.sync_model")
	defer span.End()
	span.SetAttributes(attribute.String("datastore.type", m.Name))

	cursor, err := p.cursors.GetCursor(ctx, m.Name)
	if err != nil {
		return ModelSynced{}, Fatal("read sync cursor", err)
	}
	cursor.TypeName = m.Name

	if cursor.NextToken == "" {
		cursor.PassFull = forceFull || cursor.LastSync.IsZero() ||
			(p.opts.FullSyncInterval > 0 && time.Since(cursor.LastFullSync) >= p.opts.FullSyncInterval)
		cursor.PassStartedAt = time.Time{}
	}
	since := cursor.LastSync
	if cursor.PassFull {
		since = time.Time{}
	}
	span.SetAttributes(attribute.Bool("datastore.full_sync", cursor.PassFull))

	stats := ModelSynced{Model: m.Name, FullSync: cursor.PassFull}
	fetched := 0
	for {
		limit := p.opts.SyncPageSize
		if remaining := p.opts.SyncMaxRecords - fetched; remaining < limit {
			limit = remaining
		}
		page, err := p.fetchPage(ctx, QueryRequest{
			TypeName:  m.Name,
			Filter:    p.opts.SyncExpressions[m.Name],
			Since:     since,
			Limit:     limit,
			NextToken: cursor.NextToken,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return stats, err
		}
		if cursor.PassStartedAt.IsZero() {
			cursor.PassStartedAt = page.ServerTime
		}

		for _, item := range page.Items {
			outcome, err := p.merger.Merge(ctx, item)
			if err != nil {
				return stats, err
			}
			switch outcome {
			case outcomeCreated:
				stats.Added++
			case outcomeUpdated:
				stats.Updated++
			case outcomeDeleted:
				stats.Deleted++
			}
		}
		fetched += len(page.Items)

		cursor.NextToken = page.NextToken
		if page.NextToken == "" || fetched >= p.opts.SyncMaxRecords {
			break
		}
		if err := p.cursors.SaveCursor(ctx, cursor); err != nil {
			return stats, Fatal("save sync cursor", err)
		}
	}

	if fetched >= p.opts.SyncMaxRecords && cursor.NextToken != "" {
		p.log.Warn("sync stopped at record limit", "type", m.Name, "limit", p.opts.SyncMaxRecords)
	}
	if cursor.PassStartedAt.IsZero() {
		cursor.PassStartedAt = time.Now().UTC()
	}
	cursor.LastSync = cursor.PassStartedAt
	if cursor.PassFull {
		cursor.LastFullSync = cursor.LastSync
	}
	cursor.NextToken = ""
	cursor.PassStartedAt = time.Time{}
	if err := p.cursors.SaveCursor(ctx, cursor); err != nil {
		return stats, Fatal("save sync cursor", err)
	}
	span.SetAttributes(attribute.Int("datastore.records", fetched))
	return stats, nil
}

// fetchPage retries recoverable failures of the same page with backoff.
func (p *SyncProcessor) fetchPage(ctx context.Context, req QueryRequest) (*Page, error) {
	var lastErr error
	for attempt := 1; attempt <= p.opts.SyncMaxAttempts; attempt++ {
		page, err := p.query(ctx, req)
		if err == nil {
			return page, nil
		}
		if KindOf(err) != KindRecoverable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, Recoverable("sync query", ctx.Err())
		}
		lastErr = err
		if attempt == p.opts.SyncMaxAttempts {
			break
		}
		delay := p.opts.Backoff.Delay(attempt)
		p.log.Warn("sync query failed, retrying",
			"type", req.TypeName, "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return nil, Recoverable("sync query", err)
		}
	}
	return nil, Recoverable("sync query", fmt.Errorf("%s: %d attempts failed: %w", req.TypeName, p.opts.SyncMaxAttempts, lastErr))
}

func (p *SyncProcessor) query(ctx context.Context, req QueryRequest) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RemoteTimeout)
	defer cancel()

	page, err := p.remote.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &Page{ServerTime: time.Now().UTC()}, nil
	}
	return page, nil
}
