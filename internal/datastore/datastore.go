package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"

	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
	"datasync/internal/domain/schema"
)

// DataStore is the host-facing API of the engine. Reads and writes always
// go to the local store; synchronization happens in the background.
type DataStore struct {
	registry *schema.Registry
	store    LocalStore
	orch     *Orchestrator
	cascade  *CascadeResolver
	log      *slog.Logger

	closed atomic.Bool
}

func New(registry *schema.Registry, store LocalStore, opts ...Option) (*DataStore, error) {
	if registry == nil {
		return nil, errors.New("datastore: nil schema registry")
	}
	if store == nil {
		return nil, errors.New("datastore: nil local store")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.finish()
	for typeName, p := range o.SyncExpressions {
		if _, err := registry.Model(typeName); err != nil {
			return nil, fmt.Errorf("sync expression: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("sync expression for %s: %w", typeName, err)
		}
	}

	return &DataStore{
		registry: registry,
		store:    store,
		orch:     newOrchestrator(registry, store, o),
		cascade:  NewCascadeResolver(registry, store),
		log:      o.Logger.With("component", "datastore"),
	}, nil
}

func (d *DataStore) Start(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.orch.Start(ctx)
}

func (d *DataStore) Stop(ctx context.Context) error {
	return d.orch.Stop(ctx)
}

func (d *DataStore) Clear(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.orch.Clear(ctx)
}

// Save writes rec locally and queues it for the remote. The record is
// readable as soon as Save returns.
func (d *DataStore) Save(ctx context.Context, rec record.Record) (record.Stored, error) {
	if d.closed.Load() {
		return record.Stored{}, ErrClosed
	}
	m, err := d.registry.Model(rec.TypeName)
	if err != nil {
		return record.Stored{}, fmt.Errorf("save: %w", err)
	}
	if err := m.Validate(rec); err != nil {
		return record.Stored{}, fmt.Errorf("save: %w", err)
	}
	key, err := m.KeyOf(rec)
	if err != nil {
		return record.Stored{}, fmt.Errorf("save: %w", err)
	}
	rec = rec.Clone()

	unlock := d.orch.locks.Lock(rec.TypeName, key)
	existing, err := d.orch.merger.get(ctx, rec.TypeName, key)
	if err != nil {
		unlock()
		return record.Stored{}, err
	}

	op := record.OperationCreate
	meta := record.Metadata{TypeName: rec.TypeName, Key: key}
	if existing != nil {
		meta.Version = existing.Metadata.Version
		if existing.Visible() {
			op = record.OperationUpdate
		}
	}
	meta.LastChangedAt = time.Now().UTC()

	entry, err := d.orch.outbox.Enqueue(ctx, OutboxEntry{
		TypeName:  rec.TypeName,
		Key:       key,
		Operation: op,
		Payload:   rec,
	})
	if err != nil {
		unlock()
		return record.Stored{}, fmt.Errorf("save %s %s: %w", rec.TypeName, key, err)
	}

	state := record.StateUpdated
	if entry.Operation == record.OperationCreate {
		state = record.StateNew
	}
	stored := record.Stored{Record: rec, Metadata: meta, State: state}
	if err := d.store.Save(ctx, stored); err != nil {
		unlock()
		return record.Stored{}, Fatal("save local record", err)
	}
	unlock()

	d.enqueued(entry)
	d.restartAfterClear()
	return stored, nil
}

// Delete removes the record and, first, every local record that belongs to
// it. The deletions are queued for the remote in that order.
func (d *DataStore) Delete(ctx context.Context, typeName string, key record.Key) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if _, err := d.registry.Model(typeName); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	root, err := d.Get(ctx, typeName, key)
	if err != nil {
		return err
	}

	order, err := d.cascade.Resolve(ctx, *root)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", typeName, key, err)
	}
	for _, s := range order {
		if err := d.deleteOne(ctx, s.Metadata.TypeName, s.Metadata.Key); err != nil {
			return err
		}
	}
	if len(order) > 1 {
		d.log.Debug("cascade delete queued", "type", typeName, "key", key, "records", len(order))
	}
	d.restartAfterClear()
	return nil
}

func (d *DataStore) deleteOne(ctx context.Context, typeName string, key record.Key) error {
	unlock := d.orch.locks.Lock(typeName, key)
	defer unlock()

	current, err := d.orch.merger.get(ctx, typeName, key)
	if err != nil {
		return err
	}
	if current == nil || !current.Visible() {
		return nil
	}

	entry, err := d.orch.outbox.Enqueue(ctx, OutboxEntry{
		TypeName:  typeName,
		Key:       key,
		Operation: record.OperationDelete,
		Payload:   current.Record,
	})
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", typeName, key, err)
	}
	current.State = record.StateDeletedPending
	current.Metadata.LastChangedAt = time.Now().UTC()
	if err := d.store.Save(ctx, *current); err != nil {
		return Fatal("mark record deleted", err)
	}
	d.enqueued(entry)
	return nil
}

func (d *DataStore) enqueued(e OutboxEntry) {
	d.orch.hub.Publish(EventOutboxMutationEnqueued, MutationEvent{
		EntryID:   e.ID,
		TypeName:  e.TypeName,
		Key:       e.Key,
		Operation: e.Operation,
	})
}

func (d *DataStore) restartAfterClear() {
	if !d.orch.takeCleared() {
		return
	}
	go func() {
		if err := d.orch.Start(context.Background()); err != nil {
			d.log.Error("start after clear", "error", err)
		}
	}()
}

// Get returns the visible record with the given key or record.ErrNotFound.
func (d *DataStore) Get(ctx context.Context, typeName string, key record.Key) (*record.Stored, error) {
	if _, err := d.registry.Model(typeName); err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	s, err := d.store.Get(ctx, typeName, key)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", typeName, key, err)
	}
	if !s.Visible() {
		return nil, fmt.Errorf("get %s %s: %w", typeName, key, record.ErrNotFound)
	}
	return s, nil
}

// Query returns the visible records of typeName matching p.
func (d *DataStore) Query(ctx context.Context, typeName string, p predicate.Predicate) ([]record.Stored, error) {
	if _, err := d.registry.Model(typeName); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("query %s: %w", typeName, err)
	}
	rows, err := d.store.Query(ctx, typeName, p)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", typeName, err)
	}
	out := rows[:0]
	for _, r := range rows {
		if r.Visible() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Observe streams local changes of typeName matching p until ctx is done.
func (d *DataStore) Observe(ctx context.Context, typeName string, p predicate.Predicate) (<-chan record.Change, error) {
	if _, err := d.registry.Model(typeName); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("observe %s: %w", typeName, err)
	}
	return d.store.Observe(ctx, typeName, p)
}

// TriggerSync runs a delta pass now, or a base pass when full is set.
func (d *DataStore) TriggerSync(ctx context.Context, full bool) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.orch.TriggerSync(ctx, full)
}

// Events subscribes to engine events. Call the returned function to stop
// receiving them.
func (d *DataStore) Events(buffer int) (<-chan Event, func()) {
	return d.orch.hub.Subscribe(buffer)
}

func (d *DataStore) State() State {
	return d.orch.State()
}

// PendingMutations lists queued outbox entries in send order.
func (d *DataStore) PendingMutations() []OutboxEntry {
	return d.orch.outbox.Entries()
}

// Close stops the engine and closes every event subscription.
func (d *DataStore) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	err := d.orch.Stop(ctx)
	d.orch.hub.Close()
	return err
}
