package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"datasync/internal/domain/record"
)

// OutboxEntry is a pending local mutation.
type OutboxEntry struct {
	ID         string           `json:"id"`
	TypeName   string           `json:"type_name"`
	Key        record.Key       `json:"key"`
	Operation  record.Operation `json:"operation"`
	Payload    record.Record    `json:"payload"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

type queued struct {
	entry OutboxEntry
	// conflict is a newer remote snapshot seen while the entry was waiting.
	conflict *record.WithMetadata
}

// MutationOutbox is the FIFO of pending local mutations. It keeps at most
// one pending entry per key: a mutation on a key that is already queued is
// merged into the queued entry, which keeps its position. The entry being
// sent is not pending, so mutations issued meanwhile queue behind it.
//
// The persisted queue is read on Load or, before that, on the first write,
// so a write issued before the engine starts merges with entries left by an
// earlier run.
type MutationOutbox struct {
	mu       sync.Mutex
	store    OutboxStore
	loaded   bool
	queue    []*queued
	pending  map[string]*queued
	counts   map[string]int
	inFlight *queued
	signal   chan struct{}
}

func NewMutationOutbox(store OutboxStore) *MutationOutbox {
	return &MutationOutbox{
		store:   store,
		pending: make(map[string]*queued),
		counts:  make(map[string]int),
		signal:  make(chan struct{}, 1),
	}
}

func outboxKey(typeName string, key record.Key) string {
	return typeName + "/" + string(key)
}

// Load replaces the in-memory queue with the persisted one.
func (o *MutationOutbox) Load(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadLocked(ctx)
}

func (o *MutationOutbox) ensureLoaded(ctx context.Context) error {
	if o.loaded {
		return nil
	}
	return o.loadLocked(ctx)
}

func (o *MutationOutbox) loadLocked(ctx context.Context) error {
	entries, err := o.store.LoadOutbox(ctx)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	o.queue = o.queue[:0]
	o.pending = make(map[string]*queued, len(entries))
	o.counts = make(map[string]int, len(entries))
	o.inFlight = nil
	for _, e := range entries {
		q := &queued{entry: e}
		k := outboxKey(e.TypeName, e.Key)
		o.queue = append(o.queue, q)
		o.pending[k] = q
		o.counts[k]++
	}
	o.loaded = true
	o.notify()
	return nil
}

// Enqueue adds e or merges it into the pending entry for the same key and
// returns the resulting entry.
func (o *MutationOutbox) Enqueue(ctx context.Context, e OutboxEntry) (OutboxEntry, error) {
	if !e.Operation.Valid() {
		return OutboxEntry{}, fmt.Errorf("%w: operation %q", record.ErrInvalidData, e.Operation)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.ensureLoaded(ctx); err != nil {
		return OutboxEntry{}, err
	}

	k := outboxKey(e.TypeName, e.Key)
	existing, ok := o.pending[k]
	if !ok {
		if err := o.store.SaveOutboxEntry(ctx, e); err != nil {
			return OutboxEntry{}, fmt.Errorf("persist outbox entry: %w", err)
		}
		q := &queued{entry: e}
		o.queue = append(o.queue, q)
		o.pending[k] = q
		o.counts[k]++
		o.notify()
		return e, nil
	}

	merged, err := mergeEntries(existing.entry, e)
	if err != nil {
		return OutboxEntry{}, err
	}
	if err := o.store.SaveOutboxEntry(ctx, merged); err != nil {
		return OutboxEntry{}, fmt.Errorf("persist outbox entry: %w", err)
	}
	existing.entry = merged
	return merged, nil
}

// mergeEntries folds incoming into existing. The result keeps the identity
// and enqueue time of existing.
func mergeEntries(existing, incoming OutboxEntry) (OutboxEntry, error) {
	merged := existing
	merged.Payload = incoming.Payload

	switch {
	case incoming.Operation == record.OperationDelete:
		merged.Operation = record.OperationDelete
	case existing.Operation == record.OperationDelete:
		return OutboxEntry{}, fmt.Errorf("%w: %s %s", ErrPendingDelete, existing.TypeName, existing.Key)
	}
	// CREATE+UPDATE stays CREATE; UPDATE+UPDATE and the CREATE repeats keep
	// the queued operation with the newer payload.
	return merged, nil
}

func (o *MutationOutbox) PeekFront() (OutboxEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return OutboxEntry{}, false
	}
	return o.queue[0].entry, true
}

// Begin marks the front entry as in flight and returns it together with a
// remote snapshot that conflicted with it while it waited, if any.
func (o *MutationOutbox) Begin() (OutboxEntry, *record.WithMetadata, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return OutboxEntry{}, nil, false
	}
	q := o.queue[0]
	o.inFlight = q
	k := outboxKey(q.entry.TypeName, q.entry.Key)
	if o.pending[k] == q {
		delete(o.pending, k)
	}
	c := q.conflict
	q.conflict = nil
	return q.entry, c, true
}

// Finish returns an in-flight entry that was not sent to the pending state.
func (o *MutationOutbox) Finish(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight == nil || o.inFlight.entry.ID != id {
		return
	}
	k := outboxKey(o.inFlight.entry.TypeName, o.inFlight.entry.Key)
	if _, ok := o.pending[k]; !ok {
		o.pending[k] = o.inFlight
	}
	o.inFlight = nil
}

func (o *MutationOutbox) RemoveFront(ctx context.Context) error {
	e, ok := o.PeekFront()
	if !ok {
		return nil
	}
	return o.Remove(ctx, e.ID)
}

func (o *MutationOutbox) Remove(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := -1
	for i, q := range o.queue {
		if q.entry.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if err := o.store.DeleteOutboxEntry(ctx, id); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}

	q := o.queue[idx]
	o.queue = append(o.queue[:idx], o.queue[idx+1:]...)
	k := outboxKey(q.entry.TypeName, q.entry.Key)
	if o.pending[k] == q {
		delete(o.pending, k)
	}
	if o.counts[k]--; o.counts[k] <= 0 {
		delete(o.counts, k)
	}
	if o.inFlight == q {
		o.inFlight = nil
	}
	return nil
}

// Contains reports whether any entry, in flight or pending, targets the key.
func (o *MutationOutbox) Contains(typeName string, key record.Key) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[outboxKey(typeName, key)] > 0
}

// Queued counts the entries, in flight or pending, that target the key.
func (o *MutationOutbox) Queued(typeName string, key record.Key) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[outboxKey(typeName, key)]
}

// UpdateIfExists replaces the payload of the pending entry for the key.
func (o *MutationOutbox) UpdateIfExists(ctx context.Context, typeName string, key record.Key, payload record.Record) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.ensureLoaded(ctx); err != nil {
		return false, err
	}

	q, ok := o.pending[outboxKey(typeName, key)]
	if !ok {
		return false, nil
	}
	updated := q.entry
	updated.Payload = payload
	if err := o.store.SaveOutboxEntry(ctx, updated); err != nil {
		return false, fmt.Errorf("persist outbox entry: %w", err)
	}
	q.entry = updated
	return true, nil
}

// ReplacePayload rewrites the payload of the entry with the given id,
// including the one in flight.
func (o *MutationOutbox) ReplacePayload(ctx context.Context, id string, payload record.Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, q := range o.queue {
		if q.entry.ID != id {
			continue
		}
		updated := q.entry
		updated.Payload = payload
		if err := o.store.SaveOutboxEntry(ctx, updated); err != nil {
			return fmt.Errorf("persist outbox entry: %w", err)
		}
		q.entry = updated
		return nil
	}
	return nil
}

// AttachConflict records a remote snapshot against the pending entry of its
// key. It reports false when no pending entry exists.
func (o *MutationOutbox) AttachConflict(remote record.WithMetadata) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.pending[outboxKey(remote.Metadata.TypeName, remote.Metadata.Key)]
	if !ok {
		return false
	}
	if q.conflict == nil || q.conflict.Metadata.Version < remote.Metadata.Version {
		snapshot := remote
		q.conflict = &snapshot
	}
	return true
}

func (o *MutationOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Entries returns a snapshot of the queue in processing order.
func (o *MutationOutbox) Entries() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxEntry, 0, len(o.queue))
	for _, q := range o.queue {
		out = append(out, q.entry)
	}
	return out
}

func (o *MutationOutbox) Clear(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.ClearOutbox(ctx); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	o.queue = nil
	o.pending = make(map[string]*queued)
	o.counts = make(map[string]int)
	o.inFlight = nil
	o.loaded = true
	return nil
}

// Signal fires after an entry is appended.
func (o *MutationOutbox) Signal() <-chan struct{} {
	return o.signal
}

func (o *MutationOutbox) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}
