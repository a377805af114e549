package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slog"

	"datasync/internal/domain/record"
)

// keyLocks serializes local writes per record key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (l *keyLocks) Lock(typeName string, key record.Key) func() {
	k := outboxKey(typeName, key)

	l.mu.Lock()
	kl, ok := l.locks[k]
	if !ok {
		kl = &keyLock{}
		l.locks[k] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		if kl.refs--; kl.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}

type mergeOutcome int

const (
	outcomeDiscarded mergeOutcome = iota
	outcomeDeferred
	outcomeCreated
	outcomeUpdated
	outcomeDeleted
)

// reconciler is the single path through which remote state reaches the
// local store: sync pages, subscription events and mutation acks.
type reconciler struct {
	store  LocalStore
	outbox *MutationOutbox
	locks  *keyLocks
	log    *slog.Logger
}

// Merge applies a remote record when it is newer than the local copy. When
// a local mutation for the key is queued the record is not written; it is
// attached to the queued entry as conflict data instead.
func (r *reconciler) Merge(ctx context.Context, incoming record.WithMetadata) (mergeOutcome, error) {
	meta := incoming.Metadata
	unlock := r.locks.Lock(meta.TypeName, meta.Key)
	defer unlock()

	local, err := r.get(ctx, meta.TypeName, meta.Key)
	if err != nil {
		return outcomeDiscarded, err
	}
	if local != nil && meta.Version <= local.Metadata.Version {
		return outcomeDiscarded, nil
	}
	if r.outbox.Contains(meta.TypeName, meta.Key) {
		if r.outbox.AttachConflict(incoming) {
			r.log.Debug("remote change deferred to pending mutation",
				"type", meta.TypeName, "key", meta.Key, "version", meta.Version)
		}
		return outcomeDeferred, nil
	}

	if err := r.store.Save(ctx, record.Stored{
		Record:   incoming.Record,
		Metadata: meta,
		State:    record.StateSynced,
	}); err != nil {
		return outcomeDiscarded, Fatal("save remote record", err)
	}

	switch {
	case meta.Deleted:
		return outcomeDeleted, nil
	case local == nil || !local.Visible():
		return outcomeCreated, nil
	}
	return outcomeUpdated, nil
}

// Acknowledge settles a sent entry: the remote result is written locally
// and the entry leaves the outbox. If further mutations for the key are
// queued only the version is taken over so the newer local intent stays
// visible.
func (r *reconciler) Acknowledge(ctx context.Context, entry OutboxEntry, ack record.WithMetadata) error {
	unlock := r.locks.Lock(entry.TypeName, entry.Key)
	defer unlock()

	local, err := r.get(ctx, entry.TypeName, entry.Key)
	if err != nil {
		return err
	}

	switch {
	case r.outbox.Queued(entry.TypeName, entry.Key) > 1 && local != nil:
		if ack.Metadata.Version > local.Metadata.Version {
			local.Metadata.Version = ack.Metadata.Version
			if err := r.store.Save(ctx, *local); err != nil {
				return Fatal("save acknowledged metadata", err)
			}
		}
	case local != nil && ack.Metadata.Version < local.Metadata.Version:
	default:
		if err := r.store.Save(ctx, record.Stored{
			Record:   ack.Record,
			Metadata: ack.Metadata,
			State:    record.StateSynced,
		}); err != nil {
			return Fatal("save acknowledged record", err)
		}
	}

	if err := r.outbox.Remove(ctx, entry.ID); err != nil {
		return Fatal("remove outbox entry", err)
	}
	return nil
}

// Abandon drops an entry that will never reach the remote. A queued delete
// that is abandoned still removes the local record the host deleted.
func (r *reconciler) Abandon(ctx context.Context, entry OutboxEntry) error {
	unlock := r.locks.Lock(entry.TypeName, entry.Key)
	defer unlock()

	if entry.Operation == record.OperationDelete && r.outbox.Queued(entry.TypeName, entry.Key) <= 1 {
		local, err := r.get(ctx, entry.TypeName, entry.Key)
		if err != nil {
			return err
		}
		if local != nil && local.State == record.StateDeletedPending {
			if err := r.store.Delete(ctx, entry.TypeName, entry.Key); err != nil {
				return Fatal("purge deleted record", err)
			}
		}
	}

	if err := r.outbox.Remove(ctx, entry.ID); err != nil {
		return Fatal("remove outbox entry", err)
	}
	return nil
}

func (r *reconciler) get(ctx context.Context, typeName string, key record.Key) (*record.Stored, error) {
	s, err := r.store.Get(ctx, typeName, key)
	if errors.Is(err, record.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Fatal("read local record", fmt.Errorf("%s %s: %w", typeName, key, err))
	}
	return s, nil
}
