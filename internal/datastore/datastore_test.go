package datastore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasync/internal/datastore"
	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
	"datasync/internal/domain/schema"
	"datasync/internal/infrastructure/storage/memory"
)

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) handle(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) matching(target error) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, err := range l.errs {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}

func TestDataStore_ReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.start(t)
	h.waitEvent(t, datastore.EventReady, nil)
	assert.Equal(t, datastore.StateLocalOnly, h.ds.State())

	saved, err := h.ds.Save(ctx, post("p1", "b1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, record.StateNew, saved.State)

	got, err := h.ds.Get(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Record.Fields["title"])

	_, err = h.ds.Save(ctx, post("p1", "b1", "edited"))
	require.NoError(t, err)
	rows, err := h.ds.Query(ctx, "Post", predicate.Eq("blogID", "b1"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "edited", rows[0].Record.Fields["title"])
	// Still a create for the remote: the first write was never sent.
	assert.Equal(t, record.StateNew, rows[0].State)

	pending := h.ds.PendingMutations()
	require.Len(t, pending, 1)
	assert.Equal(t, record.OperationCreate, pending[0].Operation)
	assert.Equal(t, "edited", pending[0].Payload.Fields["title"])
}

func TestDataStore_SaveValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.ds.Save(ctx, record.New("Unknown", map[string]any{"id": "x"}))
	assert.ErrorIs(t, err, schema.ErrUnknownType)

	_, err = h.ds.Save(ctx, record.New("Post", map[string]any{"blogID": "b1"}))
	assert.ErrorIs(t, err, schema.ErrMissingKey)

	_, err = h.ds.Save(ctx, record.New("Post", map[string]any{"id": "p1", "blogID": 7}))
	assert.ErrorIs(t, err, schema.ErrInvalidRecord)

	assert.Empty(t, h.ds.PendingMutations())
}

func TestDataStore_SaveAfterPendingDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.ds.Save(ctx, blog("b1", "notes"))
	require.NoError(t, err)
	require.NoError(t, h.ds.Delete(ctx, "Blog", "b1"))

	_, err = h.ds.Get(ctx, "Blog", "b1")
	assert.ErrorIs(t, err, record.ErrNotFound)

	pending := h.ds.PendingMutations()
	require.Len(t, pending, 1)
	assert.Equal(t, record.OperationDelete, pending[0].Operation)

	_, err = h.ds.Save(ctx, blog("b1", "again"))
	assert.ErrorIs(t, err, datastore.ErrPendingDelete)
}

func TestDataStore_MutationsReachRemoteInOrder(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	h := newHarness(t, remote)
	h.start(t)
	h.waitEvent(t, datastore.EventReady, nil)
	assert.Equal(t, datastore.StateSyncViaAPI, h.ds.State())

	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := h.ds.Save(ctx, blog(id, "blog "+id))
		require.NoError(t, err)
	}
	h.waitDrained(t)

	sent := remote.sent()
	require.Len(t, sent, 3)
	for i, id := range []string{"b1", "b2", "b3"} {
		assert.Equal(t, id, sent[i].Record.Fields["id"])
		assert.Equal(t, record.OperationCreate, sent[i].Operation)
	}

	got, err := h.ds.Get(ctx, "Blog", "b2")
	require.NoError(t, err)
	assert.Equal(t, record.StateSynced, got.State)
	assert.Equal(t, 1, got.Metadata.Version)
}

func TestDataStore_RecoverableErrorsRetryWithoutReordering(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	failures := 3
	remote.mutateErr = func(datastore.MutationRequest) error {
		if failures > 0 {
			failures--
			return datastore.Recoverable("mutate", errRemoteDown)
		}
		return nil
	}
	h := newHarness(t, remote)
	h.start(t)

	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := h.ds.Save(ctx, blog(id, "blog"))
		require.NoError(t, err)
	}
	h.waitDrained(t)

	sent := remote.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "b1", sent[0].Record.Fields["id"])
	assert.Equal(t, "b2", sent[1].Record.Fields["id"])
	assert.Equal(t, "b3", sent[2].Record.Fields["id"])
}

func TestDataStore_IrrecoverableErrorSkipsEntry(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.mutateErr = func(req datastore.MutationRequest) error {
		if req.Record.Fields["id"] == "bad" {
			return datastore.Irrecoverable("mutate", errors.New("rejected"))
		}
		return nil
	}
	errs := &errorLog{}
	h := newHarness(t, remote, datastore.WithErrorHandler(errs.handle))
	h.start(t)

	_, err := h.ds.Save(ctx, blog("bad", "x"))
	require.NoError(t, err)
	_, err = h.ds.Save(ctx, blog("good", "y"))
	require.NoError(t, err)

	ev := h.waitEvent(t, datastore.EventOutboxMutationFailed, nil)
	failed := ev.Data.(datastore.MutationEvent)
	assert.Equal(t, record.Key("bad"), failed.Key)
	assert.True(t, datastore.IsIrrecoverable(failed.Err))

	h.waitDrained(t)
	_, ok := remote.get("Blog", "good")
	assert.True(t, ok)
	_, ok = remote.get("Blog", "bad")
	assert.False(t, ok)
	assert.Equal(t, datastore.StateSyncViaAPI, h.ds.State())
}

func TestDataStore_ConflictApplyRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(post("p1", "b1", "original"), 1)
	h := newHarness(t, remote)
	h.start(t)

	got, err := h.ds.Get(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Metadata.Version)

	remote.seed(post("p1", "b1", "remote edit"), 2)
	_, err = h.ds.Save(ctx, post("p1", "b1", "local edit"))
	require.NoError(t, err)
	h.waitDrained(t)

	got, err = h.ds.Get(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, "remote edit", got.Record.Fields["title"])
	assert.Equal(t, 2, got.Metadata.Version)
	assert.Equal(t, record.StateSynced, got.State)

	r, _ := remote.get("Post", "p1")
	assert.Equal(t, "remote edit", r.Record.Fields["title"])
}

func TestDataStore_ConflictRetryLocal(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(post("p1", "b1", "original"), 1)
	h := newHarness(t, remote, datastore.WithConflictHandler(datastore.AlwaysRetryLocal))
	h.start(t)

	remote.seed(post("p1", "b1", "remote edit"), 2)
	_, err := h.ds.Save(ctx, post("p1", "b1", "local edit"))
	require.NoError(t, err)
	h.waitDrained(t)

	r, _ := remote.get("Post", "p1")
	assert.Equal(t, "local edit", r.Record.Fields["title"])
	assert.Equal(t, 3, r.Metadata.Version)

	got, err := h.ds.Get(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, "local edit", got.Record.Fields["title"])
	assert.Equal(t, 3, got.Metadata.Version)
}

func TestDataStore_ConflictMergedRecord(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(post("p1", "b1", "original"), 1)
	handler := func(_ context.Context, data datastore.ConflictData) (datastore.Decision, error) {
		merged := data.Remote.Record.Clone()
		merged.Fields["title"] = data.Local.Record.Fields["title"].(string) + " + " + data.Remote.Record.Fields["title"].(string)
		return datastore.RetryWith(merged), nil
	}
	h := newHarness(t, remote, datastore.WithConflictHandler(handler))
	h.start(t)

	remote.seed(post("p1", "b1", "theirs"), 2)
	_, err := h.ds.Save(ctx, post("p1", "b1", "mine"))
	require.NoError(t, err)
	h.waitDrained(t)

	r, _ := remote.get("Post", "p1")
	assert.Equal(t, "mine + theirs", r.Record.Fields["title"])
	got, err := h.ds.Get(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, "mine + theirs", got.Record.Fields["title"])
}

func TestDataStore_ConflictRetriesExceeded(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	current := remote.seed(post("p1", "b1", "original"), 1)
	errs := &errorLog{}
	h := newHarness(t, remote,
		datastore.WithConflictHandler(datastore.AlwaysRetryLocal),
		datastore.WithMaxConflictRetries(2),
		datastore.WithErrorHandler(errs.handle),
	)
	h.start(t)

	current.Metadata.Version = 5
	remote.setMutateErr(func(req datastore.MutationRequest) error {
		return &datastore.ConflictError{Remote: current, ExpectedVersion: req.ExpectedVersion}
	})
	_, err := h.ds.Save(ctx, post("p1", "b1", "never lands"))
	require.NoError(t, err)

	ev := h.waitEvent(t, datastore.EventOutboxMutationFailed, nil)
	assert.ErrorIs(t, ev.Data.(datastore.MutationEvent).Err, datastore.ErrConflictRetriesExceeded)
	h.waitDrained(t)
	assert.Equal(t, 1, errs.matching(datastore.ErrConflictRetriesExceeded))
	assert.Equal(t, datastore.StateSyncViaAPI, h.ds.State())
}

func TestDataStore_CascadeDeleteOrder(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	h := newHarness(t, remote)
	h.start(t)

	for _, r := range []record.Record{
		blog("b1", "main"),
		blog("b2", "other"),
		post("p1", "b1", "one"),
		post("p2", "b1", "two"),
		post("p3", "b2", "three"),
		comment("c1", "p1", "first"),
	} {
		_, err := h.ds.Save(ctx, r)
		require.NoError(t, err)
	}
	h.waitDrained(t)
	created := len(remote.sent())

	require.NoError(t, h.ds.Delete(ctx, "Blog", "b1"))
	for _, k := range []struct {
		typeName string
		key      record.Key
	}{{"Blog", "b1"}, {"Post", "p1"}, {"Post", "p2"}, {"Comment", "c1"}} {
		_, err := h.ds.Get(ctx, k.typeName, k.key)
		assert.ErrorIs(t, err, record.ErrNotFound, "%s %s", k.typeName, k.key)
	}
	h.waitDrained(t)

	deletes := remote.sent()[created:]
	require.Len(t, deletes, 4)
	order := make([]string, 0, len(deletes))
	for _, d := range deletes {
		assert.Equal(t, record.OperationDelete, d.Operation)
		order = append(order, d.TypeName+":"+d.Record.Fields["id"].(string))
	}
	assert.Equal(t, []string{"Comment:c1", "Post:p1", "Post:p2", "Blog:b1"}, order)

	_, err := h.ds.Get(ctx, "Post", "p3")
	assert.NoError(t, err)
	r, _ := remote.get("Blog", "b1")
	assert.True(t, r.Metadata.Deleted)
}

func TestDataStore_StopSaveStart(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	h := newHarness(t, remote)
	h.start(t)

	require.NoError(t, h.ds.Stop(ctx))
	assert.Equal(t, datastore.StateStopped, h.ds.State())

	_, err := h.ds.Save(ctx, blog("b1", "offline"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.ds.PendingMutations(), 1)
	_, ok := remote.get("Blog", "b1")
	assert.False(t, ok)

	h.start(t)
	h.waitDrained(t)
	r, ok := remote.get("Blog", "b1")
	require.True(t, ok)
	assert.Equal(t, "offline", r.Record.Fields["name"])
}

func TestDataStore_SaveBeforeStartMergesPersistedQueue(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	earlier := newHarnessWithStore(t, store, nil)
	_, err := earlier.ds.Save(ctx, blog("b1", "one"))
	require.NoError(t, err)
	require.NoError(t, earlier.ds.Close(ctx))

	remote := newFakeRemote()
	h := newHarnessWithStore(t, store, remote)
	saved, err := h.ds.Save(ctx, blog("b1", "two"))
	require.NoError(t, err)
	assert.Equal(t, record.StateNew, saved.State)

	pending := h.ds.PendingMutations()
	require.Len(t, pending, 1)
	assert.Equal(t, record.OperationCreate, pending[0].Operation)
	assert.Equal(t, "two", pending[0].Payload.Fields["name"])

	h.start(t)
	h.waitDrained(t)
	sent := remote.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, record.OperationCreate, sent[0].Operation)
	r, ok := remote.get("Blog", "b1")
	require.True(t, ok)
	assert.Equal(t, "two", r.Record.Fields["name"])
	assert.Equal(t, 1, r.Metadata.Version)
}

func TestDataStore_ConcurrentStart(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(blog("b1", "seeded"), 1)
	h := newHarness(t, remote)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.ds.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, datastore.StateSyncViaAPI, h.ds.State())

	counts := make(map[datastore.EventType]int)
	syncing := 0
	for _, ev := range h.drain() {
		counts[ev.Type]++
		if ev.Type == datastore.EventStateChanged && ev.Data.(datastore.StateChange).To == datastore.StateSyncViaAPI {
			syncing++
		}
	}
	assert.Equal(t, 1, syncing)
	assert.Equal(t, 1, counts[datastore.EventReady])
	assert.Equal(t, 1, counts[datastore.EventSyncQueriesStarted])
	assert.Equal(t, 1, counts[datastore.EventSubscriptionsEstablished])
}

func TestDataStore_ClearThenSaveRestarts(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	h := newHarness(t, remote)
	h.start(t)
	h.waitEvent(t, datastore.EventReady, nil)

	_, err := h.ds.Save(ctx, blog("b1", "before"))
	require.NoError(t, err)
	h.waitDrained(t)

	require.NoError(t, h.ds.Clear(ctx))
	h.waitEvent(t, datastore.EventStateChanged, func(ev datastore.Event) bool {
		c := ev.Data.(datastore.StateChange)
		return c.From == datastore.StateClearing && c.To == datastore.StateStopped
	})
	_, err = h.ds.Get(ctx, "Blog", "b1")
	assert.ErrorIs(t, err, record.ErrNotFound)

	_, err = h.ds.Save(ctx, blog("b2", "after"))
	require.NoError(t, err)
	h.waitEvent(t, datastore.EventReady, nil)
	h.waitDrained(t)

	r, ok := remote.get("Blog", "b2")
	require.True(t, ok)
	assert.Equal(t, "after", r.Record.Fields["name"])
	got, err := h.ds.Get(ctx, "Blog", "b2")
	require.NoError(t, err)
	assert.Equal(t, record.StateSynced, got.State)
	// Hydration after the restart brings back what the remote holds.
	_, err = h.ds.Get(ctx, "Blog", "b1")
	assert.NoError(t, err)
}

func TestDataStore_BaseSyncPaginates(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		remote.seed(post(id, "b1", "t"), 1)
	}
	h := newHarness(t, remote, datastore.WithSyncPageSize(2))
	h.start(t)

	ev := h.waitEvent(t, datastore.EventModelSynced, func(ev datastore.Event) bool {
		return ev.Data.(datastore.ModelSynced).Model == "Post"
	})
	stats := ev.Data.(datastore.ModelSynced)
	assert.True(t, stats.FullSync)
	assert.Equal(t, 5, stats.Added)

	rows, err := h.ds.Query(ctx, "Post", predicate.All())
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	cursor, err := h.store.GetCursor(ctx, "Post")
	require.NoError(t, err)
	assert.Empty(t, cursor.NextToken)
	assert.False(t, cursor.LastSync.IsZero())
	assert.Equal(t, cursor.LastSync, cursor.LastFullSync)
}

func TestDataStore_SyncMaxRecords(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		remote.seed(post(id, "b1", "t"), 1)
	}
	h := newHarness(t, remote, datastore.WithSyncPageSize(2), datastore.WithSyncMaxRecords(3))
	h.start(t)

	rows, err := h.ds.Query(ctx, "Post", predicate.All())
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestDataStore_SyncExpression(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(post("p1", "b1", "kept"), 1)
	remote.seed(post("p2", "b2", "filtered"), 1)
	h := newHarness(t, remote, datastore.WithSyncExpression("Post", predicate.Eq("blogID", "b1")))
	h.start(t)

	rows, err := h.ds.Query(ctx, "Post", predicate.All())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, record.Key("p1"), rows[0].Metadata.Key)
}

func TestDataStore_IrrecoverableQuerySkipsType(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(blog("b1", "kept"), 1)
	remote.seed(comment("c1", "p1", "skipped"), 1)
	remote.queryErr = func(req datastore.QueryRequest) error {
		if req.TypeName == "Comment" {
			return datastore.Irrecoverable("query", errors.New("not authorized"))
		}
		return nil
	}
	errs := &errorLog{}
	h := newHarness(t, remote, datastore.WithErrorHandler(errs.handle))
	h.start(t)

	assert.Equal(t, datastore.StateSyncViaAPI, h.ds.State())
	_, err := h.ds.Get(ctx, "Blog", "b1")
	assert.NoError(t, err)
	_, err = h.ds.Get(ctx, "Comment", "c1")
	assert.ErrorIs(t, err, record.ErrNotFound)

	errs.mu.Lock()
	defer errs.mu.Unlock()
	assert.NotEmpty(t, errs.errs)
}

func TestDataStore_DeltaSync(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	h := newHarness(t, remote)
	assert.ErrorIs(t, h.ds.TriggerSync(ctx, false), datastore.ErrNotSyncing)
	h.start(t)

	time.Sleep(5 * time.Millisecond)
	remote.seed(blog("b9", "late"), 1)
	require.NoError(t, h.ds.TriggerSync(ctx, false))

	ev := h.waitEvent(t, datastore.EventModelSynced, func(ev datastore.Event) bool {
		s := ev.Data.(datastore.ModelSynced)
		return s.Model == "Blog" && !s.FullSync
	})
	assert.Equal(t, 1, ev.Data.(datastore.ModelSynced).Added)
	_, err := h.ds.Get(ctx, "Blog", "b9")
	assert.NoError(t, err)
}

func TestDataStore_SubscriptionData(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed(post("p1", "b1", "v3"), 3)
	h := newHarness(t, remote)
	h.start(t)
	h.waitEvent(t, datastore.EventSubscriptionsEstablished, nil)

	stale := record.WithMetadata{
		Record:   post("p1", "b1", "stale"),
		Metadata: record.Metadata{TypeName: "Post", Key: "p1", Version: 2},
	}
	fresh := record.WithMetadata{
		Record:   post("p9", "b1", "pushed"),
		Metadata: record.Metadata{TypeName: "Post", Key: "p9", Version: 1},
	}
	remote.push(record.OperationUpdate, stale)
	remote.push(record.OperationUpdate, fresh)

	ev := h.waitEvent(t, datastore.EventSubscriptionDataProcessed, nil)
	data := ev.Data.(datastore.SubscriptionData)
	assert.Equal(t, record.Key("p9"), data.Key)
	assert.Equal(t, record.OperationCreate, data.Operation)

	got, err := h.ds.Get(ctx, "Post", "p1")
	require.NoError(t, err)
	assert.Equal(t, "v3", got.Record.Fields["title"])
	got, err = h.ds.Get(ctx, "Post", "p9")
	require.NoError(t, err)
	assert.Equal(t, "pushed", got.Record.Fields["title"])

	tombstone := record.WithMetadata{
		Record:   post("p9", "b1", "pushed"),
		Metadata: record.Metadata{TypeName: "Post", Key: "p9", Version: 2, Deleted: true},
	}
	remote.push(record.OperationDelete, tombstone)
	h.waitEvent(t, datastore.EventSubscriptionDataProcessed, func(ev datastore.Event) bool {
		return ev.Data.(datastore.SubscriptionData).Operation == record.OperationDelete
	})
	_, err = h.ds.Get(ctx, "Post", "p9")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestDataStore_SubscriptionRestartsAfterStreamError(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	errs := &errorLog{}
	h := newHarness(t, remote, datastore.WithErrorHandler(errs.handle))
	h.start(t)
	h.waitEvent(t, datastore.EventSubscriptionsEstablished, nil)
	require.Equal(t, 1, remote.streamCount("Blog", record.OperationUpdate))
	require.Equal(t, 1, remote.streamCount("Post", record.OperationUpdate))

	remote.fail("Blog", record.OperationUpdate, datastore.Recoverable("subscription", errRemoteDown))

	require.Eventually(t, func() bool {
		return remote.streamCount("Blog", record.OperationUpdate) == 2
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, remote.streamCount("Post", record.OperationUpdate))
	assert.Equal(t, 1, remote.streamCount("Blog", record.OperationCreate))
	assert.Equal(t, 1, errs.matching(errRemoteDown))
	assert.Equal(t, datastore.StateSyncViaAPI, h.ds.State())

	pushed := record.WithMetadata{
		Record:   blog("b7", "after restart"),
		Metadata: record.Metadata{TypeName: "Blog", Key: "b7", Version: 1},
	}
	remote.push(record.OperationUpdate, pushed)
	h.waitEvent(t, datastore.EventSubscriptionDataProcessed, func(ev datastore.Event) bool {
		return ev.Data.(datastore.SubscriptionData).Key == "b7"
	})
	got, err := h.ds.Get(ctx, "Blog", "b7")
	require.NoError(t, err)
	assert.Equal(t, "after restart", got.Record.Fields["name"])
}

func TestDataStore_SubscriptionStoreFailureStops(t *testing.T) {
	store := &failingStore{Storage: memory.NewMemoryStorage()}
	remote := newFakeRemote()
	errs := &errorLog{}
	h := newHarnessWithStore(t, store, remote, datastore.WithErrorHandler(errs.handle))
	h.start(t)
	h.waitEvent(t, datastore.EventSubscriptionsEstablished, nil)

	store.failSave.Store(true)
	remote.push(record.OperationCreate, record.WithMetadata{
		Record:   blog("b1", "unsaved"),
		Metadata: record.Metadata{TypeName: "Blog", Key: "b1", Version: 1},
	})

	h.waitEvent(t, datastore.EventStateChanged, func(ev datastore.Event) bool {
		return ev.Data.(datastore.StateChange).To == datastore.StateStopped
	})
	assert.Equal(t, datastore.StateStopped, h.ds.State())
	assert.GreaterOrEqual(t, errs.matching(errDiskFull), 1)
}

func TestDataStore_NetworkLossCancelsRunningSync(t *testing.T) {
	remote := newFakeRemote()
	network := &fakeNetwork{ch: make(chan bool, 1)}
	h := newHarness(t, remote,
		datastore.WithNetworkMonitor(network),
		datastore.WithSyncInterval(time.Second),
		datastore.WithSyncMaxAttempts(1000),
		datastore.WithBackoff(datastore.Backoff{Base: 50 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}),
	)
	h.start(t)
	h.waitEvent(t, datastore.EventReady, nil)

	remote.setQueryErr(func(datastore.QueryRequest) error {
		return datastore.Recoverable("query", errRemoteDown)
	})
	// The scheduled pass keeps retrying the failing query.
	h.waitEvent(t, datastore.EventSyncQueriesStarted, nil)

	triggered := make(chan error, 1)
	go func() { triggered <- h.ds.TriggerSync(context.Background(), false) }()
	time.Sleep(20 * time.Millisecond)

	network.ch <- false
	ev := h.waitEvent(t, datastore.EventNetworkStatus, func(ev datastore.Event) bool {
		return !ev.Data.(datastore.NetworkStatus).Active
	})
	assert.False(t, ev.Data.(datastore.NetworkStatus).Active)
	assert.Equal(t, datastore.StateLocalOnly, h.ds.State())

	select {
	case err := <-triggered:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manual sync still running after the network was lost")
	}
}

func TestDataStore_RemoteDownDegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.setDown(true)
	network := &fakeNetwork{ch: make(chan bool, 1)}
	h := newHarness(t, remote, datastore.WithNetworkMonitor(network))
	h.start(t)

	ev := h.waitEvent(t, datastore.EventNetworkStatus, nil)
	assert.False(t, ev.Data.(datastore.NetworkStatus).Active)
	h.waitEvent(t, datastore.EventReady, nil)
	assert.Equal(t, datastore.StateLocalOnly, h.ds.State())

	_, err := h.ds.Save(ctx, blog("b1", "offline"))
	require.NoError(t, err)

	remote.setDown(false)
	network.ch <- true
	ev = h.waitEvent(t, datastore.EventNetworkStatus, nil)
	assert.True(t, ev.Data.(datastore.NetworkStatus).Active)
	assert.Equal(t, datastore.StateSyncViaAPI, h.ds.State())

	h.waitDrained(t)
	_, ok := remote.get("Blog", "b1")
	assert.True(t, ok)
}

func TestDataStore_Observe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, nil)

	changes, err := h.ds.Observe(ctx, "Blog", predicate.All())
	require.NoError(t, err)

	_, err = h.ds.Save(ctx, blog("b1", "watched"))
	require.NoError(t, err)

	select {
	case c := <-changes:
		assert.Equal(t, record.OperationCreate, c.Operation)
		assert.Equal(t, "watched", c.Record.Fields["name"])
	case <-time.After(time.Second):
		t.Fatal("no change observed")
	}
}

func TestDataStore_Closed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.ds.Close(ctx))

	_, err := h.ds.Save(ctx, blog("b1", "x"))
	assert.ErrorIs(t, err, datastore.ErrClosed)
	assert.ErrorIs(t, h.ds.Start(ctx), datastore.ErrClosed)

	_, open := <-h.events
	assert.False(t, open)
}
