// Package storetest is the behaviour every LocalStore adapter shares,
// written as a suite the adapter tests run against their own store.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasync/internal/datastore"
	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) datastore.LocalStore

func post(id string, blog string, title string, version int) record.Stored {
	return record.Stored{
		Record: record.New("Post", map[string]any{"id": id, "blogID": blog, "title": title}),
		Metadata: record.Metadata{
			TypeName:      "Post",
			Key:           record.NewKey(id),
			Version:       version,
			LastChangedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		State: record.StateSynced,
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "Post", "nope")
		assert.ErrorIs(t, err, record.ErrNotFound)
	})

	t.Run("save and get", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		in := post("p1", "b1", "hello", 2)
		require.NoError(t, s.Save(ctx, in))

		got, err := s.Get(ctx, "Post", "p1")
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Record.Fields["title"])
		assert.Equal(t, 2, got.Metadata.Version)
		assert.Equal(t, record.StateSynced, got.State)
		assert.True(t, in.Metadata.LastChangedAt.Equal(got.Metadata.LastChangedAt))

		in.Record.Fields["title"] = "changed"
		in.State = record.StateUpdated
		require.NoError(t, s.Save(ctx, in))
		got, err = s.Get(ctx, "Post", "p1")
		require.NoError(t, err)
		assert.Equal(t, "changed", got.Record.Fields["title"])
		assert.Equal(t, record.StateUpdated, got.State)
	})

	t.Run("query filters and orders by key", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Save(ctx, post("p2", "b1", "second", 1)))
		require.NoError(t, s.Save(ctx, post("p1", "b1", "first", 1)))
		require.NoError(t, s.Save(ctx, post("p3", "b2", "other", 1)))

		rows, err := s.Query(ctx, "Post", predicate.Eq("blogID", "b1"))
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, record.Key("p1"), rows[0].Metadata.Key)
		assert.Equal(t, record.Key("p2"), rows[1].Metadata.Key)

		all, err := s.Query(ctx, "Post", predicate.All())
		require.NoError(t, err)
		assert.Len(t, all, 3)

		none, err := s.Query(ctx, "Comment", predicate.All())
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Save(ctx, post("p1", "b1", "x", 1)))
		require.NoError(t, s.Delete(ctx, "Post", "p1"))
		require.NoError(t, s.Delete(ctx, "Post", "p1"))

		_, err := s.Get(ctx, "Post", "p1")
		assert.ErrorIs(t, err, record.ErrNotFound)
	})

	t.Run("outbox keeps order across rewrites", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		enqueued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		for _, id := range []string{"e1", "e2", "e3"} {
			require.NoError(t, s.SaveOutboxEntry(ctx, datastore.OutboxEntry{
				ID:         id,
				TypeName:   "Post",
				Key:        record.Key("k-" + id),
				Operation:  record.OperationCreate,
				Payload:    record.New("Post", map[string]any{"id": "k-" + id}),
				EnqueuedAt: enqueued,
			}))
		}
		require.NoError(t, s.SaveOutboxEntry(ctx, datastore.OutboxEntry{
			ID:         "e1",
			TypeName:   "Post",
			Key:        "k-e1",
			Operation:  record.OperationDelete,
			Payload:    record.New("Post", map[string]any{"id": "k-e1"}),
			EnqueuedAt: enqueued,
		}))
		require.NoError(t, s.DeleteOutboxEntry(ctx, "e2"))

		entries, err := s.LoadOutbox(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "e1", entries[0].ID)
		assert.Equal(t, record.OperationDelete, entries[0].Operation)
		assert.Equal(t, "e3", entries[1].ID)
		assert.True(t, enqueued.Equal(entries[1].EnqueuedAt))

		require.NoError(t, s.ClearOutbox(ctx))
		entries, err = s.LoadOutbox(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("cursors", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		c, err := s.GetCursor(ctx, "Post")
		require.NoError(t, err)
		assert.True(t, c.LastSync.IsZero())

		last := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.SaveCursor(ctx, datastore.SyncCursor{
			TypeName:     "Post",
			NextToken:    "tok",
			PassFull:     true,
			LastSync:     last,
			LastFullSync: last,
		}))
		c, err = s.GetCursor(ctx, "Post")
		require.NoError(t, err)
		assert.Equal(t, "tok", c.NextToken)
		assert.True(t, c.PassFull)
		assert.True(t, last.Equal(c.LastSync))

		require.NoError(t, s.ClearCursors(ctx))
		c, err = s.GetCursor(ctx, "Post")
		require.NoError(t, err)
		assert.Empty(t, c.NextToken)
	})

	t.Run("clear", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Save(ctx, post("p1", "b1", "x", 1)))
		require.NoError(t, s.SaveOutboxEntry(ctx, datastore.OutboxEntry{
			ID: "e1", TypeName: "Post", Key: "p1", Operation: record.OperationUpdate,
			Payload: record.New("Post", map[string]any{"id": "p1"}),
		}))
		require.NoError(t, s.SaveCursor(ctx, datastore.SyncCursor{TypeName: "Post", NextToken: "t"}))

		require.NoError(t, s.Clear(ctx))

		_, err := s.Get(ctx, "Post", "p1")
		assert.ErrorIs(t, err, record.ErrNotFound)
		entries, err := s.LoadOutbox(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
		c, err := s.GetCursor(ctx, "Post")
		require.NoError(t, err)
		assert.Empty(t, c.NextToken)
	})

	t.Run("observe", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s := newStore(t)

		changes, err := s.Observe(ctx, "Post", predicate.Eq("blogID", "b1"))
		require.NoError(t, err)

		require.NoError(t, s.Save(ctx, post("p1", "b1", "a", 1)))
		require.NoError(t, s.Save(ctx, post("p2", "b2", "ignored", 1)))
		require.NoError(t, s.Save(ctx, post("p1", "b1", "b", 2)))
		deleted := post("p1", "b1", "b", 2)
		deleted.State = record.StateDeletedPending
		require.NoError(t, s.Save(ctx, deleted))

		want := []record.Operation{record.OperationCreate, record.OperationUpdate, record.OperationDelete}
		for _, op := range want {
			select {
			case c := <-changes:
				assert.Equal(t, op, c.Operation)
				assert.Equal(t, record.Key("p1"), c.Metadata.Key)
			case <-time.After(time.Second):
				t.Fatalf("no %s change observed", op)
			}
		}

		cancel()
		require.Eventually(t, func() bool {
			_, open := <-changes
			return !open
		}, time.Second, 10*time.Millisecond)
	})
}
