package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"datasync/internal/datastore"
	"datasync/internal/domain/record"
	"datasync/internal/domain/schema"
	"datasync/internal/infrastructure/storage/memory"
)

var errRemoteDown = errors.New("remote unreachable")

// fakeRemote is an in-process backend with version checks, paginated
// queries and subscription streams.
type fakeRemote struct {
	mu        sync.Mutex
	records   map[string]record.WithMetadata
	mutations []datastore.MutationRequest
	streams   map[string][]*fakeStream
	down      bool
	// mutateErr, when set, is consulted before every mutation.
	mutateErr func(req datastore.MutationRequest) error
	// queryErr, when set, is consulted before every query.
	queryErr func(req datastore.QueryRequest) error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records: make(map[string]record.WithMetadata),
		streams: make(map[string][]*fakeStream),
	}
}

func remoteKey(typeName string, key record.Key) string {
	return typeName + "/" + string(key)
}

func (f *fakeRemote) setMutateErr(fn func(req datastore.MutationRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutateErr = fn
}

func (f *fakeRemote) setQueryErr(fn func(req datastore.QueryRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = fn
}

func (f *fakeRemote) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// seed stores a record as if another client had written it. It does not
// notify subscribers.
func (f *fakeRemote) seed(rec record.Record, version int) record.WithMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := record.WithMetadata{
		Record: rec.Clone(),
		Metadata: record.Metadata{
			TypeName:      rec.TypeName,
			Key:           keyOf(rec),
			Version:       version,
			LastChangedAt: time.Now().UTC(),
		},
	}
	f.records[remoteKey(rec.TypeName, item.Metadata.Key)] = item
	return item
}

// push delivers item to subscribers of op without storing it.
func (f *fakeRemote) push(op record.Operation, item record.WithMetadata) {
	f.mu.Lock()
	streams := append([]*fakeStream(nil), f.streams[item.Metadata.TypeName+"/"+string(op)]...)
	f.mu.Unlock()
	for _, s := range streams {
		s.send(datastore.StreamEvent{Kind: datastore.StreamData, Item: item})
	}
}

// fail ends the open streams of typeName and op with err.
func (f *fakeRemote) fail(typeName string, op record.Operation, err error) {
	f.mu.Lock()
	streams := append([]*fakeStream(nil), f.streams[typeName+"/"+string(op)]...)
	f.mu.Unlock()
	for _, s := range streams {
		s.send(datastore.StreamEvent{Kind: datastore.StreamError, Err: err})
	}
}

// streamCount reports how many times typeName and op were subscribed.
func (f *fakeRemote) streamCount(typeName string, op record.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[typeName+"/"+string(op)])
}

func (f *fakeRemote) get(typeName string, key record.Key) (record.WithMetadata, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[remoteKey(typeName, key)]
	return r, ok
}

func (f *fakeRemote) sent() []datastore.MutationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datastore.MutationRequest(nil), f.mutations...)
}

func (f *fakeRemote) Query(_ context.Context, req datastore.QueryRequest) (*datastore.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, datastore.Recoverable("query", errRemoteDown)
	}
	if f.queryErr != nil {
		if err := f.queryErr(req); err != nil {
			return nil, err
		}
	}

	var items []record.WithMetadata
	for _, r := range f.records {
		if r.Metadata.TypeName != req.TypeName {
			continue
		}
		if !req.Since.IsZero() && r.Metadata.LastChangedAt.Before(req.Since) {
			continue
		}
		if !req.Filter.Match(r.Record.Fields) {
			continue
		}
		items = append(items, r)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Metadata.Key < items[j].Metadata.Key })

	start := 0
	if req.NextToken != "" {
		n, err := strconv.Atoi(req.NextToken)
		if err != nil {
			return nil, datastore.Irrecoverable("query", fmt.Errorf("bad token %q", req.NextToken))
		}
		start = n
	}
	end := len(items)
	if req.Limit > 0 && start+req.Limit < end {
		end = start + req.Limit
	}
	page := &datastore.Page{ServerTime: time.Now().UTC()}
	if start < len(items) {
		page.Items = items[start:end]
	}
	if end < len(items) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeRemote) Mutate(_ context.Context, req datastore.MutationRequest) (*record.WithMetadata, error) {
	f.mu.Lock()
	if f.down {
		f.mu.Unlock()
		return nil, datastore.Recoverable("mutate", errRemoteDown)
	}
	if f.mutateErr != nil {
		if err := f.mutateErr(req); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}

	key := keyOf(req.Record)
	k := remoteKey(req.TypeName, key)
	existing, exists := f.records[k]
	conflict := func() (*record.WithMetadata, error) {
		f.mu.Unlock()
		return nil, &datastore.ConflictError{Remote: existing, ExpectedVersion: req.ExpectedVersion}
	}

	next := record.WithMetadata{
		Record: req.Record.Clone(),
		Metadata: record.Metadata{
			TypeName:      req.TypeName,
			Key:           key,
			Version:       1,
			LastChangedAt: time.Now().UTC(),
		},
	}
	switch req.Operation {
	case record.OperationCreate:
		if exists && !existing.Metadata.Deleted {
			return conflict()
		}
		if exists {
			next.Metadata.Version = existing.Metadata.Version + 1
		}
	case record.OperationUpdate, record.OperationDelete:
		if !exists {
			f.mu.Unlock()
			return nil, datastore.Irrecoverable("mutate", fmt.Errorf("%s not found", k))
		}
		if existing.Metadata.Deleted || existing.Metadata.Version != req.ExpectedVersion {
			return conflict()
		}
		next.Metadata.Version = existing.Metadata.Version + 1
		next.Metadata.Deleted = req.Operation == record.OperationDelete
	}

	f.records[k] = next
	f.mutations = append(f.mutations, req)
	f.mu.Unlock()

	f.push(req.Operation, next)
	return &next, nil
}

func (f *fakeRemote) Subscribe(_ context.Context, typeName string, op record.Operation) (datastore.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, datastore.Recoverable("subscribe", errRemoteDown)
	}
	s := &fakeStream{events: make(chan datastore.StreamEvent, 64), done: make(chan struct{})}
	k := typeName + "/" + string(op)
	f.streams[k] = append(f.streams[k], s)
	s.send(datastore.StreamEvent{Kind: datastore.StreamStarted})
	return s, nil
}

type fakeStream struct {
	events chan datastore.StreamEvent
	once   sync.Once
	done   chan struct{}
}

func (s *fakeStream) Events() <-chan datastore.StreamEvent { return s.events }

func (s *fakeStream) Cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *fakeStream) send(ev datastore.StreamEvent) {
	select {
	case <-s.done:
	case s.events <- ev:
	default:
	}
}

// fakeNetwork reports availability changes pushed by the test.
type fakeNetwork struct {
	ch chan bool
}

func (n *fakeNetwork) Watch(context.Context) <-chan bool { return n.ch }

// Blog has many Posts, Post has many Comments.
func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r, err := schema.NewRegistry(
		&schema.Model{
			Name:       "Comment",
			PrimaryKey: []string{"id"},
			Fields: []schema.Field{
				{Name: "id", Type: schema.FieldString, Required: true},
				{Name: "postID", Type: schema.FieldString, Required: true},
				{Name: "body", Type: schema.FieldString},
			},
			Associations: []schema.Association{
				{Name: "post", Kind: schema.BelongsTo, Target: "Post", TargetNames: []string{"postID"}},
			},
		},
		&schema.Model{
			Name:       "Post",
			PrimaryKey: []string{"id"},
			Fields: []schema.Field{
				{Name: "id", Type: schema.FieldString, Required: true},
				{Name: "blogID", Type: schema.FieldString, Required: true},
				{Name: "title", Type: schema.FieldString},
			},
			Associations: []schema.Association{
				{Name: "blog", Kind: schema.BelongsTo, Target: "Blog", TargetNames: []string{"blogID"}},
				{Name: "comments", Kind: schema.HasMany, Target: "Comment"},
			},
		},
		&schema.Model{
			Name:       "Blog",
			PrimaryKey: []string{"id"},
			Fields: []schema.Field{
				{Name: "id", Type: schema.FieldString, Required: true},
				{Name: "name", Type: schema.FieldString},
			},
			Associations: []schema.Association{
				{Name: "posts", Kind: schema.HasMany, Target: "Post"},
			},
		},
	)
	require.NoError(t, err)
	return r
}

func keyOf(r record.Record) record.Key {
	return record.NewKey(record.KeyValue(r.Fields["id"]))
}

func blog(id, name string) record.Record {
	return record.New("Blog", map[string]any{"id": id, "name": name})
}

func post(id, blogID, title string) record.Record {
	return record.New("Post", map[string]any{"id": id, "blogID": blogID, "title": title})
}

func comment(id, postID, body string) record.Record {
	return record.New("Comment", map[string]any{"id": id, "postID": postID, "body": body})
}

func fastBackoff() datastore.Backoff {
	return datastore.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

type harness struct {
	ds     *datastore.DataStore
	store  datastore.LocalStore
	remote *fakeRemote
	events <-chan datastore.Event
}

// newHarness builds a store over a memory LocalStore. A nil remote runs
// local only.
func newHarness(t *testing.T, remote *fakeRemote, opts ...datastore.Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.NewMemoryStorage(), remote, opts...)
}

func newHarnessWithStore(t *testing.T, store datastore.LocalStore, remote *fakeRemote, opts ...datastore.Option) *harness {
	t.Helper()
	base := []datastore.Option{
		datastore.WithBackoff(fastBackoff()),
		datastore.WithSyncMaxAttempts(2),
		datastore.WithRemoteTimeout(time.Second),
		datastore.WithSubscriptionTimeout(time.Second),
		datastore.WithLogger(slog.New(slog.NewTextHandler(discard{}, nil))),
	}
	if remote != nil {
		base = append(base, datastore.WithRemote(remote))
	}
	ds, err := datastore.New(testRegistry(t), store, append(base, opts...)...)
	require.NoError(t, err)

	events, _ := ds.Events(1024)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ds.Close(ctx)
	})
	return &harness{ds: ds, store: store, remote: remote, events: events}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// waitEvent consumes events until one of type t satisfying match arrives.
func (h *harness) waitEvent(t *testing.T, typ datastore.EventType, match func(datastore.Event) bool) datastore.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", typ)
			}
			if ev.Type == typ && (match == nil || match(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ds.Start(context.Background()))
}

// drain returns the events already delivered without waiting.
func (h *harness) drain() []datastore.Event {
	var out []datastore.Event
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// failingStore is a memory store whose Save can be switched to fail.
type failingStore struct {
	*memory.Storage
	failSave atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) Save(ctx context.Context, st record.Stored) error {
	if s.failSave.Load() {
		return errDiskFull
	}
	return s.Storage.Save(ctx, st)
}

func (h *harness) waitDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.ds.PendingMutations()) == 0
	}, 3*time.Second, 5*time.Millisecond)
}
