// Package storage holds what the local store adapters share: the change
// feed behind LocalStore.Observe.
package storage

import (
	"context"
	"sync"

	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
)

// ObserveBuffer is the channel capacity of one observer.
const ObserveBuffer = 64

type observer struct {
	typeName string
	filter   predicate.Predicate
	ch       chan record.Change
}

// Feed fans record changes out to observers. Publish never blocks: an
// observer that does not keep up misses changes.
type Feed struct {
	mu     sync.Mutex
	subs   map[uint64]*observer
	next   uint64
	closed bool
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]*observer)}
}

// Observe registers an observer until ctx is done.
func (f *Feed) Observe(ctx context.Context, typeName string, p predicate.Predicate) (<-chan record.Change, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan record.Change, ObserveBuffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, nil
	}
	id := f.next
	f.next++
	f.subs[id] = &observer{typeName: typeName, filter: p, ch: ch}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if o, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(o.ch)
		}
	}()
	return ch, nil
}

func (f *Feed) Publish(c record.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.subs {
		if o.typeName != c.Metadata.TypeName || !o.filter.Match(c.Record.Fields) {
			continue
		}
		select {
		case o.ch <- c:
		default:
		}
	}
}

// Close ends every observation.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, o := range f.subs {
		delete(f.subs, id)
		close(o.ch)
	}
}

// ChangeFor derives the change a host observes when prev is replaced by
// next. prev is nil for a new row. It reports false when the write is
// invisible to the host, e.g. a tombstone replacing a tombstone.
func ChangeFor(prev *record.Stored, next record.Stored) (record.Change, bool) {
	wasVisible := prev != nil && prev.Visible()
	c := record.Change{Record: next.Record, Metadata: next.Metadata}
	switch {
	case !next.Visible():
		if !wasVisible {
			return record.Change{}, false
		}
		c.Operation = record.OperationDelete
		if len(next.Record.Fields) == 0 {
			c.Record = prev.Record
		}
	case wasVisible:
		c.Operation = record.OperationUpdate
	default:
		c.Operation = record.OperationCreate
	}
	return c, true
}

// RemovalFor is the change for a row that is purged.
func RemovalFor(prev record.Stored) (record.Change, bool) {
	if !prev.Visible() {
		return record.Change{}, false
	}
	return record.Change{Operation: record.OperationDelete, Record: prev.Record, Metadata: prev.Metadata}, true
}
