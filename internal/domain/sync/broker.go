package sync

import (
	gosync "sync"

	"datasync/internal/domain/record"
)

// SubscriberBuffer is the channel capacity of one subscription.
const SubscriberBuffer = 64

// Broker fans committed changes out to subscribers of a (type, operation)
// pair. Publish never blocks; a subscriber that falls behind loses events
// and catches up through delta queries.
type Broker struct {
	mu     gosync.Mutex
	subs   map[string]map[uint64]chan record.WithMetadata
	next   uint64
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[uint64]chan record.WithMetadata)}
}

func topic(typeName string, op record.Operation) string {
	return typeName + "/" + string(op)
}

// Subscribe returns the change channel and a function that ends the
// subscription and closes the channel.
func (b *Broker) Subscribe(typeName string, op record.Operation) (<-chan record.WithMetadata, func()) {
	ch := make(chan record.WithMetadata, SubscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	t := topic(typeName, op)
	if b.subs[t] == nil {
		b.subs[t] = make(map[uint64]chan record.WithMetadata)
	}
	id := b.next
	b.next++
	b.subs[t][id] = ch

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[t][id]; ok {
				delete(b.subs[t], id)
				close(c)
			}
		})
	}
}

func (b *Broker) Publish(op record.Operation, rec record.WithMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic(rec.Metadata.TypeName, op)] {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for t, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, t)
	}
}
