package datastore

import (
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"datasync/internal/domain/record"
)

type EventType string

const (
	EventReady                     EventType = "READY"
	EventNetworkStatus             EventType = "NETWORK_STATUS"
	EventSubscriptionsEstablished  EventType = "SUBSCRIPTIONS_ESTABLISHED"
	EventSyncQueriesStarted        EventType = "SYNC_QUERIES_STARTED"
	EventSyncQueriesReady          EventType = "SYNC_QUERIES_READY"
	EventModelSynced               EventType = "MODEL_SYNCED"
	EventOutboxMutationEnqueued    EventType = "OUTBOX_MUTATION_ENQUEUED"
	EventOutboxMutationProcessed   EventType = "OUTBOX_MUTATION_PROCESSED"
	EventOutboxMutationFailed      EventType = "OUTBOX_MUTATION_FAILED"
	EventOutboxStatus              EventType = "OUTBOX_STATUS"
	EventSubscriptionDataProcessed EventType = "SUBSCRIPTION_DATA_PROCESSED"
	EventStateChanged              EventType = "STATE_CHANGED"
)

type Event struct {
	Type EventType
	Time time.Time
	Data any
}

type NetworkStatus struct {
	Active bool
}

type SyncQueriesStarted struct {
	Models []string
}

type ModelSynced struct {
	Model    string
	FullSync bool
	Added    int
	Updated  int
	Deleted  int
}

type MutationEvent struct {
	EntryID   string
	TypeName  string
	Key       record.Key
	Operation record.Operation
	Version   int
	Err       error
}

type OutboxStatus struct {
	Pending int
}

func (s OutboxStatus) Empty() bool { return s.Pending == 0 }

type SubscriptionData struct {
	TypeName  string
	Operation record.Operation
	Key       record.Key
	Version   int
}

type StateChange struct {
	From State
	To   State
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	next   uint64
	closed bool
	log    *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		subs: make(map[uint64]chan Event),
		log:  log,
	}
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *Hub) Publish(t EventType, data any) {
	ev := Event{Type: t, Time: time.Now(), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Debug("event dropped, subscriber is full", "event", t)
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
