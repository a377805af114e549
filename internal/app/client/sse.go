package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"datasync/internal/datastore"
	"datasync/internal/domain/record"
)

// maxEventSize bounds one data line of the event stream.
const maxEventSize = 4 << 20

// eventStream adapts a server-sent event body to datastore.Stream.
type eventStream struct {
	events chan datastore.StreamEvent
	cancel context.CancelFunc
}

func newEventStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser) *eventStream {
	s := &eventStream{
		events: make(chan datastore.StreamEvent, 16),
		cancel: cancel,
	}
	go s.read(ctx, body)
	return s
}

func (s *eventStream) Events() <-chan datastore.StreamEvent { return s.events }

func (s *eventStream) Cancel() { s.cancel() }

func (s *eventStream) read(ctx context.Context, body io.ReadCloser) {
	defer close(s.events)
	defer body.Close()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var (
		name string
		data []string
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(data) > 0 {
				ev, ok := decodeEvent(name, strings.Join(data, "\n"))
				if ok && !s.emit(ctx, ev) {
					return
				}
			}
			name, data = "", nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := sc.Err(); err != nil {
		s.emit(ctx, datastore.StreamEvent{
			Kind: datastore.StreamError,
			Err:  datastore.Recoverable("subscribe", fmt.Errorf("read stream: %w", err)),
		})
		return
	}
	s.emit(ctx, datastore.StreamEvent{Kind: datastore.StreamCompleted})
}

func (s *eventStream) emit(ctx context.Context, ev datastore.StreamEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case s.events <- ev:
		return true
	}
}

var errSubscriptionRefused = errors.New("subscription refused")

// decodeEvent maps one server event. Pings and unknown events are dropped.
func decodeEvent(name, data string) (datastore.StreamEvent, bool) {
	switch name {
	case "started":
		return datastore.StreamEvent{Kind: datastore.StreamStarted}, true
	case "record":
		var item record.WithMetadata
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return datastore.StreamEvent{
				Kind: datastore.StreamError,
				Err:  datastore.Recoverable("subscribe", fmt.Errorf("decode record event: %w", err)),
			}, true
		}
		return datastore.StreamEvent{Kind: datastore.StreamData, Item: item}, true
	case "error":
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal([]byte(data), &msg)
		return datastore.StreamEvent{
			Kind: datastore.StreamError,
			Err:  datastore.Irrecoverable("subscribe", fmt.Errorf("%w: %s", errSubscriptionRefused, msg.Message)),
		}, true
	default:
		return datastore.StreamEvent{}, false
	}
}
