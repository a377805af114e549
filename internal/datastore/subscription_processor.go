package datastore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"datasync/internal/domain/record"
	"datasync/internal/domain/schema"
)

// SubscriptionProcessor keeps one live subscription per type and operation
// and feeds received records through the reconciler.
type SubscriptionProcessor struct {
	registry *schema.Registry
	remote   RemoteAPI
	merger   *reconciler
	hub      *Hub
	opts     *Options
	log      *slog.Logger
	// onFatal is called once when a local write fails fatally.
	onFatal func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSubscriptionProcessor(registry *schema.Registry, merger *reconciler, hub *Hub, opts *Options) *SubscriptionProcessor {
	return &SubscriptionProcessor{
		registry: registry,
		remote:   opts.Remote,
		merger:   merger,
		hub:      hub,
		opts:     opts,
		log:      opts.Logger.With("component", "subscription_processor"),
	}
}

// Start opens every subscription and waits until each one has started or
// failed for good. Waiting longer than the subscription timeout is a
// recoverable failure; the subscriptions are torn down again.
func (s *SubscriptionProcessor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	var settled []chan struct{}
	for _, m := range s.registry.Models() {
		for _, op := range record.Operations {
			ch := make(chan struct{})
			settled = append(settled, ch)
			s.wg.Add(1)
			go s.run(runCtx, m.Name, op, ch)
		}
	}
	s.mu.Unlock()

	waitCtx, waitCancel := context.WithTimeout(ctx, s.opts.SubscriptionTimeout)
	defer waitCancel()
	g, gctx := errgroup.WithContext(waitCtx)
	for _, ch := range settled {
		g.Go(func() error {
			select {
			case <-ch:
				return nil
			case <-gctx.Done():
				return Recoverable("establish subscriptions", gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		s.Stop()
		return err
	}
	s.log.Info("subscriptions established", "count", len(settled))
	return nil
}

// Stop cancels every subscription and waits for the runners to exit.
func (s *SubscriptionProcessor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// run keeps one subscription alive, restarting it with backoff after
// transport errors. settled is closed once the subscription started or was
// given up.
func (s *SubscriptionProcessor) run(ctx context.Context, typeName string, op record.Operation, settled chan struct{}) {
	defer s.wg.Done()

	var once sync.Once
	markSettled := func() { once.Do(func() { close(settled) }) }
	defer markSettled()

	log := s.log.With("type", typeName, "operation", op)
	attempt := 0
	for ctx.Err() == nil {
		stream, err := s.subscribe(ctx, typeName, op)
		if err == nil {
			err = s.consume(ctx, stream, markSettled, &attempt)
			stream.Cancel()
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			err = fmt.Errorf("subscription %s %s: %w", typeName, op, err)
			s.opts.ErrorHandler(err)
			if IsFatal(err) {
				log.Error("subscription stopped by local failure", "error", err)
				if s.onFatal != nil {
					go s.onFatal(err)
				}
				return
			}
			if KindOf(err) != KindRecoverable {
				log.Error("subscription closed", "error", err)
				return
			}
		}

		attempt++
		delay := s.opts.Backoff.Delay(attempt)
		log.Warn("subscription interrupted, restarting", "attempt", attempt, "delay", delay, "error", err)
		if sleep(ctx, delay) != nil {
			return
		}
	}
}

func (s *SubscriptionProcessor) subscribe(ctx context.Context, typeName string, op record.Operation) (Stream, error) {
	subCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteTimeout)
	defer cancel()

	stream, err := s.remote.Subscribe(subCtx, typeName, op)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// consume reads a stream until it ends. A completed stream returns nil and
// is restarted by the caller like a failed one.
func (s *SubscriptionProcessor) consume(ctx context.Context, stream Stream, started func(), attempt *int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case StreamStarted:
				*attempt = 0
				started()
			case StreamData:
				if err := s.apply(ctx, ev.Item); IsFatal(err) {
					return err
				}
			case StreamError:
				if ev.Err == nil {
					return Recoverable("subscription", fmt.Errorf("stream failed"))
				}
				return ev.Err
			case StreamCompleted:
				return nil
			}
		}
	}
}

// apply merges one received record. Non-fatal failures are reported and
// the record is dropped; the next sync pass brings it back.
func (s *SubscriptionProcessor) apply(ctx context.Context, item record.WithMetadata) error {
	outcome, err := s.merger.Merge(ctx, item)
	if err != nil {
		if IsFatal(err) {
			return err
		}
		s.log.Error("apply subscription data", "type", item.Metadata.TypeName, "key", item.Metadata.Key, "error", err)
		s.opts.ErrorHandler(err)
		return nil
	}
	if outcome == outcomeDiscarded {
		return nil
	}
	op := record.OperationUpdate
	switch outcome {
	case outcomeCreated:
		op = record.OperationCreate
	case outcomeDeleted:
		op = record.OperationDelete
	}
	s.hub.Publish(EventSubscriptionDataProcessed, SubscriptionData{
		TypeName:  item.Metadata.TypeName,
		Operation: op,
		Key:       item.Metadata.Key,
		Version:   item.Metadata.Version,
	})
	return nil
}
