package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"

	"datasync/internal/domain/record"
)

// MutationProcessor drains the outbox, one remote mutation at a time.
type MutationProcessor struct {
	outbox   *MutationOutbox
	merger   *reconciler
	remote   RemoteAPI
	resolver *ConflictResolver
	hub      *Hub
	opts     *Options
	log      *slog.Logger
	tracer   trace.Tracer
	// onFatal halts the owner when the local store fails.
	onFatal func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newMutationProcessor(outbox *MutationOutbox, merger *reconciler, resolver *ConflictResolver, hub *Hub, opts *Options) *MutationProcessor {
	return &MutationProcessor{
		outbox:   outbox,
		merger:   merger,
		remote:   opts.Remote,
		resolver: resolver,
		hub:      hub,
		opts:     opts,
		log:      opts.Logger.With("component", "mutation_processor"),
		tracer:   opts.Tracer,
	}
}

// Start launches the drain loop. It is a no-op while the loop runs.
func (p *MutationProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.drain(ctx, p.done)
	p.log.Debug("mutation processor started", "pending", p.outbox.Len())
}

// Stop halts the loop and waits for it. A send in progress completes;
// queued entries stay queued.
func (p *MutationProcessor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Debug("mutation processor stopped", "pending", p.outbox.Len())
}

func (p *MutationProcessor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *MutationProcessor) drain(ctx context.Context, done chan struct{}) {
	defer close(done)

	idle := false
	for {
		if ctx.Err() != nil {
			return
		}
		entry, conflict, ok := p.outbox.Begin()
		if !ok {
			if !idle {
				p.hub.Publish(EventOutboxStatus, OutboxStatus{Pending: 0})
				idle = true
			}
			select {
			case <-ctx.Done():
				return
			case <-p.outbox.Signal():
			}
			continue
		}
		idle = false

		if err := p.process(ctx, entry, conflict); err != nil {
			p.log.Error("mutation processor halted", "error", err)
			p.opts.ErrorHandler(err)
			if p.onFatal != nil {
				go p.onFatal(err)
			}
			return
		}
	}
}

// process settles one entry. Only a fatal local failure is returned.
func (p *MutationProcessor) process(ctx context.Context, entry OutboxEntry, conflict *record.WithMetadata) error {
	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, &entry, conflict)
		conflict = nil
		if err == nil {
			return nil
		}

		switch KindOf(err) {
		case KindRecoverable:
			if ctx.Err() != nil {
				p.outbox.Finish(entry.ID)
				return nil
			}
			if !p.opts.RetryEnabled || (p.opts.MaxMutationAttempts > 0 && attempt >= p.opts.MaxMutationAttempts) {
				return p.abandon(ctx, entry, Irrecoverable("send mutation",
					fmt.Errorf("giving up after %d attempts: %w", attempt, err)))
			}
			delay := p.opts.Backoff.Delay(attempt)
			p.log.Warn("mutation failed, retrying",
				"type", entry.TypeName, "key", entry.Key, "attempt", attempt, "delay", delay, "error", err)
			if sleep(ctx, delay) != nil {
				p.outbox.Finish(entry.ID)
				return nil
			}
		case KindFatal:
			if errors.Is(err, ErrConflictRetriesExceeded) {
				return p.abandon(ctx, entry, err)
			}
			p.outbox.Finish(entry.ID)
			return err
		default:
			return p.abandon(ctx, entry, err)
		}
	}
}

// attempt sends entry once and settles the result. A merged payload chosen
// by the conflict handler is written back into entry.
func (p *MutationProcessor) attempt(ctx context.Context, entry *OutboxEntry, conflict *record.WithMetadata) error {
	if ctx.Err() != nil {
		return Recoverable("send mutation", ctx.Err())
	}

	ctx, span := p.tracer.Start(ctx, "datastore.mutate")
	defer span.End()
	span.SetAttributes(
		attribute.String("datastore.type", entry.TypeName),
		attribute.String("datastore.key", string(entry.Key)),
		attribute.String("datastore.operation", string(entry.Operation)),
	)

	local, err := p.localSnapshot(ctx, *entry)
	if err != nil {
		return err
	}

	var ack *record.WithMetadata
	if conflict != nil && conflict.Metadata.Version > local.Metadata.Version {
		err = &ConflictError{Remote: *conflict, ExpectedVersion: local.Metadata.Version}
	} else {
		ack, err = p.send(ctx, *entry, local.Metadata.Version)
	}

	// Once a send was attempted its outcome is recorded even if a stop
	// arrives meanwhile.
	settleCtx := context.WithoutCancel(ctx)

	var ce *ConflictError
	if errors.As(err, &ce) {
		span.AddEvent("conflict")
		res, rerr := p.resolver.Resolve(ctx, *entry, local, ce)
		if res.retried {
			if perr := p.outbox.ReplacePayload(settleCtx, entry.ID, res.payload); perr != nil {
				return Fatal("replace outbox payload", perr)
			}
			entry.Payload = res.payload
		}
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			return rerr
		}
		ack, err = &res.ack, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := p.merger.Acknowledge(settleCtx, *entry, *ack); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("datastore.version", ack.Metadata.Version))
	p.log.Debug("mutation processed",
		"type", entry.TypeName, "key", entry.Key, "operation", entry.Operation, "version", ack.Metadata.Version)
	p.hub.Publish(EventOutboxMutationProcessed, MutationEvent{
		EntryID:   entry.ID,
		TypeName:  entry.TypeName,
		Key:       entry.Key,
		Operation: entry.Operation,
		Version:   ack.Metadata.Version,
	})
	p.hub.Publish(EventOutboxStatus, OutboxStatus{Pending: p.outbox.Len()})
	return nil
}

// send runs the remote call on a context detached from ctx so that a stop
// does not interrupt a mutation already on the wire.
func (p *MutationProcessor) send(ctx context.Context, entry OutboxEntry, expected int) (*record.WithMetadata, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.RemoteTimeout)
	defer cancel()

	ack, err := p.remote.Mutate(sendCtx, MutationRequest{
		TypeName:        entry.TypeName,
		Operation:       entry.Operation,
		Record:          entry.Payload,
		ExpectedVersion: expected,
	})
	if err != nil {
		return nil, err
	}
	if ack == nil {
		return nil, Irrecoverable("send mutation", fmt.Errorf("empty response for %s %s", entry.TypeName, entry.Key))
	}
	return ack, nil
}

func (p *MutationProcessor) localSnapshot(ctx context.Context, entry OutboxEntry) (record.WithMetadata, error) {
	local, err := p.merger.get(ctx, entry.TypeName, entry.Key)
	if err != nil {
		return record.WithMetadata{}, err
	}
	if local == nil {
		return record.WithMetadata{
			Record:   entry.Payload,
			Metadata: record.Metadata{TypeName: entry.TypeName, Key: entry.Key},
		}, nil
	}
	return record.WithMetadata{Record: entry.Payload, Metadata: local.Metadata}, nil
}

func (p *MutationProcessor) abandon(ctx context.Context, entry OutboxEntry, cause error) error {
	if err := p.merger.Abandon(context.WithoutCancel(ctx), entry); err != nil {
		p.outbox.Finish(entry.ID)
		return err
	}
	p.log.Error("mutation abandoned",
		"type", entry.TypeName, "key", entry.Key, "operation", entry.Operation, "error", cause)
	p.opts.ErrorHandler(cause)
	p.hub.Publish(EventOutboxMutationFailed, MutationEvent{
		EntryID:   entry.ID,
		TypeName:  entry.TypeName,
		Key:       entry.Key,
		Operation: entry.Operation,
		Err:       cause,
	})
	return nil
}
