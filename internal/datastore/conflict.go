package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"datasync/internal/domain/record"
)

type DecisionKind int

const (
	// DecisionApplyRemote keeps the remote record and drops the local mutation.
	DecisionApplyRemote DecisionKind = iota + 1
	// DecisionRetryLocal re-sends the local payload on top of the remote version.
	DecisionRetryLocal
	// DecisionRetry re-sends a caller-supplied merged record.
	DecisionRetry
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionApplyRemote:
		return "APPLY_REMOTE"
	case DecisionRetryLocal:
		return "RETRY_LOCAL"
	case DecisionRetry:
		return "RETRY"
	}
	return "UNKNOWN"
}

// Decision is the outcome of a conflict handler.
type Decision struct {
	Kind   DecisionKind
	Record *record.Record
}

func ApplyRemote() Decision { return Decision{Kind: DecisionApplyRemote} }
func RetryLocal() Decision  { return Decision{Kind: DecisionRetryLocal} }

func RetryWith(merged record.Record) Decision {
	return Decision{Kind: DecisionRetry, Record: &merged}
}

// ConflictData describes a record changed both locally and remotely.
type ConflictData struct {
	Operation record.Operation
	Local     record.WithMetadata
	Remote    record.WithMetadata
}

// ConflictHandler decides a conflict. It may block until ctx is done.
type ConflictHandler func(ctx context.Context, data ConflictData) (Decision, error)

func AlwaysApplyRemote(context.Context, ConflictData) (Decision, error) {
	return ApplyRemote(), nil
}

func AlwaysRetryLocal(context.Context, ConflictData) (Decision, error) {
	return RetryLocal(), nil
}

// AsyncConflictHandler adapts a resolver that answers through a callback,
// possibly from another goroutine. Only the first answer counts.
func AsyncConflictHandler(fn func(data ConflictData, resolve func(Decision))) ConflictHandler {
	return func(ctx context.Context, data ConflictData) (Decision, error) {
		ch := make(chan Decision, 1)
		var once sync.Once
		fn(data, func(d Decision) {
			once.Do(func() { ch <- d })
		})
		select {
		case d := <-ch:
			return d, nil
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}
}

// resolution is what the processor writes back after a settled conflict.
type resolution struct {
	ack        record.WithMetadata
	remoteWon  bool
	payload    record.Record
	retried    bool
	retryCount int
}

// ConflictResolver runs the conflict protocol for one outbox entry.
type ConflictResolver struct {
	handler    ConflictHandler
	remote     RemoteAPI
	maxRetries int
	timeout    time.Duration
	log        *slog.Logger
}

func NewConflictResolver(handler ConflictHandler, remote RemoteAPI, maxRetries int, timeout time.Duration, log *slog.Logger) *ConflictResolver {
	if handler == nil {
		handler = AlwaysApplyRemote
	}
	return &ConflictResolver{
		handler:    handler,
		remote:     remote,
		maxRetries: maxRetries,
		timeout:    timeout,
		log:        log.With("component", "conflict_resolver"),
	}
}

// Resolve asks the handler until the entry is settled. Retries are sent with
// the remote's current version as the expected base; a retry that conflicts
// again starts a new round. Errors other than conflicts are returned to the
// caller for classification.
func (r *ConflictResolver) Resolve(ctx context.Context, entry OutboxEntry, local record.WithMetadata, conflict *ConflictError) (resolution, error) {
	res := resolution{payload: entry.Payload}

	for {
		data := ConflictData{Operation: entry.Operation, Local: local, Remote: conflict.Remote}
		decision, err := r.handler(ctx, data)
		if err != nil {
			if ctx.Err() != nil {
				return res, Recoverable("resolve conflict", err)
			}
			return res, Irrecoverable("resolve conflict", err)
		}
		r.log.Debug("conflict decided",
			"type", entry.TypeName, "key", entry.Key, "decision", decision.Kind,
			"local_version", local.Metadata.Version, "remote_version", conflict.Remote.Metadata.Version)

		switch decision.Kind {
		case DecisionApplyRemote:
			res.ack = conflict.Remote
			res.remoteWon = true
			return res, nil
		case DecisionRetryLocal, DecisionRetry:
		default:
			return res, Irrecoverable("resolve conflict", fmt.Errorf("unknown decision %d", decision.Kind))
		}

		if res.retryCount >= r.maxRetries {
			return res, Fatal("resolve conflict", fmt.Errorf("%w: %s %s after %d attempts",
				ErrConflictRetriesExceeded, entry.TypeName, entry.Key, res.retryCount))
		}
		res.retryCount++

		if decision.Kind == DecisionRetry && decision.Record != nil {
			res.payload = *decision.Record
			res.retried = true
			local.Record = res.payload
		}

		if ctx.Err() != nil {
			return res, Recoverable("resolve conflict", ctx.Err())
		}
		ack, err := r.send(ctx, entry, res.payload, conflict.Remote)
		if err == nil {
			res.ack = *ack
			return res, nil
		}
		var again *ConflictError
		if errors.As(err, &again) {
			conflict = again
			continue
		}
		return res, err
	}
}

func (r *ConflictResolver) send(ctx context.Context, entry OutboxEntry, payload record.Record, remote record.WithMetadata) (*record.WithMetadata, error) {
	op := entry.Operation
	// A create that collided with an existing remote record becomes an update of it.
	if op == record.OperationCreate && !remote.Metadata.Deleted {
		op = record.OperationUpdate
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	return r.remote.Mutate(sendCtx, MutationRequest{
		TypeName:        entry.TypeName,
		Operation:       op,
		Record:          payload,
		ExpectedVersion: remote.Metadata.Version,
	})
}
