package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slog"

	"datasync/internal/domain/schema"
)

// State is the lifecycle state of the orchestrator.
type State int

const (
	StateStopped State = iota
	StateStartingLocal
	StateLocalOnly
	StateStartingRemote
	StateSyncViaAPI
	StateStopping
	StateClearing
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStartingLocal:
		return "STARTING_LOCAL"
	case StateLocalOnly:
		return "LOCAL_ONLY"
	case StateStartingRemote:
		return "STARTING_REMOTE"
	case StateSyncViaAPI:
		return "SYNC_VIA_API"
	case StateStopping:
		return "STOPPING"
	case StateClearing:
		return "CLEARING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Running reports whether the state accepts sync work.
func (s State) Running() bool {
	return s == StateLocalOnly || s == StateSyncViaAPI
}

// Orchestrator owns the processors and moves them through the lifecycle.
// Transitions are serialized: a caller arriving during a transition waits
// for it and then acts on the resulting state.
type Orchestrator struct {
	registry *schema.Registry
	store    LocalStore
	opts     *Options
	log      *slog.Logger

	hub       *Hub
	outbox    *MutationOutbox
	locks     *keyLocks
	merger    *reconciler
	syncer    *SyncProcessor
	subs      *SubscriptionProcessor
	mutations *MutationProcessor
	scheduler *syncScheduler

	// sem holds the transition token.
	sem chan struct{}

	mu        sync.Mutex
	state     State
	cleared   bool
	runCancel context.CancelFunc
	runCtx    context.Context
	// remoteCtx lives from startRemote to stopRemote.
	remoteCtx    context.Context
	remoteCancel context.CancelFunc
	watchers     sync.WaitGroup
}

func newOrchestrator(registry *schema.Registry, store LocalStore, opts *Options) *Orchestrator {
	log := opts.Logger.With("component", "orchestrator")
	hub := NewHub(opts.Logger.With("component", "hub"))
	outbox := NewMutationOutbox(store)
	locks := newKeyLocks()
	merger := &reconciler{
		store:  store,
		outbox: outbox,
		locks:  locks,
		log:    opts.Logger.With("component", "reconciler"),
	}
	resolver := NewConflictResolver(opts.ConflictHandler, opts.Remote, opts.MaxConflictRetries, opts.RemoteTimeout, opts.Logger)

	o := &Orchestrator{
		registry:  registry,
		store:     store,
		opts:      opts,
		log:       log,
		hub:       hub,
		outbox:    outbox,
		locks:     locks,
		merger:    merger,
		syncer:    newSyncProcessor(registry, store, merger, hub, opts),
		subs:      newSubscriptionProcessor(registry, merger, hub, opts),
		mutations: newMutationProcessor(outbox, merger, resolver, hub, opts),
		sem:       make(chan struct{}, 1),
	}
	o.mutations.onFatal = o.halt
	o.subs.onFatal = o.halt
	o.scheduler = newSyncScheduler(opts.SyncInterval, o.scheduledSync, opts.Logger)
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	from := o.state
	o.state = s
	o.mu.Unlock()

	if from == s {
		return
	}
	o.log.Debug("state changed", "from", from, "to", s)
	o.hub.Publish(EventStateChanged, StateChange{From: from, To: s})
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() {
	<-o.sem
}

// Start brings the engine up. Without a remote it runs local only. A
// remote that cannot be reached leaves the engine local only; only fatal
// errors are returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.acquire(ctx); err != nil {
		return err
	}
	defer o.release()

	if o.State() != StateStopped {
		return nil
	}
	o.setState(StateStartingLocal)

	if err := o.outbox.Load(ctx); err != nil {
		o.setState(StateStopped)
		return Fatal("start", err)
	}
	o.mu.Lock()
	o.cleared = false
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.runCtx, o.runCancel = runCtx, cancel
	o.mu.Unlock()

	if o.opts.Remote == nil {
		o.setState(StateLocalOnly)
		o.log.Info("started without remote", "pending", o.outbox.Len())
		o.hub.Publish(EventReady, nil)
		return nil
	}

	if o.opts.Network != nil {
		o.watchers.Add(1)
		go o.watchNetwork(runCtx)
	}

	if err := o.startRemote(runCtx); err != nil {
		if IsFatal(err) {
			o.stopLocked()
			return err
		}
		if runCtx.Err() != nil {
			return nil
		}
		o.degrade(err)
	}
	return nil
}

// startRemote hydrates, subscribes and starts draining the outbox.
func (o *Orchestrator) startRemote(ctx context.Context) error {
	o.setState(StateStartingRemote)

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.remoteCtx, o.remoteCancel = ctx, cancel
	o.mu.Unlock()

	if err := o.syncer.Hydrate(ctx, false); err != nil {
		return err
	}
	if err := o.subs.Start(ctx); err != nil {
		return err
	}
	o.hub.Publish(EventSubscriptionsEstablished, nil)

	o.mutations.Start(ctx)
	if err := o.scheduler.Start(ctx); err != nil {
		o.stopRemote()
		return Fatal("start scheduler", err)
	}

	o.setState(StateSyncViaAPI)
	o.log.Info("syncing with remote", "pending", o.outbox.Len())
	o.hub.Publish(EventNetworkStatus, NetworkStatus{Active: true})
	o.hub.Publish(EventReady, nil)
	return nil
}

// degrade falls back to local only after a remote failure.
func (o *Orchestrator) degrade(cause error) {
	o.stopRemote()
	o.log.Warn("remote unavailable, running local only", "error", cause)
	o.opts.ErrorHandler(cause)
	o.setState(StateLocalOnly)
	o.hub.Publish(EventNetworkStatus, NetworkStatus{Active: false})
	o.hub.Publish(EventReady, nil)
}

// stopRemote cancels the remote session first, so passes and retries in
// progress return before the processors are waited on.
func (o *Orchestrator) stopRemote() {
	o.mu.Lock()
	cancel := o.remoteCancel
	o.remoteCtx, o.remoteCancel = nil, nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	o.scheduler.Stop()
	o.subs.Stop()
	o.mutations.Stop()
}

func (o *Orchestrator) watchNetwork(ctx context.Context) {
	defer o.watchers.Done()

	changes := o.opts.Network.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case available, ok := <-changes:
			if !ok {
				return
			}
			o.networkChanged(ctx, available)
		}
	}
}

func (o *Orchestrator) networkChanged(ctx context.Context, available bool) {
	if err := o.acquire(ctx); err != nil {
		return
	}
	defer o.release()

	switch state := o.State(); {
	case available && state == StateLocalOnly:
		o.log.Info("network available, starting remote sync")
		if err := o.startRemote(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsFatal(err) {
				o.opts.ErrorHandler(err)
				o.stopLocked()
				return
			}
			o.degrade(err)
		}
	case !available && state == StateSyncViaAPI:
		o.stopRemote()
		o.log.Warn("network lost, running local only")
		o.setState(StateLocalOnly)
		o.hub.Publish(EventNetworkStatus, NetworkStatus{Active: false})
	}
}

// Stop halts every processor. Queued mutations stay in the outbox.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.cancelRun()
	if err := o.acquire(ctx); err != nil {
		return err
	}
	defer o.release()

	o.stopLocked()
	return nil
}

func (o *Orchestrator) stopLocked() {
	if o.State() == StateStopped {
		return
	}
	o.setState(StateStopping)
	o.shutdown()
	o.setState(StateStopped)
	o.log.Info("stopped", "pending", o.outbox.Len())
}

func (o *Orchestrator) shutdown() {
	o.cancelRun()
	o.stopRemote()
	o.watchers.Wait()
}

func (o *Orchestrator) cancelRun() {
	o.mu.Lock()
	cancel := o.runCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Clear stops the engine and deletes every local record, the outbox and
// the sync cursors. The next local write starts the engine again.
func (o *Orchestrator) Clear(ctx context.Context) error {
	o.cancelRun()
	if err := o.acquire(ctx); err != nil {
		return err
	}
	defer o.release()

	o.setState(StateClearing)
	o.shutdown()

	var errs []error
	if err := o.outbox.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := o.store.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear local store: %w", err))
	}
	o.mu.Lock()
	o.cleared = true
	o.mu.Unlock()
	o.setState(StateStopped)

	if err := errors.Join(errs...); err != nil {
		return Fatal("clear", err)
	}
	o.log.Info("local data cleared")
	return nil
}

// takeCleared reports whether Clear ran since the last start and resets
// the flag.
func (o *Orchestrator) takeCleared() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.cleared
	o.cleared = false
	return c
}

// TriggerSync runs a sync pass now. The pass is cancelled when the remote
// session ends, by Stop or by losing the network.
func (o *Orchestrator) TriggerSync(ctx context.Context, full bool) error {
	o.mu.Lock()
	state, remoteCtx := o.state, o.remoteCtx
	o.mu.Unlock()
	if state != StateSyncViaAPI || remoteCtx == nil {
		return ErrNotSyncing
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(remoteCtx, cancel)
	defer stop()

	err := o.syncer.Hydrate(ctx, full)
	if IsFatal(err) {
		go o.halt(err)
	}
	return err
}

func (o *Orchestrator) scheduledSync(ctx context.Context) {
	err := o.syncer.Hydrate(ctx, false)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		o.log.Debug("scheduled sync skipped, pass already running")
	case IsFatal(err):
		o.opts.ErrorHandler(err)
		go o.halt(err)
	default:
		if ctx.Err() == nil {
			o.log.Warn("scheduled sync failed", "error", err)
			o.opts.ErrorHandler(err)
		}
	}
}

// halt stops the engine after a fatal error.
func (o *Orchestrator) halt(cause error) {
	o.log.Error("fatal error, stopping", "error", cause)
	if err := o.Stop(context.Background()); err != nil {
		o.log.Error("stop after fatal error", "error", err)
	}
}
