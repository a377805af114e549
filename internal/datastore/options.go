package datastore

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"

	"datasync/internal/domain/predicate"
)

const (
	DefaultSyncInterval        = 60 * time.Minute
	DefaultSyncMaxRecords      = 10000
	DefaultSyncPageSize        = 1000
	DefaultSyncMaxAttempts     = 5
	DefaultFullSyncInterval    = 24 * time.Hour
	DefaultMaxConflictRetries  = 3
	DefaultRemoteTimeout       = 30 * time.Second
	DefaultSubscriptionTimeout = 15 * time.Second

	tracerName = "datasync/datastore"
)

// Options configures a DataStore. Use the With* functions to change defaults.
type Options struct {
	Remote  RemoteAPI
	Network NetworkMonitor

	SyncInterval     time.Duration
	SyncMaxRecords   int
	SyncPageSize     int
	SyncMaxAttempts  int
	FullSyncInterval time.Duration
	SyncExpressions  map[string]predicate.Predicate

	ConflictHandler     ConflictHandler
	MaxConflictRetries  int
	ErrorHandler        ErrorHandler
	RetryEnabled        bool
	MaxMutationAttempts int

	RemoteTimeout       time.Duration
	SubscriptionTimeout time.Duration
	Backoff             Backoff

	Logger *slog.Logger
	Tracer trace.Tracer
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		SyncInterval:        DefaultSyncInterval,
		SyncMaxRecords:      DefaultSyncMaxRecords,
		SyncPageSize:        DefaultSyncPageSize,
		SyncMaxAttempts:     DefaultSyncMaxAttempts,
		FullSyncInterval:    DefaultFullSyncInterval,
		ConflictHandler:     AlwaysApplyRemote,
		MaxConflictRetries:  DefaultMaxConflictRetries,
		RetryEnabled:        true,
		RemoteTimeout:       DefaultRemoteTimeout,
		SubscriptionTimeout: DefaultSubscriptionTimeout,
		Backoff:             DefaultBackoff(),
		Logger:              slog.Default(),
	}
}

func (o *Options) finish() {
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.ErrorHandler == nil {
		log := o.Logger
		o.ErrorHandler = func(err error) {
			log.Error("datastore error", "error", err)
		}
	}
	if o.ConflictHandler == nil {
		o.ConflictHandler = AlwaysApplyRemote
	}
	if o.SyncExpressions == nil {
		o.SyncExpressions = map[string]predicate.Predicate{}
	}
}

// WithRemote enables synchronization. Without it the store runs local only.
func WithRemote(api RemoteAPI) Option {
	return func(o *Options) { o.Remote = api }
}

// WithNetworkMonitor restarts remote sync when the monitor reports the
// network back after a failed start.
func WithNetworkMonitor(m NetworkMonitor) Option {
	return func(o *Options) { o.Network = m }
}

func WithSyncInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SyncInterval = d
		}
	}
}

func WithSyncMaxRecords(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.SyncMaxRecords = n
		}
	}
}

func WithSyncPageSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.SyncPageSize = n
		}
	}
}

func WithSyncMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.SyncMaxAttempts = n
		}
	}
}

// WithFullSyncInterval forces a base sync when the last one is older than
// d. Zero disables periodic full syncs.
func WithFullSyncInterval(d time.Duration) Option {
	return func(o *Options) { o.FullSyncInterval = d }
}

// WithSyncExpression restricts what is hydrated for typeName.
func WithSyncExpression(typeName string, p predicate.Predicate) Option {
	return func(o *Options) {
		if o.SyncExpressions == nil {
			o.SyncExpressions = map[string]predicate.Predicate{}
		}
		o.SyncExpressions[typeName] = p
	}
}

func WithConflictHandler(h ConflictHandler) Option {
	return func(o *Options) { o.ConflictHandler = h }
}

func WithMaxConflictRetries(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.MaxConflictRetries = n
		}
	}
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(o *Options) { o.ErrorHandler = h }
}

// WithRetry toggles retries of recoverable mutation errors and caps the
// attempts per entry. Zero attempts means unbounded.
func WithRetry(enabled bool, maxAttempts int) Option {
	return func(o *Options) {
		o.RetryEnabled = enabled
		if maxAttempts >= 0 {
			o.MaxMutationAttempts = maxAttempts
		}
	}
}

func WithRemoteTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.RemoteTimeout = d
		}
	}
}

func WithSubscriptionTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SubscriptionTimeout = d
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(o *Options) { o.Backoff = b }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Options) {
		if log != nil {
			o.Logger = log
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Options) { o.Tracer = t }
}
