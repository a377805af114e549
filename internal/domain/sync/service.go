// Package sync is the backend side of record synchronization: paginated
// change queries, version-checked mutations and change subscriptions.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"datasync/internal/domain/record"
	"datasync/internal/domain/schema"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

type Servicer interface {
	Query(ctx context.Context, params QueryParams) (*QueryResult, error)
	Mutate(ctx context.Context, params MutateParams) (*record.WithMetadata, error)
	Subscribe(ctx context.Context, typeName string, op record.Operation) (<-chan record.WithMetadata, error)
	Ping(ctx context.Context) error
}

type Service struct {
	repo     Repository
	registry *schema.Registry
	broker   *Broker
	log      *slog.Logger
	now      func() time.Time
}

func NewService(repo Repository, registry *schema.Registry, broker *Broker, log *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		broker:   broker,
		log:      log.With("component", "sync_service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Query returns one page of params.TypeName. Filtering happens after the
// keyset scan, so a page may hold fewer items than the limit while a
// continuation token is still returned.
func (s *Service) Query(ctx context.Context, params QueryParams) (*QueryResult, error) {
	if _, err := s.registry.Model(params.TypeName); err != nil {
		return nil, err
	}
	if err := params.Filter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	after, err := DecodeToken(params.NextToken)
	if err != nil {
		return nil, err
	}
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	serverTime := s.now()
	rows, err := s.repo.List(ctx, ListParams{
		TypeName: params.TypeName,
		Since:    params.Since,
		After:    after,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", params.TypeName, err)
	}

	res := &QueryResult{Items: make([]record.WithMetadata, 0, len(rows)), ServerTime: serverTime}
	for _, r := range rows {
		// Tombstones carry no guarantee about their fields and always pass.
		if r.Metadata.Deleted || params.Filter.Match(r.Record.Fields) {
			res.Items = append(res.Items, r)
		}
	}
	if len(rows) == limit {
		last := rows[len(rows)-1].Metadata
		res.NextToken = EncodeToken(Position{ChangedAt: last.LastChangedAt, Key: last.Key})
	}
	return res, nil
}

// Mutate applies a create, update or delete. Updates and deletes must name
// the stored version; a mismatch returns *ConflictError with the stored
// record. A delete keeps a tombstone.
func (s *Service) Mutate(ctx context.Context, params MutateParams) (*record.WithMetadata, error) {
	if !params.Operation.Valid() {
		return nil, fmt.Errorf("%w: operation %q", ErrInvalidRequest, params.Operation)
	}
	model, err := s.registry.Model(params.TypeName)
	if err != nil {
		return nil, err
	}
	rec := params.Record.Clone()
	rec.TypeName = params.TypeName
	key, err := model.KeyOf(rec)
	if err != nil {
		return nil, err
	}
	if params.Operation != record.OperationDelete {
		if err := model.Validate(rec); err != nil {
			return nil, err
		}
	}

	current, err := s.repo.Get(ctx, params.TypeName, key)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("get %s %s: %w", params.TypeName, key, err)
	}

	next := record.WithMetadata{
		Record: rec,
		Metadata: record.Metadata{
			TypeName:      params.TypeName,
			Key:           key,
			Version:       1,
			LastChangedAt: s.now(),
		},
	}

	switch params.Operation {
	case record.OperationCreate:
		if current != nil && !current.Metadata.Deleted {
			return nil, &ConflictError{Current: *current, ExpectedVersion: params.ExpectedVersion}
		}
		if current != nil {
			next.Metadata.Version = current.Metadata.Version + 1
		}
		err = s.repo.Create(ctx, next)
	default:
		if current == nil {
			return nil, fmt.Errorf("%s %s: %w", params.TypeName, key, ErrRecordNotFound)
		}
		if current.Metadata.Deleted || current.Metadata.Version != params.ExpectedVersion {
			return nil, &ConflictError{Current: *current, ExpectedVersion: params.ExpectedVersion}
		}
		next.Metadata.Version = current.Metadata.Version + 1
		if params.Operation == record.OperationDelete {
			next.Metadata.Deleted = true
		}
		err = s.repo.Update(ctx, next, params.ExpectedVersion)
	}

	if errors.Is(err, ErrRecordExists) || errors.Is(err, ErrVersionMismatch) {
		// Lost a race with another writer.
		latest, getErr := s.repo.Get(ctx, params.TypeName, key)
		if getErr != nil {
			return nil, fmt.Errorf("reload %s %s: %w", params.TypeName, key, getErr)
		}
		return nil, &ConflictError{Current: *latest, ExpectedVersion: params.ExpectedVersion}
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: %w", params.Operation, params.TypeName, key, err)
	}

	s.log.Debug("record mutated",
		"type", params.TypeName, "key", key, "operation", params.Operation, "version", next.Metadata.Version)
	s.broker.Publish(params.Operation, next)
	return &next, nil
}

// Subscribe streams committed mutations of typeName and op until ctx is done.
func (s *Service) Subscribe(ctx context.Context, typeName string, op record.Operation) (<-chan record.WithMetadata, error) {
	if _, err := s.registry.Model(typeName); err != nil {
		return nil, err
	}
	if !op.Valid() {
		return nil, fmt.Errorf("%w: operation %q", ErrInvalidRequest, op)
	}
	ch, cancel := s.broker.Subscribe(typeName, op)
	context.AfterFunc(ctx, cancel)
	s.log.Debug("subscription opened", "type", typeName, "operation", op)
	return ch, nil
}

// Ping checks that the repository is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		s.log.Warn("repository ping failed", "error", err)
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}
