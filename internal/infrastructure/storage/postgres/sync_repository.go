package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/exp/slog"

	"datasync/internal/domain/record"
	"datasync/internal/domain/sync"
)

type SyncRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ sync.Repository = (*SyncRepository)(nil)

func NewSyncRepository(pool *pgxpool.Pool, log *slog.Logger) *SyncRepository {
	return &SyncRepository{
		pool: pool,
		log:  log.With("component", "sync_repository"),
	}
}

const selectRecord = `
	SELECT type_name, record_key, data, version, deleted, last_changed_at
	FROM records`

func (r *SyncRepository) Get(ctx context.Context, typeName string, key record.Key) (*record.WithMetadata, error) {
	row := r.pool.QueryRow(ctx, selectRecord+` WHERE type_name = $1 AND record_key = $2`, typeName, string(key))

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sync.ErrRecordNotFound
		}
		r.log.Error("failed to get record", "type", typeName, "key", key, "error", err)
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

func (r *SyncRepository) List(ctx context.Context, params sync.ListParams) ([]record.WithMetadata, error) {
	conds := []string{"type_name = $1"}
	args := []any{params.TypeName}
	if !params.Since.IsZero() {
		args = append(args, params.Since)
		conds = append(conds, fmt.Sprintf("last_changed_at >= $%d", len(args)))
	}
	if params.After != nil {
		args = append(args, params.After.ChangedAt, string(params.After.Key))
		conds = append(conds, fmt.Sprintf("(last_changed_at, record_key) > ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, params.Limit)
	query := selectRecord + `
	WHERE ` + strings.Join(conds, " AND ") + `
	ORDER BY last_changed_at, record_key
	LIMIT $` + fmt.Sprint(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.log.Error("failed to list records", "type", params.TypeName, "error", err)
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]record.WithMetadata, 0, params.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (r *SyncRepository) Create(ctx context.Context, rec record.WithMetadata) error {
	// A tombstone is revived only from the version right before rec.
	const query = `
		INSERT INTO records (type_name, record_key, data, version, deleted, last_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (type_name, record_key) DO UPDATE SET
			data = EXCLUDED.data,
			version = EXCLUDED.version,
			deleted = EXCLUDED.deleted,
			last_changed_at = EXCLUDED.last_changed_at
		WHERE records.deleted AND records.version = EXCLUDED.version - 1`

	data, err := json.Marshal(rec.Record.Fields)
	if err != nil {
		return fmt.Errorf("%w: %v", record.ErrInvalidData, err)
	}
	m := rec.Metadata
	tag, err := r.pool.Exec(ctx, query, m.TypeName, string(m.Key), string(data), m.Version, m.Deleted, m.LastChangedAt)
	if err != nil {
		r.log.Error("failed to create record", "type", m.TypeName, "key", m.Key, "error", err)
		return fmt.Errorf("create record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrRecordExists
	}
	return nil
}

func (r *SyncRepository) Update(ctx context.Context, rec record.WithMetadata, expectedVersion int) error {
	const query = `
		UPDATE records
		SET data = $3, version = $4, deleted = $5, last_changed_at = $6
		WHERE type_name = $1 AND record_key = $2 AND version = $7 AND NOT deleted`

	data, err := json.Marshal(rec.Record.Fields)
	if err != nil {
		return fmt.Errorf("%w: %v", record.ErrInvalidData, err)
	}
	m := rec.Metadata
	tag, err := r.pool.Exec(ctx, query, m.TypeName, string(m.Key), string(data), m.Version, m.Deleted, m.LastChangedAt, expectedVersion)
	if err != nil {
		r.log.Error("failed to update record", "type", m.TypeName, "key", m.Key, "error", err)
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sync.ErrVersionMismatch
	}
	return nil
}

func scanRecord(row pgx.Row) (*record.WithMetadata, error) {
	var (
		rec  record.WithMetadata
		key  string
		data []byte
	)
	err := row.Scan(
		&rec.Metadata.TypeName,
		&key,
		&data,
		&rec.Metadata.Version,
		&rec.Metadata.Deleted,
		&rec.Metadata.LastChangedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Metadata.Key = record.Key(key)
	rec.Metadata.LastChangedAt = rec.Metadata.LastChangedAt.UTC()
	rec.Record.TypeName = rec.Metadata.TypeName
	if err := json.Unmarshal(data, &rec.Record.Fields); err != nil {
		return nil, fmt.Errorf("decode record data: %w", err)
	}
	if rec.Record.Fields == nil {
		rec.Record.Fields = map[string]any{}
	}
	return &rec, nil
}

func (r *SyncRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}
