// Package sqlite is the durable LocalStore of a host: records, the
// mutation outbox and sync cursors in one SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/exp/slog"

	"datasync/internal/datastore"
	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
	"datasync/internal/infrastructure/migration"
	"datasync/internal/infrastructure/storage"
)

type Storage struct {
	db   *sql.DB
	feed *storage.Feed
	log  *slog.Logger
}

var _ datastore.LocalStore = (*Storage)(nil)

// New migrates the database at path and opens it.
func New(path string, log *slog.Logger) (*Storage, error) {
	if err := migration.NewMigration(migration.SQLite, migration.SQLiteURL(path), nil).Up(); err != nil {
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	// One connection serializes writers; WAL keeps readers of other
	// processes unblocked.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open local store: %w", err)
	}

	return &Storage{
		db:   db,
		feed: storage.NewFeed(),
		log:  log.With("component", "sqlite_storage"),
	}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectRecord = `
	SELECT type_name, record_key, data, version, deleted, last_changed_at, sync_state
	FROM records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (record.Stored, error) {
	var (
		s       record.Stored
		data    string
		changed string
		state   string
	)
	if err := row.Scan(&s.Metadata.TypeName, &s.Metadata.Key, &data, &s.Metadata.Version,
		&s.Metadata.Deleted, &changed, &state); err != nil {
		return record.Stored{}, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return record.Stored{}, fmt.Errorf("%w: %s %s: %v", record.ErrInvalidData, s.Metadata.TypeName, s.Metadata.Key, err)
	}
	s.Record = record.New(s.Metadata.TypeName, fields)
	s.Metadata.LastChangedAt = parseTime(changed)
	s.State = record.SyncState(state)
	return s, nil
}

func (s *Storage) get(ctx context.Context, q queryer, typeName string, key record.Key) (*record.Stored, error) {
	row := q.QueryRowContext(ctx, selectRecord+` WHERE type_name = ? AND record_key = ?`, typeName, string(key))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return &rec, nil
}

func (s *Storage) Get(ctx context.Context, typeName string, key record.Key) (*record.Stored, error) {
	return s.get(ctx, s.db, typeName, key)
}

// Query loads the rows of typeName in key order and filters them with p.
func (s *Storage) Query(ctx context.Context, typeName string, p predicate.Predicate) ([]record.Stored, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+` WHERE type_name = ? ORDER BY record_key`, typeName)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []record.Stored
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if p.Match(rec.Record.Fields) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out, nil
}

func (s *Storage) Save(ctx context.Context, rec record.Stored) error {
	if rec.Metadata.TypeName == "" {
		rec.Metadata.TypeName = rec.Record.TypeName
	}
	fields := rec.Record.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: %v", record.ErrInvalidData, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	prev, err := s.get(ctx, tx, rec.Metadata.TypeName, rec.Metadata.Key)
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		return err
	}

	const query = `
		INSERT INTO records (type_name, record_key, data, version, deleted, last_changed_at, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (type_name, record_key) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			deleted = excluded.deleted,
			last_changed_at = excluded.last_changed_at,
			sync_state = excluded.sync_state`
	if _, err := tx.ExecContext(ctx, query,
		rec.Metadata.TypeName, string(rec.Metadata.Key), string(data), rec.Metadata.Version,
		rec.Metadata.Deleted, formatTime(rec.Metadata.LastChangedAt), string(rec.State),
	); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}

	if c, ok := storage.ChangeFor(prev, rec); ok {
		s.feed.Publish(c)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, typeName string, key record.Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	prev, err := s.get(ctx, tx, typeName, key)
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE type_name = ? AND record_key = ?`, typeName, string(key)); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	if c, ok := storage.RemovalFor(*prev); ok {
		s.feed.Publish(c)
	}
	return nil
}

func (s *Storage) Observe(ctx context.Context, typeName string, p predicate.Predicate) (<-chan record.Change, error) {
	return s.feed.Observe(ctx, typeName, p)
}

func (s *Storage) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"records", "outbox", "sync_cursors"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	s.log.Info("local store cleared")
	return nil
}

func (s *Storage) LoadOutbox(ctx context.Context) ([]datastore.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type_name, record_key, operation, payload, enqueued_at
		FROM outbox
		ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	defer rows.Close()

	var out []datastore.OutboxEntry
	for rows.Next() {
		var (
			e        datastore.OutboxEntry
			payload  string
			enqueued string
		)
		if err := rows.Scan(&e.ID, &e.TypeName, &e.Key, &e.Operation, &payload, &enqueued); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("%w: outbox entry %s: %v", record.ErrInvalidData, e.ID, err)
		}
		e.EnqueuedAt = parseTime(enqueued)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	return out, nil
}

// SaveOutboxEntry inserts e or rewrites it in place, keeping its position.
func (s *Storage) SaveOutboxEntry(ctx context.Context, e datastore.OutboxEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", record.ErrInvalidData, err)
	}
	const query = `
		INSERT INTO outbox (id, type_name, record_key, operation, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			operation = excluded.operation,
			payload = excluded.payload`
	if _, err := s.db.ExecContext(ctx, query,
		e.ID, e.TypeName, string(e.Key), string(e.Operation), string(payload), formatTime(e.EnqueuedAt),
	); err != nil {
		return fmt.Errorf("save outbox entry: %w", err)
	}
	return nil
}

func (s *Storage) DeleteOutboxEntry(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

func (s *Storage) ClearOutbox(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}

func (s *Storage) GetCursor(ctx context.Context, typeName string) (datastore.SyncCursor, error) {
	c := datastore.SyncCursor{TypeName: typeName}
	var started, last, lastFull string
	err := s.db.QueryRowContext(ctx, `
		SELECT next_token, pass_full, pass_started_at, last_sync, last_full_sync
		FROM sync_cursors
		WHERE type_name = ?`, typeName,
	).Scan(&c.NextToken, &c.PassFull, &started, &last, &lastFull)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return datastore.SyncCursor{}, fmt.Errorf("get sync cursor: %w", err)
	}
	c.PassStartedAt = parseTime(started)
	c.LastSync = parseTime(last)
	c.LastFullSync = parseTime(lastFull)
	return c, nil
}

func (s *Storage) SaveCursor(ctx context.Context, c datastore.SyncCursor) error {
	const query = `
		INSERT INTO sync_cursors (type_name, next_token, pass_full, pass_started_at, last_sync, last_full_sync)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (type_name) DO UPDATE SET
			next_token = excluded.next_token,
			pass_full = excluded.pass_full,
			pass_started_at = excluded.pass_started_at,
			last_sync = excluded.last_sync,
			last_full_sync = excluded.last_full_sync`
	if _, err := s.db.ExecContext(ctx, query,
		c.TypeName, c.NextToken, c.PassFull,
		formatTime(c.PassStartedAt), formatTime(c.LastSync), formatTime(c.LastFullSync),
	); err != nil {
		return fmt.Errorf("save sync cursor: %w", err)
	}
	return nil
}

func (s *Storage) ClearCursors(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_cursors`); err != nil {
		return fmt.Errorf("clear sync cursors: %w", err)
	}
	return nil
}

// CountRecords counts the rows a host can see.
func (s *Storage) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE deleted = 0 AND sync_state <> ?`, string(record.StateDeletedPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *Storage) Close() error {
	s.feed.Close()
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
