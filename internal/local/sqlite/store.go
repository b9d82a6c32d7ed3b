// Package sqlite is the SQLite backend of the device-local store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/outbox"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Store keeps the outbox and the key/value space in one SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ local.Store = (*Store)(nil)

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", errs.ErrStorage, path, err)
	}
	// one writer at a time; avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect: %w", errs.ErrStorage, err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %q: %w", errs.ErrStorage, p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %w", errs.ErrStorage, err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set user_version: %w", errs.ErrStorage, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", errs.ErrStorage, op, err)
}

// Get implements local.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return v, wrap("get", err)
}

// Set implements local.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return wrap("set", set(ctx, s.db, key, value))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func set(ctx context.Context, db execer, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

type tx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time
}

func (t *tx) Set(key string, value []byte) error { return set(t.ctx, t.tx, key, value) }

func (t *tx) Enqueue(in outbox.EnqueueInput) (outbox.Item, error) {
	if in.DedupeKey != "" {
		it, err := findByKey(t.ctx, t.tx, in.DedupeKey)
		if err == nil {
			return it, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return outbox.Item{}, err
		}
	}
	it := local.Prepare(in, t.now)
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return outbox.Item{}, fmt.Errorf("encode payload: %w", err)
	}
	var key any
	if it.DedupeKey != "" {
		key = it.DedupeKey
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO outbox (id, op, chat_id, target_id, dedupe_key, lamport, queued_at, attempt, last_error, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		it.ID, string(it.Op), it.ChatID, it.TargetID, key, it.Lamport, it.QueuedAt.UnixMilli(), string(payload))
	if err != nil {
		return outbox.Item{}, err
	}
	return it, nil
}

// Update implements local.Store.
func (s *Store) Update(ctx context.Context, fn func(local.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(&tx{ctx: ctx, tx: sqlTx, now: s.now()}); err != nil {
		return err
	}
	return wrap("commit", sqlTx.Commit())
}

// Enqueue implements local.Store.
func (s *Store) Enqueue(ctx context.Context, in outbox.EnqueueInput) (out outbox.Item, err error) {
	err = s.Update(ctx, func(t local.Tx) error {
		out, err = t.Enqueue(in)
		return err
	})
	if err != nil && !errors.Is(err, errs.ErrStorage) {
		err = wrap("enqueue", err)
	}
	return out, err
}

const itemColumns = `id, op, chat_id, target_id, dedupe_key, lamport, queued_at, attempt, last_error, payload`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (outbox.Item, error) {
	var (
		it      outbox.Item
		op      string
		key     sql.NullString
		queued  int64
		payload string
	)
	if err := row.Scan(&it.ID, &op, &it.ChatID, &it.TargetID, &key, &it.Lamport, &queued, &it.Attempt, &it.LastError, &payload); err != nil {
		return outbox.Item{}, err
	}
	it.Op = event.Kind(op)
	it.DedupeKey = key.String
	it.QueuedAt = time.UnixMilli(queued)
	if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
		return outbox.Item{}, fmt.Errorf("decode payload of %s: %w", it.ID, err)
	}
	return it, nil
}

func findByKey(ctx context.Context, db execer, key string) (outbox.Item, error) {
	it, err := scanItem(db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM outbox WHERE dedupe_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Item{}, errs.ErrNotFound
	}
	return it, err
}

// FindByDedupeKey implements local.Store.
func (s *Store) FindByDedupeKey(ctx context.Context, key string) (outbox.Item, error) {
	it, err := findByKey(ctx, s.db, key)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return it, wrap("find", err)
	}
	return it, err
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]outbox.Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []outbox.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Peek implements local.Store.
func (s *Store) Peek(ctx context.Context, n, maxAttempt int) ([]outbox.Item, error) {
	items, err := s.query(ctx,
		`SELECT `+itemColumns+` FROM outbox WHERE attempt <= ? ORDER BY queued_at, id LIMIT ?`, maxAttempt, n)
	return items, wrap("peek", err)
}

// List implements local.Store.
func (s *Store) List(ctx context.Context) ([]outbox.Item, error) {
	items, err := s.query(ctx, `SELECT `+itemColumns+` FROM outbox ORDER BY queued_at, id`)
	return items, wrap("list", err)
}

// MarkDone implements local.Store.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return wrap("mark done", err)
}

func (s *Store) exec1(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return wrap(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// MarkFailed implements local.Store.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	return s.exec1(ctx, "mark failed",
		`UPDATE outbox SET attempt = attempt + 1, last_error = ? WHERE id = ?`, outbox.ErrorText(cause), id)
}

// Park implements local.Store.
func (s *Store) Park(ctx context.Context, id string, cause error) error {
	return s.exec1(ctx, "park",
		`UPDATE outbox SET attempt = ?, last_error = ? WHERE id = ?`, outbox.ParkedAttempt, outbox.ErrorText(cause), id)
}

// Size implements local.Store.
func (s *Store) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, wrap("size", err)
}

// Clear implements local.Store.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox`)
	return wrap("clear", err)
}
