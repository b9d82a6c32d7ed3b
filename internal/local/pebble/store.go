// Package pebble is the Pebble backend of the device-local store.
//
// Key layout:
//
//	kv/<key>                    value
//	ob/item/<id>                JSON item
//	ob/dedupe/<dedupeKey>       id
//	ob/queue/<queuedAtMs>/<id>  id, in delivery order
package pebble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/outbox"
)

const (
	kvPrefix     = "kv/"
	itemPrefix   = "ob/item/"
	dedupePrefix = "ob/dedupe/"
	queuePrefix  = "ob/queue/"
)

// Store keeps the outbox and the key/value space in one Pebble database.
type Store struct {
	db  *pebble.DB
	now func() time.Time
	// serializes read-modify-write sequences
	mu sync.Mutex
}

var _ local.Store = (*Store)(nil)

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a database backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble %q: %w", errs.ErrStorage, dir, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", errs.ErrStorage, op, err)
}

func get(r pebble.Reader, key string) ([]byte, error) {
	v, closer, err := r.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

// Get implements local.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	v, err := get(s.db, kvPrefix+key)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, wrap("get", err)
	}
	return v, err
}

// Set implements local.Store.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	return wrap("set", s.db.Set([]byte(kvPrefix+key), value, pebble.Sync))
}

type record struct {
	ID        string      `json:"id"`
	Op        string      `json:"op"`
	ChatID    string      `json:"chatId"`
	TargetID  string      `json:"targetId"`
	DedupeKey string      `json:"dedupeKey,omitempty"`
	Lamport   int64       `json:"lamport"`
	QueuedAt  int64       `json:"queuedAt"`
	Attempt   int         `json:"attempt"`
	LastError string      `json:"lastError,omitempty"`
	Payload   event.Event `json:"payload"`
}

func toRecord(it outbox.Item) record {
	return record{
		ID: it.ID, Op: string(it.Op), ChatID: it.ChatID, TargetID: it.TargetID,
		DedupeKey: it.DedupeKey, Lamport: it.Lamport, QueuedAt: it.QueuedAt.UnixMilli(),
		Attempt: it.Attempt, LastError: it.LastError, Payload: it.Payload,
	}
}

func (r record) item() outbox.Item {
	return outbox.Item{
		ID: r.ID, Op: event.Kind(r.Op), ChatID: r.ChatID, TargetID: r.TargetID,
		DedupeKey: r.DedupeKey, Lamport: r.Lamport, QueuedAt: time.UnixMilli(r.QueuedAt),
		Attempt: r.Attempt, LastError: r.LastError, Payload: r.Payload,
	}
}

func queueKey(it outbox.Item) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", queuePrefix, it.QueuedAt.UnixMilli(), it.ID))
}

func loadItem(r pebble.Reader, id string) (outbox.Item, error) {
	v, err := get(r, itemPrefix+id)
	if err != nil {
		return outbox.Item{}, err
	}
	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return outbox.Item{}, fmt.Errorf("decode item %s: %w", id, err)
	}
	return rec.item(), nil
}

func putItem(b *pebble.Batch, it outbox.Item) error {
	data, err := json.Marshal(toRecord(it))
	if err != nil {
		return fmt.Errorf("encode item %s: %w", it.ID, err)
	}
	return b.Set([]byte(itemPrefix+it.ID), data, nil)
}

type tx struct {
	b   *pebble.Batch
	now time.Time
}

func (t *tx) Set(key string, value []byte) error {
	return t.b.Set([]byte(kvPrefix+key), value, nil)
}

func (t *tx) Enqueue(in outbox.EnqueueInput) (outbox.Item, error) {
	if in.DedupeKey != "" {
		id, err := get(t.b, dedupePrefix+in.DedupeKey)
		if err == nil {
			return loadItem(t.b, string(id))
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return outbox.Item{}, err
		}
	}
	it := local.Prepare(in, t.now)
	if err := putItem(t.b, it); err != nil {
		return outbox.Item{}, err
	}
	if err := t.b.Set(queueKey(it), []byte(it.ID), nil); err != nil {
		return outbox.Item{}, err
	}
	if it.DedupeKey != "" {
		if err := t.b.Set([]byte(dedupePrefix+it.DedupeKey), []byte(it.ID), nil); err != nil {
			return outbox.Item{}, err
		}
	}
	return it, nil
}

// Update implements local.Store on an indexed batch so the callback reads its own writes.
func (s *Store) Update(_ context.Context, fn func(local.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewIndexedBatch()
	defer b.Close()
	if err := fn(&tx{b: b, now: s.now()}); err != nil {
		return err
	}
	return wrap("commit", b.Commit(pebble.Sync))
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

// scan visits the queue in delivery order until fn returns false.
func (s *Store) scan(fn func(outbox.Item) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(queuePrefix),
		UpperBound: upperBound(queuePrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		it, err := loadItem(s.db, string(iter.Value()))
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !fn(it) {
			break
		}
	}
	return iter.Error()
}

func upperBound(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}

// Peek implements local.Store.
func (s *Store) Peek(_ context.Context, n, maxAttempt int) ([]outbox.Item, error) {
	var out []outbox.Item
	err := s.scan(func(it outbox.Item) bool {
		if len(out) >= n {
			return false
		}
		if it.Attempt <= maxAttempt {
			out = append(out, it)
		}
		return true
	})
	return out, wrap("peek", err)
}

// List implements local.Store.
func (s *Store) List(context.Context) ([]outbox.Item, error) {
	var out []outbox.Item
	err := s.scan(func(it outbox.Item) bool {
		out = append(out, it)
		return true
	})
	return out, wrap("list", err)
}

// FindByDedupeKey implements local.Store.
func (s *Store) FindByDedupeKey(_ context.Context, key string) (outbox.Item, error) {
	id, err := get(s.db, dedupePrefix+key)
	if err == nil {
		var it outbox.Item
		it, err = loadItem(s.db, string(id))
		if err == nil {
			return it, nil
		}
	}
	if errors.Is(err, errs.ErrNotFound) {
		return outbox.Item{}, err
	}
	return outbox.Item{}, wrap("find", err)
}

// MarkDone implements local.Store.
func (s *Store) MarkDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := loadItem(s.db, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrap("mark done", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete([]byte(itemPrefix+id), nil)
	_ = b.Delete(queueKey(it), nil)
	if it.DedupeKey != "" {
		_ = b.Delete([]byte(dedupePrefix+it.DedupeKey), nil)
	}
	return wrap("mark done", b.Commit(pebble.Sync))
}

func (s *Store) modify(op, id string, fn func(*outbox.Item)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := loadItem(s.db, id)
	if errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if err != nil {
		return wrap(op, err)
	}
	fn(&it)
	b := s.db.NewBatch()
	defer b.Close()
	if err := putItem(b, it); err != nil {
		return wrap(op, err)
	}
	return wrap(op, b.Commit(pebble.Sync))
}

// MarkFailed implements local.Store.
func (s *Store) MarkFailed(_ context.Context, id string, cause error) error {
	return s.modify("mark failed", id, func(it *outbox.Item) {
		it.Attempt++
		it.LastError = outbox.ErrorText(cause)
	})
}

// Park implements local.Store.
func (s *Store) Park(_ context.Context, id string, cause error) error {
	return s.modify("park", id, func(it *outbox.Item) {
		it.Attempt = outbox.ParkedAttempt
		it.LastError = outbox.ErrorText(cause)
	})
}

// Size implements local.Store.
func (s *Store) Size(context.Context) (int, error) {
	n := 0
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(itemPrefix),
		UpperBound: upperBound(itemPrefix),
	})
	if err != nil {
		return 0, wrap("size", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, wrap("size", iter.Error())
}

// Clear removes the whole outbox keyspace. The key/value space is kept.
func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end := []byte("ob/"), upperBound("ob/")
	return wrap("clear", s.db.DeleteRange(start, end, pebble.Sync))
}
