package local

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/outbox"
)

// Memory is a non-durable Store for tests and ephemeral sessions.
type Memory struct {
	mu    sync.Mutex
	kv    map[string][]byte
	items map[string]outbox.Item
	byKey map[string]string
	now   func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		kv:    make(map[string][]byte),
		items: make(map[string]outbox.Item),
		byKey: make(map[string]string),
		now:   time.Now,
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return slices.Clone(v), nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = slices.Clone(value)
	return nil
}

type memTx struct {
	m     *Memory
	kv    map[string][]byte
	items []outbox.Item
	keys  map[string]outbox.Item
}

func (t *memTx) Set(key string, value []byte) error {
	t.kv[key] = slices.Clone(value)
	return nil
}

func (t *memTx) Enqueue(in outbox.EnqueueInput) (outbox.Item, error) {
	if in.DedupeKey != "" {
		if id, ok := t.m.byKey[in.DedupeKey]; ok {
			return t.m.items[id], nil
		}
		if it, ok := t.keys[in.DedupeKey]; ok {
			return it, nil
		}
	}
	it := Prepare(in, t.m.now())
	t.items = append(t.items, it)
	if it.DedupeKey != "" {
		t.keys[it.DedupeKey] = it
	}
	return it, nil
}

// Update implements Store.
func (m *Memory) Update(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m, kv: map[string][]byte{}, keys: map[string]outbox.Item{}}
	if err := fn(tx); err != nil {
		return err
	}
	maps.Copy(m.kv, tx.kv)
	for _, it := range tx.items {
		m.items[it.ID] = it
		if it.DedupeKey != "" {
			m.byKey[it.DedupeKey] = it.ID
		}
	}
	return nil
}

// Enqueue implements Store.
func (m *Memory) Enqueue(ctx context.Context, in outbox.EnqueueInput) (out outbox.Item, err error) {
	err = m.Update(ctx, func(tx Tx) error {
		out, err = tx.Enqueue(in)
		return err
	})
	return out, err
}

func (m *Memory) sorted() []outbox.Item {
	list := slices.Collect(maps.Values(m.items))
	slices.SortFunc(list, func(a, b outbox.Item) int {
		if c := a.QueuedAt.Compare(b.QueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// Peek implements Store.
func (m *Memory) Peek(_ context.Context, n, maxAttempt int) ([]outbox.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Item
	for _, it := range m.sorted() {
		if len(out) >= n {
			break
		}
		if it.Attempt <= maxAttempt {
			out = append(out, it)
		}
	}
	return out, nil
}

// List implements Store.
func (m *Memory) List(context.Context) ([]outbox.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(), nil
}

// MarkDone implements Store.
func (m *Memory) MarkDone(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil
	}
	delete(m.items, id)
	if it.DedupeKey != "" {
		delete(m.byKey, it.DedupeKey)
	}
	return nil
}

func (m *Memory) update(id string, fn func(*outbox.Item)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return errs.ErrNotFound
	}
	fn(&it)
	m.items[id] = it
	return nil
}

// MarkFailed implements Store.
func (m *Memory) MarkFailed(_ context.Context, id string, cause error) error {
	return m.update(id, func(it *outbox.Item) {
		it.Attempt++
		it.LastError = outbox.ErrorText(cause)
	})
}

// Park implements Store.
func (m *Memory) Park(_ context.Context, id string, cause error) error {
	return m.update(id, func(it *outbox.Item) {
		it.Attempt = outbox.ParkedAttempt
		it.LastError = outbox.ErrorText(cause)
	})
}

// Size implements Store.
func (m *Memory) Size(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

// FindByDedupeKey implements Store.
func (m *Memory) FindByDedupeKey(_ context.Context, key string) (outbox.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return outbox.Item{}, errs.ErrNotFound
	}
	return m.items[id], nil
}

// Clear implements Store.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.items)
	clear(m.byKey)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
