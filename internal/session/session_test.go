package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/chatsync/internal/acl"
	"github.com/and161185/chatsync/internal/crypto/envelope"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/outbox"
	"github.com/and161185/chatsync/internal/repository/memory"
	"github.com/and161185/chatsync/internal/service"
	"github.com/and161185/chatsync/internal/transport"
)

const chat = "room"

type device struct {
	store  *local.Memory
	tr     transport.Transport
	runner *outbox.Runner
	sess   *Session
}

func newSoR() *service.SoR {
	return service.NewSoR(memory.NewEventRepo(), acl.AllowAll{})
}

func newDevice(t *testing.T, sor service.EventService, user string, mod func(*Config)) *device {
	t.Helper()
	d := &device{store: local.NewMemory()}
	var tick atomic.Int64
	base := time.Now()
	if sor != nil {
		d.tr = transport.NewLocal(sor, user)
		d.runner = outbox.NewRunner(d.store, Dispatcher(d.tr), outbox.Options{Logger: zaptest.NewLogger(t)})
	}
	cfg := Config{
		ChatID:    chat,
		UserID:    user,
		ClientID:  user + "-phone",
		Store:     d.store,
		Logger:    zaptest.NewLogger(t),
		Subscribe: transport.SubscribeOptions{PollMin: 20 * time.Millisecond, PollMax: 50 * time.Millisecond},
		// each action gets its own millisecond so last-writer-wins is deterministic
		Now: func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Millisecond) },
	}
	if d.tr != nil {
		cfg.Transport = d.tr
	}
	if d.runner != nil {
		cfg.Runner = d.runner
	}
	if mod != nil {
		mod(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	d.sess = s
	t.Cleanup(s.Stop)
	return d
}

func (d *device) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.runner.Drain(ctx)
	require.NoError(t, err)
}

func texts(ms []model.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Text)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{UserID: "u", ClientID: "c", Store: local.NewMemory()})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = New(Config{ChatID: "c", ClientID: "c", Store: local.NewMemory()})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = New(Config{ChatID: "c", UserID: "u", Store: local.NewMemory()})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = New(Config{ChatID: "c", UserID: "u", ClientID: "c"})
	require.Error(t, err)
}

func TestSession_LocalActions(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, nil, "alice", nil)
	require.NoError(t, d.sess.Start(ctx))

	id, err := d.sess.Create(ctx, "hello")
	require.NoError(t, err)
	child, err := d.sess.Reply(ctx, id, "hi back")
	require.NoError(t, err)
	require.NoError(t, d.sess.Edit(ctx, id, "hello, world"))

	set, err := d.sess.ToggleReaction(ctx, id, "👍")
	require.NoError(t, err)
	require.True(t, set)

	m, ok := d.sess.Message(id)
	require.True(t, ok)
	require.Equal(t, "hello, world", m.Text)
	require.Equal(t, []string{child}, m.Replies)
	require.Equal(t, []string{"alice"}, m.Reactions["👍"])

	set, err = d.sess.ToggleReaction(ctx, id, "👍")
	require.NoError(t, err)
	require.False(t, set)
	m, _ = d.sess.Message(id)
	require.Empty(t, m.Reactions["👍"])

	n, err := d.store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	snap, err := d.store.Get(ctx, local.SnapshotKey(chat))
	require.NoError(t, err)
	require.NotEmpty(t, snap)

	require.NoError(t, d.sess.Delete(ctx, child))
	m, ok = d.sess.Message(child)
	require.True(t, ok)
	require.True(t, m.Deleted)
	require.Len(t, d.sess.Messages(), 2)
}

func TestSession_InvalidActionQueuesNothing(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, nil, "alice", nil)

	_, err := d.sess.Create(ctx, "   ")
	require.ErrorIs(t, err, errs.ErrValidation)
	require.ErrorIs(t, d.sess.AddReaction(ctx, "m", ""), errs.ErrValidation)

	n, err := d.store.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, d.sess.Messages())
}

func TestSession_SameMillisecondActions(t *testing.T) {
	ctx := context.Background()
	sor := newSoR()
	frozen := time.UnixMilli(1_700_000_000_000)
	alice := newDevice(t, sor, "alice", func(c *Config) {
		c.Now = func() time.Time { return frozen }
	})
	require.NoError(t, alice.sess.Start(ctx))

	id, err := alice.sess.Create(ctx, "zero")
	require.NoError(t, err)
	set, err := alice.sess.ToggleReaction(ctx, id, "👍")
	require.NoError(t, err)
	require.True(t, set)
	set, err = alice.sess.ToggleReaction(ctx, id, "👍")
	require.NoError(t, err)
	require.False(t, set)
	require.NoError(t, alice.sess.Edit(ctx, id, "one"))
	require.NoError(t, alice.sess.Edit(ctx, id, "two"))

	n, err := alice.store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	m, ok := alice.sess.Message(id)
	require.True(t, ok)
	require.Equal(t, "two", m.Text)
	require.Empty(t, m.Reactions["👍"])

	alice.drain(t)
	bob := newDevice(t, sor, "bob", nil)
	require.NoError(t, bob.sess.Start(ctx))
	got, ok := bob.sess.Message(id)
	require.True(t, ok)
	require.Equal(t, "two", got.Text)
	require.Empty(t, got.Reactions["👍"])
}

func TestSession_OutboxCollisionRollsBack(t *testing.T) {
	ctx := context.Background()
	frozen := time.UnixMilli(1_700_000_000_000)
	d := newDevice(t, nil, "alice", func(c *Config) {
		c.Now = func() time.Time { return frozen }
	})

	id, err := d.sess.Create(ctx, "original")
	require.NoError(t, err)

	// a foreign item already owns the key the next edit will derive
	_, err = d.store.Enqueue(ctx, outbox.FromEvent(event.Event{
		OpID: "foreign", ChatID: chat, MessageID: id, AuthorID: "alice", ClientID: "alice-phone",
		ClientTime: frozen.UnixMilli() + 1, V: event.SchemaVersion, Body: event.Edit{Text: "stale"},
	}))
	require.NoError(t, err)

	err = d.sess.Edit(ctx, id, "lost")
	require.ErrorIs(t, err, errs.ErrConflict)
	m, ok := d.sess.Message(id)
	require.True(t, ok)
	require.Equal(t, "original", m.Text)

	snap, err := d.store.Get(ctx, local.SnapshotKey(chat))
	require.NoError(t, err)
	again, err := New(Config{ChatID: chat, UserID: "alice", ClientID: "alice-phone", Store: d.store})
	require.NoError(t, err)
	require.NoError(t, again.doc.Hydrate(snap))
	require.Equal(t, []string{"original"}, texts(again.Messages()))

	// the clock moved past the collision
	require.NoError(t, d.sess.Edit(ctx, id, "kept"))
	m, _ = d.sess.Message(id)
	require.Equal(t, "kept", m.Text)
	n, err := d.store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestSession_ColdStartFromSnapshot(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, nil, "alice", nil)
	_, err := d.sess.Create(ctx, "persisted")
	require.NoError(t, err)
	d.sess.Stop()

	again, err := New(Config{ChatID: chat, UserID: "alice", ClientID: "alice-phone", Store: d.store})
	require.NoError(t, err)
	require.Empty(t, again.Messages())
	require.NoError(t, again.Start(ctx))
	require.Equal(t, []string{"persisted"}, texts(again.Messages()))

	// stopping never loses queued work
	n, err := d.store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSession_SyncBetweenDevices(t *testing.T) {
	ctx := context.Background()
	sor := newSoR()
	alice := newDevice(t, sor, "alice", nil)
	bob := newDevice(t, sor, "bob", nil)

	require.NoError(t, alice.sess.Start(ctx))
	require.NoError(t, bob.sess.Start(ctx))

	id, err := alice.sess.Create(ctx, "ping")
	require.NoError(t, err)
	alice.drain(t)

	require.Eventually(t, func() bool {
		_, ok := bob.sess.Message(id)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	_, err = bob.sess.Reply(ctx, id, "pong")
	require.NoError(t, err)
	bob.drain(t)

	require.Eventually(t, func() bool {
		m, ok := alice.sess.Message(id)
		return ok && len(m.Replies) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, texts(alice.sess.Messages()), texts(bob.sess.Messages()))
	require.Equal(t, int64(2), alice.sess.Cursor())
}

func TestSession_CatchUpPersistsCursor(t *testing.T) {
	ctx := context.Background()
	sor := newSoR()
	alice := newDevice(t, sor, "alice", nil)
	for range 5 {
		_, err := alice.sess.Create(ctx, "msg")
		require.NoError(t, err)
	}
	alice.drain(t)

	bob := newDevice(t, sor, "bob", func(c *Config) { c.PageLimit = 2 })
	require.NoError(t, bob.sess.Start(ctx))
	require.Len(t, bob.sess.Messages(), 5)
	require.Equal(t, int64(5), bob.sess.Cursor())

	raw, err := bob.store.Get(ctx, local.CursorKey(chat))
	require.NoError(t, err)
	require.Equal(t, "5", string(raw))
}

type offline struct{}

func (offline) Append(context.Context, event.Event) (event.Event, bool, error) {
	return event.Event{}, false, errs.ErrNetwork
}

func (offline) ListAfter(context.Context, string, int64, int) (transport.Page, error) {
	return transport.Page{}, errs.ErrNetwork
}

func (offline) Stream(context.Context, string, int64, func(event.Event) error) error {
	return errs.ErrNetwork
}

func TestSession_OfflineStart(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, nil, "alice", func(c *Config) { c.Transport = offline{} })
	require.NoError(t, d.sess.Start(ctx))

	_, err := d.sess.Create(ctx, "written offline")
	require.NoError(t, err)
	require.Equal(t, []string{"written offline"}, texts(d.sess.Messages()))
}

func TestSession_Encrypted(t *testing.T) {
	ctx := context.Background()
	sor := newSoR()
	secret := envelope.KeyFromPassphrase([]byte("correct horse"), []byte("room-salt"))
	withCipher := func(c *Config) {
		cph, err := envelope.New(secret)
		require.NoError(t, err)
		c.Cipher = cph
	}
	alice := newDevice(t, sor, "alice", withCipher)
	bob := newDevice(t, sor, "bob", withCipher)
	eve := newDevice(t, sor, "eve", nil)

	id, err := alice.sess.Create(ctx, "secret")
	require.NoError(t, err)
	require.Equal(t, []string{"secret"}, texts(alice.sess.Messages()))
	alice.drain(t)

	res, err := sor.ListAfter(ctx, "alice", chat, 0, 10)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.Empty(t, res.Events[0].Text())
	require.NotNil(t, res.Events[0].Enc)

	require.NoError(t, bob.sess.Start(ctx))
	m, ok := bob.sess.Message(id)
	require.True(t, ok)
	require.Equal(t, "secret", m.Text)

	require.NoError(t, eve.sess.Start(ctx))
	require.Empty(t, eve.sess.Messages())
	require.Equal(t, int64(1), eve.sess.Cursor())
}

func TestSession_HandshakeHooks(t *testing.T) {
	ctx := context.Background()
	sor := newSoR()
	var invites, acks atomic.Int32
	var inviter atomic.Value
	alice := newDevice(t, sor, "alice", func(c *Config) {
		c.OnAck = func(event.Event) { acks.Add(1) }
	})
	bob := newDevice(t, sor, "bob", func(c *Config) {
		c.OnInvite = func(ev event.Event) {
			inviter.Store(ev.AuthorID)
			invites.Add(1)
		}
	})
	require.NoError(t, alice.sess.Start(ctx))
	require.NoError(t, bob.sess.Start(ctx))

	require.NoError(t, alice.sess.SendInvite(ctx, json.RawMessage(`{"pub":"a"}`)))
	alice.drain(t)
	require.Eventually(t, func() bool { return invites.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, "alice", inviter.Load())

	require.NoError(t, bob.sess.SendAck(ctx, json.RawMessage(`{"pub":"b"}`)))
	bob.drain(t)
	require.Eventually(t, func() bool { return acks.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	// handshakes never show up as messages, and the sender is not notified of its own
	require.Empty(t, alice.sess.Messages())
	require.Empty(t, bob.sess.Messages())
	require.Equal(t, int32(1), invites.Load())
}

func TestSession_OnChange(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, nil, "alice", nil)
	_, err := d.sess.Create(ctx, "first")
	require.NoError(t, err)

	var mu sync.Mutex
	var calls [][]string
	cancel := d.sess.OnChange(func(ms []model.Message) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, texts(ms))
	})
	_, err = d.sess.Create(ctx, "second")
	require.NoError(t, err)
	cancel()
	_, err = d.sess.Create(ctx, "third")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	require.Equal(t, []string{"first"}, calls[0])
	require.Len(t, calls[1], 2)
}

func TestEnsureDeviceID(t *testing.T) {
	ctx := context.Background()
	store := local.NewMemory()
	id, err := EnsureDeviceID(ctx, store)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := EnsureDeviceID(ctx, store)
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestSeenSet_Evicts(t *testing.T) {
	s := newSeenSet(3)
	require.True(t, s.add("a"))
	require.False(t, s.add("a"))
	s.add("b")
	s.add("c")
	s.add("d")
	require.False(t, s.has("a"))
	require.True(t, s.has("d"))
	require.Equal(t, 3, s.len())
}
