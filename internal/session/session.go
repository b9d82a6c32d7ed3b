// Package session binds one chat on one device: it renders from the local snapshot,
// catches up from the source of record, follows live events and turns user actions
// into locally applied, durably queued events.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/replica"
	"github.com/and161185/chatsync/internal/transport"
)

// SeenCapacity bounds the recently seen opId set.
const SeenCapacity = 1024

// DefaultPageLimit is the catch-up page size.
const DefaultPageLimit = 200

// Cipher seals outgoing text and opens incoming envelopes.
type Cipher interface {
	Seal(ev event.Event) (event.Event, error)
	Open(ev event.Event) (event.Event, error)
}

// Kicker wakes the outbox runner after an enqueue.
type Kicker interface {
	Kick()
}

// Config wires a Session.
type Config struct {
	ChatID   string
	UserID   string
	ClientID string

	Store     local.Store
	Transport transport.Transport
	Runner    Kicker // optional
	Cipher    Cipher // optional

	OnInvite func(event.Event)
	OnAck    func(event.Event)

	PageLimit int
	Subscribe transport.SubscribeOptions
	Logger    *zap.Logger
	Now       func() time.Time
}

// Listener receives the full materialized state after every change.
type Listener func([]model.Message)

// Session is the client API of one chat.
type Session struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	doc       *replica.Doc
	seen      *seenSet
	cursor    int64
	lastClock int64 // last clientTime stamped by this device
	listeners map[int]Listener
	nextID    int
	sub       *transport.Subscription
}

// New validates cfg and returns a stopped session.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.ChatID == "":
		return nil, fmt.Errorf("%w: chat id required", errs.ErrValidation)
	case cfg.UserID == "":
		return nil, fmt.Errorf("%w: user id required", errs.ErrValidation)
	case cfg.ClientID == "":
		return nil, fmt.Errorf("%w: client id required", errs.ErrValidation)
	case cfg.Store == nil:
		return nil, errors.New("session: store required")
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Subscribe.Logger == nil {
		cfg.Subscribe.Logger = cfg.Logger
	}
	return &Session{
		cfg:       cfg,
		log:       cfg.Logger.Named("session").With(zap.String("chat_id", cfg.ChatID)),
		doc:       replica.New(cfg.ChatID),
		seen:      newSeenSet(SeenCapacity),
		listeners: map[int]Listener{},
	}, nil
}

// Start renders from the local snapshot, catches up from the cursor and subscribes
// to live events. Network failures while catching up are logged and Start still
// succeeds so the chat stays usable offline. Calling Start twice is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	err := s.loadLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()

	if s.cfg.Transport == nil {
		return nil
	}
	if err := s.catchUp(ctx); err != nil {
		if !errs.Retryable(err) {
			return err
		}
		s.log.Warn("catch-up failed, continuing offline", zap.Error(err))
	}
	s.notify()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		s.sub = transport.Subscribe(context.WithoutCancel(ctx), s.cfg.Transport, s.cfg.ChatID, s.cursor, s.onRemote, s.cfg.Subscribe)
	}
	return nil
}

// Stop unsubscribes. Queued outbox items are untouched.
func (s *Session) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Cursor returns the last applied serverSeq.
func (s *Session) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) loadLocked(ctx context.Context) error {
	snap, err := s.cfg.Store.Get(ctx, local.SnapshotKey(s.cfg.ChatID))
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	default:
		if err := s.doc.Hydrate(snap); err != nil {
			// a broken snapshot only costs a full catch-up
			s.log.Warn("discarding unreadable snapshot", zap.Error(err))
			s.doc = replica.New(s.cfg.ChatID)
			s.cursor = 0
			return nil
		}
	}
	raw, err := s.cfg.Store.Get(ctx, local.CursorKey(s.cfg.ChatID))
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load cursor: %w", err)
	default:
		c, perr := strconv.ParseInt(string(raw), 10, 64)
		if perr != nil {
			s.log.Warn("discarding unreadable cursor", zap.Error(perr))
			c = 0
		}
		s.cursor = c
	}
	return nil
}

func (s *Session) catchUp(ctx context.Context) error {
	for {
		page, err := s.cfg.Transport.ListAfter(ctx, s.cfg.ChatID, s.Cursor(), s.cfg.PageLimit)
		if err != nil {
			return err
		}
		var hooks []func()
		s.mu.Lock()
		for _, ev := range page.Events {
			if h := s.ingestLocked(ev); h != nil {
				hooks = append(hooks, h)
			}
		}
		err = s.persistLocked(ctx)
		s.mu.Unlock()
		for _, h := range hooks {
			h()
		}
		if err != nil {
			return err
		}
		if len(page.Events) < s.cfg.PageLimit {
			return nil
		}
	}
}

func (s *Session) onRemote(ev event.Event) {
	s.mu.Lock()
	hook := s.ingestLocked(ev)
	if err := s.persistLocked(context.Background()); err != nil {
		s.log.Error("persist snapshot", zap.Error(err))
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	s.notify()
}

// ingestLocked folds one stored event. Handshakes are returned as a hook to run
// without the lock.
func (s *Session) ingestLocked(ev event.Event) func() {
	if ev.ServerSeq > s.cursor {
		s.cursor = ev.ServerSeq
	}
	if ev.ClientID == s.cfg.ClientID && ev.ClientTime > s.lastClock {
		s.lastClock = ev.ClientTime
	}
	if !s.seen.add(ev.OpID) {
		return nil
	}
	switch ev.Kind() {
	case event.KindInvite:
		if s.cfg.OnInvite != nil {
			return func() { s.cfg.OnInvite(ev) }
		}
		return nil
	case event.KindAck:
		if s.cfg.OnAck != nil {
			return func() { s.cfg.OnAck(ev) }
		}
		return nil
	}
	if ev.Enc != nil {
		if s.cfg.Cipher == nil {
			s.log.Debug("skipping sealed event without cipher", zap.String("op_id", ev.OpID))
			return nil
		}
		opened, err := s.cfg.Cipher.Open(ev)
		if err != nil {
			s.log.Warn("skipping undecryptable event", zap.String("op_id", ev.OpID), zap.Error(err))
			return nil
		}
		ev = opened
	}
	s.doc.Apply(ev)
	return nil
}

func (s *Session) persistLocked(ctx context.Context) error {
	snap, err := s.doc.Snapshot()
	if err != nil {
		return err
	}
	cursor := []byte(strconv.FormatInt(s.cursor, 10))
	return s.cfg.Store.Update(ctx, func(tx local.Tx) error {
		if err := tx.Set(local.SnapshotKey(s.cfg.ChatID), snap); err != nil {
			return err
		}
		return tx.Set(local.CursorKey(s.cfg.ChatID), cursor)
	})
}

// Messages returns the visible messages ordered by creation.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(s.doc.All())
}

// Message returns one visible message.
func (s *Session) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Get(id)
}

// OnChange registers l and immediately calls it with the current state. The returned
// func unregisters it.
func (s *Session) OnChange(l Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	state := slices.Collect(s.doc.All())
	s.mu.Unlock()

	l(state)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	state := slices.Collect(s.doc.All())
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(state)
	}
}
