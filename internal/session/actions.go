package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/outbox"
	"github.com/and161185/chatsync/internal/replica"
)

func (s *Session) header() event.Header {
	return event.Header{ChatID: s.cfg.ChatID, AuthorID: s.cfg.UserID, ClientID: s.cfg.ClientID}
}

// Create posts a new message and returns its id.
func (s *Session) Create(ctx context.Context, text string) (string, error) {
	id := event.NewID()
	_, err := s.emit(ctx, id, event.Create{Text: text})
	return id, err
}

// Reply posts a new message under replyTo and returns its id.
func (s *Session) Reply(ctx context.Context, replyTo, text string) (string, error) {
	id := event.NewID()
	_, err := s.emit(ctx, id, event.Reply{Text: text, ReplyTo: replyTo})
	return id, err
}

// Edit replaces the text of message id.
func (s *Session) Edit(ctx context.Context, id, text string) error {
	_, err := s.emit(ctx, id, event.Edit{Text: text})
	return err
}

// Delete removes message id. Deletion is final.
func (s *Session) Delete(ctx context.Context, id string) error {
	_, err := s.emit(ctx, id, event.Delete{})
	return err
}

// AddReaction adds the user's emoji to message id.
func (s *Session) AddReaction(ctx context.Context, id, emoji string) error {
	_, err := s.emit(ctx, id, event.Reaction{Emoji: emoji, Op: event.ReactionAdd})
	return err
}

// RemoveReaction removes the user's emoji from message id.
func (s *Session) RemoveReaction(ctx context.Context, id, emoji string) error {
	_, err := s.emit(ctx, id, event.Reaction{Emoji: emoji, Op: event.ReactionRemove})
	return err
}

// ToggleReaction flips the user's emoji on message id based on the current state and
// reports whether it is now set.
func (s *Session) ToggleReaction(ctx context.Context, id, emoji string) (bool, error) {
	op := event.ReactionAdd
	if m, ok := s.Message(id); ok && slices.Contains(m.Reactions[emoji], s.cfg.UserID) {
		op = event.ReactionRemove
	}
	if _, err := s.emit(ctx, id, event.Reaction{Emoji: emoji, Op: op}); err != nil {
		return false, err
	}
	return op == event.ReactionAdd, nil
}

// SendInvite queues an opaque key-exchange invitation.
func (s *Session) SendInvite(ctx context.Context, payload json.RawMessage) error {
	_, err := s.emit(ctx, event.NewID(), event.Invite{Payload: payload})
	return err
}

// SendAck queues an opaque key-exchange acknowledgement.
func (s *Session) SendAck(ctx context.Context, payload json.RawMessage) error {
	_, err := s.emit(ctx, event.NewID(), event.Ack{Payload: payload})
	return err
}

// emit applies a local action and queues it for delivery. The replica change and the
// outbox item are committed together; on failure the in-memory replica is restored
// from the last persisted snapshot.
func (s *Session) emit(ctx context.Context, messageID string, body event.Body) (event.Event, error) {
	s.mu.Lock()
	ev, err := s.commitLocked(ctx, messageID, body)
	s.mu.Unlock()
	if err != nil {
		return event.Event{}, err
	}

	s.log.Debug("queued local event",
		zap.String("op_id", ev.OpID),
		zap.String("type", string(ev.Kind())),
		zap.String("message_id", ev.MessageID))
	s.notify()
	if s.cfg.Runner != nil {
		s.cfg.Runner.Kick()
	}
	return ev, nil
}

// commitLocked stamps the event with the next local clock value, applies it and
// persists the snapshot together with the outbox item.
func (s *Session) commitLocked(ctx context.Context, messageID string, body event.Body) (event.Event, error) {
	at := max(s.cfg.Now().UnixMilli(), s.lastClock+1)
	ev := event.Normalize(event.New(s.header(), messageID, time.UnixMilli(at), body))
	if err := event.Validate(ev); err != nil {
		return event.Event{}, err
	}

	wire := ev
	if s.cfg.Cipher != nil && ev.Text() != "" {
		sealed, err := s.cfg.Cipher.Seal(ev)
		if err != nil {
			return event.Event{}, fmt.Errorf("seal: %w", err)
		}
		wire = sealed
	}

	s.lastClock = at
	s.seen.add(ev.OpID)
	if !ev.Kind().Handshake() {
		s.doc.Apply(ev)
	}
	snap, err := s.doc.Snapshot()
	if err == nil {
		err = s.cfg.Store.Update(ctx, func(tx local.Tx) error {
			if err := tx.Set(local.SnapshotKey(s.cfg.ChatID), snap); err != nil {
				return err
			}
			it, err := tx.Enqueue(outbox.FromEvent(wire))
			if err != nil {
				return err
			}
			if it.Payload.OpID != wire.OpID {
				return fmt.Errorf("%w: outbox already holds %s", errs.ErrConflict, it.DedupeKey)
			}
			return nil
		})
	}
	if err != nil {
		s.rollbackLocked(ctx)
		return event.Event{}, fmt.Errorf("queue %s: %w", ev.Kind(), err)
	}
	return ev, nil
}

func (s *Session) rollbackLocked(ctx context.Context) {
	snap, err := s.cfg.Store.Get(ctx, local.SnapshotKey(s.cfg.ChatID))
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.log.Error("reload snapshot after failed write", zap.Error(err))
		}
		s.doc = replica.New(s.cfg.ChatID)
		return
	}
	if err := s.doc.Hydrate(snap); err != nil {
		s.log.Error("reload snapshot after failed write", zap.Error(err))
	}
}
