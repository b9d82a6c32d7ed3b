package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/acl"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/metrics"
	"github.com/and161185/chatsync/internal/repository"
)

// Limits applied by the source of record.
const (
	MaxFutureSkew    = 24 * time.Hour
	DefaultListLimit = 200
	MaxListLimit     = 500
)

// ErrLagged ends a live stream whose consumer could not keep up. Clients recover by
// polling from their cursor.
var ErrLagged = fmt.Errorf("%w: subscriber fell behind", errs.ErrNetwork)

// EventService is the source-of-record API consumed by transports.
type EventService interface {
	// Append validates, authorizes and persists ev exactly once per opId.
	Append(ctx context.Context, ev event.Event) (AppendResult, error)
	// ListAfter pages the chat log strictly after a server sequence.
	ListAfter(ctx context.Context, userID, chatID string, after int64, limit int) (ListResult, error)
	// Stream sends the log after a cursor and then live events until ctx ends.
	Stream(ctx context.Context, userID, chatID string, after int64, send func(event.Event) error) error
}

// AppendResult carries the authoritative stored event.
type AppendResult struct {
	Event   event.Event
	Deduped bool // the opId was already stored
}

// ListResult is one page of the chat log.
type ListResult struct {
	Events        []event.Event
	NextServerSeq int64 // last returned seq, or the requested cursor when empty
}

// SoR is the single authority that orders chat events. It never retries internally;
// storage failures are reported as errs.ErrStorage for the caller to retry.
type SoR struct {
	repo    repository.EventRepository
	policy  acl.Policy
	hub     *Hub
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.SoR
}

var _ EventService = (*SoR)(nil)

// Option configures a SoR.
type Option func(*SoR)

// WithClock overrides the wall clock used for serverTimeMs and skew clamping.
func WithClock(now func() time.Time) Option { return func(s *SoR) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *SoR) { s.log = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.SoR) Option { return func(s *SoR) { s.metrics = m } }

// WithHub shares a fan-out hub, e.g. between several SoR front-ends in one process.
func WithHub(h *Hub) Option { return func(s *SoR) { s.hub = h } }

// NewSoR constructs the source of record over a repository and an access policy.
func NewSoR(repo repository.EventRepository, policy acl.Policy, opts ...Option) *SoR {
	s := &SoR{repo: repo, policy: policy, now: time.Now, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	if s.hub == nil {
		s.hub = NewHub(0)
	}
	if s.policy == nil {
		s.policy = acl.AllowAll{}
	}
	return s
}

// Hub exposes the live fan-out.
func (s *SoR) Hub() *Hub { return s.hub }

// Append implements EventService.
func (s *SoR) Append(ctx context.Context, ev event.Event) (res AppendResult, err error) {
	start := time.Now()
	defer func() {
		s.metrics.Append(appendResult(res, err), time.Since(start))
	}()

	ev = event.Normalize(ev)
	ev.ServerSeq, ev.ServerTimeMs = 0, 0
	if err = event.Validate(ev); err != nil {
		return AppendResult{}, err
	}

	ok, err := s.policy.CanAppend(ctx, ev.AuthorID, ev.ChatID, ev)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: acl: %w", errs.ErrStorage, err)
	}
	if !ok {
		return AppendResult{}, fmt.Errorf("append %s to %s: %w", ev.Kind(), ev.ChatID, errs.ErrPermission)
	}

	existing, err := s.repo.GetByOpID(ctx, ev.OpID)
	switch {
	case err == nil:
		return AppendResult{Event: existing, Deduped: true}, nil
	case !errors.Is(err, errs.ErrNotFound):
		return AppendResult{}, fmt.Errorf("%w: lookup op: %w", errs.ErrStorage, err)
	}

	now := s.now()
	if limit := now.Add(MaxFutureSkew).UnixMilli(); ev.ClientTime > limit {
		s.log.Debug("clamping client time",
			zap.String("op_id", ev.OpID),
			zap.Int64("client_time", ev.ClientTime),
		)
		ev.ClientTime = limit
	}

	stored, deduped, err := s.repo.Append(ctx, ev, now.UnixMilli())
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: append: %w", errs.ErrStorage, err)
	}
	if !deduped {
		s.hub.Publish(stored)
	}
	s.log.Debug("append",
		zap.String("chat_id", stored.ChatID),
		zap.String("op_id", stored.OpID),
		zap.Int64("server_seq", stored.ServerSeq),
		zap.Bool("deduped", deduped),
	)
	return AppendResult{Event: stored, Deduped: deduped}, nil
}

func appendResult(res AppendResult, err error) string {
	switch {
	case err == nil && res.Deduped:
		return metrics.ResultDeduped
	case err == nil:
		return metrics.ResultStored
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrPermission):
		return metrics.ResultRejected
	}
	return metrics.ResultFailed
}

// ListAfter implements EventService. after is clamped to >= 0 and limit to [1, 500],
// defaulting to 200 when not positive.
func (s *SoR) ListAfter(ctx context.Context, userID, chatID string, after int64, limit int) (ListResult, error) {
	s.metrics.List()
	after = max(0, after)
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	if err := s.canRead(ctx, userID, chatID); err != nil {
		return ListResult{}, err
	}
	events, err := s.repo.ListAfter(ctx, chatID, after, limit)
	if err != nil {
		return ListResult{}, fmt.Errorf("%w: list: %w", errs.ErrStorage, err)
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].ServerSeq
	}
	return ListResult{Events: events, NextServerSeq: next}, nil
}

func (s *SoR) canRead(ctx context.Context, userID, chatID string) error {
	ok, err := s.policy.CanRead(ctx, userID, chatID)
	if err != nil {
		return fmt.Errorf("%w: acl: %w", errs.ErrStorage, err)
	}
	if !ok {
		return fmt.Errorf("read %s: %w", chatID, errs.ErrPermission)
	}
	return nil
}

// Stream implements EventService. It subscribes before catching up so no event
// committed during the catch-up is missed, then forwards live events in strictly
// increasing serverSeq order. A live event that skips ahead of the cursor triggers a
// catch-up page: sequences commit in order, so the missing ones are already listed.
func (s *SoR) Stream(ctx context.Context, userID, chatID string, after int64, send func(event.Event) error) error {
	if err := s.canRead(ctx, userID, chatID); err != nil {
		return err
	}
	sub := s.hub.Subscribe(chatID)
	s.metrics.Subscribers(1)
	defer func() {
		sub.Close()
		s.metrics.Subscribers(-1)
	}()

	cursor := max(0, after)
	catchUp := func() error {
		for {
			page, err := s.ListAfter(ctx, userID, chatID, cursor, MaxListLimit)
			if err != nil {
				return err
			}
			for _, ev := range page.Events {
				if err := send(ev); err != nil {
					return err
				}
				cursor = ev.ServerSeq
			}
			if len(page.Events) < MaxListLimit {
				return nil
			}
		}
	}
	if err := catchUp(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return ErrLagged
			}
			switch {
			case ev.ServerSeq <= cursor:
				continue
			case ev.ServerSeq == cursor+1:
				if err := send(ev); err != nil {
					return err
				}
				cursor = ev.ServerSeq
			default:
				if err := catchUp(); err != nil {
					return err
				}
			}
		}
	}
}
