// Package transport is the client's view of the source of record.
package transport

import (
	"context"
	"fmt"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/service"
)

// Page is one ListAfter result.
type Page struct {
	Events        []event.Event
	NextServerSeq int64
}

// Transport carries events between a device and the source of record. The calling
// user is bound at construction.
type Transport interface {
	// Append submits ev and returns the stored event.
	Append(ctx context.Context, ev event.Event) (stored event.Event, deduped bool, err error)
	ListAfter(ctx context.Context, chatID string, after int64, limit int) (Page, error)
	// Stream calls fn for stored events after the cursor, then for live ones, until ctx
	// ends or the stream breaks.
	Stream(ctx context.Context, chatID string, after int64, fn func(event.Event) error) error
}

// Local binds a user directly to an in-process source of record.
type Local struct {
	svc    service.EventService
	userID string
}

var _ Transport = (*Local)(nil)

// NewLocal returns a transport acting as userID.
func NewLocal(svc service.EventService, userID string) *Local {
	return &Local{svc: svc, userID: userID}
}

// Append implements Transport.
func (l *Local) Append(ctx context.Context, ev event.Event) (event.Event, bool, error) {
	if ev.AuthorID != l.userID {
		return event.Event{}, false, fmt.Errorf("author %q is not %q: %w", ev.AuthorID, l.userID, errs.ErrPermission)
	}
	res, err := l.svc.Append(ctx, ev)
	if err != nil {
		return event.Event{}, false, err
	}
	return res.Event, res.Deduped, nil
}

// ListAfter implements Transport.
func (l *Local) ListAfter(ctx context.Context, chatID string, after int64, limit int) (Page, error) {
	res, err := l.svc.ListAfter(ctx, l.userID, chatID, after, limit)
	if err != nil {
		return Page{}, err
	}
	return Page{Events: res.Events, NextServerSeq: res.NextServerSeq}, nil
}

// Stream implements Transport.
func (l *Local) Stream(ctx context.Context, chatID string, after int64, fn func(event.Event) error) error {
	return l.svc.Stream(ctx, l.userID, chatID, after, fn)
}
