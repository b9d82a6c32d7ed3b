// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/chatsync/internal/event"
)

// EventRepository is the durable, append-only event log of the source of record.
type EventRepository interface {
	// Append stores ev with the next per-chat serverSeq and serverTimeMs = nowMs.
	// If an event with the same opId exists, it returns that stored event with
	// deduped = true and writes nothing. Sequence assignment is atomic per chat.
	Append(ctx context.Context, ev event.Event, nowMs int64) (stored event.Event, deduped bool, err error)

	// ListAfter returns up to limit events of chatID with serverSeq > after, ascending.
	ListAfter(ctx context.Context, chatID string, after int64, limit int) ([]event.Event, error)

	// GetByOpID returns the stored event for opID or errs.ErrNotFound.
	GetByOpID(ctx context.Context, opID string) (event.Event, error)
}
