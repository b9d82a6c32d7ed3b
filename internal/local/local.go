// Package local defines the durable on-device store: the outbox plus a small key/value
// space for snapshots and cursors, with transactions spanning both.
package local

import (
	"context"
	"time"

	"github.com/and161185/chatsync/internal/outbox"
)

// Tx is a write transaction. Nothing is visible to readers until Update returns nil.
type Tx interface {
	Set(key string, value []byte) error
	Enqueue(in outbox.EnqueueInput) (outbox.Item, error)
}

// Store is the device-local durable store.
type Store interface {
	outbox.Store

	// Get returns the value of key or errs.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Update runs fn in one atomic transaction. An error from fn discards every write.
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Well-known keys.
const DeviceKey = "device/id"

// SnapshotKey holds the encoded replica of a chat.
func SnapshotKey(chatID string) string { return "snapshot/" + chatID }

// CursorKey holds the last applied server sequence of a chat.
func CursorKey(chatID string) string { return "cursor/" + chatID }

// Millis truncates t to the millisecond precision every backend persists.
func Millis(t time.Time) time.Time { return time.UnixMilli(t.UnixMilli()) }

// Prepare fills defaults on an enqueue input and builds the new item.
func Prepare(in outbox.EnqueueInput, now time.Time) outbox.Item {
	at := in.QueuedAt
	if at.IsZero() {
		at = now
	}
	return outbox.Item{
		ID:        outbox.NewItemID(),
		Op:        in.Op,
		ChatID:    in.ChatID,
		TargetID:  in.TargetID,
		DedupeKey: in.DedupeKey,
		Lamport:   in.Lamport,
		QueuedAt:  Millis(at),
		Payload:   in.Payload,
	}
}
