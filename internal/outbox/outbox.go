// Package outbox holds locally committed events until the source of record accepts them.
package outbox

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/chatsync/internal/event"
)

// ParkedAttempt is the attempt count of an item rejected permanently. Peek never
// returns parked items; they stay in the store for inspection.
const ParkedAttempt = math.MaxInt32

// Item is one pending delivery.
type Item struct {
	ID        string
	Op        event.Kind
	ChatID    string
	TargetID  string // message the event acts on
	DedupeKey string
	Lamport   int64
	QueuedAt  time.Time
	Attempt   int
	LastError string
	Payload   event.Event
}

// Parked reports whether the item was rejected permanently.
func (it Item) Parked() bool { return it.Attempt >= ParkedAttempt }

// EnqueueInput describes an item to add. A zero QueuedAt means now.
type EnqueueInput struct {
	Op        event.Kind
	ChatID    string
	TargetID  string
	DedupeKey string
	Lamport   int64
	QueuedAt  time.Time
	Payload   event.Event
}

// Store is a durable queue of items.
type Store interface {
	// Enqueue adds an item. If an item with the same non-empty DedupeKey exists it is
	// returned unchanged.
	Enqueue(ctx context.Context, in EnqueueInput) (Item, error)
	// Peek returns up to n items with Attempt <= maxAttempt ordered by QueuedAt.
	// It does not modify anything.
	Peek(ctx context.Context, n, maxAttempt int) ([]Item, error)
	// MarkDone removes a delivered item.
	MarkDone(ctx context.Context, id string) error
	// MarkFailed increments Attempt and records cause. The item is kept.
	MarkFailed(ctx context.Context, id string, cause error) error
	// Park records cause and excludes the item from Peek permanently.
	Park(ctx context.Context, id string, cause error) error
	// Size returns the number of stored items, parked ones included.
	Size(ctx context.Context) (int, error)
	// FindByDedupeKey returns the item with key or errs.ErrNotFound.
	FindByDedupeKey(ctx context.Context, key string) (Item, error)
	// List returns every item ordered by QueuedAt, parked ones included.
	List(ctx context.Context) ([]Item, error)
	// Clear removes every item.
	Clear(ctx context.Context) error
}

// NewItemID returns a time-ordered unique id.
func NewItemID() string { return uuid.Must(uuid.NewV7()).String() }

// DedupeKey derives the idempotency key of a locally produced event. Creates and
// replies are keyed by message; edits, deletes and reactions also by client time so
// successive changes to one message queue separately.
func DedupeKey(ev event.Event) string {
	switch b := ev.Body.(type) {
	case event.Create:
		return fmt.Sprintf("create:%s:%s", ev.ChatID, ev.MessageID)
	case event.Reply:
		return fmt.Sprintf("reply:%s:%s", ev.ChatID, ev.MessageID)
	case event.Edit:
		return fmt.Sprintf("edit:%s:%s:%d", ev.ChatID, ev.MessageID, ev.ClientTime)
	case event.Delete:
		return fmt.Sprintf("delete:%s:%s:%d", ev.ChatID, ev.MessageID, ev.ClientTime)
	case event.Reaction:
		return fmt.Sprintf("reaction:%s:%s:%s:%s:%d", ev.ChatID, ev.MessageID, b.Emoji, ev.AuthorID, ev.ClientTime)
	}
	return fmt.Sprintf("%s:%s:%s", ev.Kind(), ev.ChatID, ev.OpID)
}

// FromEvent builds the enqueue input for ev.
func FromEvent(ev event.Event) EnqueueInput {
	return EnqueueInput{
		Op:        ev.Kind(),
		ChatID:    ev.ChatID,
		TargetID:  ev.MessageID,
		DedupeKey: DedupeKey(ev),
		Lamport:   ev.ClientTime,
		Payload:   ev,
	}
}

// ErrorText renders a failure cause for LastError.
func ErrorText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
