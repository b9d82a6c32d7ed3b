package session

import (
	"context"
	"errors"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/outbox"
	"github.com/and161185/chatsync/internal/transport"
)

// Dispatcher adapts t into the outbox runner's delivery function. A deduplicated
// append counts as delivered.
func Dispatcher(t transport.Transport) outbox.DispatchFunc {
	return func(ctx context.Context, it outbox.Item) error {
		_, _, err := t.Append(ctx, it.Payload)
		return err
	}
}

// EnsureDeviceID returns the client id persisted in store, creating one on first use.
func EnsureDeviceID(ctx context.Context, store local.Store) (string, error) {
	raw, err := store.Get(ctx, local.DeviceKey)
	if err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return "", err
	}
	id := event.NewID()
	if err := store.Set(ctx, local.DeviceKey, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}
