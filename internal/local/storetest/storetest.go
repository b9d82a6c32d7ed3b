// Package storetest is a conformance suite run against every local.Store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/outbox"
)

// Open returns a fresh, empty store. The suite closes it.
type Open func(t *testing.T) local.Store

// Run executes the suite.
func Run(t *testing.T, open Open) {
	t.Run("KV", func(t *testing.T) { testKV(t, open(t)) })
	t.Run("EnqueueDedupe", func(t *testing.T) { testEnqueueDedupe(t, open(t)) })
	t.Run("PeekOrderAndAttempts", func(t *testing.T) { testPeek(t, open(t)) })
	t.Run("DoneFailedPark", func(t *testing.T) { testLifecycle(t, open(t)) })
	t.Run("UpdateAtomic", func(t *testing.T) { testUpdate(t, open(t)) })
	t.Run("Clear", func(t *testing.T) { testClear(t, open(t)) })
}

func sample(msg string, at int64) event.Event {
	return event.Event{
		OpID: "op-" + msg, ChatID: "c", MessageID: msg, AuthorID: "a", ClientID: "d",
		ClientTime: at, V: 1, Body: event.Create{Text: "text " + msg},
	}
}

func input(msg string, queued time.Time) outbox.EnqueueInput {
	in := outbox.FromEvent(sample(msg, queued.UnixMilli()))
	in.QueuedAt = queued
	return in
}

func testKV(t *testing.T, s local.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.Get(ctx, local.SnapshotKey("c"))
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.Set(ctx, local.SnapshotKey("c"), []byte("v1")))
	require.NoError(t, s.Set(ctx, local.SnapshotKey("c"), []byte("v2")))
	v, err := s.Get(ctx, local.SnapshotKey("c"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

func testEnqueueDedupe(t *testing.T, s local.Store) {
	defer s.Close()
	ctx := context.Background()
	at := time.UnixMilli(1_000)

	first, err := s.Enqueue(ctx, input("m1", at))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, "create:c:m1", first.DedupeKey)
	require.Equal(t, event.KindCreate, first.Op)
	require.Equal(t, "m1", first.TargetID)
	require.Equal(t, at, first.QueuedAt)

	again, err := s.Enqueue(ctx, input("m1", at.Add(time.Second)))
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	n, err := s.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	found, err := s.FindByDedupeKey(ctx, "create:c:m1")
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
	require.Equal(t, sample("m1", at.UnixMilli()), found.Payload)

	_, err = s.FindByDedupeKey(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	noKey := input("m2", at)
	noKey.DedupeKey = ""
	a, err := s.Enqueue(ctx, noKey)
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, noKey)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}

func testPeek(t *testing.T, s local.Store) {
	defer s.Close()
	ctx := context.Background()
	base := time.UnixMilli(10_000)

	late, err := s.Enqueue(ctx, input("late", base.Add(3*time.Second)))
	require.NoError(t, err)
	early, err := s.Enqueue(ctx, input("early", base))
	require.NoError(t, err)
	mid, err := s.Enqueue(ctx, input("mid", base.Add(time.Second)))
	require.NoError(t, err)

	items, err := s.Peek(ctx, 10, 5)
	require.NoError(t, err)
	require.Equal(t, []string{early.ID, mid.ID, late.ID}, ids(items))

	items, err = s.Peek(ctx, 2, 5)
	require.NoError(t, err)
	require.Equal(t, []string{early.ID, mid.ID}, ids(items))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.MarkFailed(ctx, early.ID, errors.New("offline")))
	}
	items, err = s.Peek(ctx, 10, 1)
	require.NoError(t, err)
	require.Equal(t, []string{mid.ID, late.ID}, ids(items))

	// peek is read-only
	again, err := s.Peek(ctx, 10, 1)
	require.NoError(t, err)
	require.Equal(t, ids(items), ids(again))
}

func testLifecycle(t *testing.T, s local.Store) {
	defer s.Close()
	ctx := context.Background()

	it, err := s.Enqueue(ctx, input("m", time.UnixMilli(1)))
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, it.ID, errors.New("timeout")))
	got, err := s.FindByDedupeKey(ctx, it.DedupeKey)
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, "timeout", got.LastError)

	require.NoError(t, s.Park(ctx, it.ID, errors.New("forbidden")))
	items, err := s.Peek(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, items)
	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Parked())
	require.Equal(t, "forbidden", all[0].LastError)

	require.NoError(t, s.MarkDone(ctx, it.ID))
	n, err := s.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = s.FindByDedupeKey(ctx, it.DedupeKey)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// a completed key may be queued again
	_, err = s.Enqueue(ctx, input("m", time.UnixMilli(2)))
	require.NoError(t, err)
}

func testUpdate(t *testing.T, s local.Store) {
	defer s.Close()
	ctx := context.Background()

	boom := errors.New("abort")
	err := s.Update(ctx, func(tx local.Tx) error {
		require.NoError(t, tx.Set("k", []byte("v")))
		_, err := tx.Enqueue(input("m", time.UnixMilli(1)))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, errs.ErrNotFound)
	n, _ := s.Size(ctx)
	require.Zero(t, n)

	require.NoError(t, s.Update(ctx, func(tx local.Tx) error {
		if err := tx.Set("k", []byte("v")); err != nil {
			return err
		}
		a, err := tx.Enqueue(input("m", time.UnixMilli(1)))
		if err != nil {
			return err
		}
		b, err := tx.Enqueue(input("m", time.UnixMilli(2)))
		if err != nil {
			return err
		}
		require.Equal(t, a.ID, b.ID)
		return nil
	}))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
	n, _ = s.Size(ctx)
	require.Equal(t, 1, n)
}

func testClear(t *testing.T, s local.Store) {
	defer s.Close()
	ctx := context.Background()
	for _, m := range []string{"a", "b", "c"} {
		_, err := s.Enqueue(ctx, input(m, time.UnixMilli(5)))
		require.NoError(t, err)
	}
	require.NoError(t, s.Clear(ctx))
	n, err := s.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = s.FindByDedupeKey(ctx, "create:c:a")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func ids(items []outbox.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
