package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/outbox"
)

func TestRenderMessages_Threads(t *testing.T) {
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.Local)
	edited := at.Add(time.Minute)
	msgs := []model.Message{
		{ID: "root-0001-aaaa", AuthorID: "alice", Text: "hello", CreatedAt: at, Replies: []string{"child-01-bbbb"},
			Reactions: map[string][]string{"👍": {"bob", "carol"}}},
		{ID: "child-01-bbbb", AuthorID: "bob", Text: "hi", CreatedAt: at, ReplyTo: "root-0001-aaaa", UpdatedAt: &edited},
		{ID: "gone", AuthorID: "carol", Text: "oops", CreatedAt: at, Deleted: true},
	}
	var buf bytes.Buffer
	renderMessages(&buf, msgs)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, []string{
		"[root-000] 15:04:05 alice: hello 👍2",
		"  [child-01] 15:04:05 bob: hi (edited)",
		"[gone] 15:04:05 carol: (deleted)",
	}, lines)
}

func TestRenderMessages_OrphanReplyAtTopLevel(t *testing.T) {
	var buf bytes.Buffer
	renderMessages(&buf, []model.Message{{ID: "r", AuthorID: "a", Text: "x", ReplyTo: "missing"}})
	require.Contains(t, buf.String(), "a: x")
}

func TestRenderMessages_UnrootedChainsShownOnce(t *testing.T) {
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.Local)
	msgs := []model.Message{
		{ID: "a", AuthorID: "ann", Text: "one", CreatedAt: at, ReplyTo: "b", Replies: []string{"b"}},
		{ID: "b", AuthorID: "ben", Text: "two", CreatedAt: at, ReplyTo: "a", Replies: []string{"a"}},
		{ID: "s", AuthorID: "sam", Text: "self", CreatedAt: at, ReplyTo: "s", Replies: []string{"s"}},
	}
	var buf bytes.Buffer
	renderMessages(&buf, msgs)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, []string{
		"[a] 15:04:05 ann: one",
		"  [b] 15:04:05 ben: two",
		"[s] 15:04:05 sam: self",
	}, lines)
}

func TestOutboxRows(t *testing.T) {
	items := []outbox.Item{
		{ID: "1", Op: "create", ChatID: "c", TargetID: "m", Attempt: 2, LastError: "boom"},
		{ID: "2", Op: "edit", ChatID: "c", TargetID: "m", Attempt: outbox.ParkedAttempt, LastError: outbox.ErrorText(errors.New("denied"))},
	}
	rows := outboxRows(items)
	require.Len(t, rows, 2)
	require.False(t, rows[0].Parked)
	require.Equal(t, 2, rows[0].Attempt)
	require.True(t, rows[1].Parked)
	require.Zero(t, rows[1].Attempt)

	var buf bytes.Buffer
	renderOutbox(&buf, rows)
	require.Contains(t, buf.String(), "attempt=2 err=boom")
	require.Contains(t, buf.String(), "parked err=denied")

	buf.Reset()
	renderOutbox(&buf, nil)
	require.Equal(t, "outbox is empty\n", buf.String())
}
