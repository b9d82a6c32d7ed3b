package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/outbox"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderMessages prints top-level messages with their replies indented below.
func renderMessages(w io.Writer, msgs []model.Message) {
	byID := make(map[string]model.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	shown := make(map[string]bool, len(msgs))
	var walk func(m model.Message, depth int)
	walk = func(m model.Message, depth int) {
		if shown[m.ID] {
			return
		}
		shown[m.ID] = true
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), messageLine(m))
		for _, id := range m.Replies {
			if c, ok := byID[id]; ok {
				walk(c, depth+1)
			}
		}
	}
	for _, m := range msgs {
		if _, nested := byID[m.ReplyTo]; m.ReplyTo == "" || !nested {
			walk(m, 0)
		}
	}
	// reply chains that never reach a root
	for _, m := range msgs {
		walk(m, 0)
	}
}

func messageLine(m model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s: ", shortID(m.ID), m.CreatedAt.Format(time.TimeOnly), m.AuthorID)
	switch {
	case m.Deleted:
		b.WriteString("(deleted)")
	default:
		b.WriteString(m.Text)
		if m.UpdatedAt != nil {
			b.WriteString(" (edited)")
		}
	}
	for _, emoji := range slices.Sorted(maps.Keys(m.Reactions)) {
		if n := len(m.Reactions[emoji]); n > 0 {
			fmt.Fprintf(&b, " %s%d", emoji, n)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type outboxRow struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	ChatID    string    `json:"chat_id"`
	TargetID  string    `json:"target_id"`
	QueuedAt  time.Time `json:"queued_at"`
	Attempt   int       `json:"attempt"`
	Parked    bool      `json:"parked"`
	LastError string    `json:"last_error,omitempty"`
}

func outboxRows(items []outbox.Item) []outboxRow {
	rows := make([]outboxRow, 0, len(items))
	for _, it := range items {
		r := outboxRow{
			ID: it.ID, Op: string(it.Op), ChatID: it.ChatID, TargetID: it.TargetID,
			QueuedAt: it.QueuedAt, Attempt: it.Attempt, Parked: it.Parked(), LastError: it.LastError,
		}
		if r.Parked {
			r.Attempt = 0
		}
		rows = append(rows, r)
	}
	return rows
}

func renderOutbox(w io.Writer, rows []outboxRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "outbox is empty")
		return
	}
	for _, r := range rows {
		state := fmt.Sprintf("attempt=%d", r.Attempt)
		if r.Parked {
			state = "parked"
		}
		line := fmt.Sprintf("%s %-8s %s/%s %s", r.ID, r.Op, r.ChatID, shortID(r.TargetID), state)
		if r.LastError != "" {
			line += " err=" + r.LastError
		}
		fmt.Fprintln(w, line)
	}
}
