package replica

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/and161185/chatsync/internal/event"
)

const snapshotVersion = 1

type clockJSON struct {
	T   int64  `json:"t"`
	Tie string `json:"tie"`
}

func toClock(c event.Clock) clockJSON   { return clockJSON{T: c.T, Tie: c.Tie} }
func (c clockJSON) clock() event.Clock { return event.Clock{T: c.T, Tie: c.Tie} }

type reactionJSON struct {
	Emoji   string    `json:"emoji"`
	Author  string    `json:"author"`
	Present bool      `json:"present"`
	At      clockJSON `json:"at"`
}

type entryJSON struct {
	ID         string         `json:"id"`
	Created    bool           `json:"created,omitempty"`
	CreatedAt  clockJSON      `json:"createdAt"`
	Author     string         `json:"author,omitempty"`
	ReplyTo    string         `json:"replyTo,omitempty"`
	Text       string         `json:"text,omitempty"`
	TextAt     *clockJSON     `json:"textAt,omitempty"`
	FromEdit   bool           `json:"fromEdit,omitempty"`
	Deleted    bool           `json:"deleted,omitempty"`
	Seen       clockJSON      `json:"seen"`
	SeenAuthor string         `json:"seenAuthor,omitempty"`
	Reactions  []reactionJSON `json:"reactions,omitempty"`
}

type snapshotJSON struct {
	V       int                 `json:"v"`
	ChatID  string              `json:"chatId"`
	Entries []entryJSON         `json:"entries"`
	Replies map[string][]string `json:"replies,omitempty"`
}

// Snapshot encodes the full register state so a hydrated document keeps converging
// with events applied later.
func (d *Doc) Snapshot() ([]byte, error) {
	s := snapshotJSON{V: snapshotVersion, ChatID: d.chatID, Entries: make([]entryJSON, 0, len(d.entries))}
	for _, e := range d.entries {
		j := entryJSON{
			ID: e.id, Created: e.created, CreatedAt: toClock(e.createdAt), Author: e.author,
			ReplyTo: e.replyTo, FromEdit: e.fromEdit, Deleted: e.deleted,
			Seen: toClock(e.seen), SeenAuthor: e.seenAuthor,
		}
		if e.text.Set {
			at := toClock(e.text.At)
			j.Text, j.TextAt = e.text.Val, &at
		}
		for k, r := range e.reactions {
			j.Reactions = append(j.Reactions, reactionJSON{Emoji: k.Emoji, Author: k.Author, Present: r.Val, At: toClock(r.At)})
		}
		slices.SortFunc(j.Reactions, func(a, b reactionJSON) int {
			if a.Emoji != b.Emoji {
				return strings.Compare(a.Emoji, b.Emoji)
			}
			return strings.Compare(a.Author, b.Author)
		})
		s.Entries = append(s.Entries, j)
	}
	slices.SortFunc(s.Entries, func(a, b entryJSON) int { return strings.Compare(a.ID, b.ID) })
	if len(d.replies) > 0 {
		s.Replies = make(map[string][]string, len(d.replies))
		for p, kids := range d.replies {
			for k := range kids {
				s.Replies[p] = append(s.Replies[p], k)
			}
			slices.Sort(s.Replies[p])
		}
	}
	return json.Marshal(s)
}

// Hydrate replaces the document state with a snapshot produced by Snapshot.
func (d *Doc) Hydrate(data []byte) error {
	var s snapshotJSON
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if s.V != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", s.V)
	}
	if d.chatID != "" && s.ChatID != "" && s.ChatID != d.chatID {
		return fmt.Errorf("snapshot belongs to chat %q", s.ChatID)
	}
	entries := make(map[string]*entry, len(s.Entries))
	for _, j := range s.Entries {
		e := &entry{
			id: j.ID, created: j.Created, createdAt: j.CreatedAt.clock(), author: j.Author,
			replyTo: j.ReplyTo, fromEdit: j.FromEdit, deleted: j.Deleted,
			seen: j.Seen.clock(), seenAuthor: j.SeenAuthor,
			reactions: make(map[reactionKey]*register[bool], len(j.Reactions)),
		}
		if j.TextAt != nil {
			e.text = register[string]{Val: j.Text, At: j.TextAt.clock(), Set: true}
		}
		for _, r := range j.Reactions {
			e.reactions[reactionKey{Emoji: r.Emoji, Author: r.Author}] = &register[bool]{Val: r.Present, At: r.At.clock(), Set: true}
		}
		entries[j.ID] = e
	}
	replies := make(map[string]map[string]struct{}, len(s.Replies))
	for p, kids := range s.Replies {
		set := make(map[string]struct{}, len(kids))
		for _, k := range kids {
			set[k] = struct{}{}
		}
		replies[p] = set
	}
	d.entries, d.replies = entries, replies
	return nil
}
