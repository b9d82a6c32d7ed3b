// Package replica folds chat events into a convergent per-chat document.
//
// Apply is idempotent and order independent: any two replicas that have applied the
// same set of events expose the same messages, whatever the delivery order.
package replica

import (
	"cmp"
	"iter"
	"slices"
	"time"

	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/model"
)

// Replica is the narrow interface the rest of the client depends on.
type Replica interface {
	// Apply merges ev into the document. It never fails; unknown kinds are ignored.
	Apply(ev event.Event)
	// All yields visible messages ordered by creation time, ties by id.
	All() iter.Seq[model.Message]
	// Get returns one visible message.
	Get(id string) (model.Message, bool)
}

// register is a last-writer-wins cell keyed by the logical clock.
type register[T any] struct {
	Val T
	At  event.Clock
	Set bool
}

func (r *register[T]) write(v T, at event.Clock) bool {
	if r.Set && !at.After(r.At) {
		return false
	}
	r.Val, r.At, r.Set = v, at, true
	return true
}

type reactionKey struct {
	Emoji  string
	Author string
}

type entry struct {
	id string

	created   bool
	createdAt event.Clock
	author    string
	replyTo   string

	text     register[string]
	fromEdit bool // text register currently holds an edit

	deleted   bool
	reactions map[reactionKey]*register[bool]

	// lowest clock seen for this id, used while the create is missing
	seen       event.Clock
	seenAuthor string
}

// Doc is the in-memory Replica implementation. It is not safe for concurrent use.
type Doc struct {
	chatID  string
	entries map[string]*entry
	replies map[string]map[string]struct{} // parent -> children
}

var _ Replica = (*Doc)(nil)

// New returns an empty document for chatID. Events for other chats are ignored.
// An empty chatID accepts every chat.
func New(chatID string) *Doc {
	return &Doc{
		chatID:  chatID,
		entries: make(map[string]*entry),
		replies: make(map[string]map[string]struct{}),
	}
}

// ChatID returns the chat the document folds.
func (d *Doc) ChatID() string { return d.chatID }

func (d *Doc) entry(id string, ev event.Event) *entry {
	e, ok := d.entries[id]
	if !ok {
		e = &entry{id: id, reactions: make(map[reactionKey]*register[bool])}
		d.entries[id] = e
	}
	if c := ev.Clock(); e.seen.IsZero() || e.seen.After(c) {
		e.seen, e.seenAuthor = c, ev.AuthorID
	}
	return e
}

// Apply implements Replica.
func (d *Doc) Apply(ev event.Event) {
	if d.chatID != "" && ev.ChatID != d.chatID {
		return
	}
	if ev.MessageID == "" {
		return
	}
	switch b := ev.Body.(type) {
	case event.Create:
		d.create(ev, b.Text, b.ReplyTo)
	case event.Reply:
		d.create(ev, b.Text, b.ReplyTo)
	case event.Edit:
		e := d.entry(ev.MessageID, ev)
		if e.text.write(b.Text, ev.Clock()) {
			e.fromEdit = true
		}
	case event.Delete:
		d.entry(ev.MessageID, ev).deleted = true
	case event.Reaction:
		e := d.entry(ev.MessageID, ev)
		k := reactionKey{Emoji: b.Emoji, Author: ev.AuthorID}
		r, ok := e.reactions[k]
		if !ok {
			r = &register[bool]{}
			e.reactions[k] = r
		}
		r.write(b.Op == event.ReactionAdd, ev.Clock())
	default:
		// handshakes and unknown kinds never touch the document
	}
}

func (d *Doc) create(ev event.Event, text, replyTo string) {
	e := d.entry(ev.MessageID, ev)
	if e.created {
		return
	}
	e.created = true
	e.createdAt = ev.Clock()
	e.author = ev.AuthorID
	e.replyTo = replyTo
	if e.text.write(text, ev.Clock()) {
		e.fromEdit = false
	}
	if replyTo != "" {
		kids, ok := d.replies[replyTo]
		if !ok {
			kids = make(map[string]struct{})
			d.replies[replyTo] = kids
		}
		kids[ev.MessageID] = struct{}{}
	}
}

// visible reports whether e has enough state to be shown: a create, or a winning edit
// that arrived ahead of it.
func (e *entry) visible() bool { return e.created || (e.text.Set && e.fromEdit) }

func (e *entry) birth() event.Clock {
	if e.created {
		return e.createdAt
	}
	return e.seen
}

func (d *Doc) materialize(e *entry) model.Message {
	m := model.Message{
		ID:        e.id,
		Text:      e.text.Val,
		AuthorID:  e.author,
		CreatedAt: time.UnixMilli(e.birth().T),
		Deleted:   e.deleted,
		ReplyTo:   e.replyTo,
		Reactions: map[string][]string{},
	}
	if !e.created {
		m.AuthorID = e.seenAuthor
	}
	if e.fromEdit {
		t := time.UnixMilli(e.text.At.T)
		m.UpdatedAt = &t
	}
	for k, r := range e.reactions {
		if r.Val {
			m.Reactions[k.Emoji] = append(m.Reactions[k.Emoji], k.Author)
		}
	}
	for emoji := range m.Reactions {
		slices.Sort(m.Reactions[emoji])
	}
	if kids := d.replies[e.id]; len(kids) > 0 {
		ids := make([]*entry, 0, len(kids))
		for id := range kids {
			ids = append(ids, d.entries[id])
		}
		slices.SortFunc(ids, byBirth)
		m.Replies = make([]string, len(ids))
		for i, c := range ids {
			m.Replies[i] = c.id
		}
	}
	return m
}

func byBirth(a, b *entry) int {
	if r := cmp.Compare(a.birth().T, b.birth().T); r != 0 {
		return r
	}
	return cmp.Compare(a.id, b.id)
}

// All implements Replica.
func (d *Doc) All() iter.Seq[model.Message] {
	return func(yield func(model.Message) bool) {
		list := make([]*entry, 0, len(d.entries))
		for _, e := range d.entries {
			if e.visible() {
				list = append(list, e)
			}
		}
		slices.SortFunc(list, byBirth)
		for _, e := range list {
			if !yield(d.materialize(e)) {
				return
			}
		}
	}
}

// Get implements Replica.
func (d *Doc) Get(id string) (model.Message, bool) {
	e, ok := d.entries[id]
	if !ok || !e.visible() {
		return model.Message{}, false
	}
	return d.materialize(e), true
}

// Len returns the number of visible messages.
func (d *Doc) Len() int {
	n := 0
	for _, e := range d.entries {
		if e.visible() {
			n++
		}
	}
	return n
}
