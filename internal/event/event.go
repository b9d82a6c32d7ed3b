// Package event defines the chat event union exchanged between devices and the
// source of record, together with its validation, normalization and ordering rules.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// SchemaVersion is pinned on every event that leaves a device.
const SchemaVersion = 1

// Kind discriminates event variants on the wire.
type Kind string

// Known event kinds.
const (
	KindCreate   Kind = "create"
	KindEdit     Kind = "edit"
	KindDelete   Kind = "delete"
	KindReaction Kind = "reaction"
	KindReply    Kind = "reply"
	KindInvite   Kind = "invite"
	KindAck      Kind = "ack"
)

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	switch k {
	case KindCreate, KindEdit, KindDelete, KindReaction, KindReply, KindInvite, KindAck:
		return true
	}
	return false
}

// Handshake reports whether k belongs to the key-exchange handshake.
func (k Kind) Handshake() bool { return k == KindInvite || k == KindAck }

// ReactionOp is the delta carried by a reaction event.
type ReactionOp string

// Reaction ops.
const (
	ReactionAdd    ReactionOp = "add"
	ReactionRemove ReactionOp = "remove"
)

// Body is the variant-specific part of an event. The set of implementations is closed.
type Body interface {
	Kind() Kind
	isBody()
}

// Create introduces a new message. ReplyTo optionally links it under a parent.
type Create struct {
	Text    string
	ReplyTo string
}

// Edit replaces the text of an existing message.
type Edit struct{ Text string }

// Delete marks a message as deleted.
type Delete struct{}

// Reaction adds or removes the author's emoji on a message.
type Reaction struct {
	Emoji string
	Op    ReactionOp
}

// Reply creates a new message linked under ReplyTo.
type Reply struct {
	Text    string
	ReplyTo string
}

// Invite carries an opaque key-exchange invitation.
type Invite struct{ Payload json.RawMessage }

// Ack carries an opaque key-exchange acknowledgement.
type Ack struct{ Payload json.RawMessage }

// Unknown holds a variant this build does not understand. It is never valid for append
// and is ignored by replicas.
type Unknown struct{ Type string }

func (Create) Kind() Kind   { return KindCreate }
func (Edit) Kind() Kind     { return KindEdit }
func (Delete) Kind() Kind   { return KindDelete }
func (Reaction) Kind() Kind { return KindReaction }
func (Reply) Kind() Kind    { return KindReply }
func (Invite) Kind() Kind   { return KindInvite }
func (Ack) Kind() Kind      { return KindAck }
func (u Unknown) Kind() Kind {
	return Kind(u.Type)
}

func (Create) isBody()   {}
func (Edit) isBody()     {}
func (Delete) isBody()   {}
func (Reaction) isBody() {}
func (Reply) isBody()    {}
func (Invite) isBody()   {}
func (Ack) isBody()      {}
func (Unknown) isBody()  {}

// Envelope is the end-to-end encrypted shape of an event's text. Header is sent in clear
// and authenticated; the source of record passes it through untouched.
type Envelope struct {
	Header     json.RawMessage `json:"header"`
	Ciphertext []byte          `json:"ciphertext"`
	Nonce      []byte          `json:"nonce"`
}

// Event is a single immutable chat operation.
//
// MessageID names the new message for create and reply, and the target message for
// edit, delete and reaction. ServerSeq and ServerTimeMs are zero until the source of
// record stores the event.
type Event struct {
	OpID       string
	ChatID     string
	MessageID  string
	AuthorID   string
	ClientID   string
	ClientTime int64 // unix ms, client wall clock

	ServerSeq    int64
	ServerTimeMs int64
	V            int

	Enc  *Envelope
	Body Body
}

// Kind returns the discriminator of the event body.
func (e Event) Kind() Kind {
	if e.Body == nil {
		return ""
	}
	return e.Body.Kind()
}

// Stored reports whether the source of record has assigned a sequence number.
func (e Event) Stored() bool { return e.ServerSeq > 0 }

// Clock returns the logical clock of the event.
func (e Event) Clock() Clock { return Clock{T: e.ClientTime, Tie: e.OpID} }

// Text returns the message text carried by create, edit and reply events.
func (e Event) Text() string {
	switch b := e.Body.(type) {
	case Create:
		return b.Text
	case Edit:
		return b.Text
	case Reply:
		return b.Text
	}
	return ""
}

// ReplyTo returns the parent message id of create and reply events.
func (e Event) ReplyTo() string {
	switch b := e.Body.(type) {
	case Create:
		return b.ReplyTo
	case Reply:
		return b.ReplyTo
	}
	return ""
}

// WithText returns a copy of e with the text of a create, edit or reply replaced.
func (e Event) WithText(text string) Event {
	switch b := e.Body.(type) {
	case Create:
		b.Text = text
		e.Body = b
	case Edit:
		b.Text = text
		e.Body = b
	case Reply:
		b.Text = text
		e.Body = b
	}
	return e
}

// Normalize trims identifier and text fields and pins the schema version.
// It applies no business policy.
func Normalize(e Event) Event {
	e.OpID = strings.TrimSpace(e.OpID)
	e.ChatID = strings.TrimSpace(e.ChatID)
	e.MessageID = strings.TrimSpace(e.MessageID)
	e.AuthorID = strings.TrimSpace(e.AuthorID)
	e.ClientID = strings.TrimSpace(e.ClientID)
	switch b := e.Body.(type) {
	case Create:
		b.Text = strings.TrimSpace(b.Text)
		b.ReplyTo = strings.TrimSpace(b.ReplyTo)
		e.Body = b
	case Edit:
		b.Text = strings.TrimSpace(b.Text)
		e.Body = b
	case Reaction:
		b.Emoji = strings.TrimSpace(b.Emoji)
		e.Body = b
	case Reply:
		b.Text = strings.TrimSpace(b.Text)
		b.ReplyTo = strings.TrimSpace(b.ReplyTo)
		e.Body = b
	}
	if e.V == 0 {
		e.V = SchemaVersion
	}
	return e
}

// Header identifies who is performing an operation on which chat.
type Header struct {
	ChatID   string
	AuthorID string
	ClientID string
}

// New builds an event with a fresh opId and the given client time.
func New(h Header, messageID string, at time.Time, body Body) Event {
	return Event{
		OpID:       NewID(),
		ChatID:     h.ChatID,
		MessageID:  messageID,
		AuthorID:   h.AuthorID,
		ClientID:   h.ClientID,
		ClientTime: at.UnixMilli(),
		V:          SchemaVersion,
		Body:       body,
	}
}

// NewID returns a globally unique identifier for ops and messages.
func NewID() string { return uuid.Must(uuid.NewV4()).String() }
