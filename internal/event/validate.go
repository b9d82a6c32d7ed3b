package event

import (
	"fmt"
	"strings"

	"github.com/and161185/chatsync/internal/errs"
)

// SchemaError reports the first structurally invalid field of an event.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return "schema: " + e.Reason
	}
	return fmt.Sprintf("schema: %s %s", e.Field, e.Reason)
}

// Unwrap lets callers match errs.ErrValidation.
func (e *SchemaError) Unwrap() error { return errs.ErrValidation }

func schemaErr(field, reason string) error { return &SchemaError{Field: field, Reason: reason} }

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// Validate checks the structural shape of e and returns a *SchemaError naming the first
// offending field. Business rules (length limits, membership) belong to access control.
func Validate(e Event) error { return validate(e, true) }

func validate(e Event, haveClientTime bool) error {
	k := e.Kind()
	if !k.Known() {
		return schemaErr("type", "must be one of create|edit|delete|reaction|reply|invite|ack")
	}
	switch {
	case blank(e.ChatID):
		return schemaErr("chatId", "must be a non-empty string")
	case blank(e.MessageID):
		return schemaErr("messageId", "must be a non-empty string")
	case blank(e.AuthorID):
		return schemaErr("authorId", "must be a non-empty string")
	case blank(e.ClientID):
		return schemaErr("clientId", "must be a non-empty string")
	case blank(e.OpID):
		return schemaErr("opId", "must be a non-empty string")
	case !haveClientTime:
		return schemaErr("clientTime", "must be a finite number (ms)")
	}

	// Encrypted events carry their text inside the envelope.
	needText := e.Enc == nil
	switch b := e.Body.(type) {
	case Create:
		if needText && blank(b.Text) {
			return schemaErr("create.text", "must be a non-empty string")
		}
		if b.ReplyTo == e.MessageID {
			return schemaErr("create.replyTo", "must not reference the message itself")
		}
	case Edit:
		if needText && blank(b.Text) {
			return schemaErr("edit.text", "must be a non-empty string")
		}
	case Delete:
	case Reaction:
		if blank(b.Emoji) {
			return schemaErr("reaction.emoji", "must be a non-empty string")
		}
		if b.Op != ReactionAdd && b.Op != ReactionRemove {
			return schemaErr("reaction.op", "must be add|remove")
		}
	case Reply:
		if needText && blank(b.Text) {
			return schemaErr("reply.text", "must be a non-empty string")
		}
		if blank(b.ReplyTo) {
			return schemaErr("reply.replyTo", "must be a non-empty string")
		}
		if b.ReplyTo == e.MessageID {
			return schemaErr("reply.replyTo", "must not reference the message itself")
		}
	case Invite:
		if len(b.Payload) == 0 {
			return schemaErr("invite.payload", "must be present")
		}
	case Ack:
		if len(b.Payload) == 0 {
			return schemaErr("ack.payload", "must be present")
		}
	}
	if e.Enc != nil && (len(e.Enc.Ciphertext) == 0 || len(e.Enc.Nonce) == 0) {
		return schemaErr("enc", "must carry ciphertext and nonce")
	}
	return nil
}
