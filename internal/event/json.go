package event

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// wire is the flat JSON shape of an event shared by every transport and store.
type wire struct {
	Type         string          `json:"type"`
	OpID         string          `json:"opId"`
	ChatID       string          `json:"chatId"`
	MessageID    string          `json:"messageId"`
	AuthorID     string          `json:"authorId"`
	ClientID     string          `json:"clientId"`
	ClientTime   json.Number     `json:"clientTime"`
	ServerTimeMs json.Number     `json:"serverTimeMs,omitempty"`
	ServerSeq    json.Number     `json:"serverSeq,omitempty"`
	V            int             `json:"v,omitempty"`
	Text         string          `json:"text,omitempty"`
	ReplyTo      *string         `json:"replyTo,omitempty"`
	Emoji        string          `json:"emoji,omitempty"`
	Op           string          `json:"op,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Enc          *Envelope       `json:"enc,omitempty"`
}

func itoa(n int64) json.Number {
	if n == 0 {
		return ""
	}
	return json.Number(strconv.FormatInt(n, 10))
}

// MarshalJSON encodes the event in its flat wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wire{
		Type:         string(e.Kind()),
		OpID:         e.OpID,
		ChatID:       e.ChatID,
		MessageID:    e.MessageID,
		AuthorID:     e.AuthorID,
		ClientID:     e.ClientID,
		ClientTime:   json.Number(strconv.FormatInt(e.ClientTime, 10)),
		ServerTimeMs: itoa(e.ServerTimeMs),
		ServerSeq:    itoa(e.ServerSeq),
		V:            e.V,
		Enc:          e.Enc,
	}
	switch b := e.Body.(type) {
	case Create:
		w.Text = b.Text
		if b.ReplyTo != "" {
			w.ReplyTo = &b.ReplyTo
		}
	case Edit:
		w.Text = b.Text
	case Reaction:
		w.Emoji, w.Op = b.Emoji, string(b.Op)
	case Reply:
		w.Text = b.Text
		w.ReplyTo = &b.ReplyTo
	case Invite:
		w.Payload = b.Payload
	case Ack:
		w.Payload = b.Payload
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the flat wire form. Unknown types decode into Unknown.
// Numeric fields that are present but not finite numbers yield a *SchemaError.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			return schemaErr(te.Field, "has wrong type")
		}
		return schemaErr("", "malformed event: "+err.Error())
	}

	ct, err := millis(w.ClientTime)
	if err != nil {
		return schemaErr("clientTime", "must be a finite number (ms)")
	}
	seq, err := millis(w.ServerSeq)
	if err != nil {
		return schemaErr("serverSeq", "must be a finite number")
	}
	sms, err := millis(w.ServerTimeMs)
	if err != nil {
		return schemaErr("serverTimeMs", "must be a finite number")
	}

	out := Event{
		OpID:         w.OpID,
		ChatID:       w.ChatID,
		MessageID:    w.MessageID,
		AuthorID:     w.AuthorID,
		ClientID:     w.ClientID,
		ClientTime:   ct,
		ServerSeq:    seq,
		ServerTimeMs: sms,
		V:            w.V,
		Enc:          w.Enc,
	}
	var replyTo string
	if w.ReplyTo != nil {
		if strings.TrimSpace(*w.ReplyTo) == "" && Kind(w.Type) == KindCreate {
			return schemaErr("create.replyTo", "must be a non-empty string when present")
		}
		replyTo = *w.ReplyTo
	}
	switch Kind(w.Type) {
	case KindCreate:
		out.Body = Create{Text: w.Text, ReplyTo: replyTo}
	case KindEdit:
		out.Body = Edit{Text: w.Text}
	case KindDelete:
		out.Body = Delete{}
	case KindReaction:
		out.Body = Reaction{Emoji: w.Emoji, Op: ReactionOp(w.Op)}
	case KindReply:
		out.Body = Reply{Text: w.Text, ReplyTo: replyTo}
	case KindInvite:
		out.Body = Invite{Payload: w.Payload}
	case KindAck:
		out.Body = Ack{Payload: w.Payload}
	default:
		out.Body = Unknown{Type: w.Type}
	}
	*e = out
	return nil
}

// millis parses a JSON number into integral milliseconds. Absent numbers are zero.
func millis(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not finite")
	}
	return int64(f), nil
}

// Parse decodes, normalizes and validates a raw wire event.
func Parse(raw []byte) (Event, error) {
	var probe struct {
		ClientTime json.RawMessage `json:"clientTime"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Event{}, schemaErr("", "event must be a JSON object")
	}
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}
	e = Normalize(e)
	present := len(probe.ClientTime) > 0 && string(probe.ClientTime) != "null"
	if err := validate(e, present); err != nil {
		return Event{}, err
	}
	return e, nil
}
