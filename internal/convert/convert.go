// Package convert maps domain values onto the structpb messages carried by the gRPC API.
// Every message is the JSON wire shape of its Go counterpart.
package convert

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
)

// AppendReply is the response of Append.
type AppendReply struct {
	Event   event.Event `json:"event"`
	Deduped bool        `json:"deduped"`
}

// ListAfterQuery is the request of ListAfter.
type ListAfterQuery struct {
	ChatID string `json:"chatId"`
	After  int64  `json:"after"`
	Limit  int    `json:"limit,omitempty"`
}

// ListAfterReply is the response of ListAfter.
type ListAfterReply struct {
	Events        []event.Event `json:"events"`
	NextServerSeq int64         `json:"nextServerSeq"`
}

// SubscribeQuery is the request of Subscribe.
type SubscribeQuery struct {
	ChatID string `json:"chatId"`
	After  int64  `json:"after"`
}

// Encode converts v into a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %T: not an object: %w", v, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

func raw(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: empty message", errs.ErrValidation)
	}
	// encoding/json renders integral doubles without exponent, which keeps ms timestamps exact.
	return json.Marshal(s.AsMap())
}

// Decode fills v from a Struct. Shape errors are validation errors.
func Decode(s *structpb.Struct, v any) error {
	b, err := raw(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: decode %T: %w", errs.ErrValidation, v, err)
	}
	return nil
}

// EncodeEvent converts an event into its wire Struct.
func EncodeEvent(ev event.Event) (*structpb.Struct, error) { return Encode(ev) }

// ParseEvent decodes, normalizes and validates an event submitted by a client.
func ParseEvent(s *structpb.Struct) (event.Event, error) {
	b, err := raw(s)
	if err != nil {
		return event.Event{}, err
	}
	return event.Parse(b)
}

// DecodeEvent decodes an event produced by the source of record without validating it.
func DecodeEvent(s *structpb.Struct) (event.Event, error) {
	var ev event.Event
	err := Decode(s, &ev)
	return ev, err
}
