package convert

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
)

func stored() event.Event {
	return event.Event{
		OpID: "op1", ChatID: "c1", MessageID: "m1", AuthorID: "u1", ClientID: "d1",
		ClientTime: 1_700_000_000_123, ServerSeq: 42, ServerTimeMs: 1_700_000_000_456, V: 1,
		Body: event.Reply{Text: "hi", ReplyTo: "m0"},
	}
}

func TestEvent_RoundtripKeepsMillis(t *testing.T) {
	t.Parallel()
	in := stored()
	s, err := EncodeEvent(in)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	if got := s.Fields["type"].GetStringValue(); got != "reply" {
		t.Fatalf("type=%q", got)
	}
	out, err := DecodeEvent(s)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestParseEvent_Validates(t *testing.T) {
	t.Parallel()
	s, err := structpb.NewStruct(map[string]any{
		"type": "create", "opId": "op1", "chatId": "c1", "messageId": "m1",
		"authorId": "u1", "clientId": "d1", "text": "  hello ",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = ParseEvent(s)
	var se *event.SchemaError
	if !errors.As(err, &se) || se.Field != "clientTime" {
		t.Fatalf("expected clientTime schema error, got %v", err)
	}

	s.Fields["clientTime"] = structpb.NewNumberValue(100)
	ev, err := ParseEvent(s)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Text() != "hello" || ev.ClientTime != 100 {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := ParseEvent(nil); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("nil message must be a validation error, got %v", err)
	}
}

func TestListAfterReply_Roundtrip(t *testing.T) {
	t.Parallel()
	in := ListAfterReply{Events: []event.Event{stored()}, NextServerSeq: 42}
	s, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out ListAfterReply
	if err := Decode(s, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out.Events) != 1 || out.Events[0] != in.Events[0] || out.NextServerSeq != 42 {
		t.Fatalf("mismatch: %+v", out)
	}
}

func TestDecode_ShapeErrorIsValidation(t *testing.T) {
	t.Parallel()
	s, _ := structpb.NewStruct(map[string]any{"chatId": "c", "after": "ten"})
	var q ListAfterQuery
	if err := Decode(s, &q); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
