package intent_test

import (
	"encoding/json"
	"errors"
	"testing"

	"genesis/internal/intent"
)

func TestDecodeKnownKinds(t *testing.T) {
	cases := []struct {
		raw  string
		kind string
	}{
		{`{"type":"speak","content":"hello"}`, intent.KindSpeak},
		{`{"type":"submit","need_id":"chronicle","content":"report"}`, intent.KindSubmit},
		{`{"type":"vote","need_id":"chronicle","candidate":"C2"}`, intent.KindVote},
		{`{"type":"pay","to":"C2","amount":5,"reason":"thanks"}`, intent.KindPay},
		{`{"type":"register_output","output_type":"article","title":"My piece"}`, intent.KindRegisterOutput},
	}
	for _, tc := range cases {
		it, err := intent.Decode(json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.raw, err)
		}
		if it.Kind() != tc.kind {
			t.Fatalf("kind = %q, want %q", it.Kind(), tc.kind)
		}
	}
}

func TestDecodePayFields(t *testing.T) {
	it, err := intent.Decode(json.RawMessage(`{"type":"pay","to":"C2","amount":5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	pay, ok := it.(intent.Pay)
	if !ok {
		t.Fatalf("got %T, want Pay", it)
	}
	if pay.To != "C2" || pay.Amount != 5 {
		t.Fatalf("pay = %+v", pay)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	it, err := intent.Decode(json.RawMessage(`{"type":"steal","from":"C2"}`))
	if !errors.Is(err, intent.ErrUnknownKind) {
		t.Fatalf("want ErrUnknownKind, got %v", err)
	}
	unk, ok := it.(intent.Unknown)
	if !ok || unk.Type != "steal" {
		t.Fatalf("got %#v, want Unknown{steal}", it)
	}
}

func TestDecodeSchemaViolation(t *testing.T) {
	// amount must be a positive integer
	if _, err := intent.Decode(json.RawMessage(`{"type":"pay","to":"C2","amount":-3}`)); !errors.Is(err, intent.ErrUnknownKind) {
		t.Fatalf("want ErrUnknownKind for negative amount, got %v", err)
	}
	// content is required
	if _, err := intent.Decode(json.RawMessage(`{"type":"speak"}`)); !errors.Is(err, intent.ErrUnknownKind) {
		t.Fatalf("want ErrUnknownKind for missing content, got %v", err)
	}
}

func TestDecodeListKeepsEveryElement(t *testing.T) {
	raw := []byte(`[
		{"type":"speak","content":"hi"},
		{"type":"teleport"},
		{"type":"vote","need_id":"chronicle","candidate":"C1"}
	]`)
	intents, err := intent.DecodeList(raw)
	if err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(intents) != 3 {
		t.Fatalf("decoded %d intents, want 3", len(intents))
	}
	if _, ok := intents[1].(intent.Unknown); !ok {
		t.Fatalf("middle element should decode to Unknown, got %T", intents[1])
	}
}

func TestDecodeListRejectsNonArray(t *testing.T) {
	if _, err := intent.DecodeList([]byte(`{"type":"speak"}`)); err == nil {
		t.Fatal("want error for non-array input")
	}
}
