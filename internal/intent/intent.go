// Package intent decodes and validates the actions a citizen's agent emits
// each round. Every message is a JSON object with a "type" discriminator;
// unknown or malformed messages decode to Unknown so the caller can record
// the anomaly without losing the rest of the batch.
package intent

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var ErrUnknownKind = errors.New("unknown intent kind")

// Intent kinds.
const (
	KindSpeak          = "speak"
	KindSubmit         = "submit"
	KindVote           = "vote"
	KindPay            = "pay"
	KindRegisterOutput = "register_output"
)

// Intent is the sum of actions a citizen can take in a round.
type Intent interface {
	Kind() string
}

type Speak struct {
	Content string `json:"content"`
}

type Submit struct {
	NeedID  string `json:"need_id"`
	Content string `json:"content"`
}

type Vote struct {
	NeedID    string `json:"need_id"`
	Candidate string `json:"candidate"`
}

type Pay struct {
	To     string `json:"to"`
	Amount int    `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

type RegisterOutput struct {
	OutputType  string `json:"output_type"`
	Title       string `json:"title"`
	ContentPath string `json:"content_path,omitempty"`
}

// Unknown carries the discriminator of a message that failed decoding, so
// the anomaly can be chronicled with some context.
type Unknown struct {
	Type string `json:"type"`
}

func (Speak) Kind() string          { return KindSpeak }
func (Submit) Kind() string         { return KindSubmit }
func (Vote) Kind() string           { return KindVote }
func (Pay) Kind() string            { return KindPay }
func (RegisterOutput) Kind() string { return KindRegisterOutput }
func (u Unknown) Kind() string      { return u.Type }

var schemas = mustCompile()

func mustCompile() map[string]*jsonschema.Schema {
	out := map[string]*jsonschema.Schema{}
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		panic(fmt.Sprintf("read intent schemas: %v", err))
	}
	for _, e := range entries {
		kind := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			panic(fmt.Sprintf("read intent schema %s: %v", e.Name(), err))
		}
		s, err := jsonschema.CompileString("genesis/intent/"+kind, string(data))
		if err != nil {
			panic(fmt.Sprintf("compile intent schema %s: %v", e.Name(), err))
		}
		out[kind] = s
	}
	return out
}

// Decode parses one intent message. A missing type, an unrecognized type or
// a schema violation returns an Unknown intent and a wrapped ErrUnknownKind.
func Decode(raw json.RawMessage) (Intent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Unknown{}, fmt.Errorf("not a JSON object: %w", ErrUnknownKind)
	}
	schema, ok := schemas[head.Type]
	if !ok {
		return Unknown{Type: head.Type}, fmt.Errorf("%q: %w", head.Type, ErrUnknownKind)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Unknown{Type: head.Type}, fmt.Errorf("%q: %w", head.Type, ErrUnknownKind)
	}
	if err := schema.Validate(doc); err != nil {
		return Unknown{Type: head.Type}, fmt.Errorf("%q failed validation: %v: %w", head.Type, err, ErrUnknownKind)
	}

	var (
		it  Intent
		err error
	)
	switch head.Type {
	case KindSpeak:
		var v Speak
		err = json.Unmarshal(raw, &v)
		it = v
	case KindSubmit:
		var v Submit
		err = json.Unmarshal(raw, &v)
		it = v
	case KindVote:
		var v Vote
		err = json.Unmarshal(raw, &v)
		it = v
	case KindPay:
		var v Pay
		err = json.Unmarshal(raw, &v)
		it = v
	case KindRegisterOutput:
		var v RegisterOutput
		err = json.Unmarshal(raw, &v)
		it = v
	}
	if err != nil {
		return Unknown{Type: head.Type}, fmt.Errorf("%q: %w", head.Type, ErrUnknownKind)
	}
	return it, nil
}

// DecodeList parses a JSON array of intent messages. Individual failures
// surface as Unknown entries; the slice covers every element either way.
func DecodeList(raw []byte) ([]Intent, error) {
	var msgs []json.RawMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("intent list is not a JSON array: %w", err)
	}
	out := make([]Intent, 0, len(msgs))
	for _, m := range msgs {
		it, _ := Decode(m)
		out = append(out, it)
	}
	return out, nil
}
