package classify

import (
	"bytes"
	"encoding/json"
)

// Envelope is the minimal application envelope every API response carries.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BodyKind tags the result of decoding a response body.
type BodyKind int

const (
	BodyAbsent BodyKind = iota
	BodyEnvelope
	BodyMalformed
)

// Body is the tagged result of DecodeBody. Envelope is set only for BodyEnvelope.
type Body struct {
	Kind     BodyKind
	Envelope Envelope
}

// wireEnvelope detects presence of the required fields.
type wireEnvelope struct {
	Code    json.RawMessage `json:"code"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

var jsonNull = []byte("null")

// DecodeBody decodes raw into an envelope.
//
// nil, whitespace-only and JSON null bodies are BodyAbsent. A body is an
// envelope only if it is a JSON object with an integer "code"; "message" is
// optional and must be a string when present. Anything else is BodyMalformed.
func DecodeBody(raw []byte) Body {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull) {
		return Body{Kind: BodyAbsent}
	}
	if trimmed[0] != '{' {
		return Body{Kind: BodyMalformed}
	}

	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Body{Kind: BodyMalformed}
	}
	if len(w.Code) == 0 || bytes.Equal(w.Code, jsonNull) {
		return Body{Kind: BodyMalformed}
	}
	var code int
	if err := json.Unmarshal(w.Code, &code); err != nil {
		return Body{Kind: BodyMalformed}
	}

	env := Envelope{Code: code}
	if w.Message != nil {
		env.Message = *w.Message
	}
	if len(w.Data) > 0 && !bytes.Equal(w.Data, jsonNull) {
		env.Data = w.Data
	}
	return Body{Kind: BodyEnvelope, Envelope: env}
}
