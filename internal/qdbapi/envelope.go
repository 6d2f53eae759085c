package qdbapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// TypeURLPrefix prefixes every request, response and value type name.
const TypeURLPrefix = "type.googleapis.com/qdb."

// payloadKey is the envelope member carrying the request or response body.
const payloadKey = "payload"

// ErrMissingPayload is returned when an envelope has no usable payload.
var ErrMissingPayload = errors.New("qdbapi: envelope has no payload")

// Template is the opaque per-session envelope fragment returned by
// GET /make-client-id. Its members are copied into every request.
type Template map[string]json.RawMessage

// ClientID returns the "clientId" member when it is a JSON string.
func (t Template) ClientID() string {
	raw, ok := t["clientId"]
	if !ok {
		return ""
	}
	var id string
	if err := sonic.ConfigStd.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}

// TypeURL qualifies a bare type name, e.g. "Int" or "WebRuntimeDatabaseRequest".
func TypeURL(name string) string {
	return TypeURLPrefix + name
}

// TypeName strips TypeURLPrefix. ok is false when the prefix is absent.
func TypeName(url string) (name string, ok bool) {
	if !strings.HasPrefix(url, TypeURLPrefix) {
		return "", false
	}
	return strings.TrimPrefix(url, TypeURLPrefix), true
}

// DecodeTemplate parses a /make-client-id body. The body must be a JSON object.
func DecodeTemplate(body []byte) (Template, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("qdbapi: client template is not a JSON object")
	}
	var tmpl Template
	if err := sonic.ConfigStd.Unmarshal(trimmed, &tmpl); err != nil {
		return nil, fmt.Errorf("qdbapi: decode client template: %w", err)
	}
	return tmpl, nil
}

// EncodeEnvelope merges the template members with payload under "payload".
// A template member named "payload" is overridden.
func EncodeEnvelope(tmpl Template, payload any) ([]byte, error) {
	raw, err := marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("qdbapi: encode payload: %w", err)
	}
	env := make(map[string]json.RawMessage, len(tmpl)+1)
	for k, v := range tmpl {
		env[k] = v
	}
	env[payloadKey] = raw
	data, err := marshal(env)
	if err != nil {
		return nil, fmt.Errorf("qdbapi: encode envelope: %w", err)
	}
	return data, nil
}

// ExtractPayload returns the raw "payload" member of a response envelope.
func ExtractPayload(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrMissingPayload
	}
	var env map[string]json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("qdbapi: decode envelope: %w", err)
	}
	payload := bytes.TrimSpace(env[payloadKey])
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, ErrMissingPayload
	}
	return append([]byte(nil), payload...), nil
}

// DecodePayload decodes the "payload" member of a response envelope into out.
// Numbers decoded into interface values arrive as json.Number.
func DecodePayload(body []byte, out any) error {
	payload, err := ExtractPayload(body)
	if err != nil {
		return err
	}
	if err := wireJSON.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("qdbapi: decode payload: %w", err)
	}
	return nil
}

// Request is a decoded inbound envelope, as seen by a server.
type Request struct {
	Template Template
	// TypeName is the payload's "@type" without TypeURLPrefix.
	TypeName string
	Payload  json.RawMessage
}

// ParseRequest splits an inbound envelope into template members and payload.
func ParseRequest(body []byte) (*Request, error) {
	var env map[string]json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(bytes.TrimSpace(body), &env); err != nil {
		return nil, fmt.Errorf("qdbapi: decode envelope: %w", err)
	}
	payload, ok := env[payloadKey]
	if !ok {
		return nil, ErrMissingPayload
	}
	delete(env, payloadKey)

	var head struct {
		TypeURL string `json:"@type"`
	}
	if err := sonic.ConfigStd.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("qdbapi: decode payload type: %w", err)
	}
	name, ok := TypeName(head.TypeURL)
	if !ok {
		return nil, fmt.Errorf("qdbapi: unknown payload type %q", head.TypeURL)
	}
	return &Request{Template: Template(env), TypeName: name, Payload: payload}, nil
}

// EncodeResponse wraps payload in a response envelope.
func EncodeResponse(payload any) ([]byte, error) {
	return EncodeEnvelope(nil, payload)
}

func marshal(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := sonic.ConfigStd.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
