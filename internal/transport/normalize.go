package transport

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DecodePayload turns wire bytes into envelope data. It never fails: an
// empty payload becomes an empty object, a JSON payload its decoded value,
// and anything else the payload as a (UTF-8 sanitised) string.
func DecodePayload(b []byte) any {
	if len(bytes.TrimSpace(b)) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	if v == nil {
		return map[string]any{}
	}
	return v
}

// DecodeString is DecodePayload for payloads that arrive as strings.
func DecodeString(s string) any {
	return DecodePayload([]byte(s))
}

// EncodePayload serializes an outbound message. Strings, byte slices and
// json.RawMessage are sent verbatim; everything else is JSON-encoded.
func EncodePayload(message any) ([]byte, error) {
	switch m := message.(type) {
	case string:
		return []byte(m), nil
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	}
	return json.Marshal(message)
}

// ContentType reports the content type EncodePayload produced for message.
func ContentType(message any) string {
	switch message.(type) {
	case string, []byte:
		return "text/plain"
	}
	return "application/json"
}

// CopyHeaders returns a copy of h that is safe to hand to a handler.
func CopyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
