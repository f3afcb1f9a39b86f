package amps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Commands sent by the client.
const (
	cmdLogon                = "logon"
	cmdSubscribe            = "subscribe"
	cmdDeltaSubscribe       = "delta_subscribe"
	cmdSOW                  = "sow"
	cmdSOWAndSubscribe      = "sow_and_subscribe"
	cmdSOWAndDeltaSubscribe = "sow_and_delta_subscribe"
	cmdSOWDelete            = "sow_delete"
	cmdPublish              = "publish"
	cmdUnsubscribe          = "unsubscribe"
	cmdHeartbeat            = "heartbeat"
)

// Commands received from the server.
const (
	cmdAck        = "ack"
	cmdP          = "p"
	cmdOOF        = "oof"
	cmdGroupBegin = "group_begin"
	cmdGroupEnd   = "group_end"
)

// Acknowledgement types.
const (
	ackProcessed = "processed"
	ackCompleted = "completed"
	ackStats     = "stats"
)

const statusFailure = "failure"

// ErrMalformedFrame is returned for frames without a JSON header.
var ErrMalformedFrame = errors.New("amps: malformed frame")

// Header is the JSON command header that starts every frame. The message
// body, when present, follows the header object directly.
type Header struct {
	Command     string  `json:"c"`
	CommandID   string  `json:"cid,omitempty"`
	Topic       string  `json:"t,omitempty"`
	SubID       string  `json:"sub_id,omitempty"`
	QueryID     string  `json:"query_id,omitempty"`
	AckType     string  `json:"a,omitempty"`
	Filter      string  `json:"filter,omitempty"`
	Options     string  `json:"opts,omitempty"`
	Bookmark    string  `json:"bm,omitempty"`
	SOWKey      string  `json:"k,omitempty"`
	Timestamp   string  `json:"ts,omitempty"`
	Sequence    flexInt `json:"s,omitempty"`
	Status      string  `json:"status,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	Password    string  `json:"pw,omitempty"`
	ClientName  string  `json:"client_name,omitempty"`
	MessageType string  `json:"mt,omitempty"`
	Version     string  `json:"version,omitempty"`
	TopN        flexInt `json:"top_n,omitempty"`
	OrderBy     string  `json:"orderby,omitempty"`
	BatchSize   flexInt `json:"bs,omitempty"`
	Expiration  flexInt `json:"e,omitempty"`
	Correlation string  `json:"x,omitempty"`
	Matches     flexInt `json:"matches,omitempty"`
	Deleted     flexInt `json:"records_deleted,omitempty"`
}

// Message is one decoded frame.
type Message struct {
	Header Header
	Body   []byte

	// Fields holds the whole header object when the frame carried no body,
	// for payloads that travel inside the header.
	Fields map[string]any
}

// encodeFrame serializes h followed by body.
func encodeFrame(h Header, body []byte) ([]byte, error) {
	head, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	if len(body) == 0 {
		return head, nil
	}
	frame := make([]byte, 0, len(head)+len(body))
	frame = append(frame, head...)
	return append(frame, body...), nil
}

// decodeFrame splits a frame into header and body.
func decodeFrame(frame []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: header is not an object", ErrMalformedFrame)
	}

	msg := &Message{}
	if err := json.Unmarshal(raw, &msg.Header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if msg.Header.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrMalformedFrame)
	}

	body := frame[dec.InputOffset():]
	if len(bytes.TrimSpace(body)) > 0 {
		msg.Body = body
		return msg, nil
	}
	// Bodyless frame: keep every field for the identity check.
	_ = json.Unmarshal(raw, &msg.Fields) //nolint:errcheck // already decoded once
	return msg, nil
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", b, err)
	}
	*n = flexInt(v)
	return nil
}
