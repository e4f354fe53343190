// Package protocol defines the realtime (DDP) frames exchanged with a Rocket.Chat server.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageType is the value of the "msg" field of a DDP frame.
type MessageType string

const (
	MessageTypeConnect   MessageType = "connect"
	MessageTypeConnected MessageType = "connected"
	MessageTypeFailed    MessageType = "failed"
	MessageTypePing      MessageType = "ping"
	MessageTypePong      MessageType = "pong"
	MessageTypeMethod    MessageType = "method"
	MessageTypeResult    MessageType = "result"
	MessageTypeUpdated   MessageType = "updated"
	MessageTypeSub       MessageType = "sub"
	MessageTypeUnsub     MessageType = "unsub"
	MessageTypeReady     MessageType = "ready"
	MessageTypeNoSub     MessageType = "nosub"
	MessageTypeAdded     MessageType = "added"
	MessageTypeChanged   MessageType = "changed"
	MessageTypeRemoved   MessageType = "removed"
	MessageTypeError     MessageType = "error"
)

// Version is the DDP protocol version requested on connect.
const Version = "1"

// SupportedVersions lists the versions offered in the connect frame, preferred first.
var SupportedVersions = []string{"1", "pre2", "pre1"}

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	if mt == "" {
		return "UNKNOWN"
	}
	return string(mt)
}

// Message is a single DDP frame. Only the fields relevant to its type are set.
type Message struct {
	Msg        MessageType     `json:"msg,omitempty"`
	ID         string          `json:"id,omitempty"`
	Session    string          `json:"session,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	Method     string          `json:"method,omitempty"`
	Name       string          `json:"name,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Error          `json:"error,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
	Methods    []string        `json:"methods,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Encode encodes the message into a JSON text frame.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON text frame into the message.
func (m *Message) Decode(data []byte) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// DecodeParams unmarshals the positional params of a method or sub frame.
func (m *Message) DecodeParams() ([]json.RawMessage, error) {
	if len(m.Params) == 0 {
		return nil, nil
	}
	var params []json.RawMessage
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	return params, nil
}

// NewMethod builds a method call frame.
func NewMethod(id, method string, params ...any) (*Message, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Msg: MessageTypeMethod, ID: id, Method: method, Params: raw}, nil
}

// NewSub builds a subscription frame.
func NewSub(id, name string, params ...any) (*Message, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Msg: MessageTypeSub, ID: id, Name: name, Params: raw}, nil
}

func encodeParams(params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return raw, nil
}

// Error is the error payload carried by result and nosub frames.
type Error struct {
	Code      ErrorCode `json:"error"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorType string    `json:"errorType,omitempty"`
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Reason != "":
		return fmt.Sprintf("%s [%s]", e.Reason, e.Code)
	default:
		return string(e.Code)
	}
}

// ErrorCode is the "error" member of a DDP error. Meteor servers send either a
// string ("error-invalid-room") or a number (403), both are kept as text.
type ErrorCode string

// UnmarshalJSON accepts both string and numeric codes.
func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ErrorCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid error code %s: %w", data, err)
	}
	*c = ErrorCode(n.String())
	return nil
}

// MarshalJSON writes numeric codes as numbers and everything else as strings.
func (c ErrorCode) MarshalJSON() ([]byte, error) {
	if _, err := strconv.Atoi(string(c)); err == nil {
		return []byte(c), nil
	}
	return json.Marshal(string(c))
}
