// Package widget defines the data contract shared with the universal chat widget.
package widget

import (
	"encoding/json"
	"time"
)

// EventNewRemoteMessage is published for every message received from another user.
const EventNewRemoteMessage = "newRemoteMessage"

// Direction tells the widget on which side of the conversation a message is drawn.
type Direction int

const (
	DirectionIncoming Direction = 1
	DirectionOutgoing Direction = 2
)

// String returns the string representation of Direction
func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "INCOMING"
	case DirectionOutgoing:
		return "OUTGOING"
	default:
		return "UNKNOWN"
	}
}

// Sender identifies who wrote a message.
type Sender struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// Message is the canonical, backend independent message shape.
// Buttons, Elements and Attachment are passed through untouched and encode as null when unset.
type Message struct {
	Time       time.Time
	From       Sender
	Text       string
	Direction  Direction
	Buttons    json.RawMessage
	Elements   json.RawMessage
	Attachment json.RawMessage
}

type messageJSON struct {
	Time       int64           `json:"time"`
	From       Sender          `json:"from"`
	Text       string          `json:"text"`
	Direction  Direction       `json:"direction"`
	Buttons    json.RawMessage `json:"buttons"`
	Elements   json.RawMessage `json:"elements"`
	Attachment json.RawMessage `json:"attachment"`
}

// MarshalJSON encodes the message with its time in milliseconds since epoch.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		Time:       m.Time.UnixMilli(),
		From:       m.From,
		Text:       m.Text,
		Direction:  m.Direction,
		Buttons:    nullIfEmpty(m.Buttons),
		Elements:   nullIfEmpty(m.Elements),
		Attachment: nullIfEmpty(m.Attachment),
	})
}

// UnmarshalJSON decodes the widget representation.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{
		Time:       time.UnixMilli(raw.Time),
		From:       raw.From,
		Text:       raw.Text,
		Direction:  raw.Direction,
		Buttons:    emptyIfNull(raw.Buttons),
		Elements:   emptyIfNull(raw.Elements),
		Attachment: emptyIfNull(raw.Attachment),
	}
	return nil
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func emptyIfNull(raw json.RawMessage) json.RawMessage {
	if string(raw) == "null" {
		return nil
	}
	return raw
}

// OutboundMessage is what the widget hands over for sending.
type OutboundMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// HistoryCursor points at the oldest message the widget already shows.
// Only Time is used to page backwards.
type HistoryCursor struct {
	DeviceID string    `json:"deviceId"`
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
}

type historyCursorJSON struct {
	DeviceID string `json:"deviceId"`
	ID       string `json:"id"`
	Time     int64  `json:"time"`
}

// MarshalJSON encodes the cursor with its time in milliseconds since epoch.
// A zero time is written as 0.
func (c HistoryCursor) MarshalJSON() ([]byte, error) {
	var ms int64
	if !c.Time.IsZero() {
		ms = c.Time.UnixMilli()
	}
	return json.Marshal(historyCursorJSON{DeviceID: c.DeviceID, ID: c.ID, Time: ms})
}

// UnmarshalJSON decodes the widget representation. A missing or 0 time
// decodes to the zero time.
func (c *HistoryCursor) UnmarshalJSON(data []byte) error {
	var raw historyCursorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = HistoryCursor{DeviceID: raw.DeviceID, ID: raw.ID}
	if raw.Time != 0 {
		c.Time = time.UnixMilli(raw.Time)
	}
	return nil
}

// HistoryResult is a page of history, sorted ascending by time.
type HistoryResult struct {
	Status int       `json:"status"`
	Data   []Message `json:"data"`
}

// InitResult summarizes a completed handshake.
type InitResult struct {
	OK           bool      `json:"ok"`
	Message      string    `json:"message"`
	User         Sender    `json:"user"`
	MessageCount int       `json:"message_count"`
	LastMessages []Message `json:"last_messages"`
}
