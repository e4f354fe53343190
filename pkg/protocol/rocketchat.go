package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Method, stream and error names defined by the Rocket.Chat realtime API.
const (
	MethodLogin       = "login"
	MethodLoadHistory = "loadHistory"
	MethodSendMessage = "sendMessage"

	StreamRoomMessages = "stream-room-messages"

	ErrInvalidRoom = "error-invalid-room"

	DigestAlgorithm = "sha-256"

	// HistoryPageSize is the number of records requested per loadHistory call.
	HistoryPageSize = 10
)

// Date is an EJSON date, encoded as {"$date": <milliseconds since epoch>}.
type Date struct {
	time.Time
}

// NewDate wraps t.
func NewDate(t time.Time) Date {
	return Date{Time: t}
}

// MarshalJSON encodes the date in EJSON form.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date int64 `json:"$date"`
	}{Date: d.UnixMilli()})
}

// UnmarshalJSON accepts the EJSON form and, for REST-shaped payloads, an RFC 3339 string.
func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		d.Time = time.Time{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", s, err)
		}
		d.Time = t
		return nil
	}
	var ejson struct {
		Date *int64 `json:"$date"`
	}
	if err := json.Unmarshal(data, &ejson); err != nil {
		return fmt.Errorf("invalid date %s: %w", data, err)
	}
	if ejson.Date == nil {
		return fmt.Errorf("invalid date %s: missing $date", data)
	}
	d.Time = time.UnixMilli(*ejson.Date)
	return nil
}

// User is the sender sub-record of a message.
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// Record is a message as stored and streamed by Rocket.Chat.
type Record struct {
	ID        string `json:"_id"`
	RoomID    string `json:"rid"`
	Text      string `json:"msg"`
	Timestamp Date   `json:"ts"`
	User      User   `json:"u"`
	Avatar    string `json:"avatar,omitempty"`
	UpdatedAt *Date  `json:"_updatedAt,omitempty"`
	Type      string `json:"t,omitempty"`
}

// OutgoingRecord is the sendMessage payload.
type OutgoingRecord struct {
	ID     string `json:"_id"`
	RoomID string `json:"rid"`
	Text   string `json:"msg"`
}

// LoginRequest is the single parameter of the login method. Exactly one of
// Password or Resume is set.
type LoginRequest struct {
	User     *LoginUser     `json:"user,omitempty"`
	Password *PasswordProof `json:"password,omitempty"`
	Resume   string         `json:"resume,omitempty"`
}

// LoginUser identifies the account for a password login.
type LoginUser struct {
	Username string `json:"username"`
}

// PasswordDigest returns the hex encoded sha-256 of password, as sent in password logins.
func PasswordDigest(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// PasswordProof carries the hashed password.
type PasswordProof struct {
	Digest    string `json:"digest"`
	Algorithm string `json:"algorithm"`
}

// LoginResult is the result of a successful login.
type LoginResult struct {
	ID           string `json:"id"`
	Token        string `json:"token"`
	TokenExpires *Date  `json:"tokenExpires,omitempty"`
}

// HistoryResult is the result of loadHistory.
type HistoryResult struct {
	Messages        []Record `json:"messages"`
	UnreadNotLoaded int      `json:"unreadNotLoaded,omitempty"`
}

// StreamFields is the "fields" member of a stream-room-messages changed frame.
type StreamFields struct {
	EventName string   `json:"eventName"`
	Args      []Record `json:"args"`
}
