package wechat

import "time"

// EventType discriminates inbound gateway events.
type EventType string

const (
	// EventScan asks the operator to scan a login QR code.
	EventScan EventType = "scan"
	// EventLogin reports a successful login.
	EventLogin EventType = "login"
	// EventLogout reports the account logged out.
	EventLogout EventType = "logout"
	// EventMessage delivers an inbound text message.
	EventMessage EventType = "message"
	// EventRecall reports a message was recalled in a room.
	EventRecall EventType = "recall"
	// EventFriendship delivers an inbound friend request.
	EventFriendship EventType = "friendship"
)

// Event is one inbound gateway event. Only the fields for its type are
// populated.
type Event struct {
	Type EventType `json:"type"`

	// Message and recall fields.
	SelfSent    bool   `json:"self,omitempty"`
	TimestampMS int64  `json:"timestamp,omitempty"`
	ContactID   string `json:"contact_id,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
	RoomID      string `json:"room_id,omitempty"`
	RoomName    string `json:"room_name,omitempty"`
	// Mentioned reports whether the bot was explicitly mentioned; only
	// meaningful for room messages.
	Mentioned bool `json:"mentioned,omitempty"`
	// Text is the message text. For room messages the gateway has
	// already stripped the bot mention; for recalls it is the recalled
	// message's text.
	Text string `json:"text,omitempty"`
	// RecalledType carries the recalled message's original type.
	RecalledType string `json:"recalled_type,omitempty"`

	// Friendship fields.
	FriendshipID string `json:"friendship_id,omitempty"`
	Hello        string `json:"hello,omitempty"`

	// Scan fields.
	QRCode     string `json:"qrcode,omitempty"`
	ScanStatus string `json:"scan_status,omitempty"`

	// Login/logout fields.
	UserName string `json:"user_name,omitempty"`
}

// Timestamp converts the gateway's millisecond timestamp.
func (e Event) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMS)
}
