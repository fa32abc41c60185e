// Package session provides durable conversation sessions: one open
// dialogue window per identity, with its recorded turns, persisted in
// SQLite so context survives process restarts.
package session

import "time"

// Role tags a turn with its speaker for the completion API.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Identity scopes a session to either a direct contact or a room.
// RoomID non-empty means a group conversation; the contact fields then
// describe the group member who is talking.
type Identity struct {
	ContactID   string
	ContactName string
	RoomID      string
	RoomName    string
}

// IsGroup reports whether the identity refers to a room conversation.
func (id Identity) IsGroup() bool {
	return id.RoomID != ""
}

// Key returns the stable conversation key. Room and contact namespaces
// are kept distinct so a colliding contact id and room id can never
// share a session.
func (id Identity) Key() string {
	if id.RoomID != "" {
		return "room:" + id.RoomID
	}
	return "contact:" + id.ContactID
}

// DisplayName returns the room name for groups, the contact name
// otherwise. Used for logging only.
func (id Identity) DisplayName() string {
	if id.RoomID != "" {
		return id.RoomName
	}
	return id.ContactName
}

// Session is one continuous dialogue window for an identity.
// EndTime nil means the session is open; at most one open session
// exists per identity.
type Session struct {
	ID          string
	ContactID   string
	ContactName string
	RoomID      string
	RoomName    string
	StartTime   time.Time
	EndTime     *time.Time
}

// Open reports whether the session is still accepting turns.
func (s *Session) Open() bool {
	return s.EndTime == nil
}

// Turn is one recorded message within a session. Tokens is computed
// once at write time with the budgeting tokenizer and never mutated.
type Turn struct {
	ID         int64
	SessionID  string
	Role       Role
	Content    string
	Tokens     int
	CreateTime time.Time
}
