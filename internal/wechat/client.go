// Package wechat provides the puppet-gateway transport client: a
// WebSocket connection that delivers chat events and accepts send
// commands. Connection lifecycle, login, and event framing live here;
// nothing in this package knows about sessions or completions.
package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// callTimeout bounds how long a send command may wait for its ack.
const callTimeout = 30 * time.Second

// wsRequest is an outbound command frame.
type wsRequest struct {
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	ContactID    string `json:"contact_id,omitempty"`
	RoomID       string `json:"room_id,omitempty"`
	MentionID    string `json:"mention_id,omitempty"`
	Text         string `json:"text,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
	FriendshipID string `json:"friendship_id,omitempty"`
	Token        string `json:"token,omitempty"`
}

// wsMessage is the generic inbound frame: either an ack for a command
// or a wrapped event.
type wsMessage struct {
	ID    int64  `json:"id,omitempty"`
	Type  string `json:"type"`
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	Event *Event `json:"event,omitempty"`
}

// Client manages the WebSocket connection to the puppet gateway.
type Client struct {
	gatewayURL string
	token      string
	conn       *websocket.Conn
	connMu     sync.Mutex
	msgID      atomic.Int64

	// Acks keyed by command ID.
	pending   map[int64]chan wsMessage
	pendingMu sync.Mutex

	events chan Event
	done   chan struct{}
	logger *slog.Logger
}

// NewClient creates a gateway client. Events are delivered on the
// channel returned by [Client.Events] once Connect succeeds.
func NewClient(gatewayURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		gatewayURL: gatewayURL,
		token:      token,
		pending:    make(map[int64]chan wsMessage),
		events:     make(chan Event, 100),
		logger:     logger,
	}
}

// Connect dials the gateway, authenticates, and starts the read loop.
// On read failure the events channel stays open; the caller notices via
// [Client.Done] and decides whether to Reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	u, err := url.Parse(c.gatewayURL)
	if err != nil {
		return fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to puppet gateway", "url", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	if c.token != "" {
		auth := wsRequest{Type: "auth", Token: c.token}
		if err := conn.WriteJSON(auth); err != nil {
			conn.Close()
			return fmt.Errorf("send auth: %w", err)
		}
		var resp wsMessage
		if err := conn.ReadJSON(&resp); err != nil {
			conn.Close()
			return fmt.Errorf("read auth response: %w", err)
		}
		if resp.Type != "auth_ok" {
			conn.Close()
			return fmt.Errorf("gateway authentication failed: %s", resp.Error)
		}
	}

	c.conn = conn
	c.done = make(chan struct{})
	go c.readLoop(conn, c.done)

	c.logger.Info("gateway connected")
	return nil
}

// Done returns a channel closed when the current connection's read
// loop exits. Nil before the first Connect, so callers can select on
// it unconditionally.
func (c *Client) Done() <-chan struct{} {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.done
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Events returns the inbound event channel. The channel is never
// closed by the client; consumers select on it alongside their context.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SayToContact sends text directly to a contact.
func (c *Client) SayToContact(ctx context.Context, contactID, text string) error {
	return c.call(ctx, wsRequest{Type: "say", ContactID: contactID, Text: text})
}

// SayToRoom sends text to a room, tagging the mentioned contact.
func (c *Client) SayToRoom(ctx context.Context, roomID, text, mentionContactID string) error {
	return c.call(ctx, wsRequest{Type: "say", RoomID: roomID, Text: text, MentionID: mentionContactID})
}

// SendImage delivers a local image file to a contact or, when roomID is
// non-empty, to the room.
func (c *Client) SendImage(ctx context.Context, contactID, roomID, filePath string) error {
	return c.call(ctx, wsRequest{Type: "say_image", ContactID: contactID, RoomID: roomID, FilePath: filePath})
}

// AcceptFriendship accepts a pending friend request.
func (c *Client) AcceptFriendship(ctx context.Context, friendshipID string) error {
	return c.call(ctx, wsRequest{Type: "accept_friendship", FriendshipID: friendshipID})
}

// call sends a command and waits for its ack.
func (c *Client) call(ctx context.Context, req wsRequest) error {
	req.ID = c.msgID.Add(1)

	respCh := make(chan wsMessage, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = fmt.Errorf("not connected")
	} else {
		err = conn.WriteJSON(req)
	}
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}

	select {
	case resp := <-respCh:
		if !resp.OK {
			return fmt.Errorf("%s failed: %s", req.Type, resp.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(callTimeout):
		return fmt.Errorf("timeout waiting for %s ack", req.Type)
	}
}

// readLoop reads frames until the connection fails, routing acks to
// their waiting callers and events to the events channel.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("gateway connection closed")
				return
			}
			c.logger.Error("gateway read error, connection lost", "error", err)
			return
		}

		switch msg.Type {
		case "ack":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- msg
			}
			c.pendingMu.Unlock()

		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event channel full, dropping event", "type", msg.Event.Type)
			}

		case "ping":
			// Keepalive, no response needed at this layer.

		default:
			c.logger.Debug("unhandled gateway frame", "type", msg.Type)
		}
	}
}

// decodeEvent is exposed for tests of the frame format.
func decodeEvent(data []byte) (*Event, error) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != "event" || msg.Event == nil {
		return nil, fmt.Errorf("not an event frame: %s", msg.Type)
	}
	return msg.Event, nil
}
