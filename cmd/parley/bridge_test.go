package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleybot/parley/internal/budget"
	"github.com/parleybot/parley/internal/command"
	"github.com/parleybot/parley/internal/dispatch"
	"github.com/parleybot/parley/internal/events"
	"github.com/parleybot/parley/internal/gate"
	"github.com/parleybot/parley/internal/images"
	"github.com/parleybot/parley/internal/session"
	"github.com/parleybot/parley/internal/wechat"

	_ "github.com/mattn/go-sqlite3"
)

type sentText struct {
	id      string // contact or room
	text    string
	mention string
}

type sentImage struct {
	contactID string
	roomID    string
	path      string
}

// fakeTransport records outbound sends.
type fakeTransport struct {
	mu          sync.Mutex
	contactSays []sentText
	roomSays    []sentText
	images      []sentImage
	friendships []string
}

func (f *fakeTransport) SayToContact(ctx context.Context, contactID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contactSays = append(f.contactSays, sentText{id: contactID, text: text})
	return nil
}

func (f *fakeTransport) SayToRoom(ctx context.Context, roomID, text, mentionContactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomSays = append(f.roomSays, sentText{id: roomID, text: text, mention: mentionContactID})
	return nil
}

func (f *fakeTransport) SendImage(ctx context.Context, contactID, roomID, filePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, sentImage{contactID: contactID, roomID: roomID, path: filePath})
	return nil
}

func (f *fakeTransport) AcceptFriendship(ctx context.Context, friendshipID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.friendships = append(f.friendships, friendshipID)
	return nil
}

// fakeCompletion returns canned replies and records the transcripts it
// was given.
type fakeCompletion struct {
	mu       sync.Mutex
	reply    string
	chatErr  error
	imageURL string
	calls    [][]budget.Message
}

func (f *fakeCompletion) ChatCompletion(ctx context.Context, messages []budget.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]budget.Message(nil), messages...))
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return f.reply, nil
}

func (f *fakeCompletion) GenerateImage(ctx context.Context, prompt string) (string, error) {
	return f.imageURL, nil
}

func (f *fakeCompletion) lastCall(t *testing.T) []budget.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("completion was never called")
	}
	return f.calls[len(f.calls)-1]
}

// fakeSaver records save requests without touching the network.
type fakeSaver struct {
	mu      sync.Mutex
	prompts []string
	urls    []string
}

func (f *fakeSaver) Save(ctx context.Context, prompt, url string) (*images.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.urls = append(f.urls, url)
	return &images.Record{ID: "rec-1", Prompt: prompt, Path: "/data/images/rec-1.png", Size: 42}, nil
}

type harness struct {
	bridge     *Bridge
	transport  *fakeTransport
	completion *fakeCompletion
	saver      *fakeSaver
	store      *session.Store
	bus        *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	f, err := os.CreateTemp("", "parley-bridge-test-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	store, err := session.NewStore(f.Name(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		transport:  &fakeTransport{},
		completion: &fakeCompletion{reply: "pong", imageURL: "https://img.example/1.png"},
		saver:      &fakeSaver{},
		store:      store,
		bus:        events.New(),
	}
	h.bridge = NewBridge(BridgeConfig{
		Transport:  h.transport,
		Completion: h.completion,
		Store:      store,
		Resolver:   session.NewResolver(store),
		Saver:      h.saver,
		Gate:       gate.New(time.Now().Add(-time.Minute), []string{"ChatGPT"}, nil),
		Router:     command.NewRouter("/system", "/image"),
		Dispatcher: dispatch.New(2000, time.Millisecond),
		Bus:        h.bus,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

var directIdentity = session.Identity{ContactID: "wx-1001", ContactName: "Alice"}

func TestProcess_TextReply(t *testing.T) {
	h := newHarness(t)

	h.bridge.process(context.Background(), directIdentity, "hello there")

	msgs := h.completion.lastCall(t)
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "hello there" {
		t.Errorf("completion transcript = %+v", msgs)
	}

	if len(h.transport.contactSays) != 1 {
		t.Fatalf("contact sends = %d, want 1", len(h.transport.contactSays))
	}
	if got := h.transport.contactSays[0]; got.id != "wx-1001" || got.text != "pong" {
		t.Errorf("sent %+v", got)
	}

	sess, err := h.store.FindOpen(directIdentity)
	if err != nil || sess == nil {
		t.Fatalf("FindOpen() = %v, %v", sess, err)
	}
	turns, err := h.store.Turns(sess.ID)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 2 || turns[0].Role != session.RoleUser || turns[1].Role != session.RoleAssistant {
		t.Errorf("turns = %+v", turns)
	}
}

func TestProcess_FollowUpCarriesHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bridge.process(ctx, directIdentity, "first question")
	h.bridge.process(ctx, directIdentity, "second question")

	msgs := h.completion.lastCall(t)
	if len(msgs) != 3 {
		t.Fatalf("second transcript has %d messages, want 3 (history pair + new prompt)", len(msgs))
	}
	if msgs[0].Content != "first question" || msgs[1].Content != "pong" || msgs[2].Content != "second question" {
		t.Errorf("transcript = %+v", msgs)
	}
}

func TestProcess_SystemCommandRotatesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bridge.process(ctx, directIdentity, "hi")
	first, _ := h.store.FindOpen(directIdentity)

	ch := h.bus.Subscribe(8)
	defer h.bus.Unsubscribe(ch)

	h.bridge.process(ctx, directIdentity, "/system speak like a pirate")

	second, err := h.store.FindOpen(directIdentity)
	if err != nil || second == nil {
		t.Fatalf("FindOpen() = %v, %v", second, err)
	}
	if second.ID == first.ID {
		t.Error("system command should open a fresh session")
	}

	// The instruction enters the new session with the system role and no
	// inherited history.
	msgs := h.completion.lastCall(t)
	if len(msgs) != 1 || msgs[0].Role != "system" || msgs[0].Content != "speak like a pirate" {
		t.Errorf("transcript = %+v", msgs)
	}

	rotated := false
	for len(ch) > 0 {
		if ev := <-ch; ev.Kind == events.KindSessionRotated {
			rotated = true
		}
	}
	if !rotated {
		t.Error("expected a session_rotated event")
	}
}

func TestProcess_ImageCommand(t *testing.T) {
	h := newHarness(t)

	h.bridge.process(context.Background(), directIdentity, "/image a cat wearing a hat")

	if len(h.saver.prompts) != 1 {
		t.Fatalf("saver calls = %d, want 1", len(h.saver.prompts))
	}
	if h.saver.prompts[0] != "a cat wearing a hat" {
		t.Errorf("saver prompt = %q", h.saver.prompts[0])
	}
	if h.saver.urls[0] != "https://img.example/1.png" {
		t.Errorf("saver urls = %v", h.saver.urls)
	}
	if len(h.transport.images) != 1 || h.transport.images[0].path != "/data/images/rec-1.png" {
		t.Errorf("image sends = %+v", h.transport.images)
	}

	// Image generation stays outside the session transcript.
	if sess, _ := h.store.FindOpen(directIdentity); sess != nil {
		t.Error("image command should not open a session")
	}
}

func TestProcess_GroupReplyQuotesPrompt(t *testing.T) {
	h := newHarness(t)
	group := session.Identity{ContactID: "wx-1001", ContactName: "Alice", RoomID: "room-7", RoomName: "Tea Club"}

	h.bridge.process(context.Background(), group, "what is tea")

	if len(h.transport.roomSays) != 1 {
		t.Fatalf("room sends = %d, want 1", len(h.transport.roomSays))
	}
	got := h.transport.roomSays[0]
	if got.id != "room-7" || got.mention != "wx-1001" {
		t.Errorf("sent %+v", got)
	}
	want := "what is tea" + groupReplyDivider + "pong"
	if got.text != want {
		t.Errorf("room reply = %q, want %q", got.text, want)
	}
}

func TestProcess_LongReplyChunkedInOrder(t *testing.T) {
	h := newHarness(t)
	h.completion.reply = strings.Repeat("a", 2500)

	h.bridge.process(context.Background(), directIdentity, "go on")

	if len(h.transport.contactSays) != 2 {
		t.Fatalf("contact sends = %d, want 2 chunks", len(h.transport.contactSays))
	}
	if len(h.transport.contactSays[0].text) != 2000 || len(h.transport.contactSays[1].text) != 500 {
		t.Errorf("chunk lengths = %d, %d",
			len(h.transport.contactSays[0].text), len(h.transport.contactSays[1].text))
	}
}

func TestProcess_CompletionFailureStaysSilent(t *testing.T) {
	h := newHarness(t)
	h.completion.chatErr = context.DeadlineExceeded

	ch := h.bus.Subscribe(8)
	defer h.bus.Unsubscribe(ch)

	h.bridge.process(context.Background(), directIdentity, "hello")

	if len(h.transport.contactSays) != 0 {
		t.Errorf("failed completion must not send anything, got %+v", h.transport.contactSays)
	}

	// No half-exchange is left behind.
	sess, _ := h.store.FindOpen(directIdentity)
	if sess != nil {
		turns, _ := h.store.Turns(sess.ID)
		if len(turns) != 0 {
			t.Errorf("turns after failure = %+v", turns)
		}
	}

	failed := false
	for len(ch) > 0 {
		if ev := <-ch; ev.Kind == events.KindReplyFailed {
			failed = true
		}
	}
	if !failed {
		t.Error("expected a reply_failed event")
	}
}

func TestHandleMessageEvent_GateDrop(t *testing.T) {
	h := newHarness(t)

	ch := h.bus.Subscribe(8)
	defer h.bus.Unsubscribe(ch)

	h.bridge.HandleEvent(context.Background(), wechat.Event{
		Type:        wechat.EventMessage,
		SelfSent:    true,
		TimestampMS: time.Now().UnixMilli(),
		ContactID:   "wx-1001",
		Text:        "echo of my own reply",
	})
	h.bridge.Close()

	if len(h.transport.contactSays) != 0 {
		t.Errorf("dropped message must not reply, got %+v", h.transport.contactSays)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindMessageDropped || ev.Data["reason"] != "self-echo" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("expected a message_dropped event")
	}
}

func TestHandleEvent_MessageEndToEnd(t *testing.T) {
	h := newHarness(t)

	h.bridge.HandleEvent(context.Background(), wechat.Event{
		Type:        wechat.EventMessage,
		TimestampMS: time.Now().UnixMilli(),
		ContactID:   "wx-1001",
		ContactName: "Alice",
		Text:        "  hello  ",
	})
	h.bridge.Close() // waits for the identity worker to drain

	if len(h.transport.contactSays) != 1 || h.transport.contactSays[0].text != "pong" {
		t.Errorf("contact sends = %+v", h.transport.contactSays)
	}
	// Surrounding whitespace is stripped before classification.
	if msgs := h.completion.lastCall(t); msgs[len(msgs)-1].Content != "hello" {
		t.Errorf("prompt = %q, want %q", msgs[len(msgs)-1].Content, "hello")
	}
}

func TestHandleRecall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bridge.HandleEvent(ctx, wechat.Event{
		Type:         wechat.EventRecall,
		RoomID:       "room-7",
		RoomName:     "Tea Club",
		ContactName:  "Alice",
		Text:         "the secret",
		RecalledType: "text",
	})

	if len(h.transport.roomSays) != 1 {
		t.Fatalf("room sends = %d, want 1", len(h.transport.roomSays))
	}
	want := "【Alice】撤回了一条消息：\nthe secret"
	if got := h.transport.roomSays[0].text; got != want {
		t.Errorf("notice = %q, want %q", got, want)
	}

	// Non-text recalls and direct-chat recalls are ignored.
	h.bridge.HandleEvent(ctx, wechat.Event{
		Type: wechat.EventRecall, RoomID: "room-7", RecalledType: "image", Text: "x",
	})
	h.bridge.HandleEvent(ctx, wechat.Event{
		Type: wechat.EventRecall, ContactName: "Alice", RecalledType: "text", Text: "x",
	})
	if len(h.transport.roomSays) != 1 {
		t.Errorf("room sends = %d, want still 1", len(h.transport.roomSays))
	}
}

func TestHandleFriendship(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bridge.HandleEvent(ctx, wechat.Event{
		Type: wechat.EventFriendship, FriendshipID: "f-1", Hello: "ChatGPT",
	})
	h.bridge.HandleEvent(ctx, wechat.Event{
		Type: wechat.EventFriendship, FriendshipID: "f-2", Hello: "buy my course",
	})

	if len(h.transport.friendships) != 1 || h.transport.friendships[0] != "f-1" {
		t.Errorf("accepted friendships = %v, want only f-1", h.transport.friendships)
	}
}
