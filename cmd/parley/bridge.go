package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parleybot/parley/internal/budget"
	"github.com/parleybot/parley/internal/command"
	"github.com/parleybot/parley/internal/dispatch"
	"github.com/parleybot/parley/internal/events"
	"github.com/parleybot/parley/internal/gate"
	"github.com/parleybot/parley/internal/images"
	"github.com/parleybot/parley/internal/session"
	"github.com/parleybot/parley/internal/tokens"
	"github.com/parleybot/parley/internal/wechat"
)

// completionClient abstracts the completion API for testability. The
// real implementation is *openai.Client.
type completionClient interface {
	ChatCompletion(ctx context.Context, messages []budget.Message) (string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// chatTransport abstracts the gateway client's send surface.
type chatTransport interface {
	SayToContact(ctx context.Context, contactID, text string) error
	SayToRoom(ctx context.Context, roomID, text, mentionContactID string) error
	SendImage(ctx context.Context, contactID, roomID, filePath string) error
	AcceptFriendship(ctx context.Context, friendshipID string) error
}

// imageSaver abstracts the download-and-record pipeline. The real
// implementation is *images.Saver.
type imageSaver interface {
	Save(ctx context.Context, prompt, url string) (*images.Record, error)
}

// handleTimeout bounds how long one inbound message may be processed
// (session resolution + completion + dispatch).
const handleTimeout = 5 * time.Minute

// groupReplyDivider separates the quoted prompt from the reply when
// answering in a room, so members see which question was answered.
const groupReplyDivider = "\n- - - - - - - - - - - - - - -\n"

// identityQueueDepth is the per-identity backlog of accepted messages
// waiting their turn. Enqueue blocks when it fills; the gateway's own
// event buffer absorbs short bursts.
const identityQueueDepth = 16

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Transport  chatTransport
	Completion completionClient
	Store      *session.Store
	Resolver   *session.Resolver
	Saver      imageSaver
	Gate       *gate.Gate
	Router     *command.Router
	Dispatcher *dispatch.Dispatcher
	Bus        *events.Bus
	Logger     *slog.Logger

	// MaxTokens is the context ceiling for one completion call.
	MaxTokens int
	// PlainTextReplies flattens markdown before dispatch.
	PlainTextReplies bool
}

// Bridge routes gateway events through the gate, the command router,
// and the session pipeline to the completion API, sending replies back
// over the transport. Messages from one identity are processed strictly
// in order; different identities proceed concurrently.
type Bridge struct {
	transport  chatTransport
	completion completionClient
	store      *session.Store
	resolver   *session.Resolver
	saver      imageSaver
	gate       *gate.Gate
	router     *command.Router
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
	logger     *slog.Logger
	maxTokens  int
	plainText  bool

	mu     sync.Mutex
	queues map[string]chan func()
	wg     sync.WaitGroup
	closed bool
}

// NewBridge creates a message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = budget.DefaultMaxTokens
	}
	return &Bridge{
		transport:  cfg.Transport,
		completion: cfg.Completion,
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		saver:      cfg.Saver,
		gate:       cfg.Gate,
		router:     cfg.Router,
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		logger:     logger,
		maxTokens:  maxTokens,
		plainText:  cfg.PlainTextReplies,
		queues:     make(map[string]chan func()),
	}
}

// HandleEvent routes one inbound gateway event. Non-message events
// (recalls, friendships) are side channels handled inline; accepted
// messages are queued for their identity's worker.
func (b *Bridge) HandleEvent(ctx context.Context, ev wechat.Event) {
	switch ev.Type {
	case wechat.EventMessage:
		b.handleMessageEvent(ctx, ev)
	case wechat.EventRecall:
		b.handleRecall(ctx, ev)
	case wechat.EventFriendship:
		b.handleFriendship(ctx, ev)
	default:
		b.logger.Debug("unhandled event type", "type", ev.Type)
	}
}

// Close drains the per-identity queues and waits for in-flight
// processing to finish. HandleEvent must not be called afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// handleMessageEvent gates an inbound text message and, when accepted,
// enqueues it for sequential processing on its identity.
func (b *Bridge) handleMessageEvent(ctx context.Context, ev wechat.Event) {
	in := gate.Inbound{
		SelfSent:    ev.SelfSent,
		Timestamp:   ev.Timestamp(),
		ContactID:   ev.ContactID,
		ContactName: ev.ContactName,
		RoomID:      ev.RoomID,
		RoomName:    ev.RoomName,
		Mentioned:   ev.Mentioned,
		Content:     ev.Text,
	}

	identity := session.Identity{
		ContactID:   ev.ContactID,
		ContactName: ev.ContactName,
		RoomID:      ev.RoomID,
		RoomName:    ev.RoomName,
	}

	ok, reason := b.gate.AcceptText(in)
	if !ok {
		b.logger.Debug("message dropped",
			"identity", identity.Key(),
			"reason", reason,
		)
		b.bus.Publish(events.Event{
			Source: events.SourceBridge,
			Kind:   events.KindMessageDropped,
			Data:   map[string]any{"identity": identity.Key(), "reason": reason},
		})
		return
	}

	text := strings.TrimSpace(ev.Text)
	b.enqueue(identity.Key(), func() {
		b.process(ctx, identity, text)
	})
}

// enqueue hands fn to the identity's worker, starting one on first use.
// Workers live until Close; the set of identities one bot talks to
// stays small.
func (b *Bridge) enqueue(key string, fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	q, ok := b.queues[key]
	if !ok {
		q = make(chan func(), identityQueueDepth)
		b.queues[key] = q
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for f := range q {
				f()
			}
		}()
	}
	b.mu.Unlock()
	q <- fn
}

// process runs one accepted message through classification and the
// matching reply pipeline. Failures are logged and published; the chat
// stays silent.
func (b *Bridge) process(ctx context.Context, identity session.Identity, text string) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	kind, prompt := b.router.Classify(text)

	b.logger.Info("message accepted",
		"identity", identity.Key(),
		"name", identity.DisplayName(),
		"command", kind.String(),
		"prompt_len", len(prompt),
	)
	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindMessageReceived,
		Data: map[string]any{
			"identity":   identity.Key(),
			"command":    kind.String(),
			"prompt_len": len(prompt),
		},
	})

	var err error
	if kind == command.Image {
		err = b.replyImage(ctx, identity, prompt)
	} else {
		err = b.replyText(ctx, identity, kind == command.System, prompt)
	}
	if err != nil {
		b.logger.Error("reply failed",
			"identity", identity.Key(),
			"command", kind.String(),
			"error", err,
		)
		b.bus.Publish(events.Event{
			Source: events.SourceBridge,
			Kind:   events.KindReplyFailed,
			Data:   map[string]any{"identity": identity.Key(), "error": err.Error()},
		})
	}
}

// replyText runs the session pipeline: resolve the session, trim the
// transcript to budget, obtain a completion, persist the exchange, and
// dispatch the reply in chunks.
func (b *Bridge) replyText(ctx context.Context, identity session.Identity, systemCommand bool, prompt string) error {
	promptTime := time.Now()

	var rotatedFrom string
	if systemCommand {
		if open, err := b.store.FindOpen(identity); err == nil && open != nil {
			rotatedFrom = open.ID
		}
	}

	sess, err := b.resolver.Resolve(identity, systemCommand, promptTime)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	if systemCommand {
		b.logger.Info("session rotated",
			"identity", identity.Key(),
			"closed", rotatedFrom,
			"opened", sess.ID,
		)
		b.bus.Publish(events.Event{
			Source: events.SourceBridge,
			Kind:   events.KindSessionRotated,
			Data: map[string]any{
				"identity":  identity.Key(),
				"closed_id": rotatedFrom,
				"opened_id": sess.ID,
			},
		})
	}

	history, err := b.store.Turns(sess.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	promptTokens := tokens.Count(prompt)
	messages := budget.Trim(history, promptTokens, b.maxTokens)

	role := session.RoleUser
	if systemCommand {
		role = session.RoleSystem
	}
	messages = append(messages, budget.Message{Role: string(role), Content: prompt})

	reply, err := b.completion.ChatCompletion(ctx, messages)
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}

	err = b.store.AppendExchange(sess.ID,
		session.Turn{Role: role, Content: prompt, Tokens: promptTokens, CreateTime: promptTime},
		session.Turn{Role: session.RoleAssistant, Content: reply, Tokens: tokens.Count(reply), CreateTime: time.Now()},
	)
	if err != nil {
		return fmt.Errorf("persist exchange: %w", err)
	}

	out := reply
	if b.plainText {
		out = dispatch.Flatten(out)
	}
	if identity.IsGroup() {
		// Quote the question so room members can follow the thread.
		out = prompt + groupReplyDivider + out
	}

	if err := b.dispatcher.Send(out, b.sinkFor(ctx, identity)); err != nil {
		return err
	}

	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindReplySent,
		Data: map[string]any{
			"identity":  identity.Key(),
			"reply_len": len(reply),
		},
	})
	return nil
}

// replyImage generates an image for the prompt, saves it locally, and
// sends the file over the transport.
func (b *Bridge) replyImage(ctx context.Context, identity session.Identity, prompt string) error {
	url, err := b.completion.GenerateImage(ctx, prompt)
	if err != nil {
		return fmt.Errorf("generate image: %w", err)
	}

	rec, err := b.saver.Save(ctx, prompt, url)
	if err != nil {
		return fmt.Errorf("save image: %w", err)
	}

	if err := b.transport.SendImage(ctx, identity.ContactID, identity.RoomID, rec.Path); err != nil {
		return fmt.Errorf("send image: %w", err)
	}

	b.logger.Info("image sent",
		"identity", identity.Key(),
		"path", rec.Path,
		"bytes", rec.Size,
	)
	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindImageGenerated,
		Data: map[string]any{
			"identity": identity.Key(),
			"path":     rec.Path,
			"bytes":    rec.Size,
		},
	})
	return nil
}

// handleRecall re-posts a recalled text message into its room so the
// recall has no effect there. Direct chats and non-text recalls are
// ignored, as are rooms outside the allow-list.
func (b *Bridge) handleRecall(ctx context.Context, ev wechat.Event) {
	if ev.RoomID == "" || ev.RecalledType != "text" || ev.Text == "" {
		return
	}
	if !b.gate.AcceptRecall(ev.RoomName) {
		return
	}

	notice := fmt.Sprintf("【%s】撤回了一条消息：\n%s", ev.ContactName, ev.Text)
	if err := b.transport.SayToRoom(ctx, ev.RoomID, notice, ""); err != nil {
		b.logger.Error("recall notice send failed",
			"room", ev.RoomName,
			"error", err,
		)
		return
	}

	b.logger.Info("recall notice posted", "room", ev.RoomName, "contact", ev.ContactName)
	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindRecallNotice,
		Data:   map[string]any{"room": ev.RoomName},
	})
}

// handleFriendship auto-accepts friend requests whose greeting is on
// the allow-list.
func (b *Bridge) handleFriendship(ctx context.Context, ev wechat.Event) {
	if !b.gate.AllowGreeting(ev.Hello) {
		b.logger.Info("friend request ignored",
			"contact", ev.ContactName,
			"hello", ev.Hello,
		)
		return
	}

	if err := b.transport.AcceptFriendship(ctx, ev.FriendshipID); err != nil {
		b.logger.Error("accept friendship failed",
			"contact", ev.ContactName,
			"error", err,
		)
		return
	}
	b.logger.Info("friend request accepted", "contact", ev.ContactName)
}

// sinkFor returns the chunk sink for the identity's destination.
func (b *Bridge) sinkFor(ctx context.Context, identity session.Identity) dispatch.Sink {
	if identity.IsGroup() {
		return func(text string) error {
			return b.transport.SayToRoom(ctx, identity.RoomID, text, identity.ContactID)
		}
	}
	return func(text string) error {
		return b.transport.SayToContact(ctx, identity.ContactID, text)
	}
}
