// Package gate filters inbound transport events down to the messages
// that should reach the command router. Everything here is exact-string
// or regexp matching; a rejected message is dropped silently apart from
// an informational trace at the caller.
package gate

import (
	"regexp"
	"strings"
	"time"
)

// friendRecommendContact is the platform pseudo-contact that delivers
// friend-recommendation cards in a direct chat.
const friendRecommendContact = "fmessage"

// cardMessagePattern is a heuristic for platform-internal card messages,
// which arrive as a single inline XML tag. The original transport emits
// these for transfers, links, and similar non-text payloads.
var cardMessagePattern = regexp.MustCompile(`^<[a-z]+[^<]*(?:>.*</[a-z]+>|\s*/>)$`)

// boilerplateNotices are platform system notices that read like user
// text in a direct chat but must never become prompts.
var boilerplateNotices = []string{
	"以上是打招呼的内容",
	"收到红包，请在手机上查看",
	"[收到一条微信转账消息，请在手机上查看]",
	"[收到一条优惠券消息，请在手机上查看]",
}

// Inbound is the normalized view of a text message event the gate
// inspects. Content is the extracted text: for group messages, the text
// with the bot mention already stripped by the transport.
type Inbound struct {
	SelfSent    bool
	Timestamp   time.Time
	ContactID   string
	ContactName string
	RoomID      string
	RoomName    string
	Mentioned   bool
	Content     string
}

// Gate holds the static policy: the process start time (events from
// before it are reconnect backlog), the friendship greeting allow-list,
// and the recall-prevention room allow-list.
type Gate struct {
	startTime      time.Time
	friendshipKeys []string
	recallRooms    []string
}

// New creates a gate. startTime should be the moment the bot came up;
// messages timestamped earlier are treated as replayed backlog.
func New(startTime time.Time, friendshipKeys, recallRooms []string) *Gate {
	return &Gate{
		startTime:      startTime,
		friendshipKeys: friendshipKeys,
		recallRooms:    recallRooms,
	}
}

// AcceptText decides whether a text message may proceed to routing.
// The reason names the failed check for trace logging; it is empty when
// the message is accepted.
func (g *Gate) AcceptText(m Inbound) (ok bool, reason string) {
	if m.SelfSent {
		return false, "self-echo"
	}
	if m.Timestamp.Before(g.startTime) {
		return false, "stale"
	}

	inRoom := m.RoomID != ""
	if !inRoom && m.ContactID == friendRecommendContact {
		return false, "friend-recommendation"
	}
	if inRoom && !m.Mentioned {
		return false, "not-mentioned"
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return false, "empty"
	}

	if !inRoom && g.isBoilerplate(content, m.ContactName) {
		return false, "platform-boilerplate"
	}

	return true, ""
}

// AcceptRecall decides whether a recall notification in the given room
// should produce the re-post notice. An empty allow-list monitors all
// rooms. Accepted recalls are a side-channel: they never enter the
// session pipeline.
func (g *Gate) AcceptRecall(roomName string) bool {
	if len(g.recallRooms) == 0 {
		return true
	}
	for _, name := range g.recallRooms {
		if name == roomName {
			return true
		}
	}
	return false
}

// AllowGreeting reports whether a friendship request with the given
// greeting should be auto-accepted. An empty allow-list accepts all.
func (g *Gate) AllowGreeting(hello string) bool {
	if len(g.friendshipKeys) == 0 {
		return true
	}
	for _, key := range g.friendshipKeys {
		if key == hello {
			return true
		}
	}
	return false
}

// isBoilerplate matches the direct-chat platform noise: greeting echoes
// from the friendship flow, contact-added notices, red-envelope and
// transfer notices, and inline-XML card messages.
func (g *Gate) isBoilerplate(content, contactName string) bool {
	for _, key := range g.friendshipKeys {
		if content == key {
			return true
		}
	}
	if content == "我是"+contactName {
		return true
	}
	if content == "你已添加了"+contactName+"，现在可以开始聊天了。" {
		return true
	}
	for _, notice := range boilerplateNotices {
		if content == notice {
			return true
		}
	}
	return cardMessagePattern.MatchString(content)
}
