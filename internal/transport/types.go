package transport

import (
	"context"
	"strconv"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound chat message normalized across gateways.
// GroupID is 0 for direct (private) messages.
type Message struct {
	ID       int64
	UserID   int64
	GroupID  int64
	ThreadID int // telegram forum topic thread id (0 if none)
	Username string
	Text     string
	SelfID   int64 // bot account id as reported by the gateway (0 if unknown)
}

// Origin returns the chat target a reply to m should be delivered to.
func (m *Message) Origin() ChatTarget {
	if m == nil {
		return ChatTarget{}
	}
	return ChatTarget{UserID: m.UserID, GroupID: m.GroupID, ThreadID: m.ThreadID}
}

// ChatTarget is a notification destination: a user, optionally scoped to a
// group. When GroupID is set the message goes to the group and mentions UserID.
//
// ChatTarget is comparable and safe to use as a map key.
type ChatTarget struct {
	UserID   int64
	GroupID  int64
	ThreadID int
}

func (t ChatTarget) IsGroup() bool { return t.GroupID != 0 }

func (t ChatTarget) IsZero() bool { return t.UserID == 0 && t.GroupID == 0 }

func (t ChatTarget) String() string {
	if t.GroupID != 0 {
		return "group:" + strconv.FormatInt(t.GroupID, 10) + "/user:" + strconv.FormatInt(t.UserID, 10)
	}
	return "user:" + strconv.FormatInt(t.UserID, 10)
}

type MessageRef struct {
	Target    ChatTarget
	MessageID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// NoMention suppresses the @user prefix gateways add for group targets.
	NoMention bool
}

type Notification struct {
	Channel  string // "alert", "reply", "broadcast"
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter is a chat gateway connection.
//
// Start begins delivering inbound updates to out and returns once the
// background loops are running. SendText blocks until the gateway accepted or
// rejected the message, or ctx is done.
type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Sender is the outbound half of Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
