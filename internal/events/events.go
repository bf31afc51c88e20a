// Package events defines the closed set of domain events delivered by
// the server over the websocket connection. Each event kind carries only
// the fields relevant to it; consumers dispatch with a type switch over
// the Event interface, which cannot be implemented outside this package.
package events

import (
	"time"

	"github.com/npezzotti/go-chatkit/internal/types"
)

// Wire type tags.
const (
	TypeHealthCheck = "health.check"

	TypeMessageNew     = "message.new"
	TypeMessageUpdated = "message.updated"
	TypeMessageDeleted = "message.deleted"
	TypeMessageRead    = "message.read"

	TypeReactionNew     = "reaction.new"
	TypeReactionDeleted = "reaction.deleted"

	TypeMemberAdded   = "member.added"
	TypeMemberUpdated = "member.updated"
	TypeMemberRemoved = "member.removed"

	TypeChannelCreated   = "channel.created"
	TypeChannelUpdated   = "channel.updated"
	TypeChannelDeleted   = "channel.deleted"
	TypeChannelTruncated = "channel.truncated"
	TypeChannelHidden    = "channel.hidden"
	TypeChannelVisible   = "channel.visible"

	TypeNotificationMessageNew         = "notification.message_new"
	TypeNotificationMarkRead           = "notification.mark_read"
	TypeNotificationAddedToChannel     = "notification.added_to_channel"
	TypeNotificationRemovedFromChannel = "notification.removed_from_channel"
	TypeNotificationChannelDeleted     = "notification.channel_deleted"
	TypeNotificationChannelTruncated   = "notification.channel_truncated"

	TypeTypingStart = "typing.start"
	TypeTypingStop  = "typing.stop"

	TypeUserPresenceChanged = "user.presence.changed"
	TypeUserUpdated         = "user.updated"
	TypeUserBanned          = "user.banned"
	TypeUserUnbanned        = "user.unbanned"

	TypeConnected    = "connection.connected"
	TypeDisconnected = "connection.disconnected"
)

// Event is the sealed interface implemented by every event kind.
type Event interface {
	EventType() string
	EventCreatedAt() time.Time
	isEvent()
}

// CIDEvent is implemented by events scoped to a single channel.
type CIDEvent interface {
	Event
	EventCID() string
}

// UnreadCounts carries the optional per-user unread counters a server
// event may piggyback.
type UnreadCounts struct {
	TotalUnreadCount *int `json:"total_unread_count,omitempty"`
	UnreadChannels   *int `json:"unread_channels,omitempty"`
}

type Base struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

func (b Base) EventType() string         { return b.Type }
func (b Base) EventCreatedAt() time.Time { return b.CreatedAt }
func (b Base) isEvent()                  {}

type CIDBase struct {
	Base
	CID string `json:"cid"`
}

func (c CIDBase) EventCID() string { return c.CID }

// NewBase builds the common header shared by all events.
func NewBase(eventType string, createdAt time.Time) Base {
	return Base{Type: eventType, CreatedAt: createdAt}
}

// NewCIDBase builds the common header for channel-scoped events.
func NewCIDBase(eventType, cid string, createdAt time.Time) CIDBase {
	return CIDBase{Base: Base{Type: eventType, CreatedAt: createdAt}, CID: cid}
}

type HealthCheckEvent struct {
	Base
}

type NewMessageEvent struct {
	CIDBase
	UnreadCounts
	User    types.User    `json:"user"`
	Message types.Message `json:"message"`
}

type MessageUpdatedEvent struct {
	CIDBase
	User    types.User    `json:"user"`
	Message types.Message `json:"message"`
}

type MessageDeletedEvent struct {
	CIDBase
	User    types.User    `json:"user"`
	Message types.Message `json:"message"`
}

type MessageReadEvent struct {
	CIDBase
	UnreadCounts
	User types.User `json:"user"`
}

type ReactionNewEvent struct {
	CIDBase
	User     types.User     `json:"user"`
	Reaction types.Reaction `json:"reaction"`
	Message  types.Message  `json:"message"`
}

type ReactionDeletedEvent struct {
	CIDBase
	User     types.User     `json:"user"`
	Reaction types.Reaction `json:"reaction"`
	Message  types.Message  `json:"message"`
}

type MemberAddedEvent struct {
	CIDBase
	Member types.Member `json:"member"`
}

type MemberUpdatedEvent struct {
	CIDBase
	Member types.Member `json:"member"`
}

type MemberRemovedEvent struct {
	CIDBase
	User types.User `json:"user"`
}

type ChannelCreatedEvent struct {
	CIDBase
	Channel types.Channel `json:"channel"`
}

type ChannelUpdatedEvent struct {
	CIDBase
	Channel types.Channel `json:"channel"`
}

type ChannelDeletedEvent struct {
	CIDBase
	Channel types.Channel `json:"channel"`
}

type ChannelTruncatedEvent struct {
	CIDBase
	Channel types.Channel `json:"channel"`
}

type ChannelHiddenEvent struct {
	CIDBase
	User         types.User `json:"user"`
	ClearHistory bool       `json:"clear_history"`
}

type ChannelVisibleEvent struct {
	CIDBase
	User types.User `json:"user"`
}

type NotificationMessageNewEvent struct {
	CIDBase
	UnreadCounts
	Message types.Message `json:"message"`
}

type NotificationMarkReadEvent struct {
	CIDBase
	UnreadCounts
	User types.User `json:"user"`
}

type NotificationAddedToChannelEvent struct {
	CIDBase
	Channel types.Channel `json:"channel"`
}

type NotificationRemovedFromChannelEvent struct {
	CIDBase
	User types.User `json:"user"`
}

type NotificationChannelDeletedEvent struct {
	CIDBase
	Channel types.Channel `json:"channel"`
}

type NotificationChannelTruncatedEvent struct {
	CIDBase
	Channel types.Channel `json:"channel"`
}

type TypingStartEvent struct {
	CIDBase
	User types.User `json:"user"`
}

type TypingStopEvent struct {
	CIDBase
	User types.User `json:"user"`
}

type UserPresenceChangedEvent struct {
	Base
	User types.User `json:"user"`
}

type UserUpdatedEvent struct {
	Base
	User types.User `json:"user"`
}

type UserBannedEvent struct {
	Base
	User types.User `json:"user"`
}

type UserUnbannedEvent struct {
	Base
	User types.User `json:"user"`
}

// ConnectedEvent is emitted locally whenever a websocket connection is
// established; Me is the server's view of the session user.
type ConnectedEvent struct {
	Base
	UnreadCounts
	Me types.User `json:"me"`
}

// DisconnectedEvent is emitted locally whenever the connection drops.
type DisconnectedEvent struct {
	Base
}

// UnknownEvent preserves events with an unrecognized type tag.
type UnknownEvent struct {
	Base
	Raw []byte `json:"-"`
}
