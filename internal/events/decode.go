package events

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// envelope is the superset of fields a server frame may carry; Decode
// picks the ones relevant to the frame's type tag.
type envelope struct {
	CIDBase
	UnreadCounts
	User         json.RawMessage `json:"user"`
	Me           json.RawMessage `json:"me"`
	Member       json.RawMessage `json:"member"`
	Channel      json.RawMessage `json:"channel"`
	Message      json.RawMessage `json:"message"`
	Reaction     json.RawMessage `json:"reaction"`
	ClearHistory bool            `json:"clear_history"`
}

func (e *envelope) unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Decode parses a raw server frame into its typed event. Frames with an
// unrecognized type tag decode to UnknownEvent, never an error.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode event frame")
	}

	var ev Event
	var err error
	switch env.Type {
	case TypeHealthCheck:
		ev = HealthCheckEvent{Base: env.Base}
	case TypeMessageNew:
		e := NewMessageEvent{CIDBase: env.CIDBase, UnreadCounts: env.UnreadCounts}
		err = firstErr(
			env.unmarshal(env.User, &e.User),
			env.unmarshal(env.Message, &e.Message),
		)
		ev = e
	case TypeMessageUpdated:
		e := MessageUpdatedEvent{CIDBase: env.CIDBase}
		err = firstErr(
			env.unmarshal(env.User, &e.User),
			env.unmarshal(env.Message, &e.Message),
		)
		ev = e
	case TypeMessageDeleted:
		e := MessageDeletedEvent{CIDBase: env.CIDBase}
		err = firstErr(
			env.unmarshal(env.User, &e.User),
			env.unmarshal(env.Message, &e.Message),
		)
		ev = e
	case TypeMessageRead:
		e := MessageReadEvent{CIDBase: env.CIDBase, UnreadCounts: env.UnreadCounts}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeReactionNew:
		e := ReactionNewEvent{CIDBase: env.CIDBase}
		err = firstErr(
			env.unmarshal(env.User, &e.User),
			env.unmarshal(env.Reaction, &e.Reaction),
			env.unmarshal(env.Message, &e.Message),
		)
		ev = e
	case TypeReactionDeleted:
		e := ReactionDeletedEvent{CIDBase: env.CIDBase}
		err = firstErr(
			env.unmarshal(env.User, &e.User),
			env.unmarshal(env.Reaction, &e.Reaction),
			env.unmarshal(env.Message, &e.Message),
		)
		ev = e
	case TypeMemberAdded:
		e := MemberAddedEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.Member, &e.Member)
		ev = e
	case TypeMemberUpdated:
		e := MemberUpdatedEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.Member, &e.Member)
		ev = e
	case TypeMemberRemoved:
		e := MemberRemovedEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeChannelCreated:
		e := ChannelCreatedEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.Channel, &e.Channel)
		ev = e
	case TypeChannelUpdated:
		e := ChannelUpdatedEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.Channel, &e.Channel)
		ev = e
	case TypeChannelDeleted:
		e := ChannelDeletedEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.Channel, &e.Channel)
		ev = e
	case TypeChannelTruncated:
		e := ChannelTruncatedEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.Channel, &e.Channel)
		ev = e
	case TypeChannelHidden:
		e := ChannelHiddenEvent{CIDBase: env.CIDBase, ClearHistory: env.ClearHistory}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeChannelVisible:
		e := ChannelVisibleEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeNotificationMessageNew:
		e := NotificationMessageNewEvent{CIDBase: env.CIDBase, UnreadCounts: env.UnreadCounts}
		err = env.unmarshal(env.Message, &e.Message)
		ev = e
	case TypeNotificationMarkRead:
		e := NotificationMarkReadEvent{CIDBase: env.CIDBase, UnreadCounts: env.UnreadCounts}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeNotificationAddedToChannel:
		e := NotificationAddedToChannelEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.Channel, &e.Channel)
		ev = e
	case TypeNotificationRemovedFromChannel:
		e := NotificationRemovedFromChannelEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeNotificationChannelDeleted:
		e := NotificationChannelDeletedEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.Channel, &e.Channel)
		ev = e
	case TypeNotificationChannelTruncated:
		e := NotificationChannelTruncatedEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.Channel, &e.Channel)
		ev = e
	case TypeTypingStart:
		e := TypingStartEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeTypingStop:
		e := TypingStopEvent{CIDBase: env.CIDBase}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeUserPresenceChanged:
		e := UserPresenceChangedEvent{Base: env.Base}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeUserUpdated:
		e := UserUpdatedEvent{Base: env.Base}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeUserBanned:
		e := UserBannedEvent{Base: env.Base}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeUserUnbanned:
		e := UserUnbannedEvent{Base: env.Base}
		err = env.unmarshal(env.User, &e.User)
		ev = e
	case TypeConnected:
		e := ConnectedEvent{Base: env.Base, UnreadCounts: env.UnreadCounts}
		err = env.unmarshal(env.Me, &e.Me)
		ev = e
	case TypeDisconnected:
		ev = DisconnectedEvent{Base: env.Base}
	default:
		ev = UnknownEvent{Base: env.Base, Raw: data}
	}

	if err != nil {
		return nil, errors.Wrapf(err, "decode %s event", env.Type)
	}
	return ev, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
