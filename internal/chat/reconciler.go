package chat

import (
	"log"
	"sort"
	"time"

	"github.com/npezzotti/go-chatkit/internal/events"
	"github.com/npezzotti/go-chatkit/internal/store"
	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/pkg/errors"
)

// Reconciler merges batches of server events into the entity cache. It
// works in two passes over the batch: first collect every channel and
// message id the events reference and fetch them in bulk, then replay
// the events in timestamp order against that working set and write the
// mutated entities back in one upsert per entity kind. Mutation rules
// only ever add or skip when a referenced entity is missing from the
// cache; they never fail the batch.
type Reconciler struct {
	store store.Repository
	log   *log.Logger

	// CurrentUserID identifies the session user; updates to that user
	// bypass the generic user table via OnCurrentUser.
	CurrentUserID func() string
	OnCurrentUser func(user types.User)
	// Unread counter hooks fire for events carrying the counters.
	OnTotalUnreadCount func(count int)
	OnUnreadChannels   func(count int)
}

func NewReconciler(repo store.Repository, logger *log.Logger) *Reconciler {
	return &Reconciler{
		store:              repo,
		log:                logger,
		CurrentUserID:      func() string { return "" },
		OnCurrentUser:      func(types.User) {},
		OnTotalUnreadCount: func(int) {},
		OnUnreadChannels:   func(int) {},
	}
}

// workingSet layers batch mutations over the bulk-fetched cache rows so
// that later events in the batch observe earlier mutations.
type workingSet struct {
	users    map[string]types.User
	channels map[string]types.Channel
	messages map[string]types.Message

	fetchedChannels map[string]types.Channel
	fetchedMessages map[string]types.Message
}

func (w *workingSet) channel(cid string) (types.Channel, bool) {
	if ch, ok := w.channels[cid]; ok {
		return ch, true
	}
	ch, ok := w.fetchedChannels[cid]
	return ch, ok
}

func (w *workingSet) message(id string) (types.Message, bool) {
	if msg, ok := w.messages[id]; ok {
		return msg, true
	}
	msg, ok := w.fetchedMessages[id]
	return msg, ok
}

func (w *workingSet) putUser(user types.User) {
	if user.ID == "" {
		return
	}
	w.users[user.ID] = user
}

func (w *workingSet) putUsers(users []types.User) {
	for _, user := range users {
		w.putUser(user)
	}
}

// Reconcile applies one event batch to the cache. It fails only on
// storage errors; the batch may then safely be re-delivered because all
// mutation rules are idempotent.
func (r *Reconciler) Reconcile(batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	sorted := make([]events.Event, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EventCreatedAt().Before(sorted[j].EventCreatedAt())
	})

	channelIDs, messageIDs := collectReferences(sorted)

	fetchedChannels, err := r.store.SelectChannels(channelIDs)
	if err != nil {
		return errors.Wrap(err, "fetch referenced channels")
	}
	fetchedMessages, err := r.store.SelectMessages(messageIDs)
	if err != nil {
		return errors.Wrap(err, "fetch referenced messages")
	}

	ws := &workingSet{
		users:           make(map[string]types.User),
		channels:        make(map[string]types.Channel),
		messages:        make(map[string]types.Message),
		fetchedChannels: make(map[string]types.Channel, len(fetchedChannels)),
		fetchedMessages: make(map[string]types.Message, len(fetchedMessages)),
	}
	for _, ch := range fetchedChannels {
		ws.fetchedChannels[ch.CID] = ch
	}
	for _, msg := range fetchedMessages {
		ws.fetchedMessages[msg.ID] = msg
	}

	for _, event := range sorted {
		r.applyEvent(ws, event)
	}

	if err := r.writeBack(ws); err != nil {
		return err
	}

	return r.cleanupPass(sorted)
}

// collectReferences maps each event kind to the channel cids and
// message ids it touches. Events referencing neither are
// non-cache-affecting.
func collectReferences(batch []events.Event) ([]string, []string) {
	channelSet := make(map[string]struct{})
	messageSet := make(map[string]struct{})

	for _, event := range batch {
		switch e := event.(type) {
		case events.MessageReadEvent:
			channelSet[e.CID] = struct{}{}
		case events.NotificationMarkReadEvent:
			channelSet[e.CID] = struct{}{}
		case events.MemberAddedEvent:
			channelSet[e.CID] = struct{}{}
		case events.MemberUpdatedEvent:
			channelSet[e.CID] = struct{}{}
		case events.MemberRemovedEvent:
			channelSet[e.CID] = struct{}{}
		case events.NotificationRemovedFromChannelEvent:
			channelSet[e.CID] = struct{}{}
		case events.ChannelCreatedEvent:
			channelSet[e.CID] = struct{}{}
		case events.ChannelUpdatedEvent:
			channelSet[e.CID] = struct{}{}
		case events.ChannelDeletedEvent:
			channelSet[e.CID] = struct{}{}
		case events.ChannelTruncatedEvent:
			channelSet[e.CID] = struct{}{}
		case events.ChannelHiddenEvent:
			channelSet[e.CID] = struct{}{}
		case events.ChannelVisibleEvent:
			channelSet[e.CID] = struct{}{}
		case events.NotificationAddedToChannelEvent:
			channelSet[e.CID] = struct{}{}
		case events.NotificationChannelDeletedEvent:
			channelSet[e.CID] = struct{}{}
		case events.NotificationChannelTruncatedEvent:
			channelSet[e.CID] = struct{}{}
		case events.TypingStartEvent:
			channelSet[e.CID] = struct{}{}
		case events.TypingStopEvent:
			channelSet[e.CID] = struct{}{}
		case events.NewMessageEvent:
			messageSet[e.Message.ID] = struct{}{}
		case events.MessageUpdatedEvent:
			messageSet[e.Message.ID] = struct{}{}
		case events.MessageDeletedEvent:
			messageSet[e.Message.ID] = struct{}{}
		case events.NotificationMessageNewEvent:
			messageSet[e.Message.ID] = struct{}{}
		case events.ReactionNewEvent:
			messageSet[e.Reaction.MessageID] = struct{}{}
		case events.ReactionDeletedEvent:
			messageSet[e.Reaction.MessageID] = struct{}{}
		}
	}

	channelIDs := make([]string, 0, len(channelSet))
	for cid := range channelSet {
		if cid != "" {
			channelIDs = append(channelIDs, cid)
		}
	}
	messageIDs := make([]string, 0, len(messageSet))
	for id := range messageSet {
		if id != "" {
			messageIDs = append(messageIDs, id)
		}
	}

	return channelIDs, messageIDs
}

func (r *Reconciler) applyEvent(ws *workingSet, event events.Event) {
	switch e := event.(type) {
	case events.NewMessageEvent:
		msg := e.Message
		msg.CID = e.CID
		msg.SyncStatus = types.SyncStatusSynced
		ws.putUsers(msg.Users())
		ws.messages[msg.ID] = msg
		r.reportUnreadCounts(e.UnreadCounts)

	case events.NotificationMessageNewEvent:
		msg := e.Message
		msg.CID = e.CID
		msg.SyncStatus = types.SyncStatusSynced
		ws.putUsers(msg.Users())
		ws.messages[msg.ID] = msg
		r.reportUnreadCounts(e.UnreadCounts)

	case events.MessageUpdatedEvent:
		msg := e.Message
		msg.CID = e.CID
		msg.SyncStatus = types.SyncStatusSynced
		ws.putUsers(msg.Users())
		ws.messages[msg.ID] = msg

	case events.MessageDeletedEvent:
		msg := e.Message
		msg.CID = e.CID
		msg.SyncStatus = types.SyncStatusSynced
		if msg.DeletedAt == nil {
			at := e.CreatedAt
			msg.DeletedAt = &at
		}
		ws.putUsers(msg.Users())
		ws.messages[msg.ID] = msg

	case events.MessageReadEvent:
		if ch, ok := ws.channel(e.CID); ok {
			ch.UpdateRead(types.ChannelRead{UserID: e.User.ID, LastRead: e.CreatedAt})
			ws.channels[ch.CID] = ch
		}
		ws.putUser(e.User)
		r.reportUnreadCounts(e.UnreadCounts)

	case events.NotificationMarkReadEvent:
		if ch, ok := ws.channel(e.CID); ok {
			ch.UpdateRead(types.ChannelRead{UserID: e.User.ID, LastRead: e.CreatedAt})
			ws.channels[ch.CID] = ch
		}
		ws.putUser(e.User)
		r.reportUnreadCounts(e.UnreadCounts)

	case events.ReactionNewEvent:
		// use the event's reaction, not its message: the message only
		// carries a sample of reactions
		if msg, ok := ws.message(e.Reaction.MessageID); ok {
			msg.AddReaction(e.Reaction)
			ws.messages[msg.ID] = msg
		}
		ws.putUser(e.User)

	case events.ReactionDeletedEvent:
		if msg, ok := ws.message(e.Reaction.MessageID); ok {
			msg.RemoveReaction(e.Reaction)
			if e.Message.ReactionCounts != nil {
				msg.ReactionCounts = e.Message.ReactionCounts
			}
			ws.messages[msg.ID] = msg
		}
		ws.putUser(e.User)

	case events.MemberAddedEvent:
		if ch, ok := ws.channel(e.CID); ok {
			member := e.Member
			ch.SetMember(member.UserID, &member)
			ws.channels[ch.CID] = ch
			ws.putUser(member.User)
		}

	case events.MemberUpdatedEvent:
		if ch, ok := ws.channel(e.CID); ok {
			member := e.Member
			ch.SetMember(member.UserID, &member)
			ws.channels[ch.CID] = ch
			ws.putUser(member.User)
		}

	case events.MemberRemovedEvent:
		if ch, ok := ws.channel(e.CID); ok {
			ch.SetMember(e.User.ID, nil)
			ws.channels[ch.CID] = ch
		}

	case events.NotificationRemovedFromChannelEvent:
		if ch, ok := ws.channel(e.CID); ok {
			ch.SetMember(e.User.ID, nil)
			ws.channels[ch.CID] = ch
		}

	case events.ChannelCreatedEvent:
		r.putChannel(ws, e.CID, e.Channel)
	case events.ChannelUpdatedEvent:
		r.putChannel(ws, e.CID, e.Channel)
	case events.ChannelDeletedEvent:
		r.putChannel(ws, e.CID, e.Channel)
	case events.ChannelTruncatedEvent:
		r.putChannel(ws, e.CID, e.Channel)
	case events.NotificationAddedToChannelEvent:
		r.putChannel(ws, e.CID, e.Channel)
	case events.NotificationChannelDeletedEvent:
		r.putChannel(ws, e.CID, e.Channel)
	case events.NotificationChannelTruncatedEvent:
		r.putChannel(ws, e.CID, e.Channel)

	case events.ChannelHiddenEvent:
		ch := r.channelOrStub(ws, e.CID)
		ch.Hidden = true
		if e.ClearHistory {
			at := e.CreatedAt
			ch.HideMessagesBefore = &at
		}
		ws.channels[ch.CID] = ch

	case events.ChannelVisibleEvent:
		ch := r.channelOrStub(ws, e.CID)
		ch.Hidden = false
		ws.channels[ch.CID] = ch

	case events.UserPresenceChangedEvent:
		ws.putUser(e.User)
	case events.UserUpdatedEvent:
		ws.putUser(e.User)

	case events.UserBannedEvent:
		user := e.User
		user.Banned = true
		ws.putUser(user)

	case events.UserUnbannedEvent:
		user := e.User
		user.Banned = false
		ws.putUser(user)

	case events.ConnectedEvent:
		r.OnCurrentUser(e.Me)
		r.reportUnreadCounts(e.UnreadCounts)

	case events.TypingStartEvent, events.TypingStopEvent:
		// live-state only, handled by the channel controllers
	case events.HealthCheckEvent, events.DisconnectedEvent, events.UnknownEvent:
		// non-cache-affecting
	}
}

func (r *Reconciler) putChannel(ws *workingSet, cid string, channel types.Channel) {
	if channel.CID == "" {
		channel.CID = cid
	}
	if channel.Type == "" || channel.ID == "" {
		if channelType, channelID, err := types.SplitCID(channel.CID); err == nil {
			channel.Type = channelType
			channel.ID = channelID
		}
	}
	channel.SyncStatus = types.SyncStatusSynced
	ws.putUsers(channel.Users())

	// channel payloads don't replace messages; those flow through
	// message events
	channel.Messages = nil
	ws.channels[channel.CID] = channel
}

// channelOrStub returns the cached channel, or a minimal row when the
// channel isn't cached yet.
func (r *Reconciler) channelOrStub(ws *workingSet, cid string) types.Channel {
	if ch, ok := ws.channel(cid); ok {
		return ch
	}

	ch := types.Channel{CID: cid}
	if channelType, channelID, err := types.SplitCID(cid); err == nil {
		ch.Type = channelType
		ch.ID = channelID
	}
	return ch
}

func (r *Reconciler) reportUnreadCounts(counts events.UnreadCounts) {
	if counts.TotalUnreadCount != nil {
		r.OnTotalUnreadCount(*counts.TotalUnreadCount)
	}
	if counts.UnreadChannels != nil {
		r.OnUnreadChannels(*counts.UnreadChannels)
	}
}

func (r *Reconciler) writeBack(ws *workingSet) error {
	// the session user never goes through the generic user table,
	// avoiding a self-overwrite race with the current-user path
	if currentID := r.CurrentUserID(); currentID != "" {
		if user, ok := ws.users[currentID]; ok {
			delete(ws.users, currentID)
			r.OnCurrentUser(user)
		}
	}

	users := make([]types.User, 0, len(ws.users))
	for _, user := range ws.users {
		users = append(users, user)
	}
	if err := r.store.UpsertUsers(users); err != nil {
		return errors.Wrap(err, "write users")
	}

	channels := make([]types.Channel, 0, len(ws.channels))
	for _, ch := range ws.channels {
		channels = append(channels, ch)
	}
	if err := r.store.UpsertChannels(channels); err != nil {
		return errors.Wrap(err, "write channels")
	}

	messages := make([]types.Message, 0, len(ws.messages))
	for _, msg := range ws.messages {
		messages = append(messages, msg)
	}
	if err := r.store.UpsertMessages(messages); err != nil {
		return errors.Wrap(err, "write messages")
	}

	return nil
}

// cleanupPass runs truncate/delete handling after the bulk write so
// messages inserted earlier in the same batch are also subject to the
// cutoff.
func (r *Reconciler) cleanupPass(batch []events.Event) error {
	for _, event := range batch {
		switch e := event.(type) {
		case events.ChannelTruncatedEvent:
			if err := r.store.DeleteMessagesBefore(e.CID, e.CreatedAt); err != nil {
				return errors.Wrap(err, "truncate channel messages")
			}
		case events.NotificationChannelTruncatedEvent:
			if err := r.store.DeleteMessagesBefore(e.CID, e.CreatedAt); err != nil {
				return errors.Wrap(err, "truncate channel messages")
			}
		case events.ChannelDeletedEvent:
			if err := r.deleteChannel(e.CID, e.CreatedAt); err != nil {
				return err
			}
		case events.NotificationChannelDeletedEvent:
			if err := r.deleteChannel(e.CID, e.CreatedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) deleteChannel(cid string, at time.Time) error {
	if err := r.store.DeleteMessagesBefore(cid, at); err != nil {
		return errors.Wrap(err, "delete channel messages")
	}

	ch, err := r.store.SelectChannel(cid)
	if err != nil {
		return errors.Wrap(err, "select deleted channel")
	}
	if ch == nil {
		return nil
	}

	deletedAt := at
	ch.DeletedAt = &deletedAt
	if err := r.store.UpsertChannels([]types.Channel{*ch}); err != nil {
		return errors.Wrap(err, "mark channel deleted")
	}

	return nil
}
