package chat

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-chatkit/internal/client"
	"github.com/npezzotti/go-chatkit/internal/events"
	"github.com/npezzotti/go-chatkit/internal/store"
	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/pkg/errors"
)

const (
	defaultMessageLimit = 30
	markReadDelay       = 500 * time.Millisecond
	typingExpiry        = 10 * time.Second
)

// ChannelController projects the cache and live events into the
// observable state of one channel: its message list, read state and
// typing indicators. It also owns the optimistic write path for
// messages and reactions in that channel.
type ChannelController struct {
	cid         string
	channelType string
	channelID   string

	client client.Client
	store  store.Repository
	retry  RetryPolicy
	log    *log.Logger

	userID      func() string
	online      func() bool
	newID       func() string
	config      func(channelType string) (types.Config, bool)
	saveConfigs func(configs []types.Config)

	mu                 sync.Mutex
	channel            types.Channel
	messages           map[string]types.Message
	reads              map[string]types.ChannelRead
	typing             map[string]time.Time
	hideMessagesBefore *time.Time
	watching           bool
	recoveryNeeded     bool
	loadingOlder       bool
	endOfOlderMessages bool
	lastMarkedReadAt   time.Time

	messagesObs *Observable[[]types.Message]
	readsObs    *Observable[[]types.ChannelRead]
	typingObs   *Observable[[]string]

	markRead *Debouncer
}

type channelDeps struct {
	client      client.Client
	store       store.Repository
	retry       RetryPolicy
	log         *log.Logger
	userID      func() string
	online      func() bool
	newID       func() string
	config      func(channelType string) (types.Config, bool)
	saveConfigs func(configs []types.Config)
}

func newChannelController(cid string, deps channelDeps) (*ChannelController, error) {
	channelType, channelID, err := types.SplitCID(cid)
	if err != nil {
		return nil, err
	}

	c := &ChannelController{
		cid:         cid,
		channelType: channelType,
		channelID:   channelID,
		client:      deps.client,
		store:       deps.store,
		retry:       deps.retry,
		log:         deps.log,
		userID:      deps.userID,
		online:      deps.online,
		newID:       deps.newID,
		config:      deps.config,
		saveConfigs: deps.saveConfigs,
		channel:     types.Channel{CID: cid, Type: channelType, ID: channelID},
		messages:    make(map[string]types.Message),
		reads:       make(map[string]types.ChannelRead),
		typing:      make(map[string]time.Time),
		messagesObs: NewObservable([]types.Message(nil)),
		readsObs:    NewObservable([]types.ChannelRead(nil)),
		typingObs:   NewObservable([]string(nil)),
		markRead:    NewDebouncer(markReadDelay),
	}
	if c.config == nil {
		c.config = func(string) (types.Config, bool) { return types.Config{}, false }
	}
	if c.saveConfigs == nil {
		c.saveConfigs = func([]types.Config) {}
	}
	return c, nil
}

func (c *ChannelController) CID() string { return c.cid }

// Messages emits the channel's visible messages sorted by their
// effective creation time.
func (c *ChannelController) Messages() (<-chan []types.Message, func()) {
	return c.messagesObs.Subscribe()
}

func (c *ChannelController) Reads() (<-chan []types.ChannelRead, func()) {
	return c.readsObs.Subscribe()
}

// Typing emits the ids of users currently typing in the channel.
func (c *ChannelController) Typing() (<-chan []string, func()) {
	return c.typingObs.Subscribe()
}

// Watch loads the channel from the cache first so state is available
// offline, then starts watching server-side when a connection is up.
func (c *ChannelController) Watch(ctx context.Context) error {
	if err := c.loadFromStore(); err != nil {
		return err
	}

	if !c.online() {
		c.mu.Lock()
		c.recoveryNeeded = true
		c.mu.Unlock()
		return nil
	}

	return c.watchOnline(ctx)
}

func (c *ChannelController) loadFromStore() error {
	ch, err := c.store.SelectChannel(c.cid)
	if err != nil {
		return errors.Wrap(err, "load channel")
	}

	msgs, err := c.store.SelectMessagesForChannel(c.cid, store.MessagePage{Limit: defaultMessageLimit})
	if err != nil {
		return errors.Wrap(err, "load channel messages")
	}

	c.mu.Lock()
	if ch != nil {
		c.setChannelLocked(*ch)
	} else if cfg, ok := c.config(c.channelType); ok {
		c.channel.Config = cfg
	}
	for _, msg := range msgs {
		c.messages[msg.ID] = msg
	}
	c.mu.Unlock()

	c.publish()
	return nil
}

func (c *ChannelController) watchOnline(ctx context.Context) error {
	ch, err := c.client.WatchChannel(ctx, c.cid, defaultMessageLimit)
	if err != nil {
		return err
	}

	cfg := ch.Config
	if cfg.ChannelType == "" {
		cfg.ChannelType = c.channelType
	}
	c.saveConfigs([]types.Config{cfg})

	msgs := ch.Messages
	ch.Messages = nil
	ch.SyncStatus = types.SyncStatusSynced
	for i := range msgs {
		msgs[i].CID = c.cid
		msgs[i].SyncStatus = types.SyncStatusSynced
	}

	if err := c.store.UpsertUsers(ch.Users()); err != nil {
		return errors.Wrap(err, "store channel users")
	}
	if err := c.store.UpsertChannels([]types.Channel{*ch}); err != nil {
		return errors.Wrap(err, "store watched channel")
	}
	if err := c.store.UpsertMessages(msgs); err != nil {
		return errors.Wrap(err, "store watched messages")
	}

	c.mu.Lock()
	c.setChannelLocked(*ch)
	for _, msg := range msgs {
		c.messages[msg.ID] = msg
	}
	c.watching = true
	c.recoveryNeeded = false
	c.mu.Unlock()

	c.publish()
	return nil
}

func (c *ChannelController) setChannelLocked(ch types.Channel) {
	c.channel = ch
	// the channels table does not carry config; cache-loaded channels
	// resolve theirs from the per channel-type config map
	if c.channel.Config == (types.Config{}) {
		if cfg, ok := c.config(c.channelType); ok {
			c.channel.Config = cfg
		}
	}
	c.hideMessagesBefore = ch.HideMessagesBefore
	for userID, read := range ch.Reads {
		c.reads[userID] = read
	}
}

// onDisconnect marks the controller for re-watch on the next
// connection; the server drops watchers with the socket.
func (c *ChannelController) onDisconnect() {
	c.mu.Lock()
	if c.watching {
		c.watching = false
		c.recoveryNeeded = true
	}
	c.mu.Unlock()
}

func (c *ChannelController) needsRecovery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveryNeeded
}

// HandleEvents applies the events scoped to this channel to the live
// projection. The cache has already been reconciled when this runs.
func (c *ChannelController) HandleEvents(batch []events.Event) {
	changed := false

	c.mu.Lock()
	for _, event := range batch {
		cidEvent, ok := event.(events.CIDEvent)
		if !ok || cidEvent.EventCID() != c.cid {
			continue
		}
		if c.applyEventLocked(event) {
			changed = true
		}
	}
	c.mu.Unlock()

	if changed {
		c.publish()
		c.markRead.Submit(c.sendMarkRead)
	}
}

func (c *ChannelController) applyEventLocked(event events.Event) bool {
	switch e := event.(type) {
	case events.NewMessageEvent:
		c.upsertMessageLocked(e.Message)
	case events.NotificationMessageNewEvent:
		c.upsertMessageLocked(e.Message)
	case events.MessageUpdatedEvent:
		c.upsertMessageLocked(e.Message)
	case events.MessageDeletedEvent:
		msg := e.Message
		if msg.DeletedAt == nil {
			at := e.CreatedAt
			msg.DeletedAt = &at
		}
		c.upsertMessageLocked(msg)

	case events.ReactionNewEvent:
		if msg, ok := c.messages[e.Reaction.MessageID]; ok {
			msg.AddReaction(e.Reaction)
			c.messages[msg.ID] = msg
		}
	case events.ReactionDeletedEvent:
		if msg, ok := c.messages[e.Reaction.MessageID]; ok {
			msg.RemoveReaction(e.Reaction)
			c.messages[msg.ID] = msg
		}

	case events.MessageReadEvent:
		c.reads[e.User.ID] = types.ChannelRead{UserID: e.User.ID, LastRead: e.CreatedAt}
	case events.NotificationMarkReadEvent:
		c.reads[e.User.ID] = types.ChannelRead{UserID: e.User.ID, LastRead: e.CreatedAt}

	case events.MemberAddedEvent:
		member := e.Member
		c.channel.SetMember(member.UserID, &member)
	case events.MemberUpdatedEvent:
		member := e.Member
		c.channel.SetMember(member.UserID, &member)
	case events.MemberRemovedEvent:
		c.channel.SetMember(e.User.ID, nil)
	case events.NotificationRemovedFromChannelEvent:
		c.channel.SetMember(e.User.ID, nil)

	case events.ChannelUpdatedEvent:
		config := c.channel.Config
		reads := c.channel.Reads
		c.channel = e.Channel
		if c.channel.Config.ChannelType == "" {
			c.channel.Config = config
		}
		if c.channel.Reads == nil {
			c.channel.Reads = reads
		}
	case events.ChannelDeletedEvent:
		at := e.CreatedAt
		c.channel.DeletedAt = &at
		c.messages = make(map[string]types.Message)
	case events.ChannelTruncatedEvent:
		for id, msg := range c.messages {
			if msg.EffectiveCreatedAt().Before(e.CreatedAt) {
				delete(c.messages, id)
			}
		}
	case events.ChannelHiddenEvent:
		c.channel.Hidden = true
		if e.ClearHistory {
			at := e.CreatedAt
			c.hideMessagesBefore = &at
		}
	case events.ChannelVisibleEvent:
		c.channel.Hidden = false

	case events.TypingStartEvent:
		if e.User.ID != c.userID() {
			c.typing[e.User.ID] = e.CreatedAt
		}
	case events.TypingStopEvent:
		delete(c.typing, e.User.ID)

	default:
		return false
	}
	return true
}

func (c *ChannelController) upsertMessageLocked(msg types.Message) {
	msg.CID = c.cid
	msg.SyncStatus = types.SyncStatusSynced
	c.messages[msg.ID] = msg
}

// clean expires stale typing entries; a lost typing.stop would
// otherwise pin the indicator forever.
func (c *ChannelController) clean(now time.Time) {
	changed := false

	c.mu.Lock()
	for userID, startedAt := range c.typing {
		if now.Sub(startedAt) > typingExpiry {
			delete(c.typing, userID)
			changed = true
		}
	}
	c.mu.Unlock()

	if changed {
		c.publish()
	}
}

// LoadOlderMessages pages backwards through the channel's history from
// the cache. Only one load may be in flight at a time.
func (c *ChannelController) LoadOlderMessages(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	c.mu.Lock()
	if c.loadingOlder {
		c.mu.Unlock()
		return types.NewConcurrentOperationError("already loading older messages")
	}
	c.loadingOlder = true

	var before *time.Time
	for _, msg := range c.messages {
		at := msg.EffectiveCreatedAt()
		if before == nil || at.Before(*before) {
			t := at
			before = &t
		}
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loadingOlder = false
		c.mu.Unlock()
	}()

	msgs, err := c.store.SelectMessagesForChannel(c.cid, store.MessagePage{Limit: limit, Before: before})
	if err != nil {
		return errors.Wrap(err, "load older messages")
	}

	c.mu.Lock()
	if len(msgs) < limit {
		c.endOfOlderMessages = true
	}
	for _, msg := range msgs {
		c.messages[msg.ID] = msg
	}
	c.mu.Unlock()

	c.publish()
	return nil
}

func (c *ChannelController) EndOfOlderMessages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endOfOlderMessages
}

// MarkRead requests a read receipt for the channel. Calls are debounced
// and skipped entirely when the channel disables read events or nothing
// new has arrived since the last receipt.
func (c *ChannelController) MarkRead() {
	c.markRead.Submit(c.sendMarkRead)
}

func (c *ChannelController) sendMarkRead() {
	c.mu.Lock()
	if !c.channel.Config.ReadEvents || !c.online() {
		c.mu.Unlock()
		return
	}

	var latest time.Time
	for _, msg := range c.messages {
		if msg.UserID == c.userID() {
			continue
		}
		if at := msg.EffectiveCreatedAt(); at.After(latest) {
			latest = at
		}
	}
	if latest.IsZero() || !latest.After(c.lastMarkedReadAt) {
		c.mu.Unlock()
		return
	}
	c.lastMarkedReadAt = latest
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.MarkRead(ctx, c.cid); err != nil {
		c.log.Printf("mark read %s: %s", c.cid, err)
	}
}

// SendMessage stores the message as pending, shows it immediately and
// sends it in the background with retries. A failed send stays in the
// cache for the next retry sweep.
func (c *ChannelController) SendMessage(ctx context.Context, text string, attachments []types.Attachment) (types.Message, error) {
	now := time.Now()
	msg := types.Message{
		ID:               c.newID(),
		CID:              c.cid,
		UserID:           c.userID(),
		Text:             text,
		Attachments:      attachments,
		SyncStatus:       types.SyncStatusSyncNeeded,
		CreatedLocallyAt: &now,
	}

	if err := c.store.UpsertMessages([]types.Message{msg}); err != nil {
		return types.Message{}, errors.Wrap(err, "store pending message")
	}

	c.mu.Lock()
	c.messages[msg.ID] = msg
	c.mu.Unlock()
	c.publish()

	if !c.online() {
		return msg, nil
	}

	sent := msg
	err := runAndRetry(ctx, c.retry, func(ctx context.Context) error {
		out, err := c.client.SendMessage(ctx, msg)
		if err != nil {
			return err
		}
		sent = *out
		return nil
	})
	if err != nil {
		c.log.Printf("send message %s: %s", msg.ID, err)
		return msg, err
	}

	return c.completeSend(sent, now)
}

func (c *ChannelController) completeSend(sent types.Message, sentAt time.Time) (types.Message, error) {
	sent.CID = c.cid
	sent.SyncStatus = types.SyncStatusSynced
	if sent.SendCompletedAt == nil {
		at := sentAt
		sent.SendCompletedAt = &at
	}

	if err := c.store.UpsertMessages([]types.Message{sent}); err != nil {
		return sent, errors.Wrap(err, "store sent message")
	}

	c.mu.Lock()
	c.messages[sent.ID] = sent
	c.mu.Unlock()
	c.publish()

	return sent, nil
}

// UpdateMessage applies the edit locally first, then pushes it.
func (c *ChannelController) UpdateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	if msg.ID == "" {
		return types.Message{}, types.NewValidationError("message id can't be empty")
	}

	now := time.Now()
	msg.CID = c.cid
	msg.SyncStatus = types.SyncStatusSyncNeeded
	msg.UpdatedAt = now
	if msg.SendCompletedAt == nil {
		msg.SendCompletedAt = &now
	}

	if err := c.store.UpsertMessages([]types.Message{msg}); err != nil {
		return types.Message{}, errors.Wrap(err, "store edited message")
	}

	c.mu.Lock()
	c.messages[msg.ID] = msg
	c.mu.Unlock()
	c.publish()

	if !c.online() {
		return msg, nil
	}

	updated := msg
	err := runAndRetry(ctx, c.retry, func(ctx context.Context) error {
		out, err := c.client.UpdateMessage(ctx, msg)
		if err != nil {
			return err
		}
		updated = *out
		return nil
	})
	if err != nil {
		c.log.Printf("update message %s: %s", msg.ID, err)
		return msg, err
	}

	updated.CID = c.cid
	updated.SyncStatus = types.SyncStatusSynced
	if err := c.store.UpsertMessages([]types.Message{updated}); err != nil {
		return updated, errors.Wrap(err, "store updated message")
	}

	c.mu.Lock()
	c.messages[updated.ID] = updated
	c.mu.Unlock()
	c.publish()

	return updated, nil
}

// DeleteMessage tombstones the message locally and propagates the
// delete. A message that never reached the server is removed outright.
func (c *ChannelController) DeleteMessage(ctx context.Context, messageID string) error {
	msg, err := c.store.SelectMessage(messageID)
	if err != nil {
		return errors.Wrap(err, "load message")
	}
	if msg == nil {
		return types.NewNotFoundError("message not found")
	}

	// a message that was never sent only exists locally
	if msg.SendCompletedAt == nil && msg.CreatedAt.IsZero() && msg.SyncStatus == types.SyncStatusSyncNeeded {
		now := time.Now()
		msg.DeletedAt = &now
		msg.SyncStatus = types.SyncStatusSynced
		if err := c.store.UpsertMessages([]types.Message{*msg}); err != nil {
			return errors.Wrap(err, "store deleted message")
		}
		c.mu.Lock()
		c.messages[msg.ID] = *msg
		c.mu.Unlock()
		c.publish()
		return nil
	}

	now := time.Now()
	msg.DeletedAt = &now
	msg.SyncStatus = types.SyncStatusSyncNeeded
	if err := c.store.UpsertMessages([]types.Message{*msg}); err != nil {
		return errors.Wrap(err, "store deleted message")
	}

	c.mu.Lock()
	c.messages[msg.ID] = *msg
	c.mu.Unlock()
	c.publish()

	if !c.online() {
		return nil
	}

	err = runAndRetry(ctx, c.retry, func(ctx context.Context) error {
		return c.client.DeleteMessage(ctx, messageID)
	})
	if err != nil {
		c.log.Printf("delete message %s: %s", messageID, err)
		return err
	}

	msg.SyncStatus = types.SyncStatusSynced
	if err := c.store.UpsertMessages([]types.Message{*msg}); err != nil {
		return errors.Wrap(err, "store deleted message")
	}
	return nil
}

// SendReaction adds the reaction optimistically and pushes it.
func (c *ChannelController) SendReaction(ctx context.Context, messageID, reactionType string) error {
	reaction := types.Reaction{
		MessageID:  messageID,
		UserID:     c.userID(),
		Type:       reactionType,
		Score:      1,
		SyncStatus: types.SyncStatusSyncNeeded,
		CreatedAt:  time.Now(),
	}

	if err := c.store.UpsertReactions([]types.Reaction{reaction}); err != nil {
		return errors.Wrap(err, "store pending reaction")
	}

	c.mu.Lock()
	if msg, ok := c.messages[messageID]; ok {
		msg.AddReaction(reaction)
		c.messages[messageID] = msg
	}
	c.mu.Unlock()
	c.publish()

	if !c.online() {
		return nil
	}

	err := runAndRetry(ctx, c.retry, func(ctx context.Context) error {
		return c.client.SendReaction(ctx, reaction)
	})
	if err != nil {
		c.log.Printf("send reaction %s/%s: %s", messageID, reactionType, err)
		return err
	}

	reaction.SyncStatus = types.SyncStatusSynced
	if err := c.store.UpsertReactions([]types.Reaction{reaction}); err != nil {
		return errors.Wrap(err, "store sent reaction")
	}
	return nil
}

// DeleteReaction removes the current user's reaction of the given type.
func (c *ChannelController) DeleteReaction(ctx context.Context, messageID, reactionType string) error {
	reaction, err := c.store.SelectReaction(messageID, c.userID(), reactionType)
	if err != nil {
		return errors.Wrap(err, "load reaction")
	}
	if reaction == nil {
		return types.NewNotFoundError("reaction not found")
	}

	now := time.Now()
	reaction.DeletedAt = &now
	reaction.SyncStatus = types.SyncStatusSyncNeeded
	if err := c.store.UpsertReactions([]types.Reaction{*reaction}); err != nil {
		return errors.Wrap(err, "store pending reaction delete")
	}

	c.mu.Lock()
	if msg, ok := c.messages[messageID]; ok {
		msg.RemoveReaction(*reaction)
		c.messages[messageID] = msg
	}
	c.mu.Unlock()
	c.publish()

	if !c.online() {
		return nil
	}

	err = runAndRetry(ctx, c.retry, func(ctx context.Context) error {
		return c.client.DeleteReaction(ctx, messageID, reactionType)
	})
	if err != nil {
		c.log.Printf("delete reaction %s/%s: %s", messageID, reactionType, err)
		return err
	}

	reaction.SyncStatus = types.SyncStatusSynced
	if err := c.store.UpsertReactions([]types.Reaction{*reaction}); err != nil {
		return errors.Wrap(err, "store deleted reaction")
	}
	return nil
}

// publish recomputes the observable snapshots from the projection.
func (c *ChannelController) publish() {
	c.mu.Lock()

	msgs := make([]types.Message, 0, len(c.messages))
	for _, msg := range c.messages {
		if msg.DeletedAt != nil {
			continue
		}
		if c.hideMessagesBefore != nil && msg.EffectiveCreatedAt().Before(*c.hideMessagesBefore) {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].EffectiveCreatedAt().Before(msgs[j].EffectiveCreatedAt())
	})

	reads := make([]types.ChannelRead, 0, len(c.reads))
	for _, read := range c.reads {
		reads = append(reads, read)
	}
	sort.Slice(reads, func(i, j int) bool { return reads[i].UserID < reads[j].UserID })

	typing := make([]string, 0, len(c.typing))
	for userID := range c.typing {
		typing = append(typing, userID)
	}
	sort.Strings(typing)

	c.mu.Unlock()

	c.messagesObs.Set(msgs)
	c.readsObs.Set(reads)
	c.typingObs.Set(typing)
}

func (c *ChannelController) stop() {
	c.markRead.Stop()
}
