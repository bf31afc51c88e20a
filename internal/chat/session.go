package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatkit/internal/client"
	"github.com/npezzotti/go-chatkit/internal/config"
	"github.com/npezzotti/go-chatkit/internal/events"
	"github.com/npezzotti/go-chatkit/internal/stats"
	"github.com/npezzotti/go-chatkit/internal/store"
	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"
)

const (
	// Reconnect recovery caps. Recovering everything after a short
	// outage would stampede the server, so only the most recent
	// queries and a bounded set of channels are refreshed; the rest
	// self-heal on next access.
	maxRecoveredQueries  = 3
	maxRecoveredChannels = 30

	cleanInterval = time.Second
	errorBuffer   = 16
)

// Session ties the pieces of the sync engine together: it owns the
// websocket event loop, reconciles incoming batches into the cache,
// fans events out to channel and query controllers, and drives
// reconnect recovery and the retry sweep for failed local writes.
type Session struct {
	cfg    config.Config
	client client.Client
	source *client.EventSource
	store  store.Repository
	rec    *Reconciler
	retry  RetryPolicy
	stats  stats.StatsProvider
	log    *log.Logger

	mu          sync.Mutex
	currentUser types.User
	channels    map[string]*ChannelController
	queries     map[string]*QueryController
	configs     map[string]types.Config

	online         *Observable[bool]
	initialized    *Observable[bool]
	userObs        *Observable[types.User]
	totalUnread    *Observable[int]
	unreadChannels *Observable[int]

	errs   chan error
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewSession wires a session from its dependencies. Run must be called
// before events flow.
func NewSession(cfg config.Config, apiClient client.Client, source *client.EventSource, repo store.Repository, statsProvider stats.StatsProvider, logger *log.Logger) *Session {
	s := &Session{
		cfg:            cfg,
		client:         apiClient,
		source:         source,
		store:          repo,
		retry:          DefaultRetryPolicy{},
		stats:          statsProvider,
		log:            logger,
		channels:       make(map[string]*ChannelController),
		queries:        make(map[string]*QueryController),
		configs:        make(map[string]types.Config),
		online:         NewObservable(false),
		initialized:    NewObservable(false),
		userObs:        NewObservable(types.User{}),
		totalUnread:    NewObservable(0),
		unreadChannels: NewObservable(0),
		errs:           make(chan error, errorBuffer),
	}

	s.rec = NewReconciler(repo, logger)
	s.rec.CurrentUserID = s.CurrentUserID
	s.rec.OnCurrentUser = s.updateCurrentUser
	s.rec.OnTotalUnreadCount = s.setTotalUnread
	s.rec.OnUnreadChannels = s.setUnreadChannels

	for _, name := range []string{
		stats.EventsReconciled, stats.BatchesReconciled,
		stats.ChannelsRecovered, stats.QueriesRecovered,
		stats.RetriesAttempted, stats.RetriesSucceeded,
	} {
		s.stats.RegisterMetric(name)
	}

	if err := s.loadConfigs(); err != nil {
		logger.Printf("load channel configs: %s", err)
	}

	return s
}

// loadConfigs primes the per channel-type config map from the cache so
// feature gates like read receipts work before the first connection.
func (s *Session) loadConfigs() error {
	configs, err := s.store.SelectConfigs()
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, cfg := range configs {
		s.configs[cfg.ChannelType] = cfg
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) configFor(channelType string) (types.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[channelType]
	return cfg, ok
}

// saveConfigs persists configs carried by server responses and
// refreshes the in-memory map.
func (s *Session) saveConfigs(configs []types.Config) {
	if len(configs) == 0 {
		return
	}
	if err := s.store.UpsertConfigs(configs); err != nil {
		s.log.Printf("store channel configs: %s", err)
		return
	}
	s.mu.Lock()
	for _, cfg := range configs {
		s.configs[cfg.ChannelType] = cfg
	}
	s.mu.Unlock()
}

func (s *Session) CurrentUserID() string { return s.cfg.UserID }

func (s *Session) Online() (<-chan bool, func())      { return s.online.Subscribe() }
func (s *Session) Initialized() (<-chan bool, func()) { return s.initialized.Subscribe() }

// CurrentUser emits the server's view of the session user.
func (s *Session) CurrentUser() (<-chan types.User, func()) { return s.userObs.Subscribe() }

func (s *Session) TotalUnreadCount() (<-chan int, func()) { return s.totalUnread.Subscribe() }
func (s *Session) UnreadChannels() (<-chan int, func())   { return s.unreadChannels.Subscribe() }

// Errors exposes background failures (reconcile, recovery) that have
// no caller to return to.
func (s *Session) Errors() <-chan error { return s.errs }

// Run starts the connection and the event loop. It returns immediately;
// Close tears everything down.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.stats.Run()

	group, ctx := errgroup.WithContext(ctx)
	s.group = group

	group.Go(func() error {
		s.source.Run(ctx)
		return nil
	})
	group.Go(func() error {
		s.eventLoop(ctx)
		return nil
	})
	group.Go(func() error {
		s.cleanLoop(ctx)
		return nil
	})
}

// Close stops the event loop, flushes nothing further, and releases the
// cache.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	s.stats.Stop()

	s.mu.Lock()
	for _, ch := range s.channels {
		ch.stop()
	}
	s.mu.Unlock()

	return s.store.Close()
}

// eventLoop drains the socket. Connection lifecycle events run alone so
// recovery sees a settled cache; everything else is batched so one
// reconcile covers a burst.
func (s *Session) eventLoop(ctx context.Context) {
	src := s.source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-src:
			if !ok {
				return
			}

			if s.handleLifecycle(ctx, event) {
				continue
			}

			batch := []events.Event{event}
			batch = s.drainBatch(ctx, src, batch)
			s.HandleEvents(ctx, batch)
		}
	}
}

// drainBatch appends immediately-available events, stopping at the
// first lifecycle event so it is handled on its own.
func (s *Session) drainBatch(ctx context.Context, src <-chan events.Event, batch []events.Event) []events.Event {
	for {
		select {
		case <-ctx.Done():
			return batch
		case event, ok := <-src:
			if !ok {
				return batch
			}
			if s.handleLifecycle(ctx, event) {
				return batch
			}
			batch = append(batch, event)
		default:
			return batch
		}
	}
}

func (s *Session) handleLifecycle(ctx context.Context, event events.Event) bool {
	switch e := event.(type) {
	case events.ConnectedEvent:
		s.handleConnected(ctx, e)
		return true
	case events.DisconnectedEvent:
		s.handleDisconnected()
		return true
	}
	return false
}

// HandleEvents reconciles a batch into the cache and fans it out to the
// live controllers.
func (s *Session) HandleEvents(ctx context.Context, batch []events.Event) {
	if len(batch) == 0 {
		return
	}

	// controllers rebuild their projections from the cache, so a batch
	// that failed to reconcile must not reach them
	if err := s.rec.Reconcile(batch); err != nil {
		s.addError(errors.Wrap(err, "reconcile events"))
		return
	}
	s.stats.Incr(stats.BatchesReconciled)
	s.stats.Add(stats.EventsReconciled, len(batch))

	s.mu.Lock()
	channels := make([]*ChannelController, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	queries := make([]*QueryController, 0, len(s.queries))
	for _, q := range s.queries {
		queries = append(queries, q)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.HandleEvents(batch)
	}
	for _, q := range queries {
		q.HandleEvents(batch)
	}
}

func (s *Session) handleConnected(ctx context.Context, e events.ConnectedEvent) {
	// a true value here means this is a reconnect, not first connect
	recovered := s.initialized.Value()

	s.setOnline(true)
	s.updateCurrentUser(e.Me)
	if e.TotalUnreadCount != nil {
		s.setTotalUnread(*e.TotalUnreadCount)
	}
	if e.UnreadChannels != nil {
		s.setUnreadChannels(*e.UnreadChannels)
	}

	if err := s.connectionRecovered(ctx, recovered && s.cfg.RecoveryEnabled); err != nil {
		s.addError(errors.Wrap(err, "connection recovery"))
	}

	s.initialized.Set(true)

	now := time.Now()
	if err := s.store.UpsertSyncState(types.SyncState{
		UserID:       s.cfg.UserID,
		LastSyncedAt: &now,
	}); err != nil {
		s.addError(errors.Wrap(err, "store sync state"))
	}
}

func (s *Session) handleDisconnected() {
	s.setOnline(false)

	s.mu.Lock()
	for _, ch := range s.channels {
		ch.onDisconnect()
	}
	for _, q := range s.queries {
		q.onDisconnect()
	}
	s.mu.Unlock()
}

// connectionRecovered refreshes state after a connection comes up. With
// forceAll every active query and watched channel is refreshed, capped;
// otherwise only the ones that missed events while offline.
func (s *Session) connectionRecovered(ctx context.Context, forceAll bool) error {
	s.mu.Lock()
	queries := make([]*QueryController, 0, len(s.queries))
	for _, q := range s.queries {
		queries = append(queries, q)
	}
	channels := make([]*ChannelController, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	recovered := 0
	refreshed := make(map[string]struct{})
	for _, q := range queries {
		if recovered >= maxRecoveredQueries {
			break
		}
		if !forceAll && !q.needsRecovery() {
			continue
		}
		if err := q.Run(ctx, Pagination{Limit: defaultChannelLimit}); err != nil {
			s.log.Printf("recover query %s: %s", q.Spec().ID, err)
			continue
		}
		for _, cid := range q.Spec().CIDs {
			refreshed[cid] = struct{}{}
		}
		recovered++
		s.stats.Incr(stats.QueriesRecovered)
	}

	var cids []string
	pending := make([]*ChannelController, 0, len(channels))
	for _, ch := range channels {
		if len(cids) >= maxRecoveredChannels {
			break
		}
		if !forceAll && !ch.needsRecovery() {
			continue
		}
		if _, ok := refreshed[ch.CID()]; ok {
			// a recovered query already refreshed and rewatched this channel
			ch.mu.Lock()
			ch.watching = true
			ch.recoveryNeeded = false
			ch.mu.Unlock()
			continue
		}
		cids = append(cids, ch.CID())
		pending = append(pending, ch)
	}

	if len(cids) > 0 {
		fetched, err := s.client.QueryChannels(ctx, client.QueryChannelsRequest{
			Filter: types.FilterObject{"cid": map[string]any{"$in": cids}},
			Limit:  maxRecoveredChannels,
			Watch:  true,
		})
		if err != nil {
			return errors.Wrap(err, "rewatch channels")
		}
		if err := storeStateForChannels(s.store, fetched); err != nil {
			return err
		}
		s.saveConfigs(configsForChannels(fetched))

		byCID := make(map[string]types.Channel, len(fetched))
		for _, ch := range fetched {
			byCID[ch.CID] = ch
		}
		for _, ch := range pending {
			if server, ok := byCID[ch.CID()]; ok {
				ch.mu.Lock()
				server.Messages = nil
				ch.setChannelLocked(server)
				ch.watching = true
				ch.recoveryNeeded = false
				ch.mu.Unlock()
				ch.publish()
			}
			s.stats.Incr(stats.ChannelsRecovered)
		}
	}

	return s.retryFailedEntities(ctx)
}

// retryFailedEntities pushes every locally-mutated entity still marked
// sync-needed: channels first so watches exist, then messages, then
// reactions. Failures are logged and left for the next sweep.
func (s *Session) retryFailedEntities(ctx context.Context) error {
	channels, err := s.store.SelectChannelsSyncNeeded()
	if err != nil {
		return errors.Wrap(err, "load unsynced channels")
	}
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.stats.Incr(stats.RetriesAttempted)
		server, err := s.client.WatchChannel(ctx, ch.CID, defaultMessageLimit)
		if err != nil {
			s.log.Printf("retry channel %s: %s", ch.CID, err)
			continue
		}
		server.Messages = nil
		server.SyncStatus = types.SyncStatusSynced
		if err := s.store.UpsertChannels([]types.Channel{*server}); err != nil {
			return errors.Wrap(err, "store retried channel")
		}
		s.stats.Incr(stats.RetriesSucceeded)
	}

	messages, err := s.store.SelectMessagesSyncNeeded()
	if err != nil {
		return errors.Wrap(err, "load unsynced messages")
	}
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.stats.Incr(stats.RetriesAttempted)
		if err := s.retryMessage(ctx, msg); err != nil {
			s.log.Printf("retry message %s: %s", msg.ID, err)
			continue
		}
		s.stats.Incr(stats.RetriesSucceeded)
	}

	reactions, err := s.store.SelectReactionsSyncNeeded()
	if err != nil {
		return errors.Wrap(err, "load unsynced reactions")
	}
	for _, reaction := range reactions {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.stats.Incr(stats.RetriesAttempted)
		if err := s.retryReaction(ctx, reaction); err != nil {
			s.log.Printf("retry reaction %s/%s: %s", reaction.MessageID, reaction.Type, err)
			continue
		}
		s.stats.Incr(stats.RetriesSucceeded)
	}

	return nil
}

func (s *Session) retryMessage(ctx context.Context, msg types.Message) error {
	switch {
	case msg.DeletedAt != nil:
		if err := s.client.DeleteMessage(ctx, msg.ID); err != nil {
			return err
		}
	case msg.SendCompletedAt != nil:
		// the original send landed, this is a pending edit
		if _, err := s.client.UpdateMessage(ctx, msg); err != nil {
			return err
		}
	default:
		sent, err := s.client.SendMessage(ctx, msg)
		if err != nil {
			return err
		}
		now := time.Now()
		sent.CID = msg.CID
		sent.SendCompletedAt = &now
		sent.SyncStatus = types.SyncStatusSynced
		return s.store.UpsertMessages([]types.Message{*sent})
	}

	msg.SyncStatus = types.SyncStatusSynced
	return s.store.UpsertMessages([]types.Message{msg})
}

func (s *Session) retryReaction(ctx context.Context, reaction types.Reaction) error {
	if reaction.DeletedAt != nil {
		if err := s.client.DeleteReaction(ctx, reaction.MessageID, reaction.Type); err != nil {
			return err
		}
	} else {
		if err := s.client.SendReaction(ctx, reaction); err != nil {
			return err
		}
	}

	reaction.SyncStatus = types.SyncStatusSynced
	return s.store.UpsertReactions([]types.Reaction{reaction})
}

// Channel returns the controller for cid, creating it on first use.
// Call Watch on the controller to populate it.
func (s *Session) Channel(cid string) (*ChannelController, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[cid]; ok {
		return ch, nil
	}

	ch, err := newChannelController(cid, channelDeps{
		client:      s.client,
		store:       s.store,
		retry:       s.retry,
		log:         s.log,
		userID:      s.CurrentUserID,
		online:      s.isOnline,
		newID:       s.generateMessageID,
		config:      s.configFor,
		saveConfigs: s.saveConfigs,
	})
	if err != nil {
		return nil, err
	}

	s.channels[cid] = ch
	return ch, nil
}

// QueryChannels returns the controller for a (filter, sort) query,
// creating it on first use. Call Run on the controller to execute it.
func (s *Session) QueryChannels(filter types.FilterObject, sort []types.SortOption) *QueryController {
	id := queryID(filter, sort)

	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queries[id]; ok {
		return q
	}

	q := newQueryController(types.QuerySpec{ID: id, Filter: filter, Sort: sort}, queryDeps{
		client:      s.client,
		store:       s.store,
		log:         s.log,
		online:      s.isOnline,
		saveConfigs: s.saveConfigs,
	})
	s.queries[id] = q
	return q
}

// CreateChannel registers a channel locally and watches it when a
// connection is up. An empty id gets a generated one.
func (s *Session) CreateChannel(ctx context.Context, channelType, channelID, name string) (*ChannelController, error) {
	if channelType == "" {
		return nil, types.NewValidationError("channel type can't be empty")
	}
	if channelID == "" {
		generated, err := shortid.Generate()
		if err != nil {
			return nil, errors.Wrap(err, "generate channel id")
		}
		channelID = generated
	}

	cid := types.CID(channelType, channelID)
	now := time.Now()
	ch := types.Channel{
		CID:         cid,
		Type:        channelType,
		ID:          channelID,
		Name:        name,
		CreatedByID: s.cfg.UserID,
		SyncStatus:  types.SyncStatusSyncNeeded,
		CreatedAt:   now,
	}
	if err := s.store.UpsertChannels([]types.Channel{ch}); err != nil {
		return nil, errors.Wrap(err, "store new channel")
	}

	controller, err := s.Channel(cid)
	if err != nil {
		return nil, err
	}
	if err := controller.Watch(ctx); err != nil {
		return nil, err
	}
	return controller, nil
}

// MarkAllRead clears unread state across all channels.
func (s *Session) MarkAllRead(ctx context.Context) error {
	if !s.isOnline() {
		return types.NewNetworkError("not connected", nil)
	}
	return runAndRetry(ctx, s.retry, func(ctx context.Context) error {
		return s.client.MarkAllRead(ctx)
	})
}

// SyncState reports when this user's cache last caught up with the
// server.
func (s *Session) SyncState() (*types.SyncState, error) {
	return s.store.SelectSyncState(s.cfg.UserID)
}

func (s *Session) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			channels := make([]*ChannelController, 0, len(s.channels))
			for _, ch := range s.channels {
				channels = append(channels, ch)
			}
			s.mu.Unlock()

			for _, ch := range channels {
				ch.clean(now)
			}
		}
	}
}

func (s *Session) isOnline() bool { return s.online.Value() }

func (s *Session) setOnline(online bool) {
	if s.online.Value() != online {
		s.online.Set(online)
	}
}

func (s *Session) updateCurrentUser(user types.User) {
	if user.ID == "" {
		return
	}
	s.mu.Lock()
	s.currentUser = user
	s.mu.Unlock()
	s.userObs.Set(user)
}

func (s *Session) setTotalUnread(count int) {
	if s.totalUnread.Value() != count {
		s.totalUnread.Set(count)
	}
}

func (s *Session) setUnreadChannels(count int) {
	if s.unreadChannels.Value() != count {
		s.unreadChannels.Set(count)
	}
}

func (s *Session) generateMessageID() string {
	return s.cfg.UserID + "-" + uuid.NewString()
}

func (s *Session) addError(err error) {
	select {
	case s.errs <- err:
	default:
		s.log.Printf("dropping error: %s", err)
	}
}

// queryID derives a stable identifier from the query's filter and sort
// so the same query maps to the same cached result set across runs.
func queryID(filter types.FilterObject, sort []types.SortOption) string {
	h := fnv.New64a()
	if data, err := json.Marshal(filter); err == nil {
		h.Write(data)
	}
	if data, err := json.Marshal(sort); err == nil {
		h.Write(data)
	}
	return fmt.Sprintf("%x", h.Sum64())
}
