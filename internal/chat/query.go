package chat

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/npezzotti/go-chatkit/internal/client"
	"github.com/npezzotti/go-chatkit/internal/events"
	"github.com/npezzotti/go-chatkit/internal/store"
	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/pkg/errors"
)

const defaultChannelLimit = 30

// Pagination selects one page of a channel query.
type Pagination struct {
	Offset       int
	Limit        int
	MessageLimit int
}

func (p Pagination) limit() int {
	if p.Limit > 0 {
		return p.Limit
	}
	return defaultChannelLimit
}

// ChannelEventFilter decides whether a channel surfaced by an event
// belongs in a query's result set. The default accepts everything;
// callers with structured filters install their own predicate.
type ChannelEventFilter func(filter types.FilterObject, channel types.Channel) bool

// QueryController maintains one channel query: its ordered result set,
// pagination state, and membership updates driven by events.
type QueryController struct {
	spec        types.QuerySpec
	client      client.Client
	store       store.Repository
	log         *log.Logger
	online      func() bool
	saveConfigs func(configs []types.Config)

	// NewChannelEventFilter gates event-driven additions to the result
	// set.
	NewChannelEventFilter ChannelEventFilter

	mu             sync.Mutex
	cids           []string
	channels       map[string]types.Channel
	loadingMore    bool
	endOfChannels  bool
	recoveryNeeded bool

	channelsObs *Observable[[]types.Channel]
}

type queryDeps struct {
	client      client.Client
	store       store.Repository
	log         *log.Logger
	online      func() bool
	saveConfigs func(configs []types.Config)
}

func newQueryController(spec types.QuerySpec, deps queryDeps) *QueryController {
	q := &QueryController{
		spec:                  spec,
		client:                deps.client,
		store:                 deps.store,
		log:                   deps.log,
		online:                deps.online,
		saveConfigs:           deps.saveConfigs,
		NewChannelEventFilter: func(types.FilterObject, types.Channel) bool { return true },
		channels:              make(map[string]types.Channel),
		channelsObs:           NewObservable([]types.Channel(nil)),
	}
	if q.saveConfigs == nil {
		q.saveConfigs = func([]types.Config) {}
	}
	return q
}

func (q *QueryController) Spec() types.QuerySpec {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.spec
}

// Channels emits the query's current result set in query order.
func (q *QueryController) Channels() (<-chan []types.Channel, func()) {
	return q.channelsObs.Subscribe()
}

func (q *QueryController) EndOfChannels() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.endOfChannels
}

// Run executes the query. Offline it serves the page the cache
// remembers for this query; online it fetches from the server and
// refreshes the cache.
func (q *QueryController) Run(ctx context.Context, page Pagination) error {
	if !q.online() {
		q.mu.Lock()
		q.recoveryNeeded = true
		q.mu.Unlock()
		return q.runOffline(page)
	}
	return q.runOnline(ctx, page)
}

// LoadMore fetches the next page after the current result set. Only one
// page load may be in flight at a time.
func (q *QueryController) LoadMore(ctx context.Context, limit int) error {
	q.mu.Lock()
	if q.loadingMore {
		q.mu.Unlock()
		return types.NewConcurrentOperationError("already loading more channels")
	}
	if q.endOfChannels {
		q.mu.Unlock()
		return nil
	}
	q.loadingMore = true
	offset := len(q.cids)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.loadingMore = false
		q.mu.Unlock()
	}()

	return q.Run(ctx, Pagination{Offset: offset, Limit: limit})
}

func (q *QueryController) runOffline(page Pagination) error {
	stored, err := q.store.SelectQuery(q.spec.ID)
	if err != nil {
		return errors.Wrap(err, "load stored query")
	}
	if stored == nil {
		q.publish()
		return nil
	}

	cids := stored.CIDs
	if page.Offset >= len(cids) {
		cids = nil
	} else {
		cids = cids[page.Offset:]
		if limit := page.limit(); len(cids) > limit {
			cids = cids[:limit]
		}
	}

	channels, err := selectAndEnrichChannels(q.store, cids)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.cids = appendMissing(q.cids, cids)
	for _, ch := range channels {
		q.channels[ch.CID] = ch
	}
	q.mu.Unlock()

	q.publish()
	return nil
}

func (q *QueryController) runOnline(ctx context.Context, page Pagination) error {
	channels, err := q.client.QueryChannels(ctx, client.QueryChannelsRequest{
		Filter:       q.spec.Filter,
		Sort:         q.spec.Sort,
		Offset:       page.Offset,
		Limit:        page.limit(),
		MessageLimit: page.MessageLimit,
		// watch so the server pushes events for the returned channels
		Watch: true,
	})
	if err != nil {
		return err
	}

	if err := storeStateForChannels(q.store, channels); err != nil {
		return err
	}
	q.saveConfigs(configsForChannels(channels))

	q.mu.Lock()
	pageCIDs := make([]string, 0, len(channels))
	for _, ch := range channels {
		pageCIDs = append(pageCIDs, ch.CID)
	}
	if page.Offset == 0 {
		q.cids = pageCIDs
	} else {
		q.cids = appendMissing(q.cids, pageCIDs)
	}
	for _, ch := range channels {
		ch.Messages = nil
		q.channels[ch.CID] = ch
	}
	// a short page means the server ran out of results
	q.endOfChannels = len(channels) < page.limit()
	q.recoveryNeeded = false
	spec := q.spec
	spec.CIDs = append([]string(nil), q.cids...)
	q.spec = spec
	q.mu.Unlock()

	if err := q.store.UpsertQuery(spec); err != nil {
		return errors.Wrap(err, "store query result")
	}

	q.publish()
	return nil
}

func (q *QueryController) needsRecovery() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recoveryNeeded
}

func (q *QueryController) onDisconnect() {
	q.mu.Lock()
	q.recoveryNeeded = true
	q.mu.Unlock()
}

// HandleEvents keeps the result set in sync with channel lifecycle
// events: new and re-surfaced channels join when they pass the filter,
// deleted and hidden ones leave, and member channels update in place.
func (q *QueryController) HandleEvents(batch []events.Event) {
	changed := false

	q.mu.Lock()
	for _, event := range batch {
		switch e := event.(type) {
		case events.ChannelCreatedEvent:
			changed = q.addChannelLocked(e.Channel) || changed
		case events.NotificationAddedToChannelEvent:
			changed = q.addChannelLocked(e.Channel) || changed
		case events.ChannelVisibleEvent:
			if ch, ok := q.channels[e.CID]; ok {
				ch.Hidden = false
				q.channels[e.CID] = ch
				changed = true
			}
		case events.ChannelUpdatedEvent:
			if _, ok := q.channels[e.CID]; ok {
				ch := e.Channel
				ch.Messages = nil
				q.channels[e.CID] = ch
				changed = true
			}
		case events.ChannelDeletedEvent:
			changed = q.removeChannelLocked(e.CID) || changed
		case events.NotificationChannelDeletedEvent:
			changed = q.removeChannelLocked(e.CID) || changed
		case events.ChannelHiddenEvent:
			if ch, ok := q.channels[e.CID]; ok {
				ch.Hidden = true
				q.channels[e.CID] = ch
				changed = true
			}
		case events.NotificationRemovedFromChannelEvent:
			changed = q.removeChannelLocked(e.CID) || changed
		case events.NewMessageEvent:
			if ch, ok := q.channels[e.CID]; ok {
				at := e.CreatedAt
				ch.LastMessageAt = &at
				q.channels[e.CID] = ch
				changed = true
			}
		}
	}
	q.mu.Unlock()

	if changed {
		q.publish()
	}
}

func (q *QueryController) addChannelLocked(ch types.Channel) bool {
	if ch.CID == "" || !q.NewChannelEventFilter(q.spec.Filter, ch) {
		return false
	}

	ch.Messages = nil
	if _, ok := q.channels[ch.CID]; !ok {
		q.cids = append(q.cids, ch.CID)
		q.spec.CIDs = append([]string(nil), q.cids...)
	}
	q.channels[ch.CID] = ch
	return true
}

func (q *QueryController) removeChannelLocked(cid string) bool {
	if _, ok := q.channels[cid]; !ok {
		return false
	}

	delete(q.channels, cid)
	cids := q.cids[:0]
	for _, c := range q.cids {
		if c != cid {
			cids = append(cids, c)
		}
	}
	q.cids = cids
	q.spec.CIDs = append([]string(nil), q.cids...)
	return true
}

func appendMissing(cids, more []string) []string {
	seen := make(map[string]struct{}, len(cids))
	for _, cid := range cids {
		seen[cid] = struct{}{}
	}
	for _, cid := range more {
		if _, ok := seen[cid]; !ok {
			cids = append(cids, cid)
		}
	}
	return cids
}

func (q *QueryController) publish() {
	q.mu.Lock()
	ordered := make([]types.Channel, 0, len(q.cids))
	for _, cid := range q.cids {
		if ch, ok := q.channels[cid]; ok && ch.DeletedAt == nil && !ch.Hidden {
			ordered = append(ordered, ch)
		}
	}
	q.mu.Unlock()

	q.channelsObs.Set(ordered)
}

// selectAndEnrichChannels loads channels from the cache along with a
// recent page of messages for each.
func selectAndEnrichChannels(repo store.Repository, cids []string) ([]types.Channel, error) {
	channels, err := repo.SelectChannels(cids)
	if err != nil {
		return nil, errors.Wrap(err, "load channels")
	}

	for i := range channels {
		msgs, err := repo.SelectMessagesForChannel(channels[i].CID, store.MessagePage{Limit: defaultMessageLimit})
		if err != nil {
			return nil, errors.Wrap(err, "load channel messages")
		}
		channels[i].Messages = msgs
	}

	byCID := make(map[string]types.Channel, len(channels))
	for _, ch := range channels {
		byCID[ch.CID] = ch
	}

	ordered := make([]types.Channel, 0, len(channels))
	for _, cid := range cids {
		if ch, ok := byCID[cid]; ok {
			ordered = append(ordered, ch)
		}
	}
	return ordered, nil
}

// storeStateForChannels persists server channel payloads: the users
// they mention, the channels themselves, and their embedded messages.
func storeStateForChannels(repo store.Repository, channels []types.Channel) error {
	var users []types.User
	seen := make(map[string]struct{})
	var messages []types.Message
	stored := make([]types.Channel, 0, len(channels))

	for _, ch := range channels {
		for _, user := range ch.Users() {
			if _, ok := seen[user.ID]; ok {
				continue
			}
			seen[user.ID] = struct{}{}
			users = append(users, user)
		}
		for _, msg := range ch.Messages {
			msg.CID = ch.CID
			msg.SyncStatus = types.SyncStatusSynced
			messages = append(messages, msg)
		}
		ch.Messages = nil
		ch.SyncStatus = types.SyncStatusSynced
		stored = append(stored, ch)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	if err := repo.UpsertUsers(users); err != nil {
		return errors.Wrap(err, "store channel users")
	}
	if err := repo.UpsertChannels(stored); err != nil {
		return errors.Wrap(err, "store channels")
	}
	if err := repo.UpsertMessages(messages); err != nil {
		return errors.Wrap(err, "store channel messages")
	}
	return nil
}

// configsForChannels extracts the per channel-type configs carried by a
// server response, one entry per type.
func configsForChannels(channels []types.Channel) []types.Config {
	var configs []types.Config
	seen := make(map[string]struct{})
	for _, ch := range channels {
		cfg := ch.Config
		if cfg.ChannelType == "" {
			cfg.ChannelType = ch.Type
		}
		if cfg.ChannelType == "" {
			continue
		}
		if _, ok := seen[cfg.ChannelType]; ok {
			continue
		}
		seen[cfg.ChannelType] = struct{}{}
		configs = append(configs, cfg)
	}
	return configs
}
