package chat

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-chatkit/internal/client"
	"github.com/npezzotti/go-chatkit/internal/events"
	"github.com/npezzotti/go-chatkit/internal/store"
	"github.com/npezzotti/go-chatkit/internal/testutil"
	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testQueryEnv struct {
	client *client.MockClient
	repo   *store.SQLiteRepository
	online bool
}

func newTestQuery(t *testing.T, env *testQueryEnv) *QueryController {
	t.Helper()
	if env.client == nil {
		env.client = &client.MockClient{}
	}
	if env.repo == nil {
		env.repo = newTestRepo(t)
	}

	spec := types.QuerySpec{
		ID:     "q1",
		Filter: types.FilterObject{"type": "messaging"},
		Sort:   []types.SortOption{{Field: "last_message_at", Direction: -1}},
	}
	return newQueryController(spec, queryDeps{
		client: env.client,
		store:  env.repo,
		log:    testutil.TestLogger(t),
		online: func() bool { return env.online },
	})
}

func serverChannels(n int) []types.Channel {
	channels := make([]types.Channel, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		channels = append(channels, types.Channel{
			CID:  "messaging:" + id,
			Type: "messaging",
			ID:   id,
		})
	}
	return channels
}

func Test_Run_online(t *testing.T) {
	t.Run("full page leaves pagination open", func(t *testing.T) {
		env := &testQueryEnv{repo: newTestRepo(t), client: &client.MockClient{}, online: true}
		env.client.On("QueryChannels", mock.Anything, mock.Anything).Return(serverChannels(2), nil)

		q := newTestQuery(t, env)
		require.NoError(t, q.Run(context.Background(), Pagination{Limit: 2}))

		assert.Len(t, q.channelsObs.Value(), 2, "expected both channels in the result set")
		assert.False(t, q.EndOfChannels(), "expected a full page to leave more results possible")

		stored, err := env.repo.SelectQuery("q1")
		require.NoError(t, err)
		require.NotNil(t, stored, "expected query result to be cached")
		assert.Equal(t, []string{"messaging:a", "messaging:b"}, stored.CIDs, "expected cids in query order")
	})

	t.Run("short page ends pagination", func(t *testing.T) {
		env := &testQueryEnv{repo: newTestRepo(t), client: &client.MockClient{}, online: true}
		env.client.On("QueryChannels", mock.Anything, mock.Anything).Return(serverChannels(1), nil)

		q := newTestQuery(t, env)
		require.NoError(t, q.Run(context.Background(), Pagination{Limit: 2}))
		assert.True(t, q.EndOfChannels(), "expected short page to end pagination")
	})

	t.Run("later pages append", func(t *testing.T) {
		env := &testQueryEnv{repo: newTestRepo(t), client: &client.MockClient{}, online: true}
		all := serverChannels(3)
		env.client.On("QueryChannels", mock.Anything, mock.MatchedBy(func(req client.QueryChannelsRequest) bool {
			return req.Offset == 0
		})).Return(all[:2], nil)
		env.client.On("QueryChannels", mock.Anything, mock.MatchedBy(func(req client.QueryChannelsRequest) bool {
			return req.Offset == 2
		})).Return(all[2:], nil)

		q := newTestQuery(t, env)
		require.NoError(t, q.Run(context.Background(), Pagination{Limit: 2}))
		require.NoError(t, q.LoadMore(context.Background(), 2))

		assert.Len(t, q.channelsObs.Value(), 3, "expected second page to append")
		assert.True(t, q.EndOfChannels(), "expected short second page to end pagination")
	})
}

func Test_Run_onlineSavesConfigs(t *testing.T) {
	env := &testQueryEnv{repo: newTestRepo(t), client: &client.MockClient{}, online: true}
	channels := serverChannels(2)
	channels[0].Config = types.Config{ReadEvents: true}
	channels[1].Config = types.Config{ReadEvents: true}
	env.client.On("QueryChannels", mock.Anything, mock.Anything).Return(channels, nil)

	q := newTestQuery(t, env)
	var saved []types.Config
	q.saveConfigs = func(configs []types.Config) { saved = configs }

	require.NoError(t, q.Run(context.Background(), Pagination{Limit: 2}))

	require.Len(t, saved, 1, "expected one config per channel type")
	assert.Equal(t, "messaging", saved[0].ChannelType)
	assert.True(t, saved[0].ReadEvents)
}

func Test_Run_offline(t *testing.T) {
	env := &testQueryEnv{repo: newTestRepo(t), client: &client.MockClient{}, online: false}
	seedChannel(t, env.repo, "messaging:a")
	seedChannel(t, env.repo, "messaging:b")
	require.NoError(t, env.repo.UpsertQuery(types.QuerySpec{
		ID:     "q1",
		Filter: types.FilterObject{"type": "messaging"},
		CIDs:   []string{"messaging:b", "messaging:a"},
	}))

	q := newTestQuery(t, env)
	require.NoError(t, q.Run(context.Background(), Pagination{Limit: 30}))

	channels := q.channelsObs.Value()
	require.Len(t, channels, 2, "expected cached result set offline")
	assert.Equal(t, "messaging:b", channels[0].CID, "expected cached query order to be preserved")
	assert.True(t, q.needsRecovery(), "expected offline run to queue recovery")
	env.client.AssertNotCalled(t, "QueryChannels", mock.Anything, mock.Anything)
}

func Test_Run_offlinePagination(t *testing.T) {
	env := &testQueryEnv{repo: newTestRepo(t), client: &client.MockClient{}, online: false}
	seedChannel(t, env.repo, "messaging:a")
	seedChannel(t, env.repo, "messaging:b")
	seedChannel(t, env.repo, "messaging:c")
	require.NoError(t, env.repo.UpsertQuery(types.QuerySpec{
		ID:     "q1",
		Filter: types.FilterObject{"type": "messaging"},
		CIDs:   []string{"messaging:a", "messaging:b", "messaging:c"},
	}))
	q := newTestQuery(t, env)

	require.NoError(t, q.Run(context.Background(), Pagination{Offset: 1, Limit: 1}))
	channels := q.channelsObs.Value()
	require.Len(t, channels, 1, "expected cached page to honor offset and limit")
	assert.Equal(t, "messaging:b", channels[0].CID)

	require.NoError(t, q.Run(context.Background(), Pagination{Offset: 10, Limit: 1}), "expected out of range offset to yield no channels")
	assert.Len(t, q.channelsObs.Value(), 1, "expected out of range page to add nothing")
}

func Test_Run_offlineNoCachedQuery(t *testing.T) {
	env := &testQueryEnv{repo: newTestRepo(t), online: false}
	q := newTestQuery(t, env)

	require.NoError(t, q.Run(context.Background(), Pagination{Limit: 30}), "expected unknown query to yield empty results offline")
	assert.Empty(t, q.channelsObs.Value())
}

func Test_LoadMore_concurrent(t *testing.T) {
	env := &testQueryEnv{repo: newTestRepo(t), online: true}
	q := newTestQuery(t, env)

	q.mu.Lock()
	q.loadingMore = true
	q.mu.Unlock()

	err := q.LoadMore(context.Background(), 30)
	assert.True(t, types.HasCode(err, types.ErrCodeConcurrentOperation), "expected concurrent page load to be rejected")
}

func Test_Query_HandleEvents(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("new channel joins when it passes the filter", func(t *testing.T) {
		env := &testQueryEnv{repo: newTestRepo(t)}
		q := newTestQuery(t, env)
		q.NewChannelEventFilter = func(filter types.FilterObject, ch types.Channel) bool {
			return ch.Type == filter["type"]
		}

		q.HandleEvents([]events.Event{
			events.ChannelCreatedEvent{
				CIDBase: events.NewCIDBase(events.TypeChannelCreated, "messaging:new", base),
				Channel: types.Channel{CID: "messaging:new", Type: "messaging", ID: "new"},
			},
			events.ChannelCreatedEvent{
				CIDBase: events.NewCIDBase(events.TypeChannelCreated, "livestream:nope", base),
				Channel: types.Channel{CID: "livestream:nope", Type: "livestream", ID: "nope"},
			},
		})

		channels := q.channelsObs.Value()
		require.Len(t, channels, 1, "expected only the matching channel to join")
		assert.Equal(t, "messaging:new", channels[0].CID)
	})

	t.Run("deleted channel leaves", func(t *testing.T) {
		env := &testQueryEnv{repo: newTestRepo(t)}
		q := newTestQuery(t, env)
		q.mu.Lock()
		q.cids = []string{"messaging:a"}
		q.channels["messaging:a"] = types.Channel{CID: "messaging:a", Type: "messaging", ID: "a"}
		q.mu.Unlock()

		q.HandleEvents([]events.Event{
			events.ChannelDeletedEvent{
				CIDBase: events.NewCIDBase(events.TypeChannelDeleted, "messaging:a", base),
				Channel: types.Channel{CID: "messaging:a"},
			},
		})
		assert.Empty(t, q.channelsObs.Value(), "expected deleted channel to leave the result set")
	})

	t.Run("hidden channel is filtered until visible again", func(t *testing.T) {
		env := &testQueryEnv{repo: newTestRepo(t)}
		q := newTestQuery(t, env)
		q.mu.Lock()
		q.cids = []string{"messaging:a"}
		q.channels["messaging:a"] = types.Channel{CID: "messaging:a", Type: "messaging", ID: "a"}
		q.mu.Unlock()

		q.HandleEvents([]events.Event{
			events.ChannelHiddenEvent{
				CIDBase: events.NewCIDBase(events.TypeChannelHidden, "messaging:a", base),
			},
		})
		assert.Empty(t, q.channelsObs.Value(), "expected hidden channel to be filtered")

		q.HandleEvents([]events.Event{
			events.ChannelVisibleEvent{
				CIDBase: events.NewCIDBase(events.TypeChannelVisible, "messaging:a", base.Add(time.Minute)),
			},
		})
		assert.Len(t, q.channelsObs.Value(), 1, "expected visible channel to return")
	})

	t.Run("removal from a member channel evicts it", func(t *testing.T) {
		env := &testQueryEnv{repo: newTestRepo(t)}
		q := newTestQuery(t, env)
		q.mu.Lock()
		q.cids = []string{"messaging:a"}
		q.channels["messaging:a"] = types.Channel{CID: "messaging:a", Type: "messaging", ID: "a"}
		q.mu.Unlock()

		q.HandleEvents([]events.Event{
			events.NotificationRemovedFromChannelEvent{
				CIDBase: events.NewCIDBase(events.TypeNotificationRemovedFromChannel, "messaging:a", base),
				User:    types.User{ID: "alice"},
			},
		})
		assert.Empty(t, q.channelsObs.Value(), "expected removal to evict the channel")
	})

	t.Run("new message bumps last message time", func(t *testing.T) {
		env := &testQueryEnv{repo: newTestRepo(t)}
		q := newTestQuery(t, env)
		q.mu.Lock()
		q.cids = []string{"messaging:a"}
		q.channels["messaging:a"] = types.Channel{CID: "messaging:a", Type: "messaging", ID: "a"}
		q.mu.Unlock()

		q.HandleEvents([]events.Event{
			events.NewMessageEvent{
				CIDBase: events.NewCIDBase(events.TypeMessageNew, "messaging:a", base),
				Message: types.Message{ID: "m1", UserID: "bob", CreatedAt: base},
			},
		})

		channels := q.channelsObs.Value()
		require.Len(t, channels, 1)
		require.NotNil(t, channels[0].LastMessageAt, "expected last message time to be set")
		assert.True(t, channels[0].LastMessageAt.Equal(base))
	})
}
