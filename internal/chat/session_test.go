package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-chatkit/internal/client"
	"github.com/npezzotti/go-chatkit/internal/config"
	"github.com/npezzotti/go-chatkit/internal/events"
	"github.com/npezzotti/go-chatkit/internal/stats"
	"github.com/npezzotti/go-chatkit/internal/store"
	"github.com/npezzotti/go-chatkit/internal/testutil"
	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testSessionEnv struct {
	client *client.MockClient
	repo   *store.SQLiteRepository
}

func newTestSession(t *testing.T, env *testSessionEnv) *Session {
	t.Helper()
	if env.client == nil {
		env.client = &client.MockClient{}
	}
	if env.repo == nil {
		env.repo = newTestRepo(t)
	}

	cfg := config.Config{UserID: "alice", RecoveryEnabled: true}
	s := NewSession(cfg, env.client, nil, env.repo, stats.NopStats{}, testutil.TestLogger(t))
	s.retry = immediateRetryPolicy{maxAttempts: 3}
	return s
}

func Test_queryID(t *testing.T) {
	filter := types.FilterObject{"type": "messaging"}
	sort := []types.SortOption{{Field: "last_message_at", Direction: -1}}

	assert.Equal(t, queryID(filter, sort), queryID(filter, sort), "expected stable id for the same query")
	assert.NotEqual(t, queryID(filter, sort), queryID(types.FilterObject{"type": "livestream"}, sort),
		"expected different filters to map to different ids")
}

func Test_Session_Channel(t *testing.T) {
	s := newTestSession(t, &testSessionEnv{})

	first, err := s.Channel("messaging:general")
	require.NoError(t, err)
	second, err := s.Channel("messaging:general")
	require.NoError(t, err)
	assert.Same(t, first, second, "expected one controller per cid")

	_, err = s.Channel("bad-cid")
	assert.True(t, types.HasCode(err, types.ErrCodeValidation), "expected validation error for malformed cid")
}

func Test_Session_QueryChannels(t *testing.T) {
	s := newTestSession(t, &testSessionEnv{})

	filter := types.FilterObject{"type": "messaging"}
	first := s.QueryChannels(filter, nil)
	second := s.QueryChannels(filter, nil)
	assert.Same(t, first, second, "expected one controller per query")

	other := s.QueryChannels(types.FilterObject{"type": "livestream"}, nil)
	assert.NotSame(t, first, other, "expected distinct controllers for distinct filters")
}

func Test_generateMessageID(t *testing.T) {
	s := newTestSession(t, &testSessionEnv{})

	id := s.generateMessageID()
	assert.True(t, strings.HasPrefix(id, "alice-"), "expected message id to be prefixed with the user id")
	assert.NotEqual(t, id, s.generateMessageID(), "expected unique ids")
}

func Test_handleConnected(t *testing.T) {
	env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
	s := newTestSession(t, env)

	total := 4
	s.handleConnected(context.Background(), events.ConnectedEvent{
		Base:         events.NewBase(events.TypeConnected, time.Now()),
		UnreadCounts: events.UnreadCounts{TotalUnreadCount: &total},
		Me:           types.User{ID: "alice", Name: "Alice"},
	})

	assert.True(t, s.online.Value(), "expected session to be online")
	assert.True(t, s.initialized.Value(), "expected session to be initialized")
	assert.Equal(t, "Alice", s.userObs.Value().Name, "expected current user from connect payload")
	assert.Equal(t, 4, s.totalUnread.Value(), "expected unread count from connect payload")

	state, err := env.repo.SelectSyncState("alice")
	require.NoError(t, err)
	require.NotNil(t, state, "expected sync state to be recorded")
	assert.NotNil(t, state.LastSyncedAt)
}

func Test_handleDisconnected(t *testing.T) {
	env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
	s := newTestSession(t, env)
	s.setOnline(true)

	ch, err := s.Channel("messaging:general")
	require.NoError(t, err)
	ch.mu.Lock()
	ch.watching = true
	ch.mu.Unlock()

	q := s.QueryChannels(types.FilterObject{"type": "messaging"}, nil)

	s.handleDisconnected()

	assert.False(t, s.online.Value(), "expected session to go offline")
	assert.True(t, ch.needsRecovery(), "expected watched channel to queue recovery")
	assert.True(t, q.needsRecovery(), "expected query to queue recovery")
}

func Test_connectionRecovered_queryCap(t *testing.T) {
	env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
	env.client.On("QueryChannels", mock.Anything, mock.Anything).Return([]types.Channel{}, nil)

	s := newTestSession(t, env)
	s.setOnline(true)
	queries := make([]*QueryController, 0, 4)
	for _, channelType := range []string{"a", "b", "c", "d"} {
		q := s.QueryChannels(types.FilterObject{"type": channelType}, nil)
		q.onDisconnect()
		queries = append(queries, q)
	}

	require.NoError(t, s.connectionRecovered(context.Background(), false))

	env.client.AssertNumberOfCalls(t, "QueryChannels", maxRecoveredQueries)
	stillFlagged := 0
	for _, q := range queries {
		if q.needsRecovery() {
			stillFlagged++
		}
	}
	assert.Equal(t, 1, stillFlagged, "expected the query over the cap to stay flagged for the next sweep")
}

func Test_connectionRecovered_selective(t *testing.T) {
	env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
	env.client.On("QueryChannels", mock.Anything, mock.Anything).Return([]types.Channel{}, nil)

	s := newTestSession(t, env)
	s.setOnline(true)
	stale := s.QueryChannels(types.FilterObject{"type": "stale"}, nil)
	stale.onDisconnect()
	s.QueryChannels(types.FilterObject{"type": "fresh"}, nil)

	require.NoError(t, s.connectionRecovered(context.Background(), false))

	env.client.AssertNumberOfCalls(t, "QueryChannels", 1)
	assert.False(t, stale.needsRecovery(), "expected recovered query to be cleared")
}

func Test_connectionRecovered_rewatchesChannels(t *testing.T) {
	env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
	server := types.Channel{CID: "messaging:general", Type: "messaging", ID: "general"}
	env.client.On("QueryChannels", mock.Anything, mock.MatchedBy(func(req client.QueryChannelsRequest) bool {
		return req.Watch
	})).Return([]types.Channel{server}, nil)

	s := newTestSession(t, env)
	s.setOnline(true)
	ch, err := s.Channel("messaging:general")
	require.NoError(t, err)
	ch.mu.Lock()
	ch.watching = true
	ch.mu.Unlock()
	ch.onDisconnect()

	require.NoError(t, s.connectionRecovered(context.Background(), false))

	assert.False(t, ch.needsRecovery(), "expected channel to be recovered")
	ch.mu.Lock()
	watching := ch.watching
	ch.mu.Unlock()
	assert.True(t, watching, "expected channel to be watching again")
}

func Test_retryFailedEntities(t *testing.T) {
	env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
	now := time.Now()
	deletedAt := now.Add(-time.Minute)
	completedAt := now.Add(-time.Hour)

	require.NoError(t, env.repo.UpsertChannels([]types.Channel{
		{CID: "messaging:pending", Type: "messaging", ID: "pending", SyncStatus: types.SyncStatusSyncNeeded},
	}))
	require.NoError(t, env.repo.UpsertMessages([]types.Message{
		{ID: "del", CID: "messaging:pending", UserID: "alice", DeletedAt: &deletedAt, SyncStatus: types.SyncStatusSyncNeeded},
		{ID: "edit", CID: "messaging:pending", UserID: "alice", Text: "edited", CreatedAt: completedAt, SendCompletedAt: &completedAt, SyncStatus: types.SyncStatusSyncNeeded},
		{ID: "send", CID: "messaging:pending", UserID: "alice", Text: "queued", CreatedLocallyAt: &now, SyncStatus: types.SyncStatusSyncNeeded},
	}))
	require.NoError(t, env.repo.UpsertReactions([]types.Reaction{
		{MessageID: "edit", UserID: "alice", Type: "like", SyncStatus: types.SyncStatusSyncNeeded, CreatedAt: now},
		{MessageID: "edit", UserID: "alice", Type: "sad", DeletedAt: &deletedAt, SyncStatus: types.SyncStatusSyncNeeded, CreatedAt: now},
	}))

	watched := &types.Channel{CID: "messaging:pending", Type: "messaging", ID: "pending"}
	sent := &types.Message{ID: "send", UserID: "alice", Text: "queued", CreatedAt: now}
	edited := &types.Message{ID: "edit", UserID: "alice", Text: "edited", CreatedAt: completedAt}
	env.client.On("WatchChannel", mock.Anything, "messaging:pending", defaultMessageLimit).Return(watched, nil)
	env.client.On("DeleteMessage", mock.Anything, "del").Return(nil)
	env.client.On("UpdateMessage", mock.Anything, mock.MatchedBy(func(msg types.Message) bool {
		return msg.ID == "edit"
	})).Return(edited, nil)
	env.client.On("SendMessage", mock.Anything, mock.MatchedBy(func(msg types.Message) bool {
		return msg.ID == "send"
	})).Return(sent, nil)
	env.client.On("SendReaction", mock.Anything, mock.MatchedBy(func(r types.Reaction) bool {
		return r.Type == "like"
	})).Return(nil)
	env.client.On("DeleteReaction", mock.Anything, "edit", "sad").Return(nil)

	s := newTestSession(t, env)
	require.NoError(t, s.retryFailedEntities(context.Background()))

	channels, err := env.repo.SelectChannelsSyncNeeded()
	require.NoError(t, err)
	assert.Empty(t, channels, "expected no channels left to sync")

	messages, err := env.repo.SelectMessagesSyncNeeded()
	require.NoError(t, err)
	assert.Empty(t, messages, "expected no messages left to sync")

	reactions, err := env.repo.SelectReactionsSyncNeeded()
	require.NoError(t, err)
	assert.Empty(t, reactions, "expected no reactions left to sync")

	env.client.AssertExpectations(t)
}

func Test_retryFailedEntities_isolatesFailures(t *testing.T) {
	env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
	now := time.Now()

	require.NoError(t, env.repo.UpsertMessages([]types.Message{
		{ID: "fails", CID: "messaging:general", UserID: "alice", Text: "first", CreatedLocallyAt: &now, SyncStatus: types.SyncStatusSyncNeeded},
		{ID: "sends", CID: "messaging:general", UserID: "alice", Text: "second", CreatedLocallyAt: &now, SyncStatus: types.SyncStatusSyncNeeded},
	}))

	sent := &types.Message{ID: "sends", UserID: "alice", Text: "second", CreatedAt: now}
	env.client.On("SendMessage", mock.Anything, mock.MatchedBy(func(msg types.Message) bool {
		return msg.ID == "fails"
	})).Return(nil, types.NewNetworkError("unreachable", nil))
	env.client.On("SendMessage", mock.Anything, mock.MatchedBy(func(msg types.Message) bool {
		return msg.ID == "sends"
	})).Return(sent, nil)

	s := newTestSession(t, env)
	require.NoError(t, s.retryFailedEntities(context.Background()), "expected one failure not to abort the sweep")

	messages, err := env.repo.SelectMessagesSyncNeeded()
	require.NoError(t, err)
	require.Len(t, messages, 1, "expected only the failed message to remain queued")
	assert.Equal(t, "fails", messages[0].ID)
}

func Test_unreadSetters_dedup(t *testing.T) {
	s := newTestSession(t, &testSessionEnv{})

	updates, cancel := s.TotalUnreadCount()
	defer cancel()
	assert.Equal(t, 0, <-updates, "expected initial value on subscribe")

	s.setTotalUnread(5)
	assert.Equal(t, 5, <-updates)

	s.setTotalUnread(5)
	select {
	case v := <-updates:
		t.Errorf("expected no update for unchanged count, got %d", v)
	default:
	}
}

func Test_MarkAllRead_offline(t *testing.T) {
	s := newTestSession(t, &testSessionEnv{})

	err := s.MarkAllRead(context.Background())
	assert.True(t, types.HasCode(err, types.ErrCodeNetwork), "expected offline mark all read to fail fast")
}

func Test_CreateChannel(t *testing.T) {
	t.Run("empty type is rejected", func(t *testing.T) {
		s := newTestSession(t, &testSessionEnv{})
		_, err := s.CreateChannel(context.Background(), "", "general", "General")
		assert.True(t, types.HasCode(err, types.ErrCodeValidation))
	})

	t.Run("offline create queues the channel", func(t *testing.T) {
		env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
		s := newTestSession(t, env)

		ch, err := s.CreateChannel(context.Background(), "messaging", "general", "General")
		require.NoError(t, err)
		assert.Equal(t, "messaging:general", ch.CID())

		pending, err := env.repo.SelectChannelsSyncNeeded()
		require.NoError(t, err)
		require.Len(t, pending, 1, "expected channel in the retry queue")
		assert.Equal(t, "General", pending[0].Name)
		env.client.AssertNotCalled(t, "WatchChannel", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("generates an id when missing", func(t *testing.T) {
		env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
		s := newTestSession(t, env)

		ch, err := s.CreateChannel(context.Background(), "messaging", "", "Ad hoc")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ch.CID(), "messaging:"), "expected generated cid under the channel type")
		assert.NotEqual(t, "messaging:", ch.CID(), "expected a non-empty generated id")
	})
}

func Test_HandleEvents_fanOut(t *testing.T) {
	env := &testSessionEnv{repo: newTestRepo(t), client: &client.MockClient{}}
	s := newTestSession(t, env)
	seedChannel(t, env.repo, "messaging:general")

	ch, err := s.Channel("messaging:general")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.HandleEvents(context.Background(), []events.Event{
		events.NewMessageEvent{
			CIDBase: events.NewCIDBase(events.TypeMessageNew, "messaging:general", base),
			Message: types.Message{ID: "m1", UserID: "bob", Text: "hello", CreatedAt: base},
		},
	})

	stored, err := env.repo.SelectMessage("m1")
	require.NoError(t, err)
	assert.NotNil(t, stored, "expected batch to be reconciled into the cache")

	msgs := ch.messagesObs.Value()
	require.Len(t, msgs, 1, "expected batch to reach the channel controller")
	assert.Equal(t, "hello", msgs[0].Text)
}

func Test_configLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.UpsertConfigs([]types.Config{
		{ChannelType: "messaging", TypingEvents: true, ReadEvents: true},
	}))

	s := newTestSession(t, &testSessionEnv{repo: repo})

	cfg, ok := s.configFor("messaging")
	require.True(t, ok, "expected cached configs to load at session start")
	assert.True(t, cfg.ReadEvents)

	t.Run("cache-loaded channels resolve their type's config", func(t *testing.T) {
		seedChannel(t, repo, "messaging:general")
		ch, err := s.Channel("messaging:general")
		require.NoError(t, err)
		require.NoError(t, ch.Watch(context.Background()))

		ch.mu.Lock()
		readEvents := ch.channel.Config.ReadEvents
		ch.mu.Unlock()
		assert.True(t, readEvents, "expected the config to survive a restart via the configs table")
	})

	t.Run("saveConfigs persists and refreshes the map", func(t *testing.T) {
		s.saveConfigs([]types.Config{{ChannelType: "livestream", TypingEvents: true}})

		cfg, ok := s.configFor("livestream")
		require.True(t, ok)
		assert.True(t, cfg.TypingEvents)

		stored, err := repo.SelectConfigs()
		require.NoError(t, err)
		assert.Len(t, stored, 2, "expected the new config to be persisted")
	})
}

func Test_HandleEvents_abortsOnReconcileFailure(t *testing.T) {
	repo := &store.MockRepository{}
	repo.On("SelectConfigs").Return([]types.Config(nil), nil)
	repo.On("SelectChannels", mock.Anything).Return([]types.Channel(nil), assert.AnError)

	cfg := config.Config{UserID: "alice", RecoveryEnabled: true}
	s := NewSession(cfg, &client.MockClient{}, nil, repo, stats.NopStats{}, testutil.TestLogger(t))

	ch, err := s.Channel("messaging:general")
	require.NoError(t, err)
	t.Cleanup(ch.stop)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.HandleEvents(context.Background(), []events.Event{
		events.NewMessageEvent{
			CIDBase: events.NewCIDBase(events.TypeMessageNew, "messaging:general", base),
			Message: types.Message{ID: "m1", UserID: "bob", Text: "hello", CreatedAt: base},
		},
	})

	assert.Empty(t, ch.messagesObs.Value(), "expected the unreconciled batch not to reach controllers")
	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, assert.AnError)
	default:
		t.Fatal("expected the reconcile failure on the error stream")
	}
}
