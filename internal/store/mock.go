package store

import (
	"time"

	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) SelectChannel(cid string) (*types.Channel, error) {
	args := m.Called(cid)
	if ch, ok := args.Get(0).(*types.Channel); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) SelectChannels(cids []string) ([]types.Channel, error) {
	args := m.Called(cids)
	return args.Get(0).([]types.Channel), args.Error(1)
}

func (m *MockRepository) SelectChannelsSyncNeeded() ([]types.Channel, error) {
	args := m.Called()
	return args.Get(0).([]types.Channel), args.Error(1)
}

func (m *MockRepository) UpsertChannels(channels []types.Channel) error {
	args := m.Called(channels)
	return args.Error(0)
}

func (m *MockRepository) SelectMessage(id string) (*types.Message, error) {
	args := m.Called(id)
	if msg, ok := args.Get(0).(*types.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) SelectMessages(ids []string) ([]types.Message, error) {
	args := m.Called(ids)
	return args.Get(0).([]types.Message), args.Error(1)
}

func (m *MockRepository) SelectMessagesForChannel(cid string, page MessagePage) ([]types.Message, error) {
	args := m.Called(cid, page)
	return args.Get(0).([]types.Message), args.Error(1)
}

func (m *MockRepository) SelectMessagesSyncNeeded() ([]types.Message, error) {
	args := m.Called()
	return args.Get(0).([]types.Message), args.Error(1)
}

func (m *MockRepository) UpsertMessages(messages []types.Message) error {
	args := m.Called(messages)
	return args.Error(0)
}

func (m *MockRepository) DeleteMessagesBefore(cid string, cutoff time.Time) error {
	args := m.Called(cid, cutoff)
	return args.Error(0)
}

func (m *MockRepository) SelectReaction(messageID, userID, reactionType string) (*types.Reaction, error) {
	args := m.Called(messageID, userID, reactionType)
	if reaction, ok := args.Get(0).(*types.Reaction); ok {
		return reaction, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) SelectReactionsSyncNeeded() ([]types.Reaction, error) {
	args := m.Called()
	return args.Get(0).([]types.Reaction), args.Error(1)
}

func (m *MockRepository) UpsertReactions(reactions []types.Reaction) error {
	args := m.Called(reactions)
	return args.Error(0)
}

func (m *MockRepository) SelectUsers(ids []string) ([]types.User, error) {
	args := m.Called(ids)
	return args.Get(0).([]types.User), args.Error(1)
}

func (m *MockRepository) UpsertUsers(users []types.User) error {
	args := m.Called(users)
	return args.Error(0)
}

func (m *MockRepository) SelectQuery(id string) (*types.QuerySpec, error) {
	args := m.Called(id)
	if query, ok := args.Get(0).(*types.QuerySpec); ok {
		return query, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) UpsertQuery(query types.QuerySpec) error {
	args := m.Called(query)
	return args.Error(0)
}

func (m *MockRepository) SelectConfigs() ([]types.Config, error) {
	args := m.Called()
	return args.Get(0).([]types.Config), args.Error(1)
}

func (m *MockRepository) UpsertConfigs(configs []types.Config) error {
	args := m.Called(configs)
	return args.Error(0)
}

func (m *MockRepository) SelectSyncState(userID string) (*types.SyncState, error) {
	args := m.Called(userID)
	if state, ok := args.Get(0).(*types.SyncState); ok {
		return state, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) UpsertSyncState(state types.SyncState) error {
	args := m.Called(state)
	return args.Error(0)
}

func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
