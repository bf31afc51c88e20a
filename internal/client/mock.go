package client

import (
	"context"

	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]types.Channel, error) {
	args := m.Called(ctx, req)
	if channels, ok := args.Get(0).([]types.Channel); ok {
		return channels, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) WatchChannel(ctx context.Context, cid string, messageLimit int) (*types.Channel, error) {
	args := m.Called(ctx, cid, messageLimit)
	if ch, ok := args.Get(0).(*types.Channel); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) SendMessage(ctx context.Context, message types.Message) (*types.Message, error) {
	args := m.Called(ctx, message)
	if msg, ok := args.Get(0).(*types.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) UpdateMessage(ctx context.Context, message types.Message) (*types.Message, error) {
	args := m.Called(ctx, message)
	if msg, ok := args.Get(0).(*types.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) DeleteMessage(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MockClient) SendReaction(ctx context.Context, reaction types.Reaction) error {
	args := m.Called(ctx, reaction)
	return args.Error(0)
}

func (m *MockClient) DeleteReaction(ctx context.Context, messageID, reactionType string) error {
	args := m.Called(ctx, messageID, reactionType)
	return args.Error(0)
}

func (m *MockClient) MarkRead(ctx context.Context, cid string) error {
	args := m.Called(ctx, cid)
	return args.Error(0)
}

func (m *MockClient) MarkAllRead(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
