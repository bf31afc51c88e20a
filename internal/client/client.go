// Package client is the remote side of the SDK: the REST operations the
// sync engine calls and the websocket event source it listens to.
package client

import (
	"context"

	"github.com/npezzotti/go-chatkit/internal/types"
)

// QueryChannelsRequest asks the server for a page of channels matching
// a filter, each with up to MessageLimit recent messages.
type QueryChannelsRequest struct {
	Filter       types.FilterObject `json:"filter"`
	Sort         []types.SortOption `json:"sort,omitempty"`
	Offset       int                `json:"offset"`
	Limit        int                `json:"limit"`
	MessageLimit int                `json:"message_limit"`
	Watch        bool               `json:"watch"`
}

// Client is the remote API consumed by the sync engine. Implementations
// return *types.ChatError with ErrCodeNetwork for transport failures so
// the retry policy can classify them.
type Client interface {
	QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]types.Channel, error)
	WatchChannel(ctx context.Context, cid string, messageLimit int) (*types.Channel, error)
	SendMessage(ctx context.Context, message types.Message) (*types.Message, error)
	UpdateMessage(ctx context.Context, message types.Message) (*types.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	SendReaction(ctx context.Context, reaction types.Reaction) error
	DeleteReaction(ctx context.Context, messageID, reactionType string) error
	MarkRead(ctx context.Context, cid string) error
	MarkAllRead(ctx context.Context) error
}
