// Package store is the persistent entity cache backing the sync engine.
// It exclusively owns the persisted rows; controllers hold in-memory
// projections rebuilt from here on restart.
package store

import (
	"time"

	"github.com/npezzotti/go-chatkit/internal/types"
)

// MessagePage bounds a message selection for one channel. Before/After
// filter on the message's effective timestamp (server timestamp, or the
// optimistic local one for unsent messages).
type MessagePage struct {
	Limit  int
	Before *time.Time
	After  *time.Time
}

type Repository interface {
	SelectChannel(cid string) (*types.Channel, error)
	SelectChannels(cids []string) ([]types.Channel, error)
	SelectChannelsSyncNeeded() ([]types.Channel, error)
	UpsertChannels(channels []types.Channel) error

	SelectMessage(id string) (*types.Message, error)
	SelectMessages(ids []string) ([]types.Message, error)
	SelectMessagesForChannel(cid string, page MessagePage) ([]types.Message, error)
	SelectMessagesSyncNeeded() ([]types.Message, error)
	UpsertMessages(messages []types.Message) error
	DeleteMessagesBefore(cid string, cutoff time.Time) error

	SelectReaction(messageID, userID, reactionType string) (*types.Reaction, error)
	SelectReactionsSyncNeeded() ([]types.Reaction, error)
	UpsertReactions(reactions []types.Reaction) error

	SelectUsers(ids []string) ([]types.User, error)
	UpsertUsers(users []types.User) error

	SelectQuery(id string) (*types.QuerySpec, error)
	UpsertQuery(query types.QuerySpec) error

	SelectConfigs() ([]types.Config, error)
	UpsertConfigs(configs []types.Config) error

	SelectSyncState(userID string) (*types.SyncState, error)
	UpsertSyncState(state types.SyncState) error

	Close() error
}
