package types

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus tracks whether an entity's latest local write has been
// confirmed by the server.
type SyncStatus int

const (
	SyncStatusSynced SyncStatus = iota
	SyncStatusSyncNeeded
	SyncStatusInProgress
)

func (s SyncStatus) String() string {
	switch s {
	case SyncStatusSynced:
		return "synced"
	case SyncStatusSyncNeeded:
		return "sync_needed"
	case SyncStatusInProgress:
		return "in_progress"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CID builds a composite channel id in the form "{type}:{id}".
func CID(channelType, channelID string) string {
	return channelType + ":" + channelID
}

// SplitCID splits a composite channel id into its type and id parts.
func SplitCID(cid string) (string, string, error) {
	parts := strings.SplitN(cid, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", NewValidationError(fmt.Sprintf("invalid cid %q, expected format messaging:123", cid))
	}
	return parts[0], parts[1], nil
}

type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Role       string     `json:"role,omitempty"`
	Banned     bool       `json:"banned,omitempty"`
	Muted      bool       `json:"muted,omitempty"`
	Online     bool       `json:"online,omitempty"`
	LastActive *time.Time `json:"last_active,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`
}

type Member struct {
	UserID    string    `json:"user_id"`
	User      User      `json:"user,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ChannelRead records how far a user has read a channel.
type ChannelRead struct {
	UserID         string    `json:"user_id"`
	LastRead       time.Time `json:"last_read"`
	UnreadMessages int       `json:"unread_messages,omitempty"`
}

type Channel struct {
	CID                string                 `json:"cid"`
	Type               string                 `json:"type"`
	ID                 string                 `json:"id"`
	Name               string                 `json:"name,omitempty"`
	CreatedByID        string                 `json:"created_by_id,omitempty"`
	Members            map[string]Member      `json:"members,omitempty"`
	Reads              map[string]ChannelRead `json:"reads,omitempty"`
	Messages           []Message              `json:"messages,omitempty"`
	Config             Config                 `json:"config,omitempty"`
	Hidden             bool                   `json:"hidden,omitempty"`
	HideMessagesBefore *time.Time             `json:"hide_messages_before,omitempty"`
	SyncStatus         SyncStatus             `json:"-"`
	LastMessageAt      *time.Time             `json:"last_message_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at,omitempty"`
	UpdatedAt          time.Time              `json:"updated_at,omitempty"`
	DeletedAt          *time.Time             `json:"deleted_at,omitempty"`
}

// SetMember adds or replaces a member entry. A nil member removes the
// entry, mirroring a member-removed event.
func (c *Channel) SetMember(userID string, member *Member) {
	if c.Members == nil {
		c.Members = make(map[string]Member)
	}
	if member == nil {
		delete(c.Members, userID)
		return
	}
	c.Members[userID] = *member
}

// UpdateRead replaces the read state for the read's user.
func (c *Channel) UpdateRead(read ChannelRead) {
	if c.Reads == nil {
		c.Reads = make(map[string]ChannelRead)
	}
	c.Reads[read.UserID] = read
}

// Users returns every user referenced by the channel: creator, members,
// reads, messages and their reactions.
func (c *Channel) Users() []User {
	var users []User
	if c.CreatedByID != "" {
		users = append(users, User{ID: c.CreatedByID})
	}
	for _, m := range c.Members {
		users = append(users, m.User)
	}
	for _, msg := range c.Messages {
		users = append(users, msg.Users()...)
	}
	return users
}

type Attachment struct {
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	AssetURL string `json:"asset_url,omitempty"`
}

type Message struct {
	ID               string         `json:"id"`
	CID              string         `json:"cid"`
	UserID           string         `json:"user_id"`
	User             User           `json:"user,omitempty"`
	Text             string         `json:"text"`
	ParentID         string         `json:"parent_id,omitempty"`
	Attachments      []Attachment   `json:"attachments,omitempty"`
	ReactionCounts   map[string]int `json:"reaction_counts,omitempty"`
	LatestReactions  []Reaction     `json:"latest_reactions,omitempty"`
	SyncStatus       SyncStatus     `json:"-"`
	CreatedAt        time.Time      `json:"created_at,omitempty"`
	CreatedLocallyAt *time.Time     `json:"-"`
	UpdatedAt        time.Time      `json:"updated_at,omitempty"`
	DeletedAt        *time.Time     `json:"deleted_at,omitempty"`
	// SendCompletedAt is set once the first send succeeded. A sync-needed
	// message with it set is a pending edit, without it a pending send.
	SendCompletedAt *time.Time `json:"-"`
}

// EffectiveCreatedAt is the server timestamp when known, otherwise the
// optimistic local one. Messages sort by this.
func (m *Message) EffectiveCreatedAt() time.Time {
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt
	}
	if m.CreatedLocallyAt != nil {
		return *m.CreatedLocallyAt
	}
	return time.Time{}
}

// Users returns the message author plus every user in the
// latest-reactions sample.
func (m *Message) Users() []User {
	users := []User{m.User}
	if m.User.ID == "" && m.UserID != "" {
		users[0] = User{ID: m.UserID}
	}
	for _, r := range m.LatestReactions {
		if r.UserID != "" {
			users = append(users, User{ID: r.UserID})
		}
	}
	return users
}

// MaxLatestReactions bounds the latest-reactions sample kept per message.
const MaxLatestReactions = 10

// AddReaction records a reaction on the message, incrementing the count
// and keeping a bounded latest-reactions sample. A reaction is
// identified by (UserID, Type); adding one that is already in the
// sample replaces the entry without recounting, so redelivered events
// settle on the same state.
func (m *Message) AddReaction(reaction Reaction) {
	if m.ReactionCounts == nil {
		m.ReactionCounts = make(map[string]int)
	}
	for i, r := range m.LatestReactions {
		if r.UserID == reaction.UserID && r.Type == reaction.Type {
			m.LatestReactions = append(m.LatestReactions[:i], m.LatestReactions[i+1:]...)
			m.LatestReactions = append([]Reaction{reaction}, m.LatestReactions...)
			return
		}
	}
	m.ReactionCounts[reaction.Type]++
	m.LatestReactions = append([]Reaction{reaction}, m.LatestReactions...)
	if len(m.LatestReactions) > MaxLatestReactions {
		m.LatestReactions = m.LatestReactions[:MaxLatestReactions]
	}
}

// RemoveReaction removes a reaction by (userID, type). The count is
// decremented even when the entry has been evicted from the sample; it
// never drops below zero.
func (m *Message) RemoveReaction(reaction Reaction) {
	for i, r := range m.LatestReactions {
		if r.UserID == reaction.UserID && r.Type == reaction.Type {
			m.LatestReactions = append(m.LatestReactions[:i], m.LatestReactions[i+1:]...)
			break
		}
	}
	if m.ReactionCounts == nil {
		return
	}
	if _, ok := m.ReactionCounts[reaction.Type]; !ok {
		return
	}
	m.ReactionCounts[reaction.Type]--
	if m.ReactionCounts[reaction.Type] <= 0 {
		delete(m.ReactionCounts, reaction.Type)
	}
}

// Reaction is identified by (MessageID, UserID, Type).
type Reaction struct {
	MessageID  string     `json:"message_id"`
	UserID     string     `json:"user_id"`
	Type       string     `json:"type"`
	Score      int        `json:"score,omitempty"`
	SyncStatus SyncStatus `json:"-"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	DeletedAt  *time.Time `json:"-"`
}

// Config holds per channel-type feature flags.
type Config struct {
	ChannelType  string `json:"channel_type,omitempty"`
	TypingEvents bool   `json:"typing_events"`
	ReadEvents   bool   `json:"read_events"`
	Mutes        bool   `json:"mutes"`
}

// SyncState is the per-user marker for what has been synced so far.
type SyncState struct {
	UserID       string     `json:"user_id"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// FilterObject is a server-side channel filter expressed as flat
// key/value conditions, e.g. {"type": "messaging"}.
type FilterObject map[string]any

type SortOption struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// QuerySpec persists the result set of one (filter, sort) channel query
// as an ordered list of member cids.
type QuerySpec struct {
	ID     string       `json:"id"`
	Filter FilterObject `json:"filter"`
	Sort   []SortOption `json:"sort,omitempty"`
	CIDs   []string     `json:"cids"`
}
