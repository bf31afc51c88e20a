package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/pkg/errors"
)

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnySlice(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

const channelColumns = "cid, type, id, name, created_by_id, members, reads, hidden, " +
	"hide_messages_before, sync_status, last_message_at, created_at, updated_at, deleted_at"

func scanChannel(row interface{ Scan(...any) error }) (types.Channel, error) {
	var ch types.Channel
	var members, reads string
	var hideBefore, lastMessageAt, createdAt, updatedAt, deletedAt sql.NullTime

	err := row.Scan(
		&ch.CID,
		&ch.Type,
		&ch.ID,
		&ch.Name,
		&ch.CreatedByID,
		&members,
		&reads,
		&ch.Hidden,
		&hideBefore,
		&ch.SyncStatus,
		&lastMessageAt,
		&createdAt,
		&updatedAt,
		&deletedAt,
	)
	if err != nil {
		return ch, err
	}

	if err := unmarshalJSON(members, &ch.Members); err != nil {
		return ch, errors.Wrap(err, "decode channel members")
	}
	if err := unmarshalJSON(reads, &ch.Reads); err != nil {
		return ch, errors.Wrap(err, "decode channel reads")
	}
	ch.HideMessagesBefore = timePtr(hideBefore)
	ch.LastMessageAt = timePtr(lastMessageAt)
	ch.CreatedAt = createdAt.Time
	ch.UpdatedAt = updatedAt.Time
	ch.DeletedAt = timePtr(deletedAt)

	return ch, nil
}

func (r *SQLiteRepository) SelectChannel(cid string) (*types.Channel, error) {
	row := r.conn.QueryRow(
		"SELECT "+channelColumns+" FROM channels WHERE cid = ? LIMIT 1", cid,
	)

	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *SQLiteRepository) SelectChannels(cids []string) ([]types.Channel, error) {
	if len(cids) == 0 {
		return nil, nil
	}

	rows, err := r.conn.Query(
		"SELECT "+channelColumns+" FROM channels WHERE cid IN ("+placeholders(len(cids))+")",
		toAnySlice(cids)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []types.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

func (r *SQLiteRepository) SelectChannelsSyncNeeded() ([]types.Channel, error) {
	rows, err := r.conn.Query(
		"SELECT "+channelColumns+" FROM channels WHERE sync_status = ?",
		types.SyncStatusSyncNeeded,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []types.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

func (r *SQLiteRepository) UpsertChannels(channels []types.Channel) error {
	if len(channels) == 0 {
		return nil
	}

	tx, err := r.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT INTO channels (" + channelColumns + ") " +
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) " +
			"ON CONFLICT(cid) DO UPDATE SET " +
			"type = excluded.type, id = excluded.id, name = excluded.name, " +
			"created_by_id = excluded.created_by_id, members = excluded.members, " +
			"reads = excluded.reads, hidden = excluded.hidden, " +
			"hide_messages_before = excluded.hide_messages_before, " +
			"sync_status = excluded.sync_status, last_message_at = excluded.last_message_at, " +
			"created_at = excluded.created_at, updated_at = excluded.updated_at, " +
			"deleted_at = excluded.deleted_at",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ch := range channels {
		if ch.CID == "" {
			return types.NewValidationError("channel cid can't be empty")
		}

		members, err := marshalJSON(ch.Members)
		if err != nil {
			return errors.Wrap(err, "encode channel members")
		}
		reads, err := marshalJSON(ch.Reads)
		if err != nil {
			return errors.Wrap(err, "encode channel reads")
		}

		if _, err := stmt.Exec(
			ch.CID,
			ch.Type,
			ch.ID,
			ch.Name,
			ch.CreatedByID,
			members,
			reads,
			ch.Hidden,
			nullTime(ch.HideMessagesBefore),
			ch.SyncStatus,
			nullTime(ch.LastMessageAt),
			nullTime(&ch.CreatedAt),
			nullTime(&ch.UpdatedAt),
			nullTime(ch.DeletedAt),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const messageColumns = "id, cid, user_id, text, parent_id, attachments, reaction_counts, " +
	"latest_reactions, sync_status, created_at, created_locally_at, updated_at, deleted_at, send_completed_at"

func scanMessage(row interface{ Scan(...any) error }) (types.Message, error) {
	var msg types.Message
	var attachments, reactionCounts, latestReactions string
	var createdAt, createdLocallyAt, updatedAt, deletedAt, sendCompletedAt sql.NullTime

	err := row.Scan(
		&msg.ID,
		&msg.CID,
		&msg.UserID,
		&msg.Text,
		&msg.ParentID,
		&attachments,
		&reactionCounts,
		&latestReactions,
		&msg.SyncStatus,
		&createdAt,
		&createdLocallyAt,
		&updatedAt,
		&deletedAt,
		&sendCompletedAt,
	)
	if err != nil {
		return msg, err
	}

	if err := unmarshalJSON(attachments, &msg.Attachments); err != nil {
		return msg, errors.Wrap(err, "decode message attachments")
	}
	if err := unmarshalJSON(reactionCounts, &msg.ReactionCounts); err != nil {
		return msg, errors.Wrap(err, "decode message reaction counts")
	}
	if err := unmarshalJSON(latestReactions, &msg.LatestReactions); err != nil {
		return msg, errors.Wrap(err, "decode message latest reactions")
	}
	msg.CreatedAt = createdAt.Time
	msg.CreatedLocallyAt = timePtr(createdLocallyAt)
	msg.UpdatedAt = updatedAt.Time
	msg.DeletedAt = timePtr(deletedAt)
	msg.SendCompletedAt = timePtr(sendCompletedAt)

	return msg, nil
}

func (r *SQLiteRepository) SelectMessage(id string) (*types.Message, error) {
	row := r.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages WHERE id = ? LIMIT 1", id,
	)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *SQLiteRepository) SelectMessages(ids []string) ([]types.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.conn.Query(
		"SELECT "+messageColumns+" FROM messages WHERE id IN ("+placeholders(len(ids))+")",
		toAnySlice(ids)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

// SelectMessagesForChannel returns messages for one channel ordered by
// effective timestamp ascending, bounded by the page.
func (r *SQLiteRepository) SelectMessagesForChannel(cid string, page MessagePage) ([]types.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE cid = ?"
	args := []any{cid}

	if page.Before != nil {
		query += " AND COALESCE(created_at, created_locally_at) < ?"
		args = append(args, *page.Before)
	}
	if page.After != nil {
		query += " AND COALESCE(created_at, created_locally_at) > ?"
		args = append(args, *page.After)
	}

	query += " ORDER BY COALESCE(created_at, created_locally_at) DESC"
	if page.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, page.Limit)
	}

	rows, err := r.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// newest-first page, oldest-first result
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *SQLiteRepository) SelectMessagesSyncNeeded() ([]types.Message, error) {
	rows, err := r.conn.Query(
		"SELECT "+messageColumns+" FROM messages WHERE sync_status = ?",
		types.SyncStatusSyncNeeded,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]types.Message, error) {
	var messages []types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *SQLiteRepository) UpsertMessages(messages []types.Message) error {
	if len(messages) == 0 {
		return nil
	}

	// validate the full batch before writing anything
	for _, msg := range messages {
		if msg.CID == "" {
			return types.NewValidationError("message cid can't be empty")
		}
	}

	tx, err := r.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT INTO messages (" + messageColumns + ") " +
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) " +
			"ON CONFLICT(id) DO UPDATE SET " +
			"cid = excluded.cid, user_id = excluded.user_id, text = excluded.text, " +
			"parent_id = excluded.parent_id, attachments = excluded.attachments, " +
			"reaction_counts = excluded.reaction_counts, latest_reactions = excluded.latest_reactions, " +
			"sync_status = excluded.sync_status, created_at = excluded.created_at, " +
			"created_locally_at = excluded.created_locally_at, updated_at = excluded.updated_at, " +
			"deleted_at = excluded.deleted_at, send_completed_at = excluded.send_completed_at",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, msg := range messages {
		attachments, err := marshalJSON(msg.Attachments)
		if err != nil {
			return errors.Wrap(err, "encode message attachments")
		}
		reactionCounts, err := marshalJSON(msg.ReactionCounts)
		if err != nil {
			return errors.Wrap(err, "encode message reaction counts")
		}
		latestReactions, err := marshalJSON(msg.LatestReactions)
		if err != nil {
			return errors.Wrap(err, "encode message latest reactions")
		}

		if _, err := stmt.Exec(
			msg.ID,
			msg.CID,
			msg.UserID,
			msg.Text,
			msg.ParentID,
			attachments,
			reactionCounts,
			latestReactions,
			msg.SyncStatus,
			nullTime(&msg.CreatedAt),
			nullTime(msg.CreatedLocallyAt),
			nullTime(&msg.UpdatedAt),
			nullTime(msg.DeletedAt),
			nullTime(msg.SendCompletedAt),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) DeleteMessagesBefore(cid string, cutoff time.Time) error {
	_, err := r.conn.Exec(
		"DELETE FROM messages WHERE cid = ? AND COALESCE(created_at, created_locally_at) < ?",
		cid, cutoff,
	)
	return err
}

const reactionColumns = "message_id, user_id, type, score, sync_status, created_at, deleted_at"

func scanReaction(row interface{ Scan(...any) error }) (types.Reaction, error) {
	var reaction types.Reaction
	var createdAt, deletedAt sql.NullTime

	err := row.Scan(
		&reaction.MessageID,
		&reaction.UserID,
		&reaction.Type,
		&reaction.Score,
		&reaction.SyncStatus,
		&createdAt,
		&deletedAt,
	)
	if err != nil {
		return reaction, err
	}

	reaction.CreatedAt = createdAt.Time
	reaction.DeletedAt = timePtr(deletedAt)

	return reaction, nil
}

func (r *SQLiteRepository) SelectReaction(messageID, userID, reactionType string) (*types.Reaction, error) {
	row := r.conn.QueryRow(
		"SELECT "+reactionColumns+" FROM reactions "+
			"WHERE message_id = ? AND user_id = ? AND type = ? LIMIT 1",
		messageID, userID, reactionType,
	)

	reaction, err := scanReaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reaction, nil
}

func (r *SQLiteRepository) SelectReactionsSyncNeeded() ([]types.Reaction, error) {
	rows, err := r.conn.Query(
		"SELECT "+reactionColumns+" FROM reactions WHERE sync_status = ?",
		types.SyncStatusSyncNeeded,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reactions []types.Reaction
	for rows.Next() {
		reaction, err := scanReaction(rows)
		if err != nil {
			return nil, err
		}
		reactions = append(reactions, reaction)
	}

	return reactions, rows.Err()
}

func (r *SQLiteRepository) UpsertReactions(reactions []types.Reaction) error {
	if len(reactions) == 0 {
		return nil
	}

	tx, err := r.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT INTO reactions (" + reactionColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?) " +
			"ON CONFLICT(message_id, user_id, type) DO UPDATE SET " +
			"score = excluded.score, sync_status = excluded.sync_status, " +
			"created_at = excluded.created_at, deleted_at = excluded.deleted_at",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, reaction := range reactions {
		if reaction.MessageID == "" {
			return types.NewValidationError("reaction message id can't be empty")
		}

		if _, err := stmt.Exec(
			reaction.MessageID,
			reaction.UserID,
			reaction.Type,
			reaction.Score,
			reaction.SyncStatus,
			nullTime(&reaction.CreatedAt),
			nullTime(reaction.DeletedAt),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const userColumns = "id, name, role, banned, muted, online, last_active, created_at, updated_at"

func (r *SQLiteRepository) SelectUsers(ids []string) ([]types.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.conn.Query(
		"SELECT "+userColumns+" FROM users WHERE id IN ("+placeholders(len(ids))+")",
		toAnySlice(ids)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var user types.User
		var lastActive, createdAt, updatedAt sql.NullTime

		if err := rows.Scan(
			&user.ID,
			&user.Name,
			&user.Role,
			&user.Banned,
			&user.Muted,
			&user.Online,
			&lastActive,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}

		user.LastActive = timePtr(lastActive)
		user.CreatedAt = createdAt.Time
		user.UpdatedAt = updatedAt.Time
		users = append(users, user)
	}

	return users, rows.Err()
}

func (r *SQLiteRepository) UpsertUsers(users []types.User) error {
	if len(users) == 0 {
		return nil
	}

	tx, err := r.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT INTO users (" + userColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) " +
			"ON CONFLICT(id) DO UPDATE SET " +
			"name = excluded.name, role = excluded.role, banned = excluded.banned, " +
			"muted = excluded.muted, online = excluded.online, last_active = excluded.last_active, " +
			"created_at = excluded.created_at, updated_at = excluded.updated_at",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, user := range users {
		if user.ID == "" {
			return types.NewValidationError("user id can't be empty")
		}

		if _, err := stmt.Exec(
			user.ID,
			user.Name,
			user.Role,
			user.Banned,
			user.Muted,
			user.Online,
			nullTime(user.LastActive),
			nullTime(&user.CreatedAt),
			nullTime(&user.UpdatedAt),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) SelectQuery(id string) (*types.QuerySpec, error) {
	row := r.conn.QueryRow(
		"SELECT id, filter, sort, cids FROM queries WHERE id = ? LIMIT 1", id,
	)

	var query types.QuerySpec
	var filter, sort, cids string

	err := row.Scan(&query.ID, &filter, &sort, &cids)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(filter, &query.Filter); err != nil {
		return nil, errors.Wrap(err, "decode query filter")
	}
	if err := unmarshalJSON(sort, &query.Sort); err != nil {
		return nil, errors.Wrap(err, "decode query sort")
	}
	if err := unmarshalJSON(cids, &query.CIDs); err != nil {
		return nil, errors.Wrap(err, "decode query cids")
	}

	return &query, nil
}

func (r *SQLiteRepository) UpsertQuery(query types.QuerySpec) error {
	if query.ID == "" {
		return types.NewValidationError("query id can't be empty")
	}

	filter, err := marshalJSON(query.Filter)
	if err != nil {
		return errors.Wrap(err, "encode query filter")
	}
	sort, err := marshalJSON(query.Sort)
	if err != nil {
		return errors.Wrap(err, "encode query sort")
	}
	cids, err := marshalJSON(query.CIDs)
	if err != nil {
		return errors.Wrap(err, "encode query cids")
	}

	_, err = r.conn.Exec(
		"INSERT INTO queries (id, filter, sort, cids) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET "+
			"filter = excluded.filter, sort = excluded.sort, cids = excluded.cids",
		query.ID, filter, sort, cids,
	)
	return err
}

func (r *SQLiteRepository) SelectConfigs() ([]types.Config, error) {
	rows, err := r.conn.Query("SELECT channel_type, typing_events, read_events, mutes FROM configs")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []types.Config
	for rows.Next() {
		var cfg types.Config
		if err := rows.Scan(&cfg.ChannelType, &cfg.TypingEvents, &cfg.ReadEvents, &cfg.Mutes); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func (r *SQLiteRepository) UpsertConfigs(configs []types.Config) error {
	if len(configs) == 0 {
		return nil
	}

	tx, err := r.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT INTO configs (channel_type, typing_events, read_events, mutes) VALUES (?, ?, ?, ?) " +
			"ON CONFLICT(channel_type) DO UPDATE SET " +
			"typing_events = excluded.typing_events, read_events = excluded.read_events, mutes = excluded.mutes",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cfg := range configs {
		if _, err := stmt.Exec(cfg.ChannelType, cfg.TypingEvents, cfg.ReadEvents, cfg.Mutes); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) SelectSyncState(userID string) (*types.SyncState, error) {
	row := r.conn.QueryRow(
		"SELECT user_id, last_synced_at FROM sync_state WHERE user_id = ? LIMIT 1", userID,
	)

	var state types.SyncState
	var lastSyncedAt sql.NullTime

	err := row.Scan(&state.UserID, &lastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state.LastSyncedAt = timePtr(lastSyncedAt)
	return &state, nil
}

func (r *SQLiteRepository) UpsertSyncState(state types.SyncState) error {
	if state.UserID == "" {
		return types.NewValidationError("sync state user id can't be empty")
	}

	_, err := r.conn.Exec(
		"INSERT INTO sync_state (user_id, last_synced_at) VALUES (?, ?) "+
			"ON CONFLICT(user_id) DO UPDATE SET last_synced_at = excluded.last_synced_at",
		state.UserID, nullTime(state.LastSyncedAt),
	)
	return err
}
