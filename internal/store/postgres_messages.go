package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"roamlist/api/internal/apperr"
)

func (t *postgresTx) CreateGroup(ctx context.Context, group Group) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO groups (id, list_id, last_message_id, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
	`, group.ID, group.ListID, group.LastMessageID, group.CreatedAt)
	if pgCode(err) == sqlStateUniqueViolated {
		return apperr.Conflict("group for list %s already exists", group.ListID)
	}
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	for _, userID := range lo.Union(group.Members, group.Admins) {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, user_id, is_admin)
			VALUES ($1, $2, $3)
		`, group.ID, userID, lo.Contains(group.Admins, userID))
		if pgCode(err) == sqlStateFKViolated {
			return apperr.NotFound("user %s not found", userID)
		}
		if err != nil {
			return fmt.Errorf("insert group member: %w", err)
		}
	}
	return nil
}

func (t *postgresTx) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var group Group
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, list_id, COALESCE(last_message_id, ''), created_at
		FROM groups
		WHERE id=$1
	`, groupID).Scan(&group.ID, &group.ListID, &group.LastMessageID, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, apperr.NotFound("group %s not found", groupID)
	}
	if err != nil {
		return Group{}, fmt.Errorf("get group: %w", err)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT user_id, is_admin
		FROM group_members
		WHERE group_id=$1
		ORDER BY joined_at, user_id
	`, groupID)
	if err != nil {
		return Group{}, fmt.Errorf("get group members: %w", err)
	}
	defer rows.Close()

	group.Members = make([]string, 0)
	group.Admins = make([]string, 0)
	for rows.Next() {
		var userID string
		var isAdmin bool
		if err := rows.Scan(&userID, &isAdmin); err != nil {
			return Group{}, fmt.Errorf("scan group member: %w", err)
		}
		group.Members = append(group.Members, userID)
		if isAdmin {
			group.Admins = append(group.Admins, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return Group{}, fmt.Errorf("iterate group members: %w", err)
	}
	return group, nil
}

func (t *postgresTx) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, groupID, userID)
	if pgCode(err) == sqlStateFKViolated {
		return apperr.NotFound("group %s or user %s not found", groupID, userID)
	}
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (t *postgresTx) SetGroupLastMessage(ctx context.Context, groupID, messageID string) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE groups SET last_message_id=$2 WHERE id=$1`, groupID, messageID)
	if err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	return requireAffected(result, "group %s not found", groupID)
}

const messageColumns = `seq, id, group_id, author_id, COALESCE(client_id, ''), text, audio_url, image_url,
	video_url, file_url, file_name, COALESCE(reply_to, ''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	err := row.Scan(
		&msg.Seq,
		&msg.ID,
		&msg.GroupID,
		&msg.AuthorID,
		&msg.ClientID,
		&msg.Body.Text,
		&msg.Body.AudioURL,
		&msg.Body.ImageURL,
		&msg.Body.VideoURL,
		&msg.Body.FileURL,
		&msg.Body.FileName,
		&msg.ReplyTo,
		&msg.CreatedAt,
	)
	return msg, err
}

func (t *postgresTx) InsertMessage(ctx context.Context, msg Message) (Message, bool, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, group_id, author_id, client_id, text, audio_url, image_url, video_url, file_url, file_name, reply_to, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
		ON CONFLICT (group_id, client_id) DO NOTHING
		RETURNING seq
	`, msg.ID, msg.GroupID, msg.AuthorID, msg.ClientID, msg.Body.Text, msg.Body.AudioURL, msg.Body.ImageURL,
		msg.Body.VideoURL, msg.Body.FileURL, msg.Body.FileName, msg.ReplyTo, msg.CreatedAt).Scan(&msg.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := scanMessage(t.tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE group_id=$1 AND client_id=$2`, msg.GroupID, msg.ClientID))
		if err != nil {
			return Message{}, false, fmt.Errorf("load message by client id: %w", err)
		}
		if err := t.hydrateReads(ctx, []*Message{&existing}); err != nil {
			return Message{}, false, err
		}
		return existing, false, nil
	}
	if pgCode(err) == sqlStateFKViolated {
		return Message{}, false, apperr.NotFound("group %s not found", msg.GroupID)
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	for _, userID := range msg.ReadBy {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO message_reads (message_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (message_id, user_id) DO NOTHING
		`, msg.ID, userID); err != nil {
			return Message{}, false, fmt.Errorf("insert message read: %w", err)
		}
	}
	return msg, true, nil
}

func (t *postgresTx) GetMessage(ctx context.Context, messageID string) (Message, error) {
	msg, err := scanMessage(t.tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, apperr.NotFound("message %s not found", messageID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if err := t.hydrateReads(ctx, []*Message{&msg}); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (t *postgresTx) ListMessages(ctx context.Context, groupID string, beforeSeq int64, limit int) ([]Message, error) {
	return t.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE group_id=$1 AND ($2::bigint = 0 OR seq < $2::bigint)
		ORDER BY seq DESC
		LIMIT $3
	`, groupID, beforeSeq, limit)
}

func (t *postgresTx) SearchMessages(ctx context.Context, groupID, query string, limit int) ([]Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	return t.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE group_id=$1 AND text ILIKE '%' || $2 || '%'
		ORDER BY seq DESC
		LIMIT $3
	`, groupID, escaped, limit)
}

func (t *postgresTx) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	ptrs := make([]*Message, len(items))
	for i := range items {
		ptrs[i] = &items[i]
	}
	if err := t.hydrateReads(ctx, ptrs); err != nil {
		return nil, err
	}
	return items, nil
}

func (t *postgresTx) hydrateReads(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		msg.ReadBy = make([]string, 0)
		byID[msg.ID] = msg
		ids = append(ids, msg.ID)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT message_id, user_id
		FROM message_reads
		WHERE message_id = ANY($1)
		ORDER BY read_at, user_id
	`, ids)
	if err != nil {
		return fmt.Errorf("load message reads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return fmt.Errorf("scan message read: %w", err)
		}
		if msg, ok := byID[messageID]; ok {
			msg.ReadBy = append(msg.ReadBy, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate message reads: %w", err)
	}
	return nil
}

func (t *postgresTx) MarkRead(ctx context.Context, groupID, userID string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	changed, err := t.queryStrings(ctx, `
		INSERT INTO message_reads (message_id, user_id)
		SELECT id, $2
		FROM messages
		WHERE group_id=$1 AND id = ANY($3)
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id
	`, groupID, userID, lo.Uniq(messageIDs))
	if pgCode(err) == sqlStateFKViolated {
		return nil, apperr.NotFound("user %s not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return changed, nil
}
