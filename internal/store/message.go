package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/matheus3301/imcore/internal/errs"
)

const messageColumns = `id, uuid, server_id, session_id, session_type, from_account, from_nick,
	msg_type, status, direction, content, attachment, time, ack_count, unack_count,
	revoked, reply_uuid, thread_uuid, remote_ext, local_ext, push_content, push_payload, config`

// QueryDirection selects which side of the anchor a history query reads.
type QueryDirection string

const (
	Older QueryDirection = "old"
	Newer QueryDirection = "new"
)

// MessageQuery bounds a history read for one session.
// Anchor 0 means "now" for Older and "the beginning" for Newer. AnchorUUID,
// when set, excludes the anchor message itself from a tie on time.
type MessageQuery struct {
	Session    SessionKey
	Anchor     int64
	AnchorUUID string
	Direction  QueryDirection
	Limit      int
	Types      []MsgType
}

type messageRow struct {
	attachment, remoteExt, localExt, pushPayload, config string
}

func (m *Message) columns() (messageRow, error) {
	var (
		r   messageRow
		err error
	)
	if r.attachment, err = encodeJSON(m.Attachment); err != nil {
		return r, err
	}
	if r.remoteExt, err = encodeJSON(m.RemoteExt); err != nil {
		return r, err
	}
	if r.localExt, err = encodeJSON(m.LocalExt); err != nil {
		return r, err
	}
	if r.pushPayload, err = encodeJSON(m.PushPayload); err != nil {
		return r, err
	}
	if r.config, err = encodeJSON(m.Config); err != nil {
		return r, err
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m Message
		r messageRow
	)
	if err := s.Scan(&m.ID, &m.UUID, &m.ServerID, &m.Session.ID, &m.Session.Type, &m.FromAccount, &m.FromNick,
		&m.Type, &m.Status, &m.Direction, &m.Content, &r.attachment, &m.Time, &m.AckCount, &m.UnackCount,
		&m.Revoked, &m.ReplyUUID, &m.ThreadUUID, &r.remoteExt, &r.localExt, &m.PushContent, &r.pushPayload, &r.config); err != nil {
		return nil, err
	}
	if r.attachment != "" {
		m.Attachment = &Attachment{}
		if err := decodeJSON(r.attachment, m.Attachment); err != nil {
			return nil, err
		}
	}
	if r.config != "" {
		m.Config = &MessageConfig{}
		if err := decodeJSON(r.config, m.Config); err != nil {
			return nil, err
		}
	}
	if err := decodeJSON(r.remoteExt, &m.RemoteExt); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.localExt, &m.LocalExt); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.pushPayload, &m.PushPayload); err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// InsertMessage appends a new message. A second row with the same uuid is a Conflict.
func (db *DB) InsertMessage(ctx context.Context, m *Message) error {
	if err := m.Session.Validate("store.InsertMessage"); err != nil {
		return err
	}
	if m.UUID == "" {
		return errs.Invalid("store.InsertMessage", "uuid is required")
	}
	cols, err := m.columns()
	if err != nil {
		return err
	}
	unlock := db.lockSession(m.Session)
	defer unlock()

	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (uuid, server_id, session_id, session_type, from_account, from_nick,
			msg_type, status, direction, content, attachment, time, ack_count, unack_count,
			revoked, reply_uuid, thread_uuid, remote_ext, local_ext, push_content, push_payload, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UUID, m.ServerID, m.Session.ID, m.Session.Type, m.FromAccount, m.FromNick,
		m.Type, m.Status, m.Direction, m.Content, cols.attachment, m.Time, m.AckCount, m.UnackCount,
		m.Revoked, m.ReplyUUID, m.ThreadUUID, cols.remoteExt, cols.localExt, m.PushContent, cols.pushPayload, cols.config,
		time.Now().UnixMilli())
	if isUniqueViolation(err) {
		return errs.Conflictf("store.InsertMessage", "message %q already exists", m.UUID)
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// UpsertMessage stores a message received from the remote side, idempotent on uuid.
// It reports whether a new row was created. The server id of an existing row is
// never overwritten once set.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) (bool, error) {
	if err := m.Session.Validate("store.UpsertMessage"); err != nil {
		return false, err
	}
	if m.UUID == "" {
		return false, errs.Invalid("store.UpsertMessage", "uuid is required")
	}
	cols, err := m.columns()
	if err != nil {
		return false, err
	}
	unlock := db.lockSession(m.Session)
	defer unlock()

	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (uuid, server_id, session_id, session_type, from_account, from_nick,
			msg_type, status, direction, content, attachment, time, ack_count, unack_count,
			revoked, reply_uuid, thread_uuid, remote_ext, local_ext, push_content, push_payload, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO NOTHING`,
		m.UUID, m.ServerID, m.Session.ID, m.Session.Type, m.FromAccount, m.FromNick,
		m.Type, m.Status, m.Direction, m.Content, cols.attachment, m.Time, m.AckCount, m.UnackCount,
		m.Revoked, m.ReplyUUID, m.ThreadUUID, cols.remoteExt, cols.localExt, m.PushContent, cols.pushPayload, cols.config,
		time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("upsert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		m.ID, _ = res.LastInsertId()
		return true, nil
	}

	_, err = db.ExecContext(ctx, `
		UPDATE messages SET
			server_id = CASE WHEN server_id = '' THEN ? ELSE server_id END,
			from_nick = ?,
			status = ?,
			content = ?,
			attachment = ?,
			remote_ext = ?,
			revoked = MAX(revoked, ?)
		WHERE uuid = ?`,
		m.ServerID, m.FromNick, m.Status, m.Content, cols.attachment, cols.remoteExt, m.Revoked, m.UUID)
	if err != nil {
		return false, fmt.Errorf("update message: %w", err)
	}
	return false, nil
}

// GetMessage returns the canonical row for uuid.
func (db *DB) GetMessage(ctx context.Context, uuid string) (*Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE uuid = ?`, uuid)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Missing("store.GetMessage", "message %q not found", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// MessagesByUUID returns the rows for the given uuids, ordered by time.
// It fails with NotFound when none of them exist.
func (db *DB) MessagesByUUID(ctx context.Context, uuids []string) ([]Message, error) {
	if len(uuids) == 0 {
		return nil, errs.Invalid("store.MessagesByUUID", "at least one uuid is required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(uuids)), ",")
	args := make([]any, len(uuids))
	for i, u := range uuids {
		args[i] = u
	}
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE uuid IN (`+placeholders+`) ORDER BY time, uuid`, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages by uuid: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errs.Missing("store.MessagesByUUID", "no message matches %v", uuids)
	}
	return msgs, nil
}

// QueryMessages reads a page of history around q.Anchor. Older pages are
// ordered newest first, newer pages oldest first; ties break on uuid.
func (db *DB) QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	if err := q.Session.Validate("store.QueryMessages"); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	var (
		where strings.Builder
		args  = []any{q.Session.ID, q.Session.Type}
		order string
	)
	where.WriteString("session_id = ? AND session_type = ?")

	switch q.Direction {
	case Older, "":
		anchor := q.Anchor
		if anchor <= 0 {
			anchor = math.MaxInt64
		}
		if q.AnchorUUID != "" {
			where.WriteString(" AND (time < ? OR (time = ? AND uuid < ?))")
			args = append(args, anchor, anchor, q.AnchorUUID)
		} else {
			where.WriteString(" AND time < ?")
			args = append(args, anchor)
		}
		order = "time DESC, uuid DESC"
	case Newer:
		if q.AnchorUUID != "" {
			where.WriteString(" AND (time > ? OR (time = ? AND uuid > ?))")
			args = append(args, q.Anchor, q.Anchor, q.AnchorUUID)
		} else {
			where.WriteString(" AND time > ?")
			args = append(args, q.Anchor)
		}
		order = "time ASC, uuid ASC"
	default:
		return nil, errs.Invalid("store.QueryMessages", "unknown direction %q", q.Direction)
	}

	if len(q.Types) > 0 {
		where.WriteString(" AND msg_type IN (" + strings.TrimSuffix(strings.Repeat("?,", len(q.Types)), ",") + ")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	args = append(args, q.Limit)

	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE `+where.String()+` ORDER BY `+order+` LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return collectMessages(rows)
}

// LastMessage returns the newest message of a session.
func (db *DB) LastMessage(ctx context.Context, key SessionKey) (*Message, error) {
	msgs, err := db.QueryMessages(ctx, MessageQuery{Session: key, Direction: Older, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errs.Missing("store.LastMessage", "session %s has no messages", key)
	}
	return &msgs[0], nil
}

// ThreadMessages returns the replies of a thread root, oldest first.
func (db *DB) ThreadMessages(ctx context.Context, threadUUID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE thread_uuid = ? ORDER BY time ASC, uuid ASC LIMIT ?`, threadUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	return collectMessages(rows)
}

// SetStatus moves a message to status without touching other fields.
func (db *DB) SetStatus(ctx context.Context, m *Message, status Status) error {
	unlock := db.lockSession(m.Session)
	defer unlock()
	return db.execOne(ctx, "store.SetStatus", m.UUID,
		`UPDATE messages SET status = ? WHERE uuid = ?`, status, m.UUID)
}

// MarkDelivered records the server-assigned identity of an outbound message.
// A server id, once set, can only be confirmed with the same value.
func (db *DB) MarkDelivered(ctx context.Context, m *Message, serverID string, serverTime int64) error {
	unlock := db.lockSession(m.Session)
	defer unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT server_id FROM messages WHERE uuid = ?`, m.UUID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Missing("store.MarkDelivered", "message %q not found", m.UUID)
	}
	if err != nil {
		return fmt.Errorf("read server id: %w", err)
	}
	if existing != "" && existing != serverID {
		return errs.Conflictf("store.MarkDelivered", "message %q already has server id %q", m.UUID, existing)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET
			server_id = ?,
			status = ?,
			time = CASE WHEN ? > 0 THEN ? ELSE time END
		WHERE uuid = ?`,
		serverID, StatusSent, serverTime, serverTime, m.UUID); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return tx.Commit()
}

// MarkRevoked flags a message as revoked.
func (db *DB) MarkRevoked(ctx context.Context, m *Message) error {
	unlock := db.lockSession(m.Session)
	defer unlock()
	return db.execOne(ctx, "store.MarkRevoked", m.UUID,
		`UPDATE messages SET revoked = 1 WHERE uuid = ?`, m.UUID)
}

// SetAckCounts stores team receipt counters for a message.
func (db *DB) SetAckCounts(ctx context.Context, m *Message, ack, unack int) error {
	unlock := db.lockSession(m.Session)
	defer unlock()
	return db.execOne(ctx, "store.SetAckCounts", m.UUID,
		`UPDATE messages SET ack_count = ?, unack_count = ? WHERE uuid = ?`, ack, unack, m.UUID)
}

// SetLocalExt replaces the local-only extension of a message.
func (db *DB) SetLocalExt(ctx context.Context, m *Message, ext map[string]any) error {
	encoded, err := encodeJSON(ext)
	if err != nil {
		return err
	}
	unlock := db.lockSession(m.Session)
	defer unlock()
	return db.execOne(ctx, "store.SetLocalExt", m.UUID,
		`UPDATE messages SET local_ext = ? WHERE uuid = ?`, encoded, m.UUID)
}

// DeleteMessage removes a message row.
func (db *DB) DeleteMessage(ctx context.Context, m *Message) error {
	unlock := db.lockSession(m.Session)
	defer unlock()
	return db.execOne(ctx, "store.DeleteMessage", m.UUID,
		`DELETE FROM messages WHERE uuid = ?`, m.UUID)
}

// ClearSession removes every message of a session and returns how many went.
func (db *DB) ClearSession(ctx context.Context, key SessionKey) (int64, error) {
	if err := key.Validate("store.ClearSession"); err != nil {
		return 0, err
	}
	unlock := db.lockSession(key)
	defer unlock()
	res, err := db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND session_type = ?`, key.ID, key.Type)
	if err != nil {
		return 0, fmt.Errorf("clear session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func (db *DB) execOne(ctx context.Context, op, uuid, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Missing(op, "message %q not found", uuid)
	}
	return nil
}
