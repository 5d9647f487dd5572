package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/imcore/internal/errs"
)

const sessionColumns = `session_id, session_type, last_msg_uuid, last_msg_server_id, last_msg_type,
	last_msg_status, last_msg_content, last_from_account, last_msg_time, unread_count, tag, extension, update_time`

func scanSession(s scanner) (*Session, error) {
	var r Session
	if err := s.Scan(&r.Key.ID, &r.Key.Type, &r.LastMsgUUID, &r.LastMsgServerID, &r.LastMsgType,
		&r.LastMsgStatus, &r.LastContent, &r.LastFrom, &r.LastMsgTime, &r.Unread, &r.Tag, &r.Extension, &r.UpdateTime); err != nil {
		return nil, err
	}
	return &r, nil
}

// ApplyMessage folds m into its session row, creating the row if needed.
// The last-message reference only moves forward in time; unread grows by one
// when countUnread is set and never shrinks here.
func (db *DB) ApplyMessage(ctx context.Context, m *Message, countUnread bool) error {
	if err := m.Session.Validate("store.ApplyMessage"); err != nil {
		return err
	}
	unread := 0
	if countUnread {
		unread = 1
	}
	unlock := db.lockSession(m.Session)
	defer unlock()

	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, session_type, last_msg_uuid, last_msg_server_id, last_msg_type,
			last_msg_status, last_msg_content, last_from_account, last_msg_time, unread_count, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, session_type) DO UPDATE SET
			last_msg_uuid      = CASE WHEN excluded.last_msg_time >= sessions.last_msg_time THEN excluded.last_msg_uuid ELSE sessions.last_msg_uuid END,
			last_msg_server_id = CASE WHEN excluded.last_msg_time >= sessions.last_msg_time THEN excluded.last_msg_server_id ELSE sessions.last_msg_server_id END,
			last_msg_type      = CASE WHEN excluded.last_msg_time >= sessions.last_msg_time THEN excluded.last_msg_type ELSE sessions.last_msg_type END,
			last_msg_status    = CASE WHEN excluded.last_msg_time >= sessions.last_msg_time THEN excluded.last_msg_status ELSE sessions.last_msg_status END,
			last_msg_content   = CASE WHEN excluded.last_msg_time >= sessions.last_msg_time THEN excluded.last_msg_content ELSE sessions.last_msg_content END,
			last_from_account  = CASE WHEN excluded.last_msg_time >= sessions.last_msg_time THEN excluded.last_from_account ELSE sessions.last_from_account END,
			last_msg_time      = MAX(sessions.last_msg_time, excluded.last_msg_time),
			unread_count       = sessions.unread_count + excluded.unread_count,
			update_time        = MAX(sessions.update_time, excluded.update_time)`,
		m.Session.ID, m.Session.Type, m.UUID, m.ServerID, m.Type,
		m.Status, preview(m), m.FromAccount, m.Time, unread, m.Time)
	if err != nil {
		return fmt.Errorf("apply message to session: %w", err)
	}
	return nil
}

// SetLastMessage points a session at m, or clears the reference when m is nil.
// Unread is left alone.
func (db *DB) SetLastMessage(ctx context.Context, key SessionKey, m *Message) error {
	unlock := db.lockSession(key)
	defer unlock()

	var err error
	if m == nil {
		_, err = db.ExecContext(ctx, `
			UPDATE sessions SET last_msg_uuid = '', last_msg_server_id = '', last_msg_type = '',
				last_msg_status = '', last_msg_content = '', last_from_account = '', last_msg_time = 0
			WHERE session_id = ? AND session_type = ?`, key.ID, key.Type)
	} else {
		_, err = db.ExecContext(ctx, `
			UPDATE sessions SET last_msg_uuid = ?, last_msg_server_id = ?, last_msg_type = ?,
				last_msg_status = ?, last_msg_content = ?, last_from_account = ?, last_msg_time = ?,
				update_time = MAX(update_time, ?)
			WHERE session_id = ? AND session_type = ?`,
			m.UUID, m.ServerID, m.Type, m.Status, preview(m), m.FromAccount, m.Time, m.Time, key.ID, key.Type)
	}
	if err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	return nil
}

// CreateSession inserts an empty session row. It reports false when the row
// already existed, in which case nothing is changed.
func (db *DB) CreateSession(ctx context.Context, s *Session) (bool, error) {
	if err := s.Key.Validate("store.CreateSession"); err != nil {
		return false, err
	}
	unlock := db.lockSession(s.Key)
	defer unlock()

	res, err := db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, session_type, tag, extension, update_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, session_type) DO NOTHING`,
		s.Key.ID, s.Key.Type, s.Tag, s.Extension, s.UpdateTime)
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetSession returns a single session.
func (db *DB) GetSession(ctx context.Context, key SessionKey) (*Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE session_id = ? AND session_type = ?`, key.ID, key.Type)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Missing("store.GetSession", "session %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions by update time, newest first. Sessions whose
// last message has one of the excluded types are skipped.
func (db *DB) ListSessions(ctx context.Context, limit int, exclude []MsgType) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if len(exclude) > 0 {
		q += ` WHERE last_msg_type NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(exclude)), ",") + `)`
		for _, t := range exclude {
			args = append(args, t)
		}
	}
	q += ` ORDER BY update_time DESC, session_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ClearUnread resets the unread count of one session.
func (db *DB) ClearUnread(ctx context.Context, key SessionKey) error {
	unlock := db.lockSession(key)
	defer unlock()
	return db.execSession(ctx, "store.ClearUnread", key,
		`UPDATE sessions SET unread_count = 0 WHERE session_id = ? AND session_type = ?`, key.ID, key.Type)
}

// UpdateSession replaces the tag and extension of a session.
func (db *DB) UpdateSession(ctx context.Context, key SessionKey, tag int64, ext string) error {
	unlock := db.lockSession(key)
	defer unlock()
	return db.execSession(ctx, "store.UpdateSession", key,
		`UPDATE sessions SET tag = ?, extension = ? WHERE session_id = ? AND session_type = ?`, tag, ext, key.ID, key.Type)
}

// DeleteSession removes a session row. Messages are kept.
func (db *DB) DeleteSession(ctx context.Context, key SessionKey) error {
	unlock := db.lockSession(key)
	defer unlock()
	return db.execSession(ctx, "store.DeleteSession", key,
		`DELETE FROM sessions WHERE session_id = ? AND session_type = ?`, key.ID, key.Type)
}

// TotalUnread sums unread counts across sessions matching filter.
func (db *DB) TotalUnread(ctx context.Context, filter UnreadFilter) (int, error) {
	q := `SELECT COALESCE(SUM(unread_count), 0) FROM sessions`
	switch filter {
	case UnreadNotifyOnly:
		q += ` WHERE (tag & 1) = 0`
	case UnreadMutedOnly:
		q += ` WHERE (tag & 1) = 1`
	}
	var n int
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("total unread: %w", err)
	}
	return n, nil
}

// SessionCount returns the number of session rows.
func (db *DB) SessionCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

func (db *DB) execSession(ctx context.Context, op string, key SessionKey, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Missing(op, "session %s not found", key)
	}
	return nil
}

func preview(m *Message) string {
	const maxLen = 100
	s := m.Content
	if s == "" && m.Attachment != nil {
		s = "[" + string(m.Type) + "]"
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}
