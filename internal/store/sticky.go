package store

import (
	"context"
	"fmt"
)

// UpsertSticky marks a session as sticky or refreshes its extension.
func (db *DB) UpsertSticky(ctx context.Context, s *Sticky) error {
	if err := s.Session.Validate("store.UpsertSticky"); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sticky_sessions (session_id, session_type, ext, create_time, update_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, session_type) DO UPDATE SET
			ext = excluded.ext,
			update_time = excluded.update_time
		WHERE excluded.update_time >= sticky_sessions.update_time`,
		s.Session.ID, s.Session.Type, s.Ext, s.CreateTime, s.UpdateTime)
	if err != nil {
		return fmt.Errorf("upsert sticky: %w", err)
	}
	return nil
}

// DeleteSticky unmarks a session. It reports whether it was sticky.
func (db *DB) DeleteSticky(ctx context.Context, key SessionKey) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM sticky_sessions WHERE session_id = ? AND session_type = ?`, key.ID, key.Type)
	if err != nil {
		return false, fmt.Errorf("delete sticky: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReplaceSticky swaps the whole sticky set for the given one.
func (db *DB) ReplaceSticky(ctx context.Context, all []Sticky) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sticky_sessions`); err != nil {
		return fmt.Errorf("clear sticky: %w", err)
	}
	for _, s := range all {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sticky_sessions (session_id, session_type, ext, create_time, update_time)
			VALUES (?, ?, ?, ?, ?)`,
			s.Session.ID, s.Session.Type, s.Ext, s.CreateTime, s.UpdateTime); err != nil {
			return fmt.Errorf("insert sticky: %w", err)
		}
	}
	return tx.Commit()
}

// ListSticky returns sticky sessions, most recently updated first.
func (db *DB) ListSticky(ctx context.Context) ([]Sticky, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, session_type, ext, create_time, update_time
		FROM sticky_sessions ORDER BY update_time DESC, session_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sticky: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Sticky
	for rows.Next() {
		var s Sticky
		if err := rows.Scan(&s.Session.ID, &s.Session.Type, &s.Ext, &s.CreateTime, &s.UpdateTime); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
