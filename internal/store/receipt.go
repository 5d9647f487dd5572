package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AdvanceReadTime raises the local read marker of a session to t.
// It reports whether the marker moved.
func (db *DB) AdvanceReadTime(ctx context.Context, key SessionKey, t int64) (bool, error) {
	return db.advanceReceipt(ctx, key, "read_time", t)
}

// AdvancePeerReadTime raises the marker of what the peer has read.
func (db *DB) AdvancePeerReadTime(ctx context.Context, key SessionKey, t int64) (bool, error) {
	return db.advanceReceipt(ctx, key, "peer_read_time", t)
}

func (db *DB) advanceReceipt(ctx context.Context, key SessionKey, column string, t int64) (bool, error) {
	unlock := db.lockSession(key)
	defer unlock()

	res, err := db.ExecContext(ctx, `
		INSERT INTO receipts (session_id, session_type, `+column+`)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, session_type) DO UPDATE SET
			`+column+` = excluded.`+column+`
		WHERE excluded.`+column+` > receipts.`+column,
		key.ID, key.Type, t)
	if err != nil {
		return false, fmt.Errorf("advance %s: %w", column, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetReceipt returns the read markers of a session; absent rows read as zero.
func (db *DB) GetReceipt(ctx context.Context, key SessionKey) (*Receipt, error) {
	r := Receipt{Session: key}
	err := db.QueryRowContext(ctx, `SELECT read_time, peer_read_time FROM receipts
		WHERE session_id = ? AND session_type = ?`, key.ID, key.Type).Scan(&r.ReadTime, &r.PeerReadTime)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return &r, nil
}
