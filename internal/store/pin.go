package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertPin records a pin. An existing pin is only replaced by a change with
// an equal or newer update time.
func (db *DB) UpsertPin(ctx context.Context, p *Pin) error {
	if err := p.Session.Validate("store.UpsertPin"); err != nil {
		return err
	}
	unlock := db.lockSession(p.Session)
	defer unlock()
	return upsertPin(ctx, db.DB, p)
}

// DeletePin removes the pin of a message. It reports whether a row existed.
func (db *DB) DeletePin(ctx context.Context, key SessionKey, msgUUID string) (bool, error) {
	unlock := db.lockSession(key)
	defer unlock()
	res, err := db.ExecContext(ctx, `DELETE FROM message_pins WHERE session_id = ? AND session_type = ? AND msg_uuid = ?`,
		key.ID, key.Type, msgUUID)
	if err != nil {
		return false, fmt.Errorf("delete pin: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ApplyPinChanges applies a batch of sync deltas for one session atomically.
func (db *DB) ApplyPinChanges(ctx context.Context, key SessionKey, changes []PinChange) error {
	if len(changes) == 0 {
		return nil
	}
	unlock := db.lockSession(key)
	defer unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range changes {
		c := &changes[i]
		c.Pin.Session = key
		if c.Removed {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM message_pins
				WHERE session_id = ? AND session_type = ? AND msg_uuid = ? AND update_time <= ?`,
				key.ID, key.Type, c.Pin.MsgUUID, c.Pin.UpdateTime); err != nil {
				return fmt.Errorf("remove pin in batch: %w", err)
			}
			continue
		}
		if err := upsertPin(ctx, tx, &c.Pin); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pin batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertPin(ctx context.Context, ex execer, p *Pin) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO message_pins (session_id, session_type, msg_uuid, msg_server_id, msg_from, msg_to,
			msg_time, operator, ext, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, session_type, msg_uuid) DO UPDATE SET
			operator    = excluded.operator,
			ext         = excluded.ext,
			update_time = excluded.update_time
		WHERE excluded.update_time >= message_pins.update_time`,
		p.Session.ID, p.Session.Type, p.MsgUUID, p.MsgServerID, p.MsgFrom, p.MsgTo,
		p.MsgTime, p.Operator, p.Ext, p.CreateTime, p.UpdateTime)
	if err != nil {
		return fmt.Errorf("upsert pin: %w", err)
	}
	return nil
}

// GetPin returns the pin of one message, or nil when it is not pinned.
func (db *DB) GetPin(ctx context.Context, key SessionKey, msgUUID string) (*Pin, error) {
	var p Pin
	err := db.QueryRowContext(ctx, `
		SELECT session_id, session_type, msg_uuid, msg_server_id, msg_from, msg_to, msg_time,
			operator, ext, create_time, update_time
		FROM message_pins WHERE session_id = ? AND session_type = ? AND msg_uuid = ?`,
		key.ID, key.Type, msgUUID).
		Scan(&p.Session.ID, &p.Session.Type, &p.MsgUUID, &p.MsgServerID, &p.MsgFrom, &p.MsgTo, &p.MsgTime,
			&p.Operator, &p.Ext, &p.CreateTime, &p.UpdateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pin: %w", err)
	}
	return &p, nil
}

// ListPins returns the pins of a session joined with the pinned messages,
// oldest pin first. Pins whose message is not stored locally have Found=false.
func (db *DB) ListPins(ctx context.Context, key SessionKey) ([]PinView, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT p.session_id, p.session_type, p.msg_uuid, p.msg_server_id, p.msg_from, p.msg_to, p.msg_time,
			p.operator, p.ext, p.create_time, p.update_time,
			m.uuid, m.from_nick, m.content, m.msg_type
		FROM message_pins p
		LEFT JOIN messages m ON m.uuid = p.msg_uuid
		WHERE p.session_id = ? AND p.session_type = ?
		ORDER BY p.create_time ASC, p.msg_uuid ASC`, key.ID, key.Type)
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PinView
	for rows.Next() {
		var (
			v                          PinView
			uuid, nick, content, mtype sql.NullString
		)
		if err := rows.Scan(&v.Session.ID, &v.Session.Type, &v.MsgUUID, &v.MsgServerID, &v.MsgFrom, &v.MsgTo, &v.MsgTime,
			&v.Operator, &v.Ext, &v.CreateTime, &v.UpdateTime,
			&uuid, &nick, &content, &mtype); err != nil {
			return nil, err
		}
		v.Found = uuid.Valid
		v.SenderNick = nick.String
		v.Content = content.String
		v.MsgType = MsgType(mtype.String)
		out = append(out, v)
	}
	return out, rows.Err()
}
