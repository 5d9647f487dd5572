// Package pin tracks messages pinned in a session and keeps the local copy in
// step with the server through a checkpointed incremental sync.
package pin

import (
	"context"
	"errors"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/cursor"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/metrics"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

// Remote is the server side of pin operations. Mutations return the server
// time of the change.
type Remote interface {
	AddPin(ctx context.Context, m *store.Message, ext string) (int64, error)
	UpdatePin(ctx context.Context, m *store.Message, ext string) (int64, error)
	RemovePin(ctx context.Context, m *store.Message, ext string) (int64, error)
	SyncPins(ctx context.Context, key store.SessionKey, since int64) (transport.PinSync, error)
}

// Tracker owns pin rows and the pin sync cursor.
type Tracker struct {
	db      *store.DB
	remote  Remote
	cursors *cursor.Manager
	bus     *bus.Bus
	account string
	logger  *zap.Logger
}

// NewTracker creates a pin tracker. cursors must be dedicated to the pin feed.
func NewTracker(db *store.DB, remote Remote, cursors *cursor.Manager, b *bus.Bus, account string, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, remote: remote, cursors: cursors, bus: b, account: account, logger: logger}
}

// Add pins a stored message.
func (t *Tracker) Add(ctx context.Context, uuid, ext string) (*store.Pin, error) {
	m, err := t.resolve(ctx, "pin.Add", uuid)
	if err != nil {
		return nil, err
	}
	ts, err := t.remote.AddPin(ctx, m, ext)
	if err != nil {
		t.logger.Error("add pin failed", zap.String("uuid", uuid), zap.Error(err))
		return nil, err
	}

	p := &store.Pin{
		Session:     m.Session,
		MsgUUID:     m.UUID,
		MsgServerID: m.ServerID,
		MsgFrom:     m.FromAccount,
		MsgTo:       t.recipient(m),
		MsgTime:     m.Time,
		Operator:    t.account,
		Ext:         ext,
		CreateTime:  ts,
		UpdateTime:  ts,
	}
	if err := t.db.UpsertPin(context.WithoutCancel(ctx), p); err != nil {
		return nil, err
	}
	t.bus.Emit(bus.PinAdded, *p)
	return p, nil
}

// Update changes the extension of an existing pin.
func (t *Tracker) Update(ctx context.Context, uuid, ext string) (*store.Pin, error) {
	m, err := t.resolve(ctx, "pin.Update", uuid)
	if err != nil {
		return nil, err
	}
	p, err := t.db.GetPin(ctx, m.Session, m.UUID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.Missing("pin.Update", "message %q is not pinned", uuid)
	}
	ts, err := t.remote.UpdatePin(ctx, m, ext)
	if err != nil {
		t.logger.Error("update pin failed", zap.String("uuid", uuid), zap.Error(err))
		return nil, err
	}

	p.Ext = ext
	p.Operator = t.account
	p.UpdateTime = ts
	if err := t.db.UpsertPin(context.WithoutCancel(ctx), p); err != nil {
		return nil, err
	}
	t.bus.Emit(bus.PinUpdated, *p)
	return p, nil
}

// Remove unpins a message and returns the server time of the removal.
func (t *Tracker) Remove(ctx context.Context, uuid, ext string) (int64, error) {
	m, err := t.resolve(ctx, "pin.Remove", uuid)
	if err != nil {
		return 0, err
	}
	ts, err := t.remote.RemovePin(ctx, m, ext)
	if err != nil {
		t.logger.Error("remove pin failed", zap.String("uuid", uuid), zap.Error(err))
		return 0, err
	}
	removed := store.PinChange{Removed: true, Pin: store.Pin{MsgUUID: m.UUID, Operator: t.account, UpdateTime: ts}}
	if err := t.db.ApplyPinChanges(context.WithoutCancel(ctx), m.Session, []store.PinChange{removed}); err != nil {
		return 0, err
	}
	t.bus.Emit(bus.PinRemoved, removed.Pin)
	return ts, nil
}

// QueryForSession syncs pin changes newer than the session's checkpoint, then
// returns every pin of the session joined with its message. The read only
// starts once the sync round has been applied or skipped.
//
// A sync answer older than the checkpoint is logged and ignored for that
// round; the local pins are still returned.
func (t *Tracker) QueryForSession(ctx context.Context, key store.SessionKey) ([]store.PinView, error) {
	if err := key.Validate("pin.QueryForSession"); err != nil {
		return nil, err
	}
	if err := t.sync(ctx, key); err != nil {
		return nil, err
	}
	return t.db.ListPins(ctx, key)
}

func (t *Tracker) sync(ctx context.Context, key store.SessionKey) error {
	lease, err := t.cursors.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer lease.Release()

	since := lease.Since()
	resp, err := t.remote.SyncPins(ctx, key, since)
	if err != nil {
		metrics.RecordPinSync("failed")
		t.logger.Error("pin sync failed", zap.String("session", key.String()), zap.Error(err))
		return err
	}

	latest := resp.Time
	for _, c := range resp.Changes {
		latest = max(latest, c.Pin.UpdateTime)
	}
	if latest == 0 {
		metrics.RecordPinSync("empty")
		return nil
	}
	if latest < since {
		// Advance logs the skew and counts the conflict.
		err := lease.Advance(ctx, latest)
		if errors.Is(err, errs.ErrConflict) {
			metrics.RecordPinSync("skew")
			return nil
		}
		return err
	}

	bg := context.WithoutCancel(ctx)
	if err := t.db.ApplyPinChanges(bg, key, resp.Changes); err != nil {
		metrics.RecordPinSync("failed")
		return err
	}
	if err := lease.Advance(bg, latest); err != nil {
		return err
	}
	metrics.RecordPinSync("ok")
	if len(resp.Changes) > 0 {
		t.logger.Debug("pins synced",
			zap.String("session", key.String()),
			zap.Int("changes", len(resp.Changes)),
			zap.Int64("checkpoint", latest))
	}
	return nil
}

// Checkpoint returns the pin sync cursor of a session.
func (t *Tracker) Checkpoint(ctx context.Context, key store.SessionKey) (int64, error) {
	return t.cursors.Get(ctx, key)
}

// ApplyPush stores a pin change made on another device and re-emits it.
func (t *Tracker) ApplyPush(ctx context.Context, p *transport.PinPush) error {
	if err := p.Pin.Session.Validate("pin.ApplyPush"); err != nil {
		return err
	}
	switch p.Op {
	case transport.OpAdded, transport.OpUpdated:
		if err := t.db.UpsertPin(ctx, &p.Pin); err != nil {
			return err
		}
		kind := bus.PinAdded
		if p.Op == transport.OpUpdated {
			kind = bus.PinUpdated
		}
		t.bus.Emit(kind, p.Pin)
	case transport.OpRemoved:
		change := store.PinChange{Pin: p.Pin, Removed: true}
		if err := t.db.ApplyPinChanges(ctx, p.Pin.Session, []store.PinChange{change}); err != nil {
			return err
		}
		t.bus.Emit(bus.PinRemoved, p.Pin)
	default:
		return errs.Invalid("pin.ApplyPush", "unknown pin op %q", p.Op)
	}
	return nil
}

// resolve loads the canonical row of a message so stale caller copies are
// never sent to the server.
func (t *Tracker) resolve(ctx context.Context, op, uuid string) (*store.Message, error) {
	if uuid == "" {
		return nil, errs.Invalid(op, "uuid is required")
	}
	m, err := t.db.GetMessage(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if m.ServerID == "" {
		return nil, errs.Invalid(op, "message %q has not been delivered", uuid)
	}
	return m, nil
}

func (t *Tracker) recipient(m *store.Message) string {
	if m.Session.Type == store.P2P && m.Direction == store.In {
		return t.account
	}
	return m.Session.ID
}
