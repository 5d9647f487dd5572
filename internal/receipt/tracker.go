// Package receipt sends and records read receipts. Peer-to-peer sessions
// carry a single read marker per side; team messages carry ack counters the
// server owns.
package receipt

import (
	"context"
	"errors"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

// Remote is the server side of receipts.
type Remote interface {
	SendReceipt(ctx context.Context, key store.SessionKey, m *store.Message) error
	SendTeamReceipt(ctx context.Context, m *store.Message) error
	FetchTeamReceiptDetail(ctx context.Context, m *store.Message, accounts []string) (transport.TeamAckInfo, error)
}

// Tracker sends receipts and applies the ones pushed to us.
type Tracker struct {
	db     *store.DB
	remote Remote
	bus    *bus.Bus
	logger *zap.Logger
}

// NewTracker creates a receipt tracker.
func NewTracker(db *store.DB, remote Remote, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, remote: remote, bus: b, logger: logger}
}

// SendReceipt marks a peer-to-peer session read up to the time of message uuid.
// Receipts at or behind the current marker are not re-sent.
func (t *Tracker) SendReceipt(ctx context.Context, key store.SessionKey, uuid string) (*store.Receipt, error) {
	const op = "receipt.SendReceipt"
	if err := key.Validate(op); err != nil {
		return nil, err
	}
	if key.Type != store.P2P {
		return nil, errs.Invalid(op, "read receipts apply to p2p sessions, got %s", key.Type)
	}
	m, err := t.resolve(ctx, op, uuid)
	if err != nil {
		return nil, err
	}
	if m.Session != key {
		return nil, errs.Invalid(op, "message %q belongs to %s", uuid, m.Session)
	}

	current, err := t.db.GetReceipt(ctx, key)
	if err != nil {
		return nil, err
	}
	if m.Time <= current.ReadTime {
		return current, nil
	}

	if err := t.remote.SendReceipt(ctx, key, m); err != nil {
		t.logger.Error("send receipt failed", zap.String("session", key.String()), zap.Error(err))
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	if _, err := t.db.AdvanceReadTime(bg, key, m.Time); err != nil {
		return nil, err
	}
	return t.db.GetReceipt(bg, key)
}

// SendTeamReceipt acknowledges one team message.
func (t *Tracker) SendTeamReceipt(ctx context.Context, uuid string) error {
	const op = "receipt.SendTeamReceipt"
	m, err := t.resolve(ctx, op, uuid)
	if err != nil {
		return err
	}
	if !m.Session.Type.IsGroup() {
		return errs.Invalid(op, "team receipts apply to team sessions, got %s", m.Session.Type)
	}
	if err := t.remote.SendTeamReceipt(ctx, m); err != nil {
		t.logger.Error("send team receipt failed", zap.String("uuid", uuid), zap.Error(err))
		return err
	}
	return nil
}

// FetchTeamReceiptDetail asks the server who has and has not read a team
// message. accounts narrows the answer when set. Local counters are updated
// from the answer.
func (t *Tracker) FetchTeamReceiptDetail(ctx context.Context, uuid string, accounts []string) (*transport.TeamAckInfo, error) {
	const op = "receipt.FetchTeamReceiptDetail"
	m, err := t.resolve(ctx, op, uuid)
	if err != nil {
		return nil, err
	}
	if !m.Session.Type.IsGroup() {
		return nil, errs.Invalid(op, "team receipts apply to team sessions, got %s", m.Session.Type)
	}
	info, err := t.remote.FetchTeamReceiptDetail(ctx, m, accounts)
	if err != nil {
		t.logger.Error("fetch team receipt detail failed", zap.String("uuid", uuid), zap.Error(err))
		return nil, err
	}
	if err := t.db.SetAckCounts(context.WithoutCancel(ctx), m, info.AckCount, info.UnackCount); err != nil {
		return nil, err
	}
	return &info, nil
}

// Get returns the read markers of a session.
func (t *Tracker) Get(ctx context.Context, key store.SessionKey) (*store.Receipt, error) {
	if err := key.Validate("receipt.Get"); err != nil {
		return nil, err
	}
	return t.db.GetReceipt(ctx, key)
}

// ApplyPeerReceipt records that the peer read our messages up to p.Time.
// Receipts that do not move the marker are dropped.
func (t *Tracker) ApplyPeerReceipt(ctx context.Context, p *transport.ReceiptPush) error {
	if err := p.Session.Validate("receipt.ApplyPeerReceipt"); err != nil {
		return err
	}
	moved, err := t.db.AdvancePeerReadTime(ctx, p.Session, p.Time)
	if err != nil || !moved {
		return err
	}
	r, err := t.db.GetReceipt(ctx, p.Session)
	if err != nil {
		return err
	}
	t.bus.Emit(bus.ReceiptReceived, *r)
	return nil
}

// ApplyTeamReceipt stores pushed ack counters for a team message.
func (t *Tracker) ApplyTeamReceipt(ctx context.Context, info *transport.TeamAckInfo) error {
	if info.MsgUUID != "" {
		m, err := t.db.GetMessage(ctx, info.MsgUUID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			t.logger.Debug("team receipt for unknown message", zap.String("uuid", info.MsgUUID))
		case err != nil:
			return err
		default:
			if err := t.db.SetAckCounts(ctx, m, info.AckCount, info.UnackCount); err != nil {
				return err
			}
		}
	}
	t.bus.Emit(bus.TeamReceiptReceived, *info)
	return nil
}

func (t *Tracker) resolve(ctx context.Context, op, uuid string) (*store.Message, error) {
	if uuid == "" {
		return nil, errs.Invalid(op, "uuid is required")
	}
	return t.db.GetMessage(ctx, uuid)
}
