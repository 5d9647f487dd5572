package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/delivery"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/metrics"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

// Sessions is the part of the session reconciler inbound traffic touches.
type Sessions interface {
	OnMessage(ctx context.Context, m *store.Message) (*store.Session, error)
	ApplyStickyPush(ctx context.Context, p *transport.StickyPush) error
}

// Pins applies pin changes pushed by the server.
type Pins interface {
	ApplyPush(ctx context.Context, p *transport.PinPush) error
}

// Receipts applies receipts pushed by the server.
type Receipts interface {
	ApplyPeerReceipt(ctx context.Context, p *transport.ReceiptPush) error
	ApplyTeamReceipt(ctx context.Context, info *transport.TeamAckInfo) error
}

// queueSize bounds pushes accepted but not yet applied. Push blocks past it.
const queueSize = 256

// ErrStopped is returned by Push once the engine is stopped.
var ErrStopped = errors.New("sync engine stopped")

// Engine handles idempotent ingestion of server pushes into the store.
// Pushes are queued by Push and applied in arrival order by one goroutine.
type Engine struct {
	db       *store.DB
	sessions Sessions
	pins     Pins
	receipts Receipts
	bus      *bus.Bus
	account  string
	logger   *zap.Logger
	queue    chan bus.Event
	quit     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEngine creates a new sync engine for account.
func NewEngine(db *store.DB, sessions Sessions, pins Pins, receipts Receipts, b *bus.Bus, account string, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		sessions: sessions,
		pins:     pins,
		receipts: receipts,
		bus:      b,
		account:  account,
		logger:   logger,
		queue:    make(chan bus.Event, queueSize),
		quit:     make(chan struct{}),
	}
}

// Start begins applying queued pushes.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	// Accepted pushes are applied even while stopping.
	apply := context.WithoutCancel(ctx)

	go func() {
		defer close(e.done)
		for {
			select {
			case evt := <-e.queue:
				e.handleEvent(apply, evt)
			case <-ctx.Done():
				e.drain(apply)
				return
			}
		}
	}()
}

// drain applies pushes that were accepted before Stop.
func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case evt := <-e.queue:
			e.handleEvent(ctx, evt)
		default:
			return
		}
	}
}

// Stop rejects further pushes, applies the ones already queued and waits.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	close(e.quit)
	e.cancel()
	<-e.done
	e.cancel = nil
}

// Push queues a transport push for ingestion. It blocks while the queue is
// full, so a burst slows the caller down instead of losing pushes.
func (e *Engine) Push(ctx context.Context, kind bus.Kind, payload any) error {
	if !strings.HasPrefix(string(kind), bus.RemoteNamespace) || !kind.Valid() {
		return errs.Invalid("sync.Push", "not a transport push: %q", kind)
	}
	evt := bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
	select {
	case <-e.quit:
		return ErrStopped
	default:
	}
	select {
	case e.queue <- evt:
		return nil
	case <-e.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case *store.Message:
		_, err = e.IngestMessage(ctx, p)
	case *transport.ReceiptPush:
		err = e.receipts.ApplyPeerReceipt(ctx, p)
	case *transport.TeamAckInfo:
		err = e.receipts.ApplyTeamReceipt(ctx, p)
	case *transport.RevokePush:
		err = e.IngestRevoke(ctx, p)
	case *transport.PinPush:
		err = e.pins.ApplyPush(ctx, p)
	case *transport.StickyPush:
		err = e.sessions.ApplyStickyPush(ctx, p)
	default:
		e.logger.Warn("unexpected remote payload", zap.String("kind", string(evt.Kind)), zap.String("type", fmt.Sprintf("%T", p)))
		return
	}
	if err != nil {
		e.logger.Error("failed to ingest push", zap.String("kind", string(evt.Kind)), zap.Error(err))
		return
	}
	metrics.RecordIngest(strings.TrimPrefix(string(evt.Kind), bus.RemoteNamespace))
}

// IngestMessage stores a pushed message (idempotent on uuid) and reports
// whether it was new. Only new messages touch the session and are announced,
// so a redelivered push never bumps unread twice. Messages this account sent
// from another device are stored as outbound.
func (e *Engine) IngestMessage(ctx context.Context, m *store.Message) (bool, error) {
	if m.UUID == "" {
		return false, errs.Invalid("sync.IngestMessage", "uuid is required")
	}
	if m.Type == "" {
		m.Type = store.Text
	}
	if m.FromAccount == e.account {
		m.Direction = store.Out
		if m.Status == "" {
			m.Status = store.StatusSent
		}
	} else {
		m.Direction = store.In
		if m.Status == "" {
			m.Status = store.StatusUnread
		}
	}

	created, err := e.db.UpsertMessage(ctx, m)
	if err != nil {
		return false, fmt.Errorf("upsert message: %w", err)
	}
	if !created {
		return false, nil
	}
	if _, err := e.sessions.OnMessage(ctx, m); err != nil {
		return true, fmt.Errorf("update session: %w", err)
	}
	e.bus.Emit(bus.MessageReceived, *m)
	return true, nil
}

// IngestRevoke marks a message revoked elsewhere. Unknown messages are ignored.
func (e *Engine) IngestRevoke(ctx context.Context, p *transport.RevokePush) error {
	if p.UUID == "" {
		return errs.Invalid("sync.IngestRevoke", "uuid is required")
	}
	m, err := e.db.GetMessage(ctx, p.UUID)
	if errors.Is(err, errs.ErrNotFound) {
		e.logger.Debug("revoke for unknown message", zap.String("uuid", p.UUID))
		return nil
	}
	if err != nil {
		return err
	}
	if m.Revoked {
		return nil
	}
	if err := e.db.MarkRevoked(ctx, m); err != nil {
		return err
	}
	m.Revoked = true
	e.bus.Emit(bus.MessageRevoked, delivery.RevokeNotice{Message: *m, Operator: p.Operator, Postscript: p.Postscript})
	return nil
}
