// Package delivery sends outbound messages and tracks them through
// Created -> Sending -> {Delivered, Failed}. Failed messages go back to
// Sending only through an explicit resend that keeps the client uuid.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/metrics"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

// Transport is the remote side of delivery.
type Transport interface {
	SendMessage(ctx context.Context, m *store.Message) (transport.Ack, error)
	RevokeMessage(ctx context.Context, m *store.Message, opts transport.RevokeOptions) error
}

// Sessions receives every message whose state changes so the recent list
// stays current.
type Sessions interface {
	OnMessage(ctx context.Context, m *store.Message) (*store.Session, error)
}

// StatusChange is the payload of message.status_changed.
type StatusChange struct {
	Message store.Message `json:"message"`
	From    State         `json:"from"`
	To      State         `json:"to"`
	Code    int           `json:"code,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// Engine sends messages via the transport and records their lifecycle.
type Engine struct {
	db        *store.DB
	transport Transport
	sessions  Sessions
	bus       *bus.Bus
	account   string
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewEngine creates a delivery engine sending as account.
func NewEngine(db *store.DB, t Transport, sessions Sessions, b *bus.Bus, account string, logger *zap.Logger) *Engine {
	return &Engine{
		db:        db,
		transport: t,
		sessions:  sessions,
		bus:       b,
		account:   account,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Send stores m as sending, dispatches it and returns the canonical row once
// delivered. On failure the row is left failed and the transport error is
// returned unchanged.
func (e *Engine) Send(ctx context.Context, m *store.Message) (*store.Message, error) {
	if err := validate("delivery.Send", m); err != nil {
		return nil, err
	}
	e.prepare(m)

	release, err := e.claim(m.UUID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.db.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	e.changed(ctx, m, Created, Sending, nil)

	return e.dispatch(ctx, m)
}

// Resend retries a failed message under its original uuid.
func (e *Engine) Resend(ctx context.Context, id string) (*store.Message, error) {
	if id == "" {
		return nil, errs.Invalid("delivery.Resend", "uuid is required")
	}
	release, err := e.claim(id)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := e.db.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Direction != store.Out {
		return nil, errs.Invalid("delivery.Resend", "message %q was not sent by this account", id)
	}
	from := StateOf(m.Status)
	if err := Transition(from, Sending); err != nil {
		return nil, err
	}
	if err := e.db.SetStatus(ctx, m, store.StatusSending); err != nil {
		return nil, err
	}
	m.Status = store.StatusSending
	e.changed(ctx, m, from, Sending, nil)

	return e.dispatch(ctx, m)
}

// dispatch hands m to the transport and settles it as delivered or failed.
// Local bookkeeping after the round trip runs even if ctx was cancelled
// meanwhile, so the row never stays in sending.
func (e *Engine) dispatch(ctx context.Context, m *store.Message) (*store.Message, error) {
	start := time.Now()
	ack, sendErr := e.transport.SendMessage(ctx, m)
	bg := context.WithoutCancel(ctx)

	if sendErr == nil && ack.ServerID == "" {
		sendErr = errs.Exception("delivery.Send", errors.New("send reply carried no server id"))
	}
	if sendErr != nil {
		e.logger.Error("send failed",
			zap.String("uuid", m.UUID),
			zap.String("session", m.Session.String()),
			zap.Error(sendErr))
		return nil, e.fail(bg, m, sendErr)
	}

	if err := e.db.MarkDelivered(bg, m, ack.ServerID, ack.Time); err != nil {
		// The server holds the message but this row does not; a resend under
		// the same uuid settles it.
		e.logger.Error("failed to record delivery",
			zap.String("uuid", m.UUID),
			zap.String("server_id", ack.ServerID),
			zap.Error(err))
		return nil, e.fail(bg, m, err)
	}
	canonical, err := e.db.GetMessage(bg, m.UUID)
	if err != nil {
		e.logger.Warn("re-fetch after delivery failed, using local copy", zap.String("uuid", m.UUID), zap.Error(err))
		local := *m
		local.ServerID = ack.ServerID
		local.Status = store.StatusSent
		if ack.Time != 0 {
			local.Time = ack.Time
		}
		canonical = &local
	}
	metrics.RecordSend("ok")
	e.logger.Info("message sent",
		zap.String("uuid", canonical.UUID),
		zap.String("server_id", canonical.ServerID),
		zap.Duration("took", time.Since(start)))
	e.changed(bg, canonical, Sending, Delivered, nil)
	return canonical, nil
}

// fail settles m as failed and returns cause.
func (e *Engine) fail(ctx context.Context, m *store.Message, cause error) error {
	metrics.RecordSend("failed")
	if err := e.db.SetStatus(ctx, m, store.StatusFailed); err != nil {
		e.logger.Error("failed to mark message failed", zap.String("uuid", m.UUID), zap.Error(err))
	}
	m.Status = store.StatusFailed
	e.changed(ctx, m, Sending, Failed, cause)
	return cause
}

// changed publishes a status change and reconciles the session. It is called
// from the goroutine that owns the message, so subscribers see its
// transitions in order.
func (e *Engine) changed(ctx context.Context, m *store.Message, from, to State, cause error) {
	evt := StatusChange{Message: *m, From: from, To: to}
	if cause != nil {
		evt.Code = errs.CodeOf(cause)
		evt.Reason = cause.Error()
	}
	e.bus.Emit(bus.MessageStatusChanged, evt)

	if e.sessions == nil {
		return
	}
	if _, err := e.sessions.OnMessage(ctx, m); err != nil {
		e.logger.Warn("session update failed", zap.String("uuid", m.UUID), zap.Error(err))
	}
}

// Revoke withdraws a delivered message. The stored row is looked up by uuid
// first so stale caller copies are never sent to the server.
func (e *Engine) Revoke(ctx context.Context, id string, opts transport.RevokeOptions) (*store.Message, error) {
	if id == "" {
		return nil, errs.Invalid("delivery.Revoke", "uuid is required")
	}
	m, err := e.db.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Revoked {
		return m, nil
	}
	if StateOf(m.Status) != Delivered {
		return nil, errs.Invalid("delivery.Revoke", "message %q has not been delivered", id)
	}

	if err := e.transport.RevokeMessage(ctx, m, opts); err != nil {
		e.logger.Error("revoke failed", zap.String("uuid", id), zap.Error(err))
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	if err := e.db.MarkRevoked(bg, m); err != nil {
		return nil, err
	}
	m.Revoked = true
	e.bus.Emit(bus.MessageRevoked, RevokeNotice{Message: *m, Operator: e.account, Postscript: opts.Postscript})
	return m, nil
}

// RevokeNotice is the payload of message.revoked.
type RevokeNotice struct {
	Message    store.Message `json:"message"`
	Operator   string        `json:"operator"`
	Postscript string        `json:"postscript,omitempty"`
}

// Forward sends a copy of a stored message to another session under a new uuid.
func (e *Engine) Forward(ctx context.Context, id string, target store.SessionKey) (*store.Message, error) {
	if id == "" {
		return nil, errs.Invalid("delivery.Forward", "uuid is required")
	}
	if err := target.Validate("delivery.Forward"); err != nil {
		return nil, err
	}
	orig, err := e.db.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	fwd := &store.Message{
		Session:     target,
		Type:        orig.Type,
		Content:     orig.Content,
		Attachment:  orig.Attachment,
		RemoteExt:   orig.RemoteExt,
		PushContent: orig.PushContent,
		PushPayload: orig.PushPayload,
		Config:      orig.Config,
	}
	return e.Send(ctx, fwd)
}

// Reply sends m as a reply to a stored message in the same session. The thread
// root is inherited from the replied message.
func (e *Engine) Reply(ctx context.Context, m *store.Message, replyTo string) (*store.Message, error) {
	if replyTo == "" {
		return nil, errs.Invalid("delivery.Reply", "reply target uuid is required")
	}
	parent, err := e.db.GetMessage(ctx, replyTo)
	if err != nil {
		return nil, err
	}
	if m.Session == (store.SessionKey{}) {
		m.Session = parent.Session
	}
	if m.Session != parent.Session {
		return nil, errs.Invalid("delivery.Reply", "reply must stay in session %s", parent.Session)
	}
	m.ReplyUUID = parent.UUID
	m.ThreadUUID = parent.ThreadUUID
	if m.ThreadUUID == "" {
		m.ThreadUUID = parent.UUID
	}
	return e.Send(ctx, m)
}

func (e *Engine) prepare(m *store.Message) {
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.Time == 0 {
		m.Time = time.Now().UnixMilli()
	}
	if m.Config == nil {
		m.Config = store.DefaultMessageConfig()
	}
	m.ServerID = ""
	m.FromAccount = e.account
	m.Direction = store.Out
	m.Status = store.StatusSending
	m.Revoked = false
}

// claim marks a uuid as owned by one send or resend at a time.
func (e *Engine) claim(id string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return nil, errs.Conflictf("delivery.claim", "message %q is already being sent", id)
	}
	e.inflight[id] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
	}, nil
}

func validate(op string, m *store.Message) error {
	if m == nil {
		return errs.Invalid(op, "message is required")
	}
	if err := m.Session.Validate(op); err != nil {
		return err
	}
	if m.Type == "" {
		m.Type = store.Text
	}
	if !m.Type.Valid() {
		return errs.Invalid(op, "unknown message type %q", m.Type)
	}
	if m.Content == "" && m.Attachment == nil {
		return errs.Invalid(op, "content is required when there is no attachment")
	}
	return nil
}
