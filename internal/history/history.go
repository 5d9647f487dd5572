// Package history is the message store as callers see it: local reads and
// writes plus the remote-aware operations (cascade delete, clear, pull).
// Local changes always commit first; remote follow-ups are best effort and
// their failures are reported, never rolled back.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

const maxLimit = 500

// Remote is the server side of history operations.
type Remote interface {
	DeleteRemote(ctx context.Context, m *store.Message) error
	ClearRemote(ctx context.Context, key store.SessionKey) error
	PullHistory(ctx context.Context, q transport.HistoryQuery) ([]store.Message, error)
}

// Sessions keeps the recent list in step with history changes.
type Sessions interface {
	UpdateWithMessage(ctx context.Context, m *store.Message) (*store.Session, error)
	RefreshLastMessage(ctx context.Context, key store.SessionKey) error
}

// Service reads and edits stored messages.
type Service struct {
	db       *store.DB
	remote   Remote
	sessions Sessions
	bus      *bus.Bus
	account  string
	logger   *zap.Logger
}

// NewService creates a history service. remote may be nil for a local-only store.
func NewService(db *store.DB, remote Remote, sessions Sessions, b *bus.Bus, account string, logger *zap.Logger) *Service {
	return &Service{db: db, remote: remote, sessions: sessions, bus: b, account: account, logger: logger}
}

// Query reads a page of a session's local history.
func (s *Service) Query(ctx context.Context, q store.MessageQuery) ([]store.Message, error) {
	if q.Limit > maxLimit {
		return nil, errs.Invalid("history.Query", "limit %d exceeds %d", q.Limit, maxLimit)
	}
	return s.db.QueryMessages(ctx, q)
}

// QueryByUUID returns the stored rows for uuids.
func (s *Service) QueryByUUID(ctx context.Context, uuids []string) ([]store.Message, error) {
	return s.db.MessagesByUUID(ctx, uuids)
}

// QueryLast returns the newest message of a session.
func (s *Service) QueryLast(ctx context.Context, key store.SessionKey) (*store.Message, error) {
	if err := key.Validate("history.QueryLast"); err != nil {
		return nil, err
	}
	return s.db.LastMessage(ctx, key)
}

// Thread returns a thread root followed by its replies, oldest first.
func (s *Service) Thread(ctx context.Context, rootUUID string, limit int) ([]store.Message, error) {
	if rootUUID == "" {
		return nil, errs.Invalid("history.Thread", "thread uuid is required")
	}
	root, err := s.db.GetMessage(ctx, rootUUID)
	if err != nil {
		return nil, err
	}
	replies, err := s.db.ThreadMessages(ctx, rootUUID, limit)
	if err != nil {
		return nil, err
	}
	return append([]store.Message{*root}, replies...), nil
}

// Search finds messages containing keyword. A zero key searches everywhere.
func (s *Service) Search(ctx context.Context, keyword string, key store.SessionKey, limit int) ([]store.SearchResult, error) {
	if keyword == "" {
		return nil, errs.Invalid("history.Search", "keyword is required")
	}
	if key != (store.SessionKey{}) {
		if err := key.Validate("history.Search"); err != nil {
			return nil, err
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return s.db.SearchMessages(ctx, keyword, key, limit)
}

// Outcome is the result of one item in a batch delete.
type Outcome struct {
	UUID      string `json:"uuid"`
	Deleted   bool   `json:"deleted"`
	Error     error  `json:"-"`
	RemoteErr error  `json:"-"`
}

// Delete removes messages one by one. Each item succeeds or fails on its own;
// with cascadeRemote the server copy is deleted too, and a failure there is
// recorded on the item while the local deletion stands. Once ctx is cancelled
// no further remote calls are made.
func (s *Service) Delete(ctx context.Context, uuids []string, cascadeRemote bool) ([]Outcome, error) {
	if len(uuids) == 0 {
		return nil, errs.Invalid("history.Delete", "at least one uuid is required")
	}

	out := make([]Outcome, 0, len(uuids))
	touched := make(map[store.SessionKey]struct{})
	for _, id := range uuids {
		o := Outcome{UUID: id}
		m, err := s.deleteLocal(ctx, id)
		if err != nil {
			o.Error = err
			out = append(out, o)
			continue
		}
		o.Deleted = true
		touched[m.Session] = struct{}{}

		if cascadeRemote && s.remote != nil {
			o.RemoteErr = s.deleteRemote(ctx, m)
		}
		out = append(out, o)
	}

	bg := context.WithoutCancel(ctx)
	for key := range touched {
		if err := s.sessions.RefreshLastMessage(bg, key); err != nil {
			s.logger.Warn("failed to refresh session after delete", zap.String("session", key.String()), zap.Error(err))
		}
	}
	return out, nil
}

func (s *Service) deleteLocal(ctx context.Context, id string) (*store.Message, error) {
	if id == "" {
		return nil, errs.Invalid("history.Delete", "uuid is required")
	}
	m, err := s.db.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.DeleteMessage(ctx, m); err != nil {
		return nil, err
	}
	s.bus.Emit(bus.MessageDeleted, *m)
	return m, nil
}

func (s *Service) deleteRemote(ctx context.Context, m *store.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ServerID == "" {
		// Never reached the server.
		return nil
	}
	if err := s.remote.DeleteRemote(ctx, m); err != nil {
		s.logger.Error("remote delete failed", zap.String("uuid", m.UUID), zap.Error(err))
		return err
	}
	return nil
}

// Clear deletes every local message of a session and, with alsoRemote, asks
// the server to clear its copy. The returned error only reports the remote
// step when the local clear succeeded.
func (s *Service) Clear(ctx context.Context, key store.SessionKey, alsoRemote bool) (int64, error) {
	n, err := s.db.ClearSession(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := s.sessions.RefreshLastMessage(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("failed to refresh session after clear", zap.String("session", key.String()), zap.Error(err))
	}
	s.logger.Info("session cleared", zap.String("session", key.String()), zap.Int64("messages", n))

	if !alsoRemote || s.remote == nil {
		return n, nil
	}
	if err := s.remote.ClearRemote(ctx, key); err != nil {
		s.logger.Error("remote clear failed", zap.String("session", key.String()), zap.Error(err))
		return n, err
	}
	return n, nil
}

// PullHistory fetches a page of history from the server. With persist the
// rows are stored locally, idempotent on uuid, and the session is reconciled
// without touching unread. Rows stored before an error or cancellation stay
// stored and are reconciled.
func (s *Service) PullHistory(ctx context.Context, q transport.HistoryQuery, persist bool) ([]store.Message, error) {
	const op = "history.PullHistory"
	if err := q.Session.Validate(op); err != nil {
		return nil, err
	}
	if s.remote == nil {
		return nil, errs.Invalid(op, "no remote configured")
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > maxLimit {
		return nil, errs.Invalid(op, "limit %d exceeds %d", q.Limit, maxLimit)
	}
	if q.Direction == "" {
		q.Direction = store.Older
	}

	msgs, err := s.remote.PullHistory(ctx, q)
	if err != nil {
		s.logger.Error("pull history failed", zap.String("session", q.Session.String()), zap.Error(err))
		return nil, err
	}
	if !persist {
		return msgs, nil
	}

	var newest *store.Message
	var stopErr error
	for i := range msgs {
		if stopErr = ctx.Err(); stopErr != nil {
			break
		}
		m := &msgs[i]
		if m.Session != q.Session {
			s.logger.Warn("pulled message from another session", zap.String("uuid", m.UUID))
			continue
		}
		if _, stopErr = s.db.UpsertMessage(ctx, m); stopErr != nil {
			break
		}
		if newest == nil || m.Time > newest.Time {
			newest = m
		}
	}
	// Rows stored before an interruption still reach the session.
	if newest != nil {
		if _, err := s.sessions.UpdateWithMessage(context.WithoutCancel(ctx), newest); err != nil && stopErr == nil {
			stopErr = err
		}
	}
	if stopErr != nil {
		return nil, stopErr
	}
	return msgs, nil
}

// SaveLocal stores a message that is never sent, such as a local tip. The
// session is reconciled without unread; notify also emits message.received.
func (s *Service) SaveLocal(ctx context.Context, m *store.Message, notify bool) (*store.Message, error) {
	const op = "history.SaveLocal"
	if m.FromAccount == "" {
		return nil, errs.Invalid(op, "from account is required")
	}
	if m.Type == "" {
		m.Type = store.Text
	}
	if !m.Type.Valid() {
		return nil, errs.Invalid(op, "unknown message type %q", m.Type)
	}
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.Time == 0 {
		m.Time = time.Now().UnixMilli()
	}
	if m.Status == "" {
		m.Status = store.StatusSent
	}
	m.Direction = store.In
	if m.FromAccount == s.account {
		m.Direction = store.Out
	}

	if err := s.db.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	if _, err := s.sessions.UpdateWithMessage(ctx, m); err != nil {
		return nil, err
	}
	if notify {
		s.bus.Emit(bus.MessageReceived, *m)
	}
	return m, nil
}

// UpdateLocalExtension replaces the local-only extension of a message.
func (s *Service) UpdateLocalExtension(ctx context.Context, id string, ext map[string]any) (*store.Message, error) {
	if id == "" {
		return nil, errs.Invalid("history.UpdateLocalExtension", "uuid is required")
	}
	m, err := s.db.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.SetLocalExt(ctx, m, ext); err != nil {
		return nil, err
	}
	m.LocalExt = ext
	return m, nil
}

// Failed returns the outcomes that did not fully succeed.
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if o.Error != nil || o.RemoteErr != nil {
			out = append(out, o)
		}
	}
	return out
}

// IsMissing reports whether an outcome failed because the message was not stored.
func (o Outcome) IsMissing() bool {
	return errors.Is(o.Error, errs.ErrNotFound)
}
