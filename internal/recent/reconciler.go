// Package recent maintains the recent-session list: one row per conversation
// with its last message, unread count and sticky state.
package recent

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/metrics"
	"github.com/matheus3301/imcore/internal/store"
	"go.uber.org/zap"
)

// Store is the session storage the reconciler writes through.
type Store interface {
	ApplyMessage(ctx context.Context, m *store.Message, countUnread bool) error
	GetSession(ctx context.Context, key store.SessionKey) (*store.Session, error)
	ListSessions(ctx context.Context, limit int, exclude []store.MsgType) ([]store.Session, error)
	CreateSession(ctx context.Context, s *store.Session) (bool, error)
	ClearUnread(ctx context.Context, key store.SessionKey) error
	UpdateSession(ctx context.Context, key store.SessionKey, tag int64, ext string) error
	DeleteSession(ctx context.Context, key store.SessionKey) error
	TotalUnread(ctx context.Context, filter store.UnreadFilter) (int, error)
	LastMessage(ctx context.Context, key store.SessionKey) (*store.Message, error)
	SetLastMessage(ctx context.Context, key store.SessionKey, m *store.Message) error

	UpsertSticky(ctx context.Context, s *store.Sticky) error
	DeleteSticky(ctx context.Context, key store.SessionKey) (bool, error)
	ReplaceSticky(ctx context.Context, all []store.Sticky) error
	ListSticky(ctx context.Context) ([]store.Sticky, error)
}

// Remote is the backend side of session operations. A nil Remote keeps
// everything local.
type Remote interface {
	AckSession(ctx context.Context, key store.SessionKey, t int64) error
	DeleteSession(ctx context.Context, key store.SessionKey, sendAck bool) error
	AddSticky(ctx context.Context, key store.SessionKey, ext string) (store.Sticky, error)
	UpdateSticky(ctx context.Context, key store.SessionKey, ext string) (store.Sticky, error)
	RemoveSticky(ctx context.Context, key store.SessionKey) (int64, error)
}

// DeleteMode selects which copies of a session a delete touches.
type DeleteMode string

const (
	DeleteLocal  DeleteMode = "local"
	DeleteRemote DeleteMode = "remote"
	DeleteBoth   DeleteMode = "both"
)

// Reconciler keeps session rows in step with message traffic.
type Reconciler struct {
	db      Store
	remote  Remote
	bus     *bus.Bus
	account string
	logger  *zap.Logger
	now     func() int64
}

// New creates a reconciler for the given local account.
func New(db Store, remote Remote, b *bus.Bus, account string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:      db,
		remote:  remote,
		bus:     b,
		account: account,
		logger:  logger,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// OnMessage folds a sent or received message into its session. Unread grows
// only for inbound messages this account did not author.
func (r *Reconciler) OnMessage(ctx context.Context, m *store.Message) (*store.Session, error) {
	countUnread := m.Direction == store.In && m.FromAccount != r.account && m.CountsUnread()
	return r.apply(ctx, m, countUnread)
}

// UpdateWithMessage points a session at m without touching unread.
func (r *Reconciler) UpdateWithMessage(ctx context.Context, m *store.Message) (*store.Session, error) {
	return r.apply(ctx, m, false)
}

func (r *Reconciler) apply(ctx context.Context, m *store.Message, countUnread bool) (*store.Session, error) {
	if err := r.db.ApplyMessage(ctx, m, countUnread); err != nil {
		return nil, err
	}
	s, err := r.db.GetSession(ctx, m.Session)
	if err != nil {
		return nil, err
	}
	r.bus.Emit(bus.SessionUpdated, s)
	return s, nil
}

// ClearUnread resets unread for each session independently and returns the
// sessions that failed. Successful resets stay committed regardless of others.
func (r *Reconciler) ClearUnread(ctx context.Context, keys []store.SessionKey) ([]store.SessionKey, error) {
	if len(keys) == 0 {
		return nil, errs.Invalid("recent.ClearUnread", "no sessions given")
	}

	var failed []store.SessionKey
	for _, key := range keys {
		if err := r.clearOne(ctx, key); err != nil {
			r.logger.Warn("clear unread failed", zap.String("session", key.String()), zap.Error(err))
			metrics.RecordUnreadClear("failed")
			failed = append(failed, key)
			continue
		}
		metrics.RecordUnreadClear("ok")
	}
	return failed, nil
}

func (r *Reconciler) clearOne(ctx context.Context, key store.SessionKey) error {
	if err := key.Validate("recent.ClearUnread"); err != nil {
		return err
	}
	if err := r.db.ClearUnread(ctx, key); err != nil {
		return err
	}
	s, err := r.db.GetSession(ctx, key)
	if err != nil {
		return err
	}
	r.bus.Emit(bus.SessionUpdated, s)

	if r.remote == nil {
		return nil
	}
	return r.remote.AckSession(ctx, key, s.LastMsgTime)
}

// CreateEmpty creates a session with no history. An existing session is
// returned unchanged apart from the optional last-message link.
func (r *Reconciler) CreateEmpty(ctx context.Context, key store.SessionKey, tag, t int64, linkToLastMessage bool) (*store.Session, error) {
	if err := key.Validate("recent.CreateEmpty"); err != nil {
		return nil, err
	}
	if t <= 0 {
		t = r.now()
	}
	created, err := r.db.CreateSession(ctx, &store.Session{Key: key, Tag: tag, UpdateTime: t})
	if err != nil {
		return nil, err
	}

	linked := false
	if linkToLastMessage {
		last, err := r.db.LastMessage(ctx, key)
		switch {
		case errors.Is(err, errs.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			if err := r.db.SetLastMessage(ctx, key, last); err != nil {
				return nil, err
			}
			linked = true
		}
	}

	s, err := r.db.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if created || linked {
		r.bus.Emit(bus.SessionUpdated, s)
	}
	return s, nil
}

// Get returns one session.
func (r *Reconciler) Get(ctx context.Context, key store.SessionKey) (*store.Session, error) {
	if err := key.Validate("recent.Get"); err != nil {
		return nil, err
	}
	return r.db.GetSession(ctx, key)
}

// List returns sessions by recency, skipping those whose last message type is excluded.
func (r *Reconciler) List(ctx context.Context, limit int, exclude []store.MsgType) ([]store.Session, error) {
	return r.db.ListSessions(ctx, limit, exclude)
}

// Update replaces the tag and extension of a session.
func (r *Reconciler) Update(ctx context.Context, key store.SessionKey, tag int64, ext string, notify bool) (*store.Session, error) {
	if err := key.Validate("recent.Update"); err != nil {
		return nil, err
	}
	if err := r.db.UpdateSession(ctx, key, tag, ext); err != nil {
		return nil, err
	}
	s, err := r.db.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	if notify {
		r.bus.Emit(bus.SessionUpdated, s)
	}
	return s, nil
}

// Delete removes a session. The local copy goes first; a remote failure is
// returned but the local deletion stays committed.
func (r *Reconciler) Delete(ctx context.Context, key store.SessionKey, mode DeleteMode, sendAck bool) error {
	if err := key.Validate("recent.Delete"); err != nil {
		return err
	}
	switch mode {
	case DeleteLocal, DeleteRemote, DeleteBoth:
	default:
		return errs.Invalid("recent.Delete", "unknown delete mode %q", mode)
	}

	if mode != DeleteRemote {
		if err := r.db.DeleteSession(ctx, key); err != nil {
			return err
		}
		r.bus.Emit(bus.SessionDeleted, key)
	}
	if mode == DeleteLocal || r.remote == nil {
		return nil
	}
	if err := r.remote.DeleteSession(ctx, key, sendAck); err != nil {
		r.logger.Error("remote session delete failed", zap.String("session", key.String()), zap.Error(err))
		return err
	}
	return nil
}

// TotalUnread sums unread counts under filter.
func (r *Reconciler) TotalUnread(ctx context.Context, filter store.UnreadFilter) (int, error) {
	switch filter {
	case store.UnreadAll, store.UnreadNotifyOnly, store.UnreadMutedOnly:
	default:
		return 0, errs.Invalid("recent.TotalUnread", "unknown filter %d", filter)
	}
	return r.db.TotalUnread(ctx, filter)
}

// RefreshLastMessage re-reads the newest stored message of a session, after
// deletes or clears removed the one it pointed at.
func (r *Reconciler) RefreshLastMessage(ctx context.Context, key store.SessionKey) error {
	last, err := r.db.LastMessage(ctx, key)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if err := r.db.SetLastMessage(ctx, key, last); err != nil {
		return err
	}
	s, err := r.db.GetSession(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.bus.Emit(bus.SessionUpdated, s)
	return nil
}
