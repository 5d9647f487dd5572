package api

import (
	"context"
	"time"

	"github.com/matheus3301/imcore/internal/recent"
	"github.com/matheus3301/imcore/internal/status"
	"github.com/matheus3301/imcore/internal/store"
	"google.golang.org/grpc"
)

// SessionService exposes recent sessions, unread counts and link status.
type SessionService struct {
	profile   string
	account   string
	startedAt time.Time
	machine   *status.Machine
	sessions  *recent.Reconciler
	db        *store.DB
}

// NewSessionService creates a new session service.
func NewSessionService(profile, account string, machine *status.Machine, sessions *recent.Reconciler, db *store.DB) *SessionService {
	return &SessionService{
		profile:   profile,
		account:   account,
		startedAt: time.Now(),
		machine:   machine,
		sessions:  sessions,
		db:        db,
	}
}

// Desc describes the service for registration.
func (s *SessionService) Desc() *grpc.ServiceDesc {
	return serviceDesc(SessionServiceName, map[string]unaryFunc{
		"GetStatus":    handle(s.GetStatus),
		"CreateEmpty":  handle(s.CreateEmpty),
		"Get":          handle(s.Get),
		"List":         handle(s.List),
		"Update":       handle(s.Update),
		"Delete":       handle(s.Delete),
		"ClearUnread":  handle(s.ClearUnread),
		"TotalUnread":  handle(s.TotalUnread),
		"AddSticky":    handle(s.AddSticky),
		"UpdateSticky": handle(s.UpdateSticky),
		"RemoveSticky": handle(s.RemoveSticky),
		"ListSticky":   handle(s.ListSticky),
	})
}

func (s *SessionService) GetStatus(ctx context.Context, _ *Empty) (any, error) {
	current := s.machine.Current()
	resp := map[string]any{
		"profile":      s.profile,
		"account":      s.account,
		"status":       string(current),
		"statusSince":  s.machine.Since().UnixMilli(),
		"uptimeMs":     time.Since(s.startedAt).Milliseconds(),
		"sessionCount": 0,
		"messageCount": 0,
	}
	if s.db != nil {
		if n, err := s.db.SessionCount(ctx); err == nil {
			resp["sessionCount"] = n
		}
		if n, err := s.db.MessageCount(ctx); err == nil {
			resp["messageCount"] = n
		}
	}
	return resp, nil
}

func (s *SessionService) CreateEmpty(ctx context.Context, req *CreateEmptyRequest) (any, error) {
	sess, err := s.sessions.CreateEmpty(ctx, req.Session, req.Tag, req.Time, req.LinkToLastMessage)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess}, nil
}

func (s *SessionService) Get(ctx context.Context, req *SessionRequest) (any, error) {
	sess, err := s.sessions.Get(ctx, req.Session)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess}, nil
}

func (s *SessionService) List(ctx context.Context, req *ListSessionsRequest) (any, error) {
	sessions, err := s.sessions.List(ctx, req.Limit, req.parsedExclude)
	if err != nil {
		return nil, err
	}
	if !req.WithSticky {
		return map[string]any{"sessions": sessions}, nil
	}
	sticky, err := s.sessions.ListSticky(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": recent.Overlay(sessions, sticky)}, nil
}

func (s *SessionService) Update(ctx context.Context, req *UpdateSessionRequest) (any, error) {
	sess, err := s.sessions.Update(ctx, req.Session, req.Tag, req.Extension, req.Notify)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess}, nil
}

func (s *SessionService) Delete(ctx context.Context, req *DeleteSessionRequest) (any, error) {
	err := s.sessions.Delete(ctx, req.Session, recent.DeleteMode(req.Mode), req.SendAck)
	return map[string]any{"deleted": true}, err
}

func (s *SessionService) ClearUnread(ctx context.Context, req *ClearUnreadRequest) (any, error) {
	failed, err := s.sessions.ClearUnread(ctx, req.Sessions)
	if err != nil {
		return nil, err
	}
	if failed == nil {
		failed = []store.SessionKey{}
	}
	return map[string]any{"failed": failed}, nil
}

func (s *SessionService) TotalUnread(ctx context.Context, req *TotalUnreadRequest) (any, error) {
	n, err := s.sessions.TotalUnread(ctx, req.parsedFilter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"unread": n}, nil
}

func (s *SessionService) AddSticky(ctx context.Context, req *StickyRequest) (any, error) {
	st, err := s.sessions.AddSticky(ctx, req.Session, req.Ext)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sticky": st}, nil
}

func (s *SessionService) UpdateSticky(ctx context.Context, req *StickyRequest) (any, error) {
	st, err := s.sessions.UpdateSticky(ctx, req.Session, req.Ext)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sticky": st}, nil
}

func (s *SessionService) RemoveSticky(ctx context.Context, req *SessionRequest) (any, error) {
	t, err := s.sessions.RemoveSticky(ctx, req.Session)
	if err != nil {
		return nil, err
	}
	return map[string]any{"time": t}, nil
}

func (s *SessionService) ListSticky(ctx context.Context, _ *Empty) (any, error) {
	all, err := s.sessions.ListSticky(ctx)
	if err != nil {
		return nil, err
	}
	if all == nil {
		all = []store.Sticky{}
	}
	return map[string]any{"sticky": all}, nil
}
