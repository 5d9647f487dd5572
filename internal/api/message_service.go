package api

import (
	"context"

	"github.com/matheus3301/imcore/internal/delivery"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/history"
	"github.com/matheus3301/imcore/internal/store"
	"google.golang.org/grpc"
)

// MessageService exposes sending and history over gRPC.
type MessageService struct {
	delivery *delivery.Engine
	history  *history.Service
}

// NewMessageService creates a new message service.
func NewMessageService(d *delivery.Engine, h *history.Service) *MessageService {
	return &MessageService{delivery: d, history: h}
}

// Desc describes the service for registration.
func (s *MessageService) Desc() *grpc.ServiceDesc {
	return serviceDesc(MessageServiceName, map[string]unaryFunc{
		"Send":                 handle(s.Send),
		"Resend":               handle(s.Resend),
		"Revoke":               handle(s.Revoke),
		"Forward":              handle(s.Forward),
		"Query":                handle(s.Query),
		"QueryByUUID":          handle(s.QueryByUUID),
		"QueryLast":            handle(s.QueryLast),
		"Delete":               handle(s.Delete),
		"Clear":                handle(s.Clear),
		"Search":               handle(s.Search),
		"PullHistory":          handle(s.PullHistory),
		"SaveLocal":            handle(s.SaveLocal),
		"UpdateLocalExtension": handle(s.UpdateLocalExtension),
		"Thread":               handle(s.Thread),
	})
}

func (s *MessageService) Send(ctx context.Context, req *SendRequest) (any, error) {
	var err error
	m := req.Message()
	if req.ReplyTo != "" {
		m, err = s.delivery.Reply(ctx, m, req.ReplyTo)
	} else {
		m, err = s.delivery.Send(ctx, m)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": m}, nil
}

func (s *MessageService) Resend(ctx context.Context, req *UUIDRequest) (any, error) {
	m, err := s.delivery.Resend(ctx, req.UUID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": m}, nil
}

func (s *MessageService) Revoke(ctx context.Context, req *RevokeRequest) (any, error) {
	m, err := s.delivery.Revoke(ctx, req.UUID, req.Options)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": m}, nil
}

func (s *MessageService) Forward(ctx context.Context, req *ForwardRequest) (any, error) {
	m, err := s.delivery.Forward(ctx, req.UUID, req.Target)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": m}, nil
}

func (s *MessageService) Query(ctx context.Context, req *QueryRequest) (any, error) {
	q := req.Query()
	msgs, err := s.history.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs, "hasMore": q.Limit > 0 && len(msgs) == q.Limit}, nil
}

func (s *MessageService) QueryByUUID(ctx context.Context, req *UUIDsRequest) (any, error) {
	msgs, err := s.history.QueryByUUID(ctx, req.UUIDs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

func (s *MessageService) QueryLast(ctx context.Context, req *SessionRequest) (any, error) {
	m, err := s.history.QueryLast(ctx, req.Session)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": m}, nil
}

type deleteItem struct {
	UUID        string `json:"uuid"`
	Deleted     bool   `json:"deleted"`
	Error       string `json:"error,omitempty"`
	RemoteError string `json:"remoteError,omitempty"`
}

func (s *MessageService) Delete(ctx context.Context, req *DeleteRequest) (any, error) {
	outcomes, err := s.history.Delete(ctx, req.UUIDs, req.CascadeRemote)
	if err != nil {
		return nil, err
	}
	items := make([]deleteItem, 0, len(outcomes))
	failed := 0
	for _, o := range outcomes {
		it := deleteItem{UUID: o.UUID, Deleted: o.Deleted}
		if o.Error != nil {
			it.Error = o.Error.Error()
		}
		if o.RemoteErr != nil {
			it.RemoteError = o.RemoteErr.Error()
		}
		if o.Error != nil || o.RemoteErr != nil {
			failed++
		}
		items = append(items, it)
	}
	return map[string]any{"items": items, "failed": failed}, nil
}

func (s *MessageService) Clear(ctx context.Context, req *ClearRequest) (any, error) {
	n, err := s.history.Clear(ctx, req.Session, req.AlsoRemote)
	reply := map[string]any{"deleted": n}
	if err != nil {
		if !errs.IsTransport(err) {
			return nil, err
		}
		reply["remoteError"] = err.Error()
	}
	return reply, nil
}

func (s *MessageService) Search(ctx context.Context, req *SearchRequest) (any, error) {
	var key store.SessionKey
	if req.Session != nil {
		key = *req.Session
	}
	results, err := s.history.Search(ctx, req.Keyword, key, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (s *MessageService) PullHistory(ctx context.Context, req *PullHistoryRequest) (any, error) {
	msgs, err := s.history.PullHistory(ctx, req.Query(), req.Persist)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

func (s *MessageService) SaveLocal(ctx context.Context, req *SaveLocalRequest) (any, error) {
	m, err := s.history.SaveLocal(ctx, req.Message(), req.Notify)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": m}, nil
}

func (s *MessageService) UpdateLocalExtension(ctx context.Context, req *LocalExtRequest) (any, error) {
	m, err := s.history.UpdateLocalExtension(ctx, req.UUID, req.LocalExt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": m}, nil
}

func (s *MessageService) Thread(ctx context.Context, req *ThreadRequest) (any, error) {
	msgs, err := s.history.Thread(ctx, req.UUID, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}
