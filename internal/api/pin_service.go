package api

import (
	"context"

	"github.com/matheus3301/imcore/internal/pin"
	"github.com/matheus3301/imcore/internal/store"
	"google.golang.org/grpc"
)

// PinService exposes message pins.
type PinService struct {
	pins *pin.Tracker
}

func NewPinService(t *pin.Tracker) *PinService {
	return &PinService{pins: t}
}

// Desc describes the service for registration.
func (s *PinService) Desc() *grpc.ServiceDesc {
	return serviceDesc(PinServiceName, map[string]unaryFunc{
		"Add":             handle(s.Add),
		"Update":          handle(s.Update),
		"Remove":          handle(s.Remove),
		"QueryForSession": handle(s.QueryForSession),
	})
}

func (s *PinService) Add(ctx context.Context, req *PinRequest) (any, error) {
	p, err := s.pins.Add(ctx, req.UUID, req.Ext)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pin": p, "time": p.UpdateTime}, nil
}

func (s *PinService) Update(ctx context.Context, req *PinRequest) (any, error) {
	p, err := s.pins.Update(ctx, req.UUID, req.Ext)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pin": p, "time": p.UpdateTime}, nil
}

func (s *PinService) Remove(ctx context.Context, req *PinRequest) (any, error) {
	t, err := s.pins.Remove(ctx, req.UUID, req.Ext)
	if err != nil {
		return nil, err
	}
	return map[string]any{"time": t}, nil
}

func (s *PinService) QueryForSession(ctx context.Context, req *SessionRequest) (any, error) {
	pins, err := s.pins.QueryForSession(ctx, req.Session)
	if err != nil {
		return nil, err
	}
	if pins == nil {
		pins = []store.PinView{}
	}
	return map[string]any{"pins": pins}, nil
}
