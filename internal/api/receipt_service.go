package api

import (
	"context"

	"github.com/matheus3301/imcore/internal/receipt"
	"google.golang.org/grpc"
)

// ReceiptService exposes read receipts.
type ReceiptService struct {
	receipts *receipt.Tracker
}

func NewReceiptService(t *receipt.Tracker) *ReceiptService {
	return &ReceiptService{receipts: t}
}

// Desc describes the service for registration.
func (s *ReceiptService) Desc() *grpc.ServiceDesc {
	return serviceDesc(ReceiptServiceName, map[string]unaryFunc{
		"Send":            handle(s.Send),
		"SendTeam":        handle(s.SendTeam),
		"FetchTeamDetail": handle(s.FetchTeamDetail),
		"Get":             handle(s.Get),
	})
}

func (s *ReceiptService) Send(ctx context.Context, req *ReceiptRequest) (any, error) {
	r, err := s.receipts.SendReceipt(ctx, req.Session, req.UUID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"receipt": r}, nil
}

func (s *ReceiptService) SendTeam(ctx context.Context, req *UUIDRequest) (any, error) {
	if err := s.receipts.SendTeamReceipt(ctx, req.UUID); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

func (s *ReceiptService) FetchTeamDetail(ctx context.Context, req *TeamReceiptDetailRequest) (any, error) {
	info, err := s.receipts.FetchTeamReceiptDetail(ctx, req.UUID, req.Accounts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"info": info}, nil
}

func (s *ReceiptService) Get(ctx context.Context, req *SessionRequest) (any, error) {
	r, err := s.receipts.Get(ctx, req.Session)
	if err != nil {
		return nil, err
	}
	return map[string]any{"receipt": r}, nil
}
