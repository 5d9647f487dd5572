package api

import (
	"github.com/google/uuid"
	"github.com/matheus3301/imcore/internal/bus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const watchBuffer = 256

// EventService streams bus events to clients.
type EventService struct {
	bus     *bus.Bus
	profile string
	logger  *zap.Logger
}

func NewEventService(b *bus.Bus, profile string, logger *zap.Logger) *EventService {
	return &EventService{bus: b, profile: profile, logger: logger}
}

// Desc describes the service for registration.
func (s *EventService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: EventServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				req := new(WatchRequest)
				if err := Decode(in, req); err != nil {
					return toStatus(err)
				}
				return s.Watch(req, stream)
			},
		}},
		Metadata: "imcore/v1/imcore.proto",
	}
}

// Watch sends every public event under req.Namespace until the client leaves.
// Events are dropped rather than queued when the client falls behind.
func (s *EventService) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(req.Namespace, watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !evt.Kind.Public() {
				continue
			}
			env, err := Encode(map[string]any{
				"eventId":          uuid.New().String(),
				"profile":          s.profile,
				"kind":             string(evt.Kind),
				"occurredAtUnixMs": evt.Timestamp.UnixMilli(),
				"payload":          evt.Payload,
			})
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", string(evt.Kind)), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
