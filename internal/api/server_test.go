package api

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/delivery"
	"github.com/matheus3301/imcore/internal/history"
	"github.com/matheus3301/imcore/internal/recent"
	"github.com/matheus3301/imcore/internal/status"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubTransport struct{}

func (stubTransport) SendMessage(_ context.Context, m *store.Message) (transport.Ack, error) {
	return transport.Ack{ServerID: "srv-" + m.UUID, Time: m.Time}, nil
}

func (stubTransport) RevokeMessage(context.Context, *store.Message, transport.RevokeOptions) error {
	return nil
}

type harness struct {
	conn *grpc.ClientConn
	bus  *bus.Bus
}

func startServer(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	sessions := recent.New(db, nil, b, "me", logger)
	engine := delivery.NewEngine(db, stubTransport{}, sessions, b, "me", logger)
	hist := history.NewService(db, nil, sessions, b, "me", logger)

	srv := grpc.NewServer()
	srv.RegisterService(NewMessageService(engine, hist).Desc(), nil)
	srv.RegisterService(NewSessionService("default", "me", status.NewMachine(b), sessions, db).Desc(), nil)
	srv.RegisterService(NewEventService(b, "default", logger).Desc(), nil)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &harness{conn: conn, bus: b}
}

func (h *harness) invoke(t *testing.T, service, name string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := new(structpb.Struct)
	err := h.conn.Invoke(ctx, FullMethod(service, name), mustStruct(t, in), out)
	return out, err
}

var aliceKey = map[string]any{"sessionId": "alice", "sessionType": "p2p"}

func TestSendAndQueryOverGRPC(t *testing.T) {
	h := startServer(t)

	out, err := h.invoke(t, MessageServiceName, "Send", map[string]any{"session": aliceKey, "content": "hello", "uuid": "u1"})
	if err != nil {
		t.Fatal(err)
	}
	msg := out.AsMap()["message"].(map[string]any)
	if msg["uuid"] != "u1" || msg["status"] != "sent" || msg["serverId"] != "srv-u1" {
		t.Errorf("message = %v", msg)
	}

	out, err = h.invoke(t, MessageServiceName, "Query", map[string]any{"session": aliceKey, "limit": 10})
	if err != nil {
		t.Fatal(err)
	}
	msgs := out.AsMap()["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}

	out, err = h.invoke(t, SessionServiceName, "List", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	sessions := out.AsMap()["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if unread := sessions[0].(map[string]any)["unread"]; unread != float64(0) {
		t.Errorf("unread = %v, want 0 for an outbound message", unread)
	}

	out, err = h.invoke(t, SessionServiceName, "GetStatus", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	st := out.AsMap()
	if st["status"] != string(status.Booting) || st["messageCount"] != float64(1) {
		t.Errorf("status = %v", st)
	}
}

func TestErrorCodesOverGRPC(t *testing.T) {
	h := startServer(t)

	_, err := h.invoke(t, MessageServiceName, "Send", map[string]any{"session": aliceKey})
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("missing content: code = %s", grpcstatus.Code(err))
	}

	_, err = h.invoke(t, MessageServiceName, "Resend", map[string]any{"uuid": "nope"})
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("unknown uuid: code = %s", grpcstatus.Code(err))
	}

	if _, err := h.invoke(t, MessageServiceName, "Send", map[string]any{"session": aliceKey, "content": "a", "uuid": "dup"}); err != nil {
		t.Fatal(err)
	}
	_, err = h.invoke(t, MessageServiceName, "Send", map[string]any{"session": aliceKey, "content": "b", "uuid": "dup"})
	if grpcstatus.Code(err) != codes.Aborted {
		t.Errorf("duplicate uuid: code = %s", grpcstatus.Code(err))
	}
}

func TestWatchStreamsPublicEvents(t *testing.T) {
	h := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := h.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, FullMethod(EventServiceName, "Watch"))
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.SendMsg(mustStruct(t, map[string]any{"namespace": "session."})); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	// The subscription is registered asynchronously on the server side.
	go func() {
		for ctx.Err() == nil {
			h.bus.Emit(bus.RemoteMessage, map[string]any{"uuid": "hidden"})
			h.bus.Emit(bus.SessionDeleted, map[string]any{"sessionId": "alice"})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	env := new(structpb.Struct)
	if err := stream.RecvMsg(env); err != nil {
		t.Fatal(err)
	}
	m := env.AsMap()
	if m["kind"] != string(bus.SessionDeleted) {
		t.Errorf("kind = %v", m["kind"])
	}
	if m["eventId"] == "" || m["profile"] != "default" {
		t.Errorf("envelope = %v", m)
	}
}
