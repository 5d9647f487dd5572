package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/recent"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type mockTransport struct {
	mu      sync.Mutex
	err     error
	acks    []transport.Ack
	sent    []string
	revoked []string
}

func (m *mockTransport) SendMessage(_ context.Context, msg *store.Message) (transport.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg.UUID)
	if m.err != nil {
		return transport.Ack{}, m.err
	}
	if len(m.acks) > 0 {
		ack := m.acks[0]
		m.acks = m.acks[1:]
		return ack, nil
	}
	return transport.Ack{ServerID: "srv-" + msg.UUID}, nil
}

func (m *mockTransport) RevokeMessage(_ context.Context, msg *store.Message, _ transport.RevokeOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, msg.UUID)
	return m.err
}

var alice = store.SessionKey{ID: "alice", Type: store.P2P}

func setup(t *testing.T, tr Transport) (*Engine, *store.DB, *recent.Reconciler, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	r := recent.New(db, nil, b, "me", zap.NewNop())
	return NewEngine(db, tr, r, b, "me", zap.NewNop()), db, r, b
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Created, Sending, true},
		{Sending, Delivered, true},
		{Sending, Failed, true},
		{Failed, Sending, true},
		{Delivered, Sending, false},
		{Created, Delivered, false},
		{Failed, Delivered, false},
	}
	for _, tt := range tests {
		err := Transition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("Transition(%s, %s) = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
		if err != nil && !errors.Is(err, errs.ErrConflict) {
			t.Errorf("Transition error kind = %v, want conflict", errs.KindOf(err))
		}
	}
}

func TestSendEndToEnd(t *testing.T) {
	tr := &mockTransport{acks: []transport.Ack{{ServerID: "s1"}}}
	e, db, r, _ := setup(t, tr)
	ctx := context.Background()

	if _, err := r.CreateEmpty(ctx, alice, 0, 1000, false); err != nil {
		t.Fatal(err)
	}
	got, err := e.Send(ctx, &store.Message{UUID: "u1", Session: alice, Type: store.Text, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerID != "s1" || got.Status != store.StatusSent {
		t.Errorf("sent message = %+v", got)
	}

	rows, err := db.MessagesByUUID(ctx, []string{"u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || StateOf(rows[0].Status) != Delivered || rows[0].ServerID == "" {
		t.Fatalf("rows = %+v", rows)
	}

	s, err := r.Get(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if s.LastContent != "hi" || s.LastMsgServerID != "s1" || s.Unread != 0 {
		t.Errorf("session = %+v", s)
	}
}

func TestSendEmitsTransitionsInOrder(t *testing.T) {
	e, _, _, b := setup(t, &mockTransport{})
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	if _, err := e.Send(context.Background(), &store.Message{Session: alice, Content: "x"}); err != nil {
		t.Fatal(err)
	}

	want := []State{Sending, Delivered}
	for _, w := range want {
		select {
		case evt := <-ch:
			sc := evt.Payload.(StatusChange)
			if sc.To != w {
				t.Fatalf("transition to %s, want %s", sc.To, w)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for status change")
		}
	}
}

func TestSendValidation(t *testing.T) {
	tr := &mockTransport{}
	e, _, _, _ := setup(t, tr)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  *store.Message
	}{
		{"no session id", &store.Message{Session: store.SessionKey{Type: store.P2P}, Content: "x"}},
		{"bad session type", &store.Message{Session: store.SessionKey{ID: "a", Type: "group"}, Content: "x"}},
		{"empty content", &store.Message{Session: alice, Type: store.Text}},
		{"bad type", &store.Message{Session: alice, Type: "sticker", Content: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Send(ctx, tt.msg); !errors.Is(err, errs.ErrInvalidArgument) {
				t.Errorf("err = %v, want invalid argument", err)
			}
		})
	}
	if len(tr.sent) != 0 {
		t.Errorf("transport called %d times for invalid input", len(tr.sent))
	}

	// Attachments stand in for content.
	img := &store.Message{Session: alice, Type: store.Image, Attachment: &store.Attachment{URL: "http://x/a.png"}}
	if _, err := e.Send(ctx, img); err != nil {
		t.Errorf("attachment send: %v", err)
	}
}

func TestSendFailureThenResendKeepsUUID(t *testing.T) {
	tr := &mockTransport{err: errs.Failure("msg.send", 414, "bad param")}
	e, db, _, _ := setup(t, tr)
	ctx := context.Background()

	_, err := e.Send(ctx, &store.Message{UUID: "u1", Session: alice, Content: "hi"})
	if errs.CodeOf(err) != 414 {
		t.Fatalf("err = %v, want code 414", err)
	}
	m, err := db.GetMessage(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}

	tr.err = nil
	got, err := e.Resend(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UUID != "u1" || got.Status != store.StatusSent {
		t.Errorf("resent = %+v", got)
	}
	if n, _ := db.MessageCount(ctx); n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
	if len(tr.sent) != 2 || tr.sent[0] != tr.sent[1] {
		t.Errorf("transport saw %v", tr.sent)
	}

	// Delivered messages cannot be resent.
	if _, err := e.Resend(ctx, "u1"); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("resend delivered err = %v, want conflict", err)
	}
}

func TestSendDuplicateUUIDConflicts(t *testing.T) {
	e, _, _, _ := setup(t, &mockTransport{})
	ctx := context.Background()
	if _, err := e.Send(ctx, &store.Message{UUID: "u1", Session: alice, Content: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Send(ctx, &store.Message{UUID: "u1", Session: alice, Content: "b"}); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestSendWithoutServerIDFails(t *testing.T) {
	tr := &mockTransport{acks: []transport.Ack{{}}}
	e, db, _, b := setup(t, tr)
	ctx := context.Background()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	got, err := e.Send(ctx, &store.Message{UUID: "u1", Session: alice, Content: "hi"})
	if !errors.Is(err, errs.ErrTransportException) {
		t.Fatalf("err = %v, want transport exception", err)
	}
	if got != nil {
		t.Errorf("returned %+v on failure", got)
	}
	m, err := db.GetMessage(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusFailed || m.ServerID != "" {
		t.Errorf("stored status=%q serverId=%q, want failed without server id", m.Status, m.ServerID)
	}

	for _, w := range []State{Sending, Failed} {
		select {
		case evt := <-ch:
			if sc := evt.Payload.(StatusChange); sc.To != w {
				t.Fatalf("transition to %s, want %s", sc.To, w)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for status change")
		}
	}

	// A later resend with a proper reply settles it.
	if got, err := e.Resend(ctx, "u1"); err != nil || got.ServerID != "srv-u1" {
		t.Errorf("resend = %+v, %v", got, err)
	}
}

func TestDeliveryBookkeepingFailureSettlesFailed(t *testing.T) {
	e, db, _, b := setup(t, &mockTransport{})
	ctx := context.Background()

	// The row already carries a different server id, so recording the new
	// one conflicts after the transport succeeded.
	if err := db.InsertMessage(ctx, &store.Message{
		UUID: "u2", ServerID: "old", Session: alice, FromAccount: "me", Type: store.Text,
		Status: store.StatusFailed, Direction: store.Out, Content: "hi", Time: 1,
	}); err != nil {
		t.Fatal(err)
	}
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	if _, err := e.Resend(ctx, "u2"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	m, _ := db.GetMessage(ctx, "u2")
	if m.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}
	for _, w := range []State{Sending, Failed} {
		select {
		case evt := <-ch:
			if sc := evt.Payload.(StatusChange); sc.To != w {
				t.Fatalf("transition to %s, want %s", sc.To, w)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for status change")
		}
	}
}

func TestRevoke(t *testing.T) {
	tr := &mockTransport{}
	e, db, _, _ := setup(t, tr)
	ctx := context.Background()

	if _, err := e.Revoke(ctx, "", transport.RevokeOptions{}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("empty uuid err = %v", err)
	}
	if _, err := e.Revoke(ctx, "missing", transport.RevokeOptions{}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}

	if _, err := e.Send(ctx, &store.Message{UUID: "u1", Session: alice, Content: "oops"}); err != nil {
		t.Fatal(err)
	}
	got, err := e.Revoke(ctx, "u1", transport.RevokeOptions{Postscript: "sorry"})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Revoked {
		t.Error("returned message not revoked")
	}
	stored, _ := db.GetMessage(ctx, "u1")
	if !stored.Revoked {
		t.Error("stored message not revoked")
	}
	if len(tr.revoked) != 1 {
		t.Errorf("revoke calls = %d, want 1", len(tr.revoked))
	}
}

func TestRevokeTransportFailureLeavesRow(t *testing.T) {
	tr := &mockTransport{}
	e, db, _, _ := setup(t, tr)
	ctx := context.Background()
	if _, err := e.Send(ctx, &store.Message{UUID: "u1", Session: alice, Content: "x"}); err != nil {
		t.Fatal(err)
	}

	tr.err = errs.Exception("msg.revoke", errors.New("nats: timeout"))
	if _, err := e.Revoke(ctx, "u1", transport.RevokeOptions{}); !errors.Is(err, errs.ErrTransportException) {
		t.Fatalf("err = %v, want transport exception", err)
	}
	stored, _ := db.GetMessage(ctx, "u1")
	if stored.Revoked {
		t.Error("message revoked despite transport failure")
	}
}

func TestForwardAllocatesNewIdentity(t *testing.T) {
	e, _, _, _ := setup(t, &mockTransport{})
	ctx := context.Background()
	if _, err := e.Send(ctx, &store.Message{UUID: "u1", Session: alice, Content: "fwd me"}); err != nil {
		t.Fatal(err)
	}

	team := store.SessionKey{ID: "t1", Type: store.Team}
	got, err := e.Forward(ctx, "u1", team)
	if err != nil {
		t.Fatal(err)
	}
	if got.UUID == "u1" || got.UUID == "" {
		t.Errorf("forwarded uuid = %q", got.UUID)
	}
	if got.Session != team || got.Content != "fwd me" {
		t.Errorf("forwarded = %+v", got)
	}
}

func TestReplyLinksThread(t *testing.T) {
	e, _, _, _ := setup(t, &mockTransport{})
	ctx := context.Background()
	if _, err := e.Send(ctx, &store.Message{UUID: "root", Session: alice, Content: "q"}); err != nil {
		t.Fatal(err)
	}
	r1, err := e.Reply(ctx, &store.Message{Content: "a1"}, "root")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := e.Reply(ctx, &store.Message{Content: "a2"}, r1.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if r1.ThreadUUID != "root" || r2.ThreadUUID != "root" || r2.ReplyUUID != r1.UUID {
		t.Errorf("r1 = %+v, r2 = %+v", r1, r2)
	}

	other := &store.Message{Session: store.SessionKey{ID: "bob", Type: store.P2P}, Content: "x"}
	if _, err := e.Reply(ctx, other, "root"); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("cross-session reply err = %v", err)
	}
}
