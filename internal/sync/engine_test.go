package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/cursor"
	"github.com/matheus3301/imcore/internal/pin"
	"github.com/matheus3301/imcore/internal/receipt"
	"github.com/matheus3301/imcore/internal/recent"
	"github.com/matheus3301/imcore/internal/store"
	"github.com/matheus3301/imcore/internal/transport"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var bob = store.SessionKey{ID: "bob", Type: store.P2P}

func newEngine(t *testing.T, db *store.DB, b *bus.Bus) *Engine {
	t.Helper()
	logger := zap.NewNop()
	sessions := recent.New(db, nil, b, "me", logger)
	pins := pin.NewTracker(db, nil, cursor.New("pins", db, logger), b, "me", logger)
	receipts := receipt.NewTracker(db, nil, b, logger)
	return NewEngine(db, sessions, pins, receipts, b, "me", logger)
}

func inbound(uuid, from string, ts int64) *store.Message {
	return &store.Message{UUID: uuid, ServerID: "s-" + uuid, Session: bob, FromAccount: from, Type: store.Text, Content: "hi", Time: ts}
}

func TestEngineIngestMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := newEngine(t, db, b)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	created, err := e.IngestMessage(context.Background(), inbound("m1", "bob", 1000))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first ingest reported existing row")
	}

	// Verify session was auto-created.
	s, err := db.GetSession(context.Background(), bob)
	if err != nil {
		t.Fatal(err)
	}
	if s.Unread != 1 || s.LastMsgUUID != "m1" {
		t.Errorf("session = %+v", s)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.MessageReceived {
			t.Errorf("event kind = %q, want message.received", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.received event")
	}
}

func TestEngineIngestMessageIdempotent(t *testing.T) {
	db := testDB(t)
	e := newEngine(t, db, bus.New())
	ctx := context.Background()

	msg := inbound("m1", "bob", 1000)
	if _, err := e.IngestMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	dup := inbound("m1", "bob", 1000)
	dup.Content = "v2"
	created, err := e.IngestMessage(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("duplicate push reported as new")
	}

	m, _ := db.GetMessage(ctx, "m1")
	if m.Content != "v2" {
		t.Errorf("content = %q, want v2 (updated)", m.Content)
	}
	s, _ := db.GetSession(ctx, bob)
	if s.Unread != 1 {
		t.Errorf("unread = %d, want 1 after duplicate push", s.Unread)
	}
}

func TestEngineUnreadCounting(t *testing.T) {
	db := testDB(t)
	e := newEngine(t, db, bus.New())
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if _, err := e.IngestMessage(ctx, inbound(id, "bob", int64(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	// Sent by this account from another device.
	self := inbound("d", "me", 10)
	if _, err := e.IngestMessage(ctx, self); err != nil {
		t.Fatal(err)
	}
	if self.Direction != store.Out {
		t.Errorf("self message direction = %q, want out", self.Direction)
	}

	s, _ := db.GetSession(ctx, bob)
	if s.Unread != 3 {
		t.Errorf("unread = %d, want 3", s.Unread)
	}
}

func TestEngineIngestRevoke(t *testing.T) {
	db := testDB(t)
	e := newEngine(t, db, bus.New())
	ctx := context.Background()

	if _, err := e.IngestMessage(ctx, inbound("m1", "bob", 1)); err != nil {
		t.Fatal(err)
	}
	if err := e.IngestRevoke(ctx, &transport.RevokePush{UUID: "m1", Session: bob, Operator: "bob"}); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage(ctx, "m1")
	if !m.Revoked {
		t.Error("message not revoked")
	}
	// Unknown messages are ignored.
	if err := e.IngestRevoke(ctx, &transport.RevokePush{UUID: "ghost"}); err != nil {
		t.Errorf("unknown revoke err = %v", err)
	}
}

func TestEnginePushAppliesInOrder(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := newEngine(t, db, b)

	ctx := context.Background()
	e.Start(ctx)
	defer e.Stop()

	ch, unsub := b.Subscribe("receipt.", 10)
	defer unsub()

	if err := e.Push(ctx, bus.RemoteMessage, inbound("bm1", "bob", 5000)); err != nil {
		t.Fatal(err)
	}
	if err := e.Push(ctx, bus.RemoteReceipt, &transport.ReceiptPush{Session: bob, Time: 5000}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for receipt.received")
	}

	// Pushes are handled in order, so the message is stored by now.
	if _, err := db.GetMessage(ctx, "bm1"); err != nil {
		t.Fatalf("pushed message not stored: %v", err)
	}
	r, _ := db.GetReceipt(ctx, bob)
	if r.PeerReadTime != 5000 {
		t.Errorf("peer read time = %d", r.PeerReadTime)
	}
}

func TestEnginePushBurstLosesNothing(t *testing.T) {
	db := testDB(t)
	e := newEngine(t, db, bus.New())
	ctx := context.Background()
	e.Start(ctx)
	defer e.Stop()

	const n = 1000
	for i := 0; i < n; i++ {
		kind, payload, err := transport.DecodePush([]byte(fmt.Sprintf(
			`{"kind":"message","data":{"uuid":"burst-%d","session":{"sessionId":"bob","sessionType":"p2p"},"fromAccount":"bob","type":"text","content":"x","time":%d}}`,
			i, i+1)))
		if err != nil {
			t.Fatal(err)
		}
		if err := e.Push(ctx, kind, payload); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		count, err := db.MessageCount(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if count == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored %d of %d pushed messages", count, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	s, err := db.GetSession(ctx, bob)
	if err != nil {
		t.Fatal(err)
	}
	if s.Unread != n {
		t.Errorf("unread = %d, want %d", s.Unread, n)
	}
}

func TestEngineStopDrainsAndRejects(t *testing.T) {
	db := testDB(t)
	e := newEngine(t, db, bus.New())
	ctx := context.Background()

	// Queued before Start; Stop must still apply them.
	for i := 0; i < 10; i++ {
		if err := e.Push(ctx, bus.RemoteMessage, inbound(fmt.Sprintf("q%d", i), "bob", int64(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	e.Start(ctx)
	e.Stop()

	if count, _ := db.MessageCount(ctx); count != 10 {
		t.Errorf("stored %d, want 10", count)
	}
	if err := e.Push(ctx, bus.RemoteMessage, inbound("late", "bob", 99)); !errors.Is(err, ErrStopped) {
		t.Errorf("push after stop err = %v, want ErrStopped", err)
	}
	if err := e.Push(ctx, bus.MessageReceived, nil); err == nil {
		t.Error("expected non-transport kind to be rejected")
	}
}

func TestEngineStickyPush(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := newEngine(t, db, b)
	e.Start(context.Background())
	defer e.Stop()

	ch, unsub := b.Subscribe("sticky.", 10)
	defer unsub()

	if err := e.Push(context.Background(), bus.RemoteSticky, &transport.StickyPush{Op: transport.OpAdded, Sticky: store.Sticky{Session: bob, UpdateTime: 9}}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.StickyAdded {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sticky.added")
	}
	all, _ := db.ListSticky(context.Background())
	if len(all) != 1 {
		t.Errorf("sticky = %v", all)
	}
}
