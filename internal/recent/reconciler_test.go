package recent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/errs"
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

var (
	keyA = store.SessionKey{ID: "a", Type: store.P2P}
	keyB = store.SessionKey{ID: "b", Type: store.P2P}
)

func inbound(uuid string, key store.SessionKey, from string, ts int64) *store.Message {
	return &store.Message{
		UUID: uuid, Session: key, FromAccount: from, Type: store.Text,
		Status: store.StatusUnread, Direction: store.In, Content: "hi", Time: ts,
	}
}

// failingStore fails ClearUnread for one session.
type failingStore struct {
	*store.DB
	fail store.SessionKey
}

func (f *failingStore) ClearUnread(ctx context.Context, key store.SessionKey) error {
	if key == f.fail {
		return errors.New("backing store unavailable")
	}
	return f.DB.ClearUnread(ctx, key)
}

func TestOnMessageCountsOnlyForeignInbound(t *testing.T) {
	db := testDB(t)
	r := New(db, nil, bus.New(), "me", zap.NewNop())
	ctx := context.Background()

	if _, err := r.OnMessage(ctx, inbound("u1", keyA, "a", 100)); err != nil {
		t.Fatal(err)
	}
	// Sent from another device of the same account.
	if _, err := r.OnMessage(ctx, inbound("u2", keyA, "me", 200)); err != nil {
		t.Fatal(err)
	}
	muted := inbound("u3", keyA, "a", 300)
	muted.Config = &store.MessageConfig{EnableUnreadCount: false}
	s, err := r.OnMessage(ctx, muted)
	if err != nil {
		t.Fatal(err)
	}

	if s.Unread != 1 {
		t.Errorf("unread = %d, want 1", s.Unread)
	}
	if s.LastMsgUUID != "u3" {
		t.Errorf("last message = %q, want u3", s.LastMsgUUID)
	}
}

func TestClearUnreadPartialFailure(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for i, k := range []store.SessionKey{keyA, keyB} {
		if err := db.ApplyMessage(ctx, inbound(k.ID+"1", k, k.ID, int64(i+1)), true); err != nil {
			t.Fatal(err)
		}
	}

	r := New(&failingStore{DB: db, fail: keyB}, nil, bus.New(), "me", zap.NewNop())
	failed, err := r.ClearUnread(ctx, []store.SessionKey{keyA, keyB})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0] != keyB {
		t.Fatalf("failed = %v, want [%v]", failed, keyB)
	}

	a, _ := db.GetSession(ctx, keyA)
	b, _ := db.GetSession(ctx, keyB)
	if a.Unread != 0 {
		t.Errorf("A unread = %d, want 0", a.Unread)
	}
	if b.Unread != 1 {
		t.Errorf("B unread = %d, want 1", b.Unread)
	}
}

func TestClearUnreadMissingSessionFails(t *testing.T) {
	r := New(testDB(t), nil, bus.New(), "me", zap.NewNop())
	failed, err := r.ClearUnread(context.Background(), []store.SessionKey{keyA})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Errorf("failed = %v, want [%v]", failed, keyA)
	}

	if _, err := r.ClearUnread(context.Background(), nil); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("empty list err = %v, want invalid argument", err)
	}
}

func TestCreateEmptyLinksLastMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()
	r := New(db, nil, b, "me", zap.NewNop())

	if err := db.InsertMessage(ctx, inbound("u1", keyA, "a", 500)); err != nil {
		t.Fatal(err)
	}
	s, err := r.CreateEmpty(ctx, keyA, 0, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if s.LastMsgUUID != "u1" || s.Unread != 0 {
		t.Errorf("session = %+v, want last u1 with no unread", s)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.SessionUpdated {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session.updated")
	}

	// A second create leaves the row alone.
	if err := db.UpdateSession(ctx, keyA, store.TagMuted, "x"); err != nil {
		t.Fatal(err)
	}
	s, err = r.CreateEmpty(ctx, keyA, 0, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if s.Tag != store.TagMuted || s.Extension != "x" {
		t.Errorf("existing session modified: %+v", s)
	}
}

type fakeRemote struct {
	deleteErr error
	acked     []store.SessionKey
}

func (f *fakeRemote) AckSession(_ context.Context, key store.SessionKey, _ int64) error {
	f.acked = append(f.acked, key)
	return nil
}

func (f *fakeRemote) DeleteSession(context.Context, store.SessionKey, bool) error { return f.deleteErr }

func (f *fakeRemote) AddSticky(_ context.Context, key store.SessionKey, ext string) (store.Sticky, error) {
	return store.Sticky{Session: key, Ext: ext, CreateTime: 10, UpdateTime: 10}, nil
}

func (f *fakeRemote) UpdateSticky(_ context.Context, key store.SessionKey, ext string) (store.Sticky, error) {
	return store.Sticky{Session: key, Ext: ext, CreateTime: 10, UpdateTime: 20}, nil
}

func (f *fakeRemote) RemoveSticky(context.Context, store.SessionKey) (int64, error) { return 30, nil }

func TestDeleteKeepsLocalOnRemoteFailure(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	remote := &fakeRemote{deleteErr: errs.Failure("session.delete", 500, "boom")}
	r := New(db, remote, bus.New(), "me", zap.NewNop())

	if _, err := r.OnMessage(ctx, inbound("u1", keyA, "a", 1)); err != nil {
		t.Fatal(err)
	}
	err := r.Delete(ctx, keyA, DeleteBoth, false)
	if !errs.IsTransport(err) {
		t.Fatalf("err = %v, want transport failure", err)
	}
	if _, err := db.GetSession(ctx, keyA); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("local session still present: %v", err)
	}

	if err := r.Delete(ctx, keyA, "bogus", false); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("bogus mode err = %v", err)
	}
}

func TestClearUnreadAcksRemote(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	remote := &fakeRemote{}
	r := New(db, remote, bus.New(), "me", zap.NewNop())

	if _, err := r.OnMessage(ctx, inbound("u1", keyA, "a", 1)); err != nil {
		t.Fatal(err)
	}
	failed, err := r.ClearUnread(ctx, []store.SessionKey{keyA})
	if err != nil || len(failed) != 0 {
		t.Fatalf("failed = %v, err = %v", failed, err)
	}
	if len(remote.acked) != 1 || remote.acked[0] != keyA {
		t.Errorf("acked = %v", remote.acked)
	}
}

func TestRefreshLastMessageAfterDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := New(db, nil, bus.New(), "me", zap.NewNop())

	for i, id := range []string{"u1", "u2"} {
		m := inbound(id, keyA, "a", int64(i+1)*100)
		if err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		if _, err := r.OnMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	last, err := db.GetMessage(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage(ctx, last); err != nil {
		t.Fatal(err)
	}
	if err := r.RefreshLastMessage(ctx, keyA); err != nil {
		t.Fatal(err)
	}
	s, _ := r.Get(ctx, keyA)
	if s.LastMsgUUID != "u1" {
		t.Errorf("last = %q, want u1", s.LastMsgUUID)
	}
}

func TestTotalUnreadRejectsUnknownFilter(t *testing.T) {
	r := New(testDB(t), nil, bus.New(), "me", zap.NewNop())
	if _, err := r.TotalUnread(context.Background(), store.UnreadFilter(9)); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("err = %v", err)
	}
}

func TestStickyLifecycleAndOverlay(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := New(db, &fakeRemote{}, bus.New(), "me", zap.NewNop())

	for i, k := range []store.SessionKey{keyA, keyB} {
		if _, err := r.OnMessage(ctx, inbound(k.ID, k, k.ID, int64(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.AddSticky(ctx, keyA, "top"); err != nil {
		t.Fatal(err)
	}
	st, err := r.UpdateSticky(ctx, keyA, "top2")
	if err != nil {
		t.Fatal(err)
	}
	if st.UpdateTime != 20 {
		t.Errorf("update time = %d, want remote's 20", st.UpdateTime)
	}

	sessions, _ := r.List(ctx, 10, nil)
	sticky, _ := r.ListSticky(ctx)
	entries := Overlay(sessions, sticky)
	// keyB is newer, but keyA is sticky.
	if len(entries) != 2 || entries[0].Session.Key != keyA || entries[0].Sticky == nil {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].Sticky != nil {
		t.Error("non-sticky entry carries sticky state")
	}

	if _, err := r.RemoveSticky(ctx, keyA); err != nil {
		t.Fatal(err)
	}
	sticky, _ = r.ListSticky(ctx)
	if len(sticky) != 0 {
		t.Errorf("sticky = %v, want empty", sticky)
	}
}

func TestApplyStickyPushSynced(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	b := bus.New()
	ch, unsub := b.Subscribe("sticky.", 10)
	defer unsub()
	r := New(db, nil, b, "me", zap.NewNop())

	push := &transport.StickyPush{Op: transport.OpSynced, All: []store.Sticky{
		{Session: keyA, UpdateTime: 5},
		{Session: keyB, UpdateTime: 6},
	}}
	if err := r.ApplyStickyPush(ctx, push); err != nil {
		t.Fatal(err)
	}
	all, _ := r.ListSticky(ctx)
	if len(all) != 2 {
		t.Errorf("sticky count = %d, want 2", len(all))
	}
	select {
	case evt := <-ch:
		if evt.Kind != bus.StickySynced {
			t.Errorf("kind = %q, want sticky.synced", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sticky.synced")
	}
}
