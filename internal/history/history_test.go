package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

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

type mockRemote struct {
	deleteErr error
	onDelete  func()
	deleted   []string
	cleared   int
	pulled    []store.Message
}

func (m *mockRemote) DeleteRemote(_ context.Context, msg *store.Message) error {
	m.deleted = append(m.deleted, msg.UUID)
	if m.onDelete != nil {
		m.onDelete()
	}
	return m.deleteErr
}

func (m *mockRemote) ClearRemote(context.Context, store.SessionKey) error {
	m.cleared++
	return nil
}

func (m *mockRemote) PullHistory(context.Context, transport.HistoryQuery) ([]store.Message, error) {
	return m.pulled, nil
}

var alice = store.SessionKey{ID: "alice", Type: store.P2P}

func setup(t *testing.T, remote Remote) (*Service, *store.DB, *recent.Reconciler) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	r := recent.New(db, nil, b, "me", zap.NewNop())
	return NewService(db, remote, r, b, "me", zap.NewNop()), db, r
}

func put(t *testing.T, s *Service, uuid string, ts int64) {
	t.Helper()
	m := &store.Message{UUID: uuid, ServerID: "s-" + uuid, Session: alice, FromAccount: "alice", Content: "m " + uuid, Time: ts}
	if _, err := s.SaveLocal(context.Background(), m, false); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteBatchPerItemOutcomes(t *testing.T) {
	remote := &mockRemote{deleteErr: errs.Failure("msg.delete", 500, "down")}
	s, db, r := setup(t, remote)
	ctx := context.Background()
	put(t, s, "u1", 100)
	put(t, s, "u2", 200)

	out, err := s.Delete(ctx, []string{"u2", "ghost"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("outcomes = %+v", out)
	}
	if !out[0].Deleted || !errs.IsTransport(out[0].RemoteErr) {
		t.Errorf("u2 outcome = %+v, want deleted with remote failure", out[0])
	}
	if !out[1].IsMissing() {
		t.Errorf("ghost outcome = %+v, want not found", out[1])
	}
	if len(Failed(out)) != 2 {
		t.Errorf("failed = %d, want 2", len(Failed(out)))
	}

	// Local delete stands despite the remote failure.
	if _, err := db.GetMessage(ctx, "u2"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("u2 still stored: %v", err)
	}
	sess, _ := r.Get(ctx, alice)
	if sess.LastMsgUUID != "u1" {
		t.Errorf("last message = %q, want u1", sess.LastMsgUUID)
	}
}

func TestDeleteStopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote := &mockRemote{onDelete: cancel}
	s, db, _ := setup(t, remote)
	put(t, s, "u1", 100)
	put(t, s, "u2", 200)

	out, err := s.Delete(ctx, []string{"u1", "u2"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !out[0].Deleted || out[0].RemoteErr != nil {
		t.Errorf("u1 outcome = %+v", out[0])
	}
	if out[1].Deleted || !errors.Is(out[1].Error, context.Canceled) {
		t.Errorf("u2 outcome = %+v, want cancelled", out[1])
	}
	if len(remote.deleted) != 1 {
		t.Errorf("remote deletes = %v, want only u1", remote.deleted)
	}
	// The committed local delete stays.
	if _, err := db.GetMessage(context.Background(), "u1"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("u1 still stored: %v", err)
	}
}

func TestClearResetsLastMessage(t *testing.T) {
	remote := &mockRemote{}
	s, _, r := setup(t, remote)
	ctx := context.Background()
	put(t, s, "u1", 100)
	put(t, s, "u2", 200)

	n, err := s.Clear(ctx, alice, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || remote.cleared != 1 {
		t.Errorf("cleared %d locally, %d remote calls", n, remote.cleared)
	}
	sess, _ := r.Get(ctx, alice)
	if sess.LastMsgUUID != "" {
		t.Errorf("last message = %q, want none", sess.LastMsgUUID)
	}
	if _, err := s.QueryLast(ctx, alice); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("QueryLast err = %v", err)
	}
}

func TestPullHistoryPersistsWithoutUnread(t *testing.T) {
	remote := &mockRemote{pulled: []store.Message{
		{UUID: "p1", ServerID: "s1", Session: alice, FromAccount: "alice", Type: store.Text, Direction: store.In, Content: "old", Time: 10},
		{UUID: "p2", ServerID: "s2", Session: alice, FromAccount: "alice", Type: store.Text, Direction: store.In, Content: "older", Time: 5},
	}}
	s, db, r := setup(t, remote)
	ctx := context.Background()

	q := transport.HistoryQuery{Session: alice}
	if _, err := s.PullHistory(ctx, q, true); err != nil {
		t.Fatal(err)
	}
	// Pulling again is idempotent.
	if _, err := s.PullHistory(ctx, q, true); err != nil {
		t.Fatal(err)
	}

	if n, _ := db.MessageCount(ctx); n != 2 {
		t.Errorf("message count = %d, want 2", n)
	}
	sess, err := r.Get(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Unread != 0 || sess.LastMsgUUID != "p1" {
		t.Errorf("session = %+v", sess)
	}
}

func TestPullHistoryReconcilesRowsStoredBeforeError(t *testing.T) {
	remote := &mockRemote{pulled: []store.Message{
		{UUID: "p1", ServerID: "s1", Session: alice, FromAccount: "alice", Type: store.Text, Direction: store.In, Content: "kept", Time: 10},
		{UUID: "", Session: alice, FromAccount: "alice", Type: store.Text, Content: "broken", Time: 20},
	}}
	s, db, r := setup(t, remote)
	ctx := context.Background()

	if _, err := s.PullHistory(ctx, transport.HistoryQuery{Session: alice}, true); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
	if n, _ := db.MessageCount(ctx); n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
	sess, err := r.Get(ctx, alice)
	if err != nil {
		t.Fatalf("session not reconciled: %v", err)
	}
	if sess.LastMsgUUID != "p1" || sess.Unread != 0 {
		t.Errorf("session = %+v", sess)
	}
}

func TestQueryDirectionsAndLimits(t *testing.T) {
	s, _, _ := setup(t, nil)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		put(t, s, id, int64(i+1)*100)
	}

	older, err := s.Query(ctx, store.MessageQuery{Session: alice, Direction: store.Older, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].UUID != "c" || older[1].UUID != "b" {
		t.Errorf("older = %v", older)
	}
	newer, err := s.Query(ctx, store.MessageQuery{Session: alice, Direction: store.Newer, Anchor: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(newer) != 2 || newer[0].UUID != "b" {
		t.Errorf("newer = %v", newer)
	}

	if _, err := s.Query(ctx, store.MessageQuery{Session: alice, Limit: 10000}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("huge limit err = %v", err)
	}
	if _, err := s.Query(ctx, store.MessageQuery{Session: store.SessionKey{ID: "x", Type: "bogus"}}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("bad type err = %v", err)
	}
}

func TestSaveLocalAndExtension(t *testing.T) {
	s, _, _ := setup(t, nil)
	ctx := context.Background()

	if _, err := s.SaveLocal(ctx, &store.Message{Session: alice, Content: "x"}, false); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("missing from account err = %v", err)
	}
	m, err := s.SaveLocal(ctx, &store.Message{Session: alice, FromAccount: "me", Type: store.Tip, Content: "tip"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if m.UUID == "" || m.Direction != store.Out {
		t.Errorf("saved = %+v", m)
	}

	got, err := s.UpdateLocalExtension(ctx, m.UUID, map[string]any{"seen": true})
	if err != nil {
		t.Fatal(err)
	}
	if got.LocalExt["seen"] != true {
		t.Errorf("local ext = %v", got.LocalExt)
	}
}

func TestThreadAndSearch(t *testing.T) {
	s, _, _ := setup(t, nil)
	ctx := context.Background()
	put(t, s, "root", 100)
	reply := &store.Message{Session: alice, FromAccount: "alice", Content: "needle reply", ThreadUUID: "root", ReplyUUID: "root", Time: 200}
	if _, err := s.SaveLocal(ctx, reply, false); err != nil {
		t.Fatal(err)
	}

	thread, err := s.Thread(ctx, "root", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(thread) != 2 || thread[0].UUID != "root" {
		t.Errorf("thread = %v", thread)
	}

	hits, err := s.Search(ctx, "needle", store.SessionKey{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("hits = %d, want 1", len(hits))
	}
	if _, err := s.Search(ctx, "", alice, 10); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("empty keyword err = %v", err)
	}
}
