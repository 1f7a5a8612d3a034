package collab

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/codefionn/syncspace/internal/syncerr"
)

func newTestManager(t *testing.T, grace time.Duration) *Manager {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	m := NewManager(j, grace)
	t.Cleanup(func() { m.Destroy() })
	return m
}

func TestJoinEditLeaveRejoinRestoresContent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 10*time.Millisecond)
	m.SetCurrentUser(User{ID: "alice", Name: "Alice", Color: "#ff0000"})

	s, err := m.Join(ctx, "doc-1", "proj-1", "notes/todo.md")
	if err != nil {
		t.Fatal(err)
	}

	text := m.Text(s)
	if err := text.Insert(0, "remember the milk"); err != nil {
		t.Fatal(err)
	}
	if err := m.Leave("doc-1"); err != nil {
		t.Fatal(err)
	}

	// wait past the grace period so the session is genuinely torn down
	time.Sleep(50 * time.Millisecond)

	s2, err := m.Join(ctx, "doc-1", "proj-1", "notes/todo.md")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Text(s2).Content(); got != "remember the milk" {
		t.Errorf("rejoin content = %q", got)
	}
	if s2.DocumentID != "doc-1" {
		t.Errorf("documentID = %q", s2.DocumentID)
	}
}

func TestRejoinWithinGraceReattaches(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, time.Hour)
	m.SetCurrentUser(User{ID: "alice"})

	s1, err := m.Join(ctx, "doc-g", "p", "f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Leave("doc-g"); err != nil {
		t.Fatal(err)
	}

	s2, err := m.Join(ctx, "doc-g", "p", "f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("rejoin within grace period should reattach to the live session")
	}
}

func TestPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, time.Hour)

	m.SetCurrentUser(User{ID: "alice", Name: "Alice", Color: "#f00"})
	s, err := m.Join(ctx, "doc-p", "p", "f.txt")
	if err != nil {
		t.Fatal(err)
	}

	m.SetCurrentUser(User{ID: "bob", Name: "Bob", Color: "#00f"})
	if _, err := m.Join(ctx, "doc-p", "p", "f.txt"); err != nil {
		t.Fatal(err)
	}

	users := m.ActiveUsers(s)
	if len(users) != 2 {
		t.Fatalf("expected 2 active users, got %d", len(users))
	}

	if err := m.UpdateCursor(s, 4, 17); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range m.ActiveUsers(s) {
		if p.User.ID == "bob" && p.Line == 4 && p.Column == 17 {
			found = true
		}
	}
	if !found {
		t.Error("cursor update not reflected in presence")
	}

	// presence is ephemeral: gone after leave
	if err := m.Leave("doc-p"); err != nil {
		t.Fatal(err)
	}
	for _, p := range m.ActiveUsers(s) {
		if p.User.ID == "bob" {
			t.Error("presence survived leave")
		}
	}
}

func TestCursorUpdateRequiresMembership(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, time.Hour)

	m.SetCurrentUser(User{ID: "alice"})
	s, err := m.Join(ctx, "doc-c", "p", "f.txt")
	if err != nil {
		t.Fatal(err)
	}

	m.SetCurrentUser(User{ID: "stranger"})
	if err := m.UpdateCursor(s, 1, 1); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatsAndConflicts(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, time.Hour)
	m.SetCurrentUser(User{ID: "alice"})

	s, err := m.Join(ctx, "doc-s", "p", "f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Text(s).Insert(0, "12345"); err != nil {
		t.Fatal(err)
	}

	stats := m.Stats(s)
	if stats.UserCount != 1 {
		t.Errorf("UserCount = %d", stats.UserCount)
	}
	if stats.DocumentSize != 5 {
		t.Errorf("DocumentSize = %d", stats.DocumentSize)
	}
	if stats.LastActivity.IsZero() {
		t.Error("LastActivity unset")
	}

	// a concurrent shared-map write that loses shows up as a conflict
	if err := m.SharedMap(s).Set("mode", "insert"); err != nil {
		t.Fatal(err)
	}
	stale := Op{Action: OpMapSet, Key: "mode", Value: "stale", Stamp: OpID{Clock: 1, Peer: "aaa"}}
	if err := m.ApplyRemote(s, []Op{stale}); err != nil {
		t.Fatal(err)
	}
	if n := m.ResolveConflicts(s); n != 1 {
		t.Errorf("ResolveConflicts = %d, want 1", n)
	}
	if got := m.Stats(s).Conflicts; got != 1 {
		t.Errorf("Conflicts = %d, want 1", got)
	}
	// shared value survived the stale write
	if v, _ := m.SharedMap(s).Get("mode"); v != "insert" {
		t.Errorf("mode = %q", v)
	}
}

func TestApplyRemoteConvergesTwoManagers(t *testing.T) {
	ctx := context.Background()

	mA := newTestManager(t, time.Hour)
	mA.SetCurrentUser(User{ID: "alice"})
	mB := newTestManager(t, time.Hour)
	mB.SetCurrentUser(User{ID: "bob"})

	var toB [][]Op
	mA.OnOps(func(documentID string, ops []Op) { toB = append(toB, ops) })
	var toA [][]Op
	mB.OnOps(func(documentID string, ops []Op) { toA = append(toA, ops) })

	sA, err := mA.Join(ctx, "shared-doc", "p", "f.txt")
	if err != nil {
		t.Fatal(err)
	}
	sB, err := mB.Join(ctx, "shared-doc", "p", "f.txt")
	if err != nil {
		t.Fatal(err)
	}

	if err := mA.Text(sA).Insert(0, "alpha"); err != nil {
		t.Fatal(err)
	}
	if err := mB.Text(sB).Insert(0, "beta"); err != nil {
		t.Fatal(err)
	}

	for _, ops := range toB {
		if err := mB.ApplyRemote(sB, ops); err != nil {
			t.Fatal(err)
		}
	}
	for _, ops := range toA {
		if err := mA.ApplyRemote(sA, ops); err != nil {
			t.Fatal(err)
		}
	}

	if mA.Text(sA).Content() != mB.Text(sB).Content() {
		t.Fatalf("managers diverged: %q vs %q",
			mA.Text(sA).Content(), mB.Text(sB).Content())
	}
}

func TestJoinWithoutUser(t *testing.T) {
	m := newTestManager(t, time.Hour)
	if _, err := m.Join(context.Background(), "d", "p", "f"); err == nil {
		t.Error("join without current user should fail")
	}
}

func TestLeaveUnknownSession(t *testing.T) {
	m := newTestManager(t, time.Hour)
	m.SetCurrentUser(User{ID: "alice"})
	if err := m.Leave("ghost"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestJournalRoundTrip(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "j.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	if err := j.RegisterDocument("d1", "p1", "a.txt"); err != nil {
		t.Fatal(err)
	}
	// registering twice is fine
	if err := j.RegisterDocument("d1", "p1", "a.txt"); err != nil {
		t.Fatal(err)
	}

	src := NewText()
	ops, err := src.Insert("alice", 0, "journaled")
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Append("d1", ops); err != nil {
		t.Fatal(err)
	}

	loaded, err := j.Load("d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != len(ops) {
		t.Fatalf("loaded %d ops, want %d", len(loaded), len(ops))
	}

	replay := NewText()
	for _, op := range loaded {
		if err := replay.Apply(op); err != nil {
			t.Fatal(err)
		}
	}
	if replay.Content() != "journaled" {
		t.Errorf("replayed content = %q", replay.Content())
	}

	if err := j.Purge("d1"); err != nil {
		t.Fatal(err)
	}
	left, err := j.Load("d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("%d ops left after purge", len(left))
	}
}
