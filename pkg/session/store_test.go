package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_AllocateSessionLayout(t *testing.T) {
	store := NewStore(t.TempDir())

	info, err := store.AllocateSession(Config{
		Command:    []string{"echo", "hi"},
		WorkingDir: "/",
		Cols:       80,
		Rows:       24,
	})
	if err != nil {
		t.Fatalf("AllocateSession() error = %v", err)
	}

	if info.ID == "" || len(info.ID) != 36 {
		t.Errorf("session id %q is not a UUID", info.ID)
	}
	if info.Status != StatusStarting {
		t.Errorf("status = %q, want starting", info.Status)
	}
	if info.InitialCols != 80 || info.InitialRows != 24 {
		t.Errorf("initial dims = %dx%d, want 80x24", info.InitialCols, info.InitialRows)
	}

	paths := store.SessionPaths(info.ID)
	if _, err := os.Stat(paths.Info()); err != nil {
		t.Errorf("session.json missing: %v", err)
	}

	loaded, err := store.GetInfo(info.ID)
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if loaded.Name != info.Name || len(loaded.Command) != 2 {
		t.Errorf("loaded info = %+v", loaded)
	}
}

func TestStore_Defaults(t *testing.T) {
	store := NewStore(t.TempDir())

	info, err := store.AllocateSession(Config{})
	if err != nil {
		t.Fatalf("AllocateSession() error = %v", err)
	}
	if len(info.Command) == 0 {
		t.Error("default command should be the shell")
	}
	if info.Cols != 120 || info.Rows != 30 {
		t.Errorf("default dims = %dx%d, want 120x30", info.Cols, info.Rows)
	}
	if info.TitleMode != TitleModeNone {
		t.Errorf("default title mode = %q, want none", info.TitleMode)
	}
	if info.Name == "" {
		t.Error("name should default to the short id")
	}
}

func TestStore_NameUniqueness(t *testing.T) {
	store := NewStore(t.TempDir())

	first, err := store.AllocateSession(Config{Name: "work", Command: []string{"true"}})
	if err != nil {
		t.Fatalf("AllocateSession() error = %v", err)
	}
	markRunning(t, store, first)

	second, err := store.AllocateSession(Config{Name: "work", Command: []string{"true"}})
	if err != nil {
		t.Fatalf("AllocateSession() error = %v", err)
	}
	if second.Name != "work-2" {
		t.Errorf("second name = %q, want work-2", second.Name)
	}
	markRunning(t, store, second)

	third, err := store.AllocateSession(Config{Name: "work", Command: []string{"true"}})
	if err != nil {
		t.Fatalf("AllocateSession() error = %v", err)
	}
	if third.Name != "work-3" {
		t.Errorf("third name = %q, want work-3", third.Name)
	}
}

func TestStore_NameUniquenessIgnoresExited(t *testing.T) {
	store := NewStore(t.TempDir())

	first, err := store.AllocateSession(Config{Name: "done", Command: []string{"true"}})
	if err != nil {
		t.Fatalf("AllocateSession() error = %v", err)
	}
	first.Status = StatusExited
	if err := store.SaveSessionInfo(first); err != nil {
		t.Fatalf("SaveSessionInfo() error = %v", err)
	}

	second, err := store.AllocateSession(Config{Name: "done", Command: []string{"true"}})
	if err != nil {
		t.Fatalf("AllocateSession() error = %v", err)
	}
	if second.Name != "done" {
		t.Errorf("name = %q; exited sessions must not reserve names", second.Name)
	}
}

func TestStore_UpdateSessionName(t *testing.T) {
	store := NewStore(t.TempDir())

	a, _ := store.AllocateSession(Config{Name: "alpha", Command: []string{"true"}})
	markRunning(t, store, a)
	b, _ := store.AllocateSession(Config{Name: "beta", Command: []string{"true"}})
	markRunning(t, store, b)

	final, err := store.UpdateSessionName(b.ID, "alpha")
	if err != nil {
		t.Fatalf("UpdateSessionName() error = %v", err)
	}
	if final != "alpha-2" {
		t.Errorf("final name = %q, want alpha-2", final)
	}

	loaded, _ := store.GetInfo(b.ID)
	if loaded.Name != "alpha-2" {
		t.Errorf("persisted name = %q, want alpha-2", loaded.Name)
	}
}

func TestStore_ListSessionsNewestFirst(t *testing.T) {
	store := NewStore(t.TempDir())

	old, _ := store.AllocateSession(Config{Name: "old", Command: []string{"true"}})
	old.StartedAt = time.Now().Add(-time.Hour)
	if err := store.SaveSessionInfo(old); err != nil {
		t.Fatalf("SaveSessionInfo() error = %v", err)
	}
	store.AllocateSession(Config{Name: "new", Command: []string{"true"}})

	sessions := store.ListSessions()
	if len(sessions) != 2 {
		t.Fatalf("ListSessions() returned %d, want 2", len(sessions))
	}
	if sessions[0].Name != "new" {
		t.Errorf("first session = %q, want new", sessions[0].Name)
	}
}

func TestStore_CleanupExitedIdempotent(t *testing.T) {
	store := NewStore(t.TempDir())

	running, _ := store.AllocateSession(Config{Name: "live", Command: []string{"true"}})
	markRunning(t, store, running)

	gone, _ := store.AllocateSession(Config{Name: "gone", Command: []string{"true"}})
	gone.Status = StatusExited
	if err := store.SaveSessionInfo(gone); err != nil {
		t.Fatalf("SaveSessionInfo() error = %v", err)
	}

	cleaned := store.CleanupExited()
	if len(cleaned) != 1 || cleaned[0] != gone.ID {
		t.Errorf("cleaned = %v, want [%s]", cleaned, gone.ID)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), gone.ID)); !os.IsNotExist(err) {
		t.Error("exited session directory should be removed")
	}
	if _, err := store.GetInfo(running.ID); err != nil {
		t.Error("running session must survive cleanup")
	}

	// Second pass finds nothing.
	if cleaned := store.CleanupExited(); len(cleaned) != 0 {
		t.Errorf("second cleanup = %v, want empty", cleaned)
	}
}

func TestStore_FindSession(t *testing.T) {
	store := NewStore(t.TempDir())
	info, _ := store.AllocateSession(Config{Name: "findme", Command: []string{"true"}})

	byID, err := store.FindSession(info.ID)
	if err != nil || byID.ID != info.ID {
		t.Errorf("FindSession(id) = %v, %v", byID, err)
	}
	byName, err := store.FindSession("findme")
	if err != nil || byName.ID != info.ID {
		t.Errorf("FindSession(name) = %v, %v", byName, err)
	}
	byPrefix, err := store.FindSession(info.ID[:8])
	if err != nil || byPrefix.ID != info.ID {
		t.Errorf("FindSession(prefix) = %v, %v", byPrefix, err)
	}
	if _, err := store.FindSession("missing"); !IsSessionError(err, ErrSessionNotFound) {
		t.Errorf("missing session error = %v", err)
	}
}

func TestSaveInfo_Atomic(t *testing.T) {
	dir := t.TempDir()
	info := &Info{ID: "x", Name: "x", Command: []string{"true"}, Status: StatusRunning, StartedAt: time.Now()}

	if err := SaveInfo(dir, info); err != nil {
		t.Fatalf("SaveInfo() error = %v", err)
	}

	// No temp files may remain.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != InfoFileName {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents = %v, want only session.json", names)
	}
}

// markRunning flips a record to running so it participates in name
// uniqueness.
func markRunning(t *testing.T, store *Store, info *Info) {
	t.Helper()
	info.Status = StatusRunning
	if err := store.SaveSessionInfo(info); err != nil {
		t.Fatalf("SaveSessionInfo() error = %v", err)
	}
}
