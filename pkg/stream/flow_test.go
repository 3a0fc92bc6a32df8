package stream

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibetunnel/server/pkg/events"
	"github.com/vibetunnel/server/pkg/terminal"
)

type fakeTarget struct {
	util    atomic.Value // float64
	pauses  atomic.Int64
	resumes atomic.Int64
	drops   atomic.Int64
}

func (f *fakeTarget) target(id string) Target {
	return Target{
		SessionID:   id,
		Utilization: func() float64 { return f.util.Load().(float64) },
		Pause:       func() { f.pauses.Add(1) },
		Resume:      func() { f.resumes.Add(1) },
		DropBacklog: func() { f.drops.Add(1) },
	}
}

func TestController_PauseAboveHighWatermark(t *testing.T) {
	c := newController(nil, 5*time.Millisecond, time.Hour)
	defer c.Close()

	f := &fakeTarget{}
	f.util.Store(0.85)
	c.Register(f.target("s1"))

	waitFor(t, time.Second, func() bool { return f.pauses.Load() == 1 })
	if !c.Paused("s1") {
		t.Error("session should be paused")
	}

	// Stays paused between the watermarks.
	f.util.Store(0.6)
	time.Sleep(50 * time.Millisecond)
	if f.resumes.Load() != 0 {
		t.Error("must not resume above the low watermark")
	}
}

func TestController_ResumeBelowLowWatermark(t *testing.T) {
	c := newController(nil, 5*time.Millisecond, time.Hour)
	defer c.Close()

	f := &fakeTarget{}
	f.util.Store(0.9)
	c.Register(f.target("s1"))
	waitFor(t, time.Second, func() bool { return c.Paused("s1") })

	f.util.Store(0.4)
	waitFor(t, time.Second, func() bool { return f.resumes.Load() == 1 })
	if c.Paused("s1") {
		t.Error("session should be resumed")
	}
	if f.drops.Load() != 0 {
		t.Error("normal resume must not drop backlog")
	}
}

func TestController_PauseTimeoutDropsBacklog(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	c := newController(bus, 5*time.Millisecond, 50*time.Millisecond)
	defer c.Close()

	f := &fakeTarget{}
	f.util.Store(0.95) // stays pressured past the timeout
	c.Register(f.target("s1"))

	waitFor(t, time.Second, func() bool { return f.drops.Load() == 1 && f.resumes.Load() == 1 })

	var kinds []string
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
			if ev.Kind == events.KindFlowResumed {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flow events not published")
	}

	mu.Lock()
	defer mu.Unlock()
	if kinds[0] != events.KindFlowPaused {
		t.Errorf("first event = %q, want flow-paused", kinds[0])
	}
}

func TestController_UnregisterResumesPaused(t *testing.T) {
	c := newController(nil, 5*time.Millisecond, time.Hour)
	defer c.Close()

	f := &fakeTarget{}
	f.util.Store(0.9)
	c.Register(f.target("s1"))
	waitFor(t, time.Second, func() bool { return c.Paused("s1") })

	c.Unregister("s1")
	if f.resumes.Load() != 1 {
		t.Error("unregister should resume a paused session")
	}
	if c.Paused("s1") {
		t.Error("unregistered session should not be tracked")
	}
}

func TestFeeder_AppliesOutputAndResize(t *testing.T) {
	path := t.TempDir() + "/stdout"
	writeLines(t, path,
		`{"version":2,"width":80,"height":24}`,
		`[0.1,"o","hello"]`,
		`[0.2,"r","100x30"]`,
	)

	svc := NewService()
	defer svc.Close()

	term := terminal.NewEmulator(80, 24)
	feeder, err := NewFeeder(svc, path, "sess", term, TitleModeNone, 0)
	if err != nil {
		t.Fatalf("NewFeeder() error = %v", err)
	}
	defer feeder.Close()

	waitFor(t, 2*time.Second, func() bool {
		cols, rows := term.Size()
		return cols == 100 && rows == 30
	})

	snap := term.Snapshot()
	if got := rowString(snap.Cells[0]); got != "hello" {
		t.Errorf("row 0 = %q, want hello", got)
	}
}

func TestFeeder_ExitNotification(t *testing.T) {
	path := t.TempDir() + "/stdout"
	writeLines(t, path, `{"version":2}`, `["exit",7,"sess"]`)

	svc := NewService()
	defer svc.Close()

	term := terminal.NewEmulator(80, 24)
	feeder, err := NewFeeder(svc, path, "sess", term, TitleModeNone, 0)
	if err != nil {
		t.Fatalf("NewFeeder() error = %v", err)
	}
	defer feeder.Close()

	waitFor(t, 2*time.Second, func() bool {
		exited, code := feeder.Exited()
		return exited && code == 7
	})
}

func TestFeeder_TitleFilterStripsSequences(t *testing.T) {
	path := t.TempDir() + "/stdout"
	writeLines(t, path,
		`{"version":2}`,
		`[0.1,"o","a\u001b]0;secret title\u0007b"]`,
	)

	svc := NewService()
	defer svc.Close()

	term := terminal.NewEmulator(80, 24)
	feeder, err := NewFeeder(svc, path, "sess", term, TitleModeFilter, 0)
	if err != nil {
		t.Fatalf("NewFeeder() error = %v", err)
	}
	defer feeder.Close()

	waitFor(t, 2*time.Second, func() bool {
		snap := term.Snapshot()
		return rowString(snap.Cells[0]) == "ab"
	})

	if term.Title() != "" {
		t.Errorf("filtered title must not reach the emulator, got %q", term.Title())
	}
}

func rowString(row []terminal.Cell) string {
	var out string
	for _, c := range row {
		out += c.Char
	}
	return out
}
