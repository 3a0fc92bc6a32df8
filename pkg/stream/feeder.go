package stream

import (
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/vibetunnel/server/pkg/protocol"
	"github.com/vibetunnel/server/pkg/terminal"
)

// TitleMode controls how OSC title sequences reach the emulator.
type TitleMode string

const (
	TitleModeNone   TitleMode = "none"
	TitleModeFilter TitleMode = "filter"
	TitleModeStatic TitleMode = "static"
	// TitleModeDynamic is currently an alias of static.
	TitleModeDynamic TitleMode = "dynamic"
)

// Feeder replays a session's stdout file into its terminal emulator and
// keeps it hot. Snapshot listeners are notified after every applied batch
// so transports can coalesce pushes.
type Feeder struct {
	sessionID string
	term      *terminal.Emulator
	filter    *protocol.TitleFilter

	mu        sync.Mutex
	listeners map[int64]func()
	exitFns   map[int64]func(code int)
	nextID    int64
	exited    bool
	exitCode  int

	cancel func()
}

// NewFeeder subscribes the emulator to the stream file via svc. Replay
// starts at `from` (the session's last clear offset).
func NewFeeder(svc *Service, path, sessionID string, term *terminal.Emulator, mode TitleMode, from int64) (*Feeder, error) {
	f := &Feeder{
		sessionID: sessionID,
		term:      term,
		listeners: make(map[int64]func()),
		exitFns:   make(map[int64]func(code int)),
	}
	if mode == TitleModeFilter {
		f.filter = protocol.NewTitleFilter()
	}

	cancel, err := svc.Subscribe(path, from, f.handleLine)
	if err != nil {
		return nil, err
	}
	f.cancel = cancel
	return f, nil
}

func (f *Feeder) handleLine(line []byte, offset int64) error {
	event, err := protocol.ParseEventLine(line)
	if err != nil {
		// Unparseable lines are skipped; the stream stays usable.
		log.Printf("[DEBUG] feeder %s: skipping bad line: %v", shortID(f.sessionID), err)
		return nil
	}

	switch event.Type {
	case "event":
		switch event.Event.Type {
		case protocol.EventOutput:
			data := []byte(event.Event.Data)
			if f.filter != nil {
				data = f.filter.Filter(data)
			}
			if _, err := f.term.Write(data); err != nil {
				return err
			}
			f.notify()
		case protocol.EventResize:
			if cols, rows, ok := parseResize(event.Event.Data); ok {
				f.term.Resize(cols, rows)
				f.notify()
			}
		}
	case "exit":
		code := 0
		if event.ExitCode != nil {
			code = *event.ExitCode
		}
		f.notifyExit(code)
	}
	return nil
}

func parseResize(data string) (cols, rows int, ok bool) {
	parts := strings.SplitN(data, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	cols, err1 := strconv.Atoi(parts[0])
	rows, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || cols < 1 || rows < 1 {
		return 0, 0, false
	}
	return cols, rows, true
}

func (f *Feeder) notify() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (f *Feeder) notifyExit(code int) {
	f.mu.Lock()
	f.exited = true
	f.exitCode = code
	fns := make([]func(int), 0, len(f.exitFns))
	for _, fn := range f.exitFns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(code)
	}
}

// Exited reports whether the stream's exit terminator has been applied.
func (f *Feeder) Exited() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited, f.exitCode
}

// OnUpdate registers a callback fired after each applied output or resize
// batch. Returns a cancel function.
func (f *Feeder) OnUpdate(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

// OnExit registers a callback fired when the exit terminator is applied.
func (f *Feeder) OnExit(fn func(code int)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.exitFns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.exitFns, id)
	}
}

// Terminal exposes the fed emulator.
func (f *Feeder) Terminal() *terminal.Emulator {
	return f.term
}

// Close releases the stream subscription.
func (f *Feeder) Close() {
	if f.cancel != nil {
		f.cancel()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
