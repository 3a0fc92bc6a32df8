package session

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/vibetunnel/server/pkg/events"
	"github.com/vibetunnel/server/pkg/protocol"
)

// killGracePeriod is how long a SIGTERM gets before escalation.
const killGracePeriod = 2 * time.Second

// Environment exported to every child.
const (
	EnvSessionID = "VIBETUNNEL_SESSION_ID"
	EnvTitleMode = "VIBETUNNEL_TITLE_MODE"
)

var signalsByName = map[string]syscall.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGTERM": syscall.SIGTERM,
}

// Host owns one live session: the child process, the PTY master, the
// stream writer and the IPC socket. Exactly one Host exists per live
// session.
type Host struct {
	store *Store
	paths Paths
	bus   *events.Bus

	mu     sync.RWMutex
	info   *Info
	cmd    *exec.Cmd
	ptmx   *os.File
	writer *protocol.StreamWriter
	ipc    *IPCServer

	done     chan struct{}
	doneOnce sync.Once
}

// StartHost spawns the session's child under a PTY and brings up its IPC
// socket. The session record must be in the starting state. bus may be
// nil.
func StartHost(store *Store, info *Info, bus *events.Bus) (*Host, error) {
	h := &Host{
		store: store,
		paths: store.SessionPaths(info.ID),
		bus:   bus,
		info:  info,
		done:  make(chan struct{}),
	}

	if err := h.spawn(); err != nil {
		// Keep the record consistent: a failed spawn is an exited
		// session.
		code := 1
		now := time.Now()
		info.Status = StatusExited
		info.ExitCode = &code
		info.ExitedAt = &now
		if saveErr := store.SaveSessionInfo(info); saveErr != nil {
			log.Printf("[ERROR] failed to persist spawn failure for %s: %v", shortID(info.ID), saveErr)
		}
		return nil, NewSessionErrorWithCause("failed to start session", ErrPTYCreationFailed, info.ID, err)
	}

	store.RegisterHost(info.ID, h)

	go h.readLoop()
	go h.waitLoop()

	if bus != nil {
		bus.Publish(events.Event{Kind: events.KindSessionStart, SessionID: info.ID, Name: info.Name})
	}
	return h, nil
}

func (h *Host) spawn() error {
	info := h.info

	if info.WorkingDir != "" {
		if _, err := os.Stat(info.WorkingDir); err != nil {
			return fmt.Errorf("working directory %q not accessible: %w", info.WorkingDir, err)
		}
	}

	cmd := exec.Command(info.Command[0], info.Command[1:]...)
	cmd.Dir = info.WorkingDir
	cmd.Env = h.childEnv()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(info.Cols),
		Rows: uint16(info.Rows),
	})
	if err != nil {
		return fmt.Errorf("failed to start PTY: %w", err)
	}

	writer, err := protocol.NewStreamWriter(h.paths.Stdout(), info.ID, &protocol.AsciinemaHeader{
		Version: 2,
		Width:   uint32(info.Cols),
		Height:  uint32(info.Rows),
		Command: strings.Join(info.Command, " "),
		Title:   info.Name,
		Env:     info.Env,
	})
	if err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		return err
	}
	if err := writer.WriteHeader(); err != nil {
		writer.Close()
		ptmx.Close()
		cmd.Process.Kill()
		return err
	}

	// The stdin FIFO is reserved for external writers; creation failures
	// are not fatal.
	if err := syscall.Mkfifo(h.paths.Stdin(), 0600); err != nil && !os.IsExist(err) {
		debugLog("[DEBUG] failed to create stdin FIFO for %s: %v", shortID(info.ID), err)
	}

	ipc, err := NewIPCServer(h, h.paths.Socket())
	if err != nil {
		writer.Close()
		ptmx.Close()
		cmd.Process.Kill()
		return err
	}

	h.mu.Lock()
	h.cmd = cmd
	h.ptmx = ptmx
	h.writer = writer
	h.ipc = ipc
	info.Status = StatusRunning
	info.Pid = cmd.Process.Pid
	h.mu.Unlock()

	if err := h.store.SaveSessionInfo(info); err != nil {
		log.Printf("[ERROR] failed to save session info for %s: %v", shortID(info.ID), err)
	}

	debugLog("[DEBUG] session %s started, pid %d", shortID(info.ID), cmd.Process.Pid)
	return nil
}

// childEnv passes a filtered environment plus the session's own
// variables.
func (h *Host) childEnv() []string {
	safe := map[string]bool{
		"PATH": true, "HOME": true, "USER": true, "SHELL": true,
		"LANG": true, "LC_ALL": true, "TERM": true,
	}

	env := make([]string, 0, 16)
	for _, v := range os.Environ() {
		if parts := strings.SplitN(v, "=", 2); len(parts) == 2 && safe[parts[0]] {
			env = append(env, v)
		}
	}

	env = append(env, "TERM="+h.info.Term)
	env = append(env, EnvSessionID+"="+h.info.ID)
	env = append(env, EnvTitleMode+"="+h.info.TitleMode)
	for k, v := range h.info.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// readLoop forwards PTY output into the stream writer. A writer failure
// is fatal for the session: the stream file is its source of truth.
func (h *Host) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			if werr := h.writer.WriteOutput(buf[:n]); werr != nil {
				log.Printf("[ERROR] stream write failed for session %s: %v", shortID(h.ID()), werr)
				h.killNow()
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				debugLog("[DEBUG] PTY read ended for %s: %v", shortID(h.ID()), err)
			}
			return
		}
	}
}

// waitLoop reaps the child and finalizes the session record: exit event,
// status flip, socket teardown.
func (h *Host) waitLoop() {
	err := h.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
				if status.Signaled() {
					exitCode = 128 + int(status.Signal())
				}
			}
		} else {
			exitCode = 1
		}
	}

	h.mu.Lock()
	now := time.Now()
	h.info.Status = StatusExited
	h.info.ExitCode = &exitCode
	h.info.ExitedAt = &now
	info := h.info
	h.mu.Unlock()

	if werr := h.writer.WriteExit(exitCode); werr != nil {
		debugLog("[DEBUG] failed to write exit event for %s: %v", shortID(info.ID), werr)
	}
	if werr := h.writer.Close(); werr != nil {
		debugLog("[DEBUG] failed to close stream writer for %s: %v", shortID(info.ID), werr)
	}

	if serr := h.store.SaveSessionInfo(info); serr != nil {
		log.Printf("[ERROR] failed to save exited session %s: %v", shortID(info.ID), serr)
	}

	h.ipc.Close()
	if rerr := os.Remove(h.paths.Socket()); rerr != nil && !os.IsNotExist(rerr) {
		debugLog("[DEBUG] failed to remove socket for %s: %v", shortID(info.ID), rerr)
	}
	h.ptmx.Close()

	h.store.UnregisterHost(info.ID)

	if h.bus != nil {
		h.bus.Publish(events.Event{Kind: events.KindExit, SessionID: info.ID, ExitCode: &exitCode})
	}

	h.doneOnce.Do(func() { close(h.done) })
	debugLog("[DEBUG] session %s exited with code %d", shortID(info.ID), exitCode)
}

// ID returns the session id.
func (h *Host) ID() string {
	return h.info.ID
}

// Info returns a copy of the live record.
func (h *Host) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return *h.info
}

// Done is closed once the child has been reaped and the record
// finalized.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Writer exposes offsets for watchers and replay pruning.
func (h *Host) Writer() *protocol.StreamWriter {
	return h.writer
}

// LastClearOffset is the replay-prune offset of the stream file.
func (h *Host) LastClearOffset() int64 {
	return h.writer.LastClearOffset()
}

// Write sends input bytes to the child's terminal and records an input
// event.
func (h *Host) Write(data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.info.Status != StatusRunning {
		return NewSessionError("session not running", ErrSessionNotRunning, h.info.ID)
	}
	if _, err := h.ptmx.Write(data); err != nil {
		return NewSessionErrorWithCause("failed to write to PTY", ErrStdinWriteFailed, h.info.ID, err)
	}
	if err := h.writer.WriteInput(data); err != nil {
		debugLog("[DEBUG] failed to record input event for %s: %v", shortID(h.info.ID), err)
	}
	return nil
}

// Resize applies new dimensions to the PTY and records an `r` event.
func (h *Host) Resize(cols, rows int) error {
	if cols < 1 || cols > 1000 || rows < 1 || rows > 1000 {
		return NewSessionError(
			fmt.Sprintf("invalid dimensions %dx%d", cols, rows),
			ErrInvalidArgument, h.info.ID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.info.Status != StatusRunning {
		return NewSessionError("cannot resize exited session", ErrSessionNotRunning, h.info.ID)
	}

	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return NewSessionErrorWithCause("failed to resize PTY", ErrPTYResizeFailed, h.info.ID, err)
	}

	if err := h.writer.WriteResize(uint32(cols), uint32(rows)); err != nil {
		debugLog("[DEBUG] failed to record resize event for %s: %v", shortID(h.info.ID), err)
	}

	h.info.Cols = cols
	h.info.Rows = rows
	if err := h.store.SaveSessionInfo(h.info); err != nil {
		log.Printf("[ERROR] failed to save session info after resize: %v", err)
	}
	return nil
}

// ResetSize restores the dimensions the session was created with.
func (h *Host) ResetSize() error {
	h.mu.RLock()
	cols, rows := h.info.InitialCols, h.info.InitialRows
	h.mu.RUnlock()
	return h.Resize(cols, rows)
}

// Kill terminates the child. An empty or SIGTERM signal is graceful:
// SIGTERM, then SIGKILL after the grace period. Any other signal is sent
// as-is.
func (h *Host) Kill(signal string) error {
	if signal == "" {
		signal = "SIGTERM"
	}

	sig, ok := signalsByName[signal]
	if !ok {
		return NewSessionError(fmt.Sprintf("unsupported signal %s", signal), ErrInvalidArgument, h.info.ID)
	}

	if sig != syscall.SIGTERM {
		return h.signal(sig)
	}

	if err := h.signal(syscall.SIGTERM); err != nil {
		return err
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killGracePeriod):
	}

	log.Printf("[INFO] session %s did not exit after SIGTERM, sending SIGKILL", shortID(h.ID()))
	return h.signal(syscall.SIGKILL)
}

func (h *Host) killNow() {
	if err := h.signal(syscall.SIGKILL); err != nil {
		debugLog("[DEBUG] SIGKILL failed for %s: %v", shortID(h.ID()), err)
	}
}

func (h *Host) signal(sig syscall.Signal) error {
	h.mu.RLock()
	proc := h.cmd.Process
	h.mu.RUnlock()

	if proc == nil {
		return NewSessionError("no process to signal", ErrProcessNotFound, h.info.ID)
	}
	if err := proc.Signal(sig); err != nil {
		if strings.Contains(err.Error(), "process already finished") {
			return nil
		}
		return NewSessionErrorWithCause(
			fmt.Sprintf("failed to send %s", sig), ErrProcessSignalFailed, h.info.ID, err)
	}
	return nil
}

func (h *Host) setName(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info.Name = name
}
