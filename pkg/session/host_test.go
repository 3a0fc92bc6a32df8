package session

import (
	"encoding/json"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vibetunnel/server/pkg/protocol"
)

func startTestHost(t *testing.T, config Config) (*Store, *Host) {
	t.Helper()
	store := NewStore(t.TempDir())

	info, err := store.AllocateSession(config)
	if err != nil {
		t.Fatalf("AllocateSession() error = %v", err)
	}

	host, err := StartHost(store, info, nil)
	if err != nil {
		t.Fatalf("StartHost() error = %v", err)
	}
	t.Cleanup(func() {
		host.Kill("SIGKILL")
	})
	return store, host
}

func waitExit(t *testing.T, host *Host, timeout time.Duration) {
	t.Helper()
	select {
	case <-host.Done():
	case <-time.After(timeout):
		t.Fatal("session did not exit in time")
	}
}

func TestHost_EchoSession(t *testing.T) {
	store, host := startTestHost(t, Config{
		Command: []string{"sh", "-c", "echo hi"},
		Cols:    80,
		Rows:    24,
	})

	waitExit(t, host, 5*time.Second)

	info, err := store.GetInfo(host.ID())
	if err != nil {
		t.Fatalf("GetInfo() error = %v", err)
	}
	if info.Status != StatusExited {
		t.Errorf("status = %q, want exited", info.Status)
	}
	if info.ExitCode == nil || *info.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", info.ExitCode)
	}

	data, err := os.ReadFile(store.SessionPaths(host.ID()).Stdout())
	if err != nil {
		t.Fatalf("reading stdout file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "hi") {
		t.Errorf("stream file missing output:\n%s", content)
	}
	if !strings.Contains(content, `["exit",0,`) {
		t.Errorf("stream file missing exit terminator:\n%s", content)
	}
}

func TestHost_SocketLifecycle(t *testing.T) {
	store, host := startTestHost(t, Config{Command: []string{"cat"}})

	paths := store.SessionPaths(host.ID())
	if _, err := os.Stat(paths.Socket()); err != nil {
		t.Fatalf("ipc.sock missing while running: %v", err)
	}

	info, _ := store.GetInfo(host.ID())
	if info.Status != StatusRunning {
		t.Errorf("status = %q, want running", info.Status)
	}
	if info.Pid == 0 {
		t.Error("pid should be recorded")
	}

	if err := host.Kill(""); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	waitExit(t, host, 5*time.Second)

	if _, err := os.Stat(paths.Socket()); !os.IsNotExist(err) {
		t.Error("ipc.sock should be removed after exit")
	}
	if store.GetHost(host.ID()) != nil {
		t.Error("host should be unregistered after exit")
	}
}

func TestHost_InputReachesChild(t *testing.T) {
	store, host := startTestHost(t, Config{Command: []string{"cat"}})

	if err := host.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	stdout := store.SessionPaths(host.ID()).Stdout()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(stdout)
		if strings.Contains(string(data), "hello") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("echoed input never appeared in the stream file")
}

func TestHost_ResizeWritesEvent(t *testing.T) {
	store, host := startTestHost(t, Config{Command: []string{"cat"}, Cols: 80, Rows: 24})

	if err := host.Resize(100, 30); err != nil {
		t.Fatalf("Resize() error = %v", err)
	}

	info, _ := store.GetInfo(host.ID())
	if info.Cols != 100 || info.Rows != 30 {
		t.Errorf("dims = %dx%d, want 100x30", info.Cols, info.Rows)
	}

	data, _ := os.ReadFile(store.SessionPaths(host.ID()).Stdout())
	if !strings.Contains(string(data), `"r","100x30"`) {
		t.Errorf("stream file missing resize event:\n%s", data)
	}

	// Reset returns to the creation size.
	if err := host.ResetSize(); err != nil {
		t.Fatalf("ResetSize() error = %v", err)
	}
	info, _ = store.GetInfo(host.ID())
	if info.Cols != 80 || info.Rows != 24 {
		t.Errorf("dims after reset = %dx%d, want 80x24", info.Cols, info.Rows)
	}
}

func TestHost_ResizeBounds(t *testing.T) {
	_, host := startTestHost(t, Config{Command: []string{"cat"}})

	for _, dims := range [][2]int{{0, 24}, {80, 0}, {1001, 24}, {80, 1001}} {
		if err := host.Resize(dims[0], dims[1]); !IsSessionError(err, ErrInvalidArgument) {
			t.Errorf("Resize(%d,%d) error = %v, want INVALID_ARGUMENT", dims[0], dims[1], err)
		}
	}
}

func TestHost_SpawnFailureMarksExited(t *testing.T) {
	store := NewStore(t.TempDir())
	info, err := store.AllocateSession(Config{Command: []string{"/nonexistent/binary"}})
	if err != nil {
		t.Fatalf("AllocateSession() error = %v", err)
	}

	if _, err := StartHost(store, info, nil); err == nil {
		t.Fatal("StartHost() should fail for a missing binary")
	}

	loaded, _ := store.GetInfo(info.ID)
	if loaded.Status != StatusExited {
		t.Errorf("status = %q, want exited after spawn failure", loaded.Status)
	}
}

func TestHost_KillEscalates(t *testing.T) {
	_, host := startTestHost(t, Config{
		// Ignores SIGTERM; only SIGKILL can end it.
		Command: []string{"sh", "-c", "trap '' TERM; while true; do sleep 1; done"},
	})

	start := time.Now()
	if err := host.Kill("SIGTERM"); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	waitExit(t, host, 10*time.Second)

	if elapsed := time.Since(start); elapsed < killGracePeriod {
		t.Errorf("kill returned after %v, before the grace period", elapsed)
	}
}

func TestIPCServer_ControlCommands(t *testing.T) {
	store, host := startTestHost(t, Config{Name: "ipc-test", Command: []string{"cat"}, Cols: 80, Rows: 24})

	conn, err := net.Dial("unix", store.SessionPaths(host.ID()).Socket())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Resize via CONTROL_CMD.
	frame, _ := protocol.EncodeControlCommand(&protocol.ControlCommand{Cmd: "resize", Cols: 90, Rows: 28})
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, _ := store.GetInfo(host.ID())
		if info.Cols == 90 && info.Rows == 28 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	info, _ := store.GetInfo(host.ID())
	if info.Cols != 90 || info.Rows != 28 {
		t.Fatalf("dims = %dx%d, want 90x28", info.Cols, info.Rows)
	}

	// STDIN_DATA reaches the child.
	if _, err := conn.Write(protocol.EncodeIPCFrame(protocol.IPCStdinData, []byte("ping\n"))); err != nil {
		t.Fatalf("stdin frame write failed: %v", err)
	}
	stdout := store.SessionPaths(host.ID()).Stdout()
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(stdout)
		if strings.Contains(string(data), "ping") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	// update-title replies with the final (possibly disambiguated) name.
	frame, _ = protocol.EncodeControlCommand(&protocol.ControlCommand{Cmd: "update-title", Name: "renamed"})
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("title frame write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var dec protocol.IPCDecoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("reply read failed: %v", err)
		}
		frames, err := dec.Feed(buf[:n])
		if err != nil {
			t.Fatalf("reply decode failed: %v", err)
		}
		if len(frames) == 0 {
			continue
		}
		var reply protocol.ControlCommand
		if err := json.Unmarshal(frames[0].Payload, &reply); err != nil {
			t.Fatalf("reply unmarshal failed: %v", err)
		}
		if reply.Cmd != "update-title" || reply.Name != "renamed" {
			t.Errorf("reply = %+v", reply)
		}
		break
	}

	loaded, _ := store.GetInfo(host.ID())
	if loaded.Name != "renamed" {
		t.Errorf("persisted name = %q, want renamed", loaded.Name)
	}
}

func TestIPCServer_RejectsLongName(t *testing.T) {
	store, host := startTestHost(t, Config{Command: []string{"cat"}})

	conn, err := net.Dial("unix", store.SessionPaths(host.ID()).Socket())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	long := strings.Repeat("x", 300)
	frame, _ := protocol.EncodeControlCommand(&protocol.ControlCommand{Cmd: "update-title", Name: long})
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var dec protocol.IPCDecoder
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reply read failed: %v", err)
	}
	frames, err := dec.Feed(buf[:n])
	if err != nil || len(frames) == 0 {
		t.Fatalf("reply decode failed: frames=%d err=%v", len(frames), err)
	}

	var reply protocol.ControlCommand
	if err := json.Unmarshal(frames[0].Payload, &reply); err != nil {
		t.Fatalf("reply unmarshal failed: %v", err)
	}
	if reply.Error == "" {
		t.Error("oversized name should be rejected")
	}

	info, _ := store.GetInfo(host.ID())
	if info.Name == long {
		t.Error("oversized name must not be persisted")
	}
}

func TestIPCServer_MalformedFrameClosesClientOnly(t *testing.T) {
	store, host := startTestHost(t, Config{Command: []string{"cat"}})
	socket := store.SessionPaths(host.ID()).Socket()

	bad, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer bad.Close()

	// Unknown frame type: the server closes this client.
	if _, err := bad.Write([]byte{0x7f, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := bad.Read(make([]byte, 1)); err == nil {
		t.Error("server should close the malformed client")
	}

	// The session is still healthy: a fresh client works.
	good, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("session socket unusable after malformed client: %v", err)
	}
	good.Close()

	if info, _ := store.GetInfo(host.ID()); info.Status != StatusRunning {
		t.Errorf("status = %q, want running", info.Status)
	}
}
