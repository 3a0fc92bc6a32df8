package session

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/vibetunnel/server/pkg/protocol"
)

// IPCServer accepts framed control messages on the session's domain
// socket. One server exists per live session; it dies with the session.
type IPCServer struct {
	host     *Host
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewIPCServer binds the socket and starts accepting clients.
func NewIPCServer(host *Host, socketPath string) (*IPCServer, error) {
	// A stale socket from a previous run blocks the bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}

	s := &IPCServer{
		host:     host,
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *IPCServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				log.Printf("[WARN] IPC accept failed for %s: %v", shortID(s.host.ID()), err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

func (s *IPCServer) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	var dec protocol.IPCDecoder
	buf := make([]byte, 32*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, decErr := dec.Feed(buf[:n])
			for _, frame := range frames {
				s.handleFrame(conn, frame)
			}
			if decErr != nil {
				// Malformed stream: close this client, session lives on.
				debugLog("[DEBUG] IPC client dropped for %s: %v", shortID(s.host.ID()), decErr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *IPCServer) handleFrame(conn net.Conn, frame protocol.IPCFrame) {
	switch frame.Type {
	case protocol.IPCStdinData:
		if err := s.host.Write(frame.Payload); err != nil {
			debugLog("[DEBUG] IPC stdin write failed for %s: %v", shortID(s.host.ID()), err)
		}

	case protocol.IPCControlCmd:
		var cmd protocol.ControlCommand
		if err := json.Unmarshal(frame.Payload, &cmd); err != nil {
			debugLog("[DEBUG] IPC bad control payload for %s: %v", shortID(s.host.ID()), err)
			return
		}
		s.handleControl(conn, &cmd)

	case protocol.IPCStatusUpdate:
		// Reserved.
	}
}

func (s *IPCServer) handleControl(conn net.Conn, cmd *protocol.ControlCommand) {
	switch cmd.Cmd {
	case "resize":
		if err := s.host.Resize(cmd.Cols, cmd.Rows); err != nil {
			log.Printf("[ERROR] IPC resize failed for %s: %v", shortID(s.host.ID()), err)
		}

	case "kill":
		signal := cmd.Signal
		if signal == "" {
			signal = "SIGTERM"
		}
		go func() {
			if err := s.host.Kill(signal); err != nil {
				log.Printf("[ERROR] IPC kill failed for %s: %v", shortID(s.host.ID()), err)
			}
		}()

	case "reset-size":
		if err := s.host.ResetSize(); err != nil {
			log.Printf("[ERROR] IPC reset-size failed for %s: %v", shortID(s.host.ID()), err)
		}

	case "update-title":
		reply := protocol.ControlCommand{Cmd: "update-title"}
		if len(cmd.Name) > protocol.MaxSessionNameLen {
			reply.Error = fmt.Sprintf("name exceeds %d bytes", protocol.MaxSessionNameLen)
		} else if final, err := s.host.store.UpdateSessionName(s.host.ID(), cmd.Name); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Name = final
		}
		if frame, err := protocol.EncodeControlCommand(&reply); err == nil {
			if _, err := conn.Write(frame); err != nil {
				debugLog("[DEBUG] IPC reply failed for %s: %v", shortID(s.host.ID()), err)
			}
		}

	default:
		debugLog("[DEBUG] IPC unknown control command %q for %s", cmd.Cmd, shortID(s.host.ID()))
	}
}

// Close stops accepting and drops every client.
func (s *IPCServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
}
