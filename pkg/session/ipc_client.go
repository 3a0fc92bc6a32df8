package session

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/vibetunnel/server/pkg/protocol"
)

// IPCClient drives a session owned by another process through its domain
// socket.
type IPCClient struct {
	conn net.Conn
}

// DialIPC connects to a session's ipc.sock.
func DialIPC(socketPath string) (*IPCClient, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session socket: %w", err)
	}
	return &IPCClient{conn: conn}, nil
}

// SendStdin writes raw input bytes to the session's PTY.
func (c *IPCClient) SendStdin(data []byte) error {
	_, err := c.conn.Write(protocol.EncodeIPCFrame(protocol.IPCStdinData, data))
	return err
}

func (c *IPCClient) control(cmd *protocol.ControlCommand) error {
	frame, err := protocol.EncodeControlCommand(cmd)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

// Resize changes the session's terminal dimensions.
func (c *IPCClient) Resize(cols, rows int) error {
	return c.control(&protocol.ControlCommand{Cmd: "resize", Cols: cols, Rows: rows})
}

// ResetSize restores the session's creation dimensions.
func (c *IPCClient) ResetSize() error {
	return c.control(&protocol.ControlCommand{Cmd: "reset-size"})
}

// Kill signals the session's child; empty signal means SIGTERM.
func (c *IPCClient) Kill(signal string) error {
	return c.control(&protocol.ControlCommand{Cmd: "kill", Signal: signal})
}

// UpdateTitle renames the session and returns the final name, which may
// carry a disambiguation suffix.
func (c *IPCClient) UpdateTitle(name string) (string, error) {
	if err := c.control(&protocol.ControlCommand{Cmd: "update-title", Name: name}); err != nil {
		return "", err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}

	var dec protocol.IPCDecoder
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return "", fmt.Errorf("no reply from session: %w", err)
		}
		frames, err := dec.Feed(buf[:n])
		if err != nil {
			return "", err
		}
		for _, frame := range frames {
			if frame.Type != protocol.IPCControlCmd {
				continue
			}
			var reply protocol.ControlCommand
			if err := json.Unmarshal(frame.Payload, &reply); err != nil {
				return "", err
			}
			if reply.Cmd != "update-title" {
				continue
			}
			if reply.Error != "" {
				return "", fmt.Errorf("rename rejected: %s", reply.Error)
			}
			return reply.Name, nil
		}
	}
}

func (c *IPCClient) Close() error {
	return c.conn.Close()
}
