package api

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vibetunnel/server/pkg/hq"
)

// remoteLink is one upstream WebSocket to a peer, shared by every
// subscription this connection holds on that peer. Frames are relayed
// verbatim in both directions.
type remoteLink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *remoteLink) write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

// remoteFor resolves the peer owning a session, or nil when the session
// is local or federation is off.
func (c *wsConn) remoteFor(sessionID string) *hq.Remote {
	registry := c.hub.server.registry
	if registry == nil || sessionID == "" {
		return nil
	}
	return registry.RemoteForSession(sessionID)
}

// forwardToRemote relays a client frame to the peer that owns the
// session, dialing the peer's /ws on first use.
func (c *wsConn) forwardToRemote(remote *hq.Remote, frame *Frame) {
	link, err := c.linkTo(remote)
	if err != nil {
		c.sendError(frame.SessionID, fmt.Sprintf("remote %s unreachable", remote.Name))
		return
	}
	if err := link.write(EncodeFrame(frame)); err != nil {
		log.Printf("[WARN] forward to remote %s failed: %v", remote.Name, err)
		c.dropLink(remote.ID)
		c.sendError(frame.SessionID, fmt.Sprintf("remote %s unreachable", remote.Name))
	}
}

func (c *wsConn) linkTo(remote *hq.Remote) (*remoteLink, error) {
	c.remotesMu.Lock()
	defer c.remotesMu.Unlock()

	if link, ok := c.remotes[remote.ID]; ok {
		return link, nil
	}

	url := strings.TrimSuffix(remote.URL, "/")
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)

	dialer := &websocket.Dialer{HandshakeTimeout: hq.MutatingTimeout}
	header := http.Header{"Authorization": {"Bearer " + remote.BearerToken}}
	conn, resp, err := dialer.Dial(url+"/ws", header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}

	link := &remoteLink{conn: conn}
	c.remotes[remote.ID] = link

	// Relay upstream frames to the client as-is; the peer already
	// stamps session ids.
	go func() {
		defer c.dropLink(remote.ID)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			select {
			case c.send <- data:
			case <-c.done:
				return
			}
		}
	}()

	return link, nil
}

func (c *wsConn) dropLink(remoteID string) {
	c.remotesMu.Lock()
	link, ok := c.remotes[remoteID]
	delete(c.remotes, remoteID)
	c.remotesMu.Unlock()
	if ok {
		link.conn.Close()
	}
}

func (c *wsConn) closeLinks() {
	c.remotesMu.Lock()
	links := c.remotes
	c.remotes = make(map[string]*remoteLink)
	c.remotesMu.Unlock()
	for _, link := range links {
		link.conn.Close()
	}
}
