package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vibetunnel/server/pkg/events"
	"github.com/vibetunnel/server/pkg/protocol"
	"github.com/vibetunnel/server/pkg/terminal"
)

const (
	wsWriteWait      = 5 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1 << 20

	// stdoutCoalesceWindow batches raw output into one STDOUT frame.
	stdoutCoalesceWindow = 16 * time.Millisecond
)

// WebSocket close codes used by the hub: 1002 for protocol errors, 1011
// for server faults. Auth failures are rejected before the upgrade.
const (
	closeProtocolError = websocket.CloseProtocolError
	closeInternal      = websocket.CloseInternalServerErr
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHub is the single multiplexed WebSocket endpoint: one connection may
// subscribe to any number of sessions and receives stdout, snapshots and
// events interleaved as v3 frames.
type WSHub struct {
	server *Server
}

func NewWSHub(server *Server) *WSHub {
	return &WSHub{server: server}
}

func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.server.auth.ValidateRequest(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] websocket upgrade failed: %v", err)
		return
	}

	c := &wsConn{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		subs:    make(map[string]*wsSubscription),
		remotes: make(map[string]*remoteLink),
		done:    make(chan struct{}),
	}

	busCh, busCancel := h.server.bus.Subscribe()
	c.busCancel = busCancel

	go c.writeLoop()
	go c.eventLoop(busCh)

	c.sendFrame(&Frame{Type: TypeWelcome, Payload: []byte(`{"ok":true,"version":3}`)})
	h.server.bus.Publish(events.Event{Kind: events.KindConnected})

	c.readLoop()
}

// wsConn is one client connection and its subscription set.
type wsConn struct {
	hub  *WSHub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]*wsSubscription

	remotesMu sync.Mutex
	remotes   map[string]*remoteLink

	done      chan struct{}
	closeOnce sync.Once
	busCancel func()
}

func (c *wsConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			deadline := time.Now().Add(time.Second)
			message := websocket.FormatCloseMessage(code, reason)
			if err := c.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
				log.Printf("[DEBUG] websocket close write failed: %v", err)
			}
		}
		close(c.done)
		c.conn.Close()
		c.busCancel()

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*wsSubscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.stop()
		}
		c.closeLinks()
	})
}

// sendFrame queues an encoded frame; a saturated queue drops the
// connection rather than blocking producers.
func (c *wsConn) sendFrame(f *Frame) {
	data := EncodeFrame(f)
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Printf("[WARN] websocket send queue full, dropping connection")
		c.close(closeInternal, "send queue overflow")
	}
}

func (c *wsConn) sendError(sessionID, message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	c.sendFrame(&Frame{Type: TypeError, SessionID: sessionID, Payload: payload})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				c.close(closeInternal, "")
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.close(closeInternal, "")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				c.close(closeInternal, "")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(closeInternal, "")
				return
			}
		}
	}
}

// eventLoop fans bus events into EVENT frames for matching
// subscriptions. Global events reach connections holding the empty
// session-id subscription.
func (c *wsConn) eventLoop(ch <-chan events.Event) {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}

			c.mu.Lock()
			global, hasGlobal := c.subs[""]
			target, hasTarget := c.subs[event.SessionID]
			c.mu.Unlock()

			if hasGlobal && global.flags&FlagEvents != 0 {
				c.sendFrame(&Frame{Type: TypeEvent, Payload: event.JSON()})
			}
			if event.SessionID != "" && hasTarget && target.flags&FlagEvents != 0 {
				c.sendFrame(&Frame{Type: TypeEvent, SessionID: event.SessionID, Payload: event.JSON()})
			}
		}
	}
}

func (c *wsConn) readLoop() {
	defer c.close(0, "")

	c.conn.SetReadLimit(wsMaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[DEBUG] websocket read ended: %v", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.sendError("", err.Error())
			c.close(closeProtocolError, "framing error")
			return
		}
		c.handleFrame(frame)
	}
}

func (c *wsConn) handleFrame(frame *Frame) {
	// Sessions living on a peer are proxied frame-for-frame.
	if remote := c.remoteFor(frame.SessionID); remote != nil {
		c.forwardToRemote(remote, frame)
		return
	}

	switch frame.Type {
	case TypeSubscribe:
		c.handleSubscribe(frame)
	case TypeUnsubscribe:
		c.unsubscribe(frame.SessionID)
	case TypeInputText:
		c.withHost(frame.SessionID, func(host hostHandle) error {
			return host.Write(frame.Payload)
		})
	case TypeInputKey:
		c.withHost(frame.SessionID, func(host hostHandle) error {
			data, err := KeyToBytes(string(frame.Payload))
			if err != nil {
				return err
			}
			return host.Write(data)
		})
	case TypeResize:
		cols, rows, err := DecodeResizePayload(frame.Payload)
		if err != nil {
			c.sendError(frame.SessionID, err.Error())
			return
		}
		c.withHost(frame.SessionID, func(host hostHandle) error {
			return host.Resize(int(cols), int(rows))
		})
	case TypeKill:
		signal := string(frame.Payload)
		c.withHost(frame.SessionID, func(host hostHandle) error {
			go func() {
				if err := host.Kill(signal); err != nil {
					log.Printf("[WARN] websocket kill failed: %v", err)
				}
			}()
			return nil
		})
	case TypeResetSize:
		c.withHost(frame.SessionID, func(host hostHandle) error {
			return host.ResetSize()
		})
	case TypePing:
		c.sendFrame(&Frame{Type: TypePong, SessionID: frame.SessionID, Payload: frame.Payload})
	default:
		c.sendError(frame.SessionID, "unknown frame type")
	}
}

// hostHandle is the slice of session.Host the hub drives.
type hostHandle interface {
	Write(data []byte) error
	Resize(cols, rows int) error
	ResetSize() error
	Kill(signal string) error
}

func (c *wsConn) withHost(sessionID string, fn func(hostHandle) error) {
	host := c.hub.server.store.GetHost(sessionID)
	if host == nil {
		c.sendError(sessionID, "session not found or not running")
		return
	}
	if err := fn(host); err != nil {
		c.sendError(sessionID, err.Error())
	}
}

// wsSubscription is the state machine for one (conn, sessionId) pair.
type wsSubscription struct {
	conn      *wsConn
	sessionID string
	flags     uint32
	snapMin   time.Duration
	snapMax   time.Duration

	cancels []func()

	stdoutMu    sync.Mutex
	stdoutBuf   []byte
	stdoutTimer *time.Timer

	dirty    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (c *wsConn) handleSubscribe(frame *Frame) {
	payload, err := DecodeSubscribePayload(frame.Payload)
	if err != nil {
		c.sendError(frame.SessionID, err.Error())
		return
	}

	// Re-subscribing replaces the previous flag set.
	c.unsubscribe(frame.SessionID)

	sub := &wsSubscription{
		conn:      c,
		sessionID: frame.SessionID,
		flags:     payload.Flags,
		snapMin:   payload.SnapMin,
		snapMax:   payload.SnapMax,
		dirty:     make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	if frame.SessionID != "" {
		if _, err := c.hub.server.store.GetInfo(frame.SessionID); err != nil {
			c.sendError(frame.SessionID, "session not found")
			return
		}
		if err := sub.start(); err != nil {
			c.sendError(frame.SessionID, err.Error())
			return
		}
	}

	c.mu.Lock()
	c.subs[frame.SessionID] = sub
	c.mu.Unlock()
}

func (c *wsConn) unsubscribe(sessionID string) {
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()
	if ok {
		sub.stop()
	}
}

func (s *wsSubscription) start() error {
	server := s.conn.hub.server

	if s.flags&FlagStdout != 0 {
		var from int64
		if host := server.store.GetHost(s.sessionID); host != nil {
			from = host.LastClearOffset()
		}
		cancel, err := server.streams.Subscribe(
			server.store.SessionPaths(s.sessionID).Stdout(), from, s.handleStreamLine)
		if err != nil {
			return err
		}
		s.cancels = append(s.cancels, cancel)
	}

	if s.flags&FlagSnapshots != 0 {
		feeder, err := server.terms.Feeder(s.sessionID)
		if err != nil {
			s.stop()
			return err
		}
		s.cancels = append(s.cancels, feeder.OnUpdate(s.markDirty))
		go s.snapshotLoop(feeder.Terminal())
	}

	return nil
}

// handleStreamLine extracts raw `o`-event bytes for STDOUT frames and
// surfaces stream exit as an EVENT when subscribed.
func (s *wsSubscription) handleStreamLine(line []byte, offset int64) error {
	select {
	case <-s.stopCh:
		return errSubscriptionStopped
	default:
	}

	event, err := protocol.ParseEventLine(line)
	if err != nil {
		return nil
	}

	switch event.Type {
	case "event":
		if event.Event.Type == protocol.EventOutput {
			s.pushStdout([]byte(event.Event.Data))
		}
	case "exit":
		s.flushStdout()
		if s.flags&FlagEvents != 0 {
			code := 0
			if event.ExitCode != nil {
				code = *event.ExitCode
			}
			payload, _ := json.Marshal(map[string]interface{}{"kind": "exit", "exitCode": code})
			s.conn.sendFrame(&Frame{Type: TypeEvent, SessionID: s.sessionID, Payload: payload})
		}
	}
	return nil
}

var errSubscriptionStopped = &subscriptionStoppedError{}

type subscriptionStoppedError struct{}

func (*subscriptionStoppedError) Error() string { return "subscription stopped" }

// pushStdout coalesces output bytes for up to the coalesce window while
// preserving order.
func (s *wsSubscription) pushStdout(data []byte) {
	s.stdoutMu.Lock()
	defer s.stdoutMu.Unlock()

	s.stdoutBuf = append(s.stdoutBuf, data...)
	if s.stdoutTimer == nil {
		s.stdoutTimer = time.AfterFunc(stdoutCoalesceWindow, s.flushStdout)
	}
}

func (s *wsSubscription) flushStdout() {
	s.stdoutMu.Lock()
	buf := s.stdoutBuf
	s.stdoutBuf = nil
	if s.stdoutTimer != nil {
		s.stdoutTimer.Stop()
		s.stdoutTimer = nil
	}
	s.stdoutMu.Unlock()

	if len(buf) == 0 {
		return
	}
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.conn.sendFrame(&Frame{Type: TypeStdout, SessionID: s.sessionID, Payload: buf})
}

func (s *wsSubscription) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// snapshotLoop pushes SNAPSHOT_VT frames: the first eagerly, then
// coalesced between snapMin and snapMax while the emulator stays dirty.
func (s *wsSubscription) snapshotLoop(term *terminal.Emulator) {
	send := func() {
		snap := term.Snapshot()
		s.conn.sendFrame(&Frame{
			Type:      TypeSnapshotVT,
			SessionID: s.sessionID,
			Payload:   terminal.EncodeSnapshot(snap),
		})
	}

	send()
	lastSent := time.Now()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var pending bool
	var deadline time.Time

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.dirty:
			if !pending {
				pending = true
				deadline = time.Now().Add(s.snapMax)
			}
			fireAt := lastSent.Add(s.snapMin)
			if fireAt.After(deadline) {
				fireAt = deadline
			}
			timer.Stop()
			timer.Reset(time.Until(fireAt))
		case <-timer.C:
			if pending {
				send()
				lastSent = time.Now()
				pending = false
			}
		}
	}
}

func (s *wsSubscription) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		for _, cancel := range s.cancels {
			cancel()
		}
		s.stdoutMu.Lock()
		if s.stdoutTimer != nil {
			s.stdoutTimer.Stop()
			s.stdoutTimer = nil
		}
		s.stdoutBuf = nil
		s.stdoutMu.Unlock()
	})
}
