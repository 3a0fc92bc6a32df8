// Package api exposes the HTTP surface, the SSE stream endpoint and the
// multiplexed v3 WebSocket.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/vibetunnel/server/pkg/config"
	"github.com/vibetunnel/server/pkg/events"
	"github.com/vibetunnel/server/pkg/hq"
	"github.com/vibetunnel/server/pkg/session"
	"github.com/vibetunnel/server/pkg/stream"
	"github.com/vibetunnel/server/pkg/terminal"
	"github.com/vibetunnel/server/pkg/tunnel"
)

// captureWriter mirrors a proxied response to the client while recording
// the status and body for post-processing.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(data []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body = append(c.body, data...)
	return c.ResponseWriter.Write(data)
}

func (c *captureWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Server wires the session store, stream service, terminal manager,
// event bus and (in HQ mode) the remote registry behind the REST
// surface.
type Server struct {
	config  *config.Config
	store   *session.Store
	streams *stream.Service
	terms   *TermManager
	flow    *stream.Controller
	bus     *events.Bus
	auth    *Auth

	registry *hq.Registry // non-nil in HQ mode
	proxy    *hq.Proxy
	tunnel   tunnel.Provider

	version string
	httpSrv *http.Server
}

func NewServer(cfg *config.Config, version string) *Server {
	bus := events.NewBus()
	store := session.NewStore(cfg.ControlDir)
	streams := stream.NewService()
	flow := stream.NewController(bus)

	s := &Server{
		config:  cfg,
		store:   store,
		streams: streams,
		flow:    flow,
		bus:     bus,
		auth:    NewAuth(cfg.Security.JWTSecret, cfg.Security.NoAuth),
		version: version,
	}
	s.terms = NewTermManager(store, streams, flow)

	if cfg.HQ.Enabled {
		s.registry = hq.NewRegistry()
		s.proxy = hq.NewProxy(s.registry)
	}
	// Peers authenticate HQ traffic with the shared bearer token.
	s.auth.AllowBearer(cfg.HQ.BearerToken)

	return s
}

// Store exposes the session store (used by the CLI front end).
func (s *Server) Store() *session.Store {
	return s.store
}

// Bus exposes the event bus.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Registry exposes the remote registry; nil unless HQ mode.
func (s *Server) Registry() *hq.Registry {
	return s.registry
}

// SetTunnel attaches a tunnel provider whose public URL is reported in
// the status endpoint.
func (s *Server) SetTunnel(provider tunnel.Provider) {
	s.tunnel = provider
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/server/status", s.handleServerStatus).Methods("GET")

	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleKillSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}", s.handleRenameSession).Methods("PATCH")
	api.HandleFunc("/sessions/{id}/cleanup", s.handleCleanupSession).Methods("DELETE")
	api.HandleFunc("/cleanup-exited", s.handleCleanupExited).Methods("POST")

	api.HandleFunc("/sessions/{id}/stream", s.sessionRoute(s.handleStreamSession)).Methods("GET")
	api.HandleFunc("/sessions/{id}/buffer", s.sessionRoute(s.handleBufferSession)).Methods("GET")
	api.HandleFunc("/sessions/{id}/text", s.sessionRoute(s.handleTextSession)).Methods("GET")
	api.HandleFunc("/sessions/{id}/input", s.sessionRoute(s.handleSendInput)).Methods("POST")
	api.HandleFunc("/sessions/{id}/resize", s.sessionRoute(s.handleResizeSession)).Methods("POST")
	api.HandleFunc("/sessions/{id}/reset-size", s.sessionRoute(s.handleResetSize)).Methods("POST")

	if s.registry != nil {
		api.HandleFunc("/remotes", s.handleListRemotes).Methods("GET")
		api.HandleFunc("/remotes/register", s.handleRegisterRemote).Methods("POST")
		api.HandleFunc("/remotes/{id}", s.handleUnregisterRemote).Methods("DELETE")
	}

	r.Handle("/ws", NewWSHub(s))

	return r
}

// Start runs the HTTP server until shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}
	log.Printf("[INFO] listening on %s", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes listeners, flushes writers via session teardown and
// notifies subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, info := range s.store.ListSessions() {
		if host := s.store.GetHost(info.ID); host != nil {
			go func(h *session.Host) {
				if err := h.Kill("SIGTERM"); err != nil {
					log.Printf("[WARN] shutdown kill failed: %v", err)
				}
			}(host)
		}
	}

	s.terms.Close()
	s.flow.Close()
	s.streams.Close()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// sessionRoute resolves the {id} var and transparently proxies requests
// for sessions that live on a peer.
func (s *Server) sessionRoute(local func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if s.registry != nil {
			if remote := s.registry.RemoteForSession(id); remote != nil {
				s.proxy.ProxyHTTP(w, r, remote, id)
				return
			}
		}
		local(w, r, id)
	}
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"macAppConnected": false,
		"isHQMode":        s.registry != nil,
		"version":         s.version,
	}
	if s.tunnel != nil {
		if url := s.tunnel.PublicURL(); url != "" {
			status["tunnelURL"] = url
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// sessionResponse is the wire form of one session.
type sessionResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Command     []string   `json:"command"`
	WorkingDir  string     `json:"workingDir"`
	Status      string     `json:"status"`
	Pid         *int       `json:"pid,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	InitialCols int        `json:"initialCols"`
	InitialRows int        `json:"initialRows"`
	Cols        int        `json:"cols"`
	Rows        int        `json:"rows"`
	TitleMode   string     `json:"titleMode,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	ExitedAt    *time.Time `json:"exitedAt,omitempty"`
	Source      string     `json:"source"`
	RemoteID    string     `json:"remoteId,omitempty"`
	RemoteName  string     `json:"remoteName,omitempty"`
}

func toSessionResponse(info *session.Info) sessionResponse {
	resp := sessionResponse{
		ID:          info.ID,
		Name:        info.Name,
		Command:     info.Command,
		WorkingDir:  info.WorkingDir,
		Status:      string(info.Status),
		ExitCode:    info.ExitCode,
		InitialCols: info.InitialCols,
		InitialRows: info.InitialRows,
		Cols:        info.Cols,
		Rows:        info.Rows,
		TitleMode:   info.TitleMode,
		StartedAt:   info.StartedAt,
		ExitedAt:    info.ExitedAt,
		Source:      "local",
	}
	if info.Pid > 0 {
		pid := info.Pid
		resp.Pid = &pid
	}
	return resp
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := make([]interface{}, 0)
	for _, info := range s.store.ListSessions() {
		sessions = append(sessions, toSessionResponse(info))
	}

	if s.proxy != nil {
		for _, remote := range s.proxy.AggregateSessions() {
			entry := remote.Session
			entry["source"] = "remote"
			entry["remoteId"] = remote.RemoteID
			entry["remoteName"] = remote.RemoteName
			sessions = append(sessions, entry)
		}
	}

	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Command       []string          `json:"command"`
	WorkingDir    string            `json:"workingDir"`
	Name          string            `json:"name"`
	Cols          int               `json:"cols"`
	Rows          int               `json:"rows"`
	TitleMode     string            `json:"titleMode"`
	Env           map[string]string `json:"env"`
	RemoteID      string            `json:"remoteId"`
	SpawnTerminal bool              `json:"spawn_terminal"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	// HQ: create on the named peer and index the resulting session.
	if req.RemoteID != "" {
		if s.registry == nil {
			writeError(w, http.StatusBadRequest, "not an HQ server", "")
			return
		}
		remote := s.registry.Get(req.RemoteID)
		if remote == nil {
			writeError(w, http.StatusNotFound, "unknown remote", req.RemoteID)
			return
		}
		s.createOnRemote(w, r, remote, &req)
		return
	}

	if len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, "command array is required", "")
		return
	}
	if req.Cols < 0 || req.Cols > 1000 || req.Rows < 0 || req.Rows > 1000 {
		writeError(w, http.StatusBadRequest, "cols and rows must be within [1,1000]", "")
		return
	}
	switch req.TitleMode {
	case "", session.TitleModeNone, session.TitleModeFilter, session.TitleModeStatic, session.TitleModeDynamic:
	default:
		writeError(w, http.StatusBadRequest, "invalid titleMode", req.TitleMode)
		return
	}

	workingDir := expandHome(req.WorkingDir)

	info, err := s.store.AllocateSession(session.Config{
		Name:       req.Name,
		Command:    req.Command,
		WorkingDir: workingDir,
		Cols:       req.Cols,
		Rows:       req.Rows,
		TitleMode:  req.TitleMode,
		Env:        req.Env,
	})
	if err != nil {
		writeSessionError(w, err)
		return
	}

	if _, err := session.StartHost(s.store, info, s.bus); err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": info.ID,
		"createdAt": info.StartedAt,
	})
}

func (s *Server) createOnRemote(w http.ResponseWriter, r *http.Request, remote *hq.Remote, req *createSessionRequest) {
	// Rebuild the body without remoteId so the peer treats it as local.
	req.RemoteID = ""
	body, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build upstream request", err.Error())
		return
	}

	upstream := r.Clone(r.Context())
	upstream.Body = io.NopCloser(bytes.NewReader(body))
	upstream.ContentLength = int64(len(body))
	upstream.Header.Set("Content-Type", "application/json")

	recorder := &captureWriter{ResponseWriter: w}
	s.proxy.ProxyHTTP(recorder, upstream, remote, "")

	// Index the new session so follow-up calls route to the peer.
	if recorder.status >= 200 && recorder.status < 300 {
		var resp struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(recorder.body, &resp); err == nil && resp.SessionID != "" {
			if err := s.registry.BindSession(resp.SessionID, remote.ID); err != nil {
				log.Printf("[WARN] failed to index remote session %s: %v", resp.SessionID, err)
			}
		}
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s.registry != nil {
		if remote := s.registry.RemoteForSession(id); remote != nil {
			s.proxy.ProxyHTTP(w, r, remote, id)
			return
		}
	}

	info, err := s.store.GetInfo(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(info))
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s.registry != nil {
		if remote := s.registry.RemoteForSession(id); remote != nil {
			recorder := &captureWriter{ResponseWriter: w}
			s.proxy.ProxyHTTP(recorder, r, remote, id)
			// The HQ index drops the session only when the peer
			// acknowledged the kill.
			if recorder.status >= 200 && recorder.status < 300 {
				s.registry.UnbindSession(id)
			}
			return
		}
	}

	info, err := s.store.GetInfo(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	// Killing an already-exited session removes its remains.
	if info.Status == session.StatusExited {
		s.terms.CloseSession(id)
		if err := s.store.RemoveSession(id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to clean up session", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Session cleaned up",
		})
		return
	}

	host := s.store.GetHost(id)
	if host == nil {
		writeError(w, http.StatusBadRequest, "session is not managed by this server", "")
		return
	}
	if err := host.Kill(""); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session terminated",
	})
}

func (s *Server) handleCleanupSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.store.GetInfo(id); err != nil {
		writeSessionError(w, err)
		return
	}

	if host := s.store.GetHost(id); host != nil {
		if err := host.Kill("SIGKILL"); err != nil {
			log.Printf("[WARN] cleanup kill failed for %s: %v", id, err)
		}
	}
	s.terms.CloseSession(id)
	if err := s.store.RemoveSession(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to remove session", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleCleanupExited(w http.ResponseWriter, r *http.Request) {
	cleaned := s.store.CleanupExited()
	for _, id := range cleaned {
		s.terms.CloseSession(id)
	}
	if cleaned == nil {
		cleaned = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleanedSessions": cleaned})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s.registry != nil {
		if remote := s.registry.RemoteForSession(id); remote != nil {
			s.proxy.ProxyHTTP(w, r, remote, id)
			return
		}
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "")
		return
	}
	if len(req.Name) > 255 {
		writeError(w, http.StatusBadRequest, "name exceeds 255 bytes", "")
		return
	}

	final, err := s.store.UpdateSessionName(id, req.Name)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "name": final})
}

func (s *Server) handleBufferSession(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.terms.Snapshot(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(terminal.EncodeSnapshot(snap)); err != nil {
		log.Printf("[DEBUG] buffer write failed for %s: %v", id, err)
	}
}

func (s *Server) handleTextSession(w http.ResponseWriter, r *http.Request, id string) {
	feeder, err := s.terms.Feeder(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	_, styles := r.URL.Query()["styles"]
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(feeder.Terminal().Text(styles))); err != nil {
		log.Printf("[DEBUG] text write failed for %s: %v", id, err)
	}
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Text *string `json:"text"`
		Key  *string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if (req.Text == nil) == (req.Key == nil) {
		writeError(w, http.StatusBadRequest, "exactly one of text or key is required", "")
		return
	}

	host := s.store.GetHost(id)
	if host == nil {
		info, err := s.store.GetInfo(id)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("session is %s", info.Status), "")
		return
	}

	var data []byte
	if req.Text != nil {
		data = []byte(*req.Text)
	} else {
		var err error
		data, err = KeyToBytes(*req.Key)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown key", *req.Key)
			return
		}
	}

	if err := host.Write(data); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleResizeSession(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Cols < 1 || req.Cols > 1000 || req.Rows < 1 || req.Rows > 1000 {
		writeError(w, http.StatusBadRequest, "cols and rows must be within [1,1000]", "")
		return
	}

	host := s.store.GetHost(id)
	if host == nil {
		writeNotRunning(w, s.store, id)
		return
	}
	if err := host.Resize(req.Cols, req.Rows); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"cols":    req.Cols,
		"rows":    req.Rows,
	})
}

func (s *Server) handleResetSize(w http.ResponseWriter, r *http.Request, id string) {
	host := s.store.GetHost(id)
	if host == nil {
		writeNotRunning(w, s.store, id)
		return
	}
	if err := host.ResetSize(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleListRemotes(w http.ResponseWriter, r *http.Request) {
	type remoteResponse struct {
		ID             string   `json:"id"`
		Name           string   `json:"name"`
		URL            string   `json:"url"`
		LiveSessionIDs []string `json:"liveSessionIds"`
	}

	remotes := make([]remoteResponse, 0)
	for _, remote := range s.registry.List() {
		remotes = append(remotes, remoteResponse{
			ID:             remote.ID,
			Name:           remote.Name,
			URL:            remote.URL,
			LiveSessionIDs: remote.LiveSessionIDs(),
		})
	}
	writeJSON(w, http.StatusOK, remotes)
}

func (s *Server) handleRegisterRemote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	remote, err := s.registry.Register(req.ID, req.Name, req.URL, req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "registration rejected", err.Error())
		return
	}
	// Calls from this peer authenticate with its token.
	s.auth.AllowBearer(req.Token)

	log.Printf("[INFO] remote %s registered at %s", remote.Name, remote.URL)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": remote.ID})
}

func (s *Server) handleUnregisterRemote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.registry.Unregister(id) {
		writeError(w, http.StatusNotFound, "unknown remote", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Response helpers

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[ERROR] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	body := map[string]string{"error": message}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// writeSessionError maps the session error taxonomy onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch session.CodeOf(err) {
	case session.ErrSessionNotFound:
		status = http.StatusNotFound
	case session.ErrInvalidArgument, session.ErrUnknownKey:
		status = http.StatusBadRequest
	case session.ErrSessionNotRunning:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Printf("[ERROR] %v", err)
	}
	writeError(w, status, err.Error(), "")
}

func writeNotRunning(w http.ResponseWriter, store *session.Store, id string) {
	info, err := store.GetInfo(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("session is %s", info.Status), "")
}

func expandHome(dir string) string {
	if dir == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if len(dir) > 1 && dir[0] == '~' && dir[1] == '/' {
		if home, err := os.UserHomeDir(); err == nil {
			return home + dir[1:]
		}
	}
	return dir
}
