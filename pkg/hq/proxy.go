package hq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Upstream deadlines: listing is interactive, mutations may spawn
// processes on the peer.
const (
	ListTimeout     = 5 * time.Second
	MutatingTimeout = 10 * time.Second
)

// Proxy forwards requests for remote sessions to their peer, attaching
// the peer's bearer token.
type Proxy struct {
	registry *Registry
	client   *http.Client
	dialer   *websocket.Dialer
}

func NewProxy(registry *Registry) *Proxy {
	return &Proxy{
		registry: registry,
		client:   &http.Client{},
		dialer:   &websocket.Dialer{HandshakeTimeout: MutatingTimeout},
	}
}

// ProxyHTTP forwards the request to the remote and mirrors the response,
// streaming bodies (SSE included) as they arrive. A peer 404 on a session
// path unregisters the session from the index.
func (p *Proxy) ProxyHTTP(w http.ResponseWriter, r *http.Request, remote *Remote, sessionID string) {
	timeout := ListTimeout
	if r.Method != http.MethodGet {
		timeout = MutatingTimeout
	}

	ctx := r.Context()
	var cancel context.CancelFunc
	// SSE streams live past any fixed deadline; everything else gets one.
	if !isStreamPath(r.URL.Path) {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := p.outboundBody(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	url := strings.TrimSuffix(remote.URL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, url, body)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to build upstream request", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+remote.BearerToken)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("Accept", r.Header.Get("Accept"))

	resp, err := p.client.Do(req)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, fmt.Sprintf("remote %s unreachable", remote.Name), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && sessionID != "" {
		log.Printf("[INFO] remote %s no longer has session %s, unregistering", remote.Name, sessionID)
		p.registry.UnbindSession(sessionID)
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// outboundBody rereads the request body, stripping any remoteId field so
// a forwarded create cannot recurse through the mesh.
func (p *Proxy) outboundBody(r *http.Request) (io.Reader, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err == nil {
			if _, ok := fields["remoteId"]; ok {
				delete(fields, "remoteId")
				if stripped, err := json.Marshal(fields); err == nil {
					data = stripped
				}
			}
		}
	}
	return bytes.NewReader(data), nil
}

func isStreamPath(path string) bool {
	return strings.HasSuffix(path, "/stream")
}

// ProxyWebSocket bridges an upgraded client connection to the remote's
// /ws endpoint, relaying frames verbatim in both directions.
func (p *Proxy) ProxyWebSocket(clientConn *websocket.Conn, remote *Remote, query string) error {
	url := websocketURL(remote.URL) + "/ws"
	if query != "" {
		url += "?" + query
	}

	header := http.Header{"Authorization": {"Bearer " + remote.BearerToken}}
	remoteConn, resp, err := p.dialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("failed to dial remote %s: %w", remote.Name, err)
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			clientConn.Close()
			remoteConn.Close()
		})
	}

	done := make(chan struct{}, 2)
	pump := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			messageType, data, err := src.ReadMessage()
			if err != nil {
				closeBoth()
				return
			}
			if err := dst.WriteMessage(messageType, data); err != nil {
				closeBoth()
				return
			}
		}
	}

	go pump(clientConn, remoteConn)
	go pump(remoteConn, clientConn)

	<-done
	<-done
	return nil
}

func websocketURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// SessionWithSource is one entry of the aggregated session list.
type SessionWithSource struct {
	Session    map[string]interface{}
	RemoteID   string
	RemoteName string
}

// AggregateSessions fetches every peer's session list in parallel with a
// per-remote deadline. Unreachable peers are logged and skipped; their
// previously known sessions stay indexed.
func (p *Proxy) AggregateSessions() []SessionWithSource {
	remotes := p.registry.List()

	type result struct {
		remote   *Remote
		sessions []map[string]interface{}
	}

	results := make(chan result, len(remotes))
	var wg sync.WaitGroup

	for _, remote := range remotes {
		wg.Add(1)
		go func(remote *Remote) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), ListTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				strings.TrimSuffix(remote.URL, "/")+"/api/sessions", nil)
			if err != nil {
				return
			}
			req.Header.Set("Authorization", "Bearer "+remote.BearerToken)

			resp, err := p.client.Do(req)
			if err != nil {
				log.Printf("[WARN] failed to list sessions on remote %s: %v", remote.Name, err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				log.Printf("[WARN] remote %s returned %d for session list", remote.Name, resp.StatusCode)
				return
			}

			var sessions []map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
				log.Printf("[WARN] bad session list from remote %s: %v", remote.Name, err)
				return
			}
			results <- result{remote: remote, sessions: sessions}
		}(remote)
	}

	wg.Wait()
	close(results)

	var out []SessionWithSource
	for res := range results {
		for _, sess := range res.sessions {
			id, _ := sess["id"].(string)
			if id != "" {
				if err := p.registry.BindSession(id, res.remote.ID); err != nil {
					log.Printf("[WARN] failed to index session %s: %v", id, err)
				}
			}
			out = append(out, SessionWithSource{
				Session:    sess,
				RemoteID:   res.remote.ID,
				RemoteName: res.remote.Name,
			})
		}
	}
	return out
}

// RegisterWithHQ announces this server to an HQ (remote mode).
func RegisterWithHQ(hqURL, id, name, myURL, token string) error {
	payload, err := json.Marshal(map[string]string{
		"id": id, "name": name, "url": myURL, "token": token,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), MutatingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(hqURL, "/")+"/api/remotes/register", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("HQ unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HQ registration failed with %d: %s", resp.StatusCode, body)
	}
	return nil
}

func httpError(w http.ResponseWriter, status int, message string, err error) {
	log.Printf("[ERROR] %s: %v", message, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"details": err.Error(),
	}); encErr != nil {
		log.Printf("[ERROR] failed to encode error response: %v", encErr)
	}
}
