package hq

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProxy_ForwardsWithBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"s1","status":"running"}`))
	}))
	defer peer.Close()

	reg := NewRegistry()
	remote, _ := reg.Register("r1", "peer", peer.URL, "secret-token")
	reg.BindSession("s1", "r1")

	proxy := NewProxy(reg)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	rec := httptest.NewRecorder()
	proxy.ProxyHTTP(rec, req, remote, "s1")

	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/sessions/s1" {
		t.Errorf("path = %q", gotPath)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"id":"s1"`) {
		t.Errorf("body = %q, want peer body verbatim", rec.Body.String())
	}
}

func TestProxy_UnreachableRemoteIs503(t *testing.T) {
	reg := NewRegistry()
	remote, _ := reg.Register("r1", "gone", "http://127.0.0.1:1", "t")

	proxy := NewProxy(reg)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	rec := httptest.NewRecorder()
	proxy.ProxyHTTP(rec, req, remote, "s1")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("error body missing error field")
	}
}

func TestProxy_PeerNotFoundUnbindsSession(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer peer.Close()

	reg := NewRegistry()
	remote, _ := reg.Register("r1", "peer", peer.URL, "t")
	reg.BindSession("s1", "r1")

	proxy := NewProxy(reg)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	rec := httptest.NewRecorder()
	proxy.ProxyHTTP(rec, req, remote, "s1")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 mirrored", rec.Code)
	}
	if reg.RemoteForSession("s1") != nil {
		t.Error("session should be unregistered after a peer 404")
	}
}

func TestProxy_ErrorKeepsSessionRegistered(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer peer.Close()

	reg := NewRegistry()
	remote, _ := reg.Register("r1", "peer", peer.URL, "t")
	reg.BindSession("s1", "r1")

	proxy := NewProxy(reg)
	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil)
	rec := httptest.NewRecorder()
	proxy.ProxyHTTP(rec, req, remote, "s1")

	if reg.RemoteForSession("s1") == nil {
		t.Error("a 5xx from the peer must not unregister the session")
	}
}

func TestProxy_StripsRemoteIDFromBody(t *testing.T) {
	var gotBody map[string]interface{}
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.Write([]byte(`{"sessionId":"new"}`))
	}))
	defer peer.Close()

	reg := NewRegistry()
	remote, _ := reg.Register("r1", "peer", peer.URL, "t")
	proxy := NewProxy(reg)

	body := strings.NewReader(`{"command":["bash"],"remoteId":"r1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	proxy.ProxyHTTP(rec, req, remote, "")

	if _, ok := gotBody["remoteId"]; ok {
		t.Error("remoteId must be stripped before forwarding")
	}
	if _, ok := gotBody["command"]; !ok {
		t.Error("other fields must survive")
	}
}

func TestProxy_AggregateSessions(t *testing.T) {
	peerA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"a1","status":"running"}]`))
	}))
	defer peerA.Close()

	peerB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"b1","status":"running"},{"id":"b2","status":"exited"}]`))
	}))
	defer peerB.Close()

	reg := NewRegistry()
	reg.Register("ra", "peer-a", peerA.URL, "t")
	reg.Register("rb", "peer-b", peerB.URL, "t")
	// An unreachable peer is skipped, not fatal.
	reg.Register("rc", "peer-c", "http://127.0.0.1:1", "t")

	proxy := NewProxy(reg)
	sessions := proxy.AggregateSessions()

	if len(sessions) != 3 {
		t.Fatalf("aggregated %d sessions, want 3", len(sessions))
	}

	// Aggregation populates the session index.
	if remote := reg.RemoteForSession("b1"); remote == nil || remote.ID != "rb" {
		t.Errorf("b1 should be indexed on rb, got %v", remote)
	}
}
