package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuth_ValidToken(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewAuth(string(secret), false)

	token, err := GenerateToken(secret, "user", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if err := auth.ValidateToken(token); err != nil {
		t.Errorf("ValidateToken() error = %v", err)
	}
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	auth := NewAuth("test-secret", false)

	if err := auth.ValidateToken("garbage"); err == nil {
		t.Error("malformed token should be rejected")
	}

	other, _ := GenerateToken([]byte("other-secret"), "user", time.Hour)
	if err := auth.ValidateToken(other); err == nil {
		t.Error("token signed with another secret should be rejected")
	}

	expired, _ := GenerateToken([]byte("test-secret"), "user", -time.Hour)
	if err := auth.ValidateToken(expired); err == nil {
		t.Error("expired token should be rejected")
	}
}

func TestAuth_RequestSources(t *testing.T) {
	secret := []byte("s")
	auth := NewAuth("s", false)
	token, _ := GenerateToken(secret, "user", time.Hour)

	header := httptest.NewRequest("GET", "/api/sessions", nil)
	header.Header.Set("Authorization", "Bearer "+token)
	if err := auth.ValidateRequest(header); err != nil {
		t.Errorf("header token rejected: %v", err)
	}

	query := httptest.NewRequest("GET", "/ws?token="+token, nil)
	if err := auth.ValidateRequest(query); err != nil {
		t.Errorf("query token rejected: %v", err)
	}

	missing := httptest.NewRequest("GET", "/api/sessions", nil)
	if err := auth.ValidateRequest(missing); err == nil {
		t.Error("missing token should be rejected")
	}
}

func TestAuth_NoAuthMode(t *testing.T) {
	auth := NewAuth("", true)
	r := httptest.NewRequest("GET", "/api/sessions", nil)
	if err := auth.ValidateRequest(r); err != nil {
		t.Errorf("noAuth should accept tokenless requests: %v", err)
	}
}

func TestAuth_StaticBearerToken(t *testing.T) {
	auth := NewAuth("jwt-secret", false)
	auth.AllowBearer("hq-shared-token")

	if err := auth.ValidateToken("hq-shared-token"); err != nil {
		t.Errorf("static bearer token rejected: %v", err)
	}
	if err := auth.ValidateToken("wrong-token"); err == nil {
		t.Error("unknown static token should be rejected")
	}
}
