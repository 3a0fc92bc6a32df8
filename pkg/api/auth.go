package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth validates JWT bearer tokens. With noAuth every request passes.
// Static bearer tokens (HQ federation) are accepted alongside JWTs.
type Auth struct {
	secret       []byte
	noAuth       bool
	staticTokens []string
}

func NewAuth(secret string, noAuth bool) *Auth {
	return &Auth{secret: []byte(secret), noAuth: noAuth}
}

// AllowBearer accepts an additional static bearer token, used by HQ
// peers calling each other.
func (a *Auth) AllowBearer(token string) {
	if token != "" {
		a.staticTokens = append(a.staticTokens, token)
	}
}

// ValidateRequest authorizes a request from its Authorization header or
// `token` query parameter.
func (a *Auth) ValidateRequest(r *http.Request) error {
	if a.noAuth {
		return nil
	}

	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return fmt.Errorf("missing token")
	}
	return a.ValidateToken(token)
}

// ValidateToken checks a static bearer token or a signed JWT.
func (a *Auth) ValidateToken(token string) error {
	for _, static := range a.staticTokens {
		if subtle.ConstantTimeCompare([]byte(static), []byte(token)) == 1 {
			return nil
		}
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// Middleware rejects unauthorized requests with 401.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.ValidateRequest(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GenerateToken issues an HS256 JWT, used by the CLI and tests.
func GenerateToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(secret)
}
