package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testAuthKey = []byte("0123456789abcdef0123456789abcdef")

func TestTokenRoundTrip(t *testing.T) {
	tok, err := GenerateToken("agent-7", RoleAgent, testAuthKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ValidateToken(tok, testAuthKey)
	if err != nil {
		t.Fatal(err)
	}
	if claims.AgentID != "agent-7" || claims.Role != RoleAgent {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateTokenWrongKey(t *testing.T) {
	tok, err := GenerateToken("agent-7", RoleAgent, testAuthKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(tok, []byte("other-key")); err == nil {
		t.Error("expected rejection with wrong key")
	}
}

func TestValidateTokenExpired(t *testing.T) {
	tok, err := GenerateToken("agent-7", RoleAgent, testAuthKey, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(tok, testAuthKey); err != ErrExpiredToken {
		t.Errorf("err = %v, want ErrExpiredToken", err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	var got *AgentClaims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
	})
	h := AuthMiddleware(testAuthKey, discardLogger(), inner)

	// No header
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d", rec.Code)
	}

	// Valid token
	tok, _ := GenerateToken("agent-9", RoleAdmin, testAuthKey, time.Hour)
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", rec.Code)
	}
	if got == nil || got.AgentID != "agent-9" {
		t.Errorf("claims = %+v", got)
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	var got *AgentClaims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
	})
	h := AuthMiddleware(nil, discardLogger(), inner)

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("X-Agent-ID", "dev-agent")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got == nil || got.AgentID != "dev-agent" {
		t.Errorf("claims = %+v", got)
	}
}

func TestRequireRole(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := AuthMiddleware(testAuthKey, discardLogger(), RequireRole(RoleAdmin, inner))

	tok, _ := GenerateToken("agent-1", RoleAgent, testAuthKey, time.Hour)
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("agent role hitting admin endpoint: status = %d", rec.Code)
	}
}
