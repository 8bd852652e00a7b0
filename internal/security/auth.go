package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no Authorization header is present.
	ErrMissingToken = errors.New("security: missing authorization token")
	// ErrInvalidToken is returned when the JWT is malformed or its signature
	// does not verify.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrExpiredToken is returned when the JWT has expired.
	ErrExpiredToken = errors.New("security: token expired")
	// ErrInsufficientRole is returned when the token's role lacks permission.
	ErrInsufficientRole = errors.New("security: insufficient role")
)

// Roles accepted in agent tokens. Admin may additionally toggle the
// emergency flags.
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

type contextKey string

const claimsKey contextKey = "agent_claims"

// AgentClaims identifies the calling agent for rate limiting and audit.
type AgentClaims struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
}

type tokenClaims struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed HS256 bearer token for an agent.
func GenerateToken(agentID, role string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		AgentID: agentID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and verifies a bearer token string.
func ValidateToken(tokenStr string, secret []byte) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if tc.AgentID == "" {
		return nil, ErrInvalidToken
	}
	return &AgentClaims{AgentID: tc.AgentID, Role: tc.Role}, nil
}

// ClaimsFromContext extracts the authenticated agent from a request context.
func ClaimsFromContext(ctx context.Context) (*AgentClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*AgentClaims)
	return c, ok
}

// AuthMiddleware validates the Authorization header and stores the claims in
// the request context. With an empty secret, authentication is disabled and
// the agent id falls back to the X-Agent-ID header (or "anonymous").
func AuthMiddleware(secret []byte, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(secret) == 0 {
			agentID := r.Header.Get("X-Agent-ID")
			if agentID == "" {
				agentID = "anonymous"
			}
			ctx := context.WithValue(r.Context(), claimsKey, &AgentClaims{AgentID: agentID, Role: RoleAgent})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		claims, err := ValidateToken(tokenStr, secret)
		if err != nil {
			logger.Warn("auth rejected", "error", err, "remote", r.RemoteAddr)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole guards a handler behind a role.
func RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Role != role {
			http.Error(w, ErrInsufficientRole.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
