// Package api exposes the gateway operations over HTTP. Each operation is a
// POST under /api/v1/; watch sessions additionally stream their events over
// a WebSocket.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawinfra/fsgate/internal/gateway"
	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
)

// Server is the HTTP API server.
type Server struct {
	port       int
	gw         *gateway.Gateway
	authSecret []byte
	logger     *slog.Logger
	httpServer *http.Server
	started    time.Time
}

// NewServer creates the API server. An empty authSecret disables token
// authentication.
func NewServer(port int, gw *gateway.Gateway, authSecret []byte, logger *slog.Logger) *Server {
	return &Server{
		port:       port,
		gw:         gw,
		authSecret: authSecret,
		logger:     logger.With("component", "api"),
		started:    time.Now(),
	}
}

// Handler builds the routing tree with the auth and logging middleware
// applied. Exposed so tests can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/v1/watch/", s.handleWatchStream)
	mux.Handle("/api/v1/admin/emergency",
		security.RequireRole(security.RoleAdmin, http.HandlerFunc(s.handleEmergency)))
	mux.HandleFunc("/api/v1/", s.handleOperation)

	return security.AuthMiddleware(s.authSecret, s.logger, s.loggingMiddleware(mux))
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// handleOperation routes POST /api/v1/{operation}.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	if strings.Contains(name, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	op, err := gateway.ParseOperation(name)
	if err != nil {
		s.respondError(w, err)
		return
	}

	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, types.NewValidationError(types.CodeMissingField, "request body must be JSON"))
		return
	}

	result, err := s.gw.Dispatch(r.Context(), op, claims.AgentID, body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, envelope{OK: true, Result: result})
}

// handleStatus reports liveness and a few counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	eng := s.gw.Engine()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"uptime":            time.Since(s.started).String(),
		"workspaceRoot":     eng.WorkspaceRoot(),
		"emergencyStop":     eng.EmergencyStop(),
		"emergencyReadOnly": eng.EmergencyReadOnly(),
		"watchSessions":     len(s.gw.Watch().Sessions()),
		"operations":        gateway.Operations(),
	})
}

type emergencyRequest struct {
	Stop     *bool `json:"stop,omitempty"`
	ReadOnly *bool `json:"readOnly,omitempty"`
}

// handleEmergency toggles the emergency flags (admin only).
func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, types.NewValidationError(types.CodeMissingField, "request body must be JSON"))
		return
	}
	eng := s.gw.Engine()
	if req.Stop != nil {
		eng.SetEmergencyStop(*req.Stop)
	}
	if req.ReadOnly != nil {
		eng.SetEmergencyReadOnly(*req.ReadOnly)
	}
	s.respondJSON(w, http.StatusOK, envelope{OK: true, Result: map[string]bool{
		"emergencyStop":     eng.EmergencyStop(),
		"emergencyReadOnly": eng.EmergencyReadOnly(),
	}})
}

type envelope struct {
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  *types.OpError `json:"error,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	oe, ok := err.(*types.OpError)
	if !ok {
		oe = &types.OpError{Code: types.CodeIO, Kind: types.KindFilesystem, Message: err.Error()}
	}
	s.respondJSON(w, statusFor(oe), envelope{OK: false, Error: oe})
}

func statusFor(oe *types.OpError) int {
	switch oe.Kind {
	case types.KindSecurity:
		if oe.Code == types.CodeRateLimit {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindOperation:
		if oe.Code == types.CodeSessionNotFound {
			return http.StatusNotFound
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
