// Package webui implements the wadesk dashboard HTTP API.
// Dashboard updates are pushed over Server-Sent Events (SSE) so the
// frontend mirrors the relay state in real time.
package webui

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/wadesk/pkg/wadesk/bus"
	"github.com/jholhewres/wadesk/pkg/wadesk/channels"
	"github.com/jholhewres/wadesk/pkg/wadesk/channels/whatsapp"
	"github.com/jholhewres/wadesk/pkg/wadesk/conversation"
	"github.com/jholhewres/wadesk/pkg/wadesk/relay"
)

// Config holds dashboard server configuration.
type Config struct {
	// Address is the listen address (default: ":3000").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token for authentication (empty = no auth).
	AuthToken string `yaml:"auth_token"`
}

// Transport exposes the connection surface the dashboard needs.
type Transport interface {
	IsConnected() bool
	GetState() whatsapp.ConnectionState
	LastQR() string
	Health() channels.HealthStatus
	RequestNewQR(ctx context.Context) error
	Logout() error
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg       Config
	store     *conversation.Store
	engine    *relay.Engine
	settings  *relay.SettingsManager
	transport Transport
	bus       *bus.Bus
	logger    *slog.Logger
	server    *http.Server
}

// New creates a dashboard server.
func New(cfg Config, store *conversation.Store, engine *relay.Engine, settings *relay.SettingsManager, transport Transport, b *bus.Bus, logger *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = ":3000"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		settings:  settings,
		transport: transport,
		bus:       b,
		logger:    logger.With("component", "webui"),
	}
}

// Handler builds the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/conversations", s.authMiddleware(s.handleConversations))
	mux.HandleFunc("/api/conversation/", s.authMiddleware(s.handleConversation))
	mux.HandleFunc("/api/contact/", s.authMiddleware(s.handleContact))
	mux.HandleFunc("/api/message", s.authMiddleware(s.handleDeleteMessage))
	mux.HandleFunc("/api/send", s.authMiddleware(s.handleSend))
	mux.HandleFunc("/api/toggle-bot", s.authMiddleware(s.handleToggleBot))
	mux.HandleFunc("/api/settings", s.authMiddleware(s.handleSettings))
	mux.HandleFunc("/api/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("/api/qr.png", s.authMiddleware(s.handleQRImage))
	mux.HandleFunc("/api/qr/refresh", s.authMiddleware(s.handleQRRefresh))
	mux.HandleFunc("/api/logout", s.authMiddleware(s.handleLogout))

	return corsMiddleware(mux)
}

// Start begins serving the dashboard.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled for SSE streams (long-lived connections)
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("dashboard starting", "address", s.cfg.Address)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the dashboard server.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
		s.logger.Info("dashboard stopped")
	}
}

// ── Middleware ──

// authMiddleware validates the bearer token if configured.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}

		if !compareTokens(extractToken(r), s.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		next(w, r)
	}
}

// corsMiddleware adds CORS headers for the dashboard dev server.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the auth token from the request.
func extractToken(r *http.Request) string {
	// Bearer token in Authorization header.
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	// Query parameter (for SSE connections, EventSource cannot set headers).
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}

	return ""
}

// compareTokens compares tokens in constant time, hashing first so
// length differences do not leak.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// ── JSON helpers ──

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSSE writes a named SSE event to the response writer.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(b))
	flusher.Flush()
}
