package hub

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/pizzaface/pizzapi/internal/config"
	"github.com/pizzaface/pizzapi/internal/ws"
)

const readLimit = 512 * 1024 // replay chunks and attachments refs can be large

// Server is the relay hub: connection gateway, registries, channels, broker,
// and the REST API, behind one http.Handler.
type Server struct {
	Store       *Store
	Config      *config.Hub
	Runners     *RunnerRegistry
	Sessions    *SessionRegistry
	Terminals   *TerminalBroker
	Attachments *AttachmentStore
	RateLimit   *RateLimiter

	persist *DiskPersister
	feed    *hubFeed
	conns   connCaps
	jwtKey  *ecdsa.PrivateKey
	mux     *http.ServeMux
}

// NewServer wires the hub together. Sessions recovered from disk are
// rehydrated into the idle state before the server accepts traffic.
func NewServer(store *Store, cfg *config.Hub) (*Server, error) {
	persist, err := NewDiskPersister(cfg.SessionsDir())
	if err != nil {
		return nil, err
	}
	attachments, err := NewAttachmentStore(cfg.AttachmentsDir())
	if err != nil {
		return nil, err
	}

	s := &Server{
		Store:       store,
		Config:      cfg,
		Runners:     NewRunnerRegistry(),
		Attachments: attachments,
		RateLimit:   NewRateLimiter(10, 30),
		persist:     persist,
		feed:        newHubFeed(),
		mux:         http.NewServeMux(),
	}
	s.Sessions = NewSessionRegistry(store, s.Runners, persist, s.notifyHub)
	s.Terminals = NewTerminalBroker(s.Runners)

	if cfg.JWTKey != "" {
		key, err := ParseECKey(cfg.JWTKey)
		if err != nil {
			return nil, fmt.Errorf("parse jwt key: %w", err)
		}
		s.jwtKey = key
	} else {
		key, _, err := GenerateECKey()
		if err != nil {
			return nil, fmt.Errorf("generate jwt key: %w", err)
		}
		s.jwtKey = key
	}

	recovered, err := ScanSessions(cfg.SessionsDir())
	if err != nil {
		return nil, err
	}
	s.Sessions.Rehydrate(recovered)

	// WebSocket endpoints
	s.mux.HandleFunc("GET /ws/runner", s.handleRunnerWS)
	s.mux.HandleFunc("GET /ws/sessions/{sessionId}", s.handleSessionWS)
	s.mux.HandleFunc("GET /ws/terminal/{terminalId}", s.handleTerminalWS)
	s.mux.HandleFunc("GET /ws/hub", s.handleHubWS)

	// REST API
	s.mux.HandleFunc("POST /api/runners/spawn", s.handleSpawn)
	s.mux.HandleFunc("POST /api/runners/terminal", s.handleCreateTerminal)
	s.mux.HandleFunc("GET /api/runners", s.handleListRunners)
	s.mux.HandleFunc("GET /api/runners/{id}/recent-folders", s.runnerProxy("recent_folders"))
	s.mux.HandleFunc("POST /api/runners/{id}/files", s.runnerProxy("list_files"))
	s.mux.HandleFunc("POST /api/runners/{id}/read-file", s.runnerProxy("read_file"))
	s.mux.HandleFunc("POST /api/runners/{id}/git-status", s.runnerProxy("git_status"))
	s.mux.HandleFunc("POST /api/runners/{id}/git-diff", s.runnerProxy("git_diff"))
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("DELETE /api/sessions/{sessionId}", s.handleEndSession)
	s.mux.HandleFunc("POST /api/sessions/{sessionId}/attachments", s.handleUploadAttachments)
	s.mux.HandleFunc("GET /api/attachments/{id}", s.handleGetAttachment)

	s.mux.HandleFunc("GET /health", s.handleHealth)

	go s.sweepLoop()
	return s, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"runners": len(s.Runners.All()),
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.RateLimit != nil && shouldRateLimit(r.Method, r.URL.Path) {
		if !s.RateLimit.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// shouldRateLimit returns true for mutating API calls and WebSocket upgrades.
func shouldRateLimit(method, path string) bool {
	if strings.HasPrefix(path, "/ws/") {
		return true
	}
	if (method == http.MethodPost || method == http.MethodDelete) && strings.HasPrefix(path, "/api/") {
		return true
	}
	return false
}

// sweepLoop drives runner ping deadlines and the post-disconnect session
// grace window.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.Runners.sweep(s.Sessions.RunnerVanished)
	}
}

// GracefulShutdown sends restart to every connected runner, flushes persistence, and
// shuts down the HTTP server.
func (s *Server) GracefulShutdown(httpSrv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, _ := json.Marshal(ws.Restart{Type: ws.TypeRestart})
	for _, runner := range s.Runners.All() {
		runner.enqueue(msg)
	}

	slog.Info("shutting down", "runners", len(s.Runners.All()))

	s.Sessions.Shutdown()
	s.persist.Flush()

	for _, runner := range s.Runners.All() {
		runner.close(websocket.StatusGoingAway, "server shutting down")
	}

	if httpSrv == nil {
		return nil
	}
	return httpSrv.Shutdown(ctx)
}
