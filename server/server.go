// Package server exposes the REST and websocket surface of the daemon.
//
// Every endpoint except /health requires the X-User-Id header; the platform
// gateway authenticates users and forwards their id. Responses share a
// {success, error} envelope with operation-specific fields alongside.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/termspace/termspace-core/git"
	"github.com/termspace/termspace-core/logger"
	"github.com/termspace/termspace-core/session"
	"github.com/termspace/termspace-core/state"
	"github.com/termspace/termspace-core/stream"
)

// Server wires the HTTP surface to the session manager and git service.
type Server struct {
	manager        *session.Manager
	gitSvc         *git.Service
	store          *state.Store
	terminal       *stream.Handler
	workspacesBase string

	httpServer *http.Server
}

// New assembles the server and its routes.
func New(addr string, manager *session.Manager, gitSvc *git.Service, store *state.Store, workspacesBase string) *Server {
	s := &Server{
		manager:        manager,
		gitSvc:         gitSvc,
		store:          store,
		terminal:       stream.NewHandler(manager),
		workspacesBase: workspacesBase,
	}

	router := httprouter.New()
	router.GET("/health", s.handleHealth)

	router.POST("/sessions", s.withUser(s.handleCreateSession))
	router.GET("/sessions", s.withUser(s.handleGetSession))
	router.DELETE("/sessions", s.withUser(s.handleDeleteSession))

	router.POST("/git/clone", s.withUser(s.handleGitClone))
	router.POST("/git/checkout", s.withUser(s.handleGitCheckout))
	router.POST("/git/commit", s.withUser(s.handleGitCommit))
	router.POST("/git/push", s.withUser(s.handleGitPush))
	router.GET("/git/status", s.withUser(s.handleGitStatus))

	router.GET("/workspace/files", s.withUser(s.handleListFiles))
	router.GET("/workspace/file", s.withUser(s.handleReadFile))
	router.GET("/workspace/state", s.withUser(s.handleGetState))
	router.PUT("/workspace/state", s.withUser(s.handlePutState))

	router.GET("/terminal", s.handleTerminal)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	logger.WithComponent("server").Info("listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and terminates all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// userHandler is an authenticated route handler.
type userHandler func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, userID string)

// withUser enforces the identity header.
func (s *Server) withUser(next userHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		next(w, r, ps, userID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "ok"})
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.terminal.ServeHTTP(w, r)
}

// workspaceRoot resolves the user's workspace root: the live session knows
// it directly; otherwise the sandbox account recorded at session creation or
// clone time anchors it. The root is always derived from the user's own
// identity, never from client-supplied paths.
func (s *Server) workspaceRoot(userID string) (string, bool) {
	if sess, ok := s.manager.Get(userID); ok {
		return sess.WorkspaceRoot, true
	}
	ws, err := s.store.Get(userID)
	if err != nil || ws.SystemUsername == "" {
		return "", false
	}
	return filepath.Join(s.workspacesBase, ws.SystemUsername), true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithComponent("server").Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func writeSuccess(w http.ResponseWriter, fields map[string]any) {
	payload := map[string]any{"success": true}
	for k, v := range fields {
		payload[k] = v
	}
	writeJSON(w, http.StatusOK, payload)
}

// decodeBody parses a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
