// Package httpapi exposes the sync engine over HTTP: REST routes for
// workspace management and a WebSocket endpoint streaming change batches
// and collaboration traffic to subscribers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/codefionn/syncspace/internal/loader"
	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/syncerr"
	"github.com/codefionn/syncspace/internal/watcher"
	"github.com/codefionn/syncspace/internal/workspace"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Server serves the REST and WebSocket API over a workspace registry
type Server struct {
	addr       string
	router     *httprouter.Router
	httpServer *http.Server
	hub        *Hub
	registry   *workspace.Registry
	log        *logger.Logger
	startedAt  time.Time
}

// StatusResponse is the GET /status body
type StatusResponse struct {
	Status     string `json:"status"`
	Workspaces int    `json:"workspaces"`
	Clients    int    `json:"clients"`
	UptimeSec  int64  `json:"uptime_seconds"`
}

// WorkspaceStats is the GET /workspaces/:id/stats body
type WorkspaceStats struct {
	ID      string            `json:"id"`
	Root    string            `json:"root"`
	Loader  loader.CacheStats `json:"loader"`
	Watcher watcher.Stats     `json:"watcher"`
}

// openRequest is the POST /workspaces body
type openRequest struct {
	Root string `json:"root"`
}

// NewServer wires the routes. The hub must be the same one the registry
// reports into.
func NewServer(addr string, hub *Hub, registry *workspace.Registry) *Server {
	s := &Server{
		addr:     addr,
		router:   httprouter.New(),
		hub:      hub,
		registry: registry,
		log:      logger.Global().WithPrefix("httpapi"),
	}

	s.router.GET("/status", s.handleStatus)
	s.router.GET("/workspaces", s.handleListWorkspaces)
	s.router.POST("/workspaces", s.handleOpenWorkspace)
	s.router.GET("/workspaces/:id/stats", s.handleWorkspaceStats)
	s.router.DELETE("/workspaces/:id", s.handleCloseWorkspace)
	s.router.GET("/ws", s.handleWebSocket)

	return s
}

// Handler returns the route table, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and runs the hub
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go s.hub.Run()

	go func() {
		s.log.Info("listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server: %v", err)
		}
	}()
	return nil
}

// Stop shuts the listener and hub down
func (s *Server) Stop() error {
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:     "ok",
		Workspaces: len(s.registry.List()),
		Clients:    s.hub.ClientCount(),
		UptimeSec:  uptime,
	})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleOpenWorkspace(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Root == "" {
		writeError(w, http.StatusBadRequest, "missing workspace root")
		return
	}

	e, err := s.registry.Open(req.Root)
	if err != nil {
		s.log.Warn("open workspace %s: %v", req.Root, err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workspace.Info{ID: e.ID, Root: e.Root})
}

func (s *Server) handleWorkspaceStats(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	e, ok := s.registry.Get(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown workspace")
		return
	}
	writeJSON(w, http.StatusOK, WorkspaceStats{
		ID:      e.ID,
		Root:    e.Root,
		Loader:  e.Loader.Stats(),
		Watcher: e.Watcher.Stats(),
	})
}

func (s *Server) handleCloseWorkspace(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.registry.Close(ps.ByName("id")); err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown workspace")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("upgrade websocket: %v", err)
		return
	}

	client := NewClient(s.hub, conn)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
