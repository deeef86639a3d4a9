// Package httpapi serves the node's local admin API and holds the JSON
// helpers shared with the reference authority.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BrandonDHaskell/Portunus/node/internal/portunus/coordinator"
)

// Node is the control loop as seen from the admin API.
type Node interface {
	Snapshot() coordinator.Snapshot
	Submit(coordinator.Command) error
}

type Dependencies struct {
	Logger *slog.Logger
	Addr   string
	Node   Node
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	mux        *http.ServeMux
	node       Node
}

type commandResponse struct {
	Accepted bool   `json:"accepted"`
	Command  string `json:"command"`
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger: d.Logger,
		mux:    mux,
		node:   d.Node,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/sync", s.handleCommand(coordinator.CommandSync))
	mux.HandleFunc("POST /v1/alarm/reset", s.handleCommand(coordinator.CommandReset))

	handler := LoggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("admin api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.node.Snapshot())
}

func (s *Server) handleCommand(cmd coordinator.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := s.node.Submit(cmd); err != nil {
			if errors.Is(err, coordinator.ErrBusy) {
				WriteError(w, http.StatusServiceUnavailable, "busy", "command buffer full, retry shortly")
				return
			}
			s.logger.Error("command submit failed", "command", cmd, "error", err)
			WriteError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		WriteJSON(w, http.StatusAccepted, commandResponse{Accepted: true, Command: string(cmd)})
	}
}
