// Copyright 2025 The idsweep Authors
// This file is part of the idsweep library.
//
// The idsweep library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The idsweep library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the idsweep library. If not, see <http://www.gnu.org/licenses/>.

package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gorilla/mux"

	"github.com/idsweep/idsweep/protocol"
)

var requestTimer = metrics.NewRegisteredTimer("master/http/request", nil)

// Config carries the master's serve settings.
type Config struct {
	Host string
	Port int
}

// DefaultConfig matches the documented defaults.
var DefaultConfig = Config{
	Host: "0.0.0.0",
	Port: 3000,
}

// Server exposes the dispatcher over JSON-over-HTTP.
type Server struct {
	dispatcher *Dispatcher
	log        log.Logger

	srv      *http.Server
	listener net.Listener
}

// NewServer builds the HTTP surface over dispatcher. Start must be called
// before the server accepts requests.
func NewServer(cfg Config, dispatcher *Dispatcher) *Server {
	s := &Server{
		dispatcher: dispatcher,
		log:        log.New("component", "server"),
	}
	r := mux.NewRouter()
	r.HandleFunc("/task/acquire", s.handleAcquire).Methods(http.MethodPost)
	r.HandleFunc("/task/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/task/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/task/release", s.handleRelease).Methods(http.MethodPost)
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.instrument(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.listener = ln
	s.log.Info("HTTP server started", "endpoint", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		requestTimer.UpdateSince(start)
		s.log.Debug("request served", "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req protocol.AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.Fail[protocol.Task]("malformed request: "+err.Error()))
		return
	}
	task, err := s.dispatcher.Acquire(r.Context(), req.WorkerID, req.LastPerformance)
	switch {
	case errors.Is(err, ErrNoTask):
		// No task is not a server fault: 200 with a failed envelope.
		writeJSON(w, http.StatusOK, protocol.Fail[protocol.Task](ErrNoTask.Error()))
	case err != nil:
		s.log.Error("acquire failed", "worker", req.WorkerID, "err", err)
		writeJSON(w, http.StatusInternalServerError, protocol.Fail[protocol.Task]("store error: "+err.Error()))
	default:
		writeJSON(w, http.StatusOK, protocol.OK(*task))
	}
}

// handleHeartbeat answers with a bare status code: 200 on refresh, 404 when
// the task is gone or held by someone else, 500 on store failure.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	found, err := s.dispatcher.Heartbeat(r.Context(), req.TaskID, req.WorkerID)
	switch {
	case err != nil:
		s.log.Error("heartbeat failed", "task", req.TaskID, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
	case !found:
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.Fail[string]("malformed request: "+err.Error()))
		return
	}
	if err := s.dispatcher.Submit(r.Context(), req.TaskID, req.ValidIDs); err != nil {
		s.log.Error("submit failed", "task", req.TaskID, "err", err)
		writeJSON(w, http.StatusInternalServerError, protocol.Fail[string]("store error: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, protocol.OK("task submitted"))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.Fail[string]("malformed request: "+err.Error()))
		return
	}
	found, err := s.dispatcher.Release(r.Context(), req.TaskID, req.WorkerID)
	switch {
	case err != nil:
		s.log.Error("release failed", "task", req.TaskID, "err", err)
		writeJSON(w, http.StatusInternalServerError, protocol.Fail[string]("store error: "+err.Error()))
	case !found:
		writeJSON(w, http.StatusNotFound, protocol.Fail[string]("task not held by worker"))
	default:
		writeJSON(w, http.StatusOK, protocol.OK("task released"))
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, body protocol.Response[T]) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("encode response", "err", err)
	}
}
