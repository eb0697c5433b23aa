package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/gamescan/internal/engine"
	"github.com/BadgerOps/gamescan/internal/store"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// ScanRequestBody is the optional request body for POST /api/scan.
type ScanRequestBody struct {
	Path string `json:"path"`
}

// ScanStatusResponse is the response from GET /api/scan.
type ScanStatusResponse struct {
	Running   bool       `json:"running"`
	SessionID string     `json:"session_id,omitempty"`
	Root      string     `json:"root,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	engine.TrackerState
}

// handleScanStatus returns the latest progress, recent log lines and the
// outcome of the last finished scan.
func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	resp := ScanStatusResponse{TrackerState: s.tracker.Snapshot()}
	if sess := s.engine.Active(); sess != nil {
		started := sess.StartTime()
		resp.Running = true
		resp.SessionID = sess.ID()
		resp.Root = sess.Root()
		resp.StartedAt = &started
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStartScan starts a scan of the requested or configured game directory.
func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	root := req.Path
	if root == "" {
		root = s.config.Game.FilesPath
	}
	if root == "" {
		dir, err := s.locateGame()
		if err != nil {
			s.logger.Warn("game directory not found", "error", err)
			s.writeError(w, http.StatusBadRequest, "game directory not found, set path or game.files_path")
			return
		}
		root = dir
	}

	sess, err := s.engine.Start(s.baseCtx, root)
	switch {
	case errors.Is(err, engine.ErrSessionActive):
		s.writeError(w, http.StatusConflict, "a scan is already running")
		return
	case errors.Is(err, engine.ErrInvalidPath):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to start scan", "root", root, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start scan")
		return
	}

	s.tracker.Reset(sess.ID())
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		for p := range sess.Progress() {
			s.tracker.Observe(p)
		}
		s.tracker.Finish(sess.Wait())
	}()

	s.logger.Info("scan started via API", "session", sess.ID(), "root", root)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sess.ID()})
}

// handleCancelScan requests cancellation of the running scan.
func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	if !s.engine.RequestCancel() {
		s.writeError(w, http.StatusConflict, "no scan is running")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}

// RunResponse is the response from GET /api/runs/{id}.
type RunResponse struct {
	store.ScanRun
	Failures []store.FileFailure `json:"failures"`
}

// handleListRuns lists recent scan runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scan history is disabled")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.store.ListScanRuns(limit)
	if err != nil {
		s.logger.Error("failed to list scan runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list scan runs")
		return
	}
	if runs == nil {
		runs = []store.ScanRun{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns one scan run with its per-file failures.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scan history is disabled")
		return
	}

	id := r.PathValue("id")
	run, err := s.store.GetScanRun(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "scan run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get scan run", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get scan run")
		return
	}

	failures, err := s.store.ListFileFailures(id)
	if err != nil {
		s.logger.Error("failed to list file failures", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get scan run")
		return
	}
	if failures == nil {
		failures = []store.FileFailure{}
	}
	s.writeJSON(w, http.StatusOK, RunResponse{ScanRun: *run, Failures: failures})
}
