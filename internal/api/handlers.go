package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/deployhook/internal/history"
	"github.com/mattjoyce/deployhook/internal/pipeline"
)

const maxListLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		AppsLoaded:    len(s.apps),
	}
	if s.events != nil {
		resp.Subscribers = s.events.Subscribers()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListRuns handles GET /runs?app=&limit=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}

	limit := history.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.runs.List(r.Context(), r.URL.Query().Get("app"), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun handles GET /runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}

	id := chi.URLParam(r, "runID")
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("failed to retrieve run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleDeploy handles POST /deploy/{app}. Signature validation does not
// apply; the bearer token already authorised the caller. With ?wait=true the
// response carries the finished run, otherwise the run continues in the
// background and 202 is returned.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "app")
	app, ok := s.apps[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "app not found")
		return
	}
	s.logger.Info("manual deploy requested", "app", name, "request_id", middleware.GetReqID(r.Context()))

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		run, err := s.executor.Execute(r.Context(), app, pipeline.TriggerAPI)
		if run == nil {
			s.writeError(w, http.StatusInternalServerError, errString(err))
			return
		}
		respondJSON(w, http.StatusOK, newDeployResult(run))
		return
	}

	s.deploys.Add(1)
	go func() {
		defer s.deploys.Done()
		if _, err := s.executor.Execute(context.Background(), app, pipeline.TriggerAPI); err != nil {
			s.logger.Debug("manual deploy failed", "app", name, "error", err)
		}
	}()
	respondJSON(w, http.StatusAccepted, DeployAccepted{App: name, Status: "accepted", Trigger: pipeline.TriggerAPI})
}

func errString(err error) string {
	if err == nil {
		return "deploy did not produce a run"
	}
	return err.Error()
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
