package api

import (
	"time"

	"github.com/mattjoyce/deployhook/internal/pipeline"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	AppsLoaded    int    `json:"apps_loaded"`
	Subscribers   int    `json:"event_subscribers"`
}

// DeployAccepted is returned by POST /deploy/{app} when the run is started in
// the background.
type DeployAccepted struct {
	App     string `json:"app"`
	Status  string `json:"status"`
	Trigger string `json:"trigger"`
}

// PhaseResult is one phase of a synchronous deploy.
type PhaseResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// DeployResult is returned by POST /deploy/{app}?wait=true.
type DeployResult struct {
	RunID       string        `json:"run_id"`
	App         string        `json:"app"`
	Status      string        `json:"status"`
	Commit      string        `json:"commit,omitempty"`
	FailedPhase string        `json:"failed_phase,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Phases      []PhaseResult `json:"phases"`
}

func newDeployResult(r *pipeline.Run) DeployResult {
	res := DeployResult{
		RunID:       r.ID,
		App:         r.App,
		Status:      "succeeded",
		Commit:      r.Commit,
		FailedPhase: r.FailedPhase(),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Phases:      make([]PhaseResult, 0, len(r.Outcomes)),
	}
	if r.Err != nil {
		res.Status = "failed"
		res.Error = r.Err.Error()
	}
	for _, o := range r.Outcomes {
		p := PhaseResult{Name: o.Phase, Status: string(o.Status), DurationMS: o.Duration.Milliseconds()}
		if o.Err != nil {
			p.Error = o.Err.Error()
		}
		res.Phases = append(res.Phases, p)
	}
	return res
}
