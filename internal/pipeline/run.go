package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/deployhook/internal/config"
	"github.com/mattjoyce/deployhook/internal/pm2"
	"github.com/mattjoyce/deployhook/internal/process"
)

// Triggers recorded on a run.
const (
	TriggerWebhook = "webhook"
	TriggerAPI     = "api"
)

// Phase names, in execution order.
const (
	PhaseResolveCWD = "resolveCWD"
	PhaseRunTests   = "runTests"
	PhasePull       = "pullApplication"
	PhasePreHook    = "preHook"
	PhaseReload     = "reloadApplication"
	PhasePostHook   = "postHook"
)

var (
	// ErrAppNotFound is returned when the process manager does not know the app.
	ErrAppNotFound = pm2.ErrAppNotFound
	// ErrTestsFailed aborts a run whose test command did not pass.
	ErrTestsFailed = errors.New("tests failed")
)

// PhaseError wraps the error that aborted a run.
type PhaseError struct {
	Phase string
	App   string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed for app %s: %v", e.Phase, e.App, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// PhaseStatus is the outcome of one phase.
type PhaseStatus string

const (
	StatusOK      PhaseStatus = "ok"
	StatusSkipped PhaseStatus = "skipped"
	StatusFailed  PhaseStatus = "failed"
)

// PhaseOutcome records one executed or skipped phase.
type PhaseOutcome struct {
	Phase    string
	Status   PhaseStatus
	Duration time.Duration
	Err      error
}

// Run is one pipeline execution for one delivery. It is never shared.
type Run struct {
	ID         string
	App        string
	Trigger    string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []PhaseOutcome
	// Commit is the head of the working copy after the pull, if known.
	Commit string
	Err    error

	app config.AppConfig
	env process.ExecEnv
}

// Succeeded reports whether every phase completed or was skipped.
func (r *Run) Succeeded() bool {
	return r.Err == nil
}

// Phases returns the names of the phases that actually ran, in order.
func (r *Run) Phases() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status != StatusSkipped {
			out = append(out, o.Phase)
		}
	}
	return out
}

// FailedPhase returns the phase that aborted the run, or "".
func (r *Run) FailedPhase() string {
	var pe *PhaseError
	if errors.As(r.Err, &pe) {
		return pe.Phase
	}
	return ""
}
