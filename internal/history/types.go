package history

import "time"

// Status is the lifecycle state of a recorded run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one pipeline execution as stored in deploy_runs.
type Run struct {
	ID          string     `json:"id"`
	App         string     `json:"app"`
	Trigger     string     `json:"trigger"`
	Status      Status     `json:"status"`
	FailedPhase string     `json:"failed_phase,omitempty"`
	Error       string     `json:"error,omitempty"`
	Commit      string     `json:"commit,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Phases      []Phase    `json:"phases"`
}

// Phase is the recorded outcome of a single pipeline phase.
type Phase struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Completion carries the terminal fields written by Store.Complete.
type Completion struct {
	Status      Status
	FailedPhase string
	Error       string
	Commit      string
	FinishedAt  time.Time
	Phases      []Phase
}
