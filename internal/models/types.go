package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state of a deployment run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// DeployRequest is a single incoming trigger. Immutable once created.
type DeployRequest struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"`
	Ref        string    `json:"ref"`
	Commit     string    `json:"commit"`
	Requester  string    `json:"requester"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewDeployRequest builds a request for an incoming trigger.
func NewDeployRequest(event, ref, commit, requester string) DeployRequest {
	return DeployRequest{
		ID:         uuid.NewString(),
		Event:      event,
		Ref:        ref,
		Commit:     commit,
		Requester:  requester,
		ReceivedAt: time.Now(),
	}
}

// StepResult captures one external command of the pipeline.
type StepResult struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration_ns"`
}

// DeployRun is the record of one admitted deployment. It is owned by the
// executor while running and read-only once FinishedAt is set.
type DeployRun struct {
	ID         string        `json:"id"`
	Request    DeployRequest `json:"request"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Steps      []StepResult  `json:"steps"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

// Duration reports how long the run took. Zero until the run is terminal.
func (r *DeployRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// LastStep returns the most recently executed step, if any.
func (r *DeployRun) LastStep() (StepResult, bool) {
	if len(r.Steps) == 0 {
		return StepResult{}, false
	}
	return r.Steps[len(r.Steps)-1], true
}
