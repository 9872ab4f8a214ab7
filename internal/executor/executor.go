package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"webhook-deploy/internal/config"
	"webhook-deploy/internal/gate"
	"webhook-deploy/internal/models"
	"webhook-deploy/internal/storage"
)

// StepError describes the first failing step of a pipeline.
type StepError struct {
	Step     string
	ExitCode int
	Output   string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed with exit code %d", e.Step, e.ExitCode)
}

// Step is one external command of the fixed deploy sequence.
type Step struct {
	Name    string
	Command []string
}

// HistorySink mirrors terminal runs into an external store. Failures are
// logged, never surfaced to the pipeline.
type HistorySink interface {
	SaveRun(ctx context.Context, run *models.DeployRun) error
}

// Executor runs the fixed fetch -> build -> restart pipeline as one logged,
// cancellable unit of work. It aborts on the first failing step and always
// releases the gate slot.
type Executor struct {
	steps       []Step
	runner      Runner
	store       *storage.Store
	stepTimeout time.Duration
	history     HistorySink
	repoName    string
}

// New builds an executor from the pipeline configuration.
func New(cfg *config.Config, runner Runner, store *storage.Store, history HistorySink) *Executor {
	return &Executor{
		steps: []Step{
			{Name: "fetch", Command: cfg.Pipeline.Fetch},
			{Name: "build", Command: cfg.Pipeline.Build},
			{Name: "restart", Command: cfg.Pipeline.Restart},
		},
		runner:      runner,
		store:       store,
		stepTimeout: cfg.Pipeline.StepTimeout,
		history:     history,
		repoName:    cfg.Repo.Name,
	}
}

// Run executes the pipeline for an admitted request and returns a terminal
// DeployRun. It never returns nil and never panics the trigger loop; a
// failed step yields Outcome=failure. The slot is released on every path.
func (e *Executor) Run(ctx context.Context, req models.DeployRequest, slot *gate.Slot) *models.DeployRun {
	defer slot.Release()

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	run := &models.DeployRun{
		ID:        uuid.NewString(),
		Request:   req,
		StartedAt: time.Now(),
	}

	logrus.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"ref":       req.Ref,
		"requester": req.Requester,
	}).Infof("%s Starting deployment", green("🚀"))

	e.appendLog(fmt.Sprintf("=== deployment %s started (repo=%s ref=%s requester=%s)",
		run.ID, e.repoName, req.Ref, req.Requester))

	failed := false
	for _, step := range e.steps {
		if err := ctx.Err(); err != nil {
			run.Error = "cancelled"
			e.appendLog(fmt.Sprintf("deployment %s cancelled before step %s", run.ID, step.Name))
			failed = true
			break
		}

		result, err := e.runStep(ctx, run.ID, step)
		run.Steps = append(run.Steps, result)

		if err != nil {
			run.Error = err.Error()
			e.appendLog(fmt.Sprintf("deployment %s failed at step %s: %s", run.ID, step.Name, run.Error))
			failed = true
			break
		}
	}

	run.FinishedAt = time.Now()
	if failed {
		run.Outcome = models.OutcomeFailure
		logrus.WithFields(logrus.Fields{
			"run_id": run.ID,
			"took":   run.Duration(),
		}).Errorf("%s Deployment failed: %s", red("💥"), run.Error)
	} else {
		run.Outcome = models.OutcomeSuccess
		e.appendLog(fmt.Sprintf("Deployment complete (run=%s took=%v)", run.ID, run.Duration().Round(time.Millisecond)))
		logrus.WithFields(logrus.Fields{
			"run_id": run.ID,
			"took":   run.Duration(),
		}).Infof("%s Deployment complete", green("✅"))
	}

	if err := e.store.SaveRun(run); err != nil {
		logrus.Errorf("Failed to persist run %s: %v", run.ID, err)
	}
	e.mirrorHistory(run)

	return run
}

func (e *Executor) runStep(ctx context.Context, runID string, step Step) (models.StepResult, error) {
	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.stepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
	}
	defer cancel()

	cmdLine := strings.Join(step.Command, " ")
	e.appendLog(fmt.Sprintf("--- step %s: %s", step.Name, cmdLine))
	logrus.WithFields(logrus.Fields{
		"run_id": runID,
		"step":   step.Name,
	}).Infof("Running %s", cmdLine)

	start := time.Now()
	code, output, err := e.runner.Run(stepCtx, step.Command[0], step.Command[1:]...)
	result := models.StepResult{
		Name:     step.Name,
		Command:  cmdLine,
		ExitCode: code,
		Output:   output,
		Duration: time.Since(start),
	}

	if output != "" {
		e.appendLog(strings.Split(strings.TrimRight(output, "\n"), "\n")...)
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("cancelled")
	}
	if stepCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("step %s timed out after %v", step.Name, e.stepTimeout)
	}
	if err != nil {
		return result, fmt.Errorf("step %s: %v", step.Name, err)
	}
	if code != 0 {
		return result, &StepError{Step: step.Name, ExitCode: code, Output: output}
	}
	return result, nil
}

func (e *Executor) appendLog(lines ...string) {
	if err := e.store.AppendLog(lines...); err != nil {
		logrus.Errorf("Failed to append deploy log: %v", err)
	}
}

func (e *Executor) mirrorHistory(run *models.DeployRun) {
	if e.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.history.SaveRun(ctx, run); err != nil {
		logrus.Errorf("Failed to mirror run %s to history: %v", run.ID, err)
	}
}
