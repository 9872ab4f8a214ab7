package executor

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"webhook-deploy/internal/config"
	"webhook-deploy/internal/gate"
	"webhook-deploy/internal/models"
	"webhook-deploy/internal/storage"
)

type fakeResult struct {
	code   int
	output string
	err    error
}

type fakeRunner struct {
	calls   []string
	results map[string]fakeResult
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (int, string, error) {
	f.calls = append(f.calls, name)
	if res, ok := f.results[name]; ok {
		return res.code, res.output, res.err
	}
	return 0, name + " ok\n", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Repo: config.RepoConfig{Name: "example-app", Dir: t.TempDir()},
		Pipeline: config.PipelineConfig{
			Fetch:   []string{"fetch-cmd"},
			Build:   []string{"build-cmd"},
			Restart: []string{"restart-cmd"},
		},
	}
}

func newTestExecutor(t *testing.T, runner Runner) (*Executor, *storage.Store, *gate.Gate) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	g := gate.New(time.Minute)
	return New(testConfig(t), runner, store, nil), store, g
}

func readLog(t *testing.T, store *storage.Store) string {
	t.Helper()
	data, err := os.ReadFile(store.LogFileName(time.Now()))
	if err != nil {
		t.Fatalf("reading deploy log failed: %v", err)
	}
	return string(data)
}

func TestRunSuccess(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{}}
	exec, store, g := newTestExecutor(t, runner)

	req := models.NewDeployRequest("push", "refs/heads/main", "abc123", "alice")
	slot, err := g.Admit(req.ID)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	run := exec.Run(context.Background(), req, slot)

	if run.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", run.Outcome, run.Error)
	}
	if len(run.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(run.Steps))
	}
	if got := strings.Join(runner.calls, ","); got != "fetch-cmd,build-cmd,restart-cmd" {
		t.Fatalf("unexpected step order: %s", got)
	}

	log := readLog(t, store)
	if !strings.Contains(log, "Deployment complete") {
		t.Fatalf("expected log to contain completion line, got:\n%s", log)
	}

	// The slot must be free immediately after completion.
	if _, err := g.Admit("next"); err != nil {
		t.Fatalf("expected slot to be free after run, got %v", err)
	}

	if last, ok := store.LastRun(); !ok || last.ID != run.ID {
		t.Fatalf("expected run to be persisted as last run")
	}
}

func TestRunAbortsOnFailedStep(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"build-cmd": {code: 1, output: "compose build blew up\n"},
	}}
	exec, store, g := newTestExecutor(t, runner)

	req := models.NewDeployRequest("push", "refs/heads/main", "abc123", "alice")
	slot, err := g.Admit(req.ID)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	run := exec.Run(context.Background(), req, slot)

	if run.Outcome != models.OutcomeFailure {
		t.Fatalf("expected failure, got %s", run.Outcome)
	}
	if !strings.Contains(run.Error, "build") {
		t.Fatalf("expected error to name the failing step, got %q", run.Error)
	}
	for _, call := range runner.calls {
		if call == "restart-cmd" {
			t.Fatalf("restart step must not run after build failure")
		}
	}
	if len(run.Steps) != 2 {
		t.Fatalf("expected 2 recorded steps, got %d", len(run.Steps))
	}

	log := readLog(t, store)
	if !strings.Contains(log, "compose build blew up") {
		t.Fatalf("expected failing step output in log, got:\n%s", log)
	}
	if strings.Contains(log, "restart-cmd") {
		t.Fatalf("expected no restart step invocation in log, got:\n%s", log)
	}

	// Slot released on the failure path too.
	if _, err := g.Admit("next"); err != nil {
		t.Fatalf("expected slot to be free after failed run, got %v", err)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	runner := &fakeRunner{}
	exec, _, g := newTestExecutor(t, runner)

	req := models.NewDeployRequest("manual", "", "", "operator")
	slot, err := g.Admit(req.ID)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := exec.Run(ctx, req, slot)

	if run.Outcome != models.OutcomeFailure {
		t.Fatalf("expected failure for cancelled run, got %s", run.Outcome)
	}
	if run.Error != "cancelled" {
		t.Fatalf("expected cancelled error, got %q", run.Error)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no steps to run after cancellation, got %v", runner.calls)
	}
	if _, err := g.Admit("next"); err != nil {
		t.Fatalf("expected slot to be free after cancelled run, got %v", err)
	}
}

func TestRunnerErrorMarksFailure(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"fetch-cmd": {code: -1, err: os.ErrNotExist},
	}}
	exec, _, g := newTestExecutor(t, runner)

	req := models.NewDeployRequest("manual", "", "", "operator")
	slot, err := g.Admit(req.ID)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	run := exec.Run(context.Background(), req, slot)

	if run.Outcome != models.OutcomeFailure {
		t.Fatalf("expected failure when the command cannot start, got %s", run.Outcome)
	}
	if len(run.Steps) != 1 {
		t.Fatalf("expected pipeline to abort after fetch, got %d steps", len(run.Steps))
	}
}

func TestStepError(t *testing.T) {
	err := &StepError{Step: "build", ExitCode: 2, Output: "boom"}
	if !strings.Contains(err.Error(), "build") || !strings.Contains(err.Error(), "2") {
		t.Fatalf("unexpected StepError message: %s", err.Error())
	}
}
