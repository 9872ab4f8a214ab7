package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// Runner executes one external command and reports its exit code and
// combined output. The command is opaque; no interpretation of its output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (exitCode int, output string, err error)
}

type execRunner struct {
	dir string
}

// NewExecRunner returns a Runner that executes commands in dir.
func NewExecRunner(dir string) Runner {
	return &execRunner{dir: dir}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), err
	}
	return 0, string(out), nil
}
