package gitinfo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Summary reads lightweight commit information from a local repository for
// notification messages. It is best-effort; errors yield an empty result.
type Summary struct {
	dir string
}

// New returns a Summary over the repository at dir.
func New(dir string) *Summary {
	return &Summary{dir: dir}
}

// RecentCommits returns up to n one-line commit descriptions, newest first.
func (s *Summary) RecentCommits(ctx context.Context, n int) []string {
	cmd := exec.CommandContext(ctx, "git", "log", fmt.Sprintf("-%d", n), "--pretty=format:%h %s")
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.Output()
	if err != nil {
		logrus.Warnf("Failed to read recent commits in %s: %v", s.dir, err)
		return nil
	}

	var commits []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			commits = append(commits, line)
		}
	}
	return commits
}
