package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// CLI clones repositories by shelling out to the git binary.
type CLI struct {
	depth int
}

// New returns a CLI cloner. depth > 0 requests a shallow clone of that
// many commits; depth <= 0 clones full history.
func New(depth int) CLI {
	return CLI{depth: depth}
}

// Available reports whether the git binary can be resolved.
func (CLI) Available() error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git binary not found: %w", err)
	}
	return nil
}

// Clone clones the repository into dest, which must already exist.
func (c CLI) Clone(ctx context.Context, repoURL, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}

	args := []string{"clone"}
	if c.depth > 0 {
		args = append(args, "--depth", strconv.Itoa(c.depth))
	}
	args = append(args, repoURL, ".")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
