// Package tmux is the terminal-multiplexer adaptation layer: programmatic
// tab control for a session's workspace, shelled out via os/exec exactly
// like internal/jjdriver wraps jj. It is never called by the core (C1-C12)
// — only by the CLI layer, which decides whether and how to attach a
// terminal after the core returns a workspace path.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loomhq/loom/internal/loomerr"
)

// NewWindow creates a tmux window named after session, running in dir,
// inside the tmux server's default session.
func NewWindow(ctx context.Context, name, dir string) error {
	return run(ctx, "new-window", "-n", name, "-c", dir)
}

// SelectWindow switches the attached client to the named window.
func SelectWindow(ctx context.Context, name string) error {
	return run(ctx, "select-window", "-t", name)
}

// KillWindow closes the named window. Nothing in loom calls it; the remove
// path leaves any tmux window open.
func KillWindow(ctx context.Context, name string) error {
	return run(ctx, "kill-window", "-t", name)
}

// SendKeys sends literal keystrokes to the named window followed by Enter,
// e.g. to launch an agent's command automatically on session create.
func SendKeys(ctx context.Context, name, keys string) error {
	return run(ctx, "send-keys", "-t", name, keys, "Enter")
}

// HasSession reports whether a window with the given name currently exists.
func HasSession(ctx context.Context, name string) bool {
	out, err := exec.CommandContext(ctx, "tmux", "list-windows", "-F", "#{window_name}").CombinedOutput()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == name {
			return true
		}
	}
	return false
}

func run(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), loomerr.ErrSubprocessFailed, strings.TrimSpace(string(out)))
	}
	return nil
}
