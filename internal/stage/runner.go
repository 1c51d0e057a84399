// Package stage supervises one external transformation program: spawn,
// stream its stdout through the progress protocol parser, wait for exit.
package stage

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/mediascrub/mediascrub/internal/progress"
)

// SpawnFailure is the sentinel exit code reported when the stage program
// could not be started at all (missing binary, permission denied). Callers
// must treat it exactly like any other non-zero exit.
const SpawnFailure = -1

// strippedEnvVars pin a Python interpreter's home or module path. They are
// removed from the child environment so stage programs resolve their own
// interpreter and dependencies, independent of whatever launched the service.
var strippedEnvVars = []string{"PYTHONHOME", "PYTHONPATH", "VIRTUAL_ENV"}

// Run spawns program with args and a sanitized environment, forwards every
// decoded stdout protocol event to onEvent in arrival order, and returns the
// process exit code. Stderr is captured for diagnostics only. Run imposes no
// timeout of its own; it waits for natural termination.
func Run(ctx context.Context, program string, args []string, onEvent func(progress.Event)) int {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Env = filteredEnv()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		slog.Error("stage: stdout pipe", "program", program, "error", err)
		return SpawnFailure
	}

	if err := cmd.Start(); err != nil {
		slog.Error("stage: failed to start", "program", program, "error", err)
		return SpawnFailure
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, ok := progress.Decode(line)
		if !ok {
			continue
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("stage: stdout read", "program", program, "error", err)
	}

	if err := cmd.Wait(); err != nil {
		code := SpawnFailure
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		slog.Warn("stage: non-zero exit",
			"program", program,
			"exit_code", code,
			"stderr", tail(stderr.String(), 500),
		)
		return code
	}

	return 0
}

// filteredEnv returns os.Environ() minus the interpreter-pinning variables.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if stripped(name) {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}

func stripped(name string) bool {
	for _, v := range strippedEnvVars {
		if name == v {
			return true
		}
	}
	return false
}

// tail returns the last n bytes of s, for log-friendly stderr excerpts.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
