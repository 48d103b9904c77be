// Package executor wraps child-process execution behind a small interface
// so package handlers and snapshot backends can be tested with a fake
// runner instead of real system tools.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/arthur-debert/consync/pkg/logging"
)

// CommandRunner executes external commands. All engine components that
// shell out (package managers, git, snapshot tooling) go through this
// interface.
type CommandRunner interface {
	// Run executes the command and returns its combined output.
	// A non-zero exit is returned as an error.
	Run(ctx context.Context, name string, args ...string) (string, error)

	// LookPath reports whether the named binary is on PATH.
	LookPath(name string) bool
}

// OSRunner is the CommandRunner backed by os/exec.
type OSRunner struct {
	// Env entries appended to the inherited environment for every command.
	Env []string
}

// NewOSRunner creates a runner that executes commands on the host.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

// Run executes the command and returns its combined stdout/stderr.
func (r *OSRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	logging.LogCommand(name, args)

	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := strings.TrimRight(buf.String(), "\n")

	if err != nil {
		logger := logging.GetLogger("executor")
		logger.Debug().
			Str("command", name).
			Strs("args", args).
			Str("output", output).
			Err(err).
			Msg("command failed")
	}

	return output, err
}

// LookPath reports whether the named binary is on PATH.
func (r *OSRunner) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Verify interface compliance
var _ CommandRunner = (*OSRunner)(nil)
