package executor

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner is a CommandRunner for tests. Responses are keyed by the
// command line ("name arg1 arg2 ..."); unmatched commands succeed with
// empty output unless FailUnmatched is set.
type FakeRunner struct {
	mu sync.Mutex

	// Responses maps a full command line to its canned result.
	Responses map[string]FakeResult

	// Binaries lists names LookPath reports as present. A nil map means
	// every binary is present.
	Binaries map[string]bool

	// FailUnmatched makes unmatched commands return ErrUnmatched.
	FailUnmatched bool

	// Calls records every executed command line in order.
	Calls []string
}

// FakeResult is a canned command result.
type FakeResult struct {
	Output string
	Err    error
}

// Run implements CommandRunner.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	f.Calls = append(f.Calls, line)
	f.mu.Unlock()

	if res, ok := f.Responses[line]; ok {
		return res.Output, res.Err
	}
	if f.FailUnmatched {
		return "", &UnmatchedCommandError{Line: line}
	}
	return "", nil
}

// LookPath implements CommandRunner.
func (f *FakeRunner) LookPath(name string) bool {
	if f.Binaries == nil {
		return true
	}
	return f.Binaries[name]
}

// CallsMatching returns recorded command lines that start with prefix.
func (f *FakeRunner) CallsMatching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// UnmatchedCommandError is returned for commands without a canned response.
type UnmatchedCommandError struct {
	Line string
}

func (e *UnmatchedCommandError) Error() string {
	return "no fake response for command: " + e.Line
}

// Verify interface compliance
var _ CommandRunner = (*FakeRunner)(nil)
