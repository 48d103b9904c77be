// Package scripts executes the ordered provisioning scripts of a
// configuration repository. Scripts are expected to be idempotent; the
// engine only guarantees ordering and abort-on-failure.
package scripts

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/logging"
	"github.com/arthur-debert/consync/pkg/platform"
)

// Environment is the fixed environment every script receives.
type Environment struct {
	OS       platform.Info
	User     string
	FirstRun bool
	RepoDir  string
	StateDir string
	LogFile  string
}

// vars renders the environment as KEY=value pairs.
func (e Environment) vars() []string {
	firstRun := "0"
	if e.FirstRun {
		firstRun = "1"
	}
	return []string{
		"CONSYNC_OS_ID=" + e.OS.ID,
		"CONSYNC_OS_VERSION=" + e.OS.VersionID,
		"CONSYNC_OS_FAMILY=" + string(e.OS.Family),
		"CONSYNC_USER=" + e.User,
		"CONSYNC_FIRST_RUN=" + firstRun,
		"CONSYNC_REPO_DIR=" + e.RepoDir,
		"CONSYNC_STATE_DIR=" + e.StateDir,
		"CONSYNC_LOG_FILE=" + e.LogFile,
	}
}

// Runner executes provisioning scripts in order.
type Runner struct {
	env Environment
}

// NewRunner creates a script runner with the given environment.
func NewRunner(env Environment) *Runner {
	return &Runner{env: env}
}

// RunAll discovers executable entries in dir, sorts them by numeric
// prefix (ties broken lexicographically) and runs them sequentially.
// The first non-zero exit aborts the remaining sequence.
func (r *Runner) RunAll(ctx context.Context, dir string) error {
	logger := logging.GetLogger("scripts")

	entries, err := discover(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		logger.Debug().Str("dir", dir).Msg("no scripts to run")
		return nil
	}

	runner := &executor.OSRunner{Env: r.env.vars()}

	for _, script := range entries {
		path := filepath.Join(dir, script)
		logger.Info().Str("script", script).Msg("running script")

		out, err := runner.Run(ctx, path)
		if out != "" {
			logger.Info().Str("script", script).Msg(out)
		}
		if err != nil {
			return errors.Wrapf(err, errors.ErrScriptFailed, "script %s failed", script)
		}
	}

	logger.Info().Int("count", len(entries)).Msg("all scripts completed")
	return nil
}

// discover lists executable entries sorted by their numeric ordering
// prefix. Entries without a prefix sort after numbered ones.
func discover(dir string) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.ErrFileAccess, "failed to read scripts directory %s", dir)
	}

	var names []string
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		if info.Mode()&0111 == 0 {
			continue
		}
		names = append(names, entry.Name())
	}

	sort.Slice(names, func(i, j int) bool {
		pi, pj := orderPrefix(names[i]), orderPrefix(names[j])
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names, nil
}

// orderPrefix extracts the leading digits of a script name.
func orderPrefix(name string) int {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 1 << 30
	}
	n, err := strconv.Atoi(name[:end])
	if err != nil {
		return 1 << 30
	}
	return n
}
