// Package deploy applies per-file deployment policies to copy managed
// files from the repository checkout into the container filesystem.
package deploy

import (
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/arthur-debert/consync/pkg/checksum"
	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/logging"
	"github.com/arthur-debert/consync/pkg/repo"
)

// backupTimeFormat names the timestamped sibling created by the backup
// policy, e.g. bashrc.backup-20260829-153000.
const backupTimeFormat = "20060102-150405"

// Action describes what happened to one file.
type Action string

const (
	ActionWritten  Action = "written"
	ActionSkipped  Action = "skipped"
	ActionKept     Action = "kept" // default policy, existing target preserved
	ActionBackedUp Action = "backed-up"
)

// Result is the outcome for one managed file.
type Result struct {
	Name       string
	TargetPath string
	Action     Action
	BackupPath string

	// PriorDigest is the target digest observed before this phase wrote
	// anything (checksum.Missing for an absent target). The conflict
	// detector compares it against the recorded baseline.
	PriorDigest string

	// NewDigest is the target digest after this phase.
	NewDigest string

	Err error
}

// Report summarizes a deployment phase.
type Report struct {
	Deployed []Result
	Skipped  []Result
	Failed   []Result
}

// results iterates every per-file result in the report.
func (r Report) results() []Result {
	out := make([]Result, 0, len(r.Deployed)+len(r.Skipped)+len(r.Failed))
	out = append(out, r.Deployed...)
	out = append(out, r.Skipped...)
	out = append(out, r.Failed...)
	return out
}

// PriorDigests maps each target path to the digest observed before the
// phase touched it.
func (r Report) PriorDigests() map[string]string {
	out := make(map[string]string)
	for _, res := range r.results() {
		if res.PriorDigest != "" {
			out[res.TargetPath] = res.PriorDigest
		}
	}
	return out
}

// NewDigests maps each target path to the digest after the phase. This
// is the current-state snapshot promoted to the next baseline on success.
func (r Report) NewDigests() map[string]string {
	out := make(map[string]string)
	for _, res := range r.results() {
		if res.NewDigest != "" {
			out[res.TargetPath] = res.NewDigest
		}
	}
	return out
}

// Engine deploys managed files.
type Engine struct {
	// OperatorUser is the non-root account that owns deployed files
	// inside its home directory. Empty disables ownership fix-up.
	OperatorUser string

	// DryRun reports intended changes without writing anything.
	DryRun bool

	// now, lookupUser and chown are replaceable for tests.
	now        func() time.Time
	lookupUser func(name string) (*user.User, error)
	chown      func(path string, uid, gid int) error
}

// New creates a deployment engine.
func New(operatorUser string, dryRun bool) *Engine {
	return &Engine{
		OperatorUser: operatorUser,
		DryRun:       dryRun,
		now:          time.Now,
		lookupUser:   user.Lookup,
		chown:        os.Chown,
	}
}

// Deploy applies each file's policy. Per-file failures are collected in
// the report and do not abort the remaining files.
func (e *Engine) Deploy(files []repo.ManagedFile) Report {
	logger := logging.GetLogger("deploy")
	var report Report

	for _, file := range files {
		result := e.deployOne(file)
		switch {
		case result.Err != nil:
			logger.Error().Str("file", file.Name).Err(result.Err).Msg("deploy failed")
			report.Failed = append(report.Failed, result)
		case result.Action == ActionSkipped || result.Action == ActionKept:
			logger.Debug().Str("file", file.Name).Str("action", string(result.Action)).Msg("deploy no-op")
			report.Skipped = append(report.Skipped, result)
		default:
			logger.Info().
				Str("file", file.Name).
				Str("target", result.TargetPath).
				Str("action", string(result.Action)).
				Msg("file deployed")
			report.Deployed = append(report.Deployed, result)
		}
	}

	return report
}

func (e *Engine) deployOne(file repo.ManagedFile) Result {
	result := Result{Name: file.Name, TargetPath: file.TargetPath()}

	targetDigest, err := checksum.File(result.TargetPath)
	if err != nil {
		result.Err = errors.Wrapf(err, errors.ErrFileAccess, "cannot read target %s", result.TargetPath)
		return result
	}
	result.PriorDigest = targetDigest
	result.NewDigest = targetDigest

	switch file.Policy {
	case repo.PolicyDefault:
		if targetDigest != checksum.Missing {
			// Existing target wins, even when stale: local
			// customization is the accepted state here.
			result.Action = ActionKept
			return result
		}

	case repo.PolicyReplace, repo.PolicyBackup:
		if targetDigest == file.Digest {
			result.Action = ActionSkipped
			return result
		}

	default:
		result.Err = errors.Newf(errors.ErrInvalidInput, "unknown policy %q", file.Policy)
		return result
	}

	if e.DryRun {
		result.Action = ActionWritten
		result.NewDigest = file.Digest
		return result
	}

	if err := os.MkdirAll(file.TargetDir, 0755); err != nil {
		result.Err = errors.Wrapf(err, errors.ErrDirCreate, "cannot create %s", file.TargetDir)
		return result
	}

	result.Action = ActionWritten
	if file.Policy == repo.PolicyBackup && targetDigest != checksum.Missing {
		backupPath, err := e.backup(result.TargetPath)
		if err != nil {
			result.Err = err
			return result
		}
		result.Action = ActionBackedUp
		result.BackupPath = backupPath
	}

	if err := os.WriteFile(result.TargetPath, file.Content, 0644); err != nil {
		result.Err = errors.Wrapf(err, errors.ErrFileWrite, "cannot write %s", result.TargetPath)
		return result
	}
	result.NewDigest = file.Digest

	if err := e.fixOwnership(result.TargetPath); err != nil {
		result.Err = err
		return result
	}

	return result
}

// backup copies the current target content to a timestamped sibling.
func (e *Engine) backup(targetPath string) (string, error) {
	content, err := os.ReadFile(targetPath)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrFileAccess, "cannot read %s for backup", targetPath)
	}

	backupPath := targetPath + ".backup-" + e.now().Format(backupTimeFormat)
	if err := os.WriteFile(backupPath, content, 0644); err != nil {
		return "", errors.Wrapf(err, errors.ErrFileWrite, "cannot write backup %s", backupPath)
	}
	return backupPath, nil
}

// fixOwnership hands the target to the operator account, but only inside
// that account's home directory. System paths keep their ownership.
func (e *Engine) fixOwnership(targetPath string) error {
	if e.OperatorUser == "" {
		return nil
	}

	account, err := e.lookupUser(e.OperatorUser)
	if err != nil {
		return errors.Wrapf(err, errors.ErrChown, "unknown operator user %q", e.OperatorUser)
	}

	home := strings.TrimRight(account.HomeDir, "/")
	if home == "" || !strings.HasPrefix(targetPath, home+string(os.PathSeparator)) {
		return nil
	}

	uid, err := strconv.Atoi(account.Uid)
	if err != nil {
		return errors.Wrapf(err, errors.ErrChown, "invalid uid for %q", e.OperatorUser)
	}
	gid, err := strconv.Atoi(account.Gid)
	if err != nil {
		return errors.Wrapf(err, errors.ErrChown, "invalid gid for %q", e.OperatorUser)
	}

	if err := e.chown(targetPath, uid, gid); err != nil {
		return errors.Wrapf(err, errors.ErrChown, "cannot chown %s", targetPath)
	}
	return nil
}
