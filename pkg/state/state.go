// Package state owns the engine's persisted state directory: the
// checksum baseline, conflict records, run history and the single-writer
// sync lock. Everything lives under one fixed directory, separate from
// the repository clone.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arthur-debert/consync/pkg/errors"
)

// State file names inside the state directory.
const (
	checksumsFile = "checksums.yaml"
	pendingFile   = "checksums.pending.yaml"
	conflictsFile = "conflicts.yaml"
	lastRunFile   = "last_run.yaml"
	runsFile      = "runs.jsonl"
	lockFile      = "sync.lock"
)

// Outcome is the terminal state of a sync run.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeConflict Outcome = "conflict"
	OutcomeFailed   Outcome = "failed"

	// OutcomeNeverRun is reported by status when no run has happened.
	OutcomeNeverRun Outcome = "never-run"
)

// Run is one sync execution record.
type Run struct {
	ID         string    `yaml:"id" json:"id"`
	StartedAt  time.Time `yaml:"started_at" json:"started_at"`
	FinishedAt time.Time `yaml:"finished_at" json:"finished_at"`
	Outcome    Outcome   `yaml:"outcome" json:"outcome"`
	FirstRun   bool      `yaml:"first_run" json:"first_run"`
	Commit     string    `yaml:"commit,omitempty" json:"commit,omitempty"`
	Snapshot   string    `yaml:"snapshot,omitempty" json:"snapshot,omitempty"`
	Errors     []string  `yaml:"errors,omitempty" json:"errors,omitempty"`
}

// ConflictRecord captures one three-way divergence. Created during a
// conflicted sync, cleared only by an explicit resolve.
type ConflictRecord struct {
	Path      string    `yaml:"path"`
	Expected  string    `yaml:"expected"`
	Current   string    `yaml:"current"`
	Incoming  string    `yaml:"incoming"`
	Snapshot  string    `yaml:"snapshot,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Store reads and writes the state directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrDirCreate, "cannot create state directory %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

// LockPath returns the advisory lock file path.
func (s *Store) LockPath() string { return filepath.Join(s.dir, lockFile) }

// HasBaseline reports whether a previous-run checksum baseline exists.
// Its absence marks a first run.
func (s *Store) HasBaseline() bool {
	_, err := os.Stat(filepath.Join(s.dir, checksumsFile))
	return err == nil
}

// LoadChecksums returns the previous-state checksum snapshot, keyed by
// absolute target path. Missing baseline returns an empty map.
func (s *Store) LoadChecksums() (map[string]string, error) {
	return s.loadDigestMap(checksumsFile)
}

// SaveChecksums promotes a checksum snapshot to the previous-state
// baseline and removes any pending diagnostic snapshot.
func (s *Store) SaveChecksums(digests map[string]string) error {
	if err := s.writeYAML(checksumsFile, digests); err != nil {
		return err
	}
	// The pending snapshot is only meaningful while a conflict is open.
	_ = os.Remove(filepath.Join(s.dir, pendingFile))
	return nil
}

// SavePending persists the current-state snapshot as a diagnostic
// artifact without promoting it.
func (s *Store) SavePending(digests map[string]string) error {
	return s.writeYAML(pendingFile, digests)
}

// LoadPending returns the diagnostic current-state snapshot, empty when
// none is stored.
func (s *Store) LoadPending() (map[string]string, error) {
	return s.loadDigestMap(pendingFile)
}

func (s *Store) loadDigestMap(name string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrapf(err, errors.ErrFileAccess, "cannot read %s", name)
	}

	digests := map[string]string{}
	if err := yaml.Unmarshal(data, &digests); err != nil {
		return nil, errors.Wrapf(err, errors.ErrInternal, "corrupt state file %s", name)
	}
	return digests, nil
}

// LoadConflicts returns open conflict records, empty when none.
func (s *Store) LoadConflicts() ([]ConflictRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, conflictsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrFileAccess, "cannot read conflict records")
	}

	var records []ConflictRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "corrupt conflict records")
	}
	return records, nil
}

// SaveConflicts persists open conflict records.
func (s *Store) SaveConflicts(records []ConflictRecord) error {
	return s.writeYAML(conflictsFile, records)
}

// ClearConflicts removes all open conflict records.
func (s *Store) ClearConflicts() error {
	err := os.Remove(filepath.Join(s.dir, conflictsFile))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrFileAccess, "cannot clear conflict records")
	}
	return nil
}

// SaveLastRun records the most recent run and appends it to the history.
func (s *Store) SaveLastRun(run Run) error {
	if err := s.writeYAML(lastRunFile, run); err != nil {
		return err
	}
	return s.appendRun(run)
}

// LastRun returns the most recent run, or nil when the engine has never
// run.
func (s *Store) LastRun() (*Run, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, lastRunFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrFileAccess, "cannot read last run")
	}

	var run Run
	if err := yaml.Unmarshal(data, &run); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "corrupt last run record")
	}
	return &run, nil
}

// appendRun adds the run to runs.jsonl. History is append-only; retention
// is the operator's concern, not the engine's.
func (s *Store) appendRun(run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "cannot marshal run record")
	}

	file, err := os.OpenFile(filepath.Join(s.dir, runsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, errors.ErrFileWrite, "cannot open run history")
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrFileWrite, "cannot append run history")
	}
	return nil
}

func (s *Store) writeYAML(name string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, errors.ErrInternal, "cannot marshal %s", name)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0644); err != nil {
		return errors.Wrapf(err, errors.ErrFileWrite, "cannot write %s", name)
	}
	return nil
}
