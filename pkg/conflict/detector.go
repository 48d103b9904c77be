// Package conflict implements the three-way checksum comparison that
// detects managed files edited both locally and upstream since the last
// successful sync.
package conflict

import (
	"time"

	"github.com/arthur-debert/consync/pkg/checksum"
	"github.com/arthur-debert/consync/pkg/logging"
	"github.com/arthur-debert/consync/pkg/repo"
	"github.com/arthur-debert/consync/pkg/state"
)

// Detector compares the recorded baseline against observed and incoming
// digests.
type Detector struct {
	store *state.Store
}

// NewDetector creates a detector backed by the given state store.
func NewDetector(store *state.Store) *Detector {
	return &Detector{store: store}
}

// Check performs the three-way comparison for every file whose policy is
// replace or backup. Files under the default policy are excluded: local
// edits are the expected state there. prior maps target paths to the
// digests observed before deployment wrote anything; snapshotRef is
// attached to any records so the pre-sync snapshot survives pruning.
//
// A conflict is raised when an expected baseline exists, the observed
// digest diverged from it, the incoming digest diverged from it too, and
// the target is not missing. On first run there is no baseline and no
// conflicts are possible.
func (d *Detector) Check(files []repo.ManagedFile, prior map[string]string, snapshotRef string) ([]state.ConflictRecord, error) {
	logger := logging.GetLogger("conflict")

	if !d.store.HasBaseline() {
		logger.Debug().Msg("first run, conflict detection skipped")
		return nil, nil
	}

	expected, err := d.store.LoadChecksums()
	if err != nil {
		return nil, err
	}

	var records []state.ConflictRecord
	now := time.Now().UTC()

	for _, file := range files {
		if file.Policy != repo.PolicyReplace && file.Policy != repo.PolicyBackup {
			continue
		}

		target := file.TargetPath()
		expectedDigest, hasBaseline := expected[target]
		if !hasBaseline {
			// New managed file, nothing to diverge from.
			continue
		}

		currentDigest, observed := prior[target]
		if !observed || currentDigest == checksum.Missing {
			continue
		}

		if currentDigest == file.Digest {
			// Both sides converged on the same content, nothing to
			// reconcile.
			continue
		}

		if currentDigest != expectedDigest && file.Digest != expectedDigest {
			logger.Warn().
				Str("path", target).
				Str("expected", expectedDigest).
				Str("current", currentDigest).
				Str("incoming", file.Digest).
				Msg("three-way conflict detected")

			records = append(records, state.ConflictRecord{
				Path:      target,
				Expected:  expectedDigest,
				Current:   currentDigest,
				Incoming:  file.Digest,
				Snapshot:  snapshotRef,
				CreatedAt: now,
			})
		}
	}

	return records, nil
}
