package snapshot

import (
	"path/filepath"

	"github.com/arthur-debert/consync/pkg/executor"
)

// DefaultBackends returns the standard probe order: zfs, then lvm, then
// btrfs, with the file backend as the always-available fallback.
func DefaultBackends(runner executor.CommandRunner, stateDir, lvmSize, btrfsDir string) []Backend {
	return []Backend{
		NewZFSBackend(runner),
		NewLVMBackend(runner, lvmSize),
		NewBtrfsBackend(runner, btrfsDir),
		NewFileBackend(filepath.Join(stateDir, "snapshots")),
	}
}
