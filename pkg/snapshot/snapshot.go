// Package snapshot captures pre-sync state so a bad or conflicted sync
// can be rolled back. A copy-on-write filesystem backend is preferred
// when the managed paths live on one; per-file backups are the fallback.
package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arthur-debert/consync/pkg/checksum"
	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/logging"
	"github.com/arthur-debert/consync/pkg/state"
)

// inventoryFile records snapshot metadata inside the state directory.
const inventoryFile = "snapshots.yaml"

// refTimeFormat names snapshots, e.g. consync-20260829-153000.
const refTimeFormat = "20060102-150405"

// Snapshot is one captured pre-sync state. The backend is recorded at
// creation so restore never has to re-probe.
type Snapshot struct {
	Ref       string    `yaml:"ref"`
	Backend   string    `yaml:"backend"`
	CreatedAt time.Time `yaml:"created_at"`

	// Location is the backend-specific reference: dataset@ref for zfs,
	// vg/lv for lvm, the snapshot subvolume for btrfs, the backup
	// directory for the file backend.
	Location string `yaml:"location,omitempty"`

	// Paths are the managed target paths captured by this snapshot.
	// Path-level backends (file, btrfs) restore exactly these.
	Paths []string `yaml:"paths,omitempty"`
}

// Backend is the storage strategy behind snapshots.
type Backend interface {
	// Name identifies the backend (zfs, lvm, btrfs, file).
	Name() string

	// Probe reports whether this backend can snapshot the managed paths
	// on this host.
	Probe(ctx context.Context) bool

	// Create captures the given paths under ref and returns the
	// backend-specific location.
	Create(ctx context.Context, ref string, paths []string) (string, error)

	// Restore brings the captured state back.
	Restore(ctx context.Context, snap Snapshot) error

	// Delete discards the snapshot.
	Delete(ctx context.Context, snap Snapshot) error
}

// Manager selects a backend, tracks the snapshot inventory and applies
// the retention policy.
type Manager struct {
	store    *state.Store
	backends []Backend

	// selected caches the probe result for this process.
	selected Backend

	now func() time.Time
}

// NewManager creates a manager with the given ordered backends. The
// first backend whose probe succeeds is used for new snapshots.
func NewManager(store *state.Store, backends []Backend) *Manager {
	return &Manager{
		store:    store,
		backends: backends,
		now:      time.Now,
	}
}

// selectBackend runs the ordered probes once.
func (m *Manager) selectBackend(ctx context.Context) (Backend, error) {
	if m.selected != nil {
		return m.selected, nil
	}

	logger := logging.GetLogger("snapshot")
	for _, backend := range m.backends {
		if backend.Probe(ctx) {
			logger.Info().Str("backend", backend.Name()).Msg("snapshot backend selected")
			m.selected = backend
			return backend, nil
		}
	}
	return nil, errors.New(errors.ErrNoBackend, "no snapshot backend available")
}

// backendByName resolves the backend recorded on a snapshot.
func (m *Manager) backendByName(name string) (Backend, error) {
	for _, backend := range m.backends {
		if backend.Name() == name {
			return backend, nil
		}
	}
	return nil, errors.Newf(errors.ErrNoBackend, "unknown snapshot backend %q", name)
}

// Create takes a pre-sync snapshot of the given managed paths.
func (m *Manager) Create(ctx context.Context, paths []string) (Snapshot, error) {
	backend, err := m.selectBackend(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	ref := "consync-" + m.now().UTC().Format(refTimeFormat)
	location, err := backend.Create(ctx, ref, paths)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, errors.ErrSnapshotCreate, "backend %s failed", backend.Name())
	}

	snap := Snapshot{
		Ref:       ref,
		Backend:   backend.Name(),
		CreatedAt: m.now().UTC(),
		Location:  location,
		Paths:     paths,
	}

	inventory, err := m.List()
	if err != nil {
		return Snapshot{}, err
	}
	inventory = append(inventory, snap)
	if err := m.saveInventory(inventory); err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

// Restore brings back the state captured under ref, using the backend
// recorded on the snapshot.
func (m *Manager) Restore(ctx context.Context, ref string) error {
	snap, err := m.find(ref)
	if err != nil {
		return err
	}

	backend, err := m.backendByName(snap.Backend)
	if err != nil {
		return err
	}

	if err := backend.Restore(ctx, *snap); err != nil {
		return errors.Wrapf(err, errors.ErrSnapshotRestore, "restore of %s failed", ref)
	}

	logger := logging.GetLogger("snapshot")
	logger.Info().
		Str("ref", ref).
		Str("backend", snap.Backend).
		Msg("snapshot restored")
	return nil
}

// Prune removes snapshots older than the retention window. Snapshots
// referenced by an open conflict record are never pruned.
func (m *Manager) Prune(ctx context.Context, retentionDays int) error {
	logger := logging.GetLogger("snapshot")

	inventory, err := m.List()
	if err != nil {
		return err
	}

	conflicts, err := m.store.LoadConflicts()
	if err != nil {
		return err
	}
	protected := make(map[string]bool)
	for _, record := range conflicts {
		protected[record.Snapshot] = true
	}

	cutoff := m.now().UTC().AddDate(0, 0, -retentionDays)
	var kept []Snapshot
	for _, snap := range inventory {
		if snap.CreatedAt.After(cutoff) || protected[snap.Ref] {
			kept = append(kept, snap)
			continue
		}

		backend, err := m.backendByName(snap.Backend)
		if err != nil {
			logger.Warn().Str("ref", snap.Ref).Err(err).Msg("cannot prune snapshot")
			kept = append(kept, snap)
			continue
		}
		if err := backend.Delete(ctx, snap); err != nil {
			logger.Warn().Str("ref", snap.Ref).Err(err).Msg("failed to delete snapshot")
			kept = append(kept, snap)
			continue
		}
		logger.Info().Str("ref", snap.Ref).Msg("snapshot pruned")
	}

	return m.saveInventory(kept)
}

// Resolve clears an open conflict without rollback: the current on-disk
// content of each conflicted file becomes the new expected baseline.
func (m *Manager) Resolve() error {
	conflicts, err := m.store.LoadConflicts()
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return errors.New(errors.ErrNoConflict, "no open conflict to resolve")
	}

	baseline, err := m.store.LoadChecksums()
	if err != nil {
		return err
	}

	for _, record := range conflicts {
		digest, err := checksum.File(record.Path)
		if err != nil {
			return errors.Wrapf(err, errors.ErrFileAccess, "cannot read %s", record.Path)
		}
		baseline[record.Path] = digest
	}

	if err := m.store.SaveChecksums(baseline); err != nil {
		return err
	}
	if err := m.store.ClearConflicts(); err != nil {
		return err
	}

	logger := logging.GetLogger("snapshot")
	logger.Info().
		Int("files", len(conflicts)).
		Msg("conflict resolved, on-disk state accepted as baseline")
	return nil
}

// List returns the snapshot inventory, oldest first.
func (m *Manager) List() ([]Snapshot, error) {
	data, err := os.ReadFile(m.inventoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrFileAccess, "cannot read snapshot inventory")
	}

	var inventory []Snapshot
	if err := yaml.Unmarshal(data, &inventory); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "corrupt snapshot inventory")
	}
	return inventory, nil
}

func (m *Manager) find(ref string) (*Snapshot, error) {
	inventory, err := m.List()
	if err != nil {
		return nil, err
	}
	for i := range inventory {
		if inventory[i].Ref == ref {
			return &inventory[i], nil
		}
	}
	return nil, errors.Newf(errors.ErrSnapshotNotFound, "snapshot %q not found", ref)
}

func (m *Manager) inventoryPath() string {
	return filepath.Join(m.store.Dir(), inventoryFile)
}

func (m *Manager) saveInventory(inventory []Snapshot) error {
	data, err := yaml.Marshal(inventory)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "cannot marshal snapshot inventory")
	}
	if err := os.WriteFile(m.inventoryPath(), data, 0644); err != nil {
		return errors.Wrap(err, errors.ErrFileWrite, "cannot write snapshot inventory")
	}
	return nil
}
