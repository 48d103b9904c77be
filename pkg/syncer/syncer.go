// Package syncer runs the full synchronization pipeline: fetch, parse,
// snapshot, scripts, packages, files, conflict detection and state
// finalization. One Orchestrator per process; the sync lock keeps
// concurrent invocations out.
package syncer

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/arthur-debert/consync/pkg/config"
	"github.com/arthur-debert/consync/pkg/conflict"
	"github.com/arthur-debert/consync/pkg/deploy"
	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/events"
	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/logging"
	"github.com/arthur-debert/consync/pkg/managers"
	"github.com/arthur-debert/consync/pkg/platform"
	"github.com/arthur-debert/consync/pkg/registry"
	"github.com/arthur-debert/consync/pkg/repo"
	"github.com/arthur-debert/consync/pkg/scripts"
	"github.com/arthur-debert/consync/pkg/snapshot"
	"github.com/arthur-debert/consync/pkg/state"
)

// Result is the outcome of one sync run.
type Result struct {
	Run        state.Run
	Conflicts  []state.ConflictRecord
	FileErrors []repo.FileError
	Files      deploy.Report
	Packages   managers.Report
}

// Orchestrator wires the pipeline phases together.
type Orchestrator struct {
	cfg       *config.Config
	store     *state.Store
	git       repo.Client
	managers  registry.Registry[managers.Manager]
	snapshots *snapshot.Manager
	dryRun    bool

	// emitter, when set, replaces the per-run file emitter. Tests use it.
	emitter *events.Emitter

	detectOS func() (platform.Info, error)
	now      func() time.Time
	newRunID func() string
}

// New builds an orchestrator with the real runner, git client, package
// manager registry and snapshot backends.
func New(cfg *config.Config, store *state.Store, dryRun bool) *Orchestrator {
	runner := executor.NewOSRunner()
	backends := snapshot.DefaultBackends(runner, store.Dir(),
		cfg.Snapshot.LVMSize, cfg.Snapshot.BtrfsDir)

	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		git:       repo.NewGitClient(runner),
		managers:  managers.NewRegistry(runner),
		snapshots: snapshot.NewManager(store, backends),
		dryRun:    dryRun,
		detectOS:  platform.Detect,
		now:       time.Now,
		newRunID:  func() string { return ulid.Make().String() },
	}
}

// Sync executes the full pipeline. The returned Run carries the
// persisted outcome; err is non-nil only for aborting failures.
func (o *Orchestrator) Sync(ctx context.Context) (Result, error) {
	logger := logging.GetLogger("syncer")

	release, err := o.store.AcquireLock()
	if err != nil {
		return Result{}, err
	}
	defer release()

	run := state.Run{
		ID:        o.newRunID(),
		StartedAt: o.now().UTC(),
	}
	result := Result{Run: run}

	emitter := o.emitter
	if emitter == nil && !o.dryRun {
		emitter, err = events.OpenFileEmitter(o.store.Dir(), run.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("event stream unavailable")
		} else {
			defer emitter.Close()
		}
	}

	logger.Info().Str("run", run.ID).Bool("dry_run", o.dryRun).Msg("sync started")

	fail := func(err error) (Result, error) {
		run.Outcome = state.OutcomeFailed
		run.Errors = append(run.Errors, err.Error())
		result.Run = o.finish(run, emitter)
		return result, err
	}

	// Phase 1: fetch the configuration repository.
	emitter.Emit(events.PhaseFetch, 0, "fetching repository")
	commit, err := o.git.EnsureCheckout(ctx, o.cfg.Repo.URL, o.cfg.Repo.Branch, o.cfg.Repo.Dir)
	if err != nil {
		return fail(err)
	}
	run.Commit = commit

	// Phase 2: parse the repository layout. Malformed sidecars are
	// per-file soft errors; a broken tree aborts.
	layout, err := repo.Parse(o.cfg.Repo.Dir)
	if err != nil {
		return fail(err)
	}
	result.FileErrors = layout.FileErrors
	for _, fe := range layout.FileErrors {
		run.Errors = append(run.Errors, fe.Error())
	}

	firstRun := !o.store.HasBaseline()
	run.FirstRun = firstRun

	// Phase 3: pre-sync snapshot of every managed target.
	var snapRef string
	if !o.dryRun {
		emitter.Emit(events.PhaseSnapshot, 15, "creating pre-sync snapshot")
		snap, err := o.snapshots.Create(ctx, targetPaths(layout.Files))
		if err != nil {
			return fail(err)
		}
		snapRef = snap.Ref
		run.Snapshot = snapRef
	}

	// Phase 4: provisioning scripts. A failing script aborts the run.
	if !o.dryRun {
		emitter.Emit(events.PhaseScripts, 30, "running provisioning scripts")
		if err := o.runScripts(ctx, layout, firstRun); err != nil {
			return fail(err)
		}
	}

	// Phase 5: package buckets. Failures are soft, the sync continues.
	if !o.dryRun {
		emitter.Emit(events.PhasePackages, 50, "installing packages")
		result.Packages = managers.Apply(ctx, o.managers, layout.Buckets)
		for _, f := range result.Packages.Failures {
			run.Errors = append(run.Errors, f.Err.Error())
		}
	}

	// Phase 6: file deployment.
	emitter.Emit(events.PhaseFiles, 70, "deploying managed files")
	engine := deploy.New(o.cfg.Operator.User, o.dryRun)
	result.Files = engine.Deploy(layout.Files)
	for _, r := range result.Files.Failed {
		run.Errors = append(run.Errors, r.Err.Error())
	}

	// Phase 7: three-way conflict detection against the pre-deploy
	// digests.
	emitter.Emit(events.PhaseConflicts, 85, "checking for conflicts")
	detector := conflict.NewDetector(o.store)
	records, err := detector.Check(layout.Files, result.Files.PriorDigests(), snapRef)
	if err != nil {
		return fail(err)
	}
	result.Conflicts = records

	// Phase 8: finalize state.
	emitter.Emit(events.PhaseFinalize, 95, "updating state")
	if o.dryRun {
		run.Outcome = outcomeFor(run, result)
		result.Run = run
		logger.Info().Str("run", run.ID).Str("outcome", string(run.Outcome)).Msg("dry run finished")
		return result, nil
	}

	if len(records) > 0 {
		open, err := o.store.LoadConflicts()
		if err != nil {
			return fail(err)
		}
		if err := o.store.SaveConflicts(mergeConflicts(open, records)); err != nil {
			return fail(err)
		}
		if err := o.store.SavePending(result.Files.NewDigests()); err != nil {
			return fail(err)
		}
	} else if err := o.store.SaveChecksums(result.Files.NewDigests()); err != nil {
		return fail(err)
	}

	run.Outcome = outcomeFor(run, result)
	result.Run = o.finish(run, emitter)

	if run.Outcome == state.OutcomeSuccess && o.cfg.Snapshot.RetentionDays > 0 {
		if err := o.snapshots.Prune(ctx, o.cfg.Snapshot.RetentionDays); err != nil {
			logger.Warn().Err(err).Msg("snapshot pruning failed")
		}
	}

	logger.Info().
		Str("run", run.ID).
		Str("outcome", string(run.Outcome)).
		Int("conflicts", len(result.Conflicts)).
		Msg("sync finished")
	return result, nil
}

// finish stamps and persists the run record.
func (o *Orchestrator) finish(run state.Run, emitter *events.Emitter) state.Run {
	run.FinishedAt = o.now().UTC()
	if !o.dryRun {
		if err := o.store.SaveLastRun(run); err != nil {
			logger := logging.GetLogger("syncer")
			logger.Error().Err(err).Msg("cannot persist run record")
		}
	}
	emitter.Emit(events.PhaseFinalize, 100, "run "+string(run.Outcome))
	return run
}

func (o *Orchestrator) runScripts(ctx context.Context, layout *repo.Layout, firstRun bool) error {
	info, err := o.detectOS()
	if err != nil {
		logger := logging.GetLogger("syncer")
		logger.Warn().Err(err).Msg("os detection failed")
	}

	env := scripts.Environment{
		OS:       info,
		User:     o.cfg.Operator.User,
		FirstRun: firstRun,
		RepoDir:  layout.Root,
		StateDir: o.store.Dir(),
		LogFile:  logging.LogFilePath(o.store.Dir()),
	}
	return scripts.NewRunner(env).RunAll(ctx, layout.ScriptsPath())
}

// outcomeFor derives the run outcome. Open conflicts trump accumulated
// soft errors; any soft error marks an otherwise clean run failed.
func outcomeFor(run state.Run, result Result) state.Outcome {
	if len(result.Conflicts) > 0 {
		return state.OutcomeConflict
	}
	if len(run.Errors) > 0 {
		return state.OutcomeFailed
	}
	return state.OutcomeSuccess
}

func targetPaths(files []repo.ManagedFile) []string {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.TargetPath())
	}
	return paths
}

// mergeConflicts appends the new records, replacing any open record for
// the same path with the fresher one.
func mergeConflicts(open, fresh []state.ConflictRecord) []state.ConflictRecord {
	merged := make([]state.ConflictRecord, 0, len(open)+len(fresh))
	replaced := make(map[string]bool, len(fresh))
	for _, r := range fresh {
		replaced[r.Path] = true
	}
	for _, r := range open {
		if !replaced[r.Path] {
			merged = append(merged, r)
		}
	}
	return append(merged, fresh...)
}

// Status summarizes the engine state for reporting. It reads persisted
// state only and never touches the repository or the network.
type Status struct {
	Outcome   state.Outcome
	LastRun   *state.Run
	Conflicts []state.ConflictRecord
	Snapshots []snapshot.Snapshot
	Baseline  int
}

// ReadStatus builds the status summary from the state directory.
func ReadStatus(store *state.Store, snapshots *snapshot.Manager) (Status, error) {
	status := Status{Outcome: state.OutcomeNeverRun}

	lastRun, err := store.LastRun()
	if err != nil {
		return status, err
	}
	if lastRun != nil {
		status.LastRun = lastRun
		status.Outcome = lastRun.Outcome
	}

	conflicts, err := store.LoadConflicts()
	if err != nil {
		return status, err
	}
	status.Conflicts = conflicts
	switch {
	case len(conflicts) > 0:
		// Open conflicts override a later clean-looking record.
		status.Outcome = state.OutcomeConflict
	case status.Outcome == state.OutcomeConflict:
		// Conflicted run, resolved since.
		status.Outcome = state.OutcomeSuccess
	}

	baseline, err := store.LoadChecksums()
	if err != nil {
		return status, err
	}
	status.Baseline = len(baseline)

	if snapshots != nil {
		inventory, err := snapshots.List()
		if err != nil {
			return status, err
		}
		status.Snapshots = inventory
	}

	return status, nil
}

// Restore rolls managed files back to the snapshot taken before the
// conflicted run and reopens no conflicts: the conflict records stay
// until an explicit resolve.
func (o *Orchestrator) Restore(ctx context.Context, ref string) error {
	release, err := o.store.AcquireLock()
	if err != nil {
		return err
	}
	defer release()

	if ref == "" {
		lastRun, err := o.store.LastRun()
		if err != nil {
			return err
		}
		if lastRun == nil || lastRun.Snapshot == "" {
			return errors.New(errors.ErrSnapshotNotFound, "no snapshot recorded for the last run")
		}
		ref = lastRun.Snapshot
	}

	return o.snapshots.Restore(ctx, ref)
}

// Resolve accepts the current on-disk state of all conflicted files as
// the new baseline and clears the conflict records.
func (o *Orchestrator) Resolve() error {
	release, err := o.store.AcquireLock()
	if err != nil {
		return err
	}
	defer release()

	return o.snapshots.Resolve()
}

// Prune applies the snapshot retention policy outside a sync run.
func (o *Orchestrator) Prune(ctx context.Context, retentionDays int) error {
	return o.snapshots.Prune(ctx, retentionDays)
}

// Snapshots exposes the snapshot manager for status reporting.
func (o *Orchestrator) Snapshots() *snapshot.Manager {
	return o.snapshots
}
