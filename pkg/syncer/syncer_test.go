package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthur-debert/consync/pkg/checksum"
	"github.com/arthur-debert/consync/pkg/config"
	"github.com/arthur-debert/consync/pkg/events"
	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/managers"
	"github.com/arthur-debert/consync/pkg/platform"
	"github.com/arthur-debert/consync/pkg/repo"
	"github.com/arthur-debert/consync/pkg/snapshot"
	"github.com/arthur-debert/consync/pkg/state"
)

// fakeGit satisfies repo.Client without touching the network: the test
// prepares the checkout directory itself.
type fakeGit struct {
	commit string
	err    error
}

func (g *fakeGit) EnsureCheckout(context.Context, string, string, string) (string, error) {
	return g.commit, g.err
}

type fixture struct {
	orch    *Orchestrator
	store   *state.Store
	repoDir string
	target  string
	events  *bytes.Buffer
	runSeq  int
}

// newFixture builds an orchestrator over a synthetic checkout with one
// replace-policy file deployed into a temp directory.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	repoDir := t.TempDir()
	targetDir := t.TempDir()
	stateDir := filepath.Join(t.TempDir(), "state")

	writeManagedFile(t, repoDir, "app.conf", targetDir, "replace", "v1\n")

	store, err := state.NewStore(stateDir)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Repo.URL = "https://example.invalid/config.git"
	cfg.Repo.Branch = "main"
	cfg.Repo.Dir = repoDir
	cfg.State.Dir = stateDir
	cfg.Snapshot.RetentionDays = 30

	f := &fixture{
		store:   store,
		repoDir: repoDir,
		target:  filepath.Join(targetDir, "app.conf"),
		events:  &bytes.Buffer{},
	}

	runner := &executor.FakeRunner{}
	f.orch = &Orchestrator{
		cfg:      cfg,
		store:    store,
		git:      &fakeGit{commit: "abc1234"},
		managers: managers.NewRegistry(runner),
		snapshots: snapshot.NewManager(store, []snapshot.Backend{
			snapshot.NewFileBackend(filepath.Join(stateDir, "snapshots")),
		}),
		emitter: events.NewEmitter(f.events, "test"),
		detectOS: func() (platform.Info, error) {
			return platform.Info{ID: "debian", VersionID: "13", Family: platform.FamilyDebian}, nil
		},
		now: time.Now,
		newRunID: func() string {
			f.runSeq++
			return fmt.Sprintf("run-%04d", f.runSeq)
		},
	}
	return f
}

func writeManagedFile(t *testing.T, repoDir, name, targetDir, policy, content string) {
	t.Helper()
	filesDir := filepath.Join(repoDir, "files")
	require.NoError(t, os.MkdirAll(filesDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(filesDir, name), []byte(content), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(filesDir, name+".path"), []byte(targetDir+"\n"), 0644))
	if policy != "" {
		require.NoError(t, os.WriteFile(filepath.Join(filesDir, name+".policy"), []byte(policy+"\n"), 0644))
	}
}

func writeScript(t *testing.T, repoDir, name, body string) {
	t.Helper()
	dir := filepath.Join(repoDir, "scripts")
	require.NoError(t, os.MkdirAll(dir, 0755))
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0755))
}

func TestFirstRunDeploysEverything(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, state.OutcomeSuccess, result.Run.Outcome)
	assert.True(t, result.Run.FirstRun)
	assert.Equal(t, "abc1234", result.Run.Commit)
	assert.Empty(t, result.Conflicts)

	data, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(data))

	baseline, err := f.store.LoadChecksums()
	require.NoError(t, err)
	assert.Equal(t, checksum.Bytes([]byte("v1\n")), baseline[f.target])
}

func TestSecondRunIsIdempotent(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	result, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, state.OutcomeSuccess, result.Run.Outcome)
	assert.False(t, result.Run.FirstRun)
	assert.Empty(t, result.Files.Deployed)
	assert.Len(t, result.Files.Skipped, 1)
}

func TestBothSidesChangedRaisesConflict(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	// Local edit and an upstream change since the baseline.
	require.NoError(t, os.WriteFile(f.target, []byte("local edit\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.repoDir, "files", "app.conf"), []byte("v2\n"), 0644))

	result, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, state.OutcomeConflict, result.Run.Outcome)
	require.Len(t, result.Conflicts, 1)
	record := result.Conflicts[0]
	assert.Equal(t, f.target, record.Path)
	assert.Equal(t, checksum.Bytes([]byte("v1\n")), record.Expected)
	assert.Equal(t, checksum.Bytes([]byte("local edit\n")), record.Current)
	assert.Equal(t, checksum.Bytes([]byte("v2\n")), record.Incoming)
	assert.Equal(t, result.Run.Snapshot, record.Snapshot)

	// The baseline is not promoted while the conflict is open, and the
	// post-deploy digests land in the pending snapshot instead.
	baseline, err := f.store.LoadChecksums()
	require.NoError(t, err)
	assert.Equal(t, checksum.Bytes([]byte("v1\n")), baseline[f.target])

	pending, err := f.store.LoadPending()
	require.NoError(t, err)
	assert.Equal(t, checksum.Bytes([]byte("v2\n")), pending[f.target])
}

func TestUpstreamOnlyChangeIsClean(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(f.repoDir, "files", "app.conf"), []byte("v2\n"), 0644))

	result, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, state.OutcomeSuccess, result.Run.Outcome)
	assert.Empty(t, result.Conflicts)

	data, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(data))
}

func TestRestoreAfterConflict(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.target, []byte("local edit\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.repoDir, "files", "app.conf"), []byte("v2\n"), 0644))

	result, err := f.orch.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.OutcomeConflict, result.Run.Outcome)

	// Empty ref restores the last run's snapshot: the pre-sync local
	// edit comes back.
	require.NoError(t, f.orch.Restore(context.Background(), ""))

	data, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Equal(t, "local edit\n", string(data))
}

func TestResolveThenStatus(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.target, []byte("local edit\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.repoDir, "files", "app.conf"), []byte("v2\n"), 0644))

	_, err = f.orch.Sync(context.Background())
	require.NoError(t, err)

	status, err := ReadStatus(f.store, f.orch.Snapshots())
	require.NoError(t, err)
	assert.Equal(t, state.OutcomeConflict, status.Outcome)
	assert.Len(t, status.Conflicts, 1)

	require.NoError(t, f.orch.Resolve())

	status, err = ReadStatus(f.store, f.orch.Snapshots())
	require.NoError(t, err)
	assert.Equal(t, state.OutcomeSuccess, status.Outcome)
	assert.Empty(t, status.Conflicts)

	// The deployed upstream content is the accepted baseline now.
	baseline, err := f.store.LoadChecksums()
	require.NoError(t, err)
	assert.Equal(t, checksum.Bytes([]byte("v2\n")), baseline[f.target])
}

func TestStatusNeverRun(t *testing.T) {
	f := newFixture(t)

	status, err := ReadStatus(f.store, nil)
	require.NoError(t, err)
	assert.Equal(t, state.OutcomeNeverRun, status.Outcome)
	assert.Nil(t, status.LastRun)
}

func TestFailingScriptAbortsBeforeDeploy(t *testing.T) {
	f := newFixture(t)
	writeScript(t, f.repoDir, "10-fail", "exit 7")

	result, err := f.orch.Sync(context.Background())
	assert.Error(t, err)
	assert.Equal(t, state.OutcomeFailed, result.Run.Outcome)

	_, statErr := os.Stat(f.target)
	assert.True(t, os.IsNotExist(statErr))

	// The failed run is persisted for status.
	lastRun, err := f.store.LastRun()
	require.NoError(t, err)
	require.NotNil(t, lastRun)
	assert.Equal(t, state.OutcomeFailed, lastRun.Outcome)
}

func TestScriptsSeeEngineEnvironment(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(t.TempDir(), "env")
	writeScript(t, f.repoDir, "10-env",
		fmt.Sprintf(`printf '%%s %%s %%s' "$CONSYNC_OS_FAMILY" "$CONSYNC_FIRST_RUN" "$CONSYNC_REPO_DIR" > %s`, marker))

	_, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "debian 1 "+f.repoDir, string(data))
}

func TestFetchFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	f.orch.git = &fakeGit{err: fmt.Errorf("remote unreachable")}

	result, err := f.orch.Sync(context.Background())
	assert.Error(t, err)
	assert.Equal(t, state.OutcomeFailed, result.Run.Outcome)
}

func TestConcurrentSyncIsLockedOut(t *testing.T) {
	f := newFixture(t)

	release, err := f.store.AcquireLock()
	require.NoError(t, err)
	defer release()

	_, err = f.orch.Sync(context.Background())
	assert.Error(t, err)
}

func TestMalformedSidecarIsSoftError(t *testing.T) {
	f := newFixture(t)

	// A second managed file without its required .path sidecar.
	filesDir := filepath.Join(f.repoDir, "files")
	require.NoError(t, os.WriteFile(filepath.Join(filesDir, "broken.conf"), []byte("x\n"), 0644))

	result, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, state.OutcomeFailed, result.Run.Outcome)
	require.Len(t, result.FileErrors, 1)

	// The valid file still deploys.
	data, err := os.ReadFile(f.target)
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(data))
}

func TestDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.orch.dryRun = true

	result, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, state.OutcomeSuccess, result.Run.Outcome)
	require.Len(t, result.Files.Deployed, 1)

	_, statErr := os.Stat(f.target)
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, f.store.HasBaseline())

	lastRun, err := f.store.LastRun()
	require.NoError(t, err)
	assert.Nil(t, lastRun)
}

func TestEventStreamCoversPhases(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Sync(context.Background())
	require.NoError(t, err)

	var phases []string
	dec := json.NewDecoder(bytes.NewReader(f.events.Bytes()))
	for dec.More() {
		var ev events.Event
		require.NoError(t, dec.Decode(&ev))
		phases = append(phases, ev.Phase)
	}

	for _, want := range []string{
		events.PhaseFetch, events.PhaseSnapshot, events.PhaseScripts,
		events.PhasePackages, events.PhaseFiles, events.PhaseConflicts,
		events.PhaseFinalize,
	} {
		assert.Contains(t, phases, want)
	}
}

func TestMergeConflictsReplacesSamePath(t *testing.T) {
	open := []state.ConflictRecord{
		{Path: "/etc/a", Expected: "sha256:old"},
		{Path: "/etc/b", Expected: "sha256:keep"},
	}
	fresh := []state.ConflictRecord{
		{Path: "/etc/a", Expected: "sha256:new"},
	}

	merged := mergeConflicts(open, fresh)
	require.Len(t, merged, 2)

	byPath := make(map[string]state.ConflictRecord)
	for _, r := range merged {
		byPath[r.Path] = r
	}
	assert.Equal(t, "sha256:new", byPath["/etc/a"].Expected)
	assert.Equal(t, "sha256:keep", byPath["/etc/b"].Expected)
}

var _ repo.Client = (*fakeGit)(nil)
