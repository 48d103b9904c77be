// Package managers implements the package-manager abstraction: a uniform
// handler interface plus a registry of implementations for the managers a
// container may carry. Bucket installs are batched, pre-filtered against
// installed state, and soft-fail without aborting the run.
package managers

import (
	"context"

	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/logging"
	"github.com/arthur-debert/consync/pkg/registry"
	"github.com/arthur-debert/consync/pkg/repo"
)

// Manager is the uniform package-manager handler interface.
type Manager interface {
	// Name returns the manager identifier used in bucket file extensions.
	Name() string

	// Available reports whether the manager's tooling exists on this host.
	Available(ctx context.Context) bool

	// IsInstalled reports whether the package is already present.
	IsInstalled(ctx context.Context, spec repo.PackageSpec) bool

	// InstallBatch installs all given packages in one manager invocation
	// where the manager supports it.
	InstallBatch(ctx context.Context, specs []repo.PackageSpec) error
}

// NewRegistry builds a registry holding all built-in managers, each
// wired to the given command runner.
func NewRegistry(runner executor.CommandRunner) registry.Registry[Manager] {
	reg := registry.New[Manager]()
	for _, m := range []Manager{
		newAptManager(runner),
		newApkManager(runner),
		newDnfManager(runner),
		newNpmManager(runner),
		newPipManager(runner),
		newCustomManager(runner),
	} {
		// Names are unique constants, registration cannot fail.
		_ = reg.Register(m.Name(), m)
	}
	return reg
}

// Failure is one soft per-bucket error.
type Failure struct {
	Bucket  string
	Manager string
	Err     error
}

// Report summarizes a package phase.
type Report struct {
	Installed []string
	Skipped   []string
	Failures  []Failure
}

// Apply installs all declared buckets. A failing bucket is recorded and
// does not abort the remaining buckets.
func Apply(ctx context.Context, reg registry.Registry[Manager], buckets []repo.Bucket) Report {
	logger := logging.GetLogger("managers")
	var report Report

	for _, bucket := range buckets {
		mgr, err := reg.Get(bucket.Manager)
		if err != nil {
			report.Failures = append(report.Failures, Failure{
				Bucket:  bucket.Name,
				Manager: bucket.Manager,
				Err:     errors.Newf(errors.ErrManagerNotFound, "no handler for manager %q", bucket.Manager),
			})
			continue
		}

		if !mgr.Available(ctx) {
			report.Failures = append(report.Failures, Failure{
				Bucket:  bucket.Name,
				Manager: bucket.Manager,
				Err:     errors.Newf(errors.ErrManagerUnavailable, "manager %q is not available on this host", bucket.Manager),
			})
			continue
		}

		// Filter already-installed packages so re-runs are cheap and
		// log-quiet.
		var missing []repo.PackageSpec
		for _, spec := range bucket.Packages {
			if mgr.IsInstalled(ctx, spec) {
				report.Skipped = append(report.Skipped, spec.Name)
				continue
			}
			missing = append(missing, spec)
		}

		if len(missing) == 0 {
			logger.Debug().
				Str("bucket", bucket.Name).
				Str("manager", bucket.Manager).
				Msg("all packages already installed")
			continue
		}

		logger.Info().
			Str("bucket", bucket.Name).
			Str("manager", bucket.Manager).
			Int("count", len(missing)).
			Msg("installing packages")

		if err := mgr.InstallBatch(ctx, missing); err != nil {
			report.Failures = append(report.Failures, Failure{
				Bucket:  bucket.Name,
				Manager: bucket.Manager,
				Err:     errors.Wrapf(err, errors.ErrInstallFailed, "bucket %q install failed", bucket.Name),
			})
			continue
		}
		for _, spec := range missing {
			report.Installed = append(report.Installed, spec.Name)
		}
	}

	return report
}
