package managers

import (
	"context"

	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/logging"
	"github.com/arthur-debert/consync/pkg/repo"
)

// customManager handles check/install command pairs declared directly in
// the package list ("name :: check :: install"). Installs run one at a
// time since each package carries its own command.
type customManager struct {
	runner executor.CommandRunner
}

func newCustomManager(runner executor.CommandRunner) *customManager {
	return &customManager{runner: runner}
}

func (m *customManager) Name() string { return "custom" }

func (m *customManager) Available(_ context.Context) bool {
	return m.runner.LookPath("sh")
}

func (m *customManager) IsInstalled(ctx context.Context, spec repo.PackageSpec) bool {
	if spec.Check == "" {
		return false
	}
	_, err := m.runner.Run(ctx, "sh", "-c", spec.Check)
	return err == nil
}

func (m *customManager) InstallBatch(ctx context.Context, specs []repo.PackageSpec) error {
	logger := logging.GetLogger("managers.custom")

	for _, spec := range specs {
		if spec.Install == "" {
			return errors.Newf(errors.ErrInvalidInput, "custom package %q has no install command", spec.Name)
		}
		logger.Info().Str("package", spec.Name).Msg("running custom install")
		if out, err := m.runner.Run(ctx, "sh", "-c", spec.Install); err != nil {
			return errors.Wrapf(err, errors.ErrInstallFailed, "custom install for %q failed: %s", spec.Name, out)
		}
	}
	return nil
}

// Verify interface compliance
var _ Manager = (*customManager)(nil)
