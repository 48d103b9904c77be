package managers

import (
	"context"

	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/repo"
)

// dnfManager handles RedHat-family packages through dnf/rpm.
type dnfManager struct {
	runner executor.CommandRunner
}

func newDnfManager(runner executor.CommandRunner) *dnfManager {
	return &dnfManager{runner: runner}
}

func (m *dnfManager) Name() string { return "dnf" }

func (m *dnfManager) Available(_ context.Context) bool {
	return m.runner.LookPath("dnf")
}

func (m *dnfManager) IsInstalled(ctx context.Context, spec repo.PackageSpec) bool {
	_, err := m.runner.Run(ctx, "rpm", "-q", spec.Name)
	return err == nil
}

func (m *dnfManager) InstallBatch(ctx context.Context, specs []repo.PackageSpec) error {
	args := []string{"install", "-y"}
	for _, spec := range specs {
		name := spec.Name
		if spec.Version != "" {
			name += "-" + spec.Version
		}
		args = append(args, name)
	}

	_, err := m.runner.Run(ctx, "dnf", args...)
	return err
}

// Verify interface compliance
var _ Manager = (*dnfManager)(nil)
