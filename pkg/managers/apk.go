package managers

import (
	"context"

	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/repo"
)

// apkManager handles Alpine packages through apk.
type apkManager struct {
	runner executor.CommandRunner
}

func newApkManager(runner executor.CommandRunner) *apkManager {
	return &apkManager{runner: runner}
}

func (m *apkManager) Name() string { return "apk" }

func (m *apkManager) Available(_ context.Context) bool {
	return m.runner.LookPath("apk")
}

func (m *apkManager) IsInstalled(ctx context.Context, spec repo.PackageSpec) bool {
	_, err := m.runner.Run(ctx, "apk", "info", "-e", spec.Name)
	return err == nil
}

func (m *apkManager) InstallBatch(ctx context.Context, specs []repo.PackageSpec) error {
	args := []string{"add"}
	for _, spec := range specs {
		name := spec.Name
		if spec.Version != "" {
			name += "=" + spec.Version
		}
		args = append(args, name)
	}

	_, err := m.runner.Run(ctx, "apk", args...)
	return err
}

// Verify interface compliance
var _ Manager = (*apkManager)(nil)
