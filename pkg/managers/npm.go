package managers

import (
	"context"

	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/repo"
)

// npmManager handles global node packages through npm.
type npmManager struct {
	runner executor.CommandRunner
}

func newNpmManager(runner executor.CommandRunner) *npmManager {
	return &npmManager{runner: runner}
}

func (m *npmManager) Name() string { return "npm" }

func (m *npmManager) Available(_ context.Context) bool {
	return m.runner.LookPath("npm")
}

func (m *npmManager) IsInstalled(ctx context.Context, spec repo.PackageSpec) bool {
	_, err := m.runner.Run(ctx, "npm", "ls", "-g", "--depth=0", spec.Name)
	return err == nil
}

func (m *npmManager) InstallBatch(ctx context.Context, specs []repo.PackageSpec) error {
	args := []string{"install", "-g"}
	for _, spec := range specs {
		name := spec.Name
		if spec.Version != "" {
			name += "@" + spec.Version
		}
		args = append(args, name)
	}

	_, err := m.runner.Run(ctx, "npm", args...)
	return err
}

// Verify interface compliance
var _ Manager = (*npmManager)(nil)
