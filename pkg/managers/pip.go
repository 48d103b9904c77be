package managers

import (
	"context"
	"os"

	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/repo"
)

// pipManager handles global python packages through pip.
type pipManager struct {
	runner executor.CommandRunner

	// inVirtualEnv suppresses the externally-managed-environment
	// override, which is only needed for system-wide installs.
	inVirtualEnv bool
}

func newPipManager(runner executor.CommandRunner) *pipManager {
	return &pipManager{
		runner:       runner,
		inVirtualEnv: os.Getenv("VIRTUAL_ENV") != "",
	}
}

func (m *pipManager) Name() string { return "pip" }

func (m *pipManager) Available(_ context.Context) bool {
	return m.runner.LookPath("pip3") || m.runner.LookPath("pip")
}

func (m *pipManager) binary() string {
	if m.runner.LookPath("pip3") {
		return "pip3"
	}
	return "pip"
}

func (m *pipManager) IsInstalled(ctx context.Context, spec repo.PackageSpec) bool {
	_, err := m.runner.Run(ctx, m.binary(), "show", spec.Name)
	return err == nil
}

// InstallBatch installs system-wide, opting into pip's
// externally-managed-environment override unless running inside a
// virtualenv, where the restriction does not apply.
func (m *pipManager) InstallBatch(ctx context.Context, specs []repo.PackageSpec) error {
	args := []string{"install"}
	if !m.inVirtualEnv {
		args = append(args, "--break-system-packages")
	}
	for _, spec := range specs {
		name := spec.Name
		if spec.Version != "" {
			name += "==" + spec.Version
		}
		args = append(args, name)
	}

	_, err := m.runner.Run(ctx, m.binary(), args...)
	return err
}

// Verify interface compliance
var _ Manager = (*pipManager)(nil)
