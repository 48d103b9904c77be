package managers

import (
	"context"
	"strings"
	"sync"

	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/logging"
	"github.com/arthur-debert/consync/pkg/repo"
)

// aptManager handles Debian-family packages through apt-get/dpkg.
type aptManager struct {
	runner     executor.CommandRunner
	updateOnce sync.Once
	updateErr  error
}

func newAptManager(runner executor.CommandRunner) *aptManager {
	return &aptManager{runner: runner}
}

func (m *aptManager) Name() string { return "apt" }

func (m *aptManager) Available(_ context.Context) bool {
	return m.runner.LookPath("apt-get")
}

func (m *aptManager) IsInstalled(ctx context.Context, spec repo.PackageSpec) bool {
	out, err := m.runner.Run(ctx, "dpkg-query", "-W", "-f=${Status}", spec.Name)
	return err == nil && strings.Contains(out, "install ok installed")
}

// InstallBatch refreshes the index once per run, then installs all
// missing packages in one apt-get invocation.
func (m *aptManager) InstallBatch(ctx context.Context, specs []repo.PackageSpec) error {
	m.updateOnce.Do(func() {
		logger := logging.GetLogger("managers.apt")
		logger.Debug().Msg("refreshing apt index")
		if out, err := m.runner.Run(ctx, "apt-get", "update"); err != nil {
			logger.Warn().Str("output", out).Err(err).Msg("apt-get update failed")
			m.updateErr = err
		}
	})
	if m.updateErr != nil {
		return m.updateErr
	}

	args := []string{"install", "-y", "--no-install-recommends"}
	for _, spec := range specs {
		name := spec.Name
		if spec.Version != "" {
			name += "=" + spec.Version
		}
		args = append(args, name)
	}

	_, err := m.runner.Run(ctx, "apt-get", args...)
	return err
}

// Verify interface compliance
var _ Manager = (*aptManager)(nil)
