package managers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	csyncerr "github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/repo"
)

func TestApplyFiltersInstalledPackages(t *testing.T) {
	runner := &executor.FakeRunner{
		Responses: map[string]executor.FakeResult{
			// curl is already installed, htop is not
			"dpkg-query -W -f=${Status} curl": {Output: "install ok installed"},
			"dpkg-query -W -f=${Status} htop": {Output: "unknown ok not-installed", Err: errors.New("exit 1")},
		},
	}
	reg := NewRegistry(runner)

	buckets := []repo.Bucket{{
		Name:    "base",
		Manager: "apt",
		Packages: []repo.PackageSpec{
			{Name: "curl", Manager: "apt"},
			{Name: "htop", Manager: "apt"},
		},
	}}

	report := Apply(context.Background(), reg, buckets)

	assert.Empty(t, report.Failures)
	assert.Equal(t, []string{"curl"}, report.Skipped)
	assert.Equal(t, []string{"htop"}, report.Installed)

	// InstallBatch only received the missing subset
	installs := runner.CallsMatching("apt-get install")
	require.Len(t, installs, 1)
	assert.Equal(t, "apt-get install -y --no-install-recommends htop", installs[0])
	assert.NotContains(t, installs[0], "curl")
}

func TestApplyAptRefreshesIndexOncePerRun(t *testing.T) {
	runner := &executor.FakeRunner{
		Responses: map[string]executor.FakeResult{
			"dpkg-query -W -f=${Status} a": {Err: errors.New("exit 1")},
			"dpkg-query -W -f=${Status} b": {Err: errors.New("exit 1")},
		},
	}
	reg := NewRegistry(runner)

	buckets := []repo.Bucket{
		{Name: "one", Manager: "apt", Packages: []repo.PackageSpec{{Name: "a", Manager: "apt"}}},
		{Name: "two", Manager: "apt", Packages: []repo.PackageSpec{{Name: "b", Manager: "apt"}}},
	}

	report := Apply(context.Background(), reg, buckets)
	assert.Empty(t, report.Failures)

	assert.Len(t, runner.CallsMatching("apt-get update"), 1)
	assert.Len(t, runner.CallsMatching("apt-get install"), 2)
}

func TestApplyVersionConstraints(t *testing.T) {
	runner := &executor.FakeRunner{
		Responses: map[string]executor.FakeResult{
			"dpkg-query -W -f=${Status} nginx": {Err: errors.New("exit 1")},
		},
	}
	reg := NewRegistry(runner)

	buckets := []repo.Bucket{{
		Name:     "web",
		Manager:  "apt",
		Packages: []repo.PackageSpec{{Name: "nginx", Manager: "apt", Version: "1.24.0"}},
	}}

	report := Apply(context.Background(), reg, buckets)
	assert.Empty(t, report.Failures)

	installs := runner.CallsMatching("apt-get install")
	require.Len(t, installs, 1)
	assert.Contains(t, installs[0], "nginx=1.24.0")
}

func TestApplyUnknownManagerIsSoftFailure(t *testing.T) {
	runner := &executor.FakeRunner{
		Responses: map[string]executor.FakeResult{
			"dpkg-query -W -f=${Status} curl": {Err: errors.New("exit 1")},
		},
	}
	reg := NewRegistry(runner)

	buckets := []repo.Bucket{
		{Name: "weird", Manager: "pacman", Packages: []repo.PackageSpec{{Name: "x", Manager: "pacman"}}},
		{Name: "base", Manager: "apt", Packages: []repo.PackageSpec{{Name: "curl", Manager: "apt"}}},
	}

	report := Apply(context.Background(), reg, buckets)

	// The bad bucket is reported, the good bucket still installed.
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "weird", report.Failures[0].Bucket)
	assert.True(t, csyncerr.IsErrorCode(report.Failures[0].Err, csyncerr.ErrManagerNotFound))
	assert.Equal(t, []string{"curl"}, report.Installed)
}

func TestApplyUnavailableManagerIsSoftFailure(t *testing.T) {
	runner := &executor.FakeRunner{
		Binaries: map[string]bool{"sh": true}, // no apt-get on this host
	}
	reg := NewRegistry(runner)

	buckets := []repo.Bucket{{
		Name:     "base",
		Manager:  "apt",
		Packages: []repo.PackageSpec{{Name: "curl", Manager: "apt"}},
	}}

	report := Apply(context.Background(), reg, buckets)
	require.Len(t, report.Failures, 1)
	assert.True(t, csyncerr.IsErrorCode(report.Failures[0].Err, csyncerr.ErrManagerUnavailable))
}

func TestApplyInstallFailureIsSoft(t *testing.T) {
	runner := &executor.FakeRunner{
		Responses: map[string]executor.FakeResult{
			"dpkg-query -W -f=${Status} broken": {Err: errors.New("exit 1")},
			"dpkg-query -W -f=${Status} curl":   {Err: errors.New("exit 1")},
			"apt-get install -y --no-install-recommends broken": {Output: "E: unable to locate", Err: errors.New("exit 100")},
		},
	}
	reg := NewRegistry(runner)

	buckets := []repo.Bucket{
		{Name: "bad", Manager: "apt", Packages: []repo.PackageSpec{{Name: "broken", Manager: "apt"}}},
		{Name: "good", Manager: "apt", Packages: []repo.PackageSpec{{Name: "curl", Manager: "apt"}}},
	}

	report := Apply(context.Background(), reg, buckets)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, "bad", report.Failures[0].Bucket)
	assert.True(t, csyncerr.IsErrorCode(report.Failures[0].Err, csyncerr.ErrInstallFailed))
	assert.Equal(t, []string{"curl"}, report.Installed)
}

func TestCustomManagerRunsCheckAndInstall(t *testing.T) {
	runner := &executor.FakeRunner{
		Responses: map[string]executor.FakeResult{
			"sh -c command -v k9s": {Err: errors.New("exit 1")},
			"sh -c command -v jq":  {Output: "/usr/bin/jq"},
		},
	}
	reg := NewRegistry(runner)

	buckets := []repo.Bucket{{
		Name:    "tools",
		Manager: "custom",
		Packages: []repo.PackageSpec{
			{Name: "k9s", Manager: "custom", Check: "command -v k9s", Install: "curl -sS https://example.com/k9s.sh | sh"},
			{Name: "jq", Manager: "custom", Check: "command -v jq", Install: "apt-get install -y jq"},
		},
	}}

	report := Apply(context.Background(), reg, buckets)

	assert.Empty(t, report.Failures)
	assert.Equal(t, []string{"jq"}, report.Skipped)
	assert.Equal(t, []string{"k9s"}, report.Installed)
	assert.Len(t, runner.CallsMatching("sh -c curl -sS https://example.com/k9s.sh | sh"), 1)
}

func TestNpmAndPipInstallSyntax(t *testing.T) {
	runner := &executor.FakeRunner{
		Responses: map[string]executor.FakeResult{
			"npm ls -g --depth=0 typescript": {Err: errors.New("exit 1")},
			"pip3 show httpie":               {Err: errors.New("exit 1")},
		},
	}
	reg := NewRegistry(runner)

	buckets := []repo.Bucket{
		{Name: "dev", Manager: "npm", Packages: []repo.PackageSpec{{Name: "typescript", Manager: "npm", Version: "5.4.0"}}},
		{Name: "cli", Manager: "pip", Packages: []repo.PackageSpec{{Name: "httpie", Manager: "pip"}}},
	}

	report := Apply(context.Background(), reg, buckets)
	assert.Empty(t, report.Failures)

	npmInstalls := runner.CallsMatching("npm install -g")
	require.Len(t, npmInstalls, 1)
	assert.Contains(t, npmInstalls[0], "typescript@5.4.0")

	pipInstalls := runner.CallsMatching("pip3 install")
	require.Len(t, pipInstalls, 1)
	assert.Contains(t, pipInstalls[0], "httpie")
}
