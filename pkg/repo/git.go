package repo

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/logging"
)

// Client provides git operations for repository management.
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	// and returns the resulting commit hash.
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
}

// GitClient implements Client by shelling out to the git command.
type GitClient struct {
	runner executor.CommandRunner
}

// NewGitClient creates a git client using the given runner.
func NewGitClient(runner executor.CommandRunner) *GitClient {
	return &GitClient{runner: runner}
}

// EnsureCheckout clones or fetches and checks out the specified ref.
func (c *GitClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	logger := logging.GetLogger("repo.git")

	gitDir := filepath.Join(destDir, ".git")
	_, statErr := os.Stat(gitDir)
	exists := statErr == nil

	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", errors.Wrap(err, errors.ErrRepoFetch, "failed to create clone parent directory")
		}
		if out, err := c.runner.Run(ctx, "git", "clone", "--no-checkout", url, destDir); err != nil {
			return "", errors.Wrapf(err, errors.ErrRepoFetch, "git clone failed: %s", out)
		}
		logger.Info().Str("url", url).Str("dest", destDir).Msg("repository cloned")
	} else {
		if out, err := c.runner.Run(ctx, "git", "-C", destDir, "fetch", "origin"); err != nil {
			return "", errors.Wrapf(err, errors.ErrRepoFetch, "git fetch failed: %s", out)
		}
	}

	// Try direct checkout first (local branches, tags, commit hashes),
	// then fall back to the remote tracking ref.
	if out, err := c.runner.Run(ctx, "git", "-C", destDir, "checkout", "-f", ref); err != nil {
		remoteRef := "origin/" + ref
		if out2, err2 := c.runner.Run(ctx, "git", "-C", destDir, "checkout", "-f", remoteRef); err2 != nil {
			return "", errors.Wrapf(err2, errors.ErrRepoCheckout,
				"git checkout failed for ref %q (direct: %s, remote: %s)", ref, out, out2)
		}
	}

	// After a fetch the local branch may be stale. Reset to the remote
	// tracking branch; a failure here is fine for tags and hashes.
	if exists {
		_, _ = c.runner.Run(ctx, "git", "-C", destDir, "reset", "--hard", "origin/"+ref)
	}

	out, err := c.runner.Run(ctx, "git", "-C", destDir, "rev-parse", "HEAD")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrRepoCheckout, "git rev-parse failed")
	}

	commit := strings.TrimSpace(out)
	logger.Debug().Str("ref", ref).Str("commit", commit).Msg("repository checked out")
	return commit, nil
}

// Verify interface compliance
var _ Client = (*GitClient)(nil)
