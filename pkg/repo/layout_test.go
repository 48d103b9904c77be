package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthur-debert/consync/pkg/checksum"
	csyncerr "github.com/arthur-debert/consync/pkg/errors"
)

// writeRepo lays out a minimal configuration repository in a temp dir.
func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func TestParseFiles(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"files/motd":          "Welcome\n",
		"files/motd.path":     "/etc\n",
		"files/motd.policy":   "replace\n",
		"files/bashrc":        "alias ll='ls -l'\n",
		"files/bashrc.path":   "/home/ops\n",
		"files/sshd_config":   "PermitRootLogin no\n",
		// sshd_config has no .path sidecar: hard per-file error
	})

	layout, err := Parse(root)
	require.NoError(t, err)

	require.Len(t, layout.Files, 2)

	bashrc := layout.Files[0]
	assert.Equal(t, "bashrc", bashrc.Name)
	assert.Equal(t, "/home/ops", bashrc.TargetDir)
	assert.Equal(t, PolicyDefault, bashrc.Policy, "missing .policy sidecar defaults to default")
	assert.Equal(t, filepath.Join("/home/ops", "bashrc"), bashrc.TargetPath())

	motd := layout.Files[1]
	assert.Equal(t, "motd", motd.Name)
	assert.Equal(t, PolicyReplace, motd.Policy)
	assert.Equal(t, []byte("Welcome\n"), motd.Content)
	assert.Equal(t, checksum.Bytes([]byte("Welcome\n")), motd.Digest)

	require.Len(t, layout.FileErrors, 1)
	assert.Equal(t, "sshd_config", layout.FileErrors[0].Name)
	assert.True(t, csyncerr.IsErrorCode(layout.FileErrors[0].Err, csyncerr.ErrSidecar))
}

func TestParseFilesRejectsRelativeTarget(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"files/motd":      "hi\n",
		"files/motd.path": "etc/motd\n",
	})

	layout, err := Parse(root)
	require.NoError(t, err)
	assert.Empty(t, layout.Files)
	require.Len(t, layout.FileErrors, 1)
	assert.True(t, csyncerr.IsErrorCode(layout.FileErrors[0].Err, csyncerr.ErrSidecar))
}

func TestParseFilesInvalidPolicy(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"files/motd":        "hi\n",
		"files/motd.path":   "/etc\n",
		"files/motd.policy": "overwrite-maybe\n",
	})

	layout, err := Parse(root)
	require.NoError(t, err)
	assert.Empty(t, layout.Files)
	require.Len(t, layout.FileErrors, 1)
}

func TestParseBuckets(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"packages/base.apt": "curl\nhtop # monitoring\n\n# comment line\nnginx=1.24.0\n",
		"packages/dev.npm":  "typescript\n",
	})

	layout, err := Parse(root)
	require.NoError(t, err)

	require.Len(t, layout.Buckets, 2)

	base := layout.Buckets[0]
	assert.Equal(t, "base", base.Name)
	assert.Equal(t, "apt", base.Manager)
	require.Len(t, base.Packages, 3)
	assert.Equal(t, PackageSpec{Name: "curl", Manager: "apt"}, base.Packages[0])
	assert.Equal(t, PackageSpec{Name: "htop", Manager: "apt"}, base.Packages[1])
	assert.Equal(t, PackageSpec{Name: "nginx", Manager: "apt", Version: "1.24.0"}, base.Packages[2])

	dev := layout.Buckets[1]
	assert.Equal(t, "dev", dev.Name)
	assert.Equal(t, "npm", dev.Manager)
}

func TestParseEmptyRepo(t *testing.T) {
	layout, err := Parse(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, layout.Files)
	assert.Empty(t, layout.Buckets)
	assert.Empty(t, layout.FileErrors)
}

func TestParsePolicy(t *testing.T) {
	for _, valid := range []string{"replace", "default", "backup"} {
		policy, err := ParsePolicy(valid)
		require.NoError(t, err)
		assert.Equal(t, Policy(valid), policy)
	}

	_, err := ParsePolicy("merge")
	assert.Error(t, err)
}
