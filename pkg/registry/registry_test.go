package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	csyncerr "github.com/arthur-debert/consync/pkg/errors"
)

func TestRegisterAndGet(t *testing.T) {
	r := New[int]()

	require.NoError(t, r.Register("apt", 1))
	require.NoError(t, r.Register("apk", 2))

	got, err := r.Get("apt")
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	assert.True(t, r.Has("apk"))
	assert.False(t, r.Has("dnf"))
	assert.Equal(t, 2, r.Count())
}

func TestRegisterDuplicate(t *testing.T) {
	r := New[string]()
	require.NoError(t, r.Register("apt", "first"))

	err := r.Register("apt", "second")
	require.Error(t, err)
	assert.True(t, csyncerr.IsErrorCode(err, csyncerr.ErrAlreadyExists))
}

func TestRegisterEmptyName(t *testing.T) {
	r := New[string]()
	err := r.Register("", "x")
	require.Error(t, err)
	assert.True(t, csyncerr.IsErrorCode(err, csyncerr.ErrInvalidInput))
}

func TestGetMissing(t *testing.T) {
	r := New[string]()
	_, err := r.Get("missing")
	require.Error(t, err)
	assert.True(t, csyncerr.IsErrorCode(err, csyncerr.ErrNotFound))
}

func TestListSorted(t *testing.T) {
	r := New[int]()
	for i, name := range []string{"pip", "apt", "npm"} {
		require.NoError(t, r.Register(name, i))
	}
	assert.Equal(t, []string{"apt", "npm", "pip"}, r.List())
}
