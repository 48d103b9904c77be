package snapshot

import (
	"context"
	"os"
	"path/filepath"

	"github.com/arthur-debert/consync/pkg/errors"
)

// FileBackend copies the managed target files into a backup directory.
// It works on any filesystem and is the fallback when no CoW backend is
// available. Its probe always succeeds.
type FileBackend struct {
	// Dir is the root of the backup tree, e.g. <state>/snapshots.
	Dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: dir}
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) Probe(context.Context) bool { return true }

// Create copies each existing path into <Dir>/<ref>/ mirroring the
// absolute path layout. Paths that do not exist yet are simply not
// captured, which makes restore remove them.
func (b *FileBackend) Create(_ context.Context, ref string, paths []string) (string, error) {
	location := filepath.Join(b.Dir, ref)
	if err := os.MkdirAll(location, 0755); err != nil {
		return "", errors.Wrapf(err, errors.ErrDirCreate, "cannot create %s", location)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", errors.Wrapf(err, errors.ErrFileAccess, "cannot stat %s", path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", errors.Wrapf(err, errors.ErrFileAccess, "cannot read %s", path)
		}

		dst := filepath.Join(location, path)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return "", errors.Wrapf(err, errors.ErrDirCreate, "cannot create %s", filepath.Dir(dst))
		}
		if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
			return "", errors.Wrapf(err, errors.ErrFileWrite, "cannot write %s", dst)
		}
	}

	return location, nil
}

func (b *FileBackend) Restore(_ context.Context, snap Snapshot) error {
	for _, path := range snap.Paths {
		if err := copyBack(filepath.Join(snap.Location, path), path); err != nil {
			return err
		}
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, snap Snapshot) error {
	if err := os.RemoveAll(snap.Location); err != nil {
		return errors.Wrapf(err, errors.ErrFileWrite, "cannot remove %s", snap.Location)
	}
	return nil
}
