package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/executor"
	"github.com/arthur-debert/consync/pkg/logging"
)

// rootDevice returns the source device and filesystem type of the root
// mount, via findmnt.
func rootDevice(ctx context.Context, runner executor.CommandRunner) (source, fstype string, err error) {
	out, err := runner.Run(ctx, "findmnt", "-n", "-o", "SOURCE,FSTYPE", "/")
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 2 {
		return "", "", fmt.Errorf("unexpected findmnt output %q", out)
	}
	return fields[0], fields[1], nil
}

// ZFSBackend snapshots the root dataset.
type ZFSBackend struct {
	runner executor.CommandRunner

	// dataset is resolved during Probe.
	dataset string
}

func NewZFSBackend(runner executor.CommandRunner) *ZFSBackend {
	return &ZFSBackend{runner: runner}
}

func (b *ZFSBackend) Name() string { return "zfs" }

func (b *ZFSBackend) Probe(ctx context.Context) bool {
	if !b.runner.LookPath("zfs") {
		return false
	}
	source, fstype, err := rootDevice(ctx, b.runner)
	if err != nil || fstype != "zfs" {
		return false
	}
	b.dataset = source
	return true
}

func (b *ZFSBackend) Create(ctx context.Context, ref string, _ []string) (string, error) {
	location := b.dataset + "@" + ref
	if _, err := b.runner.Run(ctx, "zfs", "snapshot", location); err != nil {
		return "", err
	}
	return location, nil
}

func (b *ZFSBackend) Restore(ctx context.Context, snap Snapshot) error {
	_, err := b.runner.Run(ctx, "zfs", "rollback", "-r", snap.Location)
	return err
}

func (b *ZFSBackend) Delete(ctx context.Context, snap Snapshot) error {
	_, err := b.runner.Run(ctx, "zfs", "destroy", snap.Location)
	return err
}

// LVMBackend takes a CoW snapshot of the root logical volume.
type LVMBackend struct {
	runner executor.CommandRunner

	// Size is the snapshot size passed to lvcreate -L, e.g. "2G".
	Size string

	// vg/lv are resolved during Probe from the device mapper name.
	vg string
	lv string
}

func NewLVMBackend(runner executor.CommandRunner, size string) *LVMBackend {
	return &LVMBackend{runner: runner, Size: size}
}

func (b *LVMBackend) Name() string { return "lvm" }

func (b *LVMBackend) Probe(ctx context.Context) bool {
	if !b.runner.LookPath("lvcreate") {
		return false
	}
	source, _, err := rootDevice(ctx, b.runner)
	if err != nil || !strings.HasPrefix(source, "/dev/mapper/") {
		return false
	}
	// Device mapper names escape dashes as double dashes: vg-name uses
	// vg--name. A single dash separates vg from lv.
	name := strings.TrimPrefix(source, "/dev/mapper/")
	vg, lv, ok := splitMapperName(name)
	if !ok {
		return false
	}
	b.vg, b.lv = vg, lv
	return true
}

func splitMapperName(name string) (vg, lv string, ok bool) {
	var buf strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] != '-' {
			buf.WriteByte(name[i])
			continue
		}
		if i+1 < len(name) && name[i+1] == '-' {
			buf.WriteByte('-')
			i++
			continue
		}
		return buf.String(), unescapeMapper(name[i+1:]), true
	}
	return "", "", false
}

func unescapeMapper(s string) string {
	return strings.ReplaceAll(s, "--", "-")
}

func (b *LVMBackend) Create(ctx context.Context, ref string, _ []string) (string, error) {
	origin := b.vg + "/" + b.lv
	if _, err := b.runner.Run(ctx, "lvcreate", "--snapshot", "--name", ref, "--size", b.Size, origin); err != nil {
		return "", err
	}
	return b.vg + "/" + ref, nil
}

func (b *LVMBackend) Restore(ctx context.Context, snap Snapshot) error {
	if _, err := b.runner.Run(ctx, "lvconvert", "--merge", snap.Location); err != nil {
		return err
	}
	// The merge of a mounted origin completes at the next activation.
	logger := logging.GetLogger("snapshot")
	logger.Warn().
		Str("ref", snap.Ref).
		Msg("lvm snapshot merge scheduled, reboot required to complete")
	return nil
}

func (b *LVMBackend) Delete(ctx context.Context, snap Snapshot) error {
	_, err := b.runner.Run(ctx, "lvremove", "-f", snap.Location)
	return err
}

// BtrfsBackend keeps read-only snapshots of the root subvolume under a
// dedicated directory. Restore copies the managed paths back, since a
// mounted root subvolume cannot be swapped in place.
type BtrfsBackend struct {
	runner executor.CommandRunner

	// Dir holds the snapshot subvolumes, e.g. /.snapshots/consync.
	Dir string
}

func NewBtrfsBackend(runner executor.CommandRunner, dir string) *BtrfsBackend {
	return &BtrfsBackend{runner: runner, Dir: dir}
}

func (b *BtrfsBackend) Name() string { return "btrfs" }

func (b *BtrfsBackend) Probe(ctx context.Context) bool {
	if !b.runner.LookPath("btrfs") {
		return false
	}
	_, fstype, err := rootDevice(ctx, b.runner)
	return err == nil && fstype == "btrfs"
}

func (b *BtrfsBackend) Create(ctx context.Context, ref string, _ []string) (string, error) {
	if err := os.MkdirAll(b.Dir, 0755); err != nil {
		return "", errors.Wrapf(err, errors.ErrDirCreate, "cannot create %s", b.Dir)
	}
	location := filepath.Join(b.Dir, ref)
	if _, err := b.runner.Run(ctx, "btrfs", "subvolume", "snapshot", "-r", "/", location); err != nil {
		return "", err
	}
	return location, nil
}

func (b *BtrfsBackend) Restore(ctx context.Context, snap Snapshot) error {
	for _, path := range snap.Paths {
		if err := copyBack(filepath.Join(snap.Location, path), path); err != nil {
			return err
		}
	}
	return nil
}

func (b *BtrfsBackend) Delete(ctx context.Context, snap Snapshot) error {
	_, err := b.runner.Run(ctx, "btrfs", "subvolume", "delete", snap.Location)
	return err
}

// copyBack restores a single captured file onto its original path. A
// path absent from the snapshot was absent before the sync and is
// removed.
func copyBack(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, errors.ErrFileWrite, "cannot remove %s", dst)
			}
			return nil
		}
		return errors.Wrapf(err, errors.ErrFileAccess, "cannot stat %s", src)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "cannot read %s", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.Wrapf(err, errors.ErrDirCreate, "cannot create %s", filepath.Dir(dst))
	}
	if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
		return errors.Wrapf(err, errors.ErrFileWrite, "cannot write %s", dst)
	}
	return nil
}
