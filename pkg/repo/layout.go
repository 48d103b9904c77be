package repo

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arthur-debert/consync/pkg/checksum"
	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/logging"
)

// Well-known directories inside the configuration repository.
const (
	PackagesDir = "packages"
	ScriptsDir  = "scripts"
	FilesDir    = "files"
)

// Sidecar extensions for managed files.
const (
	pathSidecarExt   = ".path"
	policySidecarExt = ".policy"
)

// Layout is the parsed content of one repository checkout.
type Layout struct {
	Root       string
	Files      []ManagedFile
	FileErrors []FileError
	Buckets    []Bucket
}

// ScriptsPath returns the scripts directory of the checkout.
func (l *Layout) ScriptsPath() string {
	return filepath.Join(l.Root, ScriptsDir)
}

// Parse reads a repository checkout into a Layout. Per-file sidecar
// problems are collected in FileErrors; only structural problems (an
// unreadable directory) are returned as an error.
func Parse(root string) (*Layout, error) {
	layout := &Layout{Root: root}

	files, fileErrs, err := parseFiles(filepath.Join(root, FilesDir))
	if err != nil {
		return nil, err
	}
	layout.Files = files
	layout.FileErrors = fileErrs

	buckets, err := parseBuckets(filepath.Join(root, PackagesDir))
	if err != nil {
		return nil, err
	}
	layout.Buckets = buckets

	return layout, nil
}

// parseFiles reads files/ entries and their sidecars. A missing .path
// sidecar is a hard per-file error; a missing .policy sidecar defaults
// to the "default" policy.
func parseFiles(dir string) ([]ManagedFile, []FileError, error) {
	logger := logging.GetLogger("repo.layout")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrapf(err, errors.ErrRepoLayout, "failed to read %s", dir)
	}

	var files []ManagedFile
	var fileErrs []FileError

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() ||
			strings.HasSuffix(name, pathSidecarExt) ||
			strings.HasSuffix(name, policySidecarExt) {
			continue
		}

		sourcePath := filepath.Join(dir, name)

		targetDir, err := readPathSidecar(sourcePath + pathSidecarExt)
		if err != nil {
			logger.Error().Str("file", name).Err(err).Msg("skipping file with invalid metadata")
			fileErrs = append(fileErrs, FileError{Name: name, Err: err})
			continue
		}

		policy, err := readPolicySidecar(sourcePath + policySidecarExt)
		if err != nil {
			logger.Error().Str("file", name).Err(err).Msg("skipping file with invalid policy")
			fileErrs = append(fileErrs, FileError{Name: name, Err: err})
			continue
		}

		content, err := os.ReadFile(sourcePath)
		if err != nil {
			fileErrs = append(fileErrs, FileError{Name: name, Err: err})
			continue
		}

		files = append(files, ManagedFile{
			Name:       name,
			SourcePath: sourcePath,
			TargetDir:  targetDir,
			Policy:     policy,
			Content:    content,
			Digest:     checksum.Bytes(content),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, fileErrs, nil
}

func readPathSidecar(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.New(errors.ErrSidecar, "missing .path sidecar")
		}
		return "", err
	}

	target := strings.TrimSpace(firstLine(string(data)))
	if target == "" {
		return "", errors.New(errors.ErrSidecar, "empty .path sidecar")
	}
	if !filepath.IsAbs(target) {
		return "", errors.Newf(errors.ErrSidecar, "target directory %q is not absolute", target)
	}
	return target, nil
}

func readPolicySidecar(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PolicyDefault, nil
		}
		return "", err
	}

	policy, err := ParsePolicy(strings.TrimSpace(firstLine(string(data))))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrRepoLayout, "invalid .policy sidecar")
	}
	return policy, nil
}

// parseBuckets reads packages/<name>.<manager> list files. One package
// name per line, '#' comments and blank lines ignored, inline comments
// stripped.
func parseBuckets(dir string) ([]Bucket, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.ErrRepoLayout, "failed to read %s", dir)
	}

	var buckets []Bucket
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext == "" || ext == "." {
			continue
		}
		manager := strings.TrimPrefix(ext, ".")
		bucketName := strings.TrimSuffix(name, ext)

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrRepoLayout, "failed to read package list %s", name)
		}

		bucket := Bucket{Name: bucketName, Manager: manager}
		for _, line := range strings.Split(string(data), "\n") {
			spec, ok := parsePackageLine(line, manager)
			if ok {
				bucket.Packages = append(bucket.Packages, spec)
			}
		}
		buckets = append(buckets, bucket)
	}

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Manager != buckets[j].Manager {
			return buckets[i].Manager < buckets[j].Manager
		}
		return buckets[i].Name < buckets[j].Name
	})
	return buckets, nil
}

// parsePackageLine parses one list line into a PackageSpec. The optional
// version constraint is written as name=version. Custom manager lines
// carry their check/install commands as "name :: check :: install".
func parsePackageLine(line, manager string) (PackageSpec, bool) {
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return PackageSpec{}, false
	}

	if strings.Contains(line, "::") {
		parts := strings.SplitN(line, "::", 3)
		spec := PackageSpec{Name: strings.TrimSpace(parts[0]), Manager: manager}
		if len(parts) > 1 {
			spec.Check = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			spec.Install = strings.TrimSpace(parts[2])
		}
		return spec, true
	}

	spec := PackageSpec{Name: line, Manager: manager}
	if name, version, found := strings.Cut(line, "="); found {
		spec.Name = strings.TrimSpace(name)
		spec.Version = strings.TrimSpace(version)
	}
	return spec, true
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
