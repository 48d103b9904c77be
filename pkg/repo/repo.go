// Package repo reads the configuration repository: fetching it with git
// and parsing its packages/, scripts/ and files/ layout into typed records.
package repo

import (
	"fmt"
	"path/filepath"
)

// Policy governs whether and how an existing deploy target is overwritten.
type Policy string

const (
	// PolicyReplace always converges the target to the repository content.
	PolicyReplace Policy = "replace"

	// PolicyDefault writes only when the target is absent; an existing
	// target is left untouched even when stale.
	PolicyDefault Policy = "default"

	// PolicyBackup copies a changed target to a timestamped sibling
	// before overwriting it.
	PolicyBackup Policy = "backup"
)

// ParsePolicy validates a policy sidecar value.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyReplace, PolicyDefault, PolicyBackup:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown policy %q", s)
}

// ManagedFile is one file under engine management, parsed once at
// repository-read time with its sidecar metadata resolved.
type ManagedFile struct {
	// Name is the repository-relative file name under files/.
	Name string

	// SourcePath is the absolute path of the file inside the checkout.
	SourcePath string

	// TargetDir is the directory the file deploys into (from the .path sidecar).
	TargetDir string

	// Policy is the deployment policy (from the .policy sidecar, default "default").
	Policy Policy

	// Content is the repository content of the file.
	Content []byte

	// Digest is the content digest of Content.
	Digest string
}

// TargetPath is the absolute deploy destination of the file.
func (f ManagedFile) TargetPath() string {
	return filepath.Join(f.TargetDir, f.Name)
}

// FileError reports a files/ entry that could not be parsed. Such entries
// are skipped, never silently dropped.
type FileError struct {
	Name string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("files/%s: %v", e.Name, e.Err)
}

// PackageSpec declares one package to install.
type PackageSpec struct {
	Name    string
	Manager string
	Version string // optional constraint

	// Check and Install are shell command lines for the custom manager,
	// parsed from "name :: check :: install" list lines.
	Check   string
	Install string
}

// Bucket is a named group of packages for one manager, parsed from a
// packages/<name>.<manager> list file.
type Bucket struct {
	Name     string
	Manager  string
	Packages []PackageSpec
}
