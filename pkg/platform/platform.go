// Package platform detects the OS family and version of the container the
// engine is managing. Scripts receive this information through their
// environment so they can branch on distribution without re-parsing
// /etc/os-release themselves.
package platform

import (
	"bufio"
	"os"
	"strings"
)

// Family is a coarse distribution grouping used to pick package managers
// and script behavior.
type Family string

const (
	FamilyDebian  Family = "debian"
	FamilyAlpine  Family = "alpine"
	FamilyRedHat  Family = "rhel"
	FamilyUnknown Family = "unknown"
)

// Info describes the detected operating system.
type Info struct {
	ID        string // os-release ID, e.g. "ubuntu"
	VersionID string // os-release VERSION_ID, e.g. "24.04"
	Family    Family
}

// Detect reads /etc/os-release and classifies the distribution.
func Detect() (Info, error) {
	return DetectFrom("/etc/os-release")
}

// DetectFrom parses an os-release formatted file at the given path.
func DetectFrom(path string) (Info, error) {
	file, err := os.Open(path)
	if err != nil {
		return Info{Family: FamilyUnknown}, err
	}
	defer func() {
		_ = file.Close()
	}()

	info := Info{Family: FamilyUnknown}
	idLike := ""

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			info.ID = value
		case "VERSION_ID":
			info.VersionID = value
		case "ID_LIKE":
			idLike = value
		}
	}
	if err := scanner.Err(); err != nil {
		return info, err
	}

	info.Family = classify(info.ID, idLike)
	return info, nil
}

func classify(id, idLike string) Family {
	candidates := append([]string{id}, strings.Fields(idLike)...)
	for _, c := range candidates {
		switch c {
		case "debian", "ubuntu":
			return FamilyDebian
		case "alpine":
			return FamilyAlpine
		case "rhel", "fedora", "centos", "rocky", "almalinux":
			return FamilyRedHat
		}
	}
	return FamilyUnknown
}
