// Package config loads engine configuration: embedded defaults, then the
// host config file, then CONSYNC_* environment overrides, each layer
// overriding the previous one.
package config

import (
	_ "embed"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	csyncerr "github.com/arthur-debert/consync/pkg/errors"
)

//go:embed embedded/defaults.toml
var defaultConfig []byte

// EnvConfigFile overrides the config file location.
const EnvConfigFile = "CONSYNC_CONFIG"

// Config is the resolved engine configuration.
type Config struct {
	Repo     RepoConfig     `koanf:"repo"`
	State    StateConfig    `koanf:"state"`
	Operator OperatorConfig `koanf:"operator"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
}

// RepoConfig describes the configuration repository to track.
type RepoConfig struct {
	URL    string `koanf:"url"`
	Branch string `koanf:"branch"`
	Dir    string `koanf:"dir"`
}

// StateConfig locates the persisted engine state.
type StateConfig struct {
	Dir string `koanf:"dir"`
}

// OperatorConfig names the non-root account that owns deployed files
// inside its home directory.
type OperatorConfig struct {
	User string `koanf:"user"`
}

// SnapshotConfig tunes the snapshot/rollback subsystem.
type SnapshotConfig struct {
	RetentionDays int    `koanf:"retention_days"`
	LVMSize       string `koanf:"lvm_size"`
	BtrfsDir      string `koanf:"btrfs_dir"`
}

// rawBytesProvider implements koanf provider for raw bytes
type rawBytesProvider struct{ bytes []byte }

func (r *rawBytesProvider) ReadBytes() ([]byte, error) { return r.bytes, nil }
func (r *rawBytesProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("not implemented")
}

// Load resolves the full configuration.
func Load() (*Config, error) {
	return loadFrom(configFilePath())
}

// LoadFile resolves configuration using an explicit config file path,
// which may be empty to skip the file layer.
func LoadFile(path string) (*Config, error) {
	return loadFrom(path)
}

func loadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Embedded defaults
	if err := k.Load(&rawBytesProvider{bytes: defaultConfig}, toml.Parser()); err != nil {
		return nil, csyncerr.Wrap(err, csyncerr.ErrConfigLoad, "failed to load defaults")
	}

	// 2. Host config file, if present
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, csyncerr.Wrapf(err, csyncerr.ErrConfigParse, "failed to parse %s", path)
			}
		}
	}

	// 3. Environment overrides: CONSYNC_REPO_URL -> repo.url
	if err := k.Load(env.Provider("CONSYNC_", ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, "CONSYNC_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, csyncerr.Wrap(err, csyncerr.ErrConfigLoad, "failed to load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, csyncerr.Wrap(err, csyncerr.ErrConfigParse, "failed to unmarshal configuration")
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills the paths that depend on the runtime environment.
func applyDefaults(cfg *Config) {
	if cfg.State.Dir == "" {
		if os.Geteuid() == 0 {
			cfg.State.Dir = "/var/lib/consync"
		} else {
			cfg.State.Dir = filepath.Join(xdg.StateHome, "consync")
		}
	}
	if cfg.Repo.Dir == "" {
		cfg.Repo.Dir = filepath.Join(cfg.State.Dir, "repo")
	}
	if cfg.Repo.Branch == "" {
		cfg.Repo.Branch = "main"
	}
}

// configFilePath picks the host config file location: the CONSYNC_CONFIG
// override, /etc/consync/config.toml for root, the XDG config dir otherwise.
func configFilePath() string {
	if path := os.Getenv(EnvConfigFile); path != "" {
		return path
	}
	if os.Geteuid() == 0 {
		return "/etc/consync/config.toml"
	}
	return filepath.Join(xdg.ConfigHome, "consync", "config.toml")
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Repo.URL == "" {
		return csyncerr.New(csyncerr.ErrInvalidInput, "repo.url is not configured")
	}
	return nil
}
