// Package config loads the isod YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Archive     ArchiveConfig   `yaml:"archive"`
	Fetch       FetchConfig     `yaml:"fetch"`
	Drive       DriveConfig     `yaml:"drive"`
	Export      ExportConfig    `yaml:"export"`
	Catalog     CatalogConfig   `yaml:"catalog"`
	Tracked     []TrackedConfig `yaml:"tracked"`
	AutoApprove bool            `yaml:"auto_approve"`
	Log         LogConfig       `yaml:"log"`
}

// ArchiveConfig holds archive layout and retention settings.
type ArchiveConfig struct {
	Root       string `yaml:"root"`
	StagingDir string `yaml:"staging_dir"`
	KeepLatest int    `yaml:"keep_latest"` // releases kept per family
}

// FetchConfig holds download settings.
type FetchConfig struct {
	Workers       int    `yaml:"workers"`
	RetryAttempts int    `yaml:"retry_attempts"`
	BaseDelay     string `yaml:"base_delay"`
	MaxDelay      string `yaml:"max_delay"`
}

// DriveConfig holds removable drive settings.
type DriveConfig struct {
	MountPath string `yaml:"mount_path"`
	// ReserveSpace is kept free on the drive, e.g. "512MB".
	ReserveSpace string `yaml:"reserve_space"`
	// Wanted restricts the drive to the matching archived images. An
	// empty list mirrors the whole archive.
	Wanted []WantedConfig `yaml:"wanted,omitempty"`
}

// WantedConfig selects archived images for the drive. Distro is
// required; Arch, Variant, and Version narrow the selection when set.
type WantedConfig struct {
	Distro  string `yaml:"distro"`
	Arch    string `yaml:"arch,omitempty"`
	Variant string `yaml:"variant,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// Matches reports whether an image with these coordinates is selected.
func (w WantedConfig) Matches(distro, version, arch, variant string) bool {
	if !strings.EqualFold(w.Distro, distro) {
		return false
	}
	if w.Arch != "" && w.Arch != arch {
		return false
	}
	if w.Variant != "" && w.Variant != variant {
		return false
	}
	if w.Version != "" && w.Version != version {
		return false
	}
	return true
}

// ExportConfig holds archive export settings.
type ExportConfig struct {
	SplitSize    string `yaml:"split_size"`
	OutputDir    string `yaml:"output_dir"`
	ManifestName string `yaml:"manifest_name"`
}

// CatalogConfig points at an optional distro overlay file.
type CatalogConfig struct {
	OverlayFile string `yaml:"overlay_file"`
}

// TrackedConfig selects one image family to track. Arch and Variant
// default to the catalog entry's defaults when empty.
type TrackedConfig struct {
	Distro  string `yaml:"distro"`
	Arch    string `yaml:"arch,omitempty"`
	Variant string `yaml:"variant,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Archive: ArchiveConfig{
			Root:       "/var/lib/isod/archive",
			StagingDir: "/var/lib/isod/staging",
			KeepLatest: 3,
		},
		Fetch: FetchConfig{
			Workers:       3,
			RetryAttempts: 3,
			BaseDelay:     "1s",
			MaxDelay:      "30s",
		},
		Drive: DriveConfig{
			MountPath:    "",
			ReserveSpace: "512MB",
		},
		Export: ExportConfig{
			SplitSize:    "25GB",
			OutputDir:    "/mnt/transfer-disk",
			ManifestName: "isod-manifest.json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a config file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Archive.Root == "" {
		return fmt.Errorf("archive.root is required")
	}
	if c.Archive.StagingDir == "" {
		return fmt.Errorf("archive.staging_dir is required")
	}
	if c.Archive.KeepLatest < 1 {
		return fmt.Errorf("archive.keep_latest must be at least 1")
	}
	if c.Fetch.Workers < 1 {
		return fmt.Errorf("fetch.workers must be at least 1")
	}
	for i, t := range c.Tracked {
		if t.Distro == "" {
			return fmt.Errorf("tracked[%d]: distro is required", i)
		}
	}
	for i, w := range c.Drive.Wanted {
		if w.Distro == "" {
			return fmt.Errorf("drive.wanted[%d]: distro is required", i)
		}
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations.
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"isod.yaml",
		"/etc/isod/isod.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "isod", "isod.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}
