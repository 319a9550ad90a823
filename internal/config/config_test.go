package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults fail validation: %v", err)
	}
	if cfg.Archive.KeepLatest != 3 {
		t.Errorf("KeepLatest = %d", cfg.Archive.KeepLatest)
	}
	if cfg.Fetch.Workers != 3 {
		t.Errorf("Workers = %d", cfg.Fetch.Workers)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	doc := `
archive:
  root: /srv/isod/archive
  staging_dir: /srv/isod/staging
  keep_latest: 2
fetch:
  workers: 5
drive:
  mount_path: /media/boot-drive
tracked:
  - distro: ubuntu
    variant: live-server
  - distro: arch
auto_approve: true
log:
  level: debug
`
	path := filepath.Join(t.TempDir(), "isod.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Archive.Root != "/srv/isod/archive" || cfg.Archive.KeepLatest != 2 {
		t.Errorf("archive config = %+v", cfg.Archive)
	}
	if cfg.Fetch.Workers != 5 {
		t.Errorf("Workers = %d", cfg.Fetch.Workers)
	}
	// Unset fields keep their defaults.
	if cfg.Fetch.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want default", cfg.Fetch.RetryAttempts)
	}
	if len(cfg.Tracked) != 2 || cfg.Tracked[0].Variant != "live-server" || cfg.Tracked[1].Distro != "arch" {
		t.Errorf("Tracked = %+v", cfg.Tracked)
	}
	if !cfg.AutoApprove {
		t.Error("AutoApprove not set")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	doc := `
archive:
  keep_latest: 0
`
	path := filepath.Join(t.TempDir(), "isod.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for keep_latest: 0")
	}
}

func TestValidateRequiresTrackedDistro(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracked = []TrackedConfig{{Arch: "amd64"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for tracked entry without distro")
	}
}

func TestLoadParsesWantedSet(t *testing.T) {
	doc := `
drive:
  mount_path: /media/boot-drive
  wanted:
    - distro: ubuntu
      variant: live-server
    - distro: fedora
`
	path := filepath.Join(t.TempDir(), "isod.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Drive.Wanted) != 2 || cfg.Drive.Wanted[0].Variant != "live-server" {
		t.Errorf("Wanted = %+v", cfg.Drive.Wanted)
	}
}

func TestValidateRequiresWantedDistro(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Drive.Wanted = []WantedConfig{{Arch: "amd64"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for wanted entry without distro")
	}
}

func TestWantedConfigMatches(t *testing.T) {
	w := WantedConfig{Distro: "Ubuntu", Arch: "amd64"}
	if !w.Matches("ubuntu", "24.04", "amd64", "desktop") {
		t.Error("case-insensitive distro match rejected")
	}
	if w.Matches("ubuntu", "24.04", "arm64", "desktop") {
		t.Error("other arch accepted")
	}

	pinned := WantedConfig{Distro: "debian", Version: "12.5.0"}
	if !pinned.Matches("debian", "12.5.0", "amd64", "netinst") {
		t.Error("pinned version rejected")
	}
	if pinned.Matches("debian", "12.6.0", "amd64", "netinst") {
		t.Error("other version accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
