package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/airone01/isod/internal/naming"
)

func TestBuiltinEntriesValidate(t *testing.T) {
	c, err := Builtin()
	if err != nil {
		t.Fatalf("builtin catalog failed validation: %v", err)
	}
	for _, name := range []string{"ubuntu", "fedora", "debian", "arch"} {
		if _, ok := c.Get(name); !ok {
			t.Errorf("missing builtin entry %q", name)
		}
	}
}

func TestGetIsCaseInsensitive(t *testing.T) {
	c, err := Builtin()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("Ubuntu"); !ok {
		t.Error("expected case-insensitive lookup to succeed")
	}
}

func TestValidateRejectsBadEntries(t *testing.T) {
	base := BuiltinEntries()[0]

	broken := base
	broken.Discovery = Discovery{Strategy: StrategyListing} // missing URL and pattern
	if _, err := New(broken); err == nil {
		t.Error("expected listing entry without URL to fail validation")
	}

	broken = base
	broken.Discovery.VersionPattern = `\d+\.\d+` // no capture group
	if _, err := New(broken); err == nil {
		t.Error("expected pattern without capture group to fail validation")
	}

	broken = base
	broken.Ordering = "alphabetical"
	if _, err := New(broken); err == nil {
		t.Error("expected unknown ordering to fail validation")
	}
}

func TestSchemeCoversEntries(t *testing.T) {
	c, err := Builtin()
	if err != nil {
		t.Fatal(err)
	}
	s := c.Scheme()

	// Greedy variant flows through to parsing.
	id, err := s.Parse("ubuntu-24.04-amd64-live-server.iso")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if id.Variant != "live-server" {
		t.Errorf("variant = %q, want live-server", id.Variant)
	}
	if !s.Known("fedora") || s.Known("gentoo") {
		t.Error("scheme should know exactly the cataloged distros")
	}
}

func TestExpandTemplate(t *testing.T) {
	got := ExpandTemplate("https://example.com/{version}/{arch}/{filename}", "40", "x86_64", "", "img.iso")
	want := "https://example.com/40/x86_64/img.iso"
	if got != want {
		t.Errorf("ExpandTemplate = %q, want %q", got, want)
	}
}

func TestUpstreamFilename(t *testing.T) {
	e, _ := mustBuiltin(t).Get("ubuntu")
	got := e.UpstreamFilename("24.04.1", "amd64", "desktop")
	if got != "ubuntu-24.04.1-desktop-amd64.iso" {
		t.Errorf("UpstreamFilename = %q", got)
	}
}

func TestLoadOverlay(t *testing.T) {
	doc := `
distros:
  - distro: alpine
    ordering: numeric
    architectures: [x86_64]
    variants: [standard, extended]
    discovery:
      strategy: listing
      listing_url: https://dl-cdn.alpinelinux.org/alpine/
      version_pattern: 'href="v(\d+\.\d+)/"'
    upstream_pattern: alpine-{variant}-{version}-{arch}.iso
    download_url: https://dl-cdn.alpinelinux.org/alpine/v{version}/releases/{arch}/{filename}
    checksum_urls:
      - https://dl-cdn.alpinelinux.org/alpine/v{version}/releases/{arch}/{filename}.sha256
`
	path := filepath.Join(t.TempDir(), "distros.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := LoadOverlay(path)
	if err != nil {
		t.Fatalf("LoadOverlay failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Distro != "alpine" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	// Overlay entries merge on top of the builtins.
	c, err := New(append(BuiltinEntries(), entries...)...)
	if err != nil {
		t.Fatalf("merged catalog failed validation: %v", err)
	}
	e, ok := c.Get("alpine")
	if !ok {
		t.Fatal("overlay distro missing from merged catalog")
	}
	if e.DefaultVariant != "standard" {
		t.Errorf("DefaultVariant = %q, want first listed variant", e.DefaultVariant)
	}
	if e.Ordering != naming.OrderingNumeric {
		t.Errorf("Ordering = %q", e.Ordering)
	}
}

func mustBuiltin(t *testing.T) *Catalog {
	t.Helper()
	c, err := Builtin()
	if err != nil {
		t.Fatal(err)
	}
	return c
}
