package export

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/airone01/isod/internal/archive"
	"github.com/airone01/isod/internal/fetch"
	"github.com/airone01/isod/internal/naming"
)

func testArchive(t *testing.T) *archive.Archive {
	t.Helper()
	s := naming.NewScheme()
	s.RegisterDistro("testos", false)
	a, err := archive.Open(t.TempDir(), s, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func admit(t *testing.T, a *archive.Archive, version string, content []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged.iso")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	staged := &fetch.StagedFile{
		Identity: naming.Identity{Distro: "testos", Version: version, Arch: "x86_64", Variant: "minimal"},
		Path:     path,
		Size:     int64(len(content)),
		Digest:   hex.EncodeToString(sum[:]),
	}
	if _, err := a.Admit(context.Background(), staged, time.Time{}); err != nil {
		t.Fatal(err)
	}
}

func TestExportSplitsAndManifests(t *testing.T) {
	a := testArchive(t)
	admit(t, a, "1", []byte("first image contents here"))
	admit(t, a, "2", []byte("second image contents here"))

	outDir := t.TempDir()
	report, err := New(a, nil).Export(context.Background(), Options{
		OutputDir: outDir,
		SplitSize: 30, // forces one image per volume
	})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	if report.TotalImages != 2 {
		t.Errorf("TotalImages = %d", report.TotalImages)
	}
	if len(report.Archives) != 2 {
		t.Fatalf("expected 2 volumes, got %d", len(report.Archives))
	}

	for _, vol := range report.Archives {
		if _, err := os.Stat(filepath.Join(outDir, vol.Name)); err != nil {
			t.Errorf("volume missing: %v", err)
		}
		sidecar, err := os.ReadFile(filepath.Join(outDir, vol.Name+".sha256"))
		if err != nil {
			t.Fatalf("sidecar missing: %v", err)
		}
		if string(sidecar) != vol.SHA256+"  "+vol.Name+"\n" {
			t.Errorf("sidecar content = %q", sidecar)
		}
	}

	data, err := os.ReadFile(report.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	var m TransferManifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("manifest is not valid JSON: %v", err)
	}
	if m.TotalArchives != 2 || len(m.Images) != 2 {
		t.Errorf("manifest = %+v", m)
	}
	if m.Images[0].Distro != "testos" {
		t.Errorf("inventory entry = %+v", m.Images[0])
	}
}

func TestExportRoundTrip(t *testing.T) {
	a := testArchive(t)
	content := []byte("round trip me")
	admit(t, a, "1", content)

	outDir := t.TempDir()
	report, err := New(a, nil).Export(context.Background(), Options{OutputDir: outDir, SplitSize: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(outDir, report.Archives[0].Name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Name != "testos-1-x86_64-minimal.iso" {
		t.Errorf("tar entry = %q", hdr.Name)
	}
	extracted, err := io.ReadAll(tr)
	if err != nil {
		t.Fatal(err)
	}
	if string(extracted) != string(content) {
		t.Error("extracted content mismatch")
	}
}

func TestExportEmptyArchive(t *testing.T) {
	a := testArchive(t)
	if _, err := New(a, nil).Export(context.Background(), Options{OutputDir: t.TempDir(), SplitSize: 100}); err == nil {
		t.Fatal("expected error for empty archive")
	}
}

func TestExportRejectsBadSplitSize(t *testing.T) {
	a := testArchive(t)
	if _, err := New(a, nil).Export(context.Background(), Options{OutputDir: t.TempDir(), SplitSize: 0}); err == nil {
		t.Fatal("expected error for zero split size")
	}
}
