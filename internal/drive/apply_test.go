package drive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/airone01/isod/internal/naming"
)

func testScheme() *naming.Scheme {
	s := naming.NewScheme()
	s.RegisterDistro("testos", false)
	return s
}

func writeArchived(t *testing.T, dir, name string, content []byte) Desired {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := testScheme().Parse(name)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	return Desired{
		Name:       name,
		Identity:   id,
		Size:       int64(len(content)),
		Digest:     hex.EncodeToString(sum[:]),
		SourcePath: path,
	}
}

func TestApplyCopiesAndRemoves(t *testing.T) {
	archiveDir := t.TempDir()
	driveDir := t.TempDir()

	stale := filepath.Join(driveDir, "testos-1-x86_64-minimal.iso")
	if err := os.WriteFile(stale, []byte("obsolete"), 0o644); err != nil {
		t.Fatal(err)
	}
	want := writeArchived(t, archiveDir, "testos-2-x86_64-minimal.iso", []byte("fresh release"))

	m := LoadManifest(driveDir, nil)
	state, err := Scan(driveDir, testScheme(), m, nil)
	if err != nil {
		t.Fatal(err)
	}
	plan := BuildPlan([]Desired{want}, state, 1<<30, nil)

	res, err := Apply(context.Background(), driveDir, plan, m, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("apply reported failures: %v", err)
	}
	if len(res.Copied) != 1 || len(res.Removed) != 1 {
		t.Errorf("copied=%v removed=%v", res.Copied, res.Removed)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale image still on drive")
	}
	got, err := os.ReadFile(filepath.Join(driveDir, want.Name))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "fresh release" {
		t.Error("copied content mismatch")
	}
	if _, err := os.Stat(filepath.Join(driveDir, ManifestName)); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}

func TestApplyThenReplanIsIdempotent(t *testing.T) {
	archiveDir := t.TempDir()
	driveDir := t.TempDir()
	want := []Desired{
		writeArchived(t, archiveDir, "testos-1-x86_64-minimal.iso", []byte("one")),
		writeArchived(t, archiveDir, "testos-2-x86_64-minimal.iso", []byte("two")),
	}

	m := LoadManifest(driveDir, nil)
	state, err := Scan(driveDir, testScheme(), m, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Apply(context.Background(), driveDir, BuildPlan(want, state, 1<<30, nil), m, nil); err != nil {
		t.Fatal(err)
	}

	m2 := LoadManifest(driveDir, nil)
	state2, err := Scan(driveDir, testScheme(), m2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan := BuildPlan(want, state2, 1<<30, nil); !plan.Empty() {
		t.Errorf("second plan not empty: %+v", plan)
	}
}

func TestApplyRejectsCorruptedCopy(t *testing.T) {
	archiveDir := t.TempDir()
	driveDir := t.TempDir()

	item := writeArchived(t, archiveDir, "testos-1-x86_64-minimal.iso", []byte("real content"))
	item.Digest = "0000000000000000000000000000000000000000000000000000000000000000"

	m := LoadManifest(driveDir, nil)
	res, err := Apply(context.Background(), driveDir, Plan{Copy: []Desired{item}}, m, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Err() == nil {
		t.Fatal("expected post-copy verification failure")
	}
	if _, err := os.Stat(filepath.Join(driveDir, item.Name)); !os.IsNotExist(err) {
		t.Error("unverified file left under its final name")
	}
	entries, _ := os.ReadDir(driveDir)
	for _, e := range entries {
		if e.Name() != ManifestName {
			t.Errorf("unexpected file on drive after failed copy: %s", e.Name())
		}
	}
}

func TestApplyContinuesAfterFailure(t *testing.T) {
	archiveDir := t.TempDir()
	driveDir := t.TempDir()

	broken := writeArchived(t, archiveDir, "testos-1-x86_64-minimal.iso", []byte("a"))
	os.Remove(broken.SourcePath) // source vanishes before the copy
	good := writeArchived(t, archiveDir, "testos-2-x86_64-minimal.iso", []byte("b"))

	m := LoadManifest(driveDir, nil)
	res, err := Apply(context.Background(), driveDir, Plan{Copy: []Desired{broken, good}}, m, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 1 {
		t.Errorf("Failed = %v", res.Failed)
	}
	if len(res.Copied) != 1 || res.Copied[0] != good.Name {
		t.Errorf("Copied = %v, the healthy image should still land", res.Copied)
	}
}

func TestScanClassifiesFiles(t *testing.T) {
	driveDir := t.TempDir()
	files := map[string][]byte{
		"testos-1-x86_64-minimal.iso": []byte("image"),
		"memtest86.bin":               []byte("other tool"),
		tmpPrefix + "half.iso":        []byte("interrupted"),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(driveDir, name), content, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := LoadManifest(driveDir, nil)
	state, err := Scan(driveDir, testScheme(), m, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(state.Present) != 1 || state.Present[0].Name != "testos-1-x86_64-minimal.iso" {
		t.Errorf("Present = %+v", state.Present)
	}
	sum := sha256.Sum256([]byte("image"))
	if state.Present[0].Digest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest = %q", state.Present[0].Digest)
	}
	if len(state.Unrecognized) != 1 || state.Unrecognized[0] != "memtest86.bin" {
		t.Errorf("Unrecognized = %v", state.Unrecognized)
	}
	if len(state.Leftovers) != 1 {
		t.Errorf("Leftovers = %v", state.Leftovers)
	}
}

func TestManifestCachesDigests(t *testing.T) {
	driveDir := t.TempDir()
	name := "testos-1-x86_64-minimal.iso"
	if err := os.WriteFile(filepath.Join(driveDir, name), []byte("cache me"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := LoadManifest(driveDir, nil)
	if _, err := Scan(driveDir, testScheme(), m, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(driveDir); err != nil {
		t.Fatal(err)
	}

	reloaded := LoadManifest(driveDir, nil)
	e, ok := reloaded.Entries[name]
	if !ok {
		t.Fatal("manifest entry missing after reload")
	}
	sum := sha256.Sum256([]byte("cache me"))
	if e.Digest != hex.EncodeToString(sum[:]) {
		t.Errorf("cached digest = %q", e.Digest)
	}
}
