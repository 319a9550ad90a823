// Package drive keeps a removable boot drive in step with the archive.
// Planning is pure and testable; Apply performs removals before copies
// and never overwrites a file in place.
package drive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/airone01/isod/internal/naming"
)

// ManifestName is the digest cache file kept at the drive root. Images
// are multiple gigabytes; rehashing every one of them on every cycle is
// not acceptable, so digests are cached keyed by size and mtime.
const ManifestName = ".isod-manifest.json"

const tmpPrefix = ".isod-tmp-"

// ManifestEntry caches the digest of one file on the drive.
type ManifestEntry struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Digest  string    `json:"digest"`
}

// Manifest is the persisted digest cache for a drive.
type Manifest struct {
	UpdatedAt time.Time                `json:"updated_at"`
	Entries   map[string]ManifestEntry `json:"entries"`
}

// LoadManifest reads the manifest from the drive root. A missing or
// unreadable manifest is an empty cache, never an error: the worst case
// is rehashing.
func LoadManifest(root string, logger *slog.Logger) *Manifest {
	m := &Manifest{Entries: make(map[string]ManifestEntry)}
	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, m); err != nil {
		if logger != nil {
			logger.Warn("ignoring corrupt drive manifest", "error", err)
		}
		return &Manifest{Entries: make(map[string]ManifestEntry)}
	}
	if m.Entries == nil {
		m.Entries = make(map[string]ManifestEntry)
	}
	return m
}

// Save writes the manifest to the drive root via a temp file rename.
func (m *Manifest) Save(root string) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding drive manifest: %w", err)
	}
	tmp := filepath.Join(root, ManifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing drive manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(root, ManifestName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing drive manifest: %w", err)
	}
	return nil
}

// digestFor returns the cached digest when size and mtime still match,
// otherwise hashes the file and refreshes the cache entry.
func (m *Manifest) digestFor(root, name string, fi os.FileInfo) (string, error) {
	if e, ok := m.Entries[name]; ok && e.Size == fi.Size() && e.ModTime.Equal(fi.ModTime()) {
		return e.Digest, nil
	}

	digest, err := hashFile(filepath.Join(root, name))
	if err != nil {
		return "", err
	}
	m.Entries[name] = ManifestEntry{Size: fi.Size(), ModTime: fi.ModTime(), Digest: digest}
	return digest, nil
}

// Forget drops a cache entry after its file was removed.
func (m *Manifest) Forget(name string) {
	delete(m.Entries, name)
}

// Record caches a freshly written file.
func (m *Manifest) Record(root, name, digest string) error {
	fi, err := os.Stat(filepath.Join(root, name))
	if err != nil {
		return err
	}
	m.Entries[name] = ManifestEntry{Size: fi.Size(), ModTime: fi.ModTime(), Digest: digest}
	return nil
}

// PresentImage is one recognized image found on the drive.
type PresentImage struct {
	Name     string
	Identity naming.Identity
	Size     int64
	Digest   string
}

// State is what a drive scan found.
type State struct {
	Present      []PresentImage
	Unrecognized []string // files that are not canonical image names; never touched
	Leftovers    []string // abandoned temp files from interrupted copies
}

// Scan inventories the drive root. Recognized images get their digest
// from the manifest cache, hashing only files the cache cannot vouch
// for. Everything that does not parse as a canonical name is reported
// as unrecognized and will never be removed or overwritten.
func Scan(root string, scheme *naming.Scheme, m *Manifest, logger *slog.Logger) (*State, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scanning drive: %w", err)
	}

	st := &State{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == ManifestName || name == ManifestName+".tmp" {
			continue
		}
		if len(name) > len(tmpPrefix) && name[:len(tmpPrefix)] == tmpPrefix {
			st.Leftovers = append(st.Leftovers, name)
			continue
		}

		id, perr := scheme.Parse(name)
		if perr != nil {
			st.Unrecognized = append(st.Unrecognized, name)
			continue
		}

		fi, err := e.Info()
		if err != nil {
			return nil, err
		}
		digest, err := m.digestFor(root, name, fi)
		if err != nil {
			return nil, fmt.Errorf("hashing drive file %s: %w", name, err)
		}
		st.Present = append(st.Present, PresentImage{
			Name:     name,
			Identity: id,
			Size:     fi.Size(),
			Digest:   digest,
		})
	}

	sort.Slice(st.Present, func(i, j int) bool { return st.Present[i].Name < st.Present[j].Name })
	sort.Strings(st.Unrecognized)
	if logger != nil {
		logger.Debug("drive scanned", "present", len(st.Present), "unrecognized", len(st.Unrecognized))
	}
	return st, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
