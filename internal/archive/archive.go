// Package archive is the content-addressed local store of verified
// images. Bytes live once under blobs/<digest>; every archived release
// is a hardlink under images/ carrying its canonical filename. The
// SQLite index is a queryable cache over that layout and can always be
// rebuilt from it.
package archive

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/airone01/isod/internal/fetch"
	"github.com/airone01/isod/internal/naming"
)

const (
	blobsDir      = "blobs"
	imagesDir     = "images"
	quarantineDir = "quarantine"
	indexFile     = "index.db"
	lockFile      = ".lock"
)

// ErrLocked means another process holds the archive lock.
var ErrLocked = errors.New("archive is locked by another process")

// Archive owns one archive root directory. All mutation goes through
// it; admission within one family is serialized so retention decisions
// never race.
type Archive struct {
	root      string
	scheme    *naming.Scheme
	orderings map[string]naming.Ordering
	index     *Index
	lock      *flock.Flock
	logger    *slog.Logger

	mu       sync.Mutex
	families map[string]*sync.Mutex
}

// Stats summarizes archive contents.
type Stats struct {
	Images      int
	BlobBytes   int64
	Quarantined int
}

// Finding is one verification result for a damaged image.
type Finding struct {
	CanonicalName string
	Digest        string
	Reason        string // "missing" or "digest_mismatch"
}

// Open acquires the archive at root, creating the layout on first use.
// Orderings map distro names to their version ordering; unknown distros
// fall back to numeric. The flock is held until Close.
func Open(root string, scheme *naming.Scheme, orderings map[string]naming.Ordering, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{root, filepath.Join(root, blobsDir), filepath.Join(root, imagesDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating archive layout: %w", err)
		}
	}

	lock := flock.New(filepath.Join(root, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring archive lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	index, err := NewIndex(filepath.Join(root, indexFile), logger)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	return &Archive{
		root:      root,
		scheme:    scheme,
		orderings: orderings,
		index:     index,
		lock:      lock,
		logger:    logger,
		families:  make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the lock and the index.
func (a *Archive) Close() error {
	err := a.index.Close()
	if uerr := a.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Index exposes read access to the underlying index.
func (a *Archive) Index() *Index { return a.index }

// Root returns the archive root directory.
func (a *Archive) Root() string { return a.root }

// ImagePath returns the path of an archived image by canonical name.
func (a *Archive) ImagePath(canonicalName string) string {
	return filepath.Join(a.root, imagesDir, canonicalName)
}

func (a *Archive) blobPath(digest string) string {
	return filepath.Join(a.root, blobsDir, digest)
}

func (a *Archive) familyLock(f naming.Family) *sync.Mutex {
	key := f.Distro + "\x00" + f.Arch + "\x00" + f.Variant
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.families[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	a.families[key] = m
	return m
}

func (a *Archive) ordering(distro string) naming.Ordering {
	if ord, ok := a.orderings[distro]; ok {
		return ord
	}
	return naming.OrderingNumeric
}

// Has reports whether a release is already archived.
func (a *Archive) Has(id naming.Identity) (bool, error) {
	name, err := a.scheme.Format(id)
	if err != nil {
		return false, err
	}
	_, err = a.index.GetImage(name)
	if errors.Is(err, ErrImageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Admit moves a staged file into the archive. The blob is stored once;
// a second identity with identical content gets a second hardlink, not
// a second copy. Admitting an identity that is already archived with
// the same digest is a no-op that removes the staged duplicate.
func (a *Archive) Admit(ctx context.Context, staged *fetch.StagedFile, publishedAt time.Time) (*ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, err := a.scheme.Format(staged.Identity)
	if err != nil {
		return nil, fmt.Errorf("refusing to admit unnameable release: %w", err)
	}

	lock := a.familyLock(staged.Identity.Family())
	lock.Lock()
	defer lock.Unlock()

	if existing, err := a.index.GetImage(name); err == nil {
		if existing.Digest == staged.Digest {
			a.logger.Debug("release already archived", "name", name)
			_ = os.Remove(staged.Path)
			return existing, nil
		}
		// Same identity, different content: upstream republished. The
		// new digest was verified against the current checksum artifact,
		// so it wins.
		a.logger.Warn("replacing republished release", "name", name,
			"old_digest", existing.Digest, "new_digest", staged.Digest)
		if err := a.removeImage(*existing); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, ErrImageNotFound) {
		return nil, err
	}

	blob := a.blobPath(staged.Digest)
	if _, err := os.Stat(blob); err == nil {
		// Content already stored under another name.
		if err := os.Remove(staged.Path); err != nil {
			return nil, fmt.Errorf("removing duplicate staged file: %w", err)
		}
	} else {
		if err := moveFile(staged.Path, blob); err != nil {
			return nil, fmt.Errorf("storing blob: %w", err)
		}
	}

	linkPath := a.ImagePath(name)
	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clearing stale image link: %w", err)
	}
	if err := os.Link(blob, linkPath); err != nil {
		return nil, fmt.Errorf("linking image name: %w", err)
	}

	now := time.Now().UTC()
	if publishedAt.IsZero() {
		publishedAt = now
	}
	algo := staged.Algo
	if algo == "" {
		algo = "sha256"
	}
	rec := &ImageRecord{
		Distro:        staged.Identity.Distro,
		Version:       staged.Identity.Version,
		Arch:          staged.Identity.Arch,
		Variant:       staged.Identity.Variant,
		CanonicalName: name,
		Size:          staged.Size,
		Algo:          algo,
		Digest:        staged.Digest,
		AddedAt:       now,
		PublishedAt:   publishedAt,
		LastVerified:  now,
	}
	if err := a.index.UpsertImage(rec); err != nil {
		return nil, err
	}
	a.logger.Info("admitted image", "name", name, "size", rec.Size)
	return rec, nil
}

// EnforceRetention trims every family down to its newest keep releases
// under the distro's version ordering. Blobs are removed only when the
// last name referencing them goes away. keep < 1 keeps everything.
func (a *Archive) EnforceRetention(keep int) (removed []string, err error) {
	if keep < 1 {
		return nil, nil
	}

	all, err := a.index.ListImages("")
	if err != nil {
		return nil, err
	}
	families := make(map[naming.Family]bool)
	for _, rec := range all {
		families[naming.Family{Distro: rec.Distro, Arch: rec.Arch, Variant: rec.Variant}] = true
	}

	for fam := range families {
		lock := a.familyLock(fam)
		lock.Lock()
		victims, ferr := a.trimFamily(fam, keep)
		lock.Unlock()
		if ferr != nil {
			return removed, ferr
		}
		removed = append(removed, victims...)
	}
	sort.Strings(removed)
	return removed, nil
}

func (a *Archive) trimFamily(fam naming.Family, keep int) ([]string, error) {
	records, err := a.index.ListFamily(fam.Distro, fam.Arch, fam.Variant)
	if err != nil {
		return nil, err
	}
	if len(records) <= keep {
		return nil, nil
	}

	ord := a.ordering(fam.Distro)
	sort.Slice(records, func(i, j int) bool {
		return naming.CompareVersions(ord, records[i].Version, records[j].Version) > 0
	})

	var removed []string
	for _, rec := range records[keep:] {
		if err := a.removeImage(rec); err != nil {
			return removed, err
		}
		removed = append(removed, rec.CanonicalName)
		a.logger.Info("retired image", "name", rec.CanonicalName, "version", rec.Version)
	}
	return removed, nil
}

// removeImage drops the name link and record, and the blob once nothing
// references it anymore.
func (a *Archive) removeImage(rec ImageRecord) error {
	if err := os.Remove(a.ImagePath(rec.CanonicalName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing image link: %w", err)
	}
	if err := a.index.DeleteImage(rec.CanonicalName); err != nil && !errors.Is(err, ErrImageNotFound) {
		return err
	}
	refs, err := a.index.CountByDigest(rec.Digest)
	if err != nil {
		return err
	}
	if refs == 0 {
		if err := os.Remove(a.blobPath(rec.Digest)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing unreferenced blob: %w", err)
		}
	}
	return nil
}

// GC removes blobs no record references and image links the index does
// not know about. It returns what was deleted.
func (a *Archive) GC(ctx context.Context) (blobs, links []string, err error) {
	entries, err := os.ReadDir(filepath.Join(a.root, blobsDir))
	if err != nil {
		return nil, nil, fmt.Errorf("scanning blobs: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return blobs, links, err
		}
		if e.IsDir() {
			continue
		}
		refs, err := a.index.CountByDigest(e.Name())
		if err != nil {
			return blobs, links, err
		}
		if refs == 0 {
			if err := os.Remove(a.blobPath(e.Name())); err != nil {
				return blobs, links, fmt.Errorf("removing orphan blob: %w", err)
			}
			blobs = append(blobs, e.Name())
		}
	}

	entries, err = os.ReadDir(filepath.Join(a.root, imagesDir))
	if err != nil {
		return blobs, links, fmt.Errorf("scanning images: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_, err := a.index.GetImage(e.Name())
		if errors.Is(err, ErrImageNotFound) {
			if rerr := os.Remove(a.ImagePath(e.Name())); rerr != nil {
				return blobs, links, fmt.Errorf("removing orphan link: %w", rerr)
			}
			links = append(links, e.Name())
			continue
		}
		if err != nil {
			return blobs, links, err
		}
	}
	if len(blobs) > 0 || len(links) > 0 {
		a.logger.Info("garbage collected", "blobs", len(blobs), "links", len(links))
	}
	return blobs, links, nil
}

// Verify rehashes every archived image. Content that no longer matches
// its recorded digest is moved into quarantine/ and dropped from the
// index; it is never silently deleted. Missing files are reported but
// leave the index untouched so Rebuild or a re-fetch can repair them.
func (a *Archive) Verify(ctx context.Context) ([]Finding, error) {
	records, err := a.index.ListImages("")
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		path := a.ImagePath(rec.CanonicalName)
		digest, err := hashFile(path, rec.Algo)
		if os.IsNotExist(err) {
			findings = append(findings, Finding{CanonicalName: rec.CanonicalName, Digest: rec.Digest, Reason: "missing"})
			continue
		}
		if err != nil {
			return findings, fmt.Errorf("verifying %s: %w", rec.CanonicalName, err)
		}

		if digest != rec.Digest {
			if err := a.quarantine(rec, digest); err != nil {
				return findings, err
			}
			findings = append(findings, Finding{CanonicalName: rec.CanonicalName, Digest: rec.Digest, Reason: "digest_mismatch"})
			continue
		}
		if err := a.index.TouchVerified(rec.CanonicalName); err != nil {
			return findings, err
		}
	}
	return findings, nil
}

func (a *Archive) quarantine(rec ImageRecord, gotDigest string) error {
	qdir := filepath.Join(a.root, quarantineDir)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return fmt.Errorf("creating quarantine directory: %w", err)
	}
	if err := os.Rename(a.ImagePath(rec.CanonicalName), filepath.Join(qdir, rec.CanonicalName)); err != nil {
		return fmt.Errorf("quarantining %s: %w", rec.CanonicalName, err)
	}
	if err := a.index.DeleteImage(rec.CanonicalName); err != nil && !errors.Is(err, ErrImageNotFound) {
		return err
	}
	// A corrupted hardlink means the shared blob is corrupted too.
	if err := os.Remove(a.blobPath(rec.Digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing corrupted blob: %w", err)
	}
	a.logger.Error("image failed verification, quarantined",
		"name", rec.CanonicalName, "expected", rec.Digest, "got", gotDigest)
	return a.index.AddQuarantine(&QuarantineRecord{
		CanonicalName: rec.CanonicalName,
		Digest:        rec.Digest,
		Reason:        fmt.Sprintf("digest mismatch: got %s", gotDigest),
	})
}

// Rebuild reconstructs the index from the filesystem. Every parseable
// file under images/ is rehashed and reindexed; files whose names do
// not parse are left alone and logged.
func (a *Archive) Rebuild(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(filepath.Join(a.root, imagesDir))
	if err != nil {
		return 0, fmt.Errorf("scanning images: %w", err)
	}
	if err := a.index.Clear(); err != nil {
		return 0, err
	}

	count := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if e.IsDir() {
			continue
		}

		id, err := a.scheme.Parse(e.Name())
		if err != nil {
			a.logger.Warn("skipping unrecognized file during rebuild", "name", e.Name(), "error", err)
			continue
		}

		path := a.ImagePath(e.Name())
		digest, err := hashFile(path, "sha256")
		if err != nil {
			return count, fmt.Errorf("hashing %s: %w", e.Name(), err)
		}
		fi, err := os.Stat(path)
		if err != nil {
			return count, err
		}

		// Restore the blob if it went missing; the hardlink still holds
		// the content.
		blob := a.blobPath(digest)
		if _, err := os.Stat(blob); os.IsNotExist(err) {
			if lerr := os.Link(path, blob); lerr != nil {
				return count, fmt.Errorf("relinking blob: %w", lerr)
			}
		}

		now := time.Now().UTC()
		rec := &ImageRecord{
			Distro:        id.Distro,
			Version:       id.Version,
			Arch:          id.Arch,
			Variant:       id.Variant,
			CanonicalName: e.Name(),
			Size:          fi.Size(),
			Algo:          "sha256",
			Digest:        digest,
			AddedAt:       now,
			PublishedAt:   fi.ModTime().UTC(),
			LastVerified:  now,
		}
		if err := a.index.UpsertImage(rec); err != nil {
			return count, err
		}
		count++
	}
	a.logger.Info("index rebuilt", "images", count)
	return count, nil
}

// Stats returns archive totals.
func (a *Archive) Stats() (Stats, error) {
	images, err := a.index.CountImages()
	if err != nil {
		return Stats{}, err
	}
	bytes, err := a.index.SumBlobSize()
	if err != nil {
		return Stats{}, err
	}
	quarantined, err := a.index.ListQuarantined()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Images: images, BlobBytes: bytes, Quarantined: len(quarantined)}, nil
}

// moveFile renames src to dst, falling back to copy-and-remove when the
// staging directory lives on a different filesystem.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func hashFile(path, algo string) (string, error) {
	var h hash.Hash
	switch algo {
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", algo)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
