package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/airone01/isod/internal/safety"
)

// ApplyResult reports what Apply actually changed.
type ApplyResult struct {
	Copied      []string
	Removed     []string
	BytesCopied int64
	Failed      []error
}

// Apply executes a plan against the drive root. Removals run first so
// the space they free is available to the copies. Every copy goes
// through a temp file, is rehashed after writing, and only then renamed
// to its final name; an interrupted or failed copy leaves at worst a
// temp file that the next scan cleans up. One failed file does not stop
// the rest.
func Apply(ctx context.Context, root string, plan Plan, m *Manifest, logger *slog.Logger) (*ApplyResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := &ApplyResult{}

	for _, name := range plan.CleanTemp {
		if err := os.Remove(filepath.Join(root, name)); err != nil && !os.IsNotExist(err) {
			res.Failed = append(res.Failed, fmt.Errorf("cleaning %s: %w", name, err))
		}
	}

	for _, name := range plan.Remove {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := os.Remove(filepath.Join(root, name)); err != nil && !os.IsNotExist(err) {
			res.Failed = append(res.Failed, fmt.Errorf("removing %s: %w", name, err))
			continue
		}
		m.Forget(name)
		res.Removed = append(res.Removed, name)
		logger.Info("removed from drive", "name", name)
	}

	for _, item := range plan.Copy {
		if err := ctx.Err(); err != nil {
			if serr := m.Save(root); serr != nil {
				logger.Warn("failed to save drive manifest", "error", serr)
			}
			return res, err
		}
		if err := copyVerified(root, item); err != nil {
			res.Failed = append(res.Failed, fmt.Errorf("copying %s: %w", item.Name, err))
			logger.Error("drive copy failed", "name", item.Name, "error", err)
			continue
		}
		if err := m.Record(root, item.Name, item.Digest); err != nil {
			res.Failed = append(res.Failed, err)
			continue
		}
		res.Copied = append(res.Copied, item.Name)
		res.BytesCopied += item.Size
		logger.Info("copied to drive", "name", item.Name, "size", item.Size)
	}

	if err := m.Save(root); err != nil {
		res.Failed = append(res.Failed, err)
	}
	return res, nil
}

// Err folds per-file failures into one error, nil when everything
// succeeded.
func (r *ApplyResult) Err() error {
	return errors.Join(r.Failed...)
}

func copyVerified(root string, item Desired) error {
	finalPath, err := safety.EnsureUnderRoot(root, filepath.Join(root, item.Name))
	if err != nil {
		return err
	}

	src, err := os.Open(item.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmpPath := filepath.Join(root, tmpPrefix+item.Name)
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// The bytes must be reread from the drive itself; a flaky medium
	// fails here, not on first boot.
	digest, err := hashFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if digest != item.Digest {
		os.Remove(tmpPath)
		return fmt.Errorf("post-copy digest mismatch: got %s, expected %s", digest, item.Digest)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
