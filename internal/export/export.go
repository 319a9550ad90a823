// Package export packs the archive into split tar.zst volumes plus a
// manifest, for carrying the whole collection to another machine in
// one shot instead of syncing drive by drive.
package export

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/airone01/isod/internal/archive"
)

// Options configures an export operation.
type Options struct {
	OutputDir string
	SplitSize int64
	Distro    string // empty exports everything
}

// Report summarizes a completed export.
type Report struct {
	Archives     []ManifestArchive
	TotalImages  int
	TotalSize    int64
	ManifestPath string
	Duration     time.Duration
}

// Exporter reads images out of an archive.
type Exporter struct {
	archive *archive.Archive
	logger  *slog.Logger
}

// New creates an exporter over an open archive.
func New(a *archive.Archive, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{archive: a, logger: logger}
}

// Export writes split tar.zst volumes of the archived images into the
// output directory, each with a .sha256 sidecar, plus a JSON manifest
// listing every image and volume digest.
func (e *Exporter) Export(ctx context.Context, opts Options) (*Report, error) {
	startTime := time.Now()

	if opts.SplitSize <= 0 {
		return nil, fmt.Errorf("split size must be positive")
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	records, err := e.archive.Index().ListImages(opts.Distro)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no images to export")
	}

	archiveNum := 1
	currentSize := int64(0)
	var archives []ManifestArchive
	var currentFiles []string

	var tarWriter *tar.Writer
	var zstdWriter *zstd.Encoder
	var archiveFile *os.File
	var archivePath string

	openVolume := func() error {
		name := fmt.Sprintf("isod-transfer-%03d.tar.zst", archiveNum)
		archivePath = filepath.Join(opts.OutputDir, name)

		var err error
		archiveFile, err = os.Create(archivePath)
		if err != nil {
			return fmt.Errorf("creating volume %s: %w", name, err)
		}
		zstdWriter, err = zstd.NewWriter(archiveFile)
		if err != nil {
			_ = archiveFile.Close()
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		tarWriter = tar.NewWriter(zstdWriter)
		currentFiles = nil
		currentSize = 0
		return nil
	}

	closeVolume := func() (*ManifestArchive, error) {
		if tarWriter == nil {
			return nil, nil
		}
		if err := tarWriter.Close(); err != nil {
			return nil, fmt.Errorf("closing tar writer: %w", err)
		}
		if err := zstdWriter.Close(); err != nil {
			return nil, fmt.Errorf("closing zstd writer: %w", err)
		}
		if err := archiveFile.Close(); err != nil {
			return nil, fmt.Errorf("closing volume file: %w", err)
		}

		hash, size, err := hashFile(archivePath)
		if err != nil {
			return nil, fmt.Errorf("hashing volume: %w", err)
		}

		name := filepath.Base(archivePath)
		info := &ManifestArchive{Name: name, Size: size, SHA256: hash, Files: currentFiles}

		sidecar := archivePath + ".sha256"
		content := fmt.Sprintf("%s  %s\n", hash, name)
		if err := os.WriteFile(sidecar, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("writing sha256 sidecar: %w", err)
		}

		tarWriter = nil
		zstdWriter = nil
		archiveFile = nil
		archiveNum++
		return info, nil
	}

	if err := openVolume(); err != nil {
		return nil, err
	}

	var totalSize int64
	for _, rec := range records {
		select {
		case <-ctx.Done():
			if tarWriter != nil {
				_ = tarWriter.Close()
				_ = zstdWriter.Close()
				_ = archiveFile.Close()
			}
			return nil, ctx.Err()
		default:
		}

		// Roll to the next volume when this image would overflow it. A
		// single image larger than the split size still has to go
		// somewhere, so an empty volume always accepts it.
		if currentSize > 0 && currentSize+rec.Size > opts.SplitSize {
			info, err := closeVolume()
			if err != nil {
				return nil, err
			}
			archives = append(archives, *info)
			if err := openVolume(); err != nil {
				return nil, err
			}
		}

		src := e.archive.ImagePath(rec.CanonicalName)
		if err := addFileToTar(tarWriter, src, rec.CanonicalName); err != nil {
			return nil, fmt.Errorf("adding %s to volume: %w", rec.CanonicalName, err)
		}
		currentFiles = append(currentFiles, rec.CanonicalName)
		currentSize += rec.Size
		totalSize += rec.Size
	}

	info, err := closeVolume()
	if err != nil {
		return nil, err
	}
	if info != nil {
		archives = append(archives, *info)
	}

	hostname, _ := os.Hostname()
	images := make([]ManifestImage, 0, len(records))
	for _, rec := range records {
		images = append(images, ManifestImage{
			Name:    rec.CanonicalName,
			Distro:  rec.Distro,
			Version: rec.Version,
			Arch:    rec.Arch,
			Variant: rec.Variant,
			Size:    rec.Size,
			Digest:  rec.Digest,
		})
	}

	manifest := &TransferManifest{
		Version:       "1.0",
		Created:       time.Now().UTC(),
		SourceHost:    hostname,
		Archives:      archives,
		TotalArchives: len(archives),
		TotalSize:     totalSize,
		Images:        images,
	}

	manifestPath := filepath.Join(opts.OutputDir, "isod-manifest.json")
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, manifestData, 0o644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	manifestHash, _, err := hashFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("hashing manifest: %w", err)
	}
	sidecarContent := fmt.Sprintf("%s  %s\n", manifestHash, "isod-manifest.json")
	if err := os.WriteFile(manifestPath+".sha256", []byte(sidecarContent), 0o644); err != nil {
		return nil, fmt.Errorf("writing manifest sha256: %w", err)
	}

	duration := time.Since(startTime)
	e.logger.Info("export completed",
		"volumes", len(archives),
		"images", len(records),
		"total_size", totalSize,
		"duration", duration,
	)

	return &Report{
		Archives:     archives,
		TotalImages:  len(records),
		TotalSize:    totalSize,
		ManifestPath: manifestPath,
		Duration:     duration,
	}, nil
}

func addFileToTar(tw *tar.Writer, srcPath, tarPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    tarPath,
		Size:    stat.Size(),
		Mode:    int64(stat.Mode()),
		ModTime: stat.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
