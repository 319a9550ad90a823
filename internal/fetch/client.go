// Package fetch downloads release images into a staging directory with
// resume support and mandatory integrity verification. A file only ever
// appears under its final staged name after its digest matched; until
// then it lives in a .part file that later runs resume from.
package fetch

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
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/airone01/isod/internal/naming"
	"github.com/airone01/isod/internal/retry"
	"github.com/airone01/isod/internal/safety"
)

const partSuffix = ".part"

// ProgressFunc reports transfer progress. totalBytes is 0 when the
// server does not announce a length.
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// Request describes one image to stage.
type Request struct {
	Identity       naming.Identity
	CanonicalName  string   // final filename inside the staging directory
	URLs           []string // primary first, mirrors after
	ChecksumAlgo   string
	ChecksumDigest string
	ExpectedSize   int64 // 0 when unknown
	OnProgress     ProgressFunc
}

// StagedFile is a fully downloaded and verified image in staging.
// Digest is always sha256: it is the content identity used for
// deduplication downstream, independent of which algorithm the upstream
// checksum artifact was verified with.
type StagedFile struct {
	Identity naming.Identity
	Path     string
	Size     int64
	Algo     string // "sha256"
	Digest   string
	Resumed  bool
}

// IntegrityError reports a digest mismatch after a complete transfer.
// It is never retried against the same URL: the bytes arrived intact,
// they are simply not the bytes the checksum artifact promised.
type IntegrityError struct {
	URL  string
	Algo string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: %s %s, expected %s", e.URL, e.Algo, e.Got, e.Want)
}

// HTTPError is a non-2xx response from an upstream.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// Client performs staged downloads. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	policy     retry.Policy
	stagingDir string
	userAgent  string
}

// NewClient creates a download client writing into stagingDir.
func NewClient(stagingDir string, policy retry.Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		// No overall timeout: body reads on multi-gigabyte images take as
		// long as they take. Cancellation comes from the context.
		httpClient: safety.NewHTTPClient(30 * time.Second),
		logger:     logger,
		policy:     policy,
		stagingDir: stagingDir,
		userAgent:  "isod/1.0",
	}
}

// Fetch downloads the requested image, verifies its digest, and renames
// it to its canonical staged name. Mirrors are tried in order after the
// primary URL fails. A partial file from an earlier interrupted run is
// resumed with a Range request. Cancellation keeps the partial file.
func (c *Client) Fetch(ctx context.Context, req Request) (*StagedFile, error) {
	if req.CanonicalName == "" {
		return nil, fmt.Errorf("canonical name is required")
	}
	if req.ChecksumDigest == "" {
		return nil, fmt.Errorf("refusing to stage %s without an expected digest", req.CanonicalName)
	}
	if len(req.URLs) == 0 {
		return nil, fmt.Errorf("no download URLs for %s", req.CanonicalName)
	}

	if err := os.MkdirAll(c.stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	finalPath, err := safety.EnsureUnderRoot(c.stagingDir, filepath.Join(c.stagingDir, req.CanonicalName))
	if err != nil {
		return nil, err
	}
	partPath := finalPath + partSuffix

	// An already staged file with the right digest is the idempotent
	// fast path: a crashed run that finished the rename loses no work.
	if fi, err := os.Stat(finalPath); err == nil {
		digest, herr := hashFile(finalPath, req.ChecksumAlgo)
		if herr == nil && digest == req.ChecksumDigest {
			contentDigest, herr := contentHash(finalPath, req.ChecksumAlgo, digest)
			if herr != nil {
				return nil, herr
			}
			return &StagedFile{Identity: req.Identity, Path: finalPath, Size: fi.Size(), Algo: "sha256", Digest: contentDigest}, nil
		}
		c.logger.Warn("discarding stale staged file", "path", finalPath)
		if err := os.Remove(finalPath); err != nil {
			return nil, fmt.Errorf("removing stale staged file: %w", err)
		}
	}

	var lastErr error
	for _, url := range req.URLs {
		staged, err := c.fetchFrom(ctx, url, partPath, finalPath, req)
		if err == nil {
			return staged, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("source failed, trying next", "name", req.CanonicalName, "url", url, "error", err)
	}
	return nil, fmt.Errorf("all sources failed for %s: %w", req.CanonicalName, lastErr)
}

func (c *Client) fetchFrom(ctx context.Context, url, partPath, finalPath string, req Request) (*StagedFile, error) {
	if _, err := safety.ValidateHTTPURL(url); err != nil {
		return nil, err
	}

	var resumed bool
	err := c.policy.Do(ctx, func(attempt int) error {
		offset := int64(0)
		if fi, err := os.Stat(partPath); err == nil {
			// Resume only when the partial is plausibly incomplete.
			if req.ExpectedSize == 0 || fi.Size() < req.ExpectedSize {
				offset = fi.Size()
			} else if err := os.Remove(partPath); err != nil {
				return retry.Fatal(fmt.Errorf("removing oversized partial: %w", err))
			}
		}
		if offset > 0 {
			resumed = true
		}
		return c.transfer(ctx, url, partPath, offset, req)
	})
	if err != nil {
		return nil, err
	}

	digest, err := hashFile(partPath, req.ChecksumAlgo)
	if err != nil {
		return nil, fmt.Errorf("hashing downloaded file: %w", err)
	}
	if digest != req.ChecksumDigest {
		// The partial is poisoned; a resume would rebuild the same bad file.
		_ = os.Remove(partPath)
		return nil, &IntegrityError{URL: url, Algo: req.ChecksumAlgo, Want: req.ChecksumDigest, Got: digest}
	}

	contentDigest, err := contentHash(partPath, req.ChecksumAlgo, digest)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(partPath)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		return nil, fmt.Errorf("promoting staged file: %w", err)
	}
	c.logger.Info("staged image", "name", req.CanonicalName, "size", fi.Size(), "resumed", resumed)

	return &StagedFile{
		Identity: req.Identity,
		Path:     finalPath,
		Size:     fi.Size(),
		Algo:     "sha256",
		Digest:   contentDigest,
		Resumed:  resumed,
	}, nil
}

// contentHash returns the sha256 content identity, reusing the
// verification digest when it already is sha256.
func contentHash(path, verifyAlgo, verifyDigest string) (string, error) {
	if verifyAlgo == "sha256" {
		return verifyDigest, nil
	}
	digest, err := hashFile(path, "sha256")
	if err != nil {
		return "", fmt.Errorf("hashing staged content: %w", err)
	}
	return digest, nil
}

// transfer performs one HTTP attempt, appending to the partial file
// from offset. Classifies status codes for the retry loop: 416 resets
// the partial and retries fresh, other 4xx are fatal, 5xx and transport
// errors retry.
func (c *Client) transfer(ctx context.Context, url, partPath string, offset int64, req Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Fatal(err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Appending from offset.
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range; start over.
		if offset > 0 {
			if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
				return retry.Fatal(err)
			}
			offset = 0
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// Partial no longer lines up with the remote file.
		if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
			return retry.Fatal(err)
		}
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Fatal(&HTTPError{StatusCode: resp.StatusCode, Status: resp.Status})
	default:
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return retry.Fatal(err)
	}
	defer file.Close()

	total := resp.ContentLength
	if total > 0 {
		total += offset
	} else {
		total = req.ExpectedSize
	}

	var reader io.Reader = resp.Body
	if req.OnProgress != nil {
		reader = &progressReader{reader: resp.Body, callback: req.OnProgress, current: offset, total: total}
	}

	if _, err := io.Copy(file, reader); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return fmt.Errorf("writing %s: %w", partPath, err)
	}
	return file.Sync()
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

type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.callback(pr.current, pr.total)
	}
	return n, err
}
