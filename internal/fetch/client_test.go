package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/airone01/isod/internal/naming"
	"github.com/airone01/isod/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond}
}

func sha256hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func testRequest(url string, content []byte) Request {
	return Request{
		Identity:       naming.Identity{Distro: "testos", Version: "1", Arch: "x86_64", Variant: "minimal"},
		CanonicalName:  "testos-1-x86_64-minimal.iso",
		URLs:           []string{url},
		ChecksumAlgo:   "sha256",
		ChecksumDigest: sha256hex(content),
		ExpectedSize:   int64(len(content)),
	}
}

func TestFetchStagesVerifiedFile(t *testing.T) {
	content := []byte("pretend this is an iso image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := NewClient(dir, fastPolicy(), nil)
	staged, err := c.Fetch(context.Background(), testRequest(srv.URL, content))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if staged.Path != filepath.Join(dir, "testos-1-x86_64-minimal.iso") {
		t.Errorf("unexpected staged path %q", staged.Path)
	}
	got, err := os.ReadFile(staged.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Error("staged content does not match source")
	}
	if staged.Digest != sha256hex(content) {
		t.Errorf("digest = %q", staged.Digest)
	}
	if _, err := os.Stat(staged.Path + partSuffix); !os.IsNotExist(err) {
		t.Error("partial file left behind after successful stage")
	}
}

func TestFetchRejectsCorruptedTransfer(t *testing.T) {
	content := []byte("expected bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered bytes!"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := NewClient(dir, fastPolicy(), nil)
	_, err := c.Fetch(context.Background(), testRequest(srv.URL, content))

	var ierr *IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staging dir not clean after integrity failure: %v", entries)
	}
}

func TestFetchResumesPartialFile(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	var sawRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange = r.Header.Get("Range")
		if !strings.HasPrefix(sawRange, "bytes=") {
			t.Errorf("expected ranged request, got %q", sawRange)
			w.Write(content)
			return
		}
		offset, _ := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(sawRange, "bytes="), "-"), 10, 64)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[offset:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	partPath := filepath.Join(dir, "testos-1-x86_64-minimal.iso"+partSuffix)
	if err := os.WriteFile(partPath, content[:10], 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewClient(dir, fastPolicy(), nil)
	staged, err := c.Fetch(context.Background(), testRequest(srv.URL, content))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !staged.Resumed {
		t.Error("expected a resumed transfer")
	}
	if sawRange != "bytes=10-" {
		t.Errorf("Range header = %q", sawRange)
	}
	got, _ := os.ReadFile(staged.Path)
	if string(got) != string(content) {
		t.Error("resumed file content mismatch")
	}
}

func TestFetchRestartsOnUnsatisfiableRange(t *testing.T) {
	content := []byte("fresh content after range reset")
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	partPath := filepath.Join(dir, "testos-1-x86_64-minimal.iso"+partSuffix)
	if err := os.WriteFile(partPath, []byte("stale partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewClient(dir, fastPolicy(), nil)
	staged, err := c.Fetch(context.Background(), testRequest(srv.URL, content))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	got, _ := os.ReadFile(staged.Path)
	if string(got) != string(content) {
		t.Error("content mismatch after range restart")
	}
	if requests != 2 {
		t.Errorf("expected 2 requests (416 then fresh), got %d", requests)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(t.TempDir(), fastPolicy(), nil)
	_, err := c.Fetch(context.Background(), testRequest(srv.URL, []byte("x")))

	var herr *HTTPError
	if !errors.As(err, &herr) || herr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
	if requests != 1 {
		t.Errorf("404 should not be retried, saw %d requests", requests)
	}
}

func TestFetchFallsBackToMirror(t *testing.T) {
	content := []byte("mirror content")
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer broken.Close()
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer mirror.Close()

	req := testRequest(broken.URL, content)
	req.URLs = append(req.URLs, mirror.URL)

	c := NewClient(t.TempDir(), fastPolicy(), nil)
	staged, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	got, _ := os.ReadFile(staged.Path)
	if string(got) != string(content) {
		t.Error("mirror content mismatch")
	}
}

func TestFetchIsIdempotentForStagedFile(t *testing.T) {
	content := []byte("already staged")
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	finalPath := filepath.Join(dir, "testos-1-x86_64-minimal.iso")
	if err := os.WriteFile(finalPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewClient(dir, fastPolicy(), nil)
	staged, err := c.Fetch(context.Background(), testRequest(srv.URL, content))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if staged.Path != finalPath {
		t.Errorf("path = %q", staged.Path)
	}
	if requests != 0 {
		t.Errorf("expected no network traffic for an already staged file, saw %d requests", requests)
	}
}

func TestFetchRefusesMissingDigest(t *testing.T) {
	c := NewClient(t.TempDir(), fastPolicy(), nil)
	req := testRequest("http://unused.invalid", []byte("x"))
	req.ChecksumDigest = ""
	if _, err := c.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected refusal without expected digest")
	}
}

func TestFetchReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(t.TempDir(), fastPolicy(), nil)
	_, err := c.Fetch(ctx, testRequest("http://unused.invalid", []byte("x")))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
