// Package safety holds the small guards shared by the pipeline stages:
// path containment for archive and drive writes, and bounded reads of
// upstream listing/checksum bodies.
package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// EnsureUnderRoot verifies candidate resolves inside root and returns
// the absolute normalized path. Writes into the staging and drive
// directories go through this so a malformed filename can never escape
// its directory.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
