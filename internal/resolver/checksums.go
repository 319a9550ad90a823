package resolver

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strings"
)

// digestLen maps algorithm names to expected hex digest length.
var digestLen = map[string]int{
	"sha256": 64,
	"sha512": 128,
}

// ParseSums extracts the digest for filename from a checksum artifact.
// Three line shapes are accepted, covering the formats distributions
// actually publish:
//
//	<hex>  <filename>     (coreutils sha256sum)
//	<hex> *<filename>     (binary-mode marker)
//	<filename>: <hex>     (BSD-ish / some project CHECKSUM files)
//
// Lines starting with # are comments. Filenames may appear with a
// leading ./ or path prefix; matching is on the base name.
func ParseSums(content []byte, filename, algo string) (string, error) {
	wantLen, ok := digestLen[algo]
	if !ok {
		return "", fmt.Errorf("unsupported checksum algorithm %q", algo)
	}

	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if name, digest, found := strings.Cut(line, ":"); found {
			digest = strings.TrimSpace(digest)
			if isHex(digest, wantLen) && matchesFile(strings.TrimSpace(name), filename) {
				return strings.ToLower(digest), nil
			}
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		digest, name := fields[0], fields[len(fields)-1]
		name = strings.TrimPrefix(name, "*")
		if isHex(digest, wantLen) && matchesFile(name, filename) {
			return strings.ToLower(digest), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("reading checksum artifact: %w", err)
	}
	return "", fmt.Errorf("no %s entry for %q in checksum artifact", algo, filename)
}

func matchesFile(entry, filename string) bool {
	return entry == filename || path.Base(entry) == filename
}

func isHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
