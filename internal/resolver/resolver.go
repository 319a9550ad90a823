// Package resolver executes catalog discovery strategies against the
// network, turning a catalog entry into a concrete release descriptor:
// the latest version, its download URL, and its expected checksum.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/airone01/isod/internal/catalog"
	"github.com/airone01/isod/internal/naming"
	"github.com/airone01/isod/internal/retry"
	"github.com/airone01/isod/internal/safety"
)

// maxArtifactBytes bounds listing pages and checksum files. Anything
// larger than this is not a listing.
const maxArtifactBytes int64 = 8 * 1024 * 1024

// ChecksumRef names the algorithm and expected digest for a release.
type ChecksumRef struct {
	Algo   string
	Digest string
}

// ReleaseDescriptor is the immutable output of a successful resolve.
// It is transient: recomputed on every discovery cycle.
type ReleaseDescriptor struct {
	Identity     naming.Identity
	UpstreamName string // filename as published by the distribution
	DownloadURL  string
	MirrorURLs   []string
	Checksum     ChecksumRef
	PublishedAt  time.Time
}

// ErrorKind classifies resolve failures.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindAmbiguousListing ErrorKind = "ambiguous_listing"
	KindChecksumMissing  ErrorKind = "checksum_missing"
	KindNetwork          ErrorKind = "network"
)

// Error is a resolve failure attributable to one distro.
type Error struct {
	Kind   ErrorKind
	Distro string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.Distro, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.Distro, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolver runs discovery over HTTP. It is safe for concurrent use and
// side-effect free beyond outbound reads, so retries are always safe.
type Resolver struct {
	client *http.Client
	logger *slog.Logger
	policy retry.Policy
}

// New creates a resolver. A nil client gets the hardened default
// transport.
func New(client *http.Client, policy retry.Policy, logger *slog.Logger) *Resolver {
	if client == nil {
		client = safety.NewHTTPClient(30 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{client: client, logger: logger, policy: policy}
}

// Resolve discovers the latest release of entry for the given arch and
// variant and locates its checksum. The entry's declared version
// ordering decides "latest", never the listing's own order.
func (r *Resolver) Resolve(ctx context.Context, entry catalog.Entry, arch, variant string) (*ReleaseDescriptor, error) {
	if arch == "" {
		arch = entry.DefaultArch
	}
	if variant == "" {
		variant = entry.DefaultVariant
	}
	if !entry.SupportsArch(arch) {
		return nil, &Error{Kind: KindNotFound, Distro: entry.Distro,
			Err: fmt.Errorf("architecture %q not offered", arch)}
	}
	if !entry.SupportsVariant(variant) {
		return nil, &Error{Kind: KindNotFound, Distro: entry.Distro,
			Err: fmt.Errorf("variant %q not offered", variant)}
	}

	version, err := r.discoverVersion(ctx, entry)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("discovered latest version", "distro", entry.Distro, "version", version)

	upstreamName := entry.UpstreamFilename(version, arch, variant)
	checksum, publishedAt, err := r.fetchChecksum(ctx, entry, version, arch, variant, upstreamName)
	if err != nil {
		return nil, err
	}

	mirrors := make([]string, 0, len(entry.MirrorURLs))
	for _, m := range entry.MirrorURLs {
		mirrors = append(mirrors, catalog.ExpandTemplate(m, version, arch, variant, upstreamName))
	}

	return &ReleaseDescriptor{
		Identity: naming.Identity{
			Distro:  entry.Distro,
			Version: version,
			Arch:    arch,
			Variant: variant,
		},
		UpstreamName: upstreamName,
		DownloadURL:  catalog.ExpandTemplate(entry.DownloadURL, version, arch, variant, upstreamName),
		MirrorURLs:   mirrors,
		Checksum:     checksum,
		PublishedAt:  publishedAt,
	}, nil
}

func (r *Resolver) discoverVersion(ctx context.Context, entry catalog.Entry) (string, error) {
	switch entry.Discovery.Strategy {
	case catalog.StrategyStatic:
		v := naming.MaxVersion(entry.Ordering, entry.Discovery.Versions)
		if v == "" {
			return "", &Error{Kind: KindNotFound, Distro: entry.Distro, Err: fmt.Errorf("static version list is empty")}
		}
		return v, nil
	case catalog.StrategyListing:
		return r.discoverFromListing(ctx, entry)
	case catalog.StrategyRedirect:
		return r.discoverFromRedirect(ctx, entry)
	default:
		return "", &Error{Kind: KindNotFound, Distro: entry.Distro,
			Err: fmt.Errorf("unknown discovery strategy %q", entry.Discovery.Strategy)}
	}
}

func (r *Resolver) discoverFromListing(ctx context.Context, entry catalog.Entry) (string, error) {
	body, err := r.get(ctx, entry.Discovery.ListingURL)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Distro: entry.Distro, Err: err}
	}

	re := regexp.MustCompile(entry.Discovery.VersionPattern)
	seen := make(map[string]bool)
	var candidates []string
	for _, m := range re.FindAllStringSubmatch(string(body), -1) {
		v := m[1]
		if !seen[v] {
			seen[v] = true
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return "", &Error{Kind: KindNotFound, Distro: entry.Distro,
			Err: fmt.Errorf("no version tokens in listing %s", entry.Discovery.ListingURL)}
	}

	return pickLatest(entry, candidates)
}

func (r *Resolver) discoverFromRedirect(ctx context.Context, entry catalog.Entry) (string, error) {
	var location string
	err := r.policy.Do(ctx, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.Discovery.LatestURL, nil)
		if err != nil {
			return retry.Fatal(err)
		}
		// Follow nothing: the redirect target itself carries the version.
		client := *r.client
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 300 || resp.StatusCode >= 400 {
			return fmt.Errorf("expected redirect from %s, got %s", entry.Discovery.LatestURL, resp.Status)
		}
		location = resp.Header.Get("Location")
		if location == "" {
			return retry.Fatal(fmt.Errorf("redirect without Location header"))
		}
		return nil
	})
	if err != nil {
		return "", &Error{Kind: KindNetwork, Distro: entry.Distro, Err: err}
	}

	re := regexp.MustCompile(entry.Discovery.VersionPattern)
	m := re.FindStringSubmatch(location)
	if len(m) < 2 {
		return "", &Error{Kind: KindNotFound, Distro: entry.Distro,
			Err: fmt.Errorf("no version token in redirect target %q", location)}
	}
	return m[1], nil
}

// pickLatest applies channel preference (stable over rc over beta) and
// the declared ordering. Two distinct tokens comparing equal at the top
// means the listing is ambiguous and upstream needs a human look.
func pickLatest(entry catalog.Entry, candidates []string) (string, error) {
	best := channelRank(candidates[0])
	for _, v := range candidates[1:] {
		if r := channelRank(v); r > best {
			best = r
		}
	}
	var pool []string
	for _, v := range candidates {
		if channelRank(v) == best {
			pool = append(pool, v)
		}
	}

	latest := naming.MaxVersion(entry.Ordering, pool)
	for _, v := range pool {
		if v != latest && naming.CompareVersions(entry.Ordering, v, latest) == 0 {
			sort.Strings(pool)
			return "", &Error{Kind: KindAmbiguousListing, Distro: entry.Distro,
				Err: fmt.Errorf("versions %q and %q are indistinguishable under %s ordering", v, latest, entry.Ordering)}
		}
	}
	return latest, nil
}

// channelRank mirrors the usual release-channel preference: stable
// beats rc beats beta beats alpha beats daily builds.
func channelRank(version string) int {
	v := strings.ToLower(version)
	switch {
	case strings.Contains(v, "alpha"):
		return 40
	case strings.Contains(v, "beta"):
		return 60
	case strings.Contains(v, "rc"):
		return 80
	case strings.Contains(v, "daily"), strings.Contains(v, "nightly"):
		return 20
	default:
		return 100
	}
}

// fetchChecksum tries each checksum URL template in order and parses
// the first artifact that mentions the upstream filename.
func (r *Resolver) fetchChecksum(ctx context.Context, entry catalog.Entry, version, arch, variant, upstreamName string) (ChecksumRef, time.Time, error) {
	var lastErr error
	for _, tmpl := range entry.ChecksumURLs {
		url := catalog.ExpandTemplate(tmpl, version, arch, variant, upstreamName)

		body, publishedAt, err := r.getWithModTime(ctx, url)
		if err != nil {
			lastErr = err
			r.logger.Debug("checksum artifact unavailable", "distro", entry.Distro, "url", url, "error", err)
			continue
		}

		digest, err := ParseSums(body, upstreamName, entry.ChecksumAlgo)
		if err != nil {
			lastErr = err
			continue
		}
		return ChecksumRef{Algo: entry.ChecksumAlgo, Digest: digest}, publishedAt, nil
	}
	return ChecksumRef{}, time.Time{}, &Error{Kind: KindChecksumMissing, Distro: entry.Distro, Err: lastErr}
}

func (r *Resolver) get(ctx context.Context, url string) ([]byte, error) {
	body, _, err := r.getWithModTime(ctx, url)
	return body, err
}

func (r *Resolver) getWithModTime(ctx context.Context, url string) ([]byte, time.Time, error) {
	if _, err := safety.ValidateHTTPURL(url); err != nil {
		return nil, time.Time{}, retry.Fatal(err)
	}

	var body []byte
	var modTime time.Time
	err := r.policy.Do(ctx, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Fatal(err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("GET %s: %s", url, resp.Status)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return retry.Fatal(err)
			}
			return err
		}

		body, err = safety.ReadAllWithLimit(resp.Body, maxArtifactBytes)
		if err != nil {
			return err
		}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				modTime = t
			}
		}
		return nil
	})
	return body, modTime, err
}
