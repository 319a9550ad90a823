// Package catalog is the declarative registry of tracked distributions:
// for each distro, how to discover the current release, where to
// download it, and where its checksum artifact lives. The catalog is
// data only; no network I/O happens here, the resolver executes it.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/airone01/isod/internal/naming"
)

// Strategy names how the latest version of a distro is discovered.
type Strategy string

const (
	// StrategyListing fetches a directory listing page and extracts
	// version tokens with a regex.
	StrategyListing Strategy = "listing"
	// StrategyRedirect follows a stable "latest" URL and extracts the
	// version from the redirect target.
	StrategyRedirect Strategy = "redirect"
	// StrategyStatic uses a fixed version list from the catalog entry,
	// for distros without a machine-readable release feed.
	StrategyStatic Strategy = "static"
)

// Discovery describes how to find the current version of a distro.
type Discovery struct {
	Strategy       Strategy `yaml:"strategy"`
	ListingURL     string   `yaml:"listing_url,omitempty"`
	VersionPattern string   `yaml:"version_pattern,omitempty"` // regex, one capture group
	LatestURL      string   `yaml:"latest_url,omitempty"`
	Versions       []string `yaml:"versions,omitempty"`
}

// Entry declares one tracked distribution. URL fields are templates:
// {version}, {arch}, {variant}, and {filename} are expanded at resolve
// time. UpstreamPattern is the filename the distribution publishes
// under, which rarely matches our canonical scheme (ubuntu publishes
// ubuntu-{version}-{variant}-{arch}.iso, canonical order differs).
type Entry struct {
	Distro          string          `yaml:"distro"`
	DisplayName     string          `yaml:"display_name,omitempty"`
	Homepage        string          `yaml:"homepage,omitempty"`
	Ordering        naming.Ordering `yaml:"ordering"`
	GreedyVariant   bool            `yaml:"greedy_variant,omitempty"`
	Architectures   []string        `yaml:"architectures"`
	Variants        []string        `yaml:"variants"`
	DefaultArch     string          `yaml:"default_arch,omitempty"`
	DefaultVariant  string          `yaml:"default_variant,omitempty"`
	Discovery       Discovery       `yaml:"discovery"`
	UpstreamPattern string          `yaml:"upstream_pattern"`
	DownloadURL     string          `yaml:"download_url"`
	MirrorURLs      []string        `yaml:"mirror_urls,omitempty"`
	ChecksumURLs    []string        `yaml:"checksum_urls"`
	ChecksumAlgo    string          `yaml:"checksum_algo,omitempty"` // defaults to sha256
}

// Catalog is an immutable set of entries keyed by lowercase distro name.
type Catalog struct {
	entries map[string]Entry
}

// New validates the entries and builds a catalog. Later entries override
// earlier ones with the same distro name, which is how a YAML overlay
// replaces a built-in definition.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for i := range entries {
		e := entries[i]
		if err := validate(&e); err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", e.Distro, err)
		}
		c.entries[strings.ToLower(e.Distro)] = e
	}
	return c, nil
}

func validate(e *Entry) error {
	if e.Distro == "" {
		return fmt.Errorf("distro name is required")
	}
	if strings.ContainsAny(e.Distro, "/\\"+naming.Delim) {
		return fmt.Errorf("distro name %q contains reserved characters", e.Distro)
	}
	switch e.Ordering {
	case naming.OrderingNumeric, naming.OrderingDate, naming.OrderingLexical:
	case "":
		e.Ordering = naming.OrderingNumeric
	default:
		return fmt.Errorf("unknown version ordering %q", e.Ordering)
	}
	if e.ChecksumAlgo == "" {
		e.ChecksumAlgo = "sha256"
	}
	if e.ChecksumAlgo != "sha256" && e.ChecksumAlgo != "sha512" {
		return fmt.Errorf("unsupported checksum algorithm %q", e.ChecksumAlgo)
	}
	if len(e.Architectures) == 0 {
		return fmt.Errorf("at least one architecture is required")
	}
	if len(e.Variants) == 0 {
		return fmt.Errorf("at least one variant is required")
	}
	if e.DefaultArch == "" {
		e.DefaultArch = e.Architectures[0]
	}
	if e.DefaultVariant == "" {
		e.DefaultVariant = e.Variants[0]
	}
	if e.UpstreamPattern == "" {
		return fmt.Errorf("upstream filename pattern is required")
	}
	if e.DownloadURL == "" {
		return fmt.Errorf("download URL template is required")
	}

	switch e.Discovery.Strategy {
	case StrategyListing:
		if e.Discovery.ListingURL == "" || e.Discovery.VersionPattern == "" {
			return fmt.Errorf("listing strategy requires listing_url and version_pattern")
		}
		re, err := regexp.Compile(e.Discovery.VersionPattern)
		if err != nil {
			return fmt.Errorf("version_pattern: %w", err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("version_pattern must have a capture group for the version token")
		}
	case StrategyRedirect:
		if e.Discovery.LatestURL == "" || e.Discovery.VersionPattern == "" {
			return fmt.Errorf("redirect strategy requires latest_url and version_pattern")
		}
		if _, err := regexp.Compile(e.Discovery.VersionPattern); err != nil {
			return fmt.Errorf("version_pattern: %w", err)
		}
	case StrategyStatic:
		if len(e.Discovery.Versions) == 0 {
			return fmt.Errorf("static strategy requires a version list")
		}
	default:
		return fmt.Errorf("unknown discovery strategy %q", e.Discovery.Strategy)
	}
	return nil
}

// Get returns the entry for a distro, case-insensitively.
func (c *Catalog) Get(distro string) (Entry, bool) {
	e, ok := c.entries[strings.ToLower(distro)]
	return e, ok
}

// Names returns the sorted distro names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.Distro)
	}
	sort.Strings(names)
	return names
}

// Scheme builds the filename scheme covering every cataloged distro.
func (c *Catalog) Scheme() *naming.Scheme {
	s := naming.NewScheme()
	for _, e := range c.entries {
		s.RegisterDistro(e.Distro, e.GreedyVariant)
	}
	return s
}

// SupportsArch reports whether the entry lists the architecture.
func (e Entry) SupportsArch(arch string) bool {
	for _, a := range e.Architectures {
		if a == arch {
			return true
		}
	}
	return false
}

// SupportsVariant reports whether the entry lists the variant.
func (e Entry) SupportsVariant(variant string) bool {
	for _, v := range e.Variants {
		if v == variant {
			return true
		}
	}
	return false
}

// UpstreamFilename expands the upstream filename pattern for a release.
func (e Entry) UpstreamFilename(version, arch, variant string) string {
	return ExpandTemplate(e.UpstreamPattern, version, arch, variant, "")
}

// ExpandTemplate substitutes the {version}/{arch}/{variant}/{filename}
// placeholders in a URL or filename template.
func ExpandTemplate(tmpl, version, arch, variant, filename string) string {
	r := strings.NewReplacer(
		"{version}", version,
		"{arch}", arch,
		"{variant}", variant,
		"{filename}", filename,
	)
	return r.Replace(tmpl)
}

// LoadOverlay reads additional catalog entries from a YAML file.
// Tracking a new distribution is a data change, not a code change.
func LoadOverlay(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog overlay: %w", err)
	}
	var doc struct {
		Distros []Entry `yaml:"distros"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog overlay: %w", err)
	}
	return doc.Distros, nil
}
