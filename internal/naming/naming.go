// Package naming implements the canonical filename scheme for archived
// images: {distro}-{version}-{arch}-{variant}.iso. It is pure string
// manipulation; no I/O happens here.
package naming

import (
	"fmt"
	"strings"
)

// Ext is the extension every canonical filename carries.
const Ext = ".iso"

// Delim separates the four identity fields inside a canonical filename.
const Delim = "-"

// Identity names a bootable image. All four fields are required.
type Identity struct {
	Distro  string
	Version string
	Arch    string
	Variant string
}

// Family is an identity minus its version: the unit retention policy
// applies to.
type Family struct {
	Distro  string
	Arch    string
	Variant string
}

// Family returns the identity's version-independent family key.
func (id Identity) Family() Family {
	return Family{Distro: id.Distro, Arch: id.Arch, Variant: id.Variant}
}

func (id Identity) String() string {
	return id.Distro + Delim + id.Version + Delim + id.Arch + Delim + id.Variant
}

func (f Family) String() string {
	return f.Distro + Delim + f.Arch + Delim + f.Variant
}

// InvalidIdentityError reports an identity that cannot be formatted.
type InvalidIdentityError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidIdentityError) Error() string {
	return fmt.Sprintf("invalid identity: field %s (%q): %s", e.Field, e.Value, e.Reason)
}

// ParseError reports a filename that is not a canonical image name.
type ParseError struct {
	Filename string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %s", e.Filename, e.Reason)
}

// Scheme formats and parses canonical filenames. Distros must be
// registered before use so parsing can restore canonical casing and so
// greedy-variant distros (whose variant may itself contain the
// delimiter, e.g. "live-server") are split correctly.
type Scheme struct {
	canonical map[string]string // lowercase distro -> canonical casing
	greedy    map[string]bool   // lowercase distro -> variant may contain Delim
}

// NewScheme returns an empty scheme. Callers register distros from the
// source catalog.
func NewScheme() *Scheme {
	return &Scheme{
		canonical: make(map[string]string),
		greedy:    make(map[string]bool),
	}
}

// RegisterDistro declares a distro with its canonical casing. When
// greedyVariant is set, parsing claims everything after the third
// delimiter as the variant instead of rejecting extra fields.
func (s *Scheme) RegisterDistro(name string, greedyVariant bool) {
	key := strings.ToLower(name)
	s.canonical[key] = name
	s.greedy[key] = greedyVariant
}

// Known reports whether a distro has been registered.
func (s *Scheme) Known(distro string) bool {
	_, ok := s.canonical[strings.ToLower(distro)]
	return ok
}

// Format renders the canonical filename for an identity. The identity
// must be valid: every field non-empty, free of path separators, and
// free of the delimiter (the variant of a greedy-variant distro is
// exempt from the delimiter rule).
func (s *Scheme) Format(id Identity) (string, error) {
	key := strings.ToLower(id.Distro)
	canonical, ok := s.canonical[key]
	if !ok {
		return "", &InvalidIdentityError{Field: "distro", Value: id.Distro, Reason: "distro not in catalog"}
	}

	fields := []struct {
		name       string
		value      string
		allowDelim bool
	}{
		{"distro", id.Distro, false},
		{"version", id.Version, false},
		{"arch", id.Arch, false},
		{"variant", id.Variant, s.greedy[key]},
	}
	for _, f := range fields {
		if f.value == "" {
			return "", &InvalidIdentityError{Field: f.name, Value: f.value, Reason: "empty field"}
		}
		if strings.ContainsAny(f.value, "/\\") {
			return "", &InvalidIdentityError{Field: f.name, Value: f.value, Reason: "contains path separator"}
		}
		if !f.allowDelim && strings.Contains(f.value, Delim) {
			return "", &InvalidIdentityError{Field: f.name, Value: f.value, Reason: "contains delimiter"}
		}
	}
	if id.Distro != canonical {
		return "", &InvalidIdentityError{Field: "distro", Value: id.Distro, Reason: fmt.Sprintf("not canonical casing (want %q)", canonical)}
	}

	return id.Distro + Delim + id.Version + Delim + id.Arch + Delim + id.Variant + Ext, nil
}

// Parse recovers the identity from a canonical filename. The extension
// is stripped case-insensitively and the distro field is normalized to
// the catalog's canonical casing. Filenames with more than four fields
// are rejected unless the distro was registered greedy-variant, in
// which case the remainder is claimed as the variant.
func (s *Scheme) Parse(filename string) (Identity, error) {
	if filename == "" {
		return Identity{}, &ParseError{Filename: filename, Reason: "empty filename"}
	}
	if strings.ContainsAny(filename, "/\\") {
		return Identity{}, &ParseError{Filename: filename, Reason: "contains path separator"}
	}

	lower := strings.ToLower(filename)
	if !strings.HasSuffix(lower, Ext) {
		return Identity{}, &ParseError{Filename: filename, Reason: "missing " + Ext + " extension"}
	}
	stem := filename[:len(filename)-len(Ext)]

	parts := strings.Split(stem, Delim)
	if len(parts) < 4 {
		return Identity{}, &ParseError{Filename: filename, Reason: fmt.Sprintf("expected 4 fields, got %d", len(parts))}
	}

	key := strings.ToLower(parts[0])
	canonical, ok := s.canonical[key]
	if !ok {
		return Identity{}, &ParseError{Filename: filename, Reason: fmt.Sprintf("unknown distro %q", parts[0])}
	}

	variant := parts[3]
	if len(parts) > 4 {
		if !s.greedy[key] {
			return Identity{}, &ParseError{Filename: filename, Reason: fmt.Sprintf("expected 4 fields, got %d", len(parts))}
		}
		variant = strings.Join(parts[3:], Delim)
	}

	id := Identity{
		Distro:  canonical,
		Version: parts[1],
		Arch:    parts[2],
		Variant: variant,
	}
	for _, f := range []struct{ name, value string }{
		{"version", id.Version}, {"arch", id.Arch}, {"variant", id.Variant},
	} {
		if f.value == "" {
			return Identity{}, &ParseError{Filename: filename, Reason: "empty " + f.name + " field"}
		}
	}
	return id, nil
}
