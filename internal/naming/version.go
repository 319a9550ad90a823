package naming

import (
	"strings"
)

// Ordering selects how version strings of a distro compare. Directory
// listings cannot be trusted to sort correctly on their own ("9" sorts
// after "10" lexically), so every catalog entry declares one of these.
type Ordering string

const (
	// OrderingNumeric compares dotted numeric components: 24.04.1 > 24.04.
	OrderingNumeric Ordering = "numeric"
	// OrderingDate compares date-shaped versions such as 2024.08.01 or
	// 2024-08-01. Component-wise numeric comparison covers both shapes.
	OrderingDate Ordering = "date"
	// OrderingLexical is a plain string comparison, for distros whose
	// version tokens are opaque.
	OrderingLexical Ordering = "lexical"
)

// CompareVersions compares a and b under the given ordering, returning
// -1, 0, or 1.
func CompareVersions(ord Ordering, a, b string) int {
	switch ord {
	case OrderingLexical:
		return strings.Compare(a, b)
	default:
		return compareNumeric(a, b)
	}
}

// MaxVersion returns the latest of versions under the ordering, or ""
// for an empty slice. Ties keep the earliest listed candidate.
func MaxVersion(ord Ordering, versions []string) string {
	latest := ""
	for _, v := range versions {
		if latest == "" || CompareVersions(ord, v, latest) > 0 {
			latest = v
		}
	}
	return latest
}

// compareNumeric splits both versions into numeric components on the
// usual separators and compares component-wise. A version with more
// components wins a tie on the shared prefix (24.04.1 > 24.04).
func compareNumeric(a, b string) int {
	ap := numericParts(a)
	bp := numericParts(b)
	for i := 0; i < len(ap) && i < len(bp); i++ {
		if ap[i] != bp[i] {
			if ap[i] < bp[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ap) < len(bp):
		return -1
	case len(ap) > len(bp):
		return 1
	default:
		return 0
	}
}

func numericParts(v string) []uint64 {
	isSep := func(r rune) bool { return r == '.' || r == '-' || r == '_' }
	var parts []uint64
	for _, raw := range strings.FieldsFunc(v, isSep) {
		var n uint64
		digits := 0
		for _, c := range raw {
			if c < '0' || c > '9' {
				break
			}
			n = n*10 + uint64(c-'0')
			digits++
		}
		if digits > 0 {
			parts = append(parts, n)
		}
	}
	return parts
}
