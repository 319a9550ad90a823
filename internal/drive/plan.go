package drive

import (
	"sort"

	"github.com/airone01/isod/internal/naming"
)

// Desired is one image that should end up on the drive.
type Desired struct {
	Name       string
	Identity   naming.Identity
	Size       int64
	Digest     string
	SourcePath string
}

// Plan is a computed set of drive mutations. Building it touches
// nothing; Apply executes it.
type Plan struct {
	Copy      []Desired
	Remove    []string // recognized images no longer wanted, or stale copies
	CleanTemp []string // abandoned temp files from interrupted runs
	Dropped   []Desired
	Shortfall int64 // bytes the full plan exceeded capacity by, 0 when it fits
}

// Empty reports whether the plan would change nothing.
func (p Plan) Empty() bool {
	return len(p.Copy) == 0 && len(p.Remove) == 0 && len(p.CleanTemp) == 0
}

// BuildPlan diffs the desired set against the drive state under a free
// space budget. Present images that match a desired digest are kept;
// stale or unwanted ones are removed. When the remaining copies do not
// fit even after removals, the oldest release of each family is dropped
// first so every family keeps its newest release as long as possible.
// Unrecognized files never appear in the plan.
func BuildPlan(desired []Desired, state *State, freeBytes int64, orderings map[string]naming.Ordering) Plan {
	plan := Plan{CleanTemp: append([]string(nil), state.Leftovers...)}

	wantByName := make(map[string]Desired, len(desired))
	for _, d := range desired {
		wantByName[d.Name] = d
	}

	satisfied := make(map[string]bool)
	reclaimed := int64(0)
	for _, p := range state.Present {
		want, ok := wantByName[p.Name]
		if ok && want.Digest == p.Digest {
			satisfied[p.Name] = true
			continue
		}
		// Unwanted, or same name with different content.
		plan.Remove = append(plan.Remove, p.Name)
		reclaimed += p.Size
	}

	var candidates []Desired
	needed := int64(0)
	for _, d := range desired {
		if satisfied[d.Name] {
			continue
		}
		candidates = append(candidates, d)
		needed += d.Size
	}

	available := freeBytes + reclaimed
	if needed > available {
		plan.Shortfall = needed - available
		candidates, plan.Dropped = shedOldest(candidates, needed-available, orderings)
	}

	plan.Copy = candidates
	sort.Slice(plan.Copy, func(i, j int) bool { return plan.Copy[i].Name < plan.Copy[j].Name })
	sort.Slice(plan.Dropped, func(i, j int) bool { return plan.Dropped[i].Name < plan.Dropped[j].Name })
	sort.Strings(plan.Remove)
	sort.Strings(plan.CleanTemp)
	return plan
}

// shedOldest removes candidates until at least excess bytes are freed.
// Non-newest releases go first, oldest first; only when every family is
// down to its newest release do whole families start to drop.
func shedOldest(candidates []Desired, excess int64, orderings map[string]naming.Ordering) (kept, dropped []Desired) {
	ord := func(distro string) naming.Ordering {
		if o, ok := orderings[distro]; ok {
			return o
		}
		return naming.OrderingNumeric
	}

	byFamily := make(map[naming.Family][]Desired)
	for _, c := range candidates {
		f := c.Identity.Family()
		byFamily[f] = append(byFamily[f], c)
	}

	// Oldest first within each family.
	var oldRank []Desired // everything but the newest of its family
	var newest []Desired  // the newest of each family
	for f, group := range byFamily {
		o := ord(f.Distro)
		sort.Slice(group, func(i, j int) bool {
			return naming.CompareVersions(o, group[i].Identity.Version, group[j].Identity.Version) < 0
		})
		oldRank = append(oldRank, group[:len(group)-1]...)
		newest = append(newest, group[len(group)-1])
	}
	sort.Slice(oldRank, func(i, j int) bool { return oldRank[i].Name < oldRank[j].Name })
	sort.Slice(newest, func(i, j int) bool { return newest[i].Name < newest[j].Name })

	dropOrder := append(oldRank, newest...)
	droppedSet := make(map[string]bool)
	for _, d := range dropOrder {
		if excess <= 0 {
			break
		}
		droppedSet[d.Name] = true
		dropped = append(dropped, d)
		excess -= d.Size
	}

	for _, c := range candidates {
		if !droppedSet[c.Name] {
			kept = append(kept, c)
		}
	}
	return kept, dropped
}
