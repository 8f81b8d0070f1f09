// Pure data operations on a VersionsInfo: current/archived role changes,
// base→diff link bookkeeping and garbage identification over the version
// graph. No I/O happens here.
package versiongraph

import (
	"fmt"
	"sort"

	"github.com/obsync/obsync/pkg/obtypes"
)

// AddBaseToDiffLink records that version diff is stored as a delta against
// version base. A version can be the base of at most one diff at a time;
// recording a new diff for the same base supersedes the old link.
func AddBaseToDiffLink(vi *obtypes.VersionsInfo, base obtypes.Version, diff obtypes.Version) error {
	if diff <= base {
		return fmt.Errorf("diff version %d must be greater than its base %d", diff, base)
	}

	if vi.BaseToDiff == nil {
		vi.BaseToDiff = map[obtypes.Version]obtypes.Version{}
	}
	if vi.DiffToBase == nil {
		vi.DiffToBase = map[obtypes.Version]obtypes.Version{}
	}

	if oldDiff, had := vi.BaseToDiff[base]; had && vi.DiffToBase[oldDiff] == base {
		delete(vi.DiffToBase, oldDiff)
	}

	vi.BaseToDiff[base] = diff
	vi.DiffToBase[diff] = base

	return nil
}

// SetCurrentVersion makes newVer the current version, recording its base
// link first (if any) and only then garbage-collecting the previous current
// version. The ordering matters: a base that the new version still needs
// must not be collected with the old version's chain.
//
// Returned is the list of versions that became garbage; the caller owns
// deleting their on-disk files.
func SetCurrentVersion(vi *obtypes.VersionsInfo, newVer obtypes.Version, base *obtypes.Version) ([]obtypes.Version, error) {
	if base != nil {
		if err := AddBaseToDiffLink(vi, *base, newVer); err != nil {
			return nil, err
		}
	}

	garbage := []obtypes.Version{}

	if vi.Current != nil && *vi.Current != newVer {
		prev := *vi.Current
		vi.Current = nil
		garbage = rmNonArchVersionsIn(vi, prev)
	}

	vi.Current = obtypes.VersionRef(newVer)

	return garbage, nil
}

// RemoveCurrentVersion retires the current version (if any) and collects
// whatever part of its base chain became unreachable.
func RemoveCurrentVersion(vi *obtypes.VersionsInfo) []obtypes.Version {
	if vi.Current == nil {
		return nil
	}

	prev := *vi.Current
	vi.Current = nil

	return rmNonArchVersionsIn(vi, prev)
}

// RemoveArchivedVersion removes ver from the archived set. Second return is
// false if ver was not archived (a recoverable no-op, not an error).
func RemoveArchivedVersion(vi *obtypes.VersionsInfo, ver obtypes.Version) ([]obtypes.Version, bool) {
	idx := sort.Search(len(vi.Archived), func(i int) bool { return vi.Archived[i] >= ver })
	if idx == len(vi.Archived) || vi.Archived[idx] != ver {
		return nil, false
	}

	vi.Archived = append(vi.Archived[:idx], vi.Archived[idx+1:]...)
	if len(vi.Archived) == 0 {
		vi.Archived = nil
	}

	return rmNonArchVersionsIn(vi, ver), true
}

// AddArchived inserts ver into the sorted, de-duplicated archived set.
func AddArchived(vi *obtypes.VersionsInfo, ver obtypes.Version) {
	idx := sort.Search(len(vi.Archived), func(i int) bool { return vi.Archived[i] >= ver })
	if idx < len(vi.Archived) && vi.Archived[idx] == ver {
		return
	}

	vi.Archived = append(vi.Archived, 0)
	copy(vi.Archived[idx+1:], vi.Archived[idx:])
	vi.Archived[idx] = ver
}

// NonGarbageVersions returns, sorted ascending, every version reachable
// from current or archived via the base chain. Anything else is garbage.
func NonGarbageVersions(vi *obtypes.VersionsInfo) []obtypes.Version {
	reachable := map[obtypes.Version]bool{}

	addChain := func(ver obtypes.Version) {
		for {
			if reachable[ver] {
				return
			}
			reachable[ver] = true

			base, isDiff := vi.DiffToBase[ver]
			if !isDiff {
				return
			}
			ver = base
		}
	}

	if vi.Current != nil {
		addChain(*vi.Current)
	}
	for _, ver := range vi.Archived {
		addChain(ver)
	}

	versions := make([]obtypes.Version, 0, len(reachable))
	for ver := range reachable {
		versions = append(versions, ver)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	return versions
}

// rmNonArchVersionsIn walks the base chain downward from a retired version,
// deleting link entries and collecting garbage, stopping as soon as a
// version is current, archived or still the base of some other diff.
// Iterative with a visited guard; the chain length is operator-controlled
// but we don't want to rely on stack depth.
func rmNonArchVersionsIn(vi *obtypes.VersionsInfo, ver obtypes.Version) []obtypes.Version {
	garbage := []obtypes.Version{}
	visited := map[obtypes.Version]bool{}

	for !visited[ver] {
		visited[ver] = true

		if vi.Current != nil && *vi.Current == ver {
			break
		}
		if containsVersion(vi.Archived, ver) {
			break
		}
		if _, stillABase := vi.BaseToDiff[ver]; stillABase {
			break
		}

		garbage = append(garbage, ver)

		base, isDiff := vi.DiffToBase[ver]
		if !isDiff {
			break
		}

		delete(vi.DiffToBase, ver)
		if vi.BaseToDiff[base] == ver {
			delete(vi.BaseToDiff, base)
		}

		ver = base
	}

	return garbage
}

func containsVersion(sorted []obtypes.Version, ver obtypes.Version) bool {
	idx := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= ver })
	return idx < len(sorted) && sorted[idx] == ver
}
