package obfolder

import (
	"bytes"

	"github.com/samber/lo"

	"github.com/obsync/obsync/pkg/obtypes"
)

// FolderDiff is the entry-level difference between two child tables,
// typically local current vs. downloaded remote. Entries are matched by
// object id, so a rename shows up as a rename and not remove+add.
type FolderDiff struct {
	Added        []obtypes.NodeInfo
	Removed      []obtypes.NodeInfo
	Renamed      []RenamedNode
	AttrsChanged []obtypes.NodeInfo // same name, different attrs (the "b" side)
}

type RenamedNode struct {
	Node    obtypes.NodeInfo // the "b" side entry
	OldName string
}

func (d *FolderDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Renamed) == 0 && len(d.AttrsChanged) == 0
}

// DiffFolders computes what changed going from a to b.
func DiffFolders(a *obtypes.FolderInfo, b *obtypes.FolderInfo) *FolderDiff {
	aById := a.ById()
	bById := b.ById()

	aIds := lo.Keys(aById)
	bIds := lo.Keys(bById)

	diff := &FolderDiff{}

	for _, id := range lo.Without(bIds, aIds...) {
		diff.Added = append(diff.Added, bById[id])
	}

	for _, id := range lo.Without(aIds, bIds...) {
		diff.Removed = append(diff.Removed, aById[id])
	}

	for _, id := range lo.Intersect(aIds, bIds) {
		before, after := aById[id], bById[id]

		if before.Name != after.Name {
			diff.Renamed = append(diff.Renamed, RenamedNode{Node: after, OldName: before.Name})
		}

		if !attrsEqual(before.Attrs, after.Attrs) {
			diff.AttrsChanged = append(diff.AttrsChanged, after)
		}
	}

	return diff
}

func attrsEqual(a map[string][]byte, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}

	for key, valA := range a {
		valB, found := b[key]
		if !found || !bytes.Equal(valA, valB) {
			return false
		}
	}

	return true
}
