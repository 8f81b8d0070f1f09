package obdisk

import (
	"context"

	"github.com/minio/sha256-simd"
	"github.com/obsync/obsync/pkg/obtypes"
)

// segment granularity for content comparison against a base version
const diffSegmentSize = 64 * 1024

// DiffFromBase expresses obj's segments relative to base: which byte ranges
// the base already has, which must be transferred as new bytes. When obj was
// written with InheritFromBase against this same base, the answer comes
// straight from the section layout; otherwise position-aligned segments are
// compared by hash.
func DiffFromBase(ctx context.Context, obj *ObjOnDisk, base *ObjOnDisk) (*obtypes.DiffInfo, error) {
	if obj.base != nil && *obj.base == base.Version() {
		if diff := obj.diffFromSections(); diff != nil {
			return diff, nil
		}
	}

	return diffByHashing(ctx, obj, base)
}

// nil when any byte range's base relationship is unknown (not base-tagged)
func (o *ObjOnDisk) diffFromSections() *obtypes.DiffInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.openEnded || o.base == nil {
		return nil
	}

	diff := &obtypes.DiffInfo{
		BaseVersion: *o.base,
		TotalLen:    o.totalSegsLen,
		Sections:    []obtypes.DiffSection{},
	}

	for _, section := range o.sections {
		switch section.Kind {
		case SectionBaseOnDisk, SectionBase:
			diff.Sections = appendDiffSection(diff.Sections, obtypes.DiffSection{
				FromBase: true,
				BaseOfs:  section.BaseOfs,
				Len:      section.Len,
			})
		case SectionNewOnDisk:
			diff.Sections = appendDiffSection(diff.Sections, obtypes.DiffSection{Len: section.Len})
		default:
			// bytes not even downloaded yet. cannot know their base relationship.
			return nil
		}
	}

	return diff
}

func diffByHashing(ctx context.Context, obj *ObjOnDisk, base *ObjOnDisk) (*obtypes.DiffInfo, error) {
	objLen := obj.TotalSegsLen()
	baseLen := base.TotalSegsLen()

	diff := &obtypes.DiffInfo{
		BaseVersion: base.Version(),
		TotalLen:    objLen,
		Sections:    []obtypes.DiffSection{},
	}

	objBuf := make([]byte, diffSegmentSize)
	baseBuf := make([]byte, diffSegmentSize)

	for ofs := uint64(0); ofs < objLen; ofs += diffSegmentSize {
		n := min64(diffSegmentSize, objLen-ofs)

		if err := obj.ReadSegsAt(ctx, objBuf[:n], ofs); err != nil {
			return nil, err
		}

		// only position-aligned segments are matched against the base
		matches := ofs+n <= baseLen
		if matches {
			if err := base.ReadSegsAt(ctx, baseBuf[:n], ofs); err != nil {
				return nil, err
			}

			matches = sha256.Sum256(objBuf[:n]) == sha256.Sum256(baseBuf[:n])
		}

		if matches {
			diff.Sections = appendDiffSection(diff.Sections, obtypes.DiffSection{
				FromBase: true,
				BaseOfs:  ofs,
				Len:      n,
			})
		} else {
			diff.Sections = appendDiffSection(diff.Sections, obtypes.DiffSection{Len: n})
		}
	}

	return diff, nil
}

func appendDiffSection(sections []obtypes.DiffSection, section obtypes.DiffSection) []obtypes.DiffSection {
	if len(sections) > 0 {
		last := &sections[len(sections)-1]

		if !last.FromBase && !section.FromBase {
			last.Len += section.Len
			return sections
		}

		if last.FromBase && section.FromBase && last.BaseOfs+last.Len == section.BaseOfs {
			last.Len += section.Len
			return sections
		}
	}

	return append(sections, section)
}
