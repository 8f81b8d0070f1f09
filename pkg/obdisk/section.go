package obdisk

import (
	"fmt"

	"github.com/obsync/obsync/pkg/obtypes"
)

// SectionKind tags where a logical byte range of a version's segments
// lives. The "-on-disk" kinds are physically readable right now; the bare
// kinds mean the bytes must still be downloaded.
type SectionKind uint8

const (
	SectionNewOnDisk  SectionKind = 1 // bytes in this version's own file
	SectionBaseOnDisk SectionKind = 2 // inherited unchanged; resolvable via the base version's file
	SectionBase       SectionKind = 3 // inherited from base but not yet present anywhere locally
	SectionNew        SectionKind = 4 // new bytes, not yet downloaded
)

func (k SectionKind) onDisk() bool {
	return k == SectionNewOnDisk || k == SectionBaseOnDisk
}

func (k SectionKind) fromBase() bool {
	return k == SectionBaseOnDisk || k == SectionBase
}

// Section is one entry of a version's segment layout.
//
// Ofs/Len are in the version's logical coordinate space. FileOfs is the
// physical offset in this version's file (SectionNewOnDisk only). BaseOfs
// translates into the base version's own coordinate space (base kinds).
type Section struct {
	Kind    SectionKind
	Ofs     uint64
	Len     uint64
	FileOfs uint64
	BaseOfs uint64
}

// the section list must exactly tile [0, totalLen) with no gaps or overlaps
func verifyTiling(sections []Section, totalLen uint64) error {
	expect := uint64(0)

	for i, section := range sections {
		if section.Ofs != expect {
			return fmt.Errorf("section %d starts at %d, expected %d (gap or overlap)", i, section.Ofs, expect)
		}
		if section.Len == 0 {
			return fmt.Errorf("section %d has zero length", i)
		}

		expect += section.Len
	}

	if expect != totalLen {
		return fmt.Errorf("sections cover [0,%d), expected [0,%d)", expect, totalLen)
	}

	return nil
}

// replaceRange re-tags [ofs, ofs+length) as a new section, splitting any
// partially overlapped sections. Tiling is preserved by construction.
func replaceRange(sections []Section, replacement Section) []Section {
	ofs := replacement.Ofs
	end := replacement.Ofs + replacement.Len

	out := []Section{}

	for _, section := range sections {
		sEnd := section.Ofs + section.Len

		if sEnd <= ofs || section.Ofs >= end { // no overlap
			out = append(out, section)
			continue
		}

		if section.Ofs < ofs { // leading remainder
			lead := section
			lead.Len = ofs - section.Ofs
			out = append(out, lead)
		}

		if sEnd > end { // trailing remainder
			trail := section
			skip := end - section.Ofs
			trail.Ofs = end
			trail.Len = sEnd - end
			if trail.Kind == SectionNewOnDisk {
				trail.FileOfs += skip
			}
			if trail.Kind.fromBase() {
				trail.BaseOfs += skip
			}
			out = append(out, trail)
		}
	}

	out = append(out, replacement)

	sortSections(out)

	return mergeAdjacent(out)
}

func sortSections(sections []Section) {
	// insertion sort; section lists are short and nearly sorted
	for i := 1; i < len(sections); i++ {
		for j := i; j > 0 && sections[j].Ofs < sections[j-1].Ofs; j-- {
			sections[j], sections[j-1] = sections[j-1], sections[j]
		}
	}
}

func mergeAdjacent(sections []Section) []Section {
	if len(sections) == 0 {
		return sections
	}

	out := []Section{sections[0]}

	for _, section := range sections[1:] {
		last := &out[len(out)-1]

		continuous := last.Kind == section.Kind && last.Ofs+last.Len == section.Ofs
		if continuous && last.Kind == SectionNewOnDisk {
			continuous = last.FileOfs+last.Len == section.FileOfs
		}
		if continuous && last.Kind.fromBase() {
			continuous = last.BaseOfs+last.Len == section.BaseOfs
		}

		if continuous {
			last.Len += section.Len
		} else {
			out = append(out, section)
		}
	}

	return out
}

// overlapping parts of [ofs, ofs+length) whose bytes must be downloaded for
// this version. Base sections are excluded: those resolve through the base
// version's own file (which tracks its own missing ranges).
func missingWithin(sections []Section, ofs uint64, length uint64) []obtypes.SegsChunk {
	end := ofs + length

	missing := []obtypes.SegsChunk{}

	for _, section := range sections {
		sEnd := section.Ofs + section.Len
		if sEnd <= ofs || section.Ofs >= end || section.Kind != SectionNew {
			continue
		}

		from := max64(section.Ofs, ofs)
		to := min64(sEnd, end)
		missing = append(missing, obtypes.SegsChunk{Ofs: from, Len: to - from})
	}

	return mergeChunks(missing)
}

func mergeChunks(chunks []obtypes.SegsChunk) []obtypes.SegsChunk {
	if len(chunks) == 0 {
		return chunks
	}

	out := []obtypes.SegsChunk{chunks[0]}
	for _, chunk := range chunks[1:] {
		last := &out[len(out)-1]
		if last.Ofs+last.Len == chunk.Ofs {
			last.Len += chunk.Len
		} else {
			out = append(out, chunk)
		}
	}

	return out
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
