// Core data model: objects, versions and the per-object three-way sync
// bookkeeping that gets persisted into each object's status file.
package obtypes

// ObjId identifies one versioned object. Stable for the node's lifetime,
// never reused. The filesystem root object has the empty id.
type ObjId string

const RootObjId ObjId = ""

// Version numbers are strictly increasing per object and never reused.
// Zero means "no version yet".
type Version uint64

// VersionsInfo tracks which versions exist on one storage side (local or
// remote) and which of them are stored as diffs against a base.
type VersionsInfo struct {
	Current  *Version  `json:"current,omitempty"`
	Archived []Version `json:"archived,omitempty"` // sorted ascending, no duplicates

	// inverse maps. an entry in one always has its mirror in the other,
	// and diff > base holds for every pair.
	BaseToDiff map[Version]Version `json:"base_to_diff,omitempty"`
	DiffToBase map[Version]Version `json:"diff_to_base,omitempty"`
}

// versions that exist only on local disk, not yet uploaded
type LocalVersions struct {
	VersionsInfo
	IsArchived bool `json:"is_archived,omitempty"` // local tombstone
}

// versions known to exist server-side (may lag actual server state)
type RemoteVersions struct {
	VersionsInfo
	IsArchived bool `json:"is_archived,omitempty"`
}

// SyncedVersion is the version last confirmed identical between local and
// remote sides.
type SyncedVersion struct {
	Version    *Version `json:"version,omitempty"`
	IsArchived bool     `json:"is_archived,omitempty"`
	Base       *Version `json:"base,omitempty"`
}

// ObjStatusInfo is the full persisted per-object sync state.
type ObjStatusInfo struct {
	ObjId  ObjId           `json:"obj_id"`
	Local  *LocalVersions  `json:"local,omitempty"`
	Synced *SyncedVersion  `json:"synced,omitempty"`
	Remote *RemoteVersions `json:"remote,omitempty"`
	Upload *UploadInfo     `json:"upload,omitempty"`
}

// SegsChunk is a byte range in an object version's segment coordinate space.
type SegsChunk struct {
	Ofs uint64 `json:"ofs"`
	Len uint64 `json:"len"`
}

// DiffInfo describes how to reconstruct a version from its base plus new
// bytes. Sections are in logical order and their lengths sum to TotalLen.
type DiffInfo struct {
	BaseVersion Version       `json:"base_version"`
	TotalLen    uint64        `json:"total_len"`
	Sections    []DiffSection `json:"sections"`
}

type DiffSection struct {
	FromBase bool   `json:"from_base"`
	BaseOfs  uint64 `json:"base_ofs,omitempty"` // meaningful only when FromBase
	Len      uint64 `json:"len"`
}

// NewSegsChunks lists the genuinely-new byte ranges of the diff, in the
// order they appear (= upload order).
func (d *DiffInfo) NewSegsChunks() []SegsChunk {
	chunks := []SegsChunk{}

	ofs := uint64(0)
	for _, section := range d.Sections {
		if !section.FromBase {
			chunks = append(chunks, SegsChunk{Ofs: ofs, Len: section.Len})
		}

		ofs += section.Len
	}

	return chunks
}

func (d *DiffInfo) NewBytesTotal() uint64 {
	total := uint64(0)
	for _, section := range d.Sections {
		if !section.FromBase {
			total += section.Len
		}
	}

	return total
}

func VersionRef(v Version) *Version {
	return &v
}
