package obtypes

import "fmt"

// SyncState is a pure function of the (local, synced, remote) version sets,
// recomputed after every mutation and never stored as independent truth.
type SyncState int

const (
	StateSynced SyncState = iota
	StateBehind
	StateUnsynced
	StateConflicting
)

func (s SyncState) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateBehind:
		return "behind"
	case StateUnsynced:
		return "unsynced"
	case StateConflicting:
		return "conflicting"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

func (s SyncState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *SyncState) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"synced"`:
		*s = StateSynced
	case `"behind"`:
		*s = StateBehind
	case `"unsynced"`:
		*s = StateUnsynced
	case `"conflicting"`:
		*s = StateConflicting
	default:
		return fmt.Errorf("unknown sync state: %s", data)
	}

	return nil
}

// SyncStatus is the externally visible read-only snapshot of an object's
// sync state.
type SyncStatus struct {
	State  SyncState     `json:"state"`
	Local  *BranchStatus `json:"local,omitempty"`
	Synced *BranchStatus `json:"synced,omitempty"`
	Remote *RemoteStatus `json:"remote,omitempty"`
}

type BranchStatus struct {
	Version    *Version  `json:"version,omitempty"`
	IsArchived bool      `json:"is_archived,omitempty"`
	Archived   []Version `json:"archived,omitempty"`
}

// RemoteStatus splits known remote versions at the synced point so callers
// can tell already-seen remote history from history beyond the synced marker.
type RemoteStatus struct {
	Version    *Version  `json:"version,omitempty"`
	IsArchived bool      `json:"is_archived,omitempty"`
	Archived   []Version `json:"archived,omitempty"`
	Seen       []Version `json:"seen,omitempty"`
	Unseen     []Version `json:"unseen,omitempty"`
}

// VersionListEntry is one known version of an object and which sides still
// hold it. Archived marks a retention beyond current tenure on some side.
type VersionListEntry struct {
	Version  Version `json:"version"`
	Local    bool    `json:"local,omitempty"`
	Synced   bool    `json:"synced,omitempty"`
	Remote   bool    `json:"remote,omitempty"`
	Archived bool    `json:"archived,omitempty"`
}
