package obstatus

import (
	"github.com/obsync/obsync/pkg/obtypes"
)

// isSyncedCurrentWithRemote is three-valued: nil when there is no synced
// marker to compare against, otherwise whether the remote side has not
// advanced past the synced marker.
func isSyncedCurrentWithRemote(synced *obtypes.SyncedVersion, remote *obtypes.RemoteVersions) *bool {
	if synced == nil || synced.Version == nil {
		return nil
	}

	matches := true
	if remote != nil && remote.Current != nil {
		matches = *remote.Current == *synced.Version
	}

	return &matches
}

// SyncStateOf classifies the three-way version state. It is deterministic in
// its inputs; mutators recompute it instead of ever assigning a state:
//
//	synced marker missing            → unsynced (with or without local edits)
//	remote advanced, no local edits  → behind
//	remote advanced, local edits     → conflicting
//	remote matches, local edits      → unsynced
//	remote matches, no local edits   → synced
func SyncStateOf(
	local *obtypes.LocalVersions,
	synced *obtypes.SyncedVersion,
	remote *obtypes.RemoteVersions,
) obtypes.SyncState {
	matches := isSyncedCurrentWithRemote(synced, remote)
	hasLocal := local != nil

	if matches == nil {
		return obtypes.StateUnsynced
	}

	if *matches {
		if hasLocal {
			return obtypes.StateUnsynced
		}
		return obtypes.StateSynced
	}

	if hasLocal {
		return obtypes.StateConflicting
	}

	return obtypes.StateBehind
}
