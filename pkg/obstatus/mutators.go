package obstatus

import (
	"sort"

	"github.com/obsync/obsync/pkg/obtypes"
	"github.com/obsync/obsync/pkg/versiongraph"
)

// SetLocalCurrentVersion records a new local edit. Always legal. Returned
// garbage versions are local version files the caller should delete.
func (s *ObjStatus) SetLocalCurrentVersion(version obtypes.Version, base *obtypes.Version) ([]obtypes.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Local == nil {
		s.info.Local = &obtypes.LocalVersions{}
	}

	garbage, err := versiongraph.SetCurrentVersion(&s.info.Local.VersionsInfo, version, base)
	if err != nil {
		return nil, err
	}

	s.info.Local.IsArchived = false

	return garbage, s.commit()
}

// RemoveCurrentVersion marks the object as removed (tombstoned) locally.
// No-op if already archived on either side. If a remote current version
// exists, a postponed RemovalUpload is queued; the postpone flag must be
// cleared by a caller that has confirmed ordering preconditions (e.g. all
// children removed first).
//
// Asymmetry with in-flight uploads is deliberate: an in-flight removal
// upload makes this a silent no-op (removal is idempotent-safe), while an
// in-flight new-version upload is a concurrent-update error.
func (s *ObjStatus) RemoveCurrentVersion() ([]obtypes.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Upload != nil {
		if s.info.Upload.Removal != nil {
			return nil, nil
		}

		return nil, &obtypes.FileError{Kind: obtypes.FileErrConcurrentUpdate}
	}

	alreadyArchived := (s.info.Local != nil && s.info.Local.IsArchived) ||
		(s.info.Remote != nil && s.info.Remote.IsArchived)
	if alreadyArchived {
		return nil, nil
	}

	var prevLocalCurrent *obtypes.Version

	garbage := []obtypes.Version{}

	if s.info.Local != nil {
		prevLocalCurrent = copyVersionRef(s.info.Local.Current)
		garbage = versiongraph.RemoveCurrentVersion(&s.info.Local.VersionsInfo)
	} else {
		s.info.Local = &obtypes.LocalVersions{}
	}

	s.info.Local.IsArchived = true

	if s.info.Remote != nil && s.info.Remote.Current != nil {
		s.info.Upload = &obtypes.UploadInfo{
			Removal: &obtypes.RemovalUpload{
				IsPostponed:  true,
				LocalVersion: prevLocalCurrent,
			},
		}
	}

	return garbage, s.commit()
}

// ClearRemovalPostponement is called once ordering preconditions of the
// queued removal have been confirmed.
func (s *ObjStatus) ClearRemovalPostponement() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Upload == nil || s.info.Upload.Removal == nil {
		return &obtypes.SyncError{Kind: obtypes.SyncErrVersionNotFound, ObjId: s.info.ObjId}
	}

	s.info.Upload.Removal.IsPostponed = false

	return s.commit()
}

// NeedsRemovalOnRemote reports whether a non-postponed removal upload is
// queued for this object.
func (s *ObjStatus) NeedsRemovalOnRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.info.Upload != nil &&
		s.info.Upload.Removal != nil &&
		!s.info.Upload.Removal.IsPostponed
}

// RecordRemoteChange notes a server-observed new current version. Updates
// older than or equal to what is already known are ignored (monotonic
// merge), tolerating out-of-order notifications. First return tells whether
// anything changed; replaying an already-seen version causes no disk write.
func (s *ObjStatus) RecordRemoteChange(version obtypes.Version) (bool, []obtypes.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Remote != nil && s.info.Remote.Current != nil && version <= *s.info.Remote.Current {
		return false, nil, nil
	}

	if s.info.Remote == nil {
		s.info.Remote = &obtypes.RemoteVersions{}
	}

	garbage, err := versiongraph.SetCurrentVersion(&s.info.Remote.VersionsInfo, version, nil)
	if err != nil {
		return false, nil, err
	}

	return true, garbage, s.commit()
}

// RecordStatusFromServer reconciles with the server's authoritative
// {current, archived} answer. Archived versions no longer reported by the
// server are garbage-collected. Idempotent: replaying an identical payload
// produces no state change and no disk write.
func (s *ObjStatus) RecordStatusFromServer(current obtypes.Version, archived []obtypes.Version) (bool, []obtypes.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Remote == nil {
		s.info.Remote = &obtypes.RemoteVersions{}
	}
	remote := s.info.Remote

	changed := false
	garbage := []obtypes.Version{}

	if current > 0 && (remote.Current == nil || current > *remote.Current) {
		g, err := versiongraph.SetCurrentVersion(&remote.VersionsInfo, current, nil)
		if err != nil {
			return false, nil, err
		}

		garbage = append(garbage, g...)
		changed = true
	}

	reported := map[obtypes.Version]bool{}
	for _, ver := range archived {
		reported[ver] = true

		if !containsSorted(remote.Archived, ver) {
			versiongraph.AddArchived(&remote.VersionsInfo, ver)
			changed = true
		}
	}

	for _, ver := range append([]obtypes.Version{}, remote.Archived...) {
		if !reported[ver] {
			g, _ := versiongraph.RemoveArchivedVersion(&remote.VersionsInfo, ver)
			garbage = append(garbage, g...)
			changed = true
		}
	}

	if !changed {
		return false, nil, nil
	}

	return true, garbage, s.commit()
}

// RecordRemoteRemoval notes that the object is archived/removed on the
// server side.
func (s *ObjStatus) RecordRemoteRemoval() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Remote == nil {
		s.info.Remote = &obtypes.RemoteVersions{}
	}

	if s.info.Remote.IsArchived {
		return nil
	}

	s.info.Remote.IsArchived = true

	return s.commit()
}

// AdoptRemoteVersion moves the synced marker to a remote version. Legal
// from behind (or first-time adoption without local edits); a no-op from
// synced. From conflicting it fails unless an explicit version is supplied,
// since blind adoption would silently discard local edits. Returned garbage
// versions are discarded local version files.
func (s *ObjStatus) AdoptRemoteVersion(version *obtypes.Version) ([]obtypes.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == obtypes.StateSynced {
		return nil, nil
	}

	hasLocal := s.info.Local != nil

	if hasLocal && version == nil {
		return nil, &obtypes.SyncError{Kind: obtypes.SyncErrConflict, ObjId: s.info.ObjId}
	}

	adopt := version
	if adopt == nil {
		if s.info.Remote == nil || s.info.Remote.Current == nil {
			return nil, &obtypes.SyncError{Kind: obtypes.SyncErrVersionNotFound, ObjId: s.info.ObjId}
		}

		adopt = copyVersionRef(s.info.Remote.Current)
	}

	garbage := []obtypes.Version{}

	if hasLocal {
		garbage = append(garbage, versiongraph.NonGarbageVersions(&s.info.Local.VersionsInfo)...)
		s.info.Local = nil
	}

	s.info.Synced = &obtypes.SyncedVersion{Version: adopt}

	return garbage, s.commit()
}

// ArchiveLocalVersion retains a local version after it is superseded.
func (s *ObjStatus) ArchiveLocalVersion(version obtypes.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Local == nil {
		return &obtypes.SyncError{Kind: obtypes.SyncErrVersionNotFound, ObjId: s.info.ObjId, Version: version}
	}

	versiongraph.AddArchived(&s.info.Local.VersionsInfo, version)

	return s.commit()
}

// BaseOfLocal describes what a local version's diff chain bottoms out on:
// either a version known on the synced/remote side, or nothing but further
// purely-local versions. This is what lets an upload decide "diff against
// remote" vs. "must send whole content plus intermediate local bases."
type BaseOfLocal struct {
	SyncedBase *obtypes.Version  // set when the chain reaches a remote/synced version
	LocalBases []obtypes.Version // purely local bases, closest-base-first
}

func (s *ObjStatus) BaseOfLocalVersion(version obtypes.Version) (*BaseOfLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Local == nil {
		return nil, &obtypes.SyncError{Kind: obtypes.SyncErrVersionNotFound, ObjId: s.info.ObjId, Version: version}
	}

	known := versiongraph.NonGarbageVersions(&s.info.Local.VersionsInfo)
	if !containsSorted(known, version) {
		return nil, &obtypes.SyncError{Kind: obtypes.SyncErrVersionNotFound, ObjId: s.info.ObjId, Version: version}
	}

	result := &BaseOfLocal{LocalBases: []obtypes.Version{}}

	cur := version
	for {
		base, isDiff := s.info.Local.DiffToBase[cur]
		if !isDiff {
			break
		}

		if s.isOnSyncedSide(base) {
			result.SyncedBase = obtypes.VersionRef(base)
			break
		}

		result.LocalBases = append(result.LocalBases, base)
		cur = base
	}

	return result, nil
}

// VersionReferencedOnSyncedSide reports whether the synced marker or the
// known remote set still needs this version. Local garbage collection must
// not delete such a version's file: the local graph may declare a version
// garbage while the other side still reads through it.
func (s *ObjStatus) VersionReferencedOnSyncedSide(version obtypes.Version) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.isOnSyncedSide(version)
}

// must hold mu
func (s *ObjStatus) isOnSyncedSide(version obtypes.Version) bool {
	if s.info.Synced != nil && s.info.Synced.Version != nil && *s.info.Synced.Version == version {
		return true
	}

	if s.info.Remote != nil {
		return containsSorted(versiongraph.NonGarbageVersions(&s.info.Remote.VersionsInfo), version)
	}

	return false
}

func containsSorted(sorted []obtypes.Version, ver obtypes.Version) bool {
	idx := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= ver })
	return idx < len(sorted) && sorted[idx] == ver
}
