package obstatus

import (
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
	"github.com/obsync/obsync/pkg/obtypes"
)

func TestSyncStateClassification(t *testing.T) {
	local := func(current obtypes.Version) *obtypes.LocalVersions {
		return &obtypes.LocalVersions{
			VersionsInfo: obtypes.VersionsInfo{Current: obtypes.VersionRef(current)},
		}
	}
	synced := func(version obtypes.Version) *obtypes.SyncedVersion {
		return &obtypes.SyncedVersion{Version: obtypes.VersionRef(version)}
	}
	remote := func(current obtypes.Version) *obtypes.RemoteVersions {
		return &obtypes.RemoteVersions{
			VersionsInfo: obtypes.VersionsInfo{Current: obtypes.VersionRef(current)},
		}
	}

	classify := func(l *obtypes.LocalVersions, s *obtypes.SyncedVersion, r *obtypes.RemoteVersions) string {
		return SyncStateOf(l, s, r).String()
	}

	// no synced marker: three-valued comparison is undefined, so the state
	// is unsynced even with only remote versions present
	assert.EqualString(t, classify(nil, nil, remote(5)), "unsynced")
	assert.EqualString(t, classify(local(3), nil, nil), "unsynced")
	assert.EqualString(t, classify(nil, nil, nil), "unsynced")

	// remote matches synced
	assert.EqualString(t, classify(nil, synced(2), remote(2)), "synced")
	assert.EqualString(t, classify(local(3), synced(2), remote(2)), "unsynced")

	// remote advanced past synced
	assert.EqualString(t, classify(nil, synced(2), remote(4)), "behind")
	assert.EqualString(t, classify(local(3), synced(2), remote(4)), "conflicting")

	// remote unknown counts as matching
	assert.EqualString(t, classify(nil, synced(2), nil), "synced")
}

func TestClassifierIsPure(t *testing.T) {
	local := &obtypes.LocalVersions{
		VersionsInfo: obtypes.VersionsInfo{Current: obtypes.VersionRef(3)},
	}
	synced := &obtypes.SyncedVersion{Version: obtypes.VersionRef(2)}
	remote := &obtypes.RemoteVersions{
		VersionsInfo: obtypes.VersionsInfo{Current: obtypes.VersionRef(4)},
	}

	first := SyncStateOf(local, synced, remote)
	second := SyncStateOf(local, synced, remote)

	assert.Assert(t, first == second)
	assert.EqualString(t, first.String(), "conflicting")
}

func TestLocalEditThenUploadLifecycle(t *testing.T) {
	s := newStatus(t)

	_, err := s.SetLocalCurrentVersion(1, nil)
	assert.Ok(t, err)
	assert.EqualString(t, s.State().String(), "unsynced")

	upload := &obtypes.NewVersionUpload{
		LocalVersion:  1,
		UploadVersion: 1,
		NeedUpload: &obtypes.NeedUpload{
			Whole: &obtypes.WholeVerOrderedUpload{SegsLeft: 100},
		},
	}

	assert.Ok(t, s.RecordUploadStart(upload))

	// second start must fail
	err = s.RecordUploadStart(upload)
	assert.Assert(t, obtypes.IsSyncError(err, obtypes.SyncErrAlreadyUploading))

	// chunk progress checkpoint
	upload.NeedUpload.Whole.SegsLeft = 50
	upload.NeedUpload.Whole.SegsOfs = 50
	upload.NeedUpload.Whole.TransactionId = "tx-1"
	assert.Ok(t, s.RecordUploadInterimState(upload))

	_, err = s.RecordUploadCompletion(1, 1)
	assert.Ok(t, err)

	assert.EqualString(t, s.State().String(), "synced")
	assert.Assert(t, s.UploadInfo() == nil)
	assert.Assert(t, s.RemoteCurrentVersion() == 1)
}

func TestUploadStartRejectsStaleLocalVersion(t *testing.T) {
	s := newStatus(t)

	_, err := s.SetLocalCurrentVersion(2, nil)
	assert.Ok(t, err)

	err = s.RecordUploadStart(&obtypes.NewVersionUpload{LocalVersion: 1, UploadVersion: 1})
	assert.Assert(t, obtypes.IsSyncError(err, obtypes.SyncErrVersionNotFound))
}

func TestNewerEditDuringUploadKeepsLocal(t *testing.T) {
	s := newStatus(t)

	_, err := s.SetLocalCurrentVersion(1, nil)
	assert.Ok(t, err)

	assert.Ok(t, s.RecordUploadStart(&obtypes.NewVersionUpload{LocalVersion: 1, UploadVersion: 1}))

	// concurrent edit while uploading; the new edit diffs against 1
	_, err = s.SetLocalCurrentVersion(2, obtypes.VersionRef(1))
	assert.Ok(t, err)

	_, err = s.RecordUploadCompletion(1, 1)
	assert.Ok(t, err)

	// local edit survived the completion: still unsynced
	assert.EqualString(t, s.State().String(), "unsynced")
	assert.Assert(t, s.LocalCurrentVersion() == 2)
}

func TestRemoteChangeMonotonicMerge(t *testing.T) {
	s := newStatus(t)

	changed, _, err := s.RecordRemoteChange(3)
	assert.Ok(t, err)
	assert.Assert(t, changed)

	// out-of-order (stale) notification is absorbed, no disk write
	savesBefore := s.saves
	changed, _, err = s.RecordRemoteChange(2)
	assert.Ok(t, err)
	assert.Assert(t, !changed)
	assert.Assert(t, s.saves == savesBefore)

	changed, _, err = s.RecordRemoteChange(4)
	assert.Ok(t, err)
	assert.Assert(t, changed)
}

func TestRecordStatusFromServerIdempotence(t *testing.T) {
	s := newStatus(t)

	changed, _, err := s.RecordStatusFromServer(5, []obtypes.Version{2, 3})
	assert.Ok(t, err)
	assert.Assert(t, changed)

	savesBefore := s.saves

	changed, _, err = s.RecordStatusFromServer(5, []obtypes.Version{2, 3})
	assert.Ok(t, err)
	assert.Assert(t, !changed)
	assert.Assert(t, s.saves == savesBefore)

	// server dropped archived 2 => it becomes garbage here
	changed, garbage, err := s.RecordStatusFromServer(5, []obtypes.Version{3})
	assert.Ok(t, err)
	assert.Assert(t, changed)
	assert.Assert(t, len(garbage) == 1 && garbage[0] == 2)
}

func TestRemovalQueuedAsPostponed(t *testing.T) {
	s := newStatus(t)

	// object is synced at version 2
	_, _, err := s.RecordRemoteChange(2)
	assert.Ok(t, err)
	_, err = s.AdoptRemoteVersion(nil)
	assert.Ok(t, err)
	assert.EqualString(t, s.State().String(), "synced")

	_, err = s.RemoveCurrentVersion()
	assert.Ok(t, err)

	upload := s.UploadInfo()
	assert.Assert(t, upload != nil && upload.Removal != nil)
	assert.Assert(t, upload.Removal.IsPostponed)

	// postponed removal is not yet actionable
	assert.Assert(t, !s.NeedsRemovalOnRemote())

	assert.Ok(t, s.ClearRemovalPostponement())
	assert.Assert(t, s.NeedsRemovalOnRemote())

	// removal is idempotent-safe: repeat is a silent no-op
	_, err = s.RemoveCurrentVersion()
	assert.Ok(t, err)

	assert.Ok(t, s.RecordRemovalUploadCompletion())
	assert.Assert(t, s.UploadInfo() == nil)
}

func TestRemoveDuringNewVersionUploadIsConcurrentUpdate(t *testing.T) {
	s := newStatus(t)

	_, err := s.SetLocalCurrentVersion(1, nil)
	assert.Ok(t, err)
	assert.Ok(t, s.RecordUploadStart(&obtypes.NewVersionUpload{LocalVersion: 1, UploadVersion: 1}))

	_, err = s.RemoveCurrentVersion()
	assert.Assert(t, obtypes.IsFileError(err, obtypes.FileErrConcurrentUpdate))
}

func TestAdoptRemoteVersion(t *testing.T) {
	s := newStatus(t)

	// behind: synced=2, remote=4
	_, _, err := s.RecordRemoteChange(2)
	assert.Ok(t, err)
	_, err = s.AdoptRemoteVersion(nil)
	assert.Ok(t, err)
	_, _, err = s.RecordRemoteChange(4)
	assert.Ok(t, err)
	assert.EqualString(t, s.State().String(), "behind")

	_, err = s.AdoptRemoteVersion(nil)
	assert.Ok(t, err)
	assert.EqualString(t, s.State().String(), "synced")

	// conflicting: local edit + remote advance
	_, err = s.SetLocalCurrentVersion(5, nil)
	assert.Ok(t, err)
	_, _, err = s.RecordRemoteChange(6)
	assert.Ok(t, err)
	assert.EqualString(t, s.State().String(), "conflicting")

	// blind adoption from conflicting fails loudly
	_, err = s.AdoptRemoteVersion(nil)
	assert.Assert(t, obtypes.IsSyncError(err, obtypes.SyncErrConflict))

	// explicit version discards local edits
	garbage, err := s.AdoptRemoteVersion(obtypes.VersionRef(6))
	assert.Ok(t, err)
	assert.Assert(t, len(garbage) == 1 && garbage[0] == 5)
	assert.EqualString(t, s.State().String(), "synced")
}

func TestBaseOfLocalVersion(t *testing.T) {
	s := newStatus(t)

	// synced at 2, then local diffs 3←4←5 on top of it
	_, _, err := s.RecordRemoteChange(2)
	assert.Ok(t, err)
	_, err = s.AdoptRemoteVersion(nil)
	assert.Ok(t, err)

	_, err = s.SetLocalCurrentVersion(3, obtypes.VersionRef(2))
	assert.Ok(t, err)
	_, err = s.SetLocalCurrentVersion(4, obtypes.VersionRef(3))
	assert.Ok(t, err)
	_, err = s.SetLocalCurrentVersion(5, obtypes.VersionRef(4))
	assert.Ok(t, err)

	base, err := s.BaseOfLocalVersion(5)
	assert.Ok(t, err)

	assert.Assert(t, base.SyncedBase != nil && *base.SyncedBase == 2)
	// closest-base-first
	assert.Assert(t, len(base.LocalBases) == 2)
	assert.Assert(t, base.LocalBases[0] == 4)
	assert.Assert(t, base.LocalBases[1] == 3)

	_, err = s.BaseOfLocalVersion(9)
	assert.Assert(t, obtypes.IsSyncError(err, obtypes.SyncErrVersionNotFound))
}

func TestStatusSurvivesReload(t *testing.T) {
	dir := t.TempDir()

	s, err := CreateNew(dir, "obj-1", logex.Discard)
	assert.Ok(t, err)

	_, err = s.SetLocalCurrentVersion(3, nil)
	assert.Ok(t, err)
	_, _, err = s.RecordRemoteChange(2)
	assert.Ok(t, err)

	reloaded, err := Load(dir, logex.Discard)
	assert.Ok(t, err)

	assert.Assert(t, reloaded.LocalCurrentVersion() == 3)
	assert.Assert(t, reloaded.RemoteCurrentVersion() == 2)
	// state is recomputed on load, not read back
	assert.EqualString(t, reloaded.State().String(), "unsynced")
}

func TestSyncStatusSplitsRemoteAtSyncedPoint(t *testing.T) {
	s := newStatus(t)

	_, _, err := s.RecordStatusFromServer(5, []obtypes.Version{2, 4})
	assert.Ok(t, err)
	_, err = s.AdoptRemoteVersion(obtypes.VersionRef(4))
	assert.Ok(t, err)

	status := s.SyncStatus()

	assert.EqualString(t, status.State.String(), "behind")
	assert.Assert(t, len(status.Remote.Seen) == 2) // 2, 4
	assert.Assert(t, status.Remote.Seen[0] == 2 && status.Remote.Seen[1] == 4)
	assert.Assert(t, len(status.Remote.Unseen) == 1 && status.Remote.Unseen[0] == 5)
}

func newStatus(t *testing.T) *ObjStatus {
	s, err := CreateNew(t.TempDir(), "obj-under-test", logex.Discard)
	assert.Ok(t, err)

	return s
}
