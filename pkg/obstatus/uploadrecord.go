package obstatus

import (
	"fmt"

	"github.com/obsync/obsync/pkg/obtypes"
	"github.com/obsync/obsync/pkg/versiongraph"
)

// The UploadStatusRecorder contract of the upload scheduler. Upload version
// mismatches here are consistency errors: they mean a caller bypassed the
// per-object serialization discipline, and are never absorbed.

// RecordUploadStart registers a new-version upload. Fails with
// alreadyUploading if an upload is recorded, and with versionNotFound if
// the task's local version no longer matches the current local version
// (prevents uploading stale content after a concurrent edit).
func (s *ObjStatus) RecordUploadStart(info *obtypes.NewVersionUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Upload != nil {
		return &obtypes.SyncError{Kind: obtypes.SyncErrAlreadyUploading, ObjId: s.info.ObjId}
	}

	if s.info.Local == nil || s.info.Local.Current == nil || *s.info.Local.Current != info.LocalVersion {
		return &obtypes.SyncError{
			Kind:    obtypes.SyncErrVersionNotFound,
			ObjId:   s.info.ObjId,
			Version: info.LocalVersion,
		}
	}

	s.info.Upload = &obtypes.UploadInfo{NewVersion: info}

	return s.commit()
}

// RecordUploadInterimState checkpoints chunk progress of the in-flight
// upload so a crash resumes from the last durable state.
func (s *ObjStatus) RecordUploadInterimState(info *obtypes.NewVersionUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.matchUploadRecord(info); err != nil {
		return err
	}

	s.info.Upload.NewVersion = info

	return s.commit()
}

// RecordUploadCancellation discards the in-flight upload record. The object
// stays unsynced/conflicting for a future retry attempt.
func (s *ObjStatus) RecordUploadCancellation(info *obtypes.NewVersionUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.matchUploadRecord(info); err != nil {
		return err
	}

	s.info.Upload = nil

	return s.commit()
}

// RecordUploadCompletion folds the uploaded version into remote and synced.
// Local is cleared only if it still matches the uploaded local version; a
// newer local edit keeps the object unsynced. Returned garbage versions are
// local version files no longer needed.
func (s *ObjStatus) RecordUploadCompletion(localVersion obtypes.Version, uploadVersion obtypes.Version) ([]obtypes.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Upload == nil || s.info.Upload.NewVersion == nil {
		return nil, fmt.Errorf("obj %q: upload completion without an upload record", s.info.ObjId)
	}

	recorded := s.info.Upload.NewVersion
	if recorded.LocalVersion != localVersion || recorded.UploadVersion != uploadVersion {
		return nil, fmt.Errorf(
			"obj %q: upload completion (%d→%d) does not match recorded upload (%d→%d)",
			s.info.ObjId, localVersion, uploadVersion,
			recorded.LocalVersion, recorded.UploadVersion)
	}

	baseVersion := copyVersionRef(recorded.BaseVersion)

	if s.info.Remote == nil {
		s.info.Remote = &obtypes.RemoteVersions{}
	}

	if _, err := versiongraph.SetCurrentVersion(&s.info.Remote.VersionsInfo, uploadVersion, baseVersion); err != nil {
		return nil, err
	}

	s.info.Synced = &obtypes.SyncedVersion{
		Version: obtypes.VersionRef(uploadVersion),
		Base:    baseVersion,
	}

	garbage := []obtypes.Version{}

	if s.info.Local != nil && s.info.Local.Current != nil && *s.info.Local.Current == localVersion {
		garbage = versiongraph.RemoveCurrentVersion(&s.info.Local.VersionsInfo)
		s.info.Local = nil
	}

	s.info.Upload = nil

	return garbage, s.commit()
}

// RecordRemovalUploadCompletion finishes a queued removal upload: the
// tombstone is now on the server.
func (s *ObjStatus) RecordRemovalUploadCompletion() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Upload == nil || s.info.Upload.Removal == nil {
		return fmt.Errorf("obj %q: removal completion without a removal record", s.info.ObjId)
	}

	if s.info.Remote == nil {
		s.info.Remote = &obtypes.RemoteVersions{}
	}
	s.info.Remote.IsArchived = true

	if s.info.Synced != nil {
		s.info.Synced.IsArchived = true
	}

	s.info.Local = nil
	s.info.Upload = nil

	return s.commit()
}

// must hold mu
func (s *ObjStatus) matchUploadRecord(info *obtypes.NewVersionUpload) error {
	if s.info.Upload == nil || s.info.Upload.NewVersion == nil {
		return fmt.Errorf("obj %q: no new-version upload in progress", s.info.ObjId)
	}

	recorded := s.info.Upload.NewVersion
	if recorded.LocalVersion != info.LocalVersion || recorded.UploadVersion != info.UploadVersion {
		return fmt.Errorf(
			"obj %q: upload record (%d→%d) does not match given (%d→%d)",
			s.info.ObjId, recorded.LocalVersion, recorded.UploadVersion,
			info.LocalVersion, info.UploadVersion)
	}

	return nil
}
