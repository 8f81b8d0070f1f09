// Authoritative, crash-safe record of one object's three-way version state
// (local vs. remote vs. synced) and its pending upload/removal work. Every
// mutating method persists the status file before returning.
package obstatus

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
	"github.com/obsync/obsync/pkg/obtypes"
	"github.com/obsync/obsync/pkg/versiongraph"
)

const statusFilename = "status"

// ObjStatus is the single owner of mutable sync-state truth for one object.
// No other component may mutate the persisted status file directly.
type ObjStatus struct {
	dir  string
	logl *logex.Leveled

	// serializes mutations and status-file writes, so a torn or
	// out-of-order write of the persisted state can never happen
	mu sync.Mutex

	info  obtypes.ObjStatusInfo
	state obtypes.SyncState // derived; recomputed, never assigned directly

	saves int // for idempotence tests: number of status-file writes
}

// CreateNew initializes status for a brand-new object that exists nowhere
// yet. Errors if the object directory already has a status file.
func CreateNew(dir string, objId obtypes.ObjId, logger *log.Logger) (*ObjStatus, error) {
	s := &ObjStatus{
		dir:  dir,
		logl: logex.Levels(logger),
		info: obtypes.ObjStatusInfo{ObjId: objId},
	}

	if _, err := os.Stat(s.statusPath()); err == nil {
		return nil, &obtypes.FileError{Kind: obtypes.FileErrAlreadyExists, Path: s.statusPath()}
	}

	s.recompute()

	if err := s.save(); err != nil {
		return nil, err
	}

	return s, nil
}

// CreateFromRemote initializes status for an object that was just fetched
// from the server: the fetched version is both remote current and synced.
func CreateFromRemote(dir string, objId obtypes.ObjId, version obtypes.Version, logger *log.Logger) (*ObjStatus, error) {
	s := &ObjStatus{
		dir:  dir,
		logl: logex.Levels(logger),
		info: obtypes.ObjStatusInfo{
			ObjId: objId,
			Synced: &obtypes.SyncedVersion{
				Version: obtypes.VersionRef(version),
			},
			Remote: &obtypes.RemoteVersions{
				VersionsInfo: obtypes.VersionsInfo{
					Current: obtypes.VersionRef(version),
				},
			},
		},
	}

	if _, err := os.Stat(s.statusPath()); err == nil {
		return nil, &obtypes.FileError{Kind: obtypes.FileErrAlreadyExists, Path: s.statusPath()}
	}

	s.recompute()

	return s, s.save()
}

// Load reads a previously persisted status file; the result is kept as the
// sole in-memory source of truth for the storage's lifetime.
func Load(dir string, logger *log.Logger) (*ObjStatus, error) {
	s := &ObjStatus{
		dir:  dir,
		logl: logex.Levels(logger),
	}

	if err := jsonfile.Read(s.statusPath(), &s.info, true); err != nil {
		if os.IsNotExist(err) {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: s.statusPath(), Cause: err}
		}

		return nil, &obtypes.FileError{Kind: obtypes.FileErrParsing, Path: s.statusPath(), Cause: err}
	}

	s.recompute()

	return s, nil
}

func (s *ObjStatus) ObjId() obtypes.ObjId {
	return s.info.ObjId
}

func (s *ObjStatus) Dir() string {
	return s.dir
}

// State returns the derived sync-state classification.
func (s *ObjStatus) State() obtypes.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// SyncStatus produces the externally visible read-only snapshot.
func (s *ObjStatus) SyncStatus() obtypes.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := obtypes.SyncStatus{State: s.state}

	if local := s.info.Local; local != nil {
		status.Local = &obtypes.BranchStatus{
			Version:    copyVersionRef(local.Current),
			IsArchived: local.IsArchived,
			Archived:   append([]obtypes.Version{}, local.Archived...),
		}
	}

	if synced := s.info.Synced; synced != nil {
		status.Synced = &obtypes.BranchStatus{
			Version:    copyVersionRef(synced.Version),
			IsArchived: synced.IsArchived,
		}
	}

	if remote := s.info.Remote; remote != nil {
		remoteStatus := &obtypes.RemoteStatus{
			Version:    copyVersionRef(remote.Current),
			IsArchived: remote.IsArchived,
			Archived:   append([]obtypes.Version{}, remote.Archived...),
		}

		// split known remote versions at the synced point
		syncedAt := obtypes.Version(0)
		if s.info.Synced != nil && s.info.Synced.Version != nil {
			syncedAt = *s.info.Synced.Version
		}

		for _, ver := range versiongraph.NonGarbageVersions(&remote.VersionsInfo) {
			if ver <= syncedAt {
				remoteStatus.Seen = append(remoteStatus.Seen, ver)
			} else {
				remoteStatus.Unseen = append(remoteStatus.Unseen, ver)
			}
		}

		status.Remote = remoteStatus
	}

	return status
}

// UploadInfo returns a copy of the in-flight upload record, or nil.
func (s *ObjStatus) UploadInfo() *obtypes.UploadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Upload == nil {
		return nil
	}

	clone := *s.info.Upload
	if clone.NewVersion != nil {
		nv := *clone.NewVersion
		clone.NewVersion = &nv
	}
	if clone.Removal != nil {
		rm := *clone.Removal
		clone.Removal = &rm
	}

	return &clone
}

// LocalCurrentVersion returns the current local (un-uploaded) version, or
// 0 if there is none.
func (s *ObjStatus) LocalCurrentVersion() obtypes.Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Local == nil || s.info.Local.Current == nil {
		return 0
	}

	return *s.info.Local.Current
}

// RemoteCurrentVersion returns the last known remote current version, or 0.
func (s *ObjStatus) RemoteCurrentVersion() obtypes.Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Remote == nil || s.info.Remote.Current == nil {
		return 0
	}

	return *s.info.Remote.Current
}

// NextLocalVersion picks the version number a new local edit should get:
// one past everything we know about, on either side.
func (s *ObjStatus) NextLocalVersion() obtypes.Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	highest := obtypes.Version(0)

	observe := func(vi *obtypes.VersionsInfo) {
		if vi == nil {
			return
		}
		for _, ver := range versiongraph.NonGarbageVersions(vi) {
			if ver > highest {
				highest = ver
			}
		}
	}

	if s.info.Local != nil {
		observe(&s.info.Local.VersionsInfo)
	}
	if s.info.Remote != nil {
		observe(&s.info.Remote.VersionsInfo)
	}
	if s.info.Synced != nil && s.info.Synced.Version != nil && *s.info.Synced.Version > highest {
		highest = *s.info.Synced.Version
	}

	return highest + 1
}

func (s *ObjStatus) statusPath() string {
	return filepath.Join(s.dir, statusFilename)
}

// must hold mu
func (s *ObjStatus) recompute() {
	// a local branch with neither versions nor a tombstone carries no
	// information; normalize it away so classification sees "no local edits"
	if s.info.Local != nil && s.info.Local.Current == nil &&
		len(s.info.Local.Archived) == 0 && !s.info.Local.IsArchived {
		s.info.Local = nil
	}

	s.state = SyncStateOf(s.info.Local, s.info.Synced, s.info.Remote)
}

// must hold mu
func (s *ObjStatus) save() error {
	s.saves++

	return atomicfilewrite.Write(s.statusPath(), func(w io.Writer) error {
		return jsonfile.Marshal(w, &s.info)
	})
}

// must hold mu; recompute-then-persist tail of every mutator
func (s *ObjStatus) commit() error {
	s.recompute()

	if err := s.save(); err != nil {
		return fmt.Errorf("obj %q status save: %w", s.info.ObjId, err)
	}

	return nil
}

func copyVersionRef(v *obtypes.Version) *obtypes.Version {
	if v == nil {
		return nil
	}

	return obtypes.VersionRef(*v)
}
