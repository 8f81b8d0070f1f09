package obstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/obsync/obsync/pkg/obevents"
	"github.com/obsync/obsync/pkg/obfolder"
	"github.com/obsync/obsync/pkg/obtypes"
)

// WriteOptions tune one write. IfVersion makes the write conditional on the
// visible version (optimistic concurrency against another writer); NoWait
// makes a held object lock a concurrent-update error instead of a wait.
type WriteOptions struct {
	IfVersion *obtypes.Version
	NoWait    bool
}

func (s *Store) lockObj(ctx context.Context, objId obtypes.ObjId, noWait bool) (func(), error) {
	if noWait {
		unlock, ok := s.changes.TryLock(string(objId))
		if !ok {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrConcurrentUpdate}
		}

		return unlock, nil
	}

	return s.changes.Lock(ctx, string(objId))
}

// CreateFile makes a new file object with the given content and links it
// into the parent folder.
func (s *Store) CreateFile(ctx context.Context, path string, content []byte) error {
	parent, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return err
	}

	if _, taken := parent.ChildByName(name); taken {
		return &obtypes.FileError{Kind: obtypes.FileErrAlreadyExists, Path: path}
	}

	objId := newObjId()

	h, err := s.createHandle(objId, nil)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	if _, err := s.writeWholeVersion(h, 1, headerBytes(kindFile), content); err != nil {
		return obtypes.WithPath(err, path)
	}

	if _, err := h.status.SetLocalCurrentVersion(1, nil); err != nil {
		return obtypes.WithPath(err, path)
	}

	if err := s.index.MarkPendingUpload(objId); err != nil {
		return obtypes.WithPath(err, path)
	}

	return obtypes.WithPath(parent.AddChild(ctx, obtypes.NodeInfo{
		Name:   name,
		Key:    newNodeKey(),
		ObjId:  objId,
		IsFile: true,
	}), path)
}

// CreateFolder makes a new, empty folder object and links it into the
// parent. The empty child table is version 1, so the folder is uploadable
// right away.
func (s *Store) CreateFolder(ctx context.Context, path string) error {
	parent, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return err
	}

	if _, taken := parent.ChildByName(name); taken {
		return &obtypes.FileError{Kind: obtypes.FileErrAlreadyExists, Path: path}
	}

	objId := newObjId()

	h, err := s.createHandle(objId, nil)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	content, err := json.Marshal(obtypes.NewFolderInfo())
	if err != nil {
		return err
	}

	if _, err := s.writeWholeVersion(h, 1, headerBytes(kindFolder), content); err != nil {
		return obtypes.WithPath(err, path)
	}

	if _, err := h.status.SetLocalCurrentVersion(1, nil); err != nil {
		return obtypes.WithPath(err, path)
	}

	if err := s.index.MarkPendingUpload(objId); err != nil {
		return obtypes.WithPath(err, path)
	}

	return obtypes.WithPath(parent.AddChild(ctx, obtypes.NodeInfo{
		Name:     name,
		Key:      newNodeKey(),
		ObjId:    objId,
		IsFolder: true,
	}), path)
}

// ReadFile returns the file's visible version content, pulling missing
// bytes from remote storage as needed.
func (s *Store) ReadFile(ctx context.Context, path string) ([]byte, error) {
	node, err := s.resolveFile(ctx, path)
	if err != nil {
		return nil, err
	}

	h, err := s.ensureHandle(ctx, node.ObjId)
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	version := visibleVersion(h.status)
	if version == 0 {
		return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: path}
	}

	return s.readFileVersion(ctx, h, version, path)
}

// ReadFileVersion reads an explicit (e.g. archived) version of the file.
func (s *Store) ReadFileVersion(ctx context.Context, path string, version obtypes.Version) ([]byte, error) {
	node, err := s.resolveFile(ctx, path)
	if err != nil {
		return nil, err
	}

	h, err := s.ensureHandle(ctx, node.ObjId)
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	return s.readFileVersion(ctx, h, version, path)
}

func (s *Store) readFileVersion(ctx context.Context, h *objHandle, version obtypes.Version, path string) ([]byte, error) {
	headerPlain, content, err := s.readVersion(ctx, h, version)
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	header, err := parseHeader(headerPlain)
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}
	if header.Kind != kindFile {
		return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFile, Path: path}
	}

	return content, nil
}

// ReadFileRange reads n bytes at ofs of the file's visible version without
// materializing the whole version: only the missing ranges of the request
// are fetched.
func (s *Store) ReadFileRange(ctx context.Context, path string, ofs uint64, n uint64) ([]byte, error) {
	node, err := s.resolveFile(ctx, path)
	if err != nil {
		return nil, err
	}

	h, err := s.ensureHandle(ctx, node.ObjId)
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	version := visibleVersion(h.status)
	if version == 0 {
		return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: path}
	}

	obj, err := s.openVersion(ctx, h, version)
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	total := obj.TotalSegsLen()
	if ofs >= total {
		return []byte{}, nil
	}
	if ofs+n > total {
		n = total - ofs
	}

	buf := make([]byte, n)
	if err := obj.ReadSegsAt(ctx, buf, ofs); err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	if err := s.cryptor.TransformSegsAt(node.ObjId, ofs, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadJson reads the file and unmarshals its content.
func (s *Store) ReadJson(ctx context.Context, path string, v interface{}) error {
	content, err := s.ReadFile(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(content, v); err != nil {
		return &obtypes.FileError{Kind: obtypes.FileErrParsing, Path: path, Cause: err}
	}

	return nil
}

// WriteFile replaces the file's content as a new local version.
func (s *Store) WriteFile(ctx context.Context, path string, content []byte, opts *WriteOptions) error {
	if opts == nil {
		opts = &WriteOptions{}
	}

	node, err := s.resolveFile(ctx, path)
	if err != nil {
		return err
	}

	unlock, err := s.lockObj(ctx, node.ObjId, opts.NoWait)
	if err != nil {
		return obtypes.WithPath(err, path)
	}
	defer unlock()

	h, err := s.ensureHandle(ctx, node.ObjId)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	visible := visibleVersion(h.status)

	if opts.IfVersion != nil && *opts.IfVersion != visible {
		return &obtypes.SyncError{
			Kind:    obtypes.SyncErrVersionMismatch,
			ObjId:   node.ObjId,
			Version: visible,
		}
	}

	newVersion := h.status.NextLocalVersion()

	if _, err := s.writeWholeVersion(h, newVersion, headerBytes(kindFile), content); err != nil {
		return obtypes.WithPath(err, path)
	}

	// linking against a synced-side base is what makes the later upload a
	// diff transaction instead of a whole one
	var base *obtypes.Version
	if visible != 0 && h.status.VersionReferencedOnSyncedSide(visible) {
		base = obtypes.VersionRef(visible)
	}

	garbage, err := h.status.SetLocalCurrentVersion(newVersion, base)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	s.dropVersionFiles(h, garbage)

	return s.index.MarkPendingUpload(node.ObjId)
}

// ListFolder returns a snapshot of the folder's child table.
func (s *Store) ListFolder(ctx context.Context, path string) (*obtypes.FolderInfo, error) {
	folder, err := s.resolveFolder(ctx, path)
	if err != nil {
		return nil, err
	}

	return folder.Snapshot(), nil
}

// Remove unlinks the entry and tombstones its object. A folder must be
// empty first; children are never removed implicitly.
func (s *Store) Remove(ctx context.Context, path string) error {
	parent, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return err
	}

	node, found := parent.ChildByName(name)
	if !found {
		return &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: path}
	}

	if node.IsFolder {
		child, err := s.folderNode(ctx, node.ObjId)
		if err != nil {
			return obtypes.WithPath(err, path)
		}

		if len(child.Snapshot().Nodes) > 0 {
			return fmt.Errorf("%s: folder not empty", path)
		}
	}

	unlock, err := s.lockObj(ctx, node.ObjId, false)
	if err != nil {
		return obtypes.WithPath(err, path)
	}
	defer unlock()

	h, err := s.ensureHandle(ctx, node.ObjId)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	garbage, err := h.status.RemoveCurrentVersion()
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	s.dropVersionFiles(h, garbage)

	// the emptiness/leaf precondition was just verified, so a queued
	// removal upload need not stay postponed
	if info := h.status.UploadInfo(); info != nil && info.Removal != nil && info.Removal.IsPostponed {
		if err := h.status.ClearRemovalPostponement(); err != nil {
			return obtypes.WithPath(err, path)
		}

		if err := s.index.MarkPendingUpload(node.ObjId); err != nil {
			return obtypes.WithPath(err, path)
		}
	}

	s.forgetFolderNode(node.ObjId)

	return obtypes.WithPath(parent.RemoveChild(ctx, name), path)
}

// Rename gives the entry a new name within its folder.
func (s *Store) Rename(ctx context.Context, path string, newName string) error {
	parent, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return err
	}

	return obtypes.WithPath(parent.RenameChild(ctx, name, newName), path)
}

// GetAttrs returns the entry's extended attributes.
func (s *Store) GetAttrs(ctx context.Context, path string) (map[string][]byte, error) {
	parent, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return nil, err
	}

	node, found := parent.ChildByName(name)
	if !found {
		return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: path}
	}

	return node.Attrs, nil
}

// SetAttrs replaces the entry's extended attributes.
func (s *Store) SetAttrs(ctx context.Context, path string, attrs map[string][]byte) error {
	parent, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return err
	}

	return obtypes.WithPath(parent.SetChildAttrs(ctx, name, attrs), path)
}

// Watch subscribes to the object's change events. The caller must Close the
// subscription.
func (s *Store) Watch(ctx context.Context, path string) (*obevents.Subscription, error) {
	node, err := s.resolveNode(ctx, path)
	if err != nil {
		return nil, err
	}

	return s.events.Subscribe(node.ObjId), nil
}

// SyncStatusOf reports the object's three-way sync state snapshot.
func (s *Store) SyncStatusOf(ctx context.Context, path string) (*obtypes.SyncStatus, error) {
	node, err := s.resolveNode(ctx, path)
	if err != nil {
		return nil, err
	}

	h, err := s.ensureHandle(ctx, node.ObjId)
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	status := h.status.SyncStatus()

	return &status, nil
}

// ListVersions reports every version of the object some side still holds,
// sorted ascending.
func (s *Store) ListVersions(ctx context.Context, path string) ([]obtypes.VersionListEntry, error) {
	status, err := s.SyncStatusOf(ctx, path)
	if err != nil {
		return nil, err
	}

	byVersion := map[obtypes.Version]*obtypes.VersionListEntry{}

	touch := func(ver obtypes.Version) *obtypes.VersionListEntry {
		entry, found := byVersion[ver]
		if !found {
			entry = &obtypes.VersionListEntry{Version: ver}
			byVersion[ver] = entry
		}

		return entry
	}

	if branch := status.Local; branch != nil {
		if branch.Version != nil {
			touch(*branch.Version).Local = true
		}

		for _, ver := range branch.Archived {
			entry := touch(ver)
			entry.Local = true
			entry.Archived = true
		}
	}

	if branch := status.Synced; branch != nil {
		if branch.Version != nil {
			touch(*branch.Version).Synced = true
		}

		for _, ver := range branch.Archived {
			entry := touch(ver)
			entry.Synced = true
			entry.Archived = true
		}
	}

	if remote := status.Remote; remote != nil {
		if remote.Version != nil {
			touch(*remote.Version).Remote = true
		}

		// Seen/Unseen cover the whole non-garbage set (current, archived,
		// bases), so they only assert existence, not archival
		for _, ver := range append(append([]obtypes.Version{}, remote.Seen...), remote.Unseen...) {
			touch(ver).Remote = true
		}

		for _, ver := range remote.Archived {
			entry := touch(ver)
			entry.Remote = true
			entry.Archived = true
		}
	}

	versions := make([]obtypes.Version, 0, len(byVersion))
	for ver := range byVersion {
		versions = append(versions, ver)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	entries := make([]obtypes.VersionListEntry, 0, len(versions))
	for _, ver := range versions {
		entries = append(entries, *byVersion[ver])
	}

	return entries, nil
}

// ArchiveVersion retains a version beyond its current tenure, locally or on
// the server. A remote archive refreshes our status from the server's
// authoritative answer.
func (s *Store) ArchiveVersion(ctx context.Context, path string, version obtypes.Version, onRemote bool) error {
	node, err := s.resolveNode(ctx, path)
	if err != nil {
		return err
	}

	h, err := s.ensureHandle(ctx, node.ObjId)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	if !onRemote {
		return obtypes.WithPath(h.status.ArchiveLocalVersion(version), path)
	}

	if err := s.upSyncer.ArchiveVersion(ctx, node.ObjId, version); err != nil {
		return obtypes.WithPath(err, path)
	}

	reply, err := s.remote.GetObjStatus(ctx, node.ObjId)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	_, garbage, err := h.status.RecordStatusFromServer(reply.Current, reply.Archived)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	s.dropVersionFiles(h, garbage)

	return nil
}

// Download hydrates the object's remote current version onto local disk,
// either blocking until complete or queued at background priority.
func (s *Store) Download(ctx context.Context, path string, background bool) error {
	node, err := s.resolveNode(ctx, path)
	if err != nil {
		return err
	}

	h, err := s.ensureHandle(ctx, node.ObjId)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	version := h.status.RemoteCurrentVersion()
	if version == 0 {
		version = visibleVersion(h.status)
	}
	if version == 0 {
		return &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: path}
	}

	obj, err := s.openVersion(ctx, h, version)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	if background {
		s.downloader.HydrateInBackground(ctx, node.ObjId, obj)
		return nil
	}

	return obtypes.WithPath(s.downloader.DownloadMissing(ctx, node.ObjId, obj), path)
}

// Upload pushes the object's pending local state (new version or removal)
// to the server, synchronously.
func (s *Store) Upload(ctx context.Context, path string) error {
	node, err := s.resolveNode(ctx, path)
	if err != nil {
		return err
	}

	return obtypes.WithPath(s.uploadObj(ctx, node.ObjId), path)
}

// AdoptRemote moves the object's synced marker to a remote version. version
// nil fast-forwards to the server current; for a conflicting object an
// explicit version is required, acknowledging that local edits are dropped.
func (s *Store) AdoptRemote(ctx context.Context, path string, version *obtypes.Version) error {
	node, err := s.resolveNode(ctx, path)
	if err != nil {
		return err
	}

	unlock, err := s.lockObj(ctx, node.ObjId, false)
	if err != nil {
		return obtypes.WithPath(err, path)
	}
	defer unlock()

	h, err := s.ensureHandle(ctx, node.ObjId)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	garbage, err := h.status.AdoptRemoteVersion(version)
	if err != nil {
		return obtypes.WithPath(err, path)
	}

	// discarded local versions may share numbers with server versions, so
	// their files go unconditionally
	s.dropVersionFilesForced(h, garbage)

	if node.IsFolder {
		if err := s.refreshFolderContent(ctx, node.ObjId); err != nil {
			return obtypes.WithPath(err, path)
		}
	}

	s.events.Publish(obevents.Event{
		Kind:    obevents.EventRemoteChange,
		ObjId:   node.ObjId,
		Version: visibleVersion(h.status),
	})

	return nil
}

// DiffCurrentAndRemote compares the folder's visible child table against
// the server current version's, without adopting anything.
func (s *Store) DiffCurrentAndRemote(ctx context.Context, path string) (*obfolder.FolderDiff, error) {
	folder, err := s.resolveFolder(ctx, path)
	if err != nil {
		return nil, err
	}

	h, err := s.getHandle(folder.ObjId())
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	if h.status.RemoteCurrentVersion() == 0 || h.status.State() == obtypes.StateSynced {
		return &obfolder.FolderDiff{}, nil
	}

	// read straight from the server: in a conflict a local version may
	// shadow the server version under the same number
	_, content, err := s.readRemoteCurrent(ctx, folder.ObjId())
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	remoteInfo, err := obfolder.ParseFolderInfo(content)
	if err != nil {
		return nil, obtypes.WithPath(err, path)
	}

	return obfolder.DiffFolders(folder.Snapshot(), remoteInfo), nil
}

// refreshFolderContent reloads a cached folder node's child table from the
// (new) visible version after a remote adoption.
func (s *Store) refreshFolderContent(ctx context.Context, objId obtypes.ObjId) error {
	s.mu.Lock()
	folder, cached := s.folders[objId]
	s.mu.Unlock()

	if !cached {
		return nil // next access loads the fresh content anyway
	}

	h, err := s.getHandle(objId)
	if err != nil {
		return err
	}

	info := obtypes.NewFolderInfo()

	if version := visibleVersion(h.status); version != 0 {
		_, content, err := s.readVersion(ctx, h, version)
		if err != nil {
			return err
		}

		info, err = obfolder.ParseFolderInfo(content)
		if err != nil {
			return err
		}
	}

	folder.AdoptContent(info)

	return nil
}
