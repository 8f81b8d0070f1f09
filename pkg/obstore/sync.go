package obstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"

	"github.com/obsync/obsync/pkg/obdisk"
	"github.com/obsync/obsync/pkg/obevents"
	"github.com/obsync/obsync/pkg/obfolder"
	"github.com/obsync/obsync/pkg/obindex"
	"github.com/obsync/obsync/pkg/obstatus"
	"github.com/obsync/obsync/pkg/obtypes"
)

// uploadObj pushes one object's pending state to the server: a checkpointed
// in-flight upload is resumed, a queued removal is sent, and otherwise the
// local current version becomes a new transaction. Serialized per object.
func (s *Store) uploadObj(ctx context.Context, objId obtypes.ObjId) error {
	unlock, err := s.changes.Lock(ctx, string(objId))
	if err != nil {
		return err
	}
	defer unlock()

	h, err := s.getHandle(objId)
	if err != nil {
		return err
	}

	if info := h.status.UploadInfo(); info != nil {
		switch {
		case info.NewVersion != nil:
			return s.runNewUpload(ctx, h, info.NewVersion, shouldCreate(h.status), true)
		case info.Removal != nil && !info.Removal.IsPostponed:
			return s.runRemoval(ctx, h)
		default:
			// postponed removal waits for its ordering preconditions
			return nil
		}
	}

	localVersion := h.status.LocalCurrentVersion()
	if localVersion == 0 {
		return s.index.ClearPendingUpload(objId)
	}

	if err := s.uploadChildrenFirst(ctx, h, localVersion); err != nil {
		return err
	}

	task, create, err := s.buildUploadTask(ctx, h, localVersion)
	if err != nil {
		return err
	}

	return s.runNewUpload(ctx, h, task, create, false)
}

func (s *Store) runNewUpload(ctx context.Context, h *objHandle, task *obtypes.NewVersionUpload, create bool, resume bool) error {
	obj, err := s.openVersion(ctx, h, task.LocalVersion)
	if err != nil {
		return err
	}

	var garbage []obtypes.Version
	if resume {
		garbage, err = s.upSyncer.ResumeUpload(ctx, h.objId, h.status, obj, task, create)
	} else {
		garbage, err = s.upSyncer.UploadNewVersion(ctx, h.objId, h.status, obj, task, create)
	}
	if err != nil {
		return err
	}

	// a renumbered upload (server had moved ahead) leaves the content on
	// disk under the local number; rename so version files always carry
	// server numbering once synced
	if task.UploadVersion != task.LocalVersion {
		h.mu.Lock()
		if old, isOpen := h.open[task.LocalVersion]; isOpen {
			_ = old.Close()
			delete(h.open, task.LocalVersion)
		}
		h.mu.Unlock()

		if err := os.Rename(
			filepath.Join(h.dir, versionFilename(task.LocalVersion)),
			filepath.Join(h.dir, versionFilename(task.UploadVersion)),
		); err != nil {
			s.logl.Error.Printf("renumbering %s v%d to v%d: %v", h.objId, task.LocalVersion, task.UploadVersion, err)
		}
	}

	s.dropVersionFiles(h, garbage)

	s.events.Publish(obevents.Event{
		Kind:       obevents.EventUploadProgress,
		ObjId:      h.objId,
		Version:    task.UploadVersion,
		BytesDone:  obj.TotalSegsLen(),
		BytesTotal: obj.TotalSegsLen(),
	})

	return s.index.ClearPendingUpload(h.objId)
}

func (s *Store) runRemoval(ctx context.Context, h *objHandle) error {
	var current *obtypes.Version
	if rc := h.status.RemoteCurrentVersion(); rc != 0 {
		current = obtypes.VersionRef(rc)
	}

	if err := s.upSyncer.UploadRemoval(ctx, h.objId, h.status, current); err != nil {
		return err
	}

	return s.index.ClearPendingUpload(h.objId)
}

// buildUploadTask decides whole vs. diff: when the local version's diff
// chain bottoms out on a server-known base and a diff actually saves bytes,
// only the new chunks go over the wire.
func (s *Store) buildUploadTask(ctx context.Context, h *objHandle, localVersion obtypes.Version) (*obtypes.NewVersionUpload, bool, error) {
	obj, err := s.openVersion(ctx, h, localVersion)
	if err != nil {
		return nil, false, err
	}

	uploadVersion := localVersion
	if rc := h.status.RemoteCurrentVersion(); rc >= uploadVersion {
		uploadVersion = rc + 1
	}

	task := &obtypes.NewVersionUpload{
		LocalVersion:  localVersion,
		UploadVersion: uploadVersion,
	}

	baseOf, err := h.status.BaseOfLocalVersion(localVersion)
	if err != nil {
		return nil, false, err
	}

	if baseOf.SyncedBase != nil {
		if baseObj, err := s.openVersion(ctx, h, *baseOf.SyncedBase); err == nil {
			diff, err := obdisk.DiffFromBase(ctx, obj, baseObj)
			if err == nil && diff.NewBytesTotal() < obj.TotalSegsLen() {
				task.BaseVersion = obtypes.VersionRef(diff.BaseVersion)
				task.NeedUpload = &obtypes.NeedUpload{
					Diff: &obtypes.DiffVerOrderedUpload{
						Diff:        *diff,
						NewSegsLeft: diff.NewSegsChunks(),
						Header:      true,
					},
				}
			}
		}
		// base file unavailable: fall back to a whole upload
	}

	if task.NeedUpload == nil {
		task.NeedUpload = &obtypes.NeedUpload{
			Whole: &obtypes.WholeVerOrderedUpload{
				Header:   true,
				SegsLeft: obj.TotalSegsLen(),
			},
		}
	}

	return task, shouldCreate(h.status), nil
}

// the server has never heard of objects with neither synced nor remote state
func shouldCreate(status *obstatus.ObjStatus) bool {
	snapshot := status.SyncStatus()

	return snapshot.Synced == nil && snapshot.Remote == nil
}

// uploadChildrenFirst pushes a folder's never-uploaded children before the
// folder itself, so the server never stores a child table with object ids
// it has no objects for.
func (s *Store) uploadChildrenFirst(ctx context.Context, h *objHandle, localVersion obtypes.Version) error {
	obj, err := s.openVersion(ctx, h, localVersion)
	if err != nil {
		return err
	}

	headerRaw, err := obj.ReadHeader(ctx)
	if err != nil {
		return err
	}

	headerPlain, err := s.cryptor.DecryptHeader(h.objId, headerRaw)
	if err != nil {
		return err
	}

	header, err := parseHeader(headerPlain)
	if err != nil {
		return err
	}
	if header.Kind != kindFolder {
		return nil
	}

	_, content, err := s.readVersion(ctx, h, localVersion)
	if err != nil {
		return err
	}

	info, err := obfolder.ParseFolderInfo(content)
	if err != nil {
		return err
	}

	for name, node := range info.Nodes {
		child, err := s.ensureHandle(ctx, node.ObjId)
		if obtypes.IsStorageError(err, obtypes.StorageErrObjNotFound) {
			// neither local nor server-side: the table references a phantom
			return &obtypes.SyncError{
				Kind:  obtypes.SyncErrChildNeverUploaded,
				ObjId: h.objId,
				Child: name,
			}
		}
		if err != nil {
			return err
		}

		if !shouldCreate(child.status) {
			continue
		}

		if err := s.uploadObj(ctx, node.ObjId); err != nil {
			return fmt.Errorf("folder %q: pushing child %q first: %w", h.objId, name, err)
		}
	}

	return nil
}

// SyncSweep is one full synchronization round: push everything pending,
// then reconcile every known object against the server's authoritative
// status. Per-object failures are logged and do not stop the sweep.
func (s *Store) SyncSweep(ctx context.Context) error {
	pending, err := s.index.PendingUploads()
	if err != nil {
		return err
	}

	for _, objId := range pending {
		if err := s.uploadObj(ctx, objId); err != nil {
			s.logl.Error.Printf("sweep: pushing %s: %v", objId, err)
		}
	}

	objIds := []obtypes.ObjId{}
	if err := s.index.EachObject(func(entry obindex.ObjectEntry) error {
		objIds = append(objIds, entry.ObjId)
		return nil
	}); err != nil {
		return err
	}

	for _, objId := range objIds {
		if err := s.reconcileWithServer(ctx, objId); err != nil {
			s.logl.Error.Printf("sweep: reconciling %s: %v", objId, err)
		}
	}

	return nil
}

func (s *Store) reconcileWithServer(ctx context.Context, objId obtypes.ObjId) error {
	h, err := s.getHandle(objId)
	if err != nil {
		return err
	}

	reply, err := s.remote.GetObjStatus(ctx, objId)
	switch {
	case obtypes.IsStorageError(err, obtypes.StorageErrObjNotFound):
		// never uploaded. nothing to reconcile.
		return nil
	case err != nil:
		return err
	}

	if reply.IsArchived {
		return h.status.RecordRemoteRemoval()
	}

	changed, garbage, err := h.status.RecordStatusFromServer(reply.Current, reply.Archived)
	if err != nil {
		return err
	}

	s.dropVersionFiles(h, garbage)

	if !changed {
		return nil
	}

	s.events.Publish(obevents.Event{
		Kind:    obevents.EventRemoteChange,
		ObjId:   objId,
		Version: reply.Current,
	})

	// behind objects (no local edits) fast-forward automatically and start
	// hydrating; conflicting ones wait for an explicit adoption or upload
	if h.status.State() == obtypes.StateBehind {
		garbage, err := h.status.AdoptRemoteVersion(nil)
		if err != nil {
			return err
		}

		s.dropVersionFiles(h, garbage)

		if err := s.refreshFolderContent(ctx, objId); err != nil {
			return err
		}

		if obj, err := s.openVersion(ctx, h, reply.Current); err == nil {
			s.downloader.HydrateInBackground(ctx, objId, obj)
		}
	}

	return nil
}

// StartSweeping runs SyncSweep on the given cron schedule until Close.
func (s *Store) StartSweeping(schedule string) error {
	if s.sweeper != nil {
		return fmt.Errorf("sweeper already running")
	}

	sweeper := cron.New()

	if _, err := sweeper.AddFunc(schedule, func() {
		if err := s.SyncSweep(context.Background()); err != nil {
			s.logl.Error.Printf("sync sweep: %v", err)
		}
	}); err != nil {
		return err
	}

	sweeper.Start()
	s.sweeper = sweeper

	return nil
}
