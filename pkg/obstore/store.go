// Storage facade: the encrypted virtual filesystem over versioned objects.
// Owns the storage root on disk (object index, per-object directories with
// status and version files), the collaborator wiring (remote storage, the
// connectivity gate, down/up sync schedulers) and the single master key all
// content is encrypted with.
package obstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/function61/gokit/cryptorandombytes"
	"github.com/function61/gokit/logex"
	"github.com/robfig/cron/v3"

	"github.com/obsync/obsync/pkg/mutexmap"
	"github.com/obsync/obsync/pkg/obconnect"
	"github.com/obsync/obsync/pkg/obcrypto"
	"github.com/obsync/obsync/pkg/obdisk"
	"github.com/obsync/obsync/pkg/obdownload"
	"github.com/obsync/obsync/pkg/obevents"
	"github.com/obsync/obsync/pkg/obfolder"
	"github.com/obsync/obsync/pkg/obindex"
	"github.com/obsync/obsync/pkg/obremote"
	"github.com/obsync/obsync/pkg/obstatus"
	"github.com/obsync/obsync/pkg/obtypes"
	"github.com/obsync/obsync/pkg/obupload"
)

// leading segment bytes the server piggybacks on a current-object query, so
// small objects materialize in one round trip
const piggybackLimit = 256 * 1024

type Config struct {
	RootDir string
	Key     []byte // 32-byte master content encryption key
}

type Store struct {
	rootDir string
	logger  *log.Logger
	logl    *logex.Leveled

	cryptor    obcrypto.Cryptor
	remote     obremote.RemoteStorage
	gate       *obconnect.Gate
	downloader *obdownload.Downloader
	upSyncer   *obupload.UpSyncer
	events     *obevents.Registry
	index      *obindex.Index

	// per-object change serialization. TryLock gives writers the
	// fast-fail concurrent-update behavior.
	changes *mutexmap.M

	mu      sync.Mutex
	handles map[obtypes.ObjId]*objHandle
	folders map[obtypes.ObjId]*obfolder.FolderNode

	sweeper *cron.Cron
}

// objHandle bundles what the store keeps per object: its directory, its
// status file and the version files currently open.
type objHandle struct {
	objId  obtypes.ObjId
	dir    string
	status *obstatus.ObjStatus

	mu   sync.Mutex
	open map[obtypes.Version]*obdisk.ObjOnDisk
}

func New(conf Config, remote obremote.RemoteStorage, logger *log.Logger) (*Store, error) {
	cryptor, err := obcrypto.NewAesCtr(conf.Key)
	if err != nil {
		return nil, fmt.Errorf("storage root %s: %w", conf.RootDir, err)
	}

	if err := os.MkdirAll(filepath.Join(conf.RootDir, "objects"), 0700); err != nil {
		return nil, err
	}

	index, err := obindex.Open(filepath.Join(conf.RootDir, "index.db"))
	if err != nil {
		return nil, err
	}

	gate := obconnect.NewGate(true)

	s := &Store{
		rootDir:    conf.RootDir,
		logger:     logger,
		logl:       logex.Levels(logger),
		cryptor:    cryptor,
		remote:     remote,
		gate:       gate,
		downloader: obdownload.New(remote, gate, logex.Prefix("download", logger)),
		upSyncer:   obupload.New(remote, gate, logex.Prefix("upload", logger)),
		events:     obevents.NewRegistry(),
		index:      index,
		changes:    mutexmap.New(),
		handles:    map[obtypes.ObjId]*objHandle{},
		folders:    map[obtypes.ObjId]*obfolder.FolderNode{},
	}

	// the root folder object always exists locally, even before first sync
	if _, err := s.getHandle(obtypes.RootObjId); err != nil {
		if !obtypes.IsFileError(err, obtypes.FileErrNotFound) {
			_ = index.Close()
			return nil, err
		}

		if _, err := s.createHandle(obtypes.RootObjId, nil); err != nil {
			_ = index.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) Events() *obevents.Registry {
	return s.events
}

func (s *Store) ConnectionGate() *obconnect.Gate {
	return s.gate
}

func (s *Store) Close() error {
	if s.sweeper != nil {
		<-s.sweeper.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.handles {
		h.mu.Lock()
		for ver, obj := range h.open {
			_ = obj.Close()
			delete(h.open, ver)
		}
		h.mu.Unlock()
	}

	return s.index.Close()
}

func newObjId() obtypes.ObjId {
	return obtypes.ObjId(cryptorandombytes.Base64UrlWithoutLeadingDash(8))
}

func newNodeKey() []byte {
	return []byte(cryptorandombytes.Hex(16))
}

// the root object's empty id needs a directory name too
func objDirName(objId obtypes.ObjId) string {
	if objId == obtypes.RootObjId {
		return "_root"
	}

	return hex.EncodeToString([]byte(objId))
}

func (s *Store) objDir(objId obtypes.ObjId) string {
	return filepath.Join(s.rootDir, "objects", objDirName(objId))
}

func versionFilename(version obtypes.Version) string {
	return fmt.Sprintf("v%d", version)
}

func (s *Store) getHandle(objId obtypes.ObjId) (*objHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, cached := s.handles[objId]; cached {
		return h, nil
	}

	dir := s.objDir(objId)

	status, err := obstatus.Load(dir, s.logger)
	if err != nil {
		return nil, err
	}

	h := &objHandle{
		objId:  objId,
		dir:    dir,
		status: status,
		open:   map[obtypes.Version]*obdisk.ObjOnDisk{},
	}
	s.handles[objId] = h

	return h, nil
}

// createHandle materializes a new object directory. fromRemote set means the
// object was discovered server-side; nil means a brand-new local object.
func (s *Store) createHandle(objId obtypes.ObjId, fromRemote *obtypes.Version) (*objHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, cached := s.handles[objId]; cached {
		return h, nil
	}

	dir := s.objDir(objId)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	var status *obstatus.ObjStatus
	var err error
	if fromRemote != nil {
		status, err = obstatus.CreateFromRemote(dir, objId, *fromRemote, s.logger)
	} else {
		status, err = obstatus.CreateNew(dir, objId, s.logger)
	}
	if err != nil {
		return nil, err
	}

	if err := s.index.PutObject(obindex.ObjectEntry{
		ObjId: objId,
		Dir:   filepath.Join("objects", objDirName(objId)),
	}); err != nil {
		return nil, err
	}

	h := &objHandle{
		objId:  objId,
		dir:    dir,
		status: status,
		open:   map[obtypes.Version]*obdisk.ObjOnDisk{},
	}
	s.handles[objId] = h

	return h, nil
}

// ensureHandle resolves objects the folder tree references but that were
// never materialized locally (e.g. discovered through an adopted remote
// folder version) by adopting the server's status.
func (s *Store) ensureHandle(ctx context.Context, objId obtypes.ObjId) (*objHandle, error) {
	h, err := s.getHandle(objId)
	if err == nil || !obtypes.IsFileError(err, obtypes.FileErrNotFound) {
		return h, err
	}

	reply, err := s.remote.GetObjStatus(ctx, objId)
	if err != nil {
		return nil, err
	}

	h, err = s.createHandle(objId, obtypes.VersionRef(reply.Current))
	if err != nil {
		return nil, err
	}

	if _, _, err := h.status.RecordStatusFromServer(reply.Current, reply.Archived); err != nil {
		return nil, err
	}

	return h, nil
}

// openVersion returns the version's on-disk file, creating a placeholder to
// download into when only the server has it.
func (s *Store) openVersion(ctx context.Context, h *objHandle, version obtypes.Version) (*obdisk.ObjOnDisk, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if obj, cached := h.open[version]; cached {
		return obj, nil
	}

	path := filepath.Join(h.dir, versionFilename(version))

	obj, err := obdisk.Open(path, version)
	if obtypes.IsFileError(err, obtypes.FileErrNotFound) {
		obj, err = s.materializeFromRemote(ctx, h, path, version)
	}
	if err != nil {
		return nil, err
	}

	s.wireVersion(h, obj, version)
	h.open[version] = obj

	return obj, nil
}

// only the current version's metadata is addressable remotely, so a version
// that is neither on disk nor server-current cannot be materialized
func (s *Store) materializeFromRemote(ctx context.Context, h *objHandle, path string, version obtypes.Version) (*obdisk.ObjOnDisk, error) {
	current, err := s.remote.GetCurrentObj(ctx, h.objId, piggybackLimit)
	if err != nil {
		return nil, err
	}

	if current.Version != version {
		return nil, &obtypes.SyncError{
			Kind:    obtypes.SyncErrVersionNotFound,
			ObjId:   h.objId,
			Version: version,
		}
	}

	obj, err := obdisk.Create(path, version, nil)
	if err != nil {
		return nil, err
	}

	if err := obj.InitLayoutWhole(current.SegsTotalLen); err != nil {
		_ = obj.Delete()
		return nil, err
	}
	if err := obj.SaveHeader(current.Header); err != nil {
		_ = obj.Delete()
		return nil, err
	}
	if len(current.Segs) > 0 {
		if err := obj.SaveRemoteChunk(0, current.Segs); err != nil {
			_ = obj.Delete()
			return nil, err
		}
	}

	return obj, nil
}

func (s *Store) wireVersion(h *objHandle, obj *obdisk.ObjOnDisk, version obtypes.Version) {
	obj.SetFetcher(obdownload.NewFetcher(s.remote, s.gate, h.objId, version))
	obj.SetBaseResolver(func(base obtypes.Version) (*obdisk.ObjOnDisk, error) {
		return s.openVersion(context.Background(), h, base)
	})
}

// writeWholeVersion persists plaintext header + content as a complete,
// encrypted version file.
func (s *Store) writeWholeVersion(h *objHandle, version obtypes.Version, headerPlain []byte, contentPlain []byte) (*obdisk.ObjOnDisk, error) {
	header, err := s.cryptor.EncryptHeader(h.objId, headerPlain)
	if err != nil {
		return nil, err
	}

	content := append([]byte{}, contentPlain...)
	if err := s.cryptor.TransformSegsAt(h.objId, 0, content); err != nil {
		return nil, err
	}

	obj, err := obdisk.Create(filepath.Join(h.dir, versionFilename(version)), version, nil)
	if err != nil {
		return nil, err
	}

	proc, err := obdisk.NewWriteProc(obj)
	if err != nil {
		_ = obj.Delete()
		return nil, err
	}

	if err := proc.WriteHeader(header); err != nil {
		_ = obj.Delete()
		return nil, err
	}
	if len(content) > 0 {
		if err := proc.WriteSegs(content); err != nil {
			_ = obj.Delete()
			return nil, err
		}
	}
	if err := proc.Finish(); err != nil {
		_ = obj.Delete()
		return nil, err
	}

	h.mu.Lock()
	s.wireVersion(h, obj, version)
	h.open[version] = obj
	h.mu.Unlock()

	return obj, nil
}

// readVersion yields a version's decrypted header and full content.
func (s *Store) readVersion(ctx context.Context, h *objHandle, version obtypes.Version) ([]byte, []byte, error) {
	obj, err := s.openVersion(ctx, h, version)
	if err != nil {
		return nil, nil, err
	}

	header, segs, totalLen, err := obj.GetSrc(ctx)
	if err != nil {
		return nil, nil, err
	}

	content := make([]byte, totalLen)
	if totalLen > 0 {
		if _, err := io.ReadFull(segs, content); err != nil {
			return nil, nil, err
		}
	}

	headerPlain, err := s.cryptor.DecryptHeader(h.objId, header)
	if err != nil {
		return nil, nil, err
	}

	if err := s.cryptor.TransformSegsAt(h.objId, 0, content); err != nil {
		return nil, nil, err
	}

	return headerPlain, content, nil
}

// dropVersionFiles deletes version files the version graph declared garbage.
// Versions the synced/remote side still references are kept: a later diff
// upload or a base-relative read may still need their bytes.
func (s *Store) dropVersionFiles(h *objHandle, garbage []obtypes.Version) {
	for _, version := range garbage {
		if h.status.VersionReferencedOnSyncedSide(version) {
			continue
		}

		h.mu.Lock()
		obj, isOpen := h.open[version]
		delete(h.open, version)
		h.mu.Unlock()

		var err error
		if isOpen {
			err = obj.Delete()
		} else {
			err = os.Remove(filepath.Join(h.dir, versionFilename(version)))
			if os.IsNotExist(err) {
				err = nil
			}
		}

		if err != nil {
			s.logl.Error.Printf("dropping %s v%d: %v", h.objId, version, err)
		}
	}
}

// dropVersionFilesForced deletes version files without the synced-side
// check. Used when adopting a remote version over local edits: a discarded
// local version may share its number with a server version, and its stale
// file must not shadow the server content.
func (s *Store) dropVersionFilesForced(h *objHandle, versions []obtypes.Version) {
	for _, version := range versions {
		h.mu.Lock()
		obj, isOpen := h.open[version]
		delete(h.open, version)
		h.mu.Unlock()

		var err error
		if isOpen {
			err = obj.Delete()
		} else {
			err = os.Remove(filepath.Join(h.dir, versionFilename(version)))
			if os.IsNotExist(err) {
				err = nil
			}
		}

		if err != nil {
			s.logl.Error.Printf("dropping %s v%d: %v", h.objId, version, err)
		}
	}
}

// readRemoteCurrent fetches and decrypts the server current version's
// content directly, bypassing local version files. Needed when a local
// version may shadow the server version under the same number.
func (s *Store) readRemoteCurrent(ctx context.Context, objId obtypes.ObjId) (obtypes.Version, []byte, error) {
	current, err := s.remote.GetCurrentObj(ctx, objId, piggybackLimit)
	if err != nil {
		return 0, nil, err
	}

	content := append([]byte{}, current.Segs...)

	for uint64(len(content)) < current.SegsTotalLen {
		chunk := obtypes.SegsChunk{
			Ofs: uint64(len(content)),
			Len: current.SegsTotalLen - uint64(len(content)),
		}

		data, err := s.remote.GetCurrentObjSegs(ctx, objId, current.Version, chunk)
		if err != nil {
			return 0, nil, err
		}

		content = append(content, data...)
	}

	if err := s.cryptor.TransformSegsAt(objId, 0, content); err != nil {
		return 0, nil, err
	}

	return current.Version, content, nil
}

// visibleVersion is what a read of the object should serve: local edits
// first, then the synced version, then whatever we know of the server.
func visibleVersion(status *obstatus.ObjStatus) obtypes.Version {
	if v := status.LocalCurrentVersion(); v != 0 {
		return v
	}

	if synced := status.SyncStatus().Synced; synced != nil && synced.Version != nil {
		return *synced.Version
	}

	return status.RemoteCurrentVersion()
}

// version headers carry the content kind, so a reader can tell a folder
// object from a file object without trusting the parent entry
type versionHeader struct {
	Kind string `json:"kind"`
}

const (
	kindFile   = "file"
	kindFolder = "folder"
)

func headerBytes(kind string) []byte {
	doc, _ := json.Marshal(&versionHeader{Kind: kind})
	return doc
}

func parseHeader(doc []byte) (*versionHeader, error) {
	header := &versionHeader{}
	if err := json.Unmarshal(doc, header); err != nil {
		return nil, &obtypes.FileError{Kind: obtypes.FileErrParsing, Cause: err}
	}

	return header, nil
}

// folderNode returns the in-memory folder object, loading its visible
// version's content on first access.
func (s *Store) folderNode(ctx context.Context, objId obtypes.ObjId) (*obfolder.FolderNode, error) {
	s.mu.Lock()
	cached, found := s.folders[objId]
	s.mu.Unlock()

	if found {
		return cached, nil
	}

	h, err := s.ensureHandle(ctx, objId)
	if err != nil {
		return nil, err
	}

	var info *obtypes.FolderInfo

	if version := visibleVersion(h.status); version != 0 {
		_, content, err := s.readVersion(ctx, h, version)
		if err != nil {
			return nil, err
		}

		info, err = obfolder.ParseFolderInfo(content)
		if err != nil {
			return nil, err
		}
	}

	folder := obfolder.NewFolderNode(objId, info, h.status, &folderVersionStore{s: s, h: h}, s.events)

	s.mu.Lock()
	defer s.mu.Unlock()

	// lost the race: keep the first one so everyone shares a single node
	if cached, found := s.folders[objId]; found {
		return cached, nil
	}
	s.folders[objId] = folder

	return folder, nil
}

func (s *Store) forgetFolderNode(objId obtypes.ObjId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.folders, objId)
}

// folderVersionStore adapts the store's version file plumbing to the folder
// object's persistence contract.
type folderVersionStore struct {
	s *Store
	h *objHandle
}

func (f *folderVersionStore) PersistVersion(ctx context.Context, version obtypes.Version, content []byte) error {
	if _, err := f.s.writeWholeVersion(f.h, version, headerBytes(kindFolder), content); err != nil {
		return err
	}

	return f.s.index.MarkPendingUpload(f.h.objId)
}

func (f *folderVersionStore) DropVersion(version obtypes.Version) {
	f.s.dropVersionFiles(f.h, []obtypes.Version{version})
}
