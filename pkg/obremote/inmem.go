package obremote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/obsync/obsync/pkg/obtypes"
)

// InMemRemote implements the full server contract in memory: ordered
// transactions, version bookkeeping, tombstones. Used by tests and the dev
// store wiring. SetOffline simulates a network partition.
type InMemRemote struct {
	mu      sync.Mutex
	offline bool
	objects map[obtypes.ObjId]*memObj
	txns    map[obtypes.ObjId]*memTxn
	txnSeq  int
}

type memObj struct {
	versions   map[obtypes.Version]*memVersion
	current    obtypes.Version // 0 = none yet
	archived   []obtypes.Version
	isArchived bool
}

type memVersion struct {
	header []byte
	segs   []byte
}

type memTxn struct {
	id      string
	version obtypes.Version
	base    *obtypes.Version
	header  []byte
	diff    *obtypes.DiffInfo

	totalLen uint64
	staged   []byte // whole: contiguous from zero

	// diff: new chunks not yet fully received, head consumed in order
	chunksLeft []obtypes.SegsChunk
	diffStaged map[uint64][]byte // keyed by chunk start ofs
}

func NewInMemRemote() *InMemRemote {
	return &InMemRemote{
		objects: map[obtypes.ObjId]*memObj{},
		txns:    map[obtypes.ObjId]*memTxn{},
	}
}

// SetOffline makes every call fail with a ConnectivityError until turned
// back online. In-flight transactions stay resumable.
func (r *InMemRemote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.offline = offline
}

func (r *InMemRemote) GetCurrentObj(ctx context.Context, objId obtypes.ObjId, limitBytes uint64) (*CurrentObj, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectivity("GetCurrentObj"); err != nil {
		return nil, err
	}

	obj, ver, err := r.currentVersion(objId)
	if err != nil {
		return nil, err
	}

	segs := obj.versions[ver].segs
	piggyback := segs
	if uint64(len(piggyback)) > limitBytes {
		piggyback = piggyback[:limitBytes]
	}

	return &CurrentObj{
		Version:      ver,
		SegsTotalLen: uint64(len(segs)),
		Header:       append([]byte{}, obj.versions[ver].header...),
		Segs:         append([]byte{}, piggyback...),
	}, nil
}

func (r *InMemRemote) GetCurrentObjSegs(ctx context.Context, objId obtypes.ObjId, version obtypes.Version, chunk obtypes.SegsChunk) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectivity("GetCurrentObjSegs"); err != nil {
		return nil, err
	}

	obj, found := r.objects[objId]
	if !found {
		return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId}
	}

	ver, found := obj.versions[version]
	if !found {
		return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId, Version: version}
	}

	if chunk.Ofs+chunk.Len > uint64(len(ver.segs)) {
		return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId, Version: version}
	}

	return append([]byte{}, ver.segs[chunk.Ofs:chunk.Ofs+chunk.Len]...), nil
}

func (r *InMemRemote) SaveNewObjVersion(ctx context.Context, params *SaveParams) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectivity("SaveNewObjVersion"); err != nil {
		return "", err
	}

	txn, err := r.resolveTxn(params)
	if err != nil {
		return "", err
	}

	if params.Header != nil {
		txn.header = append([]byte{}, params.Header...)
	}

	if len(params.Segs) > 0 {
		if err := txn.stageSegs(params.ObjId, params.SegsOfs, params.Segs); err != nil {
			if params.First != nil { // failed before the transaction ever existed
				delete(r.txns, params.ObjId)
			}
			return "", err
		}
	}

	if params.Last {
		if err := r.commitTxn(params.ObjId, txn); err != nil {
			return "", err
		}
		delete(r.txns, params.ObjId)
	}

	return txn.id, nil
}

func (r *InMemRemote) ArchiveObjVersion(ctx context.Context, objId obtypes.ObjId, version obtypes.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectivity("ArchiveObjVersion"); err != nil {
		return err
	}

	obj, found := r.objects[objId]
	if !found {
		return &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId}
	}
	if _, found := obj.versions[version]; !found {
		return &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId, Version: version}
	}

	obj.archived = insertSorted(obj.archived, version)

	return nil
}

func (r *InMemRemote) DeleteObj(ctx context.Context, objId obtypes.ObjId, currentVersion *obtypes.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectivity("DeleteObj"); err != nil {
		return err
	}

	obj, found := r.objects[objId]
	if !found {
		return &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId}
	}

	// guard against racing a concurrent new-version commit
	if currentVersion != nil && obj.current != *currentVersion {
		return &obtypes.StorageError{
			Kind:           obtypes.StorageErrVersionMismatch,
			ObjId:          objId,
			Version:        *currentVersion,
			CurrentVersion: obj.current,
		}
	}

	obj.isArchived = true

	return nil
}

func (r *InMemRemote) GetObjStatus(ctx context.Context, objId obtypes.ObjId) (*ObjStatusReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectivity("GetObjStatus"); err != nil {
		return nil, err
	}

	obj, found := r.objects[objId]
	if !found {
		return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId}
	}

	return &ObjStatusReply{
		Current:    obj.current,
		Archived:   append([]obtypes.Version{}, obj.archived...),
		IsArchived: obj.isArchived,
	}, nil
}

// must hold mu
func (r *InMemRemote) connectivity(op string) error {
	if r.offline {
		return &obtypes.ConnectivityError{Op: op, Cause: errors.New("simulated offline")}
	}
	return nil
}

// must hold mu
func (r *InMemRemote) currentVersion(objId obtypes.ObjId) (*memObj, obtypes.Version, error) {
	obj, found := r.objects[objId]
	if !found || obj.isArchived || obj.current == 0 {
		return nil, 0, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId}
	}

	return obj, obj.current, nil
}

// must hold mu
func (r *InMemRemote) resolveTxn(params *SaveParams) (*memTxn, error) {
	switch {
	case params.First != nil:
		if _, inFlight := r.txns[params.ObjId]; inFlight {
			return nil, &obtypes.StorageError{Kind: obtypes.StorageErrConcurrentTransaction, ObjId: params.ObjId}
		}

		obj, exists := r.objects[params.ObjId]

		if params.First.Create && exists {
			return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjExists, ObjId: params.ObjId}
		}
		if !params.First.Create && !exists {
			return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: params.ObjId}
		}

		if exists && params.Version <= obj.current {
			return nil, &obtypes.StorageError{
				Kind:           obtypes.StorageErrVersionMismatch,
				ObjId:          params.ObjId,
				Version:        params.Version,
				CurrentVersion: obj.current,
			}
		}

		txn := &memTxn{
			version:  params.Version,
			totalLen: params.First.SegsTotalLen,
		}

		if base := params.First.BaseVersion; base != nil {
			if params.Diff == nil {
				return nil, fmt.Errorf("obj %q: base version without diff info", params.ObjId)
			}
			if !exists {
				return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: params.ObjId}
			}
			if _, found := obj.versions[*base]; !found {
				return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: params.ObjId, Version: *base}
			}

			txn.base = obtypes.VersionRef(*base)
			txn.diff = params.Diff
			txn.totalLen = params.Diff.TotalLen
			txn.chunksLeft = params.Diff.NewSegsChunks()
			txn.diffStaged = map[uint64][]byte{}
		}

		r.txnSeq++
		txn.id = fmt.Sprintf("txn-%d", r.txnSeq)
		r.txns[params.ObjId] = txn

		return txn, nil

	case params.Follow != nil:
		txn, inFlight := r.txns[params.ObjId]
		if !inFlight || txn.id != params.Follow.TransactionId || txn.version != params.Version {
			return nil, &obtypes.StorageError{Kind: obtypes.StorageErrUnknownTransaction, ObjId: params.ObjId}
		}

		return txn, nil

	default:
		return nil, fmt.Errorf("obj %q: save request with neither first nor follow options", params.ObjId)
	}
}

func (t *memTxn) stageSegs(objId obtypes.ObjId, ofs uint64, segs []byte) error {
	if t.diff == nil {
		// whole transaction: strictly contiguous from zero
		if ofs != uint64(len(t.staged)) {
			return fmt.Errorf("obj %q: out-of-order whole upload: got ofs %d, expected %d", objId, ofs, len(t.staged))
		}

		t.staged = append(t.staged, segs...)

		return nil
	}

	// diff transaction: bytes consume the remaining new chunks head-first
	for len(segs) > 0 {
		if len(t.chunksLeft) == 0 {
			return fmt.Errorf("obj %q: diff upload past declared new chunks", objId)
		}

		head := &t.chunksLeft[0]
		if ofs != head.Ofs {
			return fmt.Errorf("obj %q: out-of-order diff upload: got ofs %d, expected %d", objId, ofs, head.Ofs)
		}

		n := min64u(uint64(len(segs)), head.Len)
		t.diffStaged[ofs] = append([]byte{}, segs[:n]...)

		segs = segs[n:]
		ofs += n
		head.Ofs += n
		head.Len -= n

		if head.Len == 0 {
			t.chunksLeft = t.chunksLeft[1:]
		}
	}

	return nil
}

// must hold mu
func (r *InMemRemote) commitTxn(objId obtypes.ObjId, txn *memTxn) error {
	content, err := txn.materialize(r.objects[objId])
	if err != nil {
		return err
	}

	obj, exists := r.objects[objId]
	if !exists {
		obj = &memObj{versions: map[obtypes.Version]*memVersion{}}
		r.objects[objId] = obj
	}

	obj.versions[txn.version] = &memVersion{header: txn.header, segs: content}

	// the superseded current is dropped unless explicitly archived
	if prev := obj.current; prev != 0 && !containsVersion(obj.archived, prev) {
		delete(obj.versions, prev)
	}

	obj.current = txn.version
	obj.isArchived = false

	return nil
}

func (t *memTxn) materialize(obj *memObj) ([]byte, error) {
	if t.diff == nil {
		if uint64(len(t.staged)) != t.totalLen {
			return nil, fmt.Errorf("whole upload incomplete: %d of %d bytes", len(t.staged), t.totalLen)
		}

		return t.staged, nil
	}

	if len(t.chunksLeft) > 0 {
		return nil, fmt.Errorf("diff upload incomplete: %d chunks missing", len(t.chunksLeft))
	}

	base := obj.versions[*t.base].segs
	content := make([]byte, 0, t.totalLen)
	ofs := uint64(0)

	for _, section := range t.diff.Sections {
		if section.FromBase {
			if section.BaseOfs+section.Len > uint64(len(base)) {
				return nil, fmt.Errorf("diff section [%d,%d) outside base", section.BaseOfs, section.BaseOfs+section.Len)
			}

			content = append(content, base[section.BaseOfs:section.BaseOfs+section.Len]...)
		} else {
			// new bytes may have arrived as several partial stagings
			need := section.Len
			for need > 0 {
				part, found := t.diffStaged[ofs+(section.Len-need)]
				if !found {
					return nil, fmt.Errorf("diff bytes at ofs %d never staged", ofs+(section.Len-need))
				}

				content = append(content, part...)
				need -= uint64(len(part))
			}
		}

		ofs += section.Len
	}

	return content, nil
}

func insertSorted(sorted []obtypes.Version, ver obtypes.Version) []obtypes.Version {
	idx := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= ver })
	if idx < len(sorted) && sorted[idx] == ver {
		return sorted
	}

	sorted = append(sorted, 0)
	copy(sorted[idx+1:], sorted[idx:])
	sorted[idx] = ver

	return sorted
}

func containsVersion(sorted []obtypes.Version, ver obtypes.Version) bool {
	idx := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= ver })
	return idx < len(sorted) && sorted[idx] == ver
}

func min64u(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
