// Remote storage collaborator: the server-side API the sync engine talks
// to. Payloads are opaque encrypted bytes; the server never sees plaintext.
package obremote

import (
	"context"

	"github.com/obsync/obsync/pkg/obtypes"
)

// CurrentObj is the server's answer about an object's current version,
// with up to limitBytes of leading segment bytes piggybacked so small
// objects need no second round trip.
type CurrentObj struct {
	Version      obtypes.Version
	SegsTotalLen uint64
	Header       []byte
	Segs         []byte // leading segment bytes, possibly shorter than total
}

// ObjStatusReply is the authoritative version inventory of one object.
type ObjStatusReply struct {
	Current    obtypes.Version
	Archived   []obtypes.Version
	IsArchived bool
}

// FirstSaveOpts accompany the first request of a new-version transaction.
type FirstSaveOpts struct {
	Create       bool             // object must not exist yet
	BaseVersion  *obtypes.Version // set for diff transactions
	SegsTotalLen uint64
}

// FollowSaveOpts accompany every continuation request of the transaction.
type FollowSaveOpts struct {
	TransactionId string
}

// SaveParams carries one request of an ordered new-version upload. Exactly
// one of First/Follow is set. Segment bytes must arrive in order: whole
// transactions send [SegsOfs, SegsOfs+len(Segs)) contiguously from zero,
// diff transactions send the diff's new chunks in diff order.
type SaveParams struct {
	ObjId   obtypes.ObjId
	Version obtypes.Version

	First  *FirstSaveOpts
	Follow *FollowSaveOpts

	Header  []byte
	Diff    *obtypes.DiffInfo
	Segs    []byte
	SegsOfs uint64

	Last bool // commit the transaction after applying this request
}

// RemoteStorage is what the schedulers program against. Implementations:
// InMemRemote (tests, dev), S3Remote. All errors are either *StorageError
// (server-reported, terminal) or *ConnectivityError (transport, retried
// after reconnect).
type RemoteStorage interface {
	// current version metadata + header + up to limitBytes of leading segments
	GetCurrentObj(ctx context.Context, objId obtypes.ObjId, limitBytes uint64) (*CurrentObj, error)

	// segment bytes of a specific version
	GetCurrentObjSegs(ctx context.Context, objId obtypes.ObjId, version obtypes.Version, chunk obtypes.SegsChunk) ([]byte, error)

	// one request of a new-version transaction. Returns the transactionId
	// that every follow-up request must echo.
	SaveNewObjVersion(ctx context.Context, params *SaveParams) (string, error)

	// demote a version from current to archived-only retention
	ArchiveObjVersion(ctx context.Context, objId obtypes.ObjId, version obtypes.Version) error

	// tombstone the whole object. CurrentVersion guards against racing a
	// concurrent new-version commit.
	DeleteObj(ctx context.Context, objId obtypes.ObjId, currentVersion *obtypes.Version) error

	GetObjStatus(ctx context.Context, objId obtypes.ObjId) (*ObjStatusReply, error)
}
