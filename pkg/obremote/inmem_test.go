package obremote

import (
	"context"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/obsync/obsync/pkg/obtypes"
)

func TestWholeUploadTransaction(t *testing.T) {
	remote := NewInMemRemote()
	ctx := context.Background()

	txId, err := remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 1,
		First:   &FirstSaveOpts{Create: true, SegsTotalLen: 10},
		Header:  []byte("hdr"),
		Segs:    []byte("01234"),
		SegsOfs: 0,
	})
	assert.Ok(t, err)
	assert.Assert(t, txId != "")

	// continuation must echo the transaction id
	_, err = remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 1,
		Follow:  &FollowSaveOpts{TransactionId: "bogus"},
		Segs:    []byte("56789"),
		SegsOfs: 5,
	})
	assert.Assert(t, obtypes.IsStorageError(err, obtypes.StorageErrUnknownTransaction))

	_, err = remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 1,
		Follow:  &FollowSaveOpts{TransactionId: txId},
		Segs:    []byte("56789"),
		SegsOfs: 5,
		Last:    true,
	})
	assert.Ok(t, err)

	obj, err := remote.GetCurrentObj(ctx, "obj1", 1024)
	assert.Ok(t, err)
	assert.Assert(t, obj.Version == 1)
	assert.Assert(t, obj.SegsTotalLen == 10)
	assert.EqualString(t, string(obj.Header), "hdr")
	assert.EqualString(t, string(obj.Segs), "0123456789")
}

func TestWholeUploadMustBeOrdered(t *testing.T) {
	remote := NewInMemRemote()
	ctx := context.Background()

	_, err := remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 1,
		First:   &FirstSaveOpts{Create: true, SegsTotalLen: 10},
		Segs:    []byte("56789"),
		SegsOfs: 5, // not starting at zero
	})
	assert.Assert(t, err != nil)
}

func TestConcurrentTransactionRejected(t *testing.T) {
	remote := NewInMemRemote()
	ctx := context.Background()

	_, err := remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 1,
		First:   &FirstSaveOpts{Create: true, SegsTotalLen: 5},
	})
	assert.Ok(t, err)

	_, err = remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 2,
		First:   &FirstSaveOpts{Create: true, SegsTotalLen: 5},
	})
	assert.Assert(t, obtypes.IsStorageError(err, obtypes.StorageErrConcurrentTransaction))
}

func TestVersionMustAdvance(t *testing.T) {
	remote := NewInMemRemote()
	ctx := context.Background()

	saveWhole(t, remote, "obj1", 3, "hdr", "abc", true)

	_, err := remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 3,
		First:   &FirstSaveOpts{SegsTotalLen: 3},
	})
	assert.Assert(t, obtypes.IsStorageError(err, obtypes.StorageErrVersionMismatch))

	storageErr := err.(*obtypes.StorageError)
	assert.Assert(t, storageErr.CurrentVersion == 3)
}

func TestDiffUploadTransaction(t *testing.T) {
	remote := NewInMemRemote()
	ctx := context.Background()

	saveWhole(t, remote, "obj1", 1, "hdr1", "0123456789", true)

	// keep the base current through the diff commit
	assert.Ok(t, remote.ArchiveObjVersion(ctx, "obj1", 1))

	diff := &obtypes.DiffInfo{
		BaseVersion: 1,
		TotalLen:    12,
		Sections: []obtypes.DiffSection{
			{FromBase: true, BaseOfs: 0, Len: 4},
			{Len: 6},
			{FromBase: true, BaseOfs: 8, Len: 2},
		},
	}

	txId, err := remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 2,
		First:   &FirstSaveOpts{BaseVersion: obtypes.VersionRef(1)},
		Diff:    diff,
		Header:  []byte("hdr2"),
		Segs:    []byte("WXY"),
		SegsOfs: 4,
	})
	assert.Ok(t, err)

	_, err = remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 2,
		Follow:  &FollowSaveOpts{TransactionId: txId},
		Segs:    []byte("Zab"),
		SegsOfs: 7,
		Last:    true,
	})
	assert.Ok(t, err)

	obj, err := remote.GetCurrentObj(ctx, "obj1", 1024)
	assert.Ok(t, err)
	assert.Assert(t, obj.Version == 2)
	assert.EqualString(t, string(obj.Segs), "0123WXYZab89")

	// archived base still serves ranged reads
	segs, err := remote.GetCurrentObjSegs(ctx, "obj1", 1, obtypes.SegsChunk{Ofs: 2, Len: 4})
	assert.Ok(t, err)
	assert.EqualString(t, string(segs), "2345")
}

func TestDeleteObjGuardsCurrentVersion(t *testing.T) {
	remote := NewInMemRemote()
	ctx := context.Background()

	saveWhole(t, remote, "obj1", 2, "hdr", "abc", true)

	err := remote.DeleteObj(ctx, "obj1", obtypes.VersionRef(1))
	assert.Assert(t, obtypes.IsStorageError(err, obtypes.StorageErrVersionMismatch))

	assert.Ok(t, remote.DeleteObj(ctx, "obj1", obtypes.VersionRef(2)))

	_, err = remote.GetCurrentObj(ctx, "obj1", 0)
	assert.Assert(t, obtypes.IsStorageError(err, obtypes.StorageErrObjNotFound))

	status, err := remote.GetObjStatus(ctx, "obj1")
	assert.Ok(t, err)
	assert.Assert(t, status.IsArchived)
}

func TestOfflineFailsWithConnectivityError(t *testing.T) {
	remote := NewInMemRemote()
	ctx := context.Background()

	saveWhole(t, remote, "obj1", 1, "hdr", "abc", true)

	remote.SetOffline(true)

	_, err := remote.GetCurrentObj(ctx, "obj1", 0)
	assert.Assert(t, obtypes.IsConnectivity(err))

	remote.SetOffline(false)

	_, err = remote.GetCurrentObj(ctx, "obj1", 0)
	assert.Ok(t, err)
}

func TestTransactionSurvivesOfflinePeriod(t *testing.T) {
	remote := NewInMemRemote()
	ctx := context.Background()

	txId, err := remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 1,
		First:   &FirstSaveOpts{Create: true, SegsTotalLen: 6},
		Segs:    []byte("abc"),
	})
	assert.Ok(t, err)

	remote.SetOffline(true)
	_, err = remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 1,
		Follow:  &FollowSaveOpts{TransactionId: txId},
		Segs:    []byte("def"),
		SegsOfs: 3,
	})
	assert.Assert(t, obtypes.IsConnectivity(err))
	remote.SetOffline(false)

	// same request again after reconnect
	_, err = remote.SaveNewObjVersion(ctx, &SaveParams{
		ObjId:   "obj1",
		Version: 1,
		Follow:  &FollowSaveOpts{TransactionId: txId},
		Segs:    []byte("def"),
		SegsOfs: 3,
		Last:    true,
	})
	assert.Ok(t, err)

	obj, err := remote.GetCurrentObj(ctx, "obj1", 1024)
	assert.Ok(t, err)
	assert.EqualString(t, string(obj.Segs), "abcdef")
}

func saveWhole(t *testing.T, remote *InMemRemote, objId obtypes.ObjId, version obtypes.Version, header string, segs string, create bool) {
	t.Helper()

	_, err := remote.SaveNewObjVersion(context.Background(), &SaveParams{
		ObjId:   objId,
		Version: version,
		First:   &FirstSaveOpts{Create: create, SegsTotalLen: uint64(len(segs))},
		Header:  []byte(header),
		Segs:    []byte(segs),
		Last:    true,
	})
	assert.Ok(t, err)
}
