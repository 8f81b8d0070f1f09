package obdownload

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"

	"github.com/obsync/obsync/pkg/obconnect"
	"github.com/obsync/obsync/pkg/obdisk"
	"github.com/obsync/obsync/pkg/obremote"
	"github.com/obsync/obsync/pkg/obtypes"
)

func TestDownloadMissing(t *testing.T) {
	remote, _ := remoteWithObject(t, "obj1", 1, "hdr", "0123456789")

	downloader := New(remote, obconnect.NewGate(true), logex.Discard)

	obj := emptyVersionFile(t, "obj1", 1, 10, remote)
	defer obj.Close()

	assert.Ok(t, downloader.DownloadMissing(context.Background(), "obj1", obj))
	assert.Ok(t, downloader.DownloadMissing(context.Background(), "obj1", obj)) // idempotent

	assert.Assert(t, obj.IsComplete())

	buf := make([]byte, 10)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 0))
	assert.EqualString(t, string(buf), "0123456789")
}

func TestDownloadRange(t *testing.T) {
	remote, _ := remoteWithObject(t, "obj1", 1, "hdr", "0123456789")

	downloader := New(remote, obconnect.NewGate(true), logex.Discard)

	obj := emptyVersionFile(t, "obj1", 1, 10, remote)
	defer obj.Close()

	assert.Ok(t, downloader.DownloadRange(context.Background(), "obj1", obj, obtypes.SegsChunk{Ofs: 2, Len: 4}))

	// only the demanded range was hydrated
	assert.Assert(t, !obj.IsComplete())

	buf := make([]byte, 4)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 2))
	assert.EqualString(t, string(buf), "2345")
}

func TestDisconnectWaitsForReconnectAndResumes(t *testing.T) {
	remote, _ := remoteWithObject(t, "obj1", 1, "hdr", "0123456789")

	gate := obconnect.NewGate(true)
	downloader := New(remote, gate, logex.Discard)

	obj := emptyVersionFile(t, "obj1", 1, 10, remote)
	defer obj.Close()

	remote.SetOffline(true)

	done := make(chan error, 1)
	go func() {
		done <- downloader.DownloadMissing(context.Background(), "obj1", obj)
	}()

	select {
	case err := <-done:
		t.Fatalf("finished while offline: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	// the failed chunk marked the gate offline
	assert.Assert(t, !gate.Online())

	remote.SetOffline(false)
	gate.SetOnline(true)

	assert.Ok(t, <-done)
	assert.Assert(t, obj.IsComplete())
}

func TestBackgroundHydrationYieldsToAsap(t *testing.T) {
	remote, _ := remoteWithObject(t, "obj1", 1, "hdr", "0123456789")

	downloader := New(remote, obconnect.NewGate(true), logex.Discard)

	obj := emptyVersionFile(t, "obj1", 1, 10, remote)
	defer obj.Close()

	downloader.HydrateInBackground(context.Background(), "obj1", obj)

	deadline := time.Now().Add(2 * time.Second)
	for !obj.IsComplete() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Assert(t, obj.IsComplete())
}

func TestFetcherServesBlockedReads(t *testing.T) {
	remote, _ := remoteWithObject(t, "obj1", 1, "the header", "0123456789")

	gate := obconnect.NewGate(true)

	obj := emptyVersionFileNoFetcher(t, 1, 10)
	defer obj.Close()

	obj.SetFetcher(NewFetcher(remote, gate, "obj1", 1))

	header, err := obj.ReadHeader(context.Background())
	assert.Ok(t, err)
	assert.EqualString(t, string(header), "the header")

	buf := make([]byte, 3)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 7))
	assert.EqualString(t, string(buf), "789")
}

func TestSplitRange(t *testing.T) {
	dump := func(r obtypes.SegsChunk, maxLen uint64) string {
		out := ""
		next := splitRange(r, maxLen)
		for chunk, more := next(); more; chunk, more = next() {
			if out != "" {
				out += " "
			}
			out += fmt.Sprintf("%d+%d", chunk.Ofs, chunk.Len)
		}
		return out
	}

	assert.EqualString(t, dump(obtypes.SegsChunk{Ofs: 0, Len: 25}, 10), "0+10 10+10 20+5")
	assert.EqualString(t, dump(obtypes.SegsChunk{Ofs: 5, Len: 10}, 10), "5+10")
	assert.EqualString(t, dump(obtypes.SegsChunk{Ofs: 5, Len: 3}, 10), "5+3")
	assert.EqualString(t, dump(obtypes.SegsChunk{Ofs: 5, Len: 0}, 10), "")
}

func remoteWithObject(t *testing.T, objId obtypes.ObjId, version obtypes.Version, header string, segs string) (*obremote.InMemRemote, uint64) {
	t.Helper()

	remote := obremote.NewInMemRemote()

	_, err := remote.SaveNewObjVersion(context.Background(), &obremote.SaveParams{
		ObjId:   objId,
		Version: version,
		First:   &obremote.FirstSaveOpts{Create: true, SegsTotalLen: uint64(len(segs))},
		Header:  []byte(header),
		Segs:    []byte(segs),
		Last:    true,
	})
	assert.Ok(t, err)

	return remote, uint64(len(segs))
}

func emptyVersionFile(t *testing.T, objId obtypes.ObjId, version obtypes.Version, totalLen uint64, remote obremote.RemoteStorage) *obdisk.ObjOnDisk {
	t.Helper()

	obj := emptyVersionFileNoFetcher(t, version, totalLen)
	obj.SetFetcher(NewFetcher(remote, obconnect.NewGate(true), objId, version))

	return obj
}

func emptyVersionFileNoFetcher(t *testing.T, version obtypes.Version, totalLen uint64) *obdisk.ObjOnDisk {
	t.Helper()

	obj, err := obdisk.Create(filepath.Join(t.TempDir(), "v"), version, nil)
	assert.Ok(t, err)
	assert.Ok(t, obj.InitLayoutWhole(totalLen))

	return obj
}
