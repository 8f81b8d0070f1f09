package obdisk

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/obsync/obsync/pkg/obtypes"
)

func TestStreamedWriteRoundTrip(t *testing.T) {
	obj, err := Create(filepath.Join(t.TempDir(), "v1"), 1, nil)
	assert.Ok(t, err)
	defer obj.Close()

	proc, err := NewWriteProc(obj)
	assert.Ok(t, err)

	assert.Ok(t, proc.WriteHeader([]byte("header v1")))
	assert.Ok(t, proc.WriteSegs([]byte("hello ")))
	assert.Ok(t, proc.WriteSegs([]byte("world")))
	assert.Ok(t, proc.Finish())

	assert.Assert(t, obj.TotalSegsLen() == 11)
	assert.Assert(t, obj.IsComplete())

	header, segs, totalLen, err := obj.GetSrc(context.Background())
	assert.Ok(t, err)
	assert.EqualString(t, string(header), "header v1")
	assert.Assert(t, totalLen == 11)

	content := &bytes.Buffer{}
	_, err = content.ReadFrom(segs)
	assert.Ok(t, err)
	assert.EqualString(t, content.String(), "hello world")
}

func TestLayoutSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1")

	obj, err := Create(path, 1, nil)
	assert.Ok(t, err)

	proc, err := NewWriteProc(obj)
	assert.Ok(t, err)
	assert.Ok(t, proc.WriteHeader([]byte("hdr")))
	assert.Ok(t, proc.WriteSegs([]byte("persist me")))
	assert.Ok(t, proc.Finish())
	assert.Ok(t, obj.Close())

	reopened, err := Open(path, 1)
	assert.Ok(t, err)
	defer reopened.Close()

	assert.Assert(t, reopened.IsComplete())
	assert.Assert(t, reopened.TotalSegsLen() == 10)

	header, err := reopened.ReadHeader(context.Background())
	assert.Ok(t, err)
	assert.EqualString(t, string(header), "hdr")

	buf := make([]byte, 10)
	assert.Ok(t, reopened.ReadSegsAt(context.Background(), buf, 0))
	assert.EqualString(t, string(buf), "persist me")
}

func TestSaveRemoteChunkFillsMissingRanges(t *testing.T) {
	obj, err := Create(filepath.Join(t.TempDir(), "v1"), 1, nil)
	assert.Ok(t, err)
	defer obj.Close()

	assert.Ok(t, obj.InitLayoutWhole(10))
	assert.EqualString(t, dumpChunks(obj.MissingSegsRanges()), "[0,10)")

	// out-of-order arrival
	assert.Ok(t, obj.SaveRemoteChunk(6, []byte("wxyz")))
	assert.EqualString(t, dumpChunks(obj.MissingSegsRanges()), "[0,6)")

	assert.Ok(t, obj.SaveRemoteChunk(0, []byte("abc")))
	assert.EqualString(t, dumpChunks(obj.MissingSegsRanges()), "[3,6)")

	assert.Ok(t, obj.SaveRemoteChunk(3, []byte("def")))
	assert.EqualString(t, dumpChunks(obj.MissingSegsRanges()), "")
	assert.Assert(t, !obj.IsComplete()) // header still missing

	assert.Ok(t, obj.SaveHeader([]byte("h")))
	assert.Assert(t, obj.IsComplete())

	buf := make([]byte, 10)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 0))
	assert.EqualString(t, string(buf), "abcdefwxyz")
}

func TestSaveRemoteChunkRetryDoesNotReapply(t *testing.T) {
	obj, err := Create(filepath.Join(t.TempDir(), "v1"), 1, nil)
	assert.Ok(t, err)
	defer obj.Close()

	assert.Ok(t, obj.InitLayoutWhole(8))
	assert.Ok(t, obj.SaveRemoteChunk(0, []byte("abcd")))

	sizeBefore := obj.dataEnd

	// a chunk re-sent after a disconnect overlaps what is already saved.
	// only the genuinely missing part may land in the file.
	assert.Ok(t, obj.SaveRemoteChunk(0, []byte("abcdEFGH")))
	assert.Assert(t, obj.dataEnd == sizeBefore+4)

	buf := make([]byte, 8)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 0))
	assert.EqualString(t, string(buf), "abcdEFGH")
}

func TestDiffLayoutReadsThroughBase(t *testing.T) {
	dir := t.TempDir()

	base := wholeObject(t, filepath.Join(dir, "v1"), 1, "0123456789")
	defer base.Close()

	obj, err := Create(filepath.Join(dir, "v2"), 2, nil)
	assert.Ok(t, err)
	defer obj.Close()

	// [0,4) from base ofs 0, [4,8) new, [8,10) from base ofs 8
	assert.Ok(t, obj.InitLayoutFromDiff(&obtypes.DiffInfo{
		BaseVersion: 1,
		TotalLen:    10,
		Sections: []obtypes.DiffSection{
			{FromBase: true, BaseOfs: 0, Len: 4},
			{Len: 4},
			{FromBase: true, BaseOfs: 8, Len: 2},
		},
	}))

	assert.EqualString(t, dumpChunks(obj.MissingSegsRanges()), "[4,8)")
	assert.Ok(t, obj.SaveRemoteChunk(4, []byte("WXYZ")))

	obj.SetBaseResolver(func(ver obtypes.Version) (*ObjOnDisk, error) {
		assert.Assert(t, ver == 1)
		return base, nil
	})

	buf := make([]byte, 10)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 0))
	assert.EqualString(t, string(buf), "0123WXYZ89")

	// reads crossing section boundaries
	buf = make([]byte, 6)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 2))
	assert.EqualString(t, string(buf), "23WXYZ")
}

func TestReadFetchesMissingRanges(t *testing.T) {
	obj, err := Create(filepath.Join(t.TempDir(), "v1"), 1, nil)
	assert.Ok(t, err)
	defer obj.Close()

	assert.Ok(t, obj.InitLayoutWhole(10))
	assert.Ok(t, obj.SaveRemoteChunk(0, []byte("abc")))

	fetcher := &memFetcher{header: []byte("hdr"), segs: []byte("abcdefghij")}
	obj.SetFetcher(fetcher)

	buf := make([]byte, 10)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 0))
	assert.EqualString(t, string(buf), "abcdefghij")

	// fetched only what was missing
	assert.EqualString(t, dumpChunks(fetcher.fetched), "[3,10)")

	// everything saved now. further reads hit disk only.
	assert.Assert(t, len(obj.MissingSegsRanges()) == 0)
	fetcher.fetched = nil
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 0))
	assert.Assert(t, len(fetcher.fetched) == 0)

	header, err := obj.ReadHeader(context.Background())
	assert.Ok(t, err)
	assert.EqualString(t, string(header), "hdr")
	assert.Assert(t, obj.HeaderOnDisk())
}

func TestDiffFromSections(t *testing.T) {
	dir := t.TempDir()

	base := wholeObject(t, filepath.Join(dir, "v1"), 1, "0123456789")
	defer base.Close()

	obj, err := Create(filepath.Join(dir, "v2"), 2, obtypes.VersionRef(1))
	assert.Ok(t, err)
	defer obj.Close()

	proc, err := NewWriteProc(obj)
	assert.Ok(t, err)
	assert.Ok(t, proc.WriteHeader([]byte("hdr")))
	assert.Ok(t, proc.InheritFromBase(0, 4))
	assert.Ok(t, proc.WriteSegs([]byte("WXYZ")))
	assert.Ok(t, proc.InheritFromBase(8, 2))
	assert.Ok(t, proc.Finish())

	diff, err := DiffFromBase(context.Background(), obj, base)
	assert.Ok(t, err)

	assert.Assert(t, diff.BaseVersion == 1)
	assert.Assert(t, diff.TotalLen == 10)
	assert.EqualString(t, dumpDiff(diff), "base[0,4) new[4) base[8,2)")
	assert.Assert(t, diff.NewBytesTotal() == 4)
	assert.EqualString(t, dumpChunks(diff.NewSegsChunks()), "[4,8)")

	// the layout resolves reads through the base without new bytes on disk
	obj.SetBaseResolver(func(obtypes.Version) (*ObjOnDisk, error) { return base, nil })
	buf := make([]byte, 10)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 0))
	assert.EqualString(t, string(buf), "0123WXYZ89")
}

func TestDiffByHashing(t *testing.T) {
	dir := t.TempDir()

	baseContent := make([]byte, 3*diffSegmentSize)
	for i := range baseContent {
		baseContent[i] = byte(i % 251)
	}

	// second segment changed, plus a short tail appended
	objContent := append([]byte{}, baseContent...)
	objContent[diffSegmentSize+100] ^= 0xff
	objContent = append(objContent, []byte("tail")...)

	base := wholeObject(t, filepath.Join(dir, "v1"), 1, string(baseContent))
	defer base.Close()
	obj := wholeObject(t, filepath.Join(dir, "v2"), 2, string(objContent))
	defer obj.Close()

	diff, err := DiffFromBase(context.Background(), obj, base)
	assert.Ok(t, err)

	assert.Assert(t, diff.BaseVersion == 1)
	assert.Assert(t, diff.TotalLen == uint64(len(objContent)))
	assert.EqualString(t, dumpDiff(diff), fmt.Sprintf(
		"base[0,%d) new[%d) base[%d,%d) new[%d)",
		diffSegmentSize,
		diffSegmentSize,
		2*diffSegmentSize, diffSegmentSize,
		4))
}

func TestWriteBackpressureManyChunks(t *testing.T) {
	obj, err := Create(filepath.Join(t.TempDir(), "v1"), 1, nil)
	assert.Ok(t, err)
	defer obj.Close()

	proc, err := NewWriteProc(obj)
	assert.Ok(t, err)
	assert.Ok(t, proc.WriteHeader([]byte("h")))

	chunk := bytes.Repeat([]byte("x"), 256*1024)
	for i := 0; i < 40; i++ { // 10 MiB, well past pauseThreshold
		assert.Ok(t, proc.WriteSegs(chunk))
	}
	assert.Ok(t, proc.Finish())

	assert.Assert(t, obj.TotalSegsLen() == 40*256*1024)
	assert.Assert(t, obj.IsComplete())

	buf := make([]byte, 1024)
	assert.Ok(t, obj.ReadSegsAt(context.Background(), buf, 39*256*1024))
	assert.Assert(t, bytes.Equal(buf, bytes.Repeat([]byte("x"), 1024)))
}

func TestReplaceRangeSplitsAndMerges(t *testing.T) {
	sections := []Section{{Kind: SectionNew, Ofs: 0, Len: 100}}

	sections = replaceRange(sections, Section{Kind: SectionNewOnDisk, Ofs: 20, Len: 30, FileOfs: 0})
	assert.Ok(t, verifyTiling(sections, 100))
	assert.Assert(t, len(sections) == 3)

	// adjacent both logically and physically: merges with the previous
	sections = replaceRange(sections, Section{Kind: SectionNewOnDisk, Ofs: 50, Len: 10, FileOfs: 30})
	assert.Ok(t, verifyTiling(sections, 100))
	assert.Assert(t, len(sections) == 3)
	assert.Assert(t, sections[1].Len == 40)

	// physically discontiguous: stays a separate section
	sections = replaceRange(sections, Section{Kind: SectionNewOnDisk, Ofs: 60, Len: 10, FileOfs: 999})
	assert.Assert(t, len(sections) == 4)
}

type memFetcher struct {
	header  []byte
	segs    []byte
	fetched []obtypes.SegsChunk
}

func (m *memFetcher) FetchHeader(ctx context.Context) ([]byte, error) {
	return m.header, nil
}

func (m *memFetcher) FetchSegs(ctx context.Context, chunk obtypes.SegsChunk) ([]byte, error) {
	m.fetched = append(m.fetched, chunk)
	return m.segs[chunk.Ofs : chunk.Ofs+chunk.Len], nil
}

func wholeObject(t *testing.T, path string, version obtypes.Version, content string) *ObjOnDisk {
	t.Helper()

	obj, err := Create(path, version, nil)
	assert.Ok(t, err)

	proc, err := NewWriteProc(obj)
	assert.Ok(t, err)
	assert.Ok(t, proc.WriteHeader([]byte("hdr")))
	assert.Ok(t, proc.WriteSegs([]byte(content)))
	assert.Ok(t, proc.Finish())

	return obj
}

func dumpChunks(chunks []obtypes.SegsChunk) string {
	out := ""
	for _, chunk := range chunks {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("[%d,%d)", chunk.Ofs, chunk.Ofs+chunk.Len)
	}

	return out
}

func dumpDiff(diff *obtypes.DiffInfo) string {
	out := ""
	for _, section := range diff.Sections {
		if out != "" {
			out += " "
		}

		if section.FromBase {
			out += fmt.Sprintf("base[%d,%d)", section.BaseOfs, section.Len)
		} else {
			out += fmt.Sprintf("new[%d)", section.Len)
		}
	}

	return out
}
