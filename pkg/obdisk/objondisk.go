// On-disk representation of one object version: header + segment bytes,
// possibly only partially present, possibly expressed relative to a base
// version's file. A layout index is appended after the content.
package obdisk

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/obsync/obsync/pkg/obtypes"
)

const (
	indexFormatVersion = 1
	footerMagic        = uint32(0x6f627631) // "obv1"
	footerLen          = 12                 // u64 index offset + u32 magic

	baseCacheEntries = 16
)

// Fetcher pulls not-yet-present byte ranges of this version from remote
// storage (ASAP demand).
type Fetcher interface {
	FetchHeader(ctx context.Context) ([]byte, error)
	FetchSegs(ctx context.Context, chunk obtypes.SegsChunk) ([]byte, error)
}

// GetBaseSegsOnDisk resolves a base version to its own on-disk object so
// base-relative sections can be read through it (multi-hop chains resolve
// by recursion).
type GetBaseSegsOnDisk func(base obtypes.Version) (*ObjOnDisk, error)

// ObjOnDisk owns one version file exclusively for its lifetime. Completed
// read-only version files may be shared by multiple readers.
type ObjOnDisk struct {
	mu   sync.Mutex
	file *os.File
	path string

	version obtypes.Version
	base    *obtypes.Version

	headerLen     uint64
	headerFileOfs uint64
	headerOnDisk  bool

	totalSegsLen uint64
	openEnded    bool // streaming write in progress; totalSegsLen not final
	sections     []Section

	dataEnd uint64 // physical end of the content region; index lives after it

	fetcher     Fetcher
	baseResolve GetBaseSegsOnDisk
	baseCache   *lru.Cache
}

// Create starts a new, empty version file.
func Create(path string, version obtypes.Version, base *obtypes.Version) (*ObjOnDisk, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrAlreadyExists, Path: path, Cause: err}
		}
		return nil, err
	}

	o := &ObjOnDisk{
		file:      file,
		path:      path,
		version:   version,
		base:      base,
		openEnded: true,
		sections:  []Section{},
		baseCache: lru.New(baseCacheEntries),
	}

	return o, o.persistIndex()
}

// Open loads an existing version file's layout index.
func Open(path string, version obtypes.Version) (*ObjOnDisk, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: path, Cause: err}
		}
		return nil, err
	}

	o := &ObjOnDisk{
		file:      file,
		path:      path,
		version:   version,
		baseCache: lru.New(baseCacheEntries),
	}

	if err := o.loadIndex(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: loading layout index: %w", path, err)
	}

	return o, nil
}

func (o *ObjOnDisk) SetFetcher(f Fetcher)                  { o.fetcher = f }
func (o *ObjOnDisk) SetBaseResolver(r GetBaseSegsOnDisk)   { o.baseResolve = r }
func (o *ObjOnDisk) Version() obtypes.Version              { return o.version }
func (o *ObjOnDisk) Base() *obtypes.Version                { return o.base }

func (o *ObjOnDisk) TotalSegsLen() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.totalSegsLen
}

func (o *ObjOnDisk) HeaderOnDisk() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.headerOnDisk
}

// InitLayoutWhole declares the version's full segment length with nothing
// downloaded yet: one all-missing section.
func (o *ObjOnDisk) InitLayoutWhole(totalSegsLen uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.sections) != 0 || !o.openEnded {
		return fmt.Errorf("%s: layout already initialized", o.path)
	}

	o.totalSegsLen = totalSegsLen
	o.openEnded = false
	if totalSegsLen > 0 {
		o.sections = []Section{{Kind: SectionNew, Ofs: 0, Len: totalSegsLen}}
	}

	return o.persistIndex()
}

// InitLayoutFromDiff declares the layout of a base-relative version where
// no bytes are present yet: base sections point into the base version,
// new sections await download.
func (o *ObjOnDisk) InitLayoutFromDiff(diff *obtypes.DiffInfo) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.sections) != 0 || !o.openEnded {
		return fmt.Errorf("%s: layout already initialized", o.path)
	}

	sections := []Section{}
	ofs := uint64(0)

	for _, ds := range diff.Sections {
		section := Section{Ofs: ofs, Len: ds.Len}
		if ds.FromBase {
			section.Kind = SectionBase
			section.BaseOfs = ds.BaseOfs
		} else {
			section.Kind = SectionNew
		}

		sections = append(sections, section)
		ofs += ds.Len
	}

	if err := verifyTiling(sections, diff.TotalLen); err != nil {
		return err
	}

	o.base = obtypes.VersionRef(diff.BaseVersion)
	o.totalSegsLen = diff.TotalLen
	o.openEnded = false
	o.sections = sections

	return o.persistIndex()
}

// SaveHeader persists the version's header bytes.
func (o *ObjOnDisk) SaveHeader(header []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.headerOnDisk {
		return nil // already saved; duplicate application avoided
	}

	fileOfs, err := o.appendContent(header)
	if err != nil {
		return err
	}

	o.headerLen = uint64(len(header))
	o.headerFileOfs = fileOfs
	o.headerOnDisk = true

	return o.persistIndex()
}

// SaveRemoteChunk folds downloaded segment bytes at logical offset ofs into
// the layout. Ranges already on disk are skipped, so retrying a chunk after
// a disconnect never applies bytes twice.
func (o *ObjOnDisk) SaveRemoteChunk(ofs uint64, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.openEnded {
		return fmt.Errorf("%s: layout not initialized", o.path)
	}
	if ofs+uint64(len(data)) > o.totalSegsLen {
		return fmt.Errorf("%s: chunk [%d,%d) past segments end %d", o.path, ofs, ofs+uint64(len(data)), o.totalSegsLen)
	}

	for _, missing := range missingWithin(o.sections, ofs, uint64(len(data))) {
		part := data[missing.Ofs-ofs : missing.Ofs-ofs+missing.Len]

		fileOfs, err := o.appendContent(part)
		if err != nil {
			return err
		}

		o.sections = replaceRange(o.sections, Section{
			Kind:    SectionNewOnDisk,
			Ofs:     missing.Ofs,
			Len:     missing.Len,
			FileOfs: fileOfs,
		})
	}

	return o.persistIndex()
}

// MissingSegsRanges lists byte ranges that still must be downloaded.
func (o *ObjOnDisk) MissingSegsRanges() []obtypes.SegsChunk {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.openEnded || o.totalSegsLen == 0 {
		return nil
	}

	return missingWithin(o.sections, 0, o.totalSegsLen)
}

// IsComplete reports whether header and all segment bytes are resolvable
// from local disk (own file or base chain).
func (o *ObjOnDisk) IsComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.headerOnDisk || o.openEnded {
		return false
	}

	for _, section := range o.sections {
		if !section.Kind.onDisk() {
			return false
		}
	}

	return true
}

// ReadHeader returns the header bytes, fetching them first if not present.
func (o *ObjOnDisk) ReadHeader(ctx context.Context) ([]byte, error) {
	o.mu.Lock()
	onDisk, fileOfs, length := o.headerOnDisk, o.headerFileOfs, o.headerLen
	o.mu.Unlock()

	if !onDisk {
		if o.fetcher == nil {
			return nil, fmt.Errorf("%s: header not on disk and no fetcher", o.path)
		}

		header, err := o.fetcher.FetchHeader(ctx)
		if err != nil {
			return nil, err
		}

		if err := o.SaveHeader(header); err != nil {
			return nil, err
		}

		return header, nil
	}

	header := make([]byte, length)
	if _, err := o.file.ReadAt(header, int64(fileOfs)); err != nil {
		return nil, err
	}

	return header, nil
}

// ReadSegsAt reads len(p) segment bytes at logical offset ofs, splicing
// together own-file ranges, base-version ranges and freshly fetched ranges.
func (o *ObjOnDisk) ReadSegsAt(ctx context.Context, p []byte, ofs uint64) error {
	end := ofs + uint64(len(p))

	o.mu.Lock()
	if o.openEnded {
		o.mu.Unlock()
		return fmt.Errorf("%s: read while layout still open-ended", o.path)
	}
	if end > o.totalSegsLen {
		o.mu.Unlock()
		return fmt.Errorf("%s: read [%d,%d) past segments end %d", o.path, ofs, end, o.totalSegsLen)
	}

	// fetch everything missing in the range first, then splice
	missing := missingWithin(o.sections, ofs, uint64(len(p)))
	o.mu.Unlock()

	for _, chunk := range missing {
		if o.fetcher == nil {
			return fmt.Errorf("%s: bytes [%d,%d) not on disk and no fetcher", o.path, chunk.Ofs, chunk.Ofs+chunk.Len)
		}

		data, err := o.fetcher.FetchSegs(ctx, chunk)
		if err != nil {
			return err
		}

		if err := o.SaveRemoteChunk(chunk.Ofs, data); err != nil {
			return err
		}
	}

	o.mu.Lock()
	sections := append([]Section{}, o.sections...)
	o.mu.Unlock()

	for _, section := range sections {
		sEnd := section.Ofs + section.Len
		if sEnd <= ofs || section.Ofs >= end {
			continue
		}

		from := max64(section.Ofs, ofs)
		to := min64(sEnd, end)
		dst := p[from-ofs : to-ofs]
		skip := from - section.Ofs

		switch section.Kind {
		case SectionNewOnDisk:
			if _, err := o.file.ReadAt(dst, int64(section.FileOfs+skip)); err != nil {
				return err
			}

		case SectionBaseOnDisk, SectionBase:
			baseObj, err := o.resolveBase()
			if err != nil {
				return err
			}

			if err := baseObj.ReadSegsAt(ctx, dst, section.BaseOfs+skip); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%s: bytes [%d,%d) still not on disk after fetch", o.path, from, to)
		}
	}

	return nil
}

// GetSrc yields the version's full content: header bytes plus a reader over
// the segments. Reading pulls missing ranges through the fetcher.
func (o *ObjOnDisk) GetSrc(ctx context.Context) ([]byte, io.Reader, uint64, error) {
	header, err := o.ReadHeader(ctx)
	if err != nil {
		return nil, nil, 0, err
	}

	total := o.TotalSegsLen()

	return header, &segsReader{ctx: ctx, obj: o, left: total}, total, nil
}

// Delete closes and removes the version file. Called once the version is
// garbage per the version graph.
func (o *ObjOnDisk) Delete() error {
	_ = o.file.Close()
	return os.Remove(o.path)
}

func (o *ObjOnDisk) Close() error {
	return o.file.Close()
}

type segsReader struct {
	ctx  context.Context
	obj  *ObjOnDisk
	ofs  uint64
	left uint64
}

func (r *segsReader) Read(p []byte) (int, error) {
	if r.left == 0 {
		return 0, io.EOF
	}

	n := uint64(len(p))
	if n > r.left {
		n = r.left
	}

	if err := r.obj.ReadSegsAt(r.ctx, p[:n], r.ofs); err != nil {
		return 0, err
	}

	r.ofs += n
	r.left -= n

	return int(n), nil
}

// must hold mu (or be called before the object is shared)
func (o *ObjOnDisk) appendContent(data []byte) (uint64, error) {
	fileOfs := o.dataEnd

	if _, err := o.file.WriteAt(data, int64(fileOfs)); err != nil {
		return 0, err
	}

	o.dataEnd += uint64(len(data))

	return fileOfs, nil
}

func (o *ObjOnDisk) resolveBase() (*ObjOnDisk, error) {
	if o.base == nil {
		return nil, fmt.Errorf("%s: base section but no base version", o.path)
	}
	if o.baseResolve == nil {
		return nil, fmt.Errorf("%s: base section but no base resolver", o.path)
	}

	if cached, ok := o.baseCache.Get(*o.base); ok {
		return cached.(*ObjOnDisk), nil
	}

	baseObj, err := o.baseResolve(*o.base)
	if err != nil {
		return nil, err
	}

	o.baseCache.Add(*o.base, baseObj)

	return baseObj, nil
}

const (
	flagHeaderOnDisk = 1 << 0
	flagOpenEnded    = 1 << 1
)

// must hold mu. The index is rewritten after the content region and synced;
// a crash loses at most un-indexed appends, never corrupts saved progress.
func (o *ObjOnDisk) persistIndex() error {
	buf := &bytes.Buffer{}

	flags := uint8(0)
	if o.headerOnDisk {
		flags |= flagHeaderOnDisk
	}
	if o.openEnded {
		flags |= flagOpenEnded
	}

	baseVer := obtypes.Version(0)
	if o.base != nil {
		baseVer = *o.base
	}

	buf.WriteByte(indexFormatVersion)
	buf.WriteByte(flags)
	writeU64(buf, o.headerLen)
	writeU64(buf, o.headerFileOfs)
	writeU64(buf, o.totalSegsLen)
	writeU64(buf, uint64(baseVer))
	writeU32(buf, uint32(len(o.sections)))

	for _, section := range o.sections {
		buf.WriteByte(byte(section.Kind))
		writeU64(buf, section.Ofs)
		writeU64(buf, section.Len)

		aux := section.FileOfs
		if section.Kind.fromBase() {
			aux = section.BaseOfs
		}
		writeU64(buf, aux)
	}

	indexOfs := o.dataEnd
	writeU64(buf, indexOfs)
	writeU32(buf, footerMagic)

	if _, err := o.file.WriteAt(buf.Bytes(), int64(indexOfs)); err != nil {
		return err
	}
	if err := o.file.Truncate(int64(indexOfs) + int64(buf.Len())); err != nil {
		return err
	}

	return o.file.Sync()
}

func (o *ObjOnDisk) loadIndex() error {
	stat, err := o.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < footerLen {
		return fmt.Errorf("file too short for layout footer")
	}

	footer := make([]byte, footerLen)
	if _, err := o.file.ReadAt(footer, stat.Size()-footerLen); err != nil {
		return err
	}

	if binary.BigEndian.Uint32(footer[8:]) != footerMagic {
		return fmt.Errorf("bad layout footer magic")
	}

	indexOfs := binary.BigEndian.Uint64(footer[:8])
	if int64(indexOfs) >= stat.Size() {
		return fmt.Errorf("layout index offset %d out of bounds", indexOfs)
	}

	index := make([]byte, stat.Size()-footerLen-int64(indexOfs))
	if _, err := o.file.ReadAt(index, int64(indexOfs)); err != nil {
		return err
	}

	rd := bytes.NewReader(index)

	formatVersion, _ := rd.ReadByte()
	if formatVersion != indexFormatVersion {
		return fmt.Errorf("unsupported layout index version %d", formatVersion)
	}

	flags, _ := rd.ReadByte()
	o.headerOnDisk = flags&flagHeaderOnDisk != 0
	o.openEnded = flags&flagOpenEnded != 0

	o.headerLen = readU64(rd)
	o.headerFileOfs = readU64(rd)
	o.totalSegsLen = readU64(rd)

	if baseVer := readU64(rd); baseVer != 0 {
		o.base = obtypes.VersionRef(obtypes.Version(baseVer))
	}

	sectionCount := readU32(rd)
	o.sections = make([]Section, 0, sectionCount)

	for i := uint32(0); i < sectionCount; i++ {
		kind, err := rd.ReadByte()
		if err != nil {
			return fmt.Errorf("truncated layout index")
		}

		section := Section{
			Kind: SectionKind(kind),
			Ofs:  readU64(rd),
			Len:  readU64(rd),
		}

		aux := readU64(rd)
		if section.Kind.fromBase() {
			section.BaseOfs = aux
		} else {
			section.FileOfs = aux
		}

		o.sections = append(o.sections, section)
	}

	if !o.openEnded {
		if err := verifyTiling(o.sections, o.totalSegsLen); err != nil {
			return err
		}
	}

	o.dataEnd = indexOfs

	return nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, v)
	buf.Write(tmp)
}

func writeU32(buf *bytes.Buffer, v uint32) {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, v)
	buf.Write(tmp)
}

func readU64(rd *bytes.Reader) uint64 {
	tmp := make([]byte, 8)
	_, _ = io.ReadFull(rd, tmp)
	return binary.BigEndian.Uint64(tmp)
}

func readU32(rd *bytes.Reader) uint32 {
	tmp := make([]byte, 4)
	_, _ = io.ReadFull(rd, tmp)
	return binary.BigEndian.Uint32(tmp)
}
