package obdisk

import (
	"fmt"
	"sync"
)

const (
	// buffered bytes before the flusher bothers writing
	flushThreshold = 512 * 1024
	// buffered bytes at which writers pause until the flusher catches up
	pauseThreshold = 4 * 1024 * 1024
)

// WriteProc streams a new version's content into an open-ended ObjOnDisk.
// Segment writes are buffered and flushed by a background goroutine, with
// backpressure once the buffer grows past pauseThreshold. Writes must be
// sequential; inherited base ranges are interleaved in logical order.
type WriteProc struct {
	obj *ObjOnDisk

	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte
	// logical offset of pending[0]. pending always ends exactly at nextOfs.
	pendingOfs  uint64
	nextOfs     uint64
	wantDrain   bool
	closing     bool
	flushErr    error
	flusherDone chan struct{}
}

func NewWriteProc(obj *ObjOnDisk) (*WriteProc, error) {
	obj.mu.Lock()
	openEnded := obj.openEnded && len(obj.sections) == 0
	obj.mu.Unlock()

	if !openEnded {
		return nil, fmt.Errorf("%s: write process needs a fresh open-ended file", obj.path)
	}

	w := &WriteProc{
		obj:         obj,
		flusherDone: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)

	go w.flusher()

	return w, nil
}

func (w *WriteProc) WriteHeader(header []byte) error {
	return w.obj.SaveHeader(header)
}

// WriteSegs appends new segment bytes at the current logical offset.
// Blocks when the flusher is too far behind.
func (w *WriteProc) WriteSegs(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.pending) >= pauseThreshold && w.flushErr == nil {
		w.cond.Wait()
	}

	if w.flushErr != nil {
		return w.flushErr
	}
	if w.closing {
		return fmt.Errorf("%s: write after Finish", w.obj.path)
	}

	if len(w.pending) == 0 {
		w.pendingOfs = w.nextOfs
	}
	w.pending = append(w.pending, data...)
	w.nextOfs += uint64(len(data))

	w.cond.Broadcast()

	return nil
}

// InheritFromBase records that the next length logical bytes equal the base
// version's bytes at baseOfs, with nothing written to this file.
func (w *WriteProc) InheritFromBase(baseOfs uint64, length uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing {
		return fmt.Errorf("%s: write after Finish", w.obj.path)
	}

	// pending must stay contiguous, so drain it before the gap
	if err := w.drainLocked(); err != nil {
		return err
	}

	if err := w.obj.appendBaseStreamed(w.nextOfs, baseOfs, length); err != nil {
		w.flushErr = err
		return err
	}

	w.nextOfs += length

	return nil
}

// Finish flushes buffered bytes, seals the layout at the written length and
// stops the flusher. The file stays usable (and open) for reading.
func (w *WriteProc) Finish() error {
	w.mu.Lock()

	if err := w.drainLocked(); err != nil {
		w.mu.Unlock()
		return err
	}

	w.closing = true
	w.cond.Broadcast()
	totalLen := w.nextOfs
	w.mu.Unlock()

	<-w.flusherDone

	w.mu.Lock()
	err := w.flushErr
	w.mu.Unlock()

	if err != nil {
		return err
	}

	return w.obj.finalizeStreaming(totalLen)
}

func (w *WriteProc) flusher() {
	defer close(w.flusherDone)

	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for len(w.pending) < flushThreshold && !w.closing && !w.wantDrain && w.flushErr == nil {
			w.cond.Wait()
		}

		if w.flushErr != nil {
			return
		}

		if len(w.pending) == 0 {
			if w.closing {
				return
			}

			w.wantDrain = false
			w.cond.Broadcast()
			continue
		}

		data := w.pending
		ofs := w.pendingOfs
		w.pending = nil
		w.pendingOfs = ofs + uint64(len(data))

		w.mu.Unlock()
		err := w.obj.appendStreamed(ofs, data)
		w.mu.Lock()

		if err != nil && w.flushErr == nil {
			w.flushErr = err
		}

		w.cond.Broadcast()
	}
}

// must hold mu. waits until the flusher has written everything buffered.
func (w *WriteProc) drainLocked() error {
	w.wantDrain = true
	w.cond.Broadcast()

	for (len(w.pending) > 0 || w.wantDrain) && w.flushErr == nil {
		w.cond.Wait()
	}

	return w.flushErr
}

func (o *ObjOnDisk) appendStreamed(ofs uint64, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	fileOfs, err := o.appendContent(data)
	if err != nil {
		return err
	}

	o.sections = mergeAdjacent(append(o.sections, Section{
		Kind:    SectionNewOnDisk,
		Ofs:     ofs,
		Len:     uint64(len(data)),
		FileOfs: fileOfs,
	}))

	return o.persistIndex()
}

func (o *ObjOnDisk) appendBaseStreamed(ofs uint64, baseOfs uint64, length uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.sections = mergeAdjacent(append(o.sections, Section{
		Kind:    SectionBaseOnDisk,
		Ofs:     ofs,
		Len:     length,
		BaseOfs: baseOfs,
	}))

	return o.persistIndex()
}

func (o *ObjOnDisk) finalizeStreaming(totalLen uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.openEnded {
		return fmt.Errorf("%s: already finalized", o.path)
	}

	if err := verifyTiling(o.sections, totalLen); err != nil {
		return err
	}

	o.totalSegsLen = totalLen
	o.openEnded = false

	return o.persistIndex()
}
