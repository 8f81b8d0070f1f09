// Download scheduler: pulls missing byte ranges of object versions from
// remote storage into their on-disk files. Two service levels: ASAP (a read
// is blocked on the bytes) and background hydration, which yields whenever
// ASAP demand appears.
package obdownload

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/function61/gokit/logex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/obsync/obsync/pkg/mutexmap"
	"github.com/obsync/obsync/pkg/obconnect"
	"github.com/obsync/obsync/pkg/obdisk"
	"github.com/obsync/obsync/pkg/obremote"
	"github.com/obsync/obsync/pkg/obtypes"
)

const (
	maxChunkLen     = 1024 * 1024
	asapConcurrency = 4
)

var (
	downloadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obsync_download_bytes_total",
		Help: "Segment bytes downloaded from remote storage",
	})
	downloadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obsync_download_retries_total",
		Help: "Download chunks retried after a connectivity failure",
	})
)

type Downloader struct {
	remote obremote.RemoteStorage
	gate   *obconnect.Gate
	logl   *logex.Leveled

	// single-flights concurrent demand for the same version's ranges
	inFlight *mutexmap.M

	// background work yields while this is non-zero
	asapMu     sync.Mutex
	asapCond   *sync.Cond
	asapActive int

	bgQueue chan bgTask
	bgOnce  sync.Once
}

type bgTask struct {
	ctx   context.Context
	objId obtypes.ObjId
	obj   *obdisk.ObjOnDisk
}

func New(remote obremote.RemoteStorage, gate *obconnect.Gate, logger *log.Logger) *Downloader {
	d := &Downloader{
		remote:   remote,
		gate:     gate,
		logl:     logex.Levels(logger),
		inFlight: mutexmap.New(),
		bgQueue:  make(chan bgTask, 64),
	}
	d.asapCond = sync.NewCond(&d.asapMu)

	return d
}

// DownloadMissing fetches every still-missing range of the version, ASAP
// priority. Safe to call concurrently for the same version: overlapping
// demand joins the in-flight download instead of duplicating it.
func (d *Downloader) DownloadMissing(ctx context.Context, objId obtypes.ObjId, obj *obdisk.ObjOnDisk) error {
	d.asapEnter()
	defer d.asapExit()

	return d.downloadMissing(ctx, objId, obj, nil)
}

// DownloadRange fetches just the given range, ASAP priority. Used to serve
// a blocked read without hydrating the whole version.
func (d *Downloader) DownloadRange(ctx context.Context, objId obtypes.ObjId, obj *obdisk.ObjOnDisk, within obtypes.SegsChunk) error {
	d.asapEnter()
	defer d.asapExit()

	return d.downloadMissing(ctx, objId, obj, &within)
}

// HydrateInBackground queues full hydration of the version at background
// priority. Returns immediately; errors are logged, not returned, since
// hydration will be retried by the next sync sweep anyway.
func (d *Downloader) HydrateInBackground(ctx context.Context, objId obtypes.ObjId, obj *obdisk.ObjOnDisk) {
	d.bgOnce.Do(func() { go d.backgroundWorker() })

	select {
	case d.bgQueue <- bgTask{ctx: ctx, objId: objId, obj: obj}:
	default:
		d.logl.Debug.Printf("background queue full, dropping hydration of %s", objId)
	}
}

func (d *Downloader) backgroundWorker() {
	for task := range d.bgQueue {
		if err := d.downloadMissingYielding(task.ctx, task.objId, task.obj); err != nil {
			d.logl.Error.Printf("background hydration of %s: %v", task.objId, err)
		}
	}
}

func (d *Downloader) downloadMissingYielding(ctx context.Context, objId obtypes.ObjId, obj *obdisk.ObjOnDisk) error {
	for _, missing := range obj.MissingSegsRanges() {
		next := splitRange(missing, maxChunkLen)

		for chunk, more := next(); more; chunk, more = next() {
			// one chunk at a time, yielding to ASAP demand in between
			d.yieldToAsap()

			if err := d.fetchChunkRetrying(ctx, objId, obj, chunk); err != nil {
				return err
			}
		}
	}

	if !obj.HeaderOnDisk() {
		if _, err := obj.ReadHeader(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (d *Downloader) downloadMissing(ctx context.Context, objId obtypes.ObjId, obj *obdisk.ObjOnDisk, within *obtypes.SegsChunk) error {
	var missing []obtypes.SegsChunk
	if within != nil {
		missing = []obtypes.SegsChunk{*within}
	} else {
		missing = obj.MissingSegsRanges()
	}

	work := make(chan obtypes.SegsChunk)
	errs := make(chan error, asapConcurrency)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := &sync.WaitGroup{}
	for i := 0; i < asapConcurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()

			for chunk := range work {
				if err := d.fetchChunkRetrying(workerCtx, objId, obj, chunk); err != nil {
					errs <- err
					cancel()
					return
				}
			}
		}()
	}

feed:
	for _, r := range missing {
		next := splitRange(r, maxChunkLen)

		for chunk, more := next(); more; chunk, more = next() {
			select {
			case work <- chunk:
			case <-workerCtx.Done():
				break feed
			}
		}
	}
	close(work)

	workers.Wait()

	select {
	case err := <-errs:
		return err
	default:
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if within == nil && !obj.HeaderOnDisk() {
		if _, err := obj.ReadHeader(ctx); err != nil {
			return err
		}
	}

	return nil
}

// fetchChunkRetrying downloads one chunk into the file. A connectivity
// failure marks the gate offline and waits for reconnect, indefinitely;
// every other error is terminal. Ranges another goroutine already saved are
// clipped away before fetching.
func (d *Downloader) fetchChunkRetrying(ctx context.Context, objId obtypes.ObjId, obj *obdisk.ObjOnDisk, chunk obtypes.SegsChunk) error {
	unlock, err := d.inFlight.Lock(ctx, chunkKey(objId, obj.Version(), chunk))
	if err != nil {
		return err
	}
	defer unlock()

	for {
		err := d.fetchChunk(ctx, objId, obj, chunk)
		if err == nil {
			return nil
		}

		if !obtypes.IsConnectivity(err) {
			return err
		}

		d.logl.Info.Printf("chunk [%d,%d) of %s v%d: connection lost, waiting for reconnect", chunk.Ofs, chunk.Ofs+chunk.Len, objId, obj.Version())
		downloadRetries.Inc()

		d.gate.SetOnline(false)

		if err := d.gate.WaitConnected(ctx); err != nil {
			return err
		}
	}
}

func (d *Downloader) fetchChunk(ctx context.Context, objId obtypes.ObjId, obj *obdisk.ObjOnDisk, chunk obtypes.SegsChunk) error {
	data, err := d.remote.GetCurrentObjSegs(ctx, objId, obj.Version(), chunk)
	if err != nil {
		return err
	}

	if err := obj.SaveRemoteChunk(chunk.Ofs, data); err != nil {
		return err
	}

	downloadedBytes.Add(float64(len(data)))

	return nil
}

func (d *Downloader) asapEnter() {
	d.asapMu.Lock()
	defer d.asapMu.Unlock()

	d.asapActive++
}

func (d *Downloader) asapExit() {
	d.asapMu.Lock()
	defer d.asapMu.Unlock()

	d.asapActive--
	if d.asapActive == 0 {
		d.asapCond.Broadcast()
	}
}

func (d *Downloader) yieldToAsap() {
	d.asapMu.Lock()
	defer d.asapMu.Unlock()

	for d.asapActive > 0 {
		d.asapCond.Wait()
	}
}

// splitRange yields maxLen-sized chunks covering the range, remainder last,
// without materializing the list.
func splitRange(r obtypes.SegsChunk, maxLen uint64) func() (obtypes.SegsChunk, bool) {
	ofs := r.Ofs
	end := r.Ofs + r.Len

	return func() (obtypes.SegsChunk, bool) {
		if ofs >= end {
			return obtypes.SegsChunk{}, false
		}

		n := maxLen
		if ofs+n > end {
			n = end - ofs
		}

		chunk := obtypes.SegsChunk{Ofs: ofs, Len: n}
		ofs += n

		return chunk, true
	}
}

func chunkKey(objId obtypes.ObjId, version obtypes.Version, chunk obtypes.SegsChunk) string {
	return fmt.Sprintf("%s/%d/%d-%d", objId, version, chunk.Ofs, chunk.Len)
}
