// Upload scheduler: pushes local versions to remote storage as ordered
// transactions, checkpointing progress after every chunk so an interrupted
// upload resumes from where it left off instead of starting over.
package obupload

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/function61/gokit/logex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/obsync/obsync/pkg/obconnect"
	"github.com/obsync/obsync/pkg/obdisk"
	"github.com/obsync/obsync/pkg/obremote"
	"github.com/obsync/obsync/pkg/obtypes"
)

const (
	uploadChunkLen = 512 * 1024

	// uploads with more bytes left go to the long-running pool so one huge
	// upload cannot starve many small ones
	fastPoolMaxBytes = 4 * 1024 * 1024

	fastPoolWorkers = 2
	longPoolWorkers = 1
)

var (
	uploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obsync_upload_bytes_total",
		Help: "Segment bytes uploaded to remote storage",
	})
	uploadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obsync_upload_retries_total",
		Help: "Upload requests retried after a connectivity failure",
	})
)

// UploadStatusRecorder is the durable per-object upload bookkeeping the
// scheduler checkpoints into. Satisfied by obstatus.ObjStatus.
type UploadStatusRecorder interface {
	RecordUploadStart(info *obtypes.NewVersionUpload) error
	RecordUploadInterimState(info *obtypes.NewVersionUpload) error
	RecordUploadCancellation(info *obtypes.NewVersionUpload) error
	RecordUploadCompletion(localVersion obtypes.Version, uploadVersion obtypes.Version) ([]obtypes.Version, error)
	RecordRemovalUploadCompletion() error
}

type UpSyncer struct {
	remote obremote.RemoteStorage
	gate   *obconnect.Gate
	logl   *logex.Leveled

	fastJobs chan func()
	longJobs chan func()
}

func New(remote obremote.RemoteStorage, gate *obconnect.Gate, logger *log.Logger) *UpSyncer {
	u := &UpSyncer{
		remote:   remote,
		gate:     gate,
		logl:     logex.Levels(logger),
		fastJobs: make(chan func(), 64),
		longJobs: make(chan func(), 64),
	}

	for i := 0; i < fastPoolWorkers; i++ {
		go worker(u.fastJobs)
	}
	for i := 0; i < longPoolWorkers; i++ {
		go worker(u.longJobs)
	}

	return u
}

func worker(jobs chan func()) {
	for job := range jobs {
		job()
	}
}

// Schedule queues the job on the fast or long-running pool by how many
// bytes the upload still has to move.
func (u *UpSyncer) Schedule(bytesLeft uint64, job func()) {
	if bytesLeft <= fastPoolMaxBytes {
		u.fastJobs <- job
	} else {
		u.longJobs <- job
	}
}

// UploadNewVersion records the upload start and runs the transaction to
// completion. Returned garbage versions are local version files the caller
// should delete.
func (u *UpSyncer) UploadNewVersion(ctx context.Context, objId obtypes.ObjId, rec UploadStatusRecorder, obj *obdisk.ObjOnDisk, task *obtypes.NewVersionUpload, create bool) ([]obtypes.Version, error) {
	if err := rec.RecordUploadStart(task); err != nil {
		return nil, err
	}

	return u.run(ctx, objId, rec, obj, task, create)
}

// ResumeUpload continues a previously checkpointed upload (after a crash or
// restart). The upload record must already exist in rec.
func (u *UpSyncer) ResumeUpload(ctx context.Context, objId obtypes.ObjId, rec UploadStatusRecorder, obj *obdisk.ObjOnDisk, task *obtypes.NewVersionUpload, create bool) ([]obtypes.Version, error) {
	return u.run(ctx, objId, rec, obj, task, create)
}

func (u *UpSyncer) run(ctx context.Context, objId obtypes.ObjId, rec UploadStatusRecorder, obj *obdisk.ObjOnDisk, task *obtypes.NewVersionUpload, create bool) ([]obtypes.Version, error) {
	var err error

	switch {
	case task.NeedUpload == nil:
		err = fmt.Errorf("obj %q: upload task with nothing to upload", objId)
	case task.NeedUpload.Whole != nil:
		err = u.runWhole(ctx, objId, rec, obj, task, create)
	case task.NeedUpload.Diff != nil:
		err = u.runDiff(ctx, objId, rec, obj, task)
	default:
		err = fmt.Errorf("obj %q: upload task with nothing to upload", objId)
	}

	if err != nil {
		// a context error means interrupted, not failed: the checkpoint
		// stays so the upload resumes later
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			if cancelErr := rec.RecordUploadCancellation(task); cancelErr != nil {
				u.logl.Error.Printf("recording upload cancellation of %s: %v", objId, cancelErr)
			}
		}

		return nil, err
	}

	return rec.RecordUploadCompletion(task.LocalVersion, task.UploadVersion)
}

func (u *UpSyncer) runWhole(ctx context.Context, objId obtypes.ObjId, rec UploadStatusRecorder, obj *obdisk.ObjOnDisk, task *obtypes.NewVersionUpload, create bool) error {
	w := task.NeedUpload.Whole
	totalLen := obj.TotalSegsLen()

	for {
		n := min64(uploadChunkLen, w.SegsLeft)

		var segs []byte
		if n > 0 {
			segs = make([]byte, n)
			if err := obj.ReadSegsAt(ctx, segs, w.SegsOfs); err != nil {
				return err
			}
		}

		params := &obremote.SaveParams{
			ObjId:   objId,
			Version: task.UploadVersion,
			Segs:    segs,
			SegsOfs: w.SegsOfs,
			Last:    w.SegsLeft == n,
		}

		if w.TransactionId == "" {
			params.First = &obremote.FirstSaveOpts{
				Create:       create,
				SegsTotalLen: totalLen,
			}
		} else {
			params.Follow = &obremote.FollowSaveOpts{TransactionId: w.TransactionId}
		}

		if w.Header {
			header, err := obj.ReadHeader(ctx)
			if err != nil {
				return err
			}
			params.Header = header
		}

		txId, err := u.saveRetrying(ctx, params)
		if err != nil {
			return err
		}

		if err := checkTxIdEcho(objId, w.TransactionId, txId, params.Last); err != nil {
			return err
		}

		w.TransactionId = txId
		w.Header = false
		w.SegsOfs += n
		w.SegsLeft -= n
		uploadedBytes.Add(float64(n))

		if params.Last {
			return nil
		}

		if err := rec.RecordUploadInterimState(task); err != nil {
			return err
		}
	}
}

func (u *UpSyncer) runDiff(ctx context.Context, objId obtypes.ObjId, rec UploadStatusRecorder, obj *obdisk.ObjOnDisk, task *obtypes.NewVersionUpload) error {
	d := task.NeedUpload.Diff

	if task.BaseVersion == nil {
		return fmt.Errorf("obj %q: diff upload without base version", objId)
	}

	for {
		last := false

		var segs []byte
		segsOfs := uint64(0)

		if len(d.NewSegsLeft) > 0 {
			head := d.NewSegsLeft[0]
			n := min64(uploadChunkLen, head.Len)

			segs = make([]byte, n)
			if err := obj.ReadSegsAt(ctx, segs, head.Ofs); err != nil {
				return err
			}
			segsOfs = head.Ofs

			last = len(d.NewSegsLeft) == 1 && head.Len == n
		} else {
			last = true
		}

		params := &obremote.SaveParams{
			ObjId:   objId,
			Version: task.UploadVersion,
			Segs:    segs,
			SegsOfs: segsOfs,
			Last:    last,
		}

		if d.TransactionId == "" {
			params.First = &obremote.FirstSaveOpts{
				BaseVersion: task.BaseVersion,
			}
			params.Diff = &d.Diff
		} else {
			params.Follow = &obremote.FollowSaveOpts{TransactionId: d.TransactionId}
		}

		if d.Header {
			header, err := obj.ReadHeader(ctx)
			if err != nil {
				return err
			}
			params.Header = header
		}

		txId, err := u.saveRetrying(ctx, params)
		if err != nil {
			return err
		}

		if err := checkTxIdEcho(objId, d.TransactionId, txId, last); err != nil {
			return err
		}

		d.TransactionId = txId
		d.Header = false
		d.NewSegsLeft = consumeChunk(d.NewSegsLeft, uint64(len(segs)))
		uploadedBytes.Add(float64(len(segs)))

		if last {
			return nil
		}

		if err := rec.RecordUploadInterimState(task); err != nil {
			return err
		}
	}
}

// UploadRemoval pushes a queued object removal to the server and records
// its completion. currentVersion guards against racing a new remote commit.
func (u *UpSyncer) UploadRemoval(ctx context.Context, objId obtypes.ObjId, rec UploadStatusRecorder, currentVersion *obtypes.Version) error {
	for {
		err := u.remote.DeleteObj(ctx, objId, currentVersion)

		switch {
		case err == nil:
			return rec.RecordRemovalUploadCompletion()
		case obtypes.IsStorageError(err, obtypes.StorageErrObjNotFound):
			// already gone server-side. removal is idempotent.
			return rec.RecordRemovalUploadCompletion()
		case !obtypes.IsConnectivity(err):
			return err
		}

		uploadRetries.Inc()
		u.gate.SetOnline(false)

		if err := u.gate.WaitConnected(ctx); err != nil {
			return err
		}
	}
}

// ArchiveVersion asks the server to retain a version beyond its current
// tenure, with the usual reconnect policy.
func (u *UpSyncer) ArchiveVersion(ctx context.Context, objId obtypes.ObjId, version obtypes.Version) error {
	for {
		err := u.remote.ArchiveObjVersion(ctx, objId, version)
		if err == nil || !obtypes.IsConnectivity(err) {
			return err
		}

		uploadRetries.Inc()
		u.gate.SetOnline(false)

		if err := u.gate.WaitConnected(ctx); err != nil {
			return err
		}
	}
}

// saveRetrying sends one transaction request, waiting out connectivity
// failures and re-sending the same request after reconnect.
func (u *UpSyncer) saveRetrying(ctx context.Context, params *obremote.SaveParams) (string, error) {
	for {
		txId, err := u.remote.SaveNewObjVersion(ctx, params)
		if err == nil {
			return txId, nil
		}

		if !obtypes.IsConnectivity(err) {
			return "", err
		}

		u.logl.Info.Printf("upload of %s v%d: connection lost, waiting for reconnect", params.ObjId, params.Version)
		uploadRetries.Inc()

		u.gate.SetOnline(false)

		if err := u.gate.WaitConnected(ctx); err != nil {
			return "", err
		}
	}
}

// the server must echo the transaction id on every non-final request
func checkTxIdEcho(objId obtypes.ObjId, known string, got string, last bool) error {
	if known != "" && got != known {
		return fmt.Errorf("obj %q: protocol violation: transaction id changed from %q to %q", objId, known, got)
	}
	if got == "" && !last {
		return fmt.Errorf("obj %q: protocol violation: server did not assign a transaction id", objId)
	}

	return nil
}

// consumeChunk advances the head of the remaining-chunks queue by n bytes
func consumeChunk(chunks []obtypes.SegsChunk, n uint64) []obtypes.SegsChunk {
	if n == 0 || len(chunks) == 0 {
		return chunks
	}

	head := chunks[0]
	head.Ofs += n
	head.Len -= n

	if head.Len == 0 {
		return append([]obtypes.SegsChunk{}, chunks[1:]...)
	}

	return append([]obtypes.SegsChunk{head}, chunks[1:]...)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
