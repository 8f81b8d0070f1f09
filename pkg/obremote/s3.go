// S3-backed remote storage. Each committed version is one S3 object; a
// small status document per object tracks current/archived versions.
// Transactions are staged client-side and land in S3 only on commit, so an
// aborted upload leaves no partial state behind.
package obremote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/function61/gokit/aws/s3facade"
	"github.com/function61/gokit/logex"

	"github.com/obsync/obsync/pkg/obtypes"
)

type S3Remote struct {
	bucket string
	prefix string
	client *s3.S3
	logl   *logex.Leveled

	mu   sync.Mutex
	txns map[obtypes.ObjId]*s3Txn
}

type s3Txn struct {
	*memTxn
}

type s3StatusDoc struct {
	Current    obtypes.Version   `json:"current"`
	Archived   []obtypes.Version `json:"archived,omitempty"`
	IsArchived bool              `json:"is_archived,omitempty"`
}

// NewS3Remote connects with options in format bucket:region:accessKeyId:secret,
// with an optional :prefix fifth part.
func NewS3Remote(opts string, logger *log.Logger) (*S3Remote, error) {
	parts := strings.Split(opts, ":")
	if len(parts) != 4 && len(parts) != 5 {
		return nil, fmt.Errorf("s3 options not in format bucket:region:accessKeyId:secret[:prefix]")
	}

	staticCreds := credentials.NewStaticCredentials(parts[2], parts[3], "")

	bucketCtx, err := s3facade.Bucket(parts[0], s3facade.Credentials(staticCreds), parts[1])
	if err != nil {
		return nil, err
	}

	prefix := ""
	if len(parts) == 5 {
		prefix = parts[4]
	}

	return &S3Remote{
		bucket: parts[0],
		prefix: prefix,
		client: bucketCtx.S3,
		logl:   logex.Levels(logger),
		txns:   map[obtypes.ObjId]*s3Txn{},
	}, nil
}

func (r *S3Remote) GetCurrentObj(ctx context.Context, objId obtypes.ObjId, limitBytes uint64) (*CurrentObj, error) {
	status, err := r.getStatusDoc(ctx, objId)
	if err != nil {
		return nil, err
	}
	if status.IsArchived || status.Current == 0 {
		return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId}
	}

	header, segs, err := r.getVersionContent(ctx, objId, status.Current)
	if err != nil {
		return nil, err
	}

	piggyback := segs
	if uint64(len(piggyback)) > limitBytes {
		piggyback = piggyback[:limitBytes]
	}

	return &CurrentObj{
		Version:      status.Current,
		SegsTotalLen: uint64(len(segs)),
		Header:       header,
		Segs:         piggyback,
	}, nil
}

func (r *S3Remote) GetCurrentObjSegs(ctx context.Context, objId obtypes.ObjId, version obtypes.Version, chunk obtypes.SegsChunk) ([]byte, error) {
	// fetching the whole version object would defeat ranged downloads, so
	// the byte range is pushed down to S3 (offset by the header envelope)
	envelope, err := r.getVersionEnvelopeLen(ctx, objId, version)
	if err != nil {
		return nil, err
	}

	from := envelope + chunk.Ofs
	to := from + chunk.Len - 1

	res, err := r.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &r.bucket,
		Key:    aws.String(r.versionKey(objId, version)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", from, to)),
	})
	if err != nil {
		return nil, r.classify("GetObjectSegs", objId, version, err)
	}
	defer res.Body.Close()

	data, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, &obtypes.ConnectivityError{Op: "GetObjectSegs", Cause: err}
	}

	return data, nil
}

func (r *S3Remote) SaveNewObjVersion(ctx context.Context, params *SaveParams) (string, error) {
	r.mu.Lock()

	txn, err := r.resolveS3Txn(ctx, params)
	if err != nil {
		r.mu.Unlock()
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
			r.mu.Unlock()
			return "", err
		}
	}

	if !params.Last {
		r.mu.Unlock()
		return txn.id, nil
	}

	delete(r.txns, params.ObjId)
	r.mu.Unlock()

	// commit outside the lock. staging is done, so the slow part is S3 I/O.
	if err := r.commitS3Txn(ctx, params.ObjId, txn); err != nil {
		return "", err
	}

	return txn.id, nil
}

func (r *S3Remote) ArchiveObjVersion(ctx context.Context, objId obtypes.ObjId, version obtypes.Version) error {
	status, err := r.getStatusDoc(ctx, objId)
	if err != nil {
		return err
	}

	status.Archived = insertSorted(status.Archived, version)

	return r.putStatusDoc(ctx, objId, status)
}

func (r *S3Remote) DeleteObj(ctx context.Context, objId obtypes.ObjId, currentVersion *obtypes.Version) error {
	status, err := r.getStatusDoc(ctx, objId)
	if err != nil {
		return err
	}

	if currentVersion != nil && status.Current != *currentVersion {
		return &obtypes.StorageError{
			Kind:           obtypes.StorageErrVersionMismatch,
			ObjId:          objId,
			Version:        *currentVersion,
			CurrentVersion: status.Current,
		}
	}

	status.IsArchived = true

	return r.putStatusDoc(ctx, objId, status)
}

func (r *S3Remote) GetObjStatus(ctx context.Context, objId obtypes.ObjId) (*ObjStatusReply, error) {
	status, err := r.getStatusDoc(ctx, objId)
	if err != nil {
		return nil, err
	}

	return &ObjStatusReply{
		Current:    status.Current,
		Archived:   status.Archived,
		IsArchived: status.IsArchived,
	}, nil
}

// must hold mu
func (r *S3Remote) resolveS3Txn(ctx context.Context, params *SaveParams) (*s3Txn, error) {
	switch {
	case params.First != nil:
		if _, inFlight := r.txns[params.ObjId]; inFlight {
			return nil, &obtypes.StorageError{Kind: obtypes.StorageErrConcurrentTransaction, ObjId: params.ObjId}
		}

		status, err := r.getStatusDoc(ctx, params.ObjId)
		exists := err == nil
		if err != nil && !obtypes.IsStorageError(err, obtypes.StorageErrObjNotFound) {
			return nil, err
		}

		if params.First.Create && exists {
			return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjExists, ObjId: params.ObjId}
		}
		if !params.First.Create && !exists {
			return nil, &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: params.ObjId}
		}
		if exists && params.Version <= status.Current {
			return nil, &obtypes.StorageError{
				Kind:           obtypes.StorageErrVersionMismatch,
				ObjId:          params.ObjId,
				Version:        params.Version,
				CurrentVersion: status.Current,
			}
		}

		txn := &s3Txn{memTxn: &memTxn{
			version:  params.Version,
			totalLen: params.First.SegsTotalLen,
		}}

		if base := params.First.BaseVersion; base != nil {
			if params.Diff == nil {
				return nil, fmt.Errorf("obj %q: base version without diff info", params.ObjId)
			}

			txn.base = obtypes.VersionRef(*base)
			txn.diff = params.Diff
			txn.totalLen = params.Diff.TotalLen
			txn.chunksLeft = params.Diff.NewSegsChunks()
			txn.diffStaged = map[uint64][]byte{}
		}

		txn.id = fmt.Sprintf("s3txn-%s-%d", objIdKeyPart(params.ObjId), params.Version)
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

func (r *S3Remote) commitS3Txn(ctx context.Context, objId obtypes.ObjId, txn *s3Txn) error {
	var content []byte

	if txn.diff == nil {
		var err error
		if content, err = txn.materialize(nil); err != nil {
			return err
		}
	} else {
		// diff commit needs the base bytes to materialize the full version
		_, baseSegs, err := r.getVersionContent(ctx, objId, *txn.base)
		if err != nil {
			return err
		}

		obj := &memObj{versions: map[obtypes.Version]*memVersion{
			*txn.base: {segs: baseSegs},
		}}

		if content, err = txn.materialize(obj); err != nil {
			return err
		}
	}

	if err := r.putVersionContent(ctx, objId, txn.version, txn.header, content); err != nil {
		return err
	}

	status, err := r.getStatusDoc(ctx, objId)
	if err != nil {
		if !obtypes.IsStorageError(err, obtypes.StorageErrObjNotFound) {
			return err
		}
		status = &s3StatusDoc{}
	}

	prev := status.Current
	status.Current = txn.version
	status.IsArchived = false

	if err := r.putStatusDoc(ctx, objId, status); err != nil {
		return err
	}

	// superseded current is dropped unless explicitly archived. best effort:
	// an orphaned version object costs storage, not correctness.
	if prev != 0 && !containsVersion(status.Archived, prev) {
		if _, err := r.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: &r.bucket,
			Key:    aws.String(r.versionKey(objId, prev)),
		}); err != nil {
			r.logl.Error.Printf("deleting superseded version %s/v%d: %v", objId, prev, err)
		}
	}

	return nil
}

func (r *S3Remote) getStatusDoc(ctx context.Context, objId obtypes.ObjId) (*s3StatusDoc, error) {
	res, err := r.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &r.bucket,
		Key:    aws.String(r.statusKey(objId)),
	})
	if err != nil {
		return nil, r.classify("GetObjStatus", objId, 0, err)
	}
	defer res.Body.Close()

	status := &s3StatusDoc{}
	if err := json.NewDecoder(res.Body).Decode(status); err != nil {
		return nil, fmt.Errorf("obj %q: parsing status doc: %w", objId, err)
	}

	return status, nil
}

func (r *S3Remote) putStatusDoc(ctx context.Context, objId obtypes.ObjId, status *s3StatusDoc) error {
	doc, err := json.Marshal(status)
	if err != nil {
		return err
	}

	if _, err := r.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: &r.bucket,
		Key:    aws.String(r.statusKey(objId)),
		Body:   bytes.NewReader(doc),
	}); err != nil {
		return r.classify("PutObjStatus", objId, 0, err)
	}

	return nil
}

// version object body = u32 header length + header + segment bytes
func (r *S3Remote) putVersionContent(ctx context.Context, objId obtypes.ObjId, version obtypes.Version, header []byte, segs []byte) error {
	body := make([]byte, 4, 4+len(header)+len(segs))
	binary.BigEndian.PutUint32(body, uint32(len(header)))
	body = append(body, header...)
	body = append(body, segs...)

	if _, err := r.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: &r.bucket,
		Key:    aws.String(r.versionKey(objId, version)),
		Body:   bytes.NewReader(body),
	}); err != nil {
		return r.classify("PutObjVersion", objId, version, err)
	}

	return nil
}

func (r *S3Remote) getVersionContent(ctx context.Context, objId obtypes.ObjId, version obtypes.Version) ([]byte, []byte, error) {
	res, err := r.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &r.bucket,
		Key:    aws.String(r.versionKey(objId, version)),
	})
	if err != nil {
		return nil, nil, r.classify("GetObjVersion", objId, version, err)
	}
	defer res.Body.Close()

	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, nil, &obtypes.ConnectivityError{Op: "GetObjVersion", Cause: err}
	}

	if len(body) < 4 {
		return nil, nil, fmt.Errorf("obj %q v%d: truncated version object", objId, version)
	}

	headerLen := binary.BigEndian.Uint32(body)
	if 4+uint64(headerLen) > uint64(len(body)) {
		return nil, nil, fmt.Errorf("obj %q v%d: corrupt header length", objId, version)
	}

	return body[4 : 4+headerLen], body[4+headerLen:], nil
}

func (r *S3Remote) getVersionEnvelopeLen(ctx context.Context, objId obtypes.ObjId, version obtypes.Version) (uint64, error) {
	res, err := r.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &r.bucket,
		Key:    aws.String(r.versionKey(objId, version)),
		Range:  aws.String("bytes=0-3"),
	})
	if err != nil {
		return 0, r.classify("GetObjVersionEnvelope", objId, version, err)
	}
	defer res.Body.Close()

	lenPrefix := make([]byte, 4)
	if _, err := res.Body.Read(lenPrefix); err != nil && err.Error() != "EOF" {
		return 0, &obtypes.ConnectivityError{Op: "GetObjVersionEnvelope", Cause: err}
	}

	return 4 + uint64(binary.BigEndian.Uint32(lenPrefix)), nil
}

func (r *S3Remote) statusKey(objId obtypes.ObjId) string {
	return r.prefix + objIdKeyPart(objId) + "/status.json"
}

func (r *S3Remote) versionKey(objId obtypes.ObjId, version obtypes.Version) string {
	return fmt.Sprintf("%s%s/v%d", r.prefix, objIdKeyPart(objId), version)
}

func objIdKeyPart(objId obtypes.ObjId) string {
	if objId == obtypes.RootObjId {
		return "_root"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(objId))
}

// server-reported errors become StorageError; everything transport-level
// becomes ConnectivityError so the schedulers retry after reconnect
func (r *S3Remote) classify(op string, objId obtypes.ObjId, version obtypes.Version, err error) error {
	if aerr, ok := err.(awserr.RequestFailure); ok {
		if aerr.StatusCode() == 404 || aerr.Code() == s3.ErrCodeNoSuchKey {
			return &obtypes.StorageError{Kind: obtypes.StorageErrObjNotFound, ObjId: objId, Version: version}
		}

		return fmt.Errorf("s3 %s: %w", op, err)
	}

	return &obtypes.ConnectivityError{Op: op, Cause: err}
}
