// Registry of objects known to this storage root, plus the pending-upload
// index the sync sweep works off of. Backed by bbolt so a sweep does not
// have to scan every object directory on disk.
package obindex

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/obsync/obsync/pkg/obtypes"
)

var (
	objectsBucket        = []byte("objects")
	pendingUploadsBucket = []byte("pendingUploads")
)

// ObjectEntry is what the registry knows about one object.
type ObjectEntry struct {
	ObjId obtypes.ObjId `json:"obj_id"`
	Dir   string        `json:"dir"` // object directory, relative to the storage root
}

type Index struct {
	db *bbolt.DB
}

func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening object index: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{objectsBucket, pendingUploadsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Index{db: db}, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}

func (i *Index) PutObject(entry ObjectEntry) error {
	doc, err := json.Marshal(&entry)
	if err != nil {
		return err
	}

	return i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(objectsBucket).Put([]byte(entry.ObjId), doc)
	})
}

func (i *Index) GetObject(objId obtypes.ObjId) (*ObjectEntry, error) {
	var entry *ObjectEntry

	if err := i.db.View(func(tx *bbolt.Tx) error {
		doc := tx.Bucket(objectsBucket).Get([]byte(objId))
		if doc == nil {
			return nil
		}

		entry = &ObjectEntry{}

		return json.Unmarshal(doc, entry)
	}); err != nil {
		return nil, err
	}

	if entry == nil {
		return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: string(objId)}
	}

	return entry, nil
}

func (i *Index) RemoveObject(objId obtypes.ObjId) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(objectsBucket).Delete([]byte(objId)); err != nil {
			return err
		}

		return tx.Bucket(pendingUploadsBucket).Delete([]byte(objId))
	})
}

// EachObject visits every registered object. The callback must not mutate
// the index.
func (i *Index) EachObject(visit func(entry ObjectEntry) error) error {
	return i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(objectsBucket).ForEach(func(_ []byte, doc []byte) error {
			entry := ObjectEntry{}
			if err := json.Unmarshal(doc, &entry); err != nil {
				return err
			}

			return visit(entry)
		})
	})
}

// MarkPendingUpload flags the object for the next sync sweep.
func (i *Index) MarkPendingUpload(objId obtypes.ObjId) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pendingUploadsBucket).Put([]byte(objId), []byte{})
	})
}

func (i *Index) ClearPendingUpload(objId obtypes.ObjId) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pendingUploadsBucket).Delete([]byte(objId))
	})
}

func (i *Index) PendingUploads() ([]obtypes.ObjId, error) {
	pending := []obtypes.ObjId{}

	if err := i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(pendingUploadsBucket).ForEach(func(key []byte, _ []byte) error {
			pending = append(pending, obtypes.ObjId(key))
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return pending, nil
}
