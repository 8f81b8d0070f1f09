package obindex

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"

	"github.com/obsync/obsync/pkg/obtypes"
)

func TestObjectRegistry(t *testing.T) {
	index := openIndex(t)
	defer index.Close()

	assert.Ok(t, index.PutObject(ObjectEntry{ObjId: "obj1", Dir: "objects/6f626a31"}))
	assert.Ok(t, index.PutObject(ObjectEntry{ObjId: "obj2", Dir: "objects/6f626a32"}))

	entry, err := index.GetObject("obj1")
	assert.Ok(t, err)
	assert.EqualString(t, entry.Dir, "objects/6f626a31")

	_, err = index.GetObject("nope")
	assert.Assert(t, obtypes.IsFileError(err, obtypes.FileErrNotFound))

	visited := []string{}
	assert.Ok(t, index.EachObject(func(entry ObjectEntry) error {
		visited = append(visited, string(entry.ObjId))
		return nil
	}))
	assert.EqualString(t, strings.Join(visited, ","), "obj1,obj2")

	assert.Ok(t, index.RemoveObject("obj1"))

	_, err = index.GetObject("obj1")
	assert.Assert(t, obtypes.IsFileError(err, obtypes.FileErrNotFound))
}

func TestPendingUploads(t *testing.T) {
	index := openIndex(t)
	defer index.Close()

	pending, err := index.PendingUploads()
	assert.Ok(t, err)
	assert.Assert(t, len(pending) == 0)

	assert.Ok(t, index.MarkPendingUpload("obj1"))
	assert.Ok(t, index.MarkPendingUpload("obj2"))
	assert.Ok(t, index.MarkPendingUpload("obj1")) // idempotent

	pending, err = index.PendingUploads()
	assert.Ok(t, err)
	assert.Assert(t, len(pending) == 2)

	assert.Ok(t, index.ClearPendingUpload("obj1"))

	pending, err = index.PendingUploads()
	assert.Ok(t, err)
	assert.Assert(t, len(pending) == 1)
	assert.EqualString(t, string(pending[0]), "obj2")
}

func TestRemoveObjectClearsPendingUpload(t *testing.T) {
	index := openIndex(t)
	defer index.Close()

	assert.Ok(t, index.PutObject(ObjectEntry{ObjId: "obj1", Dir: "objects/x"}))
	assert.Ok(t, index.MarkPendingUpload("obj1"))

	assert.Ok(t, index.RemoveObject("obj1"))

	pending, err := index.PendingUploads()
	assert.Ok(t, err)
	assert.Assert(t, len(pending) == 0)
}

func openIndex(t *testing.T) *Index {
	t.Helper()

	index, err := Open(filepath.Join(t.TempDir(), "index.db"))
	assert.Ok(t, err)

	return index
}
