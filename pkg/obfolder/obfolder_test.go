package obfolder

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"

	"github.com/obsync/obsync/pkg/obevents"
	"github.com/obsync/obsync/pkg/obstatus"
	"github.com/obsync/obsync/pkg/obtypes"
)

func TestAddRemoveRenameLifecycle(t *testing.T) {
	folder, store, events := newFolder(t, "folder1")
	ctx := context.Background()

	sub := events.Subscribe("folder1")
	defer sub.Close()

	assert.Ok(t, folder.AddChild(ctx, obtypes.NodeInfo{Name: "notes.txt", ObjId: "obj1", IsFile: true}))

	event := <-sub.C
	assert.Assert(t, event.Kind == obevents.EventEntryAddition)
	assert.EqualString(t, event.ChildName, "notes.txt")

	// duplicate names are rejected, and the failed transition must not
	// produce a version or an event
	versionsBefore := len(store.persisted)
	err := folder.AddChild(ctx, obtypes.NodeInfo{Name: "notes.txt", ObjId: "obj2", IsFile: true})
	assert.Assert(t, obtypes.IsFileError(err, obtypes.FileErrAlreadyExists))
	assert.Assert(t, len(store.persisted) == versionsBefore)

	assert.Ok(t, folder.RenameChild(ctx, "notes.txt", "renamed.txt"))

	event = <-sub.C
	assert.Assert(t, event.Kind == obevents.EventEntryRenaming)
	assert.EqualString(t, event.OldName, "notes.txt")
	assert.EqualString(t, event.ChildName, "renamed.txt")

	node, found := folder.ChildByName("renamed.txt")
	assert.Assert(t, found)
	assert.EqualString(t, string(node.ObjId), "obj1")

	_, found = folder.ChildByName("notes.txt")
	assert.Assert(t, !found)

	assert.Ok(t, folder.RemoveChild(ctx, "renamed.txt"))

	event = <-sub.C
	assert.Assert(t, event.Kind == obevents.EventEntryRemoval)

	assert.Assert(t, len(folder.Snapshot().Nodes) == 0)
}

func TestEveryTransitionIsAVersion(t *testing.T) {
	folder, store, _ := newFolder(t, "folder1")
	ctx := context.Background()

	assert.Ok(t, folder.AddChild(ctx, obtypes.NodeInfo{Name: "a", ObjId: "obj1"}))
	assert.Ok(t, folder.AddChild(ctx, obtypes.NodeInfo{Name: "b", ObjId: "obj2"}))
	assert.Ok(t, folder.RenameChild(ctx, "a", "c"))

	assert.Assert(t, folder.Status().LocalCurrentVersion() == 3)

	// superseded versions were dropped through the store
	assert.EqualString(t, dumpVersions(store.dropped), "1,2")

	// the persisted content of the latest version parses back to the tree
	info, err := ParseFolderInfo(store.persisted[3])
	assert.Ok(t, err)
	assert.Assert(t, len(info.Nodes) == 2)

	_, found := info.Nodes["c"]
	assert.Assert(t, found)
}

func TestPersistFailureLeavesTreeUntouched(t *testing.T) {
	folder, store, _ := newFolder(t, "folder1")
	ctx := context.Background()

	assert.Ok(t, folder.AddChild(ctx, obtypes.NodeInfo{Name: "a", ObjId: "obj1"}))

	store.failNext = true

	err := folder.AddChild(ctx, obtypes.NodeInfo{Name: "b", ObjId: "obj2"})
	assert.Assert(t, err != nil)

	assert.Assert(t, len(folder.Snapshot().Nodes) == 1)
	assert.Assert(t, folder.Status().LocalCurrentVersion() == 1)
}

func TestSetChildAttrs(t *testing.T) {
	folder, _, _ := newFolder(t, "folder1")
	ctx := context.Background()

	assert.Ok(t, folder.AddChild(ctx, obtypes.NodeInfo{Name: "a", ObjId: "obj1"}))
	assert.Ok(t, folder.SetChildAttrs(ctx, "a", map[string][]byte{"color": []byte("red")}))

	node, _ := folder.ChildByName("a")
	assert.EqualString(t, string(node.Attrs["color"]), "red")

	err := folder.SetChildAttrs(ctx, "missing", nil)
	assert.Assert(t, obtypes.IsFileError(err, obtypes.FileErrNotFound))
}

func TestDiffFolders(t *testing.T) {
	a := obtypes.NewFolderInfo()
	a.Nodes["stays.txt"] = obtypes.NodeInfo{Name: "stays.txt", ObjId: "obj1"}
	a.Nodes["goes.txt"] = obtypes.NodeInfo{Name: "goes.txt", ObjId: "obj2"}
	a.Nodes["old-name.txt"] = obtypes.NodeInfo{Name: "old-name.txt", ObjId: "obj3"}
	a.Nodes["tagged.txt"] = obtypes.NodeInfo{Name: "tagged.txt", ObjId: "obj4"}

	b := obtypes.NewFolderInfo()
	b.Nodes["stays.txt"] = obtypes.NodeInfo{Name: "stays.txt", ObjId: "obj1"}
	b.Nodes["new-name.txt"] = obtypes.NodeInfo{Name: "new-name.txt", ObjId: "obj3"}
	b.Nodes["tagged.txt"] = obtypes.NodeInfo{Name: "tagged.txt", ObjId: "obj4", Attrs: map[string][]byte{"tag": []byte("x")}}
	b.Nodes["fresh.txt"] = obtypes.NodeInfo{Name: "fresh.txt", ObjId: "obj5"}

	diff := DiffFolders(a, b)

	assert.Assert(t, !diff.Empty())
	assert.EqualString(t, names(diff.Added), "fresh.txt")
	assert.EqualString(t, names(diff.Removed), "goes.txt")

	assert.Assert(t, len(diff.Renamed) == 1)
	assert.EqualString(t, diff.Renamed[0].OldName, "old-name.txt")
	assert.EqualString(t, diff.Renamed[0].Node.Name, "new-name.txt")

	assert.Assert(t, len(diff.AttrsChanged) == 1)
	assert.EqualString(t, diff.AttrsChanged[0].Name, "tagged.txt")

	assert.Assert(t, DiffFolders(a, a).Empty())
}

type fakeStore struct {
	persisted map[obtypes.Version][]byte
	dropped   []obtypes.Version
	failNext  bool
}

func (s *fakeStore) PersistVersion(ctx context.Context, version obtypes.Version, content []byte) error {
	if s.failNext {
		s.failNext = false
		return &obtypes.FileError{Kind: obtypes.FileErrConcurrentUpdate}
	}

	s.persisted[version] = content

	return nil
}

func (s *fakeStore) DropVersion(version obtypes.Version) {
	s.dropped = append(s.dropped, version)
	delete(s.persisted, version)
}

func newFolder(t *testing.T, objId obtypes.ObjId) (*FolderNode, *fakeStore, *obevents.Registry) {
	t.Helper()

	status, err := obstatus.CreateNew(t.TempDir(), objId, logex.Discard)
	assert.Ok(t, err)

	store := &fakeStore{persisted: map[obtypes.Version][]byte{}}
	events := obevents.NewRegistry()

	return NewFolderNode(objId, nil, status, store, events), store, events
}

func names(nodes []obtypes.NodeInfo) string {
	out := []string{}
	for _, node := range nodes {
		out = append(out, node.Name)
	}
	sort.Strings(out)

	return strings.Join(out, ",")
}

func dumpVersions(versions []obtypes.Version) string {
	sorted := append([]obtypes.Version{}, versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := []string{}
	for _, ver := range sorted {
		out = append(out, string(rune('0'+ver)))
	}

	return strings.Join(out, ",")
}
