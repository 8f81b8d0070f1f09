// Folder objects: a folder's content is its child table, and every child
// mutation is one version transition of the folder object. All transitions
// run through a single choke point so the invariants (name uniqueness,
// version-then-swap ordering, event emission) hold for every mutation path.
package obfolder

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/obsync/obsync/pkg/obevents"
	"github.com/obsync/obsync/pkg/obstatus"
	"github.com/obsync/obsync/pkg/obtypes"
)

// VersionStore persists folder content as encrypted version files and
// disposes of collected versions. Provided by the storage facade.
type VersionStore interface {
	PersistVersion(ctx context.Context, version obtypes.Version, content []byte) error
	DropVersion(version obtypes.Version)
}

type FolderNode struct {
	objId  obtypes.ObjId
	status *obstatus.ObjStatus
	store  VersionStore
	events *obevents.Registry

	mu      sync.Mutex
	current *obtypes.FolderInfo
}

func NewFolderNode(objId obtypes.ObjId, info *obtypes.FolderInfo, status *obstatus.ObjStatus, store VersionStore, events *obevents.Registry) *FolderNode {
	if info == nil {
		info = obtypes.NewFolderInfo()
	}

	return &FolderNode{
		objId:   objId,
		status:  status,
		store:   store,
		events:  events,
		current: info,
	}
}

// ParseFolderInfo decodes decrypted folder content.
func ParseFolderInfo(content []byte) (*obtypes.FolderInfo, error) {
	info := obtypes.NewFolderInfo()

	if err := json.Unmarshal(content, info); err != nil {
		return nil, &obtypes.FileError{Kind: obtypes.FileErrParsing, Cause: err}
	}
	if info.Nodes == nil {
		info.Nodes = map[string]obtypes.NodeInfo{}
	}

	return info, nil
}

func (f *FolderNode) ObjId() obtypes.ObjId {
	return f.objId
}

func (f *FolderNode) Status() *obstatus.ObjStatus {
	return f.status
}

// Snapshot returns a copy of the current child table.
func (f *FolderNode) Snapshot() *obtypes.FolderInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.current.Clone()
}

func (f *FolderNode) ChildByName(name string) (obtypes.NodeInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, found := f.current.Nodes[name]

	return node, found
}

func (f *FolderNode) ChildById(objId obtypes.ObjId) (obtypes.NodeInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, found := f.current.ById()[objId]

	return node, found
}

// AddChild registers a new child entry. The name must be free.
func (f *FolderNode) AddChild(ctx context.Context, node obtypes.NodeInfo) error {
	return f.doTransition(ctx, func(info *obtypes.FolderInfo) ([]obevents.Event, error) {
		if _, taken := info.Nodes[node.Name]; taken {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrAlreadyExists, Path: node.Name}
		}

		info.Nodes[node.Name] = node

		return []obevents.Event{{
			Kind:      obevents.EventEntryAddition,
			ObjId:     f.objId,
			ChildName: node.Name,
			ChildId:   node.ObjId,
		}}, nil
	})
}

func (f *FolderNode) RemoveChild(ctx context.Context, name string) error {
	return f.doTransition(ctx, func(info *obtypes.FolderInfo) ([]obevents.Event, error) {
		node, found := info.Nodes[name]
		if !found {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: name}
		}

		delete(info.Nodes, name)

		return []obevents.Event{{
			Kind:      obevents.EventEntryRemoval,
			ObjId:     f.objId,
			ChildName: name,
			ChildId:   node.ObjId,
		}}, nil
	})
}

func (f *FolderNode) RenameChild(ctx context.Context, oldName string, newName string) error {
	return f.doTransition(ctx, func(info *obtypes.FolderInfo) ([]obevents.Event, error) {
		node, found := info.Nodes[oldName]
		if !found {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: oldName}
		}
		if _, taken := info.Nodes[newName]; taken {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrAlreadyExists, Path: newName}
		}

		delete(info.Nodes, oldName)
		node.Name = newName
		info.Nodes[newName] = node

		return []obevents.Event{{
			Kind:      obevents.EventEntryRenaming,
			ObjId:     f.objId,
			ChildName: newName,
			OldName:   oldName,
			ChildId:   node.ObjId,
		}}, nil
	})
}

// SetChildAttrs replaces the child's extended attributes.
func (f *FolderNode) SetChildAttrs(ctx context.Context, name string, attrs map[string][]byte) error {
	return f.doTransition(ctx, func(info *obtypes.FolderInfo) ([]obevents.Event, error) {
		node, found := info.Nodes[name]
		if !found {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: name}
		}

		node.Attrs = attrs
		info.Nodes[name] = node

		return nil, nil
	})
}

// ReplaceChildKey swaps the child's stored encryption key (key rotation).
func (f *FolderNode) ReplaceChildKey(ctx context.Context, name string, key []byte) error {
	return f.doTransition(ctx, func(info *obtypes.FolderInfo) ([]obevents.Event, error) {
		node, found := info.Nodes[name]
		if !found {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: name}
		}

		node.Key = key
		info.Nodes[name] = node

		return nil, nil
	})
}

// AdoptContent replaces the in-memory child table without a local version
// transition. Used when the folder adopts a downloaded remote version.
func (f *FolderNode) AdoptContent(info *obtypes.FolderInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current = info
}

// doTransition is the single mutation path: mutate a copy, persist it as a
// new local version, record the version, then swap the copy in and publish.
// A failure at any step leaves the visible child table untouched.
func (f *FolderNode) doTransition(ctx context.Context, mutate func(info *obtypes.FolderInfo) ([]obevents.Event, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.current.Clone()

	events, err := mutate(next)
	if err != nil {
		return err
	}

	content, err := json.Marshal(next)
	if err != nil {
		return err
	}

	newVersion := f.status.NextLocalVersion()

	if err := f.store.PersistVersion(ctx, newVersion, content); err != nil {
		return err
	}

	garbage, err := f.status.SetLocalCurrentVersion(newVersion, nil)
	if err != nil {
		return err
	}

	f.current = next

	for _, ver := range garbage {
		f.store.DropVersion(ver)
	}

	for _, event := range events {
		f.events.Publish(event)
	}

	return nil
}
