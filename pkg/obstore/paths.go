package obstore

import (
	"context"
	"strings"

	"github.com/obsync/obsync/pkg/obfolder"
	"github.com/obsync/obsync/pkg/obtypes"
)

// Paths are slash-separated, relative to the filesystem root. "" and "/"
// both name the root folder.

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "/")
}

func (s *Store) rootFolder(ctx context.Context) (*obfolder.FolderNode, error) {
	return s.folderNode(ctx, obtypes.RootObjId)
}

// resolveFolder walks the folder tree to the folder the path names.
func (s *Store) resolveFolder(ctx context.Context, path string) (*obfolder.FolderNode, error) {
	folder, err := s.rootFolder(ctx)
	if err != nil {
		return nil, err
	}

	walked := []string{}

	for _, part := range splitPath(path) {
		walked = append(walked, part)

		node, found := folder.ChildByName(part)
		if !found {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: strings.Join(walked, "/")}
		}
		if !node.IsFolder {
			return nil, &obtypes.FileError{Kind: obtypes.FileErrNotDirectory, Path: strings.Join(walked, "/")}
		}

		folder, err = s.folderNode(ctx, node.ObjId)
		if err != nil {
			return nil, obtypes.WithPath(err, strings.Join(walked, "/"))
		}
	}

	return folder, nil
}

// resolveParent yields the parent folder of the path plus the leaf name.
// The root has no parent.
func (s *Store) resolveParent(ctx context.Context, path string) (*obfolder.FolderNode, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", &obtypes.FileError{Kind: obtypes.FileErrNotFile, Path: "/"}
	}

	parent, err := s.resolveFolder(ctx, strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	}

	return parent, parts[len(parts)-1], nil
}

// resolveNode yields the entry the path names. The root resolves to a
// synthetic folder entry.
func (s *Store) resolveNode(ctx context.Context, path string) (obtypes.NodeInfo, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return obtypes.NodeInfo{ObjId: obtypes.RootObjId, IsFolder: true}, nil
	}

	parent, name, err := s.resolveParent(ctx, path)
	if err != nil {
		return obtypes.NodeInfo{}, err
	}

	node, found := parent.ChildByName(name)
	if !found {
		return obtypes.NodeInfo{}, &obtypes.FileError{Kind: obtypes.FileErrNotFound, Path: path}
	}

	return node, nil
}

// resolveFile is resolveNode restricted to file entries.
func (s *Store) resolveFile(ctx context.Context, path string) (obtypes.NodeInfo, error) {
	node, err := s.resolveNode(ctx, path)
	if err != nil {
		return obtypes.NodeInfo{}, err
	}

	if !node.IsFile {
		return obtypes.NodeInfo{}, &obtypes.FileError{Kind: obtypes.FileErrNotFile, Path: path}
	}

	return node, nil
}
