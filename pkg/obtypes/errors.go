package obtypes

import (
	"errors"
	"fmt"
)

// Typed error families. Each family is a tagged struct whose kind selects
// the variant; only fields relevant to the variant are filled in.

type StorageErrKind int

const (
	StorageErrObjNotFound StorageErrKind = iota
	StorageErrObjExists
	StorageErrConcurrentTransaction
	StorageErrUnknownTransaction
	StorageErrVersionMismatch
)

// StorageError originates from the remote storage collaborator. These are
// propagated, not swallowed, so callers can decide whether to retry with
// updated version info.
type StorageError struct {
	Kind    StorageErrKind
	ObjId   ObjId
	Version Version

	// server's authoritative version, set for StorageErrVersionMismatch
	CurrentVersion Version
}

func (e *StorageError) Error() string {
	switch e.Kind {
	case StorageErrObjNotFound:
		return fmt.Sprintf("remote: object %q (version %d) not found", e.ObjId, e.Version)
	case StorageErrObjExists:
		return fmt.Sprintf("remote: object %q already exists", e.ObjId)
	case StorageErrConcurrentTransaction:
		return fmt.Sprintf("remote: concurrent transaction on object %q", e.ObjId)
	case StorageErrUnknownTransaction:
		return fmt.Sprintf("remote: unknown transaction on object %q", e.ObjId)
	case StorageErrVersionMismatch:
		return fmt.Sprintf(
			"remote: version mismatch on object %q: sent %d, server current %d",
			e.ObjId, e.Version, e.CurrentVersion)
	default:
		return fmt.Sprintf("remote: storage error %d on object %q", e.Kind, e.ObjId)
	}
}

func IsStorageError(err error, kind StorageErrKind) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == kind
}

type SyncErrKind int

const (
	SyncErrVersionMismatch SyncErrKind = iota
	SyncErrVersionNotFound
	SyncErrConflict
	SyncErrAlreadyUploading
	SyncErrChildNeverUploaded
	SyncErrRemovedOnServer
)

type SyncError struct {
	Kind    SyncErrKind
	ObjId   ObjId
	Version Version
	Child   string // set for SyncErrChildNeverUploaded
}

func (e *SyncError) Error() string {
	switch e.Kind {
	case SyncErrVersionMismatch:
		return fmt.Sprintf("sync: version mismatch on object %q (version %d)", e.ObjId, e.Version)
	case SyncErrVersionNotFound:
		return fmt.Sprintf("sync: version %d not found on object %q", e.Version, e.ObjId)
	case SyncErrConflict:
		return fmt.Sprintf("sync: object %q is conflicting; explicit version required", e.ObjId)
	case SyncErrAlreadyUploading:
		return fmt.Sprintf("sync: object %q already has an upload in progress", e.ObjId)
	case SyncErrChildNeverUploaded:
		return fmt.Sprintf("sync: cannot upload folder %q: child %q was never uploaded", e.ObjId, e.Child)
	case SyncErrRemovedOnServer:
		return fmt.Sprintf("sync: object %q was removed on server", e.ObjId)
	default:
		return fmt.Sprintf("sync: error %d on object %q", e.Kind, e.ObjId)
	}
}

func IsSyncError(err error, kind SyncErrKind) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == kind
}

type FileErrKind int

const (
	FileErrNotFound FileErrKind = iota
	FileErrAlreadyExists
	FileErrNotDirectory
	FileErrNotFile
	FileErrNotLink
	FileErrConcurrentUpdate
	FileErrParsing
)

type FileError struct {
	Kind  FileErrKind
	Path  string
	Cause error
}

func (e *FileError) Error() string {
	msg := ""
	switch e.Kind {
	case FileErrNotFound:
		msg = "not found"
	case FileErrAlreadyExists:
		msg = "already exists"
	case FileErrNotDirectory:
		msg = "not a directory"
	case FileErrNotFile:
		msg = "not a file"
	case FileErrNotLink:
		msg = "not a link"
	case FileErrConcurrentUpdate:
		msg = "concurrent update in progress"
	case FileErrParsing:
		msg = "parsing error"
	default:
		msg = fmt.Sprintf("file error %d", e.Kind)
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, msg, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Path, msg)
}

func (e *FileError) Unwrap() error { return e.Cause }

func IsFileError(err error, kind FileErrKind) bool {
	var fe *FileError
	return errors.As(err, &fe) && fe.Kind == kind
}

// ConnectivityError alone triggers the retry-after-reconnect policy instead
// of surfacing as a terminal failure.
type ConnectivityError struct {
	Op    string
	Cause error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Cause)
}

func (e *ConnectivityError) Unwrap() error { return e.Cause }

func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// WithPath attaches the triggering path to an error escaping a path-scoped
// operation, so a caller several layers up can still report which file.
func WithPath(err error, path string) error {
	if err == nil {
		return nil
	}

	var fe *FileError
	if errors.As(err, &fe) && fe.Path == "" {
		fe.Path = path
		return err
	}

	return fmt.Errorf("%s: %w", path, err)
}
