// Package storage is the uniform byte-range storage abstraction fronting
// local and remote backends (SPEC_FULL §4.1), plus the process-wide URI
// resolver (§4.2) that interns backend instances by URI.
package storage

import (
	"context"
	"time"

	"github.com/cuemby/strata/internal/serrs"
)

// ByteRange is a half-open byte range [Start, End) within an object.
type ByteRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes the range covers.
func (r ByteRange) Len() uint64 { return r.End - r.Start }

// Payload is either an in-memory buffer or a handle to a local file. Large
// uploads must hand in a LocalFile payload so the backend can stream it
// instead of holding it fully in memory (SPEC_FULL §4.1).
type Payload struct {
	bytes     []byte
	localPath string
	isFile    bool
}

// BytesPayload wraps an in-memory buffer.
func BytesPayload(b []byte) Payload { return Payload{bytes: b} }

// FilePayload wraps a handle to a local file that should be streamed.
func FilePayload(path string) Payload { return Payload{localPath: path, isFile: true} }

// IsFile reports whether the payload is a local-file handle.
func (p Payload) IsFile() bool { return p.isFile }

// Bytes returns the in-memory buffer. Only valid when !IsFile().
func (p Payload) Bytes() []byte { return p.bytes }

// LocalPath returns the local file path. Only valid when IsFile().
func (p Payload) LocalPath() string { return p.localPath }

// ObjectInfo describes one object returned by a Lister.
type ObjectInfo struct {
	Path            string
	SizeInBytes     uint64
	LastModified    time.Time
	HasLastModified bool // false when the backend cannot report mtime (SPEC_FULL Open Question 2)
}

// Backend exposes uniform byte-range access to one storage root. Paths are
// relative to the backend's root and always use '/' regardless of host OS.
// delete is idempotent: deleting a missing path is a success.
type Backend interface {
	Put(ctx context.Context, path string, payload Payload) error
	GetSlice(ctx context.Context, path string, r ByteRange) ([]byte, error)
	GetAll(ctx context.Context, path string) ([]byte, error)
	CopyToFile(ctx context.Context, path string, localPath string) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	FileNumBytes(ctx context.Context, path string) (uint64, error)
	URI() string
}

// Lister is implemented by backends that can enumerate objects under a
// prefix, needed by the garbage collector to find dangling files.
type Lister interface {
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// errNotFound classifies a missing path for Backend implementations.
func errNotFound(path string) error {
	return serrs.NotFound.New("storage: path not found: %s", path)
}
