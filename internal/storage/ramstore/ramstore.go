// Package ramstore is the ram:// in-memory storage backend used for tests
// (SPEC_FULL §6): deterministic, no disk or network I/O, same semantics as
// every other Backend.
package ramstore

import (
	"context"
	"os"
	"sync"

	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/storage"
)

type object struct {
	data []byte
}

// Backend is an in-memory Backend keyed by a ram://<id> URI. Open the same
// id twice (through a storage.Registry, which interns by URI) to share state.
type Backend struct {
	mu      sync.RWMutex
	uri     string
	objects map[string]object
}

// New returns an empty in-memory backend.
func New(uri string) *Backend {
	return &Backend{uri: uri, objects: make(map[string]object)}
}

// Factory builds a ram:// backend, suitable for storage.Registry.Register.
// Each distinct URI gets independent state (the registry interns by URI, so
// ram://shared resolved twice from the same registry returns one instance).
func Factory(uri string) (storage.Backend, error) {
	return New(uri), nil
}

func (b *Backend) Put(_ context.Context, path string, payload storage.Payload) error {
	var data []byte
	if payload.IsFile() {
		fileData, err := os.ReadFile(payload.LocalPath())
		if err != nil {
			return serrs.IO.Wrap(err)
		}
		data = fileData
	} else {
		data = append(data, payload.Bytes()...)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = object{data: data}
	return nil
}

func (b *Backend) GetSlice(_ context.Context, path string, r storage.ByteRange) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	if !ok {
		return nil, serrs.NotFound.New("ramstore: %s", path)
	}
	start, end := r.Start, r.End
	if end > uint64(len(obj.data)) {
		end = uint64(len(obj.data))
	}
	if start > end {
		start = end
	}
	out := make([]byte, end-start)
	copy(out, obj.data[start:end])
	return out, nil
}

func (b *Backend) GetAll(_ context.Context, path string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	if !ok {
		return nil, serrs.NotFound.New("ramstore: %s", path)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (b *Backend) CopyToFile(ctx context.Context, path string, localPath string) error {
	data, err := b.GetAll(ctx, path)
	if err != nil {
		return err
	}
	return writeLocalFile(localPath, data)
}

func (b *Backend) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	return nil
}

func (b *Backend) Exists(_ context.Context, path string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[path]
	return ok, nil
}

func (b *Backend) FileNumBytes(_ context.Context, path string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	if !ok {
		return 0, serrs.NotFound.New("ramstore: %s", path)
	}
	return uint64(len(obj.data)), nil
}

func (b *Backend) URI() string { return b.uri }

// ListObjects enumerates every stored key under prefix. The ram backend has
// no persistent mtime concept, so every entry reports HasLastModified=false
// (SPEC_FULL Open Question 2: missing timestamp ⇒ eligible for GC).
func (b *Backend) ListObjects(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []storage.ObjectInfo
	for path, obj := range b.objects {
		if !hasPrefix(path, prefix) {
			continue
		}
		out = append(out, storage.ObjectInfo{
			Path:        path,
			SizeInBytes: uint64(len(obj.data)),
		})
	}
	return out, nil
}

func hasPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(path) < len(prefix) {
		return false
	}
	return path[:len(prefix)] == prefix
}
