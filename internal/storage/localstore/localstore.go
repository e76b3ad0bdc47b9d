// Package localstore is the file:// storage backend. The storage driver
// implementations are an excluded collaborator of SPEC_FULL §1 ("their
// contracts matter; their implementations do not"), so this stays a direct,
// unadorned mapping onto os/io rather than reaching for a library.
package localstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/storage"
)

// Backend stores objects as files under a root directory.
type Backend struct {
	root string
	uri  string
}

// New returns a Backend rooted at the absolute path encoded in uri
// ("file:///var/strata/indexes").
func New(root, uri string) *Backend {
	return &Backend{root: root, uri: uri}
}

func (b *Backend) resolve(path string) string {
	return filepath.Join(b.root, filepath.FromSlash(path))
}

func (b *Backend) Put(_ context.Context, path string, payload storage.Payload) error {
	dest := b.resolve(path)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return serrs.IO.Wrap(err)
	}

	tmp := dest + ".tmp-" + randSuffix()
	if payload.IsFile() {
		if err := copyFile(payload.LocalPath(), tmp); err != nil {
			return serrs.IO.Wrap(err)
		}
	} else {
		if err := os.WriteFile(tmp, payload.Bytes(), 0o644); err != nil {
			return serrs.IO.Wrap(err)
		}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return serrs.IO.Wrap(err)
	}
	return nil
}

func (b *Backend) GetSlice(_ context.Context, path string, r storage.ByteRange) ([]byte, error) {
	f, err := os.Open(b.resolve(path))
	if err != nil {
		return nil, classifyOpenErr(path, err)
	}
	defer f.Close()

	buf := make([]byte, r.Len())
	n, err := f.ReadAt(buf, int64(r.Start))
	if err != nil && err != io.EOF {
		return nil, serrs.IO.Wrap(err)
	}
	return buf[:n], nil
}

func (b *Backend) GetAll(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(b.resolve(path))
	if err != nil {
		return nil, classifyOpenErr(path, err)
	}
	return data, nil
}

func (b *Backend) CopyToFile(_ context.Context, path string, localPath string) error {
	if err := copyFile(b.resolve(path), localPath); err != nil {
		return classifyOpenErr(path, err)
	}
	return nil
}

func (b *Backend) Delete(_ context.Context, path string) error {
	err := os.Remove(b.resolve(path))
	if err != nil && !os.IsNotExist(err) {
		return serrs.IO.Wrap(err)
	}
	return nil
}

func (b *Backend) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(b.resolve(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, serrs.IO.Wrap(err)
}

func (b *Backend) FileNumBytes(_ context.Context, path string) (uint64, error) {
	info, err := os.Stat(b.resolve(path))
	if err != nil {
		return 0, classifyOpenErr(path, err)
	}
	return uint64(info.Size()), nil
}

func (b *Backend) URI() string { return b.uri }

// ListObjects enumerates files under prefix, reporting local mtimes.
func (b *Backend) ListObjects(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	root := b.resolve(prefix)
	var out []storage.ObjectInfo
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		out = append(out, storage.ObjectInfo{
			Path:            filepath.ToSlash(rel),
			SizeInBytes:     uint64(info.Size()),
			LastModified:    info.ModTime(),
			HasLastModified: true,
		})
		return nil
	})
	if err != nil {
		return nil, serrs.IO.Wrap(err)
	}
	return out, nil
}

func classifyOpenErr(path string, err error) error {
	if os.IsNotExist(err) {
		return serrs.NotFound.New("localstore: %s: %v", path, err)
	}
	if os.IsPermission(err) {
		return serrs.Permission.New("localstore: %s: %v", path, err)
	}
	return serrs.IO.Wrap(err)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func randSuffix() string {
	return time.Now().UTC().Format("20060102T150405.000000000")
}
