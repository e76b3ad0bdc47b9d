// Package cache is the local read-through cache fronting a remote
// storage.Backend: a bounded disk tier for whole split files and a bounded
// RAM tier for recently read byte ranges, so repeated leaf searches against
// the same split avoid round-tripping to remote storage (spec §4.3).
//
// Grounded on: no single teacher file matches this shape. The eviction
// bookkeeping is adapted from hashicorp/golang-lru's Cache (already a direct
// dependency via the raft closure timeout cache), and the mutex-guarded
// single-writer discipline follows the teacher's pkg/manager/fsm.go.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/storage"
)

// Cache is a two-tier read-through cache over one remote storage.Backend.
type Cache struct {
	remote storage.Backend
	root   string

	mu        sync.Mutex
	disk      *lru.Cache // relative path -> uint64 size in bytes
	diskBytes uint64
	diskCap   Capacity

	ram      *lru.Cache // "path|start-end" -> []byte
	ramBytes uint64
	ramCap   Capacity

	group singleflight.Group

	remoteURI string
}

// Options configures a new Cache.
type Options struct {
	Root        string
	DiskCapacity Capacity
	RAMCapacity  Capacity
}

// New builds a Cache rooted at opts.Root, reloading any previously
// persisted manifest and discarding entries that no longer check out on
// disk (self-healing, spec §4.4).
func New(remote storage.Backend, opts Options) (*Cache, error) {
	if opts.DiskCapacity.MaxNumFiles == 0 {
		opts.DiskCapacity.MaxNumFiles = 1 << 20
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, serrs.IO.Wrap(err)
	}

	c := &Cache{
		remote:    remote,
		root:      opts.Root,
		diskCap:   opts.DiskCapacity,
		ramCap:    opts.RAMCapacity,
		remoteURI: remote.URI(),
	}

	disk, err := lru.NewWithEvict(int(opts.DiskCapacity.MaxNumFiles), c.onDiskEvict)
	if err != nil {
		return nil, serrs.Internal.Wrap(err)
	}
	c.disk = disk

	ramSize := opts.RAMCapacity.MaxNumFiles
	if ramSize == 0 {
		ramSize = 4096
	}
	ram, err := lru.NewWithEvict(int(ramSize), c.onRAMEvict)
	if err != nil {
		return nil, serrs.Internal.Wrap(err)
	}
	c.ram = ram

	_, healthy := loadState(opts.Root)
	for _, item := range healthy {
		c.disk.Add(item.RelativePath, item.SizeInBytes)
		c.diskBytes += item.SizeInBytes
	}
	c.enforceDiskBudget()

	return c, nil
}

// onDiskEvict runs with c.mu held (golang-lru calls evict synchronously from
// Add/RemoveOldest) and removes the evicted file from local disk.
func (c *Cache) onDiskEvict(key interface{}, value interface{}) {
	rel := key.(string)
	size := value.(uint64)
	c.diskBytes -= size
	_ = os.Remove(c.diskPath(rel))
}

func (c *Cache) onRAMEvict(key interface{}, value interface{}) {
	c.ramBytes -= uint64(len(value.([]byte)))
}

func (c *Cache) diskPath(relPath string) string {
	return filepath.Join(c.root, filepath.FromSlash(relPath))
}

// enforceDiskBudget evicts the oldest disk entries until bytes-in-use fits
// the configured budget, in addition to golang-lru's own file-count cap.
// Must be called with c.mu held.
func (c *Cache) enforceDiskBudget() {
	if c.diskCap.MaxNumBytes == 0 {
		return
	}
	for c.diskBytes > c.diskCap.MaxNumBytes && c.disk.Len() > 0 {
		c.disk.RemoveOldest()
	}
}

func (c *Cache) enforceRAMBudget() {
	if c.ramCap.MaxNumBytes == 0 {
		return
	}
	for c.ramBytes > c.ramCap.MaxNumBytes && c.ram.Len() > 0 {
		c.ram.RemoveOldest()
	}
}

func rangeKey(path string, r storage.ByteRange) string {
	return fmt.Sprintf("%s|%d-%d", path, r.Start, r.End)
}

// GetSlice returns bytes [r.Start, r.End) of path, served from the RAM tier
// if present, else the disk tier, else fetched from remote storage and
// admitted into the RAM tier. At most one remote fetch is in flight per
// (path, range) at a time (spec §4.3's single-flight requirement).
func (c *Cache) GetSlice(ctx context.Context, path string, r storage.ByteRange) ([]byte, error) {
	key := rangeKey(path, r)

	c.mu.Lock()
	if v, ok := c.ram.Get(key); ok {
		c.ram.Get(key) // touch for recency; golang-lru's Get already does this
		c.mu.Unlock()
		return cloneBytes(v.([]byte)), nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if data, ok := c.readDiskSlice(path, r); ok {
			c.admitRAM(key, data)
			return data, nil
		}

		data, err := c.remote.GetSlice(ctx, path, r)
		if err != nil {
			return nil, err
		}
		c.admitRAM(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneBytes(v.([]byte)), nil
}

// GetAll fetches the whole object at path, populating the disk tier so
// subsequent GetSlice calls for the same split are served locally.
func (c *Cache) GetAll(ctx context.Context, path string) ([]byte, error) {
	v, err, _ := c.group.Do("whole:"+path, func() (interface{}, error) {
		c.mu.Lock()
		cached := c.disk.Contains(path)
		c.mu.Unlock()

		if cached {
			data, err := os.ReadFile(c.diskPath(path))
			if err == nil {
				return data, nil
			}
			// File vanished out from under the manifest; fall through to refetch.
		}

		data, err := c.remote.GetAll(ctx, path)
		if err != nil {
			return nil, err
		}
		c.admitDisk(path, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneBytes(v.([]byte)), nil
}

// readDiskSlice serves r out of an already-cached whole object, if present.
func (c *Cache) readDiskSlice(path string, r storage.ByteRange) ([]byte, bool) {
	c.mu.Lock()
	cached := c.disk.Contains(path)
	c.mu.Unlock()
	if !cached {
		return nil, false
	}

	f, err := os.Open(c.diskPath(path))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	length := r.End - r.Start
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(r.Start))
	if err != nil && uint64(n) != length {
		return nil, false
	}
	return buf, true
}

func (c *Cache) admitRAM(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ram.Add(key, data)
	c.ramBytes += uint64(len(data))
	c.enforceRAMBudget()
}

func (c *Cache) admitDisk(relPath string, data []byte) {
	if err := writeFile(c.diskPath(relPath), data); err != nil {
		log.WithComponent("cache").Warn().Err(err).Str("path", relPath).Msg("failed to admit object into disk cache")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.disk.Add(relPath, uint64(len(data)))
	c.diskBytes += uint64(len(data))
	c.enforceDiskBudget()
	c.persistLocked()
}

// Put writes data to the remote backend, then admits it into the disk tier
// so an immediately following GetAll/GetSlice is served locally (spec §4.3's
// write-through path).
func (c *Cache) Put(ctx context.Context, path string, data []byte) error {
	if err := c.remote.Put(ctx, path, storage.BytesPayload(data)); err != nil {
		return err
	}
	c.admitDisk(path, data)
	return nil
}

// Delete evicts path from both tiers and deletes it remotely, e.g. when the
// metastore reports its split deleted. Remote delete is idempotent, matching
// storage.Backend.
func (c *Cache) Delete(ctx context.Context, path string) error {
	if err := c.remote.Delete(ctx, path); err != nil {
		return err
	}
	c.evictLocal(path)
	return nil
}

// Evict removes path from both tiers without touching remote storage.
// Deprecated in favor of Delete for the write path that actually owns the
// remote object; kept for callers that only need to drop a stale local copy.
func (c *Cache) Evict(path string) {
	c.evictLocal(path)
}

// evictLocal drops path's disk entry and every RAM range keyed off it.
func (c *Cache) evictLocal(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disk.Remove(path)
	prefix := path + "|"
	for _, key := range c.ram.Keys() {
		if k, ok := key.(string); ok && strings.HasPrefix(k, prefix) {
			c.ram.Remove(key)
		}
	}
	c.persistLocked()
}

// persistLocked writes the manifest; caller must hold c.mu.
func (c *Cache) persistLocked() {
	items := make([]CachedItem, 0, c.disk.Len())
	for _, key := range c.disk.Keys() {
		v, ok := c.disk.Peek(key)
		if !ok {
			continue
		}
		items = append(items, CachedItem{RelativePath: key.(string), SizeInBytes: v.(uint64)})
	}
	st := State{
		RemoteURI:    c.remoteURI,
		LocalURI:     "file://" + c.root,
		DiskCapacity: c.diskCap,
		RAMCapacity:  c.ramCap,
		Items:        items,
	}
	if err := saveState(c.root, st); err != nil {
		log.WithComponent("cache").Warn().Err(err).Msg("failed to persist cache-state.json")
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + shortHash(data)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func shortHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
