package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/cache"
	"github.com/cuemby/strata/internal/storage"
	"github.com/cuemby/strata/internal/storage/ramstore"
)

func newCache(t *testing.T, disk cache.Capacity) (*cache.Cache, *ramstore.Backend) {
	t.Helper()
	remote := ramstore.New("ram://splits")
	c, err := cache.New(remote, cache.Options{
		Root:         t.TempDir(),
		DiskCapacity: disk,
		RAMCapacity:  cache.Capacity{MaxNumFiles: 64, MaxNumBytes: 1 << 20},
	})
	require.NoError(t, err)
	return c, remote
}

func TestCacheGetAllFillsDiskTier(t *testing.T) {
	ctx := context.Background()
	c, remote := newCache(t, cache.Capacity{MaxNumFiles: 8, MaxNumBytes: 1 << 20})

	require.NoError(t, remote.Put(ctx, "split-1.strata", storage.BytesPayload([]byte("hello world"))))

	data, err := c.GetAll(ctx, "split-1.strata")
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), data)

	// A second read must not need the remote backend at all: delete it
	// remotely and confirm the cache still serves the cached copy.
	require.NoError(t, remote.Delete(ctx, "split-1.strata"))
	data, err = c.GetAll(ctx, "split-1.strata")
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), data)
}

func TestCacheGetSliceServesFromDiskAfterGetAll(t *testing.T) {
	ctx := context.Background()
	c, remote := newCache(t, cache.Capacity{MaxNumFiles: 8, MaxNumBytes: 1 << 20})
	require.NoError(t, remote.Put(ctx, "split-1.strata", storage.BytesPayload([]byte("0123456789"))))

	_, err := c.GetAll(ctx, "split-1.strata")
	require.NoError(t, err)

	require.NoError(t, remote.Delete(ctx, "split-1.strata"))

	slice, err := c.GetSlice(ctx, "split-1.strata", storage.ByteRange{Start: 2, End: 5})
	require.NoError(t, err)
	require.Equal(t, []byte("234"), slice)
}

func TestCacheEvictsOldestWhenDiskBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	c, remote := newCache(t, cache.Capacity{MaxNumFiles: 8, MaxNumBytes: 12})

	require.NoError(t, remote.Put(ctx, "a.strata", storage.BytesPayload([]byte("0123456789"))))
	require.NoError(t, remote.Put(ctx, "b.strata", storage.BytesPayload([]byte("0123456789"))))

	_, err := c.GetAll(ctx, "a.strata")
	require.NoError(t, err)
	_, err = c.GetAll(ctx, "b.strata")
	require.NoError(t, err)

	// Budget of 12 bytes cannot hold both 10-byte objects; "a" must have
	// been evicted to admit "b".
	require.NoError(t, remote.Delete(ctx, "a.strata"))
	_, err = c.GetAll(ctx, "a.strata")
	require.Error(t, err, "evicted entry should require a remote refetch that now 404s")
}

func TestCacheGetSliceSingleFlightsConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	c, remote := newCache(t, cache.Capacity{MaxNumFiles: 8, MaxNumBytes: 1 << 20})
	require.NoError(t, remote.Put(ctx, "split-1.strata", storage.BytesPayload([]byte("0123456789"))))

	var fetches int32
	counting := countingBackend{Backend: remote, count: &fetches}
	c2, err := cache.New(&counting, cache.Options{
		Root:         t.TempDir(),
		DiskCapacity: cache.Capacity{MaxNumFiles: 8, MaxNumBytes: 1 << 20},
		RAMCapacity:  cache.Capacity{MaxNumFiles: 64, MaxNumBytes: 1 << 20},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c2.GetSlice(ctx, "split-1.strata", storage.ByteRange{Start: 0, End: 5})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&fetches), "concurrent misses on the same range must collapse to one remote fetch")
}

func TestCachePutWritesThroughAndServesLocally(t *testing.T) {
	ctx := context.Background()
	c, remote := newCache(t, cache.Capacity{MaxNumFiles: 8, MaxNumBytes: 1 << 20})

	require.NoError(t, c.Put(ctx, "split-1.strata", []byte("written through")))

	remoteData, err := remote.GetAll(ctx, "split-1.strata")
	require.NoError(t, err)
	require.Equal(t, []byte("written through"), remoteData)

	require.NoError(t, remote.Delete(ctx, "split-1.strata"))
	data, err := c.GetAll(ctx, "split-1.strata")
	require.NoError(t, err, "Put must have admitted the object into the disk tier")
	require.Equal(t, []byte("written through"), data)
}

func TestCacheDeleteRemovesFromBothTiersAndRemote(t *testing.T) {
	ctx := context.Background()
	c, remote := newCache(t, cache.Capacity{MaxNumFiles: 8, MaxNumBytes: 1 << 20})
	require.NoError(t, remote.Put(ctx, "split-1.strata", storage.BytesPayload([]byte("0123456789"))))

	_, err := c.GetAll(ctx, "split-1.strata")
	require.NoError(t, err)
	_, err = c.GetSlice(ctx, "split-1.strata", storage.ByteRange{Start: 0, End: 3})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, "split-1.strata"))

	_, err = remote.GetAll(ctx, "split-1.strata")
	require.Error(t, err, "Delete must remove the object remotely")

	_, err = c.GetAll(ctx, "split-1.strata")
	require.Error(t, err, "Delete must drop the disk tier so GetAll can't serve a stale local copy")
}

// countingBackend wraps a Backend to count GetSlice calls, verifying the
// single-flight dedup above.
type countingBackend struct {
	storage.Backend
	count *int32
}

func (c *countingBackend) GetSlice(ctx context.Context, path string, r storage.ByteRange) ([]byte, error) {
	atomic.AddInt32(c.count, 1)
	return c.Backend.GetSlice(ctx, path, r)
}
