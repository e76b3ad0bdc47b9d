package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"google.golang.org/grpc"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/internal/cache"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/search/cluster"
	"github.com/cuemby/strata/internal/search/leaf"
	"github.com/cuemby/strata/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run long-lived server processes",
}

var serveLeafCmd = &cobra.Command{
	Use:   "leaf",
	Short: "Run a leaf search node answering LeafSearch/FetchDocs over gRPC",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		listen, _ := cmd.Flags().GetString("listen")
		cacheRoot, _ := cmd.Flags().GetString("cache-dir")
		diskCapBytes, _ := cmd.Flags().GetUint64("cache-disk-bytes")
		ramCapBytes, _ := cmd.Flags().GetUint64("cache-ram-bytes")
		if nodeID == "" {
			return fmt.Errorf("--node-id is required")
		}

		searcher := leaf.New(newRegistry(), newCacheFactory(cacheRoot, diskCapBytes, ramCapBytes), nodeID)

		lis, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listen, err)
		}

		srv := grpc.NewServer()
		cluster.RegisterLeafService(srv, searcher)

		log.WithNode(nodeID).Info().Str("listen", listen).Msg("leaf node serving")
		fmt.Printf("leaf node %s listening on %s\n", nodeID, listen)
		if err := srv.Serve(lis); err != nil {
			return fmt.Errorf("leaf server stopped: %w", err)
		}
		return nil
	},
}

// newCacheFactory builds a leaf.CacheFactory that lazily constructs one
// cache.Cache per distinct index URI, rooted under a URI-derived
// subdirectory of cacheRoot so two indexes never collide on disk. A zero
// byte budget on either tier disables caching entirely (splits are read
// straight off the resolved backend), matching leaf.New's nil-factory
// fallback behavior.
func newCacheFactory(cacheRoot string, diskCapBytes, ramCapBytes uint64) leaf.CacheFactory {
	if cacheRoot == "" || diskCapBytes == 0 || ramCapBytes == 0 {
		return nil
	}

	var mu sync.Mutex
	caches := make(map[string]*cache.Cache)

	return func(indexURI string, backend storage.Backend) interface {
		GetSlice(ctx context.Context, path string, r storage.ByteRange) ([]byte, error)
		GetAll(ctx context.Context, path string) ([]byte, error)
	} {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := caches[indexURI]; ok {
			return c
		}
		c, err := cache.New(backend, cache.Options{
			Root:         cacheDirFor(cacheRoot, indexURI),
			DiskCapacity: cache.Capacity{MaxNumBytes: diskCapBytes},
			RAMCapacity:  cache.Capacity{MaxNumBytes: ramCapBytes},
		})
		if err != nil {
			log.WithComponent("cache").Warn().Str("index_uri", indexURI).Err(err).
				Msg("failed to open split cache, falling back to uncached reads")
			return backend
		}
		caches[indexURI] = c
		return c
	}
}

func init() {
	serveLeafCmd.Flags().String("node-id", "", "This node's identity, as used in --peers elsewhere (required)")
	serveLeafCmd.Flags().String("listen", ":7070", "Address to listen on for leaf gRPC traffic")
	serveLeafCmd.Flags().String("cache-dir", "", "Local directory for the read-through split cache (disabled if empty)")
	serveLeafCmd.Flags().Uint64("cache-disk-bytes", 0, "Disk tier capacity in bytes (0 disables caching)")
	serveLeafCmd.Flags().Uint64("cache-ram-bytes", 0, "RAM tier capacity in bytes (0 disables caching)")
	_ = serveLeafCmd.MarkFlagRequired("node-id")

	serveCmd.AddCommand(serveLeafCmd)
}

// cacheDirFor derives a filesystem-safe subdirectory name for an index URI.
func cacheDirFor(root, indexURI string) string {
	sum := sha256.Sum256([]byte(indexURI))
	return filepath.Join(root, hex.EncodeToString(sum[:8]))
}
