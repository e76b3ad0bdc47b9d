package gc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/gc"
	"github.com/cuemby/strata/internal/lifecycle"
	"github.com/cuemby/strata/internal/metastore/filestore"
	"github.com/cuemby/strata/internal/storage"
	"github.com/cuemby/strata/internal/storage/ramstore"
	"github.com/cuemby/strata/internal/strata"
)

func newCollector(t *testing.T) (*gc.Collector, *filestore.Store, *ramstore.Backend) {
	t.Helper()
	remote := ramstore.New("ram://logs")
	registry := storage.NewRegistry()
	registry.Register("ram", func(uri string) (storage.Backend, error) { return remote, nil })

	metaStore := filestore.New(ramstore.New("ram://metastore"))
	ctx := context.Background()
	require.NoError(t, metaStore.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs", IndexURI: "ram://logs"}))

	lc := lifecycle.New(metaStore, registry)
	return gc.New(metaStore, registry, lc), metaStore, remote
}

func TestGCDryRunReturnsCandidatesWithoutMutating(t *testing.T) {
	ctx := context.Background()
	collector, metaStore, remote := newCollector(t)

	// An old Staged split past grace: a state-driven candidate.
	require.NoError(t, metaStore.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "old-staged"}))
	// A dangling file with no metastore row at all.
	require.NoError(t, remote.Put(ctx, "dangling.split", storage.BytesPayload([]byte("x"))))

	result, err := collector.Run(ctx, "logs", 0, true)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{strata.SplitFileName("old-staged"), "dangling.split"}, result.CandidateEntries)

	// Nothing mutated: split still Staged, file still present.
	staged, err := metaStore.ListSplits(ctx, "logs", strata.SplitStateStaged, nil, nil)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	exists, err := remote.Exists(ctx, "dangling.split")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestGCRealRunDeletesCandidatesAndDanglingFiles(t *testing.T) {
	ctx := context.Background()
	collector, metaStore, remote := newCollector(t)

	require.NoError(t, metaStore.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "old-staged"}))
	require.NoError(t, remote.Put(ctx, "dangling.split", storage.BytesPayload([]byte("x"))))

	result, err := collector.Run(ctx, "logs", 0, false)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{strata.SplitFileName("old-staged"), "dangling.split"}, result.DeletedEntries)
	require.Empty(t, result.FailedEntries)

	remaining, err := metaStore.ListSplits(ctx, "logs", "", nil, nil)
	require.NoError(t, err)
	require.Empty(t, remaining)

	exists, err := remote.Exists(ctx, "dangling.split")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestGCSparesRecentStagedSplits(t *testing.T) {
	ctx := context.Background()
	collector, metaStore, _ := newCollector(t)

	require.NoError(t, metaStore.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "fresh-staged"}))

	// A generous grace period spares the just-staged split: the uploader
	// may still be mid-publish (spec.md §4.6's grace-period semantics).
	result, err := collector.Run(ctx, "logs", time.Hour, false)
	require.NoError(t, err)
	require.Empty(t, result.DeletedEntries)

	staged, err := metaStore.ListSplits(ctx, "logs", strata.SplitStateStaged, nil, nil)
	require.NoError(t, err)
	require.Len(t, staged, 1)
}
