package lifecycle_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/lifecycle"
	"github.com/cuemby/strata/internal/metastore/filestore"
	"github.com/cuemby/strata/internal/storage"
	"github.com/cuemby/strata/internal/storage/ramstore"
	"github.com/cuemby/strata/internal/strata"
)

func newEngine(t *testing.T) (*lifecycle.Engine, *filestore.Store, *ramstore.Backend) {
	t.Helper()
	remote := ramstore.New("ram://logs")
	registry := storage.NewRegistry()
	registry.Register("ram", func(uri string) (storage.Backend, error) { return remote, nil })

	metaStore := filestore.New(ramstore.New("ram://metastore"))
	ctx := context.Background()
	require.NoError(t, metaStore.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs", IndexURI: "ram://logs"}))

	return lifecycle.New(metaStore, registry), metaStore, remote
}

func writeTempSplitFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "split.bin")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestPublishAfterUploadPutsFileThenPublishes(t *testing.T) {
	ctx := context.Background()
	engine, metaStore, remote := newEngine(t)

	localFile := writeTempSplitFile(t, "split contents")
	packaged := strata.PackagedSplit{
		Split:           strata.SplitMetadata{SplitID: "split-1", IndexID: "logs"},
		CheckpointDelta: strata.CheckpointDelta{Source: "kafka-0", To: 10},
	}

	require.NoError(t, engine.PublishAfterUpload(ctx, "logs", packaged, localFile))

	published, err := metaStore.ListSplits(ctx, "logs", strata.SplitStatePublished, nil, nil)
	require.NoError(t, err)
	require.Len(t, published, 1)

	data, err := remote.GetAll(ctx, strata.SplitFileName("split-1"))
	require.NoError(t, err)
	require.Equal(t, "split contents", string(data))
}

func TestPublishAfterUploadLeavesFileOnConflict(t *testing.T) {
	ctx := context.Background()
	engine, metaStore, remote := newEngine(t)

	// Advance the checkpoint out from under the upload so publish conflicts.
	require.NoError(t, metaStore.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "other"}))
	require.NoError(t, metaStore.PublishSplits(ctx, "logs", []string{"other"}, strata.CheckpointDelta{Source: "kafka-0", From: 0, To: 50}))

	localFile := writeTempSplitFile(t, "orphan split")
	packaged := strata.PackagedSplit{
		Split:           strata.SplitMetadata{SplitID: "split-1", IndexID: "logs"},
		CheckpointDelta: strata.CheckpointDelta{Source: "kafka-0", From: 0, To: 10},
	}

	err := engine.PublishAfterUpload(ctx, "logs", packaged, localFile)
	require.Error(t, err)

	// The file must still be on storage; the split remains Staged for GC.
	exists, err := remote.Exists(ctx, strata.SplitFileName("split-1"))
	require.NoError(t, err)
	require.True(t, exists)

	staged, err := metaStore.ListSplits(ctx, "logs", strata.SplitStateStaged, nil, nil)
	require.NoError(t, err)
	require.Len(t, staged, 1)
}

func TestDeleteWithFilesCommitsDeletedBatch(t *testing.T) {
	ctx := context.Background()
	engine, metaStore, remote := newEngine(t)

	for _, id := range []string{"split-1", "split-2"} {
		require.NoError(t, metaStore.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: id}))
		require.NoError(t, remote.Put(ctx, strata.SplitFileName(id), storage.BytesPayload([]byte("x"))))
	}
	require.NoError(t, metaStore.MarkSplitsForDeletion(ctx, "logs", []string{"split-1", "split-2"}))

	// ramstore.Delete never errors, so both file deletes succeed and the
	// whole batch is committed through DeleteSplits.
	result, err := engine.DeleteWithFiles(ctx, "logs", []string{"split-1", "split-2"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"split-1", "split-2"}, result.DeletedSplitIDs)
	require.Empty(t, result.FailedSplitIDs)

	remaining, err := metaStore.ListSplits(ctx, "logs", "", nil, nil)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestResetIndexMarksAndDeletesEverySplit(t *testing.T) {
	ctx := context.Background()
	engine, metaStore, remote := newEngine(t)

	require.NoError(t, metaStore.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-1"}))
	require.NoError(t, remote.Put(ctx, strata.SplitFileName("split-1"), storage.BytesPayload([]byte("x"))))
	require.NoError(t, metaStore.PublishSplits(ctx, "logs", []string{"split-1"}, strata.CheckpointDelta{Source: "kafka-0", To: 5}))

	require.NoError(t, metaStore.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-2"}))
	require.NoError(t, remote.Put(ctx, strata.SplitFileName("split-2"), storage.BytesPayload([]byte("y"))))

	result, err := engine.ResetIndex(ctx, "logs")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"split-1", "split-2"}, result.DeletedSplitIDs)

	remaining, err := metaStore.ListSplits(ctx, "logs", "", nil, nil)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
