package filestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/metastore/filestore"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/storage/ramstore"
	"github.com/cuemby/strata/internal/strata"
)

func newStore() *filestore.Store {
	return filestore.New(ramstore.New("ram://metastore"))
}

func TestStageSplitThenPublishThenListSplits(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs", IndexURI: "ram://logs"}))

	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-1"}))

	require.NoError(t, s.PublishSplits(ctx, "logs", []string{"split-1"}, strata.CheckpointDelta{Source: "kafka-0", From: 0, To: 100}))

	published, err := s.ListSplits(ctx, "logs", strata.SplitStatePublished, nil, nil)
	require.NoError(t, err)
	require.Len(t, published, 1)
	require.Equal(t, "split-1", published[0].SplitID)

	idx, err := s.GetIndex(ctx, "logs")
	require.NoError(t, err)
	require.EqualValues(t, 100, idx.Checkpoint["kafka-0"])
}

func TestCreateIndexTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"}))
	err := s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"})
	require.True(t, serrs.AlreadyExists.Has(err))
}

func TestPublishSplitsConflictingDeltaFails(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"}))
	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-1"}))
	require.NoError(t, s.PublishSplits(ctx, "logs", []string{"split-1"}, strata.CheckpointDelta{Source: "kafka-0", From: 0, To: 100}))

	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-2"}))
	err := s.PublishSplits(ctx, "logs", []string{"split-2"}, strata.CheckpointDelta{Source: "kafka-0", From: 50, To: 150})
	require.True(t, serrs.PreconditionFailed.Has(err), "delta.From must match current checkpoint position")
}

func TestDeleteSplitsRequiresScheduledForDeletion(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"}))
	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-1"}))

	err := s.DeleteSplits(ctx, "logs", []string{"split-1"})
	require.True(t, serrs.PreconditionFailed.Has(err))

	require.NoError(t, s.MarkSplitsForDeletion(ctx, "logs", []string{"split-1"}))
	// Idempotent: marking again is a no-op, not an error.
	require.NoError(t, s.MarkSplitsForDeletion(ctx, "logs", []string{"split-1"}))
	require.NoError(t, s.DeleteSplits(ctx, "logs", []string{"split-1"}))

	remaining, err := s.ListSplits(ctx, "logs", "", nil, nil)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestListSplitsPrunesByTimeRangeAndTags(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"}))

	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{
		SplitID:   "in-range",
		TimeRange: &strata.TimeRange{Start: 10, End: 20},
		Tags:      []string{"tenant-a"},
	}))
	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{
		SplitID:   "out-of-range",
		TimeRange: &strata.TimeRange{Start: 100, End: 200},
		Tags:      []string{"tenant-b"},
	}))
	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{
		SplitID: "no-time-range",
	}))

	splits, err := s.ListSplits(ctx, "logs", strata.SplitStateStaged, &strata.TimeRange{Start: 15, End: 16}, []string{"tenant-a"})
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, sp := range splits {
		ids[sp.SplitID] = true
	}
	require.True(t, ids["in-range"], "split overlapping the query range must match")
	require.True(t, ids["no-time-range"], "split with no time_range must always match")
	require.False(t, ids["out-of-range"])
}

func TestDeleteIndexFailsWithSplitsRemaining(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"}))
	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-1"}))

	err := s.DeleteIndex(ctx, "logs")
	require.True(t, serrs.PreconditionFailed.Has(err))
}
