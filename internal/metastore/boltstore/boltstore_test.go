package boltstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/metastore/boltstore"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/strata"
)

func newStore(t *testing.T) *boltstore.Store {
	t.Helper()
	s, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStoreStageSplitThenPublish(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"}))
	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-1"}))
	require.NoError(t, s.PublishSplits(ctx, "logs", []string{"split-1"}, strata.CheckpointDelta{Source: "kafka-0", To: 10}))

	splits, err := s.ListSplits(ctx, "logs", strata.SplitStatePublished, nil, nil)
	require.NoError(t, err)
	require.Len(t, splits, 1)
}

func TestBoltStorePublishRepublishIdempotentWhenPrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"}))
	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-1"}))
	require.NoError(t, s.PublishSplits(ctx, "logs", []string{"split-1"}, strata.CheckpointDelta{Source: "kafka-0", To: 10}))

	// Re-publishing a delta already covered by the applied checkpoint on an
	// already-Published split is idempotent (Open Question 1: delta is a
	// prefix of applied).
	err := s.PublishSplits(ctx, "logs", []string{"split-1"}, strata.CheckpointDelta{Source: "kafka-0", To: 5})
	require.NoError(t, err)
}

func TestBoltStorePublishNonStagedSplitFails(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"}))
	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-1"}))
	require.NoError(t, s.MarkSplitsForDeletion(ctx, "logs", []string{"split-1"}))

	err := s.PublishSplits(ctx, "logs", []string{"split-1"}, strata.CheckpointDelta{Source: "kafka-0", To: 10})
	require.True(t, serrs.PreconditionFailed.Has(err))
}

func TestBoltStoreDeleteSplitsAndIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateIndex(ctx, strata.IndexMetadata{IndexID: "logs"}))
	require.NoError(t, s.StageSplit(ctx, "logs", strata.SplitMetadata{SplitID: "split-1"}))
	require.NoError(t, s.MarkSplitsForDeletion(ctx, "logs", []string{"split-1"}))
	require.NoError(t, s.DeleteSplits(ctx, "logs", []string{"split-1"}))
	require.NoError(t, s.DeleteIndex(ctx, "logs"))

	_, err := s.GetIndex(ctx, "logs")
	require.True(t, serrs.NotFound.Has(err))
}
