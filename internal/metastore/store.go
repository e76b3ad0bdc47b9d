// Package metastore defines the Store contract every backend
// (filestore, boltstore, raftstore) implements: per-index split metadata and
// the transactional split lifecycle (spec.md §4: new → staged → published →
// scheduled_for_deletion).
package metastore

import (
	"context"

	"github.com/cuemby/strata/internal/strata"
)

// Store is the metastore's transactional interface. Every method is
// linearizable per index_id; callers spanning multiple indexes get no
// cross-index atomicity (spec.md §5).
type Store interface {
	// CreateIndex registers a new index. Fails with AlreadyExists if
	// index_id is already registered.
	CreateIndex(ctx context.Context, meta strata.IndexMetadata) error

	// GetIndex returns the current index row. Fails with NotFound.
	GetIndex(ctx context.Context, indexID string) (strata.IndexMetadata, error)

	// DeleteIndex removes an index. Fails with PreconditionFailed if any
	// split still exists under it, in any state.
	DeleteIndex(ctx context.Context, indexID string) error

	// StageSplit registers one split in the New->Staged transition. Fails
	// with AlreadyExists if split_id is already used under this index.
	StageSplit(ctx context.Context, indexID string, split strata.SplitMetadata) error

	// PublishSplits atomically transitions every listed split from Staged
	// to Published and advances the index checkpoint by delta, as a single
	// commit. Fails with PreconditionFailed if delta.From does not match
	// the index's current checkpoint position for delta.Source, or if any
	// split is not Staged (see strata.CheckpointDelta.IsPrefixOf for the
	// idempotent-republish exception).
	PublishSplits(ctx context.Context, indexID string, splitIDs []string, delta strata.CheckpointDelta) error

	// ListSplits returns every split matching state (if non-empty),
	// timeRange, and tags, per the pruning semantics in spec.md §4.4:
	// splits with no time_range/tags always match.
	ListSplits(ctx context.Context, indexID string, state strata.SplitState, timeRange *strata.TimeRange, tags []string) ([]strata.SplitMetadata, error)

	// MarkSplitsForDeletion transitions splits to ScheduledForDeletion.
	// Idempotent: already-ScheduledForDeletion splits are left unchanged.
	MarkSplitsForDeletion(ctx context.Context, indexID string, splitIDs []string) error

	// DeleteSplits removes split rows. Fails with PreconditionFailed for
	// any split not in ScheduledForDeletion.
	DeleteSplits(ctx context.Context, indexID string, splitIDs []string) error
}

// MatchesQuery reports whether split satisfies the list_splits pruning
// semantics for the given time range and tag filter (spec.md §4.4): a split
// with no time_range matches every range, and a split with no tags matches
// every tag filter.
func MatchesQuery(split strata.SplitMetadata, timeRange *strata.TimeRange, tags []string) bool {
	if timeRange != nil && split.TimeRange != nil && !split.TimeRange.Intersects(timeRange) {
		return false
	}
	if len(tags) == 0 || len(split.Tags) == 0 {
		return true
	}
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}
	for _, t := range split.Tags {
		if _, ok := want[t]; ok {
			return true
		}
	}
	return false
}
