// Package lifecycle drives a split through its publish and deletion
// transitions, coordinating the metastore with split files on storage
// (spec.md §4.5).
//
// Grounded on original_source/quickwit-core/src/index.rs's
// `reset_index`/`delete_splits_with_files` shape, expressed with the
// teacher's bounded-goroutine-pool style (pkg/reconciler's per-cycle
// sweep) and golang.org/x/sync/errgroup for the parallel delete fan-out.
package lifecycle

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/storage"
	"github.com/cuemby/strata/internal/strata"
)

// DeleteConcurrency bounds how many split files are deleted from storage in
// parallel during DeleteWithFiles (spec.md §4.5's "bounded concurrency").
const DeleteConcurrency = 8

// Engine implements the lifecycle operations against one metastore Store.
// A single Engine is shared across indexes; nothing here is per-index state.
type Engine struct {
	store     metastore.Store
	resolver  *storage.Registry
	deleteCap int
}

// New builds an Engine over store, resolving each index's backend through
// resolver by its index_uri.
func New(store metastore.Store, resolver *storage.Registry) *Engine {
	return &Engine{store: store, resolver: resolver, deleteCap: DeleteConcurrency}
}

// PublishAfterUpload uploads packaged.Split's file to
// "<index_uri>/<split_id>.split" and, only once the upload is durable, calls
// PublishSplits with the packaged checkpoint delta. If the upload succeeds
// but publish fails with a conflict, the uploaded file is left in place and
// the split remains Staged — the next GC pass is responsible for it
// (spec.md §4.5's "publish-after-upload").
func (e *Engine) PublishAfterUpload(ctx context.Context, indexID string, packaged strata.PackagedSplit, localSplitFile string) error {
	idx, err := e.store.GetIndex(ctx, indexID)
	if err != nil {
		return err
	}
	backend, err := e.resolver.Resolve(idx.IndexURI)
	if err != nil {
		return err
	}

	if err := e.store.StageSplit(ctx, indexID, packaged.Split); err != nil {
		return err
	}

	objectPath := strata.SplitFileName(packaged.Split.SplitID)
	if err := backend.Put(ctx, objectPath, storage.FilePayload(localSplitFile)); err != nil {
		return err
	}
	if _, err := backend.FileNumBytes(ctx, objectPath); err != nil {
		// The file we just wrote cannot be stat'd back: treat as an upload
		// failure rather than risk publishing a split with no file behind it.
		return serrs.IO.Wrap(err)
	}

	err = e.store.PublishSplits(ctx, indexID, []string{packaged.Split.SplitID}, packaged.CheckpointDelta)
	if err != nil && serrs.PreconditionFailed.Has(err) {
		log.WithComponent("lifecycle").Warn().
			Str("index_id", indexID).
			Str("split_id", packaged.Split.SplitID).
			Err(err).
			Msg("publish conflict after upload, split remains staged for GC")
	}
	return err
}

// DeleteResult reports the outcome of DeleteWithFiles.
type DeleteResult struct {
	DeletedSplitIDs []string
	FailedSplitIDs  []string
}

// DeleteWithFiles deletes storage files for every split in splitIDs (which
// must already be ScheduledForDeletion) with bounded concurrency, then
// calls DeleteSplits for exactly the subset whose file-delete succeeded.
// Partial failure is acceptable: the remainder stay ScheduledForDeletion
// for the next pass (spec.md §4.5's "delete-with-files").
func (e *Engine) DeleteWithFiles(ctx context.Context, indexID string, splitIDs []string) (DeleteResult, error) {
	if len(splitIDs) == 0 {
		return DeleteResult{}, nil
	}

	idx, err := e.store.GetIndex(ctx, indexID)
	if err != nil {
		return DeleteResult{}, err
	}
	backend, err := e.resolver.Resolve(idx.IndexURI)
	if err != nil {
		return DeleteResult{}, err
	}

	deleted := make([]bool, len(splitIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.deleteCap)

	for i, id := range splitIDs {
		i, id := i, id
		g.Go(func() error {
			if err := backend.Delete(gctx, strata.SplitFileName(id)); err != nil {
				log.WithComponent("lifecycle").Warn().
					Str("index_id", indexID).Str("split_id", id).Err(err).
					Msg("failed to delete split file, leaving entry scheduled for deletion")
				return nil
			}
			deleted[i] = true
			return nil
		})
	}
	// errgroup.Group.Go's worker bodies never return an error themselves
	// (failures are logged and skipped instead), so Wait returns nil here;
	// the check below is defensive.
	if err := g.Wait(); err != nil {
		return DeleteResult{}, serrs.IO.Wrap(err)
	}

	var result DeleteResult
	for i, id := range splitIDs {
		if deleted[i] {
			result.DeletedSplitIDs = append(result.DeletedSplitIDs, id)
		} else {
			result.FailedSplitIDs = append(result.FailedSplitIDs, id)
		}
	}

	if len(result.DeletedSplitIDs) > 0 {
		if err := e.store.DeleteSplits(ctx, indexID, result.DeletedSplitIDs); err != nil {
			return result, err
		}
	}
	return result, nil
}

// ResetIndex clears every split under indexID: marks all splits for
// deletion regardless of current state, then runs DeleteWithFiles against
// that full set. Grounded on original_source's reset_index, which tolerates
// a partial garbage-removal failure without failing the whole operation.
func (e *Engine) ResetIndex(ctx context.Context, indexID string) (DeleteResult, error) {
	splits, err := e.store.ListSplits(ctx, indexID, "", nil, nil)
	if err != nil {
		return DeleteResult{}, err
	}
	if len(splits) == 0 {
		return DeleteResult{}, nil
	}

	splitIDs := make([]string, len(splits))
	for i, sp := range splits {
		splitIDs[i] = sp.SplitID
	}

	if err := e.store.MarkSplitsForDeletion(ctx, indexID, splitIDs); err != nil {
		return DeleteResult{}, err
	}

	result, err := e.DeleteWithFiles(ctx, indexID, splitIDs)
	if err != nil {
		log.WithComponent("lifecycle").Warn().Str("index_id", indexID).Err(err).
			Msg("reset_index: not every split file could be removed")
	}
	return result, nil
}

// DeleteIndex clears every split via ResetIndex, then removes the index row
// itself — the caller still sees DeleteIndex's usual PreconditionFailed if
// any split survived the reset (e.g. its file-delete failed and it remains
// ScheduledForDeletion), matching spec.md §4.5's "delete_index ... removing
// the index row last".
func (e *Engine) DeleteIndex(ctx context.Context, indexID string) error {
	if _, err := e.ResetIndex(ctx, indexID); err != nil {
		return err
	}
	return e.store.DeleteIndex(ctx, indexID)
}
