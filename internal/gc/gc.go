// Package gc reconciles a metastore index against the files actually
// present under its storage root: splits stuck in Staged or
// ScheduledForDeletion past a grace period, and files on storage no split
// references at all (spec.md §4.6).
//
// Grounded on the teacher's pkg/reconciler/reconciler.go for the
// one-shot-pass shape and "log and continue" tolerance for
// partial failure, and on original_source/quickwit-core/src/index.rs's
// `garbage_collect_index`/`run_garbage_collect` for the two-source
// (state-driven + dangling-file) candidate gathering itself.
package gc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/strata/internal/lifecycle"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/storage"
	"github.com/cuemby/strata/internal/strata"
)

// DeleteConcurrency bounds parallel deletes of dangling files with no
// metastore row of their own.
const DeleteConcurrency = 8

// Result reports one GC pass's outcome.
type Result struct {
	// CandidateEntries is populated only in dry-run mode: every file path
	// that would be deleted.
	CandidateEntries []string
	// DeletedEntries and FailedEntries partition a real (non-dry-run) run.
	DeletedEntries []string
	FailedEntries  []string
}

// Collector runs garbage collection passes against one metastore Store.
type Collector struct {
	store    metastore.Store
	resolver *storage.Registry
	lc       *lifecycle.Engine

	mu          sync.Mutex
	indexLocks  map[string]*sync.Mutex
}

// New builds a Collector. lc is reused to delete candidate split files and
// commit delete_splits once their files are gone.
func New(store metastore.Store, resolver *storage.Registry, lc *lifecycle.Engine) *Collector {
	return &Collector{
		store:      store,
		resolver:   resolver,
		lc:         lc,
		indexLocks: make(map[string]*sync.Mutex),
	}
}

// lockFor serializes concurrent Run calls for the same index_id (SPEC_FULL
// Open Question 3): two GC passes over different indexes proceed in
// parallel; two passes over the same index do not race over the same
// candidate set.
func (c *Collector) lockFor(indexID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.indexLocks[indexID]
	if !ok {
		l = &sync.Mutex{}
		c.indexLocks[indexID] = l
	}
	return l
}

// Run executes one garbage collection pass over indexID.
func (c *Collector) Run(ctx context.Context, indexID string, grace time.Duration, dryRun bool) (Result, error) {
	lock := c.lockFor(indexID)
	lock.Lock()
	defer lock.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.GCPassDuration, indexID)
		metrics.GCPassesTotal.WithLabelValues(indexID).Inc()
	}()

	idx, err := c.store.GetIndex(ctx, indexID)
	if err != nil {
		return Result{}, err
	}
	backend, err := c.resolver.Resolve(idx.IndexURI)
	if err != nil {
		return Result{}, err
	}

	allSplits, err := c.store.ListSplits(ctx, indexID, "", nil, nil)
	if err != nil {
		return Result{}, err
	}

	cutoff := time.Now().Add(-grace)
	danglingCutoff := cutoff
	if idx.RetentionPolicy != nil && idx.RetentionPolicy.Period > grace {
		danglingCutoff = time.Now().Add(-idx.RetentionPolicy.Period)
	}
	referenced := make(map[string]bool, len(allSplits))
	var stateCandidates []strata.SplitMetadata
	for _, sp := range allSplits {
		referenced[strata.SplitFileName(sp.SplitID)] = true
		if sp.SplitState != strata.SplitStateStaged && sp.SplitState != strata.SplitStateScheduledForDeletion {
			continue
		}
		if sp.UpdateTimestamp.After(cutoff) {
			continue // grace-period semantics: a recent Staged split may be mid-publish
		}
		stateCandidates = append(stateCandidates, sp)
	}

	var danglingPaths []string
	if lister, ok := backend.(storage.Lister); ok {
		objs, err := lister.ListObjects(ctx, "")
		if err != nil {
			return Result{}, err
		}
		for _, obj := range objs {
			if referenced[obj.Path] {
				continue
			}
			if obj.HasLastModified && obj.LastModified.After(danglingCutoff) {
				continue // spared: too young, and we can prove it
			}
			danglingPaths = append(danglingPaths, obj.Path)
		}
	} else {
		log.WithComponent("gc").Warn().Str("index_id", indexID).
			Msg("backend does not support listing; dangling-file detection skipped")
	}

	if dryRun {
		candidates := make([]string, 0, len(stateCandidates)+len(danglingPaths))
		for _, sp := range stateCandidates {
			candidates = append(candidates, strata.SplitFileName(sp.SplitID))
		}
		candidates = append(candidates, danglingPaths...)
		return Result{CandidateEntries: candidates}, nil
	}

	return c.mutate(ctx, indexID, stateCandidates, danglingPaths, backend)
}

func (c *Collector) mutate(ctx context.Context, indexID string, stateCandidates []strata.SplitMetadata, danglingPaths []string, backend storage.Backend) (Result, error) {
	var result Result

	var stagedIDs, splitIDs []string
	for _, sp := range stateCandidates {
		splitIDs = append(splitIDs, sp.SplitID)
		if sp.SplitState == strata.SplitStateStaged {
			stagedIDs = append(stagedIDs, sp.SplitID)
		}
	}
	if len(stagedIDs) > 0 {
		if err := c.store.MarkSplitsForDeletion(ctx, indexID, stagedIDs); err != nil {
			return Result{}, err
		}
	}

	if len(splitIDs) > 0 {
		deleteResult, err := c.lc.DeleteWithFiles(ctx, indexID, splitIDs)
		if err != nil {
			return Result{}, err
		}
		for _, id := range deleteResult.DeletedSplitIDs {
			result.DeletedEntries = append(result.DeletedEntries, strata.SplitFileName(id))
		}
		for _, id := range deleteResult.FailedSplitIDs {
			result.FailedEntries = append(result.FailedEntries, strata.SplitFileName(id))
		}
	}

	if len(danglingPaths) > 0 {
		deleted, failed := deleteDangling(ctx, backend, danglingPaths)
		result.DeletedEntries = append(result.DeletedEntries, deleted...)
		result.FailedEntries = append(result.FailedEntries, failed...)
	}

	if n := len(result.DeletedEntries); n > 0 {
		metrics.GCDeletedEntriesTotal.WithLabelValues(indexID).Add(float64(n))
	}
	if n := len(result.FailedEntries); n > 0 {
		metrics.GCFailedEntriesTotal.WithLabelValues(indexID).Add(float64(n))
	}

	return result, nil
}

// deleteDangling removes files with no metastore row of their own, with
// bounded concurrency; a failed delete is logged and reported, never fatal
// to the pass (spec.md §5's GC failure-tolerance invariant).
func deleteDangling(ctx context.Context, backend storage.Backend, paths []string) (deleted, failed []string) {
	deletedFlags := make([]bool, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DeleteConcurrency)

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := backend.Delete(gctx, p); err != nil {
				log.WithComponent("gc").Warn().Str("path", p).Err(err).Msg("failed to delete dangling file")
				return nil
			}
			deletedFlags[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range paths {
		if deletedFlags[i] {
			deleted = append(deleted, p)
		} else {
			failed = append(failed, p)
		}
	}
	return deleted, failed
}
