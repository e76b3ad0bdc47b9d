// Package leaf is the leaf searcher: given a batch of splits assigned by
// the root dispatcher, it executes the query against each split
// concurrently (bounded by CPU), produces partial hits, and resolves
// partial hits to stored documents on fetch_docs (spec.md §4.8).
//
// Grounded on the teacher's pkg/worker/worker.go for the bounded
// per-item concurrent execution and partial-failure collection shape
// (executeContainer's per-task isolation becomes per-split isolation
// here), and pkg/worker/health_monitor.go for per-item status tracking
// feeding a batch-level summary (failed_splits plays that role).
package leaf

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/queryengine"
	"github.com/cuemby/strata/internal/search/cluster"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/splitformat"
	"github.com/cuemby/strata/internal/storage"
	"github.com/cuemby/strata/internal/strata"
)

// byteReader is the slice of storage.Backend (and *cache.Cache) this
// package actually needs — read-only byte-range access. Declared locally
// so either a raw backend or the read-through cache satisfies it. It is an
// alias of the interface literal, so a func literal outside this package
// that returns the same interface literal converts to CacheFactory.
type byteReader = interface {
	GetSlice(ctx context.Context, path string, r storage.ByteRange) ([]byte, error)
	GetAll(ctx context.Context, path string) ([]byte, error)
}

// CacheFactory builds (or returns an existing) cached byteReader in front
// of a resolved backend for one index URI. Passed in rather than
// constructed here so Searcher doesn't need to know cache.Options.
type CacheFactory func(indexURI string, backend storage.Backend) byteReader

// Searcher is the leaf-side implementation of cluster.LeafService.
type Searcher struct {
	resolver *storage.Registry
	cacheFor CacheFactory
	engine   queryengine.Engine
	nodeID   string
}

// New builds a Searcher. cacheFor may be nil, in which case splits are read
// directly off the resolved backend with no caching tier.
func New(resolver *storage.Registry, cacheFor CacheFactory, nodeID string) *Searcher {
	if cacheFor == nil {
		cacheFor = func(_ string, backend storage.Backend) byteReader { return backend }
	}
	return &Searcher{resolver: resolver, cacheFor: cacheFor, engine: queryengine.Scan{}, nodeID: nodeID}
}

var _ cluster.LeafService = (*Searcher)(nil)

type splitResult struct {
	splitID string
	matches []queryengine.Match
	err     error
}

// LeafSearch implements spec.md §4.8: for each assigned split, open it via
// the (cached) storage and run the query locally, then merge every split's
// matches, sort them, and truncate to start_offset+max_hits as the batch's
// local top-K.
func (s *Searcher) LeafSearch(ctx context.Context, req *strata.LeafSearchRequest) (*strata.LeafSearchResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LeafSearchDuration, s.nodeID)

	backend, err := s.resolver.Resolve(req.IndexURI)
	if err != nil {
		return nil, err
	}
	reader := s.cacheFor(req.IndexURI, backend)

	results := make([]splitResult, len(req.SplitMetadata))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, sp := range req.SplitMetadata {
		i, sp := i, sp
		g.Go(func() error {
			matches, err := s.searchSplit(gctx, reader, sp, req.SearchRequest.Query)
			results[i] = splitResult{splitID: sp.SplitID, matches: matches, err: err}
			return nil // per-split errors never abort the batch (spec.md §4.8)
		})
	}
	_ = g.Wait()

	limit := req.SearchRequest.StartOffset + req.SearchRequest.MaxHits
	var hits []strata.PartialHit
	var numHits uint64
	var failed []string
	for _, r := range results {
		if r.err != nil {
			log.WithComponent("leaf").Warn().Str("split_id", r.splitID).Err(r.err).Msg("split search failed")
			metrics.LeafSearchFailuresTotal.WithLabelValues(s.nodeID).Inc()
			failed = append(failed, r.splitID)
			continue
		}
		metrics.SplitsSearchedTotal.Inc()
		numHits += uint64(len(r.matches))
		for _, m := range r.matches {
			hits = append(hits, strata.PartialHit{SortValue: m.SortValue, SplitID: r.splitID, DocID: m.DocID})
		}
	}

	sortHits(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	return &strata.LeafSearchResponse{PartialHits: hits, NumHits: numHits, FailedSplits: failed}, nil
}

// searchSplit fetches one split's trailer and document segment and runs
// the query engine over its documents, returning every match; LeafSearch
// bounds the result to start_offset+max_hits only after merging all splits.
func (s *Searcher) searchSplit(ctx context.Context, reader byteReader, sp strata.SplitMetadata, query string) ([]queryengine.Match, error) {
	tail, err := reader.GetSlice(ctx, splitPath(sp.SplitID), storage.ByteRange{Start: sp.FooterOffsets.Start, End: sp.FooterOffsets.End})
	if err != nil {
		return nil, err
	}
	segments, err := splitformat.ParseTrailer(tail)
	if err != nil {
		return nil, err
	}
	docRange, ok := splitformat.SegmentRange(segments, splitformat.DocumentsSegment)
	if !ok {
		return nil, serrs.Internal.New("leaf: split %s has no document segment", sp.SplitID)
	}
	data, err := reader.GetSlice(ctx, splitPath(sp.SplitID), storage.ByteRange{Start: docRange.Start, End: docRange.End})
	if err != nil {
		return nil, err
	}
	docs, err := queryengine.DecodeDocuments(data)
	if err != nil {
		return nil, err
	}
	return s.engine.Execute(docs, query), nil
}

func splitPath(splitID string) string { return strata.SplitFileName(splitID) }

// sortHits orders by descending score, then ascending split id, then
// ascending doc id — spec.md §4.7's default tie-break rule, applied here
// too since a leaf's own local top-K must use the same order the root's
// merge expects.
func sortHits(hits []strata.PartialHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].SortValue != hits[j].SortValue {
			return hits[i].SortValue > hits[j].SortValue
		}
		if hits[i].SplitID != hits[j].SplitID {
			return hits[i].SplitID < hits[j].SplitID
		}
		return hits[i].DocID < hits[j].DocID
	})
}

// FetchDocs implements spec.md §4.8's fetch_docs: resolve each PartialHit
// to its stored JSON document by re-opening its split's document segment.
func (s *Searcher) FetchDocs(ctx context.Context, req *strata.FetchDocsRequest) (*strata.FetchDocsResponse, error) {
	backend, err := s.resolver.Resolve(req.IndexURI)
	if err != nil {
		return nil, err
	}
	reader := s.cacheFor(req.IndexURI, backend)

	bySplit := make(map[string]strata.SplitMetadata, len(req.SplitMetadata))
	for _, sp := range req.SplitMetadata {
		bySplit[sp.SplitID] = sp
	}

	var mu sync.Mutex
	docCache := make(map[string][]queryengine.Document)

	hits := make([]strata.Hit, len(req.Hits))
	for i, ph := range req.Hits {
		sp, ok := bySplit[ph.SplitID]
		if !ok {
			return nil, serrs.Internal.New("leaf: fetch_docs missing split_metadata for %s", ph.SplitID)
		}

		mu.Lock()
		docs, cached := docCache[ph.SplitID]
		mu.Unlock()
		if !cached {
			fetched, err := s.fetchDocuments(ctx, reader, sp)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			docCache[ph.SplitID] = fetched
			mu.Unlock()
			docs = fetched
		}

		doc, found := findDoc(docs, ph.DocID)
		if !found {
			return nil, serrs.NotFound.New("leaf: doc_id %d not found in split %s", ph.DocID, ph.SplitID)
		}
		jsonDoc, err := queryengine.EncodeDocuments([]queryengine.Document{doc})
		if err != nil {
			return nil, err
		}
		hits[i] = strata.Hit{JSONDocument: jsonDoc, SplitID: ph.SplitID, SortValue: ph.SortValue}
	}

	return &strata.FetchDocsResponse{Hits: hits}, nil
}

func (s *Searcher) fetchDocuments(ctx context.Context, reader byteReader, sp strata.SplitMetadata) ([]queryengine.Document, error) {
	tail, err := reader.GetSlice(ctx, splitPath(sp.SplitID), storage.ByteRange{Start: sp.FooterOffsets.Start, End: sp.FooterOffsets.End})
	if err != nil {
		return nil, err
	}
	segments, err := splitformat.ParseTrailer(tail)
	if err != nil {
		return nil, err
	}
	docRange, ok := splitformat.SegmentRange(segments, splitformat.DocumentsSegment)
	if !ok {
		return nil, serrs.Internal.New("leaf: split %s has no document segment", sp.SplitID)
	}
	data, err := reader.GetSlice(ctx, splitPath(sp.SplitID), storage.ByteRange{Start: docRange.Start, End: docRange.End})
	if err != nil {
		return nil, err
	}
	return queryengine.DecodeDocuments(data)
}

func findDoc(docs []queryengine.Document, docID uint32) (queryengine.Document, bool) {
	for _, d := range docs {
		if d.DocID == docID {
			return d, true
		}
	}
	return queryengine.Document{}, false
}

// LeafSearchStream implements the streaming variant: each split's result is
// sent as soon as it's ready, in arrival order, with no merge (spec.md
// §4.7's streaming variant: "no global sort").
func (s *Searcher) LeafSearchStream(req *strata.LeafSearchRequest, stream cluster.LeafSearchStreamSender) error {
	backend, err := s.resolver.Resolve(req.IndexURI)
	if err != nil {
		return err
	}
	reader := s.cacheFor(req.IndexURI, backend)

	for _, sp := range req.SplitMetadata {
		data, err := s.fetchDocuments(stream.Context(), reader, sp)
		if err != nil {
			log.WithComponent("leaf").Warn().Str("split_id", sp.SplitID).Err(err).Msg("stream split failed")
			continue
		}
		encoded, err := queryengine.EncodeDocuments(data)
		if err != nil {
			return err
		}
		if err := stream.Send(&strata.LeafSearchStreamChunk{SplitID: sp.SplitID, Data: encoded, Final: true}); err != nil {
			return err
		}
	}
	return nil
}
