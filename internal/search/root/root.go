// Package root is the search dispatcher: given a SearchRequest, it loads
// index metadata, partitions the matching published splits across the
// cluster pool, fans LeafSearchRequests out concurrently, merges the
// partial hits, and fetches the winning documents (spec.md §4.7).
//
// Grounded on the teacher's pkg/scheduler/scheduler.go for the "load
// candidates, partition across nodes, handle per-node failure" shape:
// schedule/scheduleService becomes Search/fanOut here, and
// filterSchedulableNodes becomes cluster.Pool.HealthyPeers.
package root

import (
	"context"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/search/cluster"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/strata"
)

// StreamSender receives the chunks SearchStream forwards, in the order they
// arrive at the dispatcher from whichever leaf produced them first — the
// streaming variant's explicit "no global sort" (spec.md §4.7).
type StreamSender interface {
	Send(chunk *strata.LeafSearchStreamChunk) error
}

// Dispatcher implements root_search (Search) and root_search_stream
// (SearchStream) over a metastore and a cluster pool of leaf nodes.
type Dispatcher struct {
	store metastore.Store
	pool  *cluster.Pool
}

// New builds a Dispatcher.
func New(store metastore.Store, pool *cluster.Pool) *Dispatcher {
	return &Dispatcher{store: store, pool: pool}
}

// leafOutcome is one assigned node's result for one fan-out round.
type leafOutcome struct {
	peer     cluster.Peer
	resp     *strata.LeafSearchResponse
	err      error
	splitIDs []string
}

// assignment is what both Search and SearchStream need before fanning
// anything out: the index, its matching published splits keyed by id, the
// healthy peers keyed by id, and the rendezvous-hashed split assignment.
// ok is false when there is nothing to search (no matching splits) and the
// caller should return an empty result without treating it as an error.
func (d *Dispatcher) assign(ctx context.Context, req strata.SearchRequest) (idx strata.IndexMetadata, byID map[string]strata.SplitMetadata, peerByID map[string]cluster.Peer, assignment map[string][]string, ok bool, err error) {
	idx, err = d.store.GetIndex(ctx, req.IndexID)
	if err != nil {
		return idx, nil, nil, nil, false, err
	}

	splits, err := d.store.ListSplits(ctx, req.IndexID, strata.SplitStatePublished, req.TimeRange, req.Tags)
	if err != nil {
		return idx, nil, nil, nil, false, err
	}
	if len(splits) == 0 {
		return idx, nil, nil, nil, false, nil
	}

	byID = make(map[string]strata.SplitMetadata, len(splits))
	ids := make([]string, 0, len(splits))
	for _, sp := range splits {
		byID[sp.SplitID] = sp
		ids = append(ids, sp.SplitID)
	}

	peers := d.pool.HealthyPeers()
	if len(peers) == 0 {
		return idx, nil, nil, nil, false, serrs.Internal.New("root: no healthy leaf nodes available")
	}
	peerByID = make(map[string]cluster.Peer, len(peers))
	for _, p := range peers {
		peerByID[p.ID] = p
	}
	assignment = cluster.Partition(ids, peers)
	return idx, byID, peerByID, assignment, true, nil
}

// Search implements spec.md §4.7 steps 1-7.
func (d *Dispatcher) Search(ctx context.Context, req strata.SearchRequest) (*strata.SearchResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RootSearchDuration)

	idx, byID, peerByID, assignment, ok, err := d.assign(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &strata.SearchResponse{}, nil
	}

	outcomes := d.fanOut(ctx, req, idx, byID, peerByID, assignment)
	hits, numHits, failed, lastSuccess := d.retryFailed(ctx, req, idx, byID, outcomes)

	hits = mergeHits(hits)
	limit := req.StartOffset + req.MaxHits
	if req.StartOffset > 0 && req.StartOffset < len(hits) {
		hits = hits[req.StartOffset:]
	} else if req.StartOffset >= len(hits) {
		hits = nil
	}
	if limit > 0 && len(hits) > req.MaxHits {
		hits = hits[:req.MaxHits]
	}

	resolved, err := d.fetchDocs(ctx, req, idx, hits, byID, lastSuccess)
	if err != nil {
		return nil, err
	}

	return &strata.SearchResponse{Hits: resolved, NumHits: numHits, FailedSplits: failed}, nil
}

// SearchStream implements spec.md §4.7's streaming variant: it assigns
// splits the same way Search does, opens one LeafSearchStream per node
// concurrently, and forwards every chunk downstream in the order it arrives
// at the dispatcher — no merge, no retry, matching the leaf's own "no
// global sort" streaming contract.
func (d *Dispatcher) SearchStream(ctx context.Context, req strata.SearchRequest, sender StreamSender) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RootSearchDuration)

	idx, byID, peerByID, assignment, ok, err := d.assign(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan *strata.LeafSearchStreamChunk)
	g, gctx := errgroup.WithContext(ctx)
	for peerID, splitIDs := range assignment {
		peerID, splitIDs := peerID, splitIDs
		g.Go(func() error {
			return d.streamPeer(gctx, req, idx, byID, peerByID, peerID, splitIDs, chunks)
		})
	}

	go func() {
		_ = g.Wait()
		close(chunks)
	}()

	var sendErr error
	for chunk := range chunks {
		if sendErr != nil {
			continue // keep draining so stuck producers can still unblock and exit
		}
		if err := sender.Send(chunk); err != nil {
			sendErr = err
			cancel() // stop producers now that nothing downstream wants more chunks
		}
	}
	return sendErr
}

// streamPeer opens the streaming RPC against one assigned node and forwards
// every chunk it receives onto out, in receipt order. A failure to reach
// the node, or a mid-stream read error, is logged and tolerated rather than
// aborting the other nodes' streams (SPEC_FULL's partial-failure norm).
func (d *Dispatcher) streamPeer(ctx context.Context, req strata.SearchRequest, idx strata.IndexMetadata, byID map[string]strata.SplitMetadata, peerByID map[string]cluster.Peer, peerID string, splitIDs []string, out chan<- *strata.LeafSearchStreamChunk) error {
	peer, ok := peerByID[peerID]
	if !ok {
		log.WithComponent("root").Warn().Str("peer_id", peerID).Msg("search_stream: peer not found in pool")
		return nil
	}
	client, ok := d.pool.Client(peer)
	if !ok {
		log.WithComponent("root").Warn().Str("peer_id", peerID).Msg("search_stream: peer has no live connection")
		return nil
	}

	stream, err := client.LeafSearchStream(ctx, &strata.LeafSearchRequest{
		SearchRequest: req,
		SplitMetadata: splitMetaFor(splitIDs, byID),
		IndexURI:      idx.IndexURI,
		IndexConfig:   idx.IndexConfig,
	})
	if err != nil {
		log.WithComponent("root").Warn().Str("peer_id", peerID).Err(err).Msg("search_stream: leaf stream open failed")
		return nil
	}

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			log.WithComponent("root").Warn().Str("peer_id", peerID).Err(err).Msg("search_stream: leaf stream read failed")
			return nil
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fanOut issues one LeafSearchRequest per assigned node concurrently.
func (d *Dispatcher) fanOut(ctx context.Context, req strata.SearchRequest, idx strata.IndexMetadata, byID map[string]strata.SplitMetadata, peerByID map[string]cluster.Peer, assignment map[string][]string) []leafOutcome {
	outcomes := make([]leafOutcome, 0, len(assignment))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for peerID, splitIDs := range assignment {
		peerID, splitIDs := peerID, splitIDs
		g.Go(func() error {
			peer, havePeer := peerByID[peerID]
			var client *cluster.LeafClient
			var resp *strata.LeafSearchResponse
			var err error
			var ok bool
			if havePeer {
				client, ok = d.pool.Client(peer)
			}
			if !ok {
				err = serrs.Internal.New("root: peer %s not found in pool", peerID)
			} else {
				resp, err = client.LeafSearch(gctx, &strata.LeafSearchRequest{
					SearchRequest: req,
					SplitMetadata: splitMetaFor(splitIDs, byID),
					IndexURI:      idx.IndexURI,
					IndexConfig:   idx.IndexConfig,
				})
			}
			mu.Lock()
			outcomes = append(outcomes, leafOutcome{peer: peer, resp: resp, err: err, splitIDs: splitIDs})
			mu.Unlock()
			return nil // per-peer failure never aborts the fan-out (handled by retryFailed)
		})
	}
	_ = g.Wait()
	return outcomes
}

// retryFailed implements step 5: splits from a failed leaf, or reported in
// that leaf's failed_splits, are reassigned to a different node and
// re-issued at most once.
func (d *Dispatcher) retryFailed(ctx context.Context, req strata.SearchRequest, idx strata.IndexMetadata, byID map[string]strata.SplitMetadata, outcomes []leafOutcome) ([]strata.PartialHit, uint64, []string, map[string]cluster.Peer) {
	var hits []strata.PartialHit
	var numHits uint64
	lastSuccess := make(map[string]cluster.Peer)
	var retryIDs []string
	excludePeer := make(map[string]cluster.Peer) // split_id -> peer already tried

	for _, o := range outcomes {
		if o.err != nil {
			log.WithComponent("root").Warn().Err(o.err).Msg("leaf search failed, scheduling retry")
			for _, id := range o.splitIDs {
				retryIDs = append(retryIDs, id)
				excludePeer[id] = o.peer
			}
			continue
		}
		numHits += o.resp.NumHits
		hits = append(hits, o.resp.PartialHits...)
		for _, id := range o.splitIDs {
			lastSuccess[id] = o.peer
		}
		for _, id := range o.resp.FailedSplits {
			retryIDs = append(retryIDs, id)
			excludePeer[id] = o.peer
		}
	}

	var failed []string
	for _, id := range retryIDs {
		sp, ok := byID[id]
		if !ok {
			continue
		}
		peer, client, ok := d.pool.Failover(id, excludePeer[id])
		if !ok {
			failed = append(failed, id)
			continue
		}
		resp, err := client.LeafSearch(ctx, &strata.LeafSearchRequest{
			SearchRequest: req,
			SplitMetadata: []strata.SplitMetadata{sp},
			IndexURI:      idx.IndexURI,
			IndexConfig:   idx.IndexConfig,
		})
		if err != nil || containsString(resp.FailedSplits, id) {
			failed = append(failed, id)
			continue
		}
		numHits += resp.NumHits
		hits = append(hits, resp.PartialHits...)
		lastSuccess[id] = peer
	}

	return hits, numHits, failed, lastSuccess
}

// fetchDocs implements step 7: group winning hits by split, fan out
// FetchDocsRequest to the leaf most recently successful for each split.
func (d *Dispatcher) fetchDocs(ctx context.Context, req strata.SearchRequest, idx strata.IndexMetadata, hits []strata.PartialHit, byID map[string]strata.SplitMetadata, lastSuccess map[string]cluster.Peer) ([]strata.Hit, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	bySplit := make(map[string][]strata.PartialHit)
	for _, h := range hits {
		bySplit[h.SplitID] = append(bySplit[h.SplitID], h)
	}

	type splitHits struct {
		splitID string
		docs    map[uint32]strata.Hit
		err     error
	}
	results := make([]splitHits, 0, len(bySplit))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for splitID, splitHitList := range bySplit {
		splitID, splitHitList := splitID, splitHitList
		g.Go(func() error {
			peer, ok := lastSuccess[splitID]
			var client *cluster.LeafClient
			if ok {
				client, ok = d.pool.Client(peer)
			}
			if !ok {
				var found bool
				peer, client, found = d.pool.Pick(splitID)
				if !found {
					mu.Lock()
					results = append(results, splitHits{splitID: splitID, err: serrs.Internal.New("root: no leaf available to fetch docs for split %s", splitID)})
					mu.Unlock()
					return nil
				}
			}

			resp, err := client.FetchDocs(gctx, &strata.FetchDocsRequest{
				IndexURI:      idx.IndexURI,
				IndexConfig:   idx.IndexConfig,
				Hits:          splitHitList,
				SplitMetadata: []strata.SplitMetadata{byID[splitID]},
			})
			docs := make(map[uint32]strata.Hit)
			if err == nil {
				for i, h := range resp.Hits {
					docs[splitHitList[i].DocID] = h
				}
			}
			mu.Lock()
			results = append(results, splitHits{splitID: splitID, docs: docs, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	bySplitDocs := make(map[string]map[uint32]strata.Hit, len(results))
	for _, r := range results {
		if r.err != nil {
			log.WithComponent("root").Warn().Str("split_id", r.splitID).Err(r.err).Msg("fetch_docs failed")
			continue
		}
		bySplitDocs[r.splitID] = r.docs
	}

	resolved := make([]strata.Hit, 0, len(hits))
	for _, h := range hits {
		docs, ok := bySplitDocs[h.SplitID]
		if !ok {
			continue
		}
		if hit, ok := docs[h.DocID]; ok {
			resolved = append(resolved, hit)
		}
	}
	return resolved, nil
}

func splitMetaFor(ids []string, byID map[string]strata.SplitMetadata) []strata.SplitMetadata {
	out := make([]strata.SplitMetadata, 0, len(ids))
	for _, id := range ids {
		if sp, ok := byID[id]; ok {
			out = append(out, sp)
		}
	}
	return out
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// mergeHits implements step 6's tie-break: descending score, ascending
// split_id, ascending doc_id. A k-way merge and a single sort produce the
// same ordering here since partial hits are already deduplicated by
// (split_id, doc_id) uniqueness within one search.
func mergeHits(hits []strata.PartialHit) []strata.PartialHit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].SortValue != hits[j].SortValue {
			return hits[i].SortValue > hits[j].SortValue
		}
		if hits[i].SplitID != hits[j].SplitID {
			return hits[i].SplitID < hits[j].SplitID
		}
		return hits[i].DocID < hits[j].DocID
	})
	return hits
}
