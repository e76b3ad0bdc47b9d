package root_test

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/search/cluster"
	"github.com/cuemby/strata/internal/search/root"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/strata"
)

// fakeStore is a minimal metastore.Store exercising only what Dispatcher
// actually calls: GetIndex and ListSplits.
type fakeStore struct {
	idx    strata.IndexMetadata
	splits []strata.SplitMetadata
}

func (f *fakeStore) CreateIndex(context.Context, strata.IndexMetadata) error { return nil }
func (f *fakeStore) GetIndex(_ context.Context, indexID string) (strata.IndexMetadata, error) {
	if indexID != f.idx.IndexID {
		return strata.IndexMetadata{}, serrs.NotFound.New("no such index")
	}
	return f.idx, nil
}
func (f *fakeStore) DeleteIndex(context.Context, string) error { return nil }
func (f *fakeStore) StageSplit(context.Context, string, strata.SplitMetadata) error { return nil }
func (f *fakeStore) PublishSplits(context.Context, string, []string, strata.CheckpointDelta) error {
	return nil
}
func (f *fakeStore) ListSplits(_ context.Context, _ string, state strata.SplitState, _ *strata.TimeRange, _ []string) ([]strata.SplitMetadata, error) {
	var out []strata.SplitMetadata
	for _, sp := range f.splits {
		if state == "" || sp.SplitState == state {
			out = append(out, sp)
		}
	}
	return out, nil
}
func (f *fakeStore) MarkSplitsForDeletion(context.Context, string, []string) error { return nil }
func (f *fakeStore) DeleteSplits(context.Context, string, []string) error          { return nil }

var _ metastore.Store = (*fakeStore)(nil)

// stubLeaf returns one PartialHit per assigned split, with a sort_value
// derived deterministically from the split id so merge order is
// predictable, and echoes back a synthetic document on fetch_docs.
type stubLeaf struct {
	scoreOf map[string]float64
}

func (s *stubLeaf) LeafSearch(_ context.Context, req *strata.LeafSearchRequest) (*strata.LeafSearchResponse, error) {
	var hits []strata.PartialHit
	for _, sp := range req.SplitMetadata {
		hits = append(hits, strata.PartialHit{SplitID: sp.SplitID, DocID: 0, SortValue: s.scoreOf[sp.SplitID]})
	}
	return &strata.LeafSearchResponse{PartialHits: hits, NumHits: uint64(len(hits))}, nil
}

func (s *stubLeaf) FetchDocs(_ context.Context, req *strata.FetchDocsRequest) (*strata.FetchDocsResponse, error) {
	hits := make([]strata.Hit, len(req.Hits))
	for i, h := range req.Hits {
		hits[i] = strata.Hit{SplitID: h.SplitID, SortValue: h.SortValue, JSONDocument: []byte(`{"split":"` + h.SplitID + `"}`)}
	}
	return &strata.FetchDocsResponse{Hits: hits}, nil
}

// LeafSearchStream sends one chunk per assigned split, each carrying the
// split id as its payload so tests can assert every split was forwarded.
func (s *stubLeaf) LeafSearchStream(req *strata.LeafSearchRequest, stream cluster.LeafSearchStreamSender) error {
	for _, sp := range req.SplitMetadata {
		if err := stream.Send(&strata.LeafSearchStreamChunk{SplitID: sp.SplitID, Data: []byte(sp.SplitID), Final: true}); err != nil {
			return err
		}
	}
	return nil
}

func startLeaf(t *testing.T, svc cluster.LeafService) (*bufconn.Listener, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	cluster.RegisterLeafService(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	return lis, srv.Stop
}

func TestSearchMergesAndResolvesHitsFromSingleLeaf(t *testing.T) {
	lis, stop := startLeaf(t, &stubLeaf{scoreOf: map[string]float64{"split-a": 1, "split-b": 5}})
	defer stop()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	pool := cluster.NewPool(cluster.DefaultHealthConfig(),
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, pool.Refresh([]cluster.Peer{{ID: "node-1", Addr: "passthrough:///bufconn"}}))

	store := &fakeStore{
		idx: strata.IndexMetadata{IndexID: "idx-1", IndexURI: "ram://idx-1"},
		splits: []strata.SplitMetadata{
			{SplitID: "split-a", IndexID: "idx-1", SplitState: strata.SplitStatePublished},
			{SplitID: "split-b", IndexID: "idx-1", SplitState: strata.SplitStatePublished},
		},
	}

	dispatcher := root.New(store, pool)
	resp, err := dispatcher.Search(context.Background(), strata.SearchRequest{
		IndexID: "idx-1", Query: "anything", MaxHits: 10,
	})
	require.NoError(t, err)
	require.Empty(t, resp.FailedSplits)
	require.Equal(t, uint64(2), resp.NumHits)
	require.Len(t, resp.Hits, 2)
	// split-b scored higher, so it must come first in the merged order.
	require.Equal(t, "split-b", resp.Hits[0].SplitID)
	require.Equal(t, "split-a", resp.Hits[1].SplitID)
}

func TestSearchOnIndexWithNoPublishedSplitsReturnsEmptyResult(t *testing.T) {
	lis, stop := startLeaf(t, &stubLeaf{scoreOf: map[string]float64{}})
	defer stop()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	pool := cluster.NewPool(cluster.DefaultHealthConfig(),
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, pool.Refresh([]cluster.Peer{{ID: "node-1", Addr: "bufconn"}}))

	store := &fakeStore{idx: strata.IndexMetadata{IndexID: "idx-1", IndexURI: "ram://idx-1"}}
	dispatcher := root.New(store, pool)

	resp, err := dispatcher.Search(context.Background(), strata.SearchRequest{IndexID: "idx-1", MaxHits: 10})
	require.NoError(t, err)
	require.Zero(t, resp.NumHits)
	require.Empty(t, resp.Hits)
}

func TestSearchFailsWhenNoHealthyLeavesAvailable(t *testing.T) {
	pool := cluster.NewPool(cluster.DefaultHealthConfig())
	store := &fakeStore{
		idx: strata.IndexMetadata{IndexID: "idx-1", IndexURI: "ram://idx-1"},
		splits: []strata.SplitMetadata{
			{SplitID: "split-a", IndexID: "idx-1", SplitState: strata.SplitStatePublished},
		},
	}
	dispatcher := root.New(store, pool)

	_, err := dispatcher.Search(context.Background(), strata.SearchRequest{IndexID: "idx-1", MaxHits: 10})
	require.Error(t, err)
}

// collectingSender implements root.StreamSender by appending every chunk it
// receives to a slice, guarded by a mutex since SearchStream's consumer loop
// is the only caller but tests want to assert against the result safely.
type collectingSender struct {
	mu     sync.Mutex
	chunks []*strata.LeafSearchStreamChunk
}

func (c *collectingSender) Send(chunk *strata.LeafSearchStreamChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return nil
}

func TestSearchStreamForwardsEveryLeafChunk(t *testing.T) {
	lis, stop := startLeaf(t, &stubLeaf{})
	defer stop()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	pool := cluster.NewPool(cluster.DefaultHealthConfig(),
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, pool.Refresh([]cluster.Peer{{ID: "node-1", Addr: "passthrough:///bufconn"}}))

	store := &fakeStore{
		idx: strata.IndexMetadata{IndexID: "idx-1", IndexURI: "ram://idx-1"},
		splits: []strata.SplitMetadata{
			{SplitID: "split-a", IndexID: "idx-1", SplitState: strata.SplitStatePublished},
			{SplitID: "split-b", IndexID: "idx-1", SplitState: strata.SplitStatePublished},
		},
	}

	dispatcher := root.New(store, pool)
	sender := &collectingSender{}
	err := dispatcher.SearchStream(context.Background(), strata.SearchRequest{IndexID: "idx-1", Query: "anything"}, sender)
	require.NoError(t, err)

	got := make(map[string]bool)
	for _, c := range sender.chunks {
		got[c.SplitID] = true
	}
	require.Len(t, sender.chunks, 2)
	require.True(t, got["split-a"])
	require.True(t, got["split-b"])
}

func TestSearchStreamOnIndexWithNoPublishedSplitsSendsNothing(t *testing.T) {
	lis, stop := startLeaf(t, &stubLeaf{})
	defer stop()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	pool := cluster.NewPool(cluster.DefaultHealthConfig(),
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, pool.Refresh([]cluster.Peer{{ID: "node-1", Addr: "bufconn"}}))

	store := &fakeStore{idx: strata.IndexMetadata{IndexID: "idx-1", IndexURI: "ram://idx-1"}}
	dispatcher := root.New(store, pool)

	sender := &collectingSender{}
	err := dispatcher.SearchStream(context.Background(), strata.SearchRequest{IndexID: "idx-1"}, sender)
	require.NoError(t, err)
	require.Empty(t, sender.chunks)
}
