package leaf_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/queryengine"
	"github.com/cuemby/strata/internal/search/cluster"
	"github.com/cuemby/strata/internal/search/leaf"
	"github.com/cuemby/strata/internal/splitformat"
	"github.com/cuemby/strata/internal/storage"
	"github.com/cuemby/strata/internal/storage/ramstore"
	"github.com/cuemby/strata/internal/strata"
)

func buildSplit(t *testing.T, docs []queryengine.Document) ([]byte, strata.FooterOffsets) {
	t.Helper()
	encoded, err := queryengine.EncodeDocuments(docs)
	require.NoError(t, err)

	b := splitformat.NewBuilder()
	b.AddSegment(splitformat.DocumentsSegment, encoded)
	data, footer, err := b.Build()
	require.NoError(t, err)
	return data, footer
}

func newSearcher(t *testing.T) (*leaf.Searcher, *ramstore.Backend) {
	t.Helper()
	backend := ramstore.New("ram://idx")
	resolver := storage.NewRegistry()
	resolver.Register("ram", func(uri string) (storage.Backend, error) { return backend, nil })
	return leaf.New(resolver, nil, "node-1"), backend
}

func TestLeafSearchReturnsPartialHitsSortedByScore(t *testing.T) {
	ctx := context.Background()
	searcher, backend := newSearcher(t)

	data, footer := buildSplit(t, []queryengine.Document{
		{DocID: 0, Fields: map[string]interface{}{"body": "brown fox brown"}},
		{DocID: 1, Fields: map[string]interface{}{"body": "brown"}},
		{DocID: 2, Fields: map[string]interface{}{"body": "nothing here"}},
	})
	require.NoError(t, backend.Put(ctx, "split-a.split", storage.BytesPayload(data)))

	resp, err := searcher.LeafSearch(ctx, &strata.LeafSearchRequest{
		SearchRequest: strata.SearchRequest{Query: "brown", MaxHits: 10},
		SplitMetadata: []strata.SplitMetadata{{SplitID: "split-a", FooterOffsets: footer}},
		IndexURI:      "ram://idx",
	})
	require.NoError(t, err)
	require.Empty(t, resp.FailedSplits)
	require.Equal(t, uint64(2), resp.NumHits)
	require.Len(t, resp.PartialHits, 2)
	require.Equal(t, uint32(0), resp.PartialHits[0].DocID) // scores 2 matches, ranks first
	require.Equal(t, uint32(1), resp.PartialHits[1].DocID)
}

func TestLeafSearchReportsFailedSplitsWithoutAbortingBatch(t *testing.T) {
	ctx := context.Background()
	searcher, backend := newSearcher(t)

	data, footer := buildSplit(t, []queryengine.Document{{DocID: 0, Fields: map[string]interface{}{"body": "match"}}})
	require.NoError(t, backend.Put(ctx, "good.split", storage.BytesPayload(data)))
	// "missing" is never Put, so fetching its footer fails.

	resp, err := searcher.LeafSearch(ctx, &strata.LeafSearchRequest{
		SearchRequest: strata.SearchRequest{Query: "match", MaxHits: 10},
		SplitMetadata: []strata.SplitMetadata{
			{SplitID: "good", FooterOffsets: footer},
			{SplitID: "missing", FooterOffsets: footer},
		},
		IndexURI: "ram://idx",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"missing"}, resp.FailedSplits)
	require.Len(t, resp.PartialHits, 1)
}

func TestFetchDocsResolvesPartialHitsToStoredDocuments(t *testing.T) {
	ctx := context.Background()
	searcher, backend := newSearcher(t)

	data, footer := buildSplit(t, []queryengine.Document{
		{DocID: 0, Fields: map[string]interface{}{"body": "hello"}},
		{DocID: 1, Fields: map[string]interface{}{"body": "world"}},
	})
	require.NoError(t, backend.Put(ctx, "split-a.split", storage.BytesPayload(data)))

	resp, err := searcher.FetchDocs(ctx, &strata.FetchDocsRequest{
		IndexURI:      "ram://idx",
		Hits:          []strata.PartialHit{{SplitID: "split-a", DocID: 1, SortValue: 3}},
		SplitMetadata: []strata.SplitMetadata{{SplitID: "split-a", FooterOffsets: footer}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	require.Contains(t, string(resp.Hits[0].JSONDocument), "world")
	require.Equal(t, float64(3), resp.Hits[0].SortValue)
}

func TestLeafSearchStreamSendsOneChunkPerSplit(t *testing.T) {
	ctx := context.Background()
	searcher, backend := newSearcher(t)

	data, footer := buildSplit(t, []queryengine.Document{{DocID: 0, Fields: map[string]interface{}{"body": "x"}}})
	require.NoError(t, backend.Put(ctx, "split-a.split", storage.BytesPayload(data)))

	rec := &recordingStream{ctx: ctx}
	err := searcher.LeafSearchStream(&strata.LeafSearchRequest{
		SplitMetadata: []strata.SplitMetadata{{SplitID: "split-a", FooterOffsets: footer}},
		IndexURI:      "ram://idx",
	}, rec)
	require.NoError(t, err)
	require.Len(t, rec.chunks, 1)
	require.Equal(t, "split-a", rec.chunks[0].SplitID)
	require.True(t, rec.chunks[0].Final)
}

type recordingStream struct {
	ctx    context.Context
	chunks []*strata.LeafSearchStreamChunk
}

func (r *recordingStream) Send(chunk *strata.LeafSearchStreamChunk) error {
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *recordingStream) Context() context.Context { return r.ctx }

var _ cluster.LeafSearchStreamSender = (*recordingStream)(nil)
