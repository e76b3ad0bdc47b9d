package splitformat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/splitformat"
)

func TestBuilderRoundTripsNamedSegments(t *testing.T) {
	b := splitformat.NewBuilder()
	b.AddSegment("documents.jsonl", []byte(`{"doc_id":0,"fields":{"body":"hello"}}`+"\n"))
	b.AddSegment("terms.idx", []byte("unused-in-scan-engine"))

	data, footer, err := b.Build()
	require.NoError(t, err)
	require.True(t, footer.Start < footer.End)
	require.Equal(t, splitformat.Magic, string(data[:4]))

	tail := data[footer.Start:footer.End]
	segments, err := splitformat.ParseTrailer(tail)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	docRange, ok := splitformat.SegmentRange(segments, "documents.jsonl")
	require.True(t, ok)
	require.Equal(t, `{"doc_id":0,"fields":{"body":"hello"}}`+"\n", string(data[docRange.Start:docRange.End]))

	_, ok = splitformat.SegmentRange(segments, "missing")
	require.False(t, ok)
}
