package strata

// SearchRequest is the root dispatcher's public entry point (SPEC_FULL §4.7).
type SearchRequest struct {
	IndexID     string     `json:"index_id"`
	Query       string     `json:"query"`
	Tags        []string   `json:"tags,omitempty"`
	TimeRange   *TimeRange `json:"time_range,omitempty"`
	MaxHits     int        `json:"max_hits"`
	StartOffset int        `json:"start_offset"`
	SortBy      string     `json:"sort_by,omitempty"`
}

// PartialHit is one leaf's unresolved match: enough to sort and merge, not
// enough to render — the stored-fields lookup happens later in fetch_docs.
type PartialHit struct {
	SortValue  float64 `json:"sort_value"`
	SplitID    string  `json:"split_id"`
	SegmentOrd uint32  `json:"segment_ord"`
	DocID      uint32  `json:"doc_id"`
}

// Hit is a PartialHit resolved to its stored document.
type Hit struct {
	JSONDocument []byte  `json:"json_document"`
	SplitID      string  `json:"split_id"`
	SortValue    float64 `json:"sort_value"`
}

// SearchResponse is root_search's result: enough hits to fill the page, the
// total count across every split searched, and the splits that failed.
type SearchResponse struct {
	Hits         []Hit    `json:"hits"`
	NumHits      uint64   `json:"num_hits"`
	FailedSplits []string `json:"failed_splits,omitempty"`
}

// LeafSearchRequest is root's fan-out unit: one request per assigned node,
// naming exactly the splits that node is responsible for this round.
type LeafSearchRequest struct {
	SearchRequest SearchRequest   `json:"search_request"`
	SplitMetadata []SplitMetadata `json:"split_metadata"`
	IndexURI      string          `json:"index_uri"`
	IndexConfig   string          `json:"index_config"`
}

// LeafSearchResponse is the leaf's reply: whatever it found, plus which of
// its assigned splits it could not search.
type LeafSearchResponse struct {
	PartialHits  []PartialHit `json:"partial_hits"`
	NumHits      uint64       `json:"num_hits"`
	FailedSplits []string     `json:"failed_splits,omitempty"`
}

// LeafSearchStreamChunk is one arrival in the streaming variant: a raw byte
// chunk from a single split, forwarded downstream in arrival order with no
// global sort (spec.md §4.7's streaming variant).
type LeafSearchStreamChunk struct {
	SplitID string `json:"split_id"`
	Data    []byte `json:"data"`
	Final   bool   `json:"final"`
}

// FetchDocsRequest asks a leaf to resolve a batch of PartialHits to their
// stored JSON documents. SplitMetadata carries the FooterOffsets fetch_docs
// needs to locate each hit's split without a second metastore round trip.
type FetchDocsRequest struct {
	IndexURI      string          `json:"index_uri"`
	IndexConfig   string          `json:"index_config"`
	Hits          []PartialHit    `json:"hits"`
	SplitMetadata []SplitMetadata `json:"split_metadata"`
}

// FetchDocsResponse is fetch_docs' reply, one Hit per requested PartialHit,
// in the same order.
type FetchDocsResponse struct {
	Hits []Hit `json:"hits"`
}
