// Package queryengine is the pluggable "embedded index library" spec.md's
// Non-goals explicitly carve out ("full-text analysis and scoring
// algorithms... delegated to an embedded index library"). Engine is the
// seam a real tokenizing/ranking engine would sit behind; Scan is a
// dependency-free reference implementation (case-insensitive substring
// match over a split's stored document segment, scored by match count) that
// lets the rest of the system — leaf execution, merge, fetch_docs — be
// built and tested without pulling in real analysis machinery.
package queryengine

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Document is one stored document inside a split's document segment.
type Document struct {
	DocID  uint32                 `json:"doc_id"`
	Fields map[string]interface{} `json:"fields"`
}

// Match is one document's result against a query, prior to being wrapped
// into a strata.PartialHit by the caller (which also knows the split and
// segment identity).
type Match struct {
	DocID     uint32
	SortValue float64
}

// Engine executes a query against a split's decoded documents.
type Engine interface {
	Execute(docs []Document, query string) []Match
}

// Scan is the reference Engine: linear, case-insensitive substring search
// across every string-valued field, one pass per document.
type Scan struct{}

// Execute implements Engine.
func (Scan) Execute(docs []Document, query string) []Match {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		matches := make([]Match, len(docs))
		for i, d := range docs {
			matches[i] = Match{DocID: d.DocID, SortValue: 1}
		}
		return matches
	}

	var matches []Match
	for _, d := range docs {
		if count := countMatches(d.Fields, needle); count > 0 {
			matches = append(matches, Match{DocID: d.DocID, SortValue: float64(count)})
		}
	}
	return matches
}

func countMatches(fields map[string]interface{}, needle string) int {
	count := 0
	for _, v := range fields {
		switch val := v.(type) {
		case string:
			count += strings.Count(strings.ToLower(val), needle)
		case []interface{}:
			for _, item := range val {
				if s, ok := item.(string); ok {
					count += strings.Count(strings.ToLower(s), needle)
				}
			}
		}
	}
	return count
}

// DecodeDocuments parses a document segment: newline-delimited JSON, one
// Document per line.
func DecodeDocuments(data []byte) ([]Document, error) {
	var docs []Document
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var d Document
		if err := dec.Decode(&d); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// EncodeDocuments serializes docs as newline-delimited JSON, the document
// segment format a split's Builder embeds.
func EncodeDocuments(docs []Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
