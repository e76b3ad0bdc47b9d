// Package splitformat reads and writes the on-disk split file layout
// described in spec.md's External Interfaces: header magic, version, a
// concatenated bundle of named segments, and a trailer mapping segment name
// to its (offset, length) within the object. The trailer is always read
// first via a tail range GET sized by the split's footer_offsets.
//
// Full-text analysis and scoring are explicit spec.md Non-goals
// ("delegated to an embedded index library"); this package only owns the
// container format, not what's inside a segment. internal/queryengine is
// that embedded index library stand-in.
package splitformat

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/strata"
)

// Magic identifies a split bundle; Version allows the trailer layout to
// change without breaking readers of old splits (spec.md §6's "Breaking
// changes require a version bump").
const (
	Magic   = "QSPL"
	Version = uint32(1)

	trailerLengthSize = 8 // trailing uint64 byte count of the JSON trailer
)

// DocumentsSegment is the name of the segment holding a split's stored
// documents (newline-delimited JSON, see internal/queryengine), the one
// segment both leaf search and fetch_docs read.
const DocumentsSegment = "documents.jsonl"

// Segment is one named region of the bundle, as recorded in the trailer.
type Segment struct {
	Name   string `json:"name"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// trailer is the JSON-encoded footer, written last and read first.
type trailer struct {
	Segments []Segment `json:"segments"`
}

// Builder accumulates named segments and produces one split object.
type Builder struct {
	segments []namedBytes
}

type namedBytes struct {
	name string
	data []byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// AddSegment appends a named segment. Segment order is preserved in the
// final bundle and determines byte offsets.
func (b *Builder) AddSegment(name string, data []byte) {
	b.segments = append(b.segments, namedBytes{name: name, data: data})
}

// Build serializes the header, every segment in insertion order, and the
// trailer, returning the complete object bytes and the FooterOffsets a
// reader needs to fetch just the trailer.
func (b *Builder) Build() ([]byte, strata.FooterOffsets, error) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	if err := binary.Write(&buf, binary.BigEndian, Version); err != nil {
		return nil, strata.FooterOffsets{}, serrs.Internal.Wrap(err)
	}

	header := uint64(buf.Len())
	t := trailer{Segments: make([]Segment, 0, len(b.segments))}
	offset := header
	for _, s := range b.segments {
		t.Segments = append(t.Segments, Segment{Name: s.name, Offset: offset, Length: uint64(len(s.data))})
		buf.Write(s.data)
		offset += uint64(len(s.data))
	}

	trailerStart := offset
	trailerData, err := json.Marshal(t)
	if err != nil {
		return nil, strata.FooterOffsets{}, serrs.Internal.Wrap(err)
	}
	buf.Write(trailerData)

	var lenBuf [trailerLengthSize]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(trailerData)))
	buf.Write(lenBuf[:])

	footer := strata.FooterOffsets{Start: trailerStart, End: uint64(buf.Len())}
	return buf.Bytes(), footer, nil
}

// ParseTrailer decodes the trailer from the tail bytes described by footer
// (the bytes a caller fetched via GetSlice(footer.Start, footer.End)).
func ParseTrailer(tail []byte) (map[string]Segment, error) {
	if len(tail) < trailerLengthSize {
		return nil, serrs.Internal.New("splitformat: trailer tail too short")
	}
	trailerLen := binary.BigEndian.Uint64(tail[len(tail)-trailerLengthSize:])
	body := tail[:len(tail)-trailerLengthSize]
	if uint64(len(body)) < trailerLen {
		return nil, serrs.Internal.New("splitformat: trailer tail shorter than declared length")
	}
	var t trailer
	if err := json.Unmarshal(body[uint64(len(body))-trailerLen:], &t); err != nil {
		return nil, serrs.Internal.Wrap(err)
	}
	out := make(map[string]Segment, len(t.Segments))
	for _, s := range t.Segments {
		out[s.Name] = s
	}
	return out, nil
}

// SegmentRange returns the absolute byte range of a named segment, for the
// caller to fetch with a single GetSlice call.
func SegmentRange(segments map[string]Segment, name string) (strata.FooterOffsets, bool) {
	s, ok := segments[name]
	if !ok {
		return strata.FooterOffsets{}, false
	}
	return strata.FooterOffsets{Start: s.Offset, End: s.Offset + s.Length}, true
}
