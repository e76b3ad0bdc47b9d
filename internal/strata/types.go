// Package strata holds the data model shared by every component: indexes,
// splits, checkpoints, and the packaged-split hand-off between the indexer
// and the uploader stage of the lifecycle engine.
package strata

import (
	"time"

	"github.com/cuemby/strata/internal/serrs"
)

// ErrCheckpointConflict is returned by Checkpoint.Apply when delta.From does
// not match the source's current position (optimistic-concurrency conflict).
var ErrCheckpointConflict = serrs.PreconditionFailed.New("checkpoint conflict")

// SplitState is a node in the split state machine described in SPEC_FULL §3.
type SplitState string

const (
	SplitStateNew                   SplitState = "new"
	SplitStateStaged                SplitState = "staged"
	SplitStatePublished             SplitState = "published"
	SplitStateScheduledForDeletion  SplitState = "scheduled_for_deletion"
)

// FooterOffsets is the byte range of a split file's trailer.
type FooterOffsets struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// TimeRange is an inclusive range over a split's designated timestamp field.
// A nil *TimeRange means the split carries no timestamp field and must be
// treated as matching every query range (SPEC_FULL §4.4 pruning semantics).
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Intersects reports whether r and other share any instant.
func (r *TimeRange) Intersects(other *TimeRange) bool {
	if r == nil || other == nil {
		return true
	}
	return r.Start <= other.End && other.Start <= r.End
}

// SplitMetadata is the metastore's row for one immutable split.
type SplitMetadata struct {
	SplitID         string        `json:"split_id"`
	IndexID         string        `json:"index_id"`
	ReplacedSplitIDs []string     `json:"replaced_split_ids,omitempty"`
	TimeRange       *TimeRange    `json:"time_range,omitempty"`
	NumDocs         uint64        `json:"num_docs"`
	SizeInBytes     uint64        `json:"size_in_bytes"`
	Tags            []string      `json:"tags,omitempty"`
	FooterOffsets   FooterOffsets `json:"footer_offsets"`
	DocMappingUID   string        `json:"doc_mapping_uid,omitempty"`
	CreateTimestamp time.Time     `json:"create_timestamp"`
	UpdateTimestamp time.Time     `json:"update_timestamp"`
	SplitState      SplitState    `json:"split_state"`
}

// TagSet returns s.Tags as a set for intersection tests.
func (s *SplitMetadata) TagSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Tags))
	for _, t := range s.Tags {
		set[t] = struct{}{}
	}
	return set
}

// SplitFileName is the object name a split's file is stored under relative
// to its index's URI.
func SplitFileName(splitID string) string {
	return splitID + ".split"
}

// RetentionPolicy widens the grace period GC applies to dangling files under
// an index, beyond the caller-supplied grace period, when present.
type RetentionPolicy struct {
	Period   time.Duration `json:"period"`
	Schedule string        `json:"schedule,omitempty"`
}

// CheckpointDelta is a per-source monotonic range [From, To) committed
// atomically with a publish_splits call.
type CheckpointDelta struct {
	Source string `json:"source"`
	From   int64  `json:"from"`
	To     int64  `json:"to"`
}

// IsPrefixOf reports whether d is already fully covered by applied, i.e.
// d.From >= applied.From and d.To <= applied.To for the same source. Used to
// decide idempotent re-publish (SPEC_FULL Open Question 1).
func (d CheckpointDelta) IsPrefixOf(applied CheckpointDelta) bool {
	return d.Source == applied.Source && d.From >= applied.From && d.To <= applied.To
}

// Checkpoint maps source partitions to the next unconsumed position.
type Checkpoint map[string]int64

// Clone returns an independent copy of c.
func (c Checkpoint) Clone() Checkpoint {
	out := make(Checkpoint, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Apply advances the checkpoint by delta, returning a new Checkpoint and an
// error if delta.From does not match the current position for delta.Source.
func (c Checkpoint) Apply(delta CheckpointDelta) (Checkpoint, error) {
	current := c[delta.Source]
	if delta.From != current {
		return nil, ErrCheckpointConflict
	}
	next := c.Clone()
	next[delta.Source] = delta.To
	return next, nil
}

// IndexMetadata is the metastore's row for one index.
type IndexMetadata struct {
	IndexID         string           `json:"index_id"`
	IndexURI        string           `json:"index_uri"`
	IndexConfig     string           `json:"index_config"`
	Checkpoint      Checkpoint       `json:"checkpoint"`
	RetentionPolicy *RetentionPolicy `json:"retention_policy,omitempty"`
}

// PackagedSplit is the in-memory hand-off between the indexer and the
// uploader: split metadata plus a scratch directory of built files and the
// checkpoint delta to commit atomically with the eventual publish.
type PackagedSplit struct {
	Split        SplitMetadata
	ScratchDir   string
	CheckpointDelta CheckpointDelta
}
