// Package filestore is the file-backed metastore.Store: one JSON document
// per index at "<index_id>/metastore.json" on a storage.Backend, enumerated
// by a "quickwit.json" manifest at the backend's root (spec.md §6's
// file-backed metastore URI layout). Every mutation is a full read-modify-
// write of the index's document, serialized per index by an in-process
// mutex and written with temp-file+rename durability.
//
// Grounded on the teacher's deployment style of writing small JSON state
// documents directly to a storage backend rather than embedding a database
// (see cmd/warren's config-file handling); the per-index single-writer lock
// follows pkg/manager/fsm.go's mutex-guarded Apply.
package filestore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/storage"
	"github.com/cuemby/strata/internal/strata"
)

const manifestPath = "quickwit.json"

type document struct {
	Index  strata.IndexMetadata     `json:"index"`
	Splits map[string]strata.SplitMetadata `json:"splits"`
}

func documentPath(indexID string) string {
	return indexID + "/metastore.json"
}

// manifest is the root-level enumeration of every known index.
type manifest struct {
	IndexIDs []string `json:"index_ids"`
}

// Store is a storage.Backend-backed metastore.Store.
type Store struct {
	backend storage.Backend

	mu    sync.Mutex // serializes manifest updates and guards locks map
	locks map[string]*sync.Mutex
}

// New builds a filestore over backend, which holds the metastore root (one
// "quickwit.json" manifest plus one subdirectory-like prefix per index).
func New(backend storage.Backend) *Store {
	return &Store{backend: backend, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(indexID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[indexID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[indexID] = l
	}
	return l
}

func (s *Store) readManifest(ctx context.Context) (manifest, error) {
	data, err := s.backend.GetAll(ctx, manifestPath)
	if err != nil {
		if serrs.NotFound.Has(err) {
			return manifest{}, nil
		}
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, serrs.Internal.Wrap(err)
	}
	return m, nil
}

func (s *Store) writeManifest(ctx context.Context, m manifest) error {
	sort.Strings(m.IndexIDs)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	return s.backend.Put(ctx, manifestPath, storage.BytesPayload(data))
}

func (s *Store) readDocument(ctx context.Context, indexID string) (document, error) {
	data, err := s.backend.GetAll(ctx, documentPath(indexID))
	if err != nil {
		if serrs.NotFound.Has(err) {
			return document{}, serrs.NotFound.New("metastore: index not found: %s", indexID)
		}
		return document{}, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, serrs.Internal.Wrap(err)
	}
	if doc.Splits == nil {
		doc.Splits = make(map[string]strata.SplitMetadata)
	}
	return doc, nil
}

func (s *Store) writeDocument(ctx context.Context, indexID string, doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	return s.backend.Put(ctx, documentPath(indexID), storage.BytesPayload(data))
}

func (s *Store) CreateIndex(ctx context.Context, meta strata.IndexMetadata) error {
	lock := s.lockFor(meta.IndexID)
	lock.Lock()
	defer lock.Unlock()

	if exists, err := s.backend.Exists(ctx, documentPath(meta.IndexID)); err != nil {
		return err
	} else if exists {
		return serrs.AlreadyExists.New("metastore: index already exists: %s", meta.IndexID)
	}

	if meta.Checkpoint == nil {
		meta.Checkpoint = strata.Checkpoint{}
	}
	if err := s.writeDocument(ctx, meta.IndexID, document{Index: meta, Splits: map[string]strata.SplitMetadata{}}); err != nil {
		return err
	}

	m, err := s.readManifest(ctx)
	if err != nil {
		return err
	}
	m.IndexIDs = append(m.IndexIDs, meta.IndexID)
	return s.writeManifest(ctx, m)
}

func (s *Store) GetIndex(ctx context.Context, indexID string) (strata.IndexMetadata, error) {
	doc, err := s.readDocument(ctx, indexID)
	if err != nil {
		return strata.IndexMetadata{}, err
	}
	return doc.Index, nil
}

func (s *Store) DeleteIndex(ctx context.Context, indexID string) error {
	lock := s.lockFor(indexID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.readDocument(ctx, indexID)
	if err != nil {
		return err
	}
	if len(doc.Splits) > 0 {
		return serrs.PreconditionFailed.New("metastore: index %s still has splits", indexID)
	}
	if err := s.backend.Delete(ctx, documentPath(indexID)); err != nil {
		return err
	}

	m, err := s.readManifest(ctx)
	if err != nil {
		return err
	}
	filtered := m.IndexIDs[:0]
	for _, id := range m.IndexIDs {
		if id != indexID {
			filtered = append(filtered, id)
		}
	}
	m.IndexIDs = filtered
	return s.writeManifest(ctx, m)
}

func (s *Store) StageSplit(ctx context.Context, indexID string, split strata.SplitMetadata) error {
	lock := s.lockFor(indexID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.readDocument(ctx, indexID)
	if err != nil {
		return err
	}
	if _, exists := doc.Splits[split.SplitID]; exists {
		return serrs.AlreadyExists.New("metastore: split already exists: %s", split.SplitID)
	}
	now := time.Now()
	split.SplitState = strata.SplitStateStaged
	split.CreateTimestamp = now
	split.UpdateTimestamp = now
	doc.Splits[split.SplitID] = split
	return s.writeDocument(ctx, indexID, doc)
}

func (s *Store) PublishSplits(ctx context.Context, indexID string, splitIDs []string, delta strata.CheckpointDelta) error {
	lock := s.lockFor(indexID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.readDocument(ctx, indexID)
	if err != nil {
		return err
	}

	allAlreadyPublished := true
	for _, id := range splitIDs {
		sp, ok := doc.Splits[id]
		if !ok {
			return serrs.NotFound.New("metastore: split not found: %s", id)
		}
		if sp.SplitState == strata.SplitStatePublished {
			current := strata.CheckpointDelta{Source: delta.Source, From: 0, To: doc.Index.Checkpoint[delta.Source]}
			if !delta.IsPrefixOf(current) {
				return serrs.PreconditionFailed.New("metastore: split %s already published, delta not a prefix", id)
			}
			continue
		}
		if sp.SplitState != strata.SplitStateStaged {
			return serrs.PreconditionFailed.New("metastore: split %s not staged: %s", id, sp.SplitState)
		}
		allAlreadyPublished = false
	}
	if allAlreadyPublished {
		// Every split was already Published and its delta is a prefix of
		// what's already checkpointed: a no-op retry of an earlier publish,
		// not a new one. Applying the delta again would reject it as stale.
		return nil
	}

	next, err := doc.Index.Checkpoint.Apply(delta)
	if err != nil {
		return serrs.PreconditionFailed.Wrap(err)
	}

	now := time.Now()
	for _, id := range splitIDs {
		sp := doc.Splits[id]
		sp.SplitState = strata.SplitStatePublished
		sp.UpdateTimestamp = now
		doc.Splits[id] = sp
	}
	doc.Index.Checkpoint = next
	return s.writeDocument(ctx, indexID, doc)
}

func (s *Store) ListSplits(ctx context.Context, indexID string, state strata.SplitState, timeRange *strata.TimeRange, tags []string) ([]strata.SplitMetadata, error) {
	doc, err := s.readDocument(ctx, indexID)
	if err != nil {
		return nil, err
	}
	var out []strata.SplitMetadata
	for _, sp := range doc.Splits {
		if state != "" && sp.SplitState != state {
			continue
		}
		if !metastore.MatchesQuery(sp, timeRange, tags) {
			continue
		}
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SplitID < out[j].SplitID })
	return out, nil
}

func (s *Store) MarkSplitsForDeletion(ctx context.Context, indexID string, splitIDs []string) error {
	lock := s.lockFor(indexID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.readDocument(ctx, indexID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, id := range splitIDs {
		sp, ok := doc.Splits[id]
		if !ok {
			return serrs.NotFound.New("metastore: split not found: %s", id)
		}
		if sp.SplitState == strata.SplitStateScheduledForDeletion {
			continue
		}
		sp.SplitState = strata.SplitStateScheduledForDeletion
		sp.UpdateTimestamp = now
		doc.Splits[id] = sp
	}
	return s.writeDocument(ctx, indexID, doc)
}

func (s *Store) DeleteSplits(ctx context.Context, indexID string, splitIDs []string) error {
	lock := s.lockFor(indexID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.readDocument(ctx, indexID)
	if err != nil {
		return err
	}
	for _, id := range splitIDs {
		sp, ok := doc.Splits[id]
		if !ok {
			return serrs.NotFound.New("metastore: split not found: %s", id)
		}
		if sp.SplitState != strata.SplitStateScheduledForDeletion {
			return serrs.PreconditionFailed.New("metastore: split %s not scheduled for deletion", id)
		}
	}
	for _, id := range splitIDs {
		delete(doc.Splits, id)
	}
	return s.writeDocument(ctx, indexID, doc)
}
