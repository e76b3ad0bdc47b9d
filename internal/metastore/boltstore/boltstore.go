// Package boltstore is the bbolt-backed Store implementation for
// single-node deployments: one on-disk database, one nested bucket pair per
// index (meta + splits), ACID transactions care of bbolt itself.
//
// Grounded on the teacher's pkg/storage/boltdb.go, which uses the identical
// create-bucket-per-collection / json.Marshal-into-Put shape for a different
// domain (nodes, services, containers). The nested-bucket-per-index layout
// generalizes that flat per-kind bucket scheme to per-index isolation.
package boltstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/strata"
)

var (
	bucketIndexes = []byte("indexes")
	keyMeta       = []byte("meta")
	bucketSplits  = []byte("splits")
)

// Store is a bbolt-backed metastore.Store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at <dataDir>/metastore.db.
func Open(dataDir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "metastore.db"), 0o600, nil)
	if err != nil {
		return nil, serrs.IO.Wrap(err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndexes)
		return err
	}); err != nil {
		db.Close()
		return nil, serrs.IO.Wrap(err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) indexBucket(tx *bolt.Tx, indexID string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket(bucketIndexes)
	if create {
		return root.CreateBucketIfNotExists([]byte(indexID))
	}
	b := root.Bucket([]byte(indexID))
	if b == nil {
		return nil, serrs.NotFound.New("metastore: index not found: %s", indexID)
	}
	return b, nil
}

func (s *Store) CreateIndex(_ context.Context, meta strata.IndexMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketIndexes)
		if root.Bucket([]byte(meta.IndexID)) != nil {
			return serrs.AlreadyExists.New("metastore: index already exists: %s", meta.IndexID)
		}
		b, err := root.CreateBucket([]byte(meta.IndexID))
		if err != nil {
			return serrs.IO.Wrap(err)
		}
		if _, err := b.CreateBucketIfNotExists(bucketSplits); err != nil {
			return serrs.IO.Wrap(err)
		}
		if meta.Checkpoint == nil {
			meta.Checkpoint = strata.Checkpoint{}
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return serrs.Internal.Wrap(err)
		}
		return b.Put(keyMeta, data)
	})
}

func (s *Store) GetIndex(_ context.Context, indexID string) (strata.IndexMetadata, error) {
	var meta strata.IndexMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.indexBucket(tx, indexID, false)
		if err != nil {
			return err
		}
		return json.Unmarshal(b.Get(keyMeta), &meta)
	})
	return meta, err
}

func (s *Store) putIndexMeta(tx *bolt.Tx, b *bolt.Bucket, meta strata.IndexMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	return b.Put(keyMeta, data)
}

func (s *Store) DeleteIndex(_ context.Context, indexID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.indexBucket(tx, indexID, false)
		if err != nil {
			return err
		}
		splits := b.Bucket(bucketSplits)
		if splits.Stats().KeyN > 0 {
			return serrs.PreconditionFailed.New("metastore: index %s still has splits", indexID)
		}
		return tx.Bucket(bucketIndexes).DeleteBucket([]byte(indexID))
	})
}

func (s *Store) StageSplit(_ context.Context, indexID string, split strata.SplitMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.indexBucket(tx, indexID, false)
		if err != nil {
			return err
		}
		splits := b.Bucket(bucketSplits)
		if splits.Get([]byte(split.SplitID)) != nil {
			return serrs.AlreadyExists.New("metastore: split already exists: %s", split.SplitID)
		}
		now := time.Now()
		split.SplitState = strata.SplitStateStaged
		split.CreateTimestamp = now
		split.UpdateTimestamp = now
		data, err := json.Marshal(split)
		if err != nil {
			return serrs.Internal.Wrap(err)
		}
		return splits.Put([]byte(split.SplitID), data)
	})
}

func (s *Store) getSplitLocked(splits *bolt.Bucket, splitID string) (strata.SplitMetadata, error) {
	var sp strata.SplitMetadata
	data := splits.Get([]byte(splitID))
	if data == nil {
		return sp, serrs.NotFound.New("metastore: split not found: %s", splitID)
	}
	return sp, json.Unmarshal(data, &sp)
}

func (s *Store) PublishSplits(_ context.Context, indexID string, splitIDs []string, delta strata.CheckpointDelta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.indexBucket(tx, indexID, false)
		if err != nil {
			return err
		}
		var meta strata.IndexMetadata
		if err := json.Unmarshal(b.Get(keyMeta), &meta); err != nil {
			return serrs.Internal.Wrap(err)
		}

		splits := b.Bucket(bucketSplits)
		loaded := make([]strata.SplitMetadata, len(splitIDs))
		allAlreadyPublished := true
		for i, id := range splitIDs {
			data := splits.Get([]byte(id))
			if data == nil {
				return serrs.NotFound.New("metastore: split not found: %s", id)
			}
			var sp strata.SplitMetadata
			if err := json.Unmarshal(data, &sp); err != nil {
				return serrs.Internal.Wrap(err)
			}
			if sp.SplitState == strata.SplitStatePublished {
				// Open Question 1: idempotent only if delta is already covered.
				current := strata.CheckpointDelta{Source: delta.Source, From: 0, To: meta.Checkpoint[delta.Source]}
				if !delta.IsPrefixOf(current) {
					return serrs.PreconditionFailed.New("metastore: split %s already published, delta not a prefix", id)
				}
			} else if sp.SplitState != strata.SplitStateStaged {
				return serrs.PreconditionFailed.New("metastore: split %s not staged: %s", id, sp.SplitState)
			} else {
				allAlreadyPublished = false
			}
			loaded[i] = sp
		}
		if allAlreadyPublished {
			// Every split was already Published and its delta is a prefix of
			// what's already checkpointed: a no-op retry of an earlier
			// publish. Applying the delta again would reject it as stale.
			return nil
		}

		next, err := meta.Checkpoint.Apply(delta)
		if err != nil {
			return serrs.PreconditionFailed.Wrap(err)
		}

		now := time.Now()
		for i, id := range splitIDs {
			loaded[i].SplitState = strata.SplitStatePublished
			loaded[i].UpdateTimestamp = now
			data, err := json.Marshal(loaded[i])
			if err != nil {
				return serrs.Internal.Wrap(err)
			}
			if err := splits.Put([]byte(id), data); err != nil {
				return serrs.IO.Wrap(err)
			}
		}
		meta.Checkpoint = next
		return s.putIndexMeta(tx, b, meta)
	})
}

func (s *Store) ListSplits(_ context.Context, indexID string, state strata.SplitState, timeRange *strata.TimeRange, tags []string) ([]strata.SplitMetadata, error) {
	var out []strata.SplitMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.indexBucket(tx, indexID, false)
		if err != nil {
			return err
		}
		splits := b.Bucket(bucketSplits)
		return splits.ForEach(func(_, v []byte) error {
			var sp strata.SplitMetadata
			if err := json.Unmarshal(v, &sp); err != nil {
				return serrs.Internal.Wrap(err)
			}
			if state != "" && sp.SplitState != state {
				return nil
			}
			if !metastore.MatchesQuery(sp, timeRange, tags) {
				return nil
			}
			out = append(out, sp)
			return nil
		})
	})
	return out, err
}

func (s *Store) MarkSplitsForDeletion(_ context.Context, indexID string, splitIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.indexBucket(tx, indexID, false)
		if err != nil {
			return err
		}
		splits := b.Bucket(bucketSplits)
		now := time.Now()
		for _, id := range splitIDs {
			sp, err := s.getSplitLocked(splits, id)
			if err != nil {
				return err
			}
			if sp.SplitState == strata.SplitStateScheduledForDeletion {
				continue
			}
			sp.SplitState = strata.SplitStateScheduledForDeletion
			sp.UpdateTimestamp = now
			data, err := json.Marshal(sp)
			if err != nil {
				return serrs.Internal.Wrap(err)
			}
			if err := splits.Put([]byte(id), data); err != nil {
				return serrs.IO.Wrap(err)
			}
		}
		return nil
	})
}

func (s *Store) DeleteSplits(_ context.Context, indexID string, splitIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.indexBucket(tx, indexID, false)
		if err != nil {
			return err
		}
		splits := b.Bucket(bucketSplits)
		for _, id := range splitIDs {
			sp, err := s.getSplitLocked(splits, id)
			if err != nil {
				return err
			}
			if sp.SplitState != strata.SplitStateScheduledForDeletion {
				return serrs.PreconditionFailed.New("metastore: split %s not scheduled for deletion", id)
			}
		}
		for _, id := range splitIDs {
			if err := splits.Delete([]byte(id)); err != nil {
				return serrs.IO.Wrap(err)
			}
		}
		return nil
	})
}
