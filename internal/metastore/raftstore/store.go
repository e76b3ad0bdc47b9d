package raftstore

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/strata"
)

// Config configures a replicated metastore node.
type Config struct {
	NodeID   string
	DataDir  string
	BindAddr string
	Bootstrap bool // true on the first node of a new cluster
}

// Store is a raft-replicated metastore.Store: writes are proposed as log
// entries and only return once committed to a quorum; reads are served
// directly from the local replica (eventually-consistent read-your-writes
// is not guaranteed across a leadership change, matching raft's usual
// linearizable-writes/stale-reads tradeoff).
type Store struct {
	raft  *raft.Raft
	fsm   *SplitFSM
	local metastore.Store

	applyTimeout time.Duration
}

// Open starts (or rejoins) a raft node and wraps local as its FSM target.
func Open(cfg Config, local metastore.Store) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, serrs.IO.Wrap(err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, serrs.InvalidArgument.Wrap(err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, serrs.IO.Wrap(err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, serrs.IO.Wrap(err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, serrs.IO.Wrap(err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, serrs.IO.Wrap(err)
	}

	fsm := NewSplitFSM(local)

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, serrs.IO.Wrap(err)
	}

	if cfg.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, serrs.IO.Wrap(err)
		}
	}

	return &Store{raft: r, fsm: fsm, local: local, applyTimeout: 10 * time.Second}, nil
}

// Join adds a voter to the cluster; must be called against the leader.
func (s *Store) Join(nodeID, addr string) error {
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	return serrs.IO.Wrap(future.Error())
}

func (s *Store) propose(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	if s.raft.State() != raft.Leader {
		return serrs.PreconditionFailed.New("raftstore: not leader, current leader: %s", s.raft.Leader())
	}
	future := s.raft.Apply(data, s.applyTimeout)
	if err := future.Error(); err != nil {
		return serrs.IO.Wrap(err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

func (s *Store) CreateIndex(_ context.Context, meta strata.IndexMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	return s.propose(Command{Op: opCreateIndex, Data: data})
}

func (s *Store) GetIndex(ctx context.Context, indexID string) (strata.IndexMetadata, error) {
	return s.local.GetIndex(ctx, indexID)
}

func (s *Store) DeleteIndex(_ context.Context, indexID string) error {
	data, err := json.Marshal(indexID)
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	return s.propose(Command{Op: opDeleteIndex, Data: data})
}

func (s *Store) StageSplit(_ context.Context, indexID string, split strata.SplitMetadata) error {
	data, err := json.Marshal(stageSplitArgs{IndexID: indexID, Split: split})
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	return s.propose(Command{Op: opStageSplit, Data: data})
}

func (s *Store) PublishSplits(_ context.Context, indexID string, splitIDs []string, delta strata.CheckpointDelta) error {
	data, err := json.Marshal(publishSplitsArgs{IndexID: indexID, SplitIDs: splitIDs, Delta: delta})
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	return s.propose(Command{Op: opPublishSplits, Data: data})
}

func (s *Store) ListSplits(ctx context.Context, indexID string, state strata.SplitState, timeRange *strata.TimeRange, tags []string) ([]strata.SplitMetadata, error) {
	return s.local.ListSplits(ctx, indexID, state, timeRange, tags)
}

func (s *Store) MarkSplitsForDeletion(_ context.Context, indexID string, splitIDs []string) error {
	data, err := json.Marshal(splitIDsArgs{IndexID: indexID, SplitIDs: splitIDs})
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	return s.propose(Command{Op: opMarkSplitsForDeletion, Data: data})
}

func (s *Store) DeleteSplits(_ context.Context, indexID string, splitIDs []string) error {
	data, err := json.Marshal(splitIDsArgs{IndexID: indexID, SplitIDs: splitIDs})
	if err != nil {
		return serrs.Internal.Wrap(err)
	}
	return s.propose(Command{Op: opDeleteSplits, Data: data})
}

// Shutdown gracefully stops the raft node.
func (s *Store) Shutdown() error {
	return serrs.IO.Wrap(s.raft.Shutdown().Error())
}
