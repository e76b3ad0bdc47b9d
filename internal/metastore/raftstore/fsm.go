// Package raftstore is the optional HA metastore layer: a hashicorp/raft
// replicated log in front of a local metastore.Store, so writes commit only
// once a quorum of metastore replicas has them durably logged.
//
// Grounded on the teacher's pkg/manager/fsm.go (WarrenFSM): same
// Command{Op, Data} envelope, the same json.Unmarshal-then-dispatch Apply
// switch, and the same snapshot/restore shape — generalized from Warren's
// cluster-resource commands to the split lifecycle's commands.
package raftstore

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/strata"
)

// Command is one entry in the raft log: an operation name plus its
// JSON-encoded arguments.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreateIndex           = "create_index"
	opDeleteIndex           = "delete_index"
	opStageSplit            = "stage_split"
	opPublishSplits         = "publish_splits"
	opMarkSplitsForDeletion = "mark_splits_for_deletion"
	opDeleteSplits          = "delete_splits"
)

type publishSplitsArgs struct {
	IndexID  string                 `json:"index_id"`
	SplitIDs []string               `json:"split_ids"`
	Delta    strata.CheckpointDelta `json:"delta"`
}

type stageSplitArgs struct {
	IndexID string               `json:"index_id"`
	Split   strata.SplitMetadata `json:"split"`
}

type splitIDsArgs struct {
	IndexID  string   `json:"index_id"`
	SplitIDs []string `json:"split_ids"`
}

// SplitFSM applies committed log entries to a local metastore.Store. It is
// itself not goroutine-safe against concurrent Apply calls from raft (raft
// serializes those); Apply still takes mu as a defensive measure.
// Snapshot/Restore are no-ops and take no lock.
type SplitFSM struct {
	mu    sync.RWMutex
	local metastore.Store
}

// NewSplitFSM wraps local, the non-replicated store raft commands are
// applied against on every node.
func NewSplitFSM(local metastore.Store) *SplitFSM {
	return &SplitFSM{local: local}
}

// Apply decodes and dispatches one committed raft log entry. raft's
// callback carries no context of its own; every metastore.Store method
// remains independently cancellation-aware for direct (non-replicated)
// callers.
func (f *SplitFSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ctx := context.Background()

	switch cmd.Op {
	case opCreateIndex:
		var meta strata.IndexMetadata
		if err := json.Unmarshal(cmd.Data, &meta); err != nil {
			return err
		}
		return f.local.CreateIndex(ctx, meta)

	case opDeleteIndex:
		var indexID string
		if err := json.Unmarshal(cmd.Data, &indexID); err != nil {
			return err
		}
		return f.local.DeleteIndex(ctx, indexID)

	case opStageSplit:
		var args stageSplitArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.local.StageSplit(ctx, args.IndexID, args.Split)

	case opPublishSplits:
		var args publishSplitsArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.local.PublishSplits(ctx, args.IndexID, args.SplitIDs, args.Delta)

	case opMarkSplitsForDeletion:
		var args splitIDsArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.local.MarkSplitsForDeletion(ctx, args.IndexID, args.SplitIDs)

	case opDeleteSplits:
		var args splitIDsArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.local.DeleteSplits(ctx, args.IndexID, args.SplitIDs)

	default:
		return &unknownCommandError{op: cmd.Op}
	}
}

type unknownCommandError struct{ op string }

func (e *unknownCommandError) Error() string { return "raftstore: unknown command: " + e.op }

// Snapshot is unsupported: the underlying metastore.Store backends
// (boltstore, filestore) are themselves durable, so Snapshot returns an
// empty snapshot rather than a copy of the FSM state. Restore only closes
// the reader it is given.
func (f *SplitFSM) Snapshot() (raft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}

func (f *SplitFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}
