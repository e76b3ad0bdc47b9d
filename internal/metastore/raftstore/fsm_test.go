package raftstore

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/metastore/filestore"
	"github.com/cuemby/strata/internal/storage/ramstore"
	"github.com/cuemby/strata/internal/strata"
)

// applyCmd is a test helper that mirrors what Store.propose does, minus the
// raft log itself: marshal a Command, hand it to the FSM as a committed
// raft.Log entry. This exercises the Apply dispatch switch in isolation.
func applyCmd(t *testing.T, fsm *SplitFSM, op string, args interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(args)
	require.NoError(t, err)
	cmdData, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: cmdData})
}

func TestSplitFSMDispatchesEveryCommand(t *testing.T) {
	local := filestore.New(ramstore.New("ram://metastore"))
	fsm := NewSplitFSM(local)

	res := applyCmd(t, fsm, opCreateIndex, strata.IndexMetadata{IndexID: "logs"})
	require.Nil(t, res)

	res = applyCmd(t, fsm, opStageSplit, stageSplitArgs{
		IndexID: "logs",
		Split:   strata.SplitMetadata{SplitID: "split-1"},
	})
	require.Nil(t, res)

	res = applyCmd(t, fsm, opPublishSplits, publishSplitsArgs{
		IndexID:  "logs",
		SplitIDs: []string{"split-1"},
		Delta:    strata.CheckpointDelta{Source: "kafka-0", To: 10},
	})
	require.Nil(t, res)

	res = applyCmd(t, fsm, opMarkSplitsForDeletion, splitIDsArgs{IndexID: "logs", SplitIDs: []string{"split-1"}})
	require.Nil(t, res)

	res = applyCmd(t, fsm, opDeleteSplits, splitIDsArgs{IndexID: "logs", SplitIDs: []string{"split-1"}})
	require.Nil(t, res)

	res = applyCmd(t, fsm, opDeleteIndex, "logs")
	require.Nil(t, res)
}

func TestSplitFSMUnknownCommandReturnsError(t *testing.T) {
	local := filestore.New(ramstore.New("ram://metastore"))
	fsm := NewSplitFSM(local)

	cmdData, err := json.Marshal(Command{Op: "not_a_real_op"})
	require.NoError(t, err)
	res := fsm.Apply(&raft.Log{Data: cmdData})
	err, ok := res.(error)
	require.True(t, ok)
	require.Contains(t, err.Error(), "unknown command")
}
