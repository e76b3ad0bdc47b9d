package cluster_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/search/cluster"
)

func peers(n int) []cluster.Peer {
	out := make([]cluster.Peer, n)
	for i := range out {
		out[i] = cluster.Peer{ID: string(rune('a' + i)), Addr: "addr"}
	}
	return out
}

func TestPickIsDeterministic(t *testing.T) {
	ps := peers(5)
	p1, ok1 := cluster.Pick("split-123", ps)
	p2, ok2 := cluster.Pick("split-123", ps)
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, p1, p2)
}

func TestPickOnEmptyPeersReturnsFalse(t *testing.T) {
	_, ok := cluster.Pick("x", nil)
	require.False(t, ok)
}

func TestPickChurnOnlyReshufflesAffectedKeys(t *testing.T) {
	ps := peers(6)
	keys := make([]string, 200)
	before := make(map[string]string, len(keys))
	for i := range keys {
		keys[i] = string(rune('A' + i%26)) + string(rune('0'+i/26))
		p, _ := cluster.Pick(keys[i], ps)
		before[keys[i]] = p.ID
	}

	// Remove one peer; most keys should still land on the same peer.
	fewer := ps[:len(ps)-1]
	removed := ps[len(ps)-1]
	changed := 0
	for _, k := range keys {
		p, _ := cluster.Pick(k, fewer)
		if p.ID != before[k] {
			changed++
			require.Equal(t, removed.ID, before[k])
		}
	}
	// Only keys that were assigned to the removed peer should move.
	require.Less(t, changed, len(keys))
}

func TestPartitionRespectsCapacityBound(t *testing.T) {
	ps := peers(3)
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}

	assignment := cluster.Partition(ids, ps)
	capacity := (len(ids) + len(ps) - 1) / len(ps)
	total := 0
	for _, splitIDs := range assignment {
		require.LessOrEqual(t, len(splitIDs), capacity)
		total += len(splitIDs)
	}
	require.Equal(t, len(ids), total)
}

func TestPartitionOnNoPeersReturnsEmpty(t *testing.T) {
	require.Empty(t, cluster.Partition([]string{"a"}, nil))
}
