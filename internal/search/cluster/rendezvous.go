package cluster

import (
	"hash/fnv"
)

// Peer is one addressable leaf node.
type Peer struct {
	ID   string
	Addr string
}

// weight is the deterministic score peer gets for key under rendezvous
// (highest-random-weight) hashing: a single fnv-1a hash of "key|peer.ID".
// Whichever peer scores highest owns key. Unlike a sorted hash ring, no
// ring rebuild is needed on membership change — only keys owned by the
// peer that changed (removed, or newly added and now highest) move, satisfying
// spec.md §4.7's "node churn only reshuffles neighbors" requirement.
func weight(key, peerID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{'|'})
	h.Write([]byte(peerID))
	return h.Sum64()
}

// Pick returns the peer with the highest rendezvous weight for key among
// peers. Deterministic for a fixed peer set; panics never happen on an
// empty slice, it just returns the zero Peer and false.
func Pick(key string, peers []Peer) (Peer, bool) {
	if len(peers) == 0 {
		return Peer{}, false
	}
	best := peers[0]
	bestWeight := weight(key, best.ID)
	for _, p := range peers[1:] {
		if w := weight(key, p.ID); w > bestWeight {
			best, bestWeight = p, w
		}
	}
	return best, true
}

// PickN returns up to n distinct peers for key, ordered by descending
// rendezvous weight — used for failover: PickN(key, peers, 2)[1] is the
// peer to retry on when PickN(...)[0] fails.
func PickN(key string, peers []Peer, n int) []Peer {
	if n > len(peers) {
		n = len(peers)
	}
	type scored struct {
		peer Peer
		w    uint64
	}
	scoredPeers := make([]scored, len(peers))
	for i, p := range peers {
		scoredPeers[i] = scored{peer: p, w: weight(key, p.ID)}
	}
	// Insertion sort: peer counts per search are small (cluster sizes,
	// not document counts), so O(n^2) beats pulling in sort for n<=a few
	// dozen.
	for i := 1; i < len(scoredPeers); i++ {
		for j := i; j > 0 && scoredPeers[j].w > scoredPeers[j-1].w; j-- {
			scoredPeers[j], scoredPeers[j-1] = scoredPeers[j-1], scoredPeers[j]
		}
	}
	out := make([]Peer, n)
	for i := 0; i < n; i++ {
		out[i] = scoredPeers[i].peer
	}
	return out
}

// Partition assigns each split ID in ids to one peer, distributing so that
// no peer receives more than ceil(len(ids)/len(peers)) splits — spec.md
// §4.7's load-bound partitioning. When the highest-weight peer is already
// at capacity, the split goes to the next-highest-weight peer still under
// capacity.
func Partition(ids []string, peers []Peer) map[string][]string {
	assignment := make(map[string][]string, len(peers))
	if len(peers) == 0 || len(ids) == 0 {
		return assignment
	}
	capacity := (len(ids) + len(peers) - 1) / len(peers)
	load := make(map[string]int, len(peers))

	for _, id := range ids {
		ranked := PickN(id, peers, len(peers))
		for _, p := range ranked {
			if load[p.ID] < capacity {
				assignment[p.ID] = append(assignment[p.ID], id)
				load[p.ID]++
				break
			}
		}
	}
	return assignment
}
