// Package cluster holds the root dispatcher's view of the leaf fleet: a
// health-checked gRPC connection pool (Pool), rendezvous-hash split
// assignment (rendezvous.go), and the leaf RPC client/server wiring
// (client.go, service.go, codec.go).
//
// Grounded on the teacher's pkg/client/client.go for the grpc.ClientConn
// wrapper shape and pkg/health/health.go for the consecutive-failure
// Status tracking, generalized from a single manager connection to a
// pool of peer connections refreshed out-of-band.
package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/strata/internal/log"
)

// HealthConfig mirrors the teacher's health.Config shape: interval,
// timeout, and a consecutive-failure threshold before a peer is marked
// unhealthy.
type HealthConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// DefaultHealthConfig matches the teacher's health.DefaultConfig cadence.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{Interval: 5 * time.Second, Timeout: 2 * time.Second, Retries: 3}
}

// peerConn pairs a dialed connection with its health bookkeeping.
type peerConn struct {
	peer Peer
	conn *grpc.ClientConn

	mu                  sync.Mutex
	consecutiveFailures int
	healthy             bool
}

// state is the read-mostly snapshot swapped wholesale on Refresh, per
// spec.md §5's "Cluster pool: read-mostly atomic snapshot; updates replace
// the whole snapshot."
type state struct {
	peers []Peer
	conns map[string]*peerConn
}

// Pool is the root dispatcher's handle to the leaf fleet.
type Pool struct {
	snapshot atomic.Pointer[state]
	cfg      HealthConfig
	dialOpts []grpc.DialOption

	stopCh chan struct{}
}

// NewPool builds an empty Pool. Call Refresh to populate it.
func NewPool(cfg HealthConfig, dialOpts ...grpc.DialOption) *Pool {
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	p := &Pool{cfg: cfg, dialOpts: dialOpts, stopCh: make(chan struct{})}
	p.snapshot.Store(&state{conns: make(map[string]*peerConn)})
	return p
}

// Refresh replaces the pool's peer set wholesale: new peers are dialed,
// peers no longer present are closed, peers that persist keep their
// existing connection and health state.
func (p *Pool) Refresh(peers []Peer) error {
	old := p.snapshot.Load()
	next := &state{peers: peers, conns: make(map[string]*peerConn, len(peers))}

	for _, peer := range peers {
		if existing, ok := old.conns[peer.ID]; ok && existing.peer.Addr == peer.Addr {
			next.conns[peer.ID] = existing
			continue
		}
		conn, err := grpc.NewClient(peer.Addr, p.dialOpts...)
		if err != nil {
			return err
		}
		next.conns[peer.ID] = &peerConn{peer: peer, conn: conn, healthy: true}
	}

	p.snapshot.Store(next)

	for id, pc := range old.conns {
		if _, stillPresent := next.conns[id]; !stillPresent {
			pc.conn.Close()
		}
	}
	return nil
}

// Peers returns the current peer list.
func (p *Pool) Peers() []Peer {
	return p.snapshot.Load().peers
}

// HealthyPeers returns the current peer list minus any peer whose
// consecutive-failure count has crossed the configured threshold.
func (p *Pool) HealthyPeers() []Peer {
	s := p.snapshot.Load()
	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		if pc, ok := s.conns[peer.ID]; ok && pc.isHealthy() {
			out = append(out, peer)
		}
	}
	return out
}

func (pc *peerConn) isHealthy() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.healthy
}

func (pc *peerConn) recordResult(cfg HealthConfig, ok bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if ok {
		pc.consecutiveFailures = 0
		pc.healthy = true
		return
	}
	pc.consecutiveFailures++
	if pc.consecutiveFailures >= cfg.Retries {
		pc.healthy = false
	}
}

// Client returns the LeafClient for a peer, or false if the current
// snapshot holds no connection for it; connections are dialed only in
// Refresh.
func (p *Pool) Client(peer Peer) (*LeafClient, bool) {
	s := p.snapshot.Load()
	pc, ok := s.conns[peer.ID]
	if !ok {
		return nil, false
	}
	return NewLeafClient(pc.conn), true
}

// Pick is rendezvous hashing over the currently healthy peers, satisfying
// spec.md §4.7's "pick(key) -> client" contract.
func (p *Pool) Pick(key string) (Peer, *LeafClient, bool) {
	healthy := p.HealthyPeers()
	peer, ok := Pick(key, healthy)
	if !ok {
		return Peer{}, nil, false
	}
	client, ok := p.Client(peer)
	return peer, client, ok
}

// Failover returns the next-best peer for key among the healthy set,
// excluding exclude — spec.md §4.7's "pick on a stale view returning an
// unreachable client triggers a single failover to the next peer in
// rendezvous order."
func (p *Pool) Failover(key string, exclude Peer) (Peer, *LeafClient, bool) {
	healthy := p.HealthyPeers()
	ranked := PickN(key, healthy, len(healthy))
	for _, peer := range ranked {
		if peer.ID == exclude.ID {
			continue
		}
		client, ok := p.Client(peer)
		return peer, client, ok
	}
	return Peer{}, nil, false
}

// StartHealthChecks launches a background loop that probes every peer on
// cfg.Interval via a gRPC health-check style Connect wait, updating each
// peer's consecutive-failure count.
func (p *Pool) StartHealthChecks() {
	go p.healthLoop()
}

// StopHealthChecks stops the background loop started by StartHealthChecks.
func (p *Pool) StopHealthChecks() {
	close(p.stopCh)
}

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) probeAll() {
	s := p.snapshot.Load()
	for _, pc := range s.conns {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		ok := probe(ctx, pc.conn)
		cancel()
		pc.recordResult(p.cfg, ok)
		if !ok {
			log.WithComponent("cluster").Warn().Str("peer_id", pc.peer.ID).Str("addr", pc.peer.Addr).
				Int("consecutive_failures", pc.consecutiveFailures).Msg("leaf health probe failed")
		}
	}
}

// probe waits for the connection to report a connected or idle state
// within the context deadline, a lightweight stand-in for a dedicated
// health-check RPC since no grpc_health_v1 service is registered for this
// domain.
func probe(ctx context.Context, conn *grpc.ClientConn) bool {
	state := conn.GetState()
	if state.String() == "READY" || state.String() == "IDLE" {
		return true
	}
	conn.Connect()
	for {
		if !conn.WaitForStateChange(ctx, state) {
			return false
		}
		state = conn.GetState()
		if state.String() == "READY" || state.String() == "IDLE" {
			return true
		}
	}
}

// Close tears down every pooled connection.
func (p *Pool) Close() error {
	s := p.snapshot.Load()
	var firstErr error
	for _, pc := range s.conns {
		if err := pc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
