// Package cluster holds the static cluster configuration and the
// per-peer runtime state shared by the wire, peer link, election and
// recovery components. It is the "single owned cluster context passed
// by reference into every task on thread B" called for in spec.md's
// design notes -- no package-level globals, no hidden singletons.
package cluster

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"replicore/internal/activeops"
	"replicore/internal/wire"
)

// outboxCapacity bounds the per-peer send_queue so a wedged link
// cannot grow memory without bound; callers should treat a full
// outbox as backpressure rather than block the replication thread
// indefinitely.
const outboxCapacity = 4096

// HostID is the small stable integer identifier assigned to each peer,
// host_id in [0, N) with N <= 16.
type HostID uint8

// MaxHosts is the hard cap on cluster size (spec.md §3).
const MaxHosts = 16

// PeerDescriptor is one entry of the static cluster configuration.
type PeerDescriptor struct {
	HostID HostID
	Addr   string
	Local  bool
}

// Config is the ordered, static cluster configuration loaded at
// startup. It never mutates after NewConfig returns.
type Config struct {
	Peers   []PeerDescriptor
	LocalID HostID
}

// NewConfig builds a Config from an ordered peer list, validating the
// invariants spec.md §3 requires of cluster configuration.
func NewConfig(peers []PeerDescriptor) (*Config, error) {
	if len(peers) == 0 {
		return nil, errors.New("cluster: empty peer list")
	}
	if len(peers) > MaxHosts {
		return nil, errors.Errorf("cluster: %d peers exceeds max of %d", len(peers), MaxHosts)
	}
	seen := make(map[HostID]bool, len(peers))
	localFound := false
	var localID HostID
	for _, p := range peers {
		if seen[p.HostID] {
			return nil, errors.Errorf("cluster: duplicate host_id %d", p.HostID)
		}
		seen[p.HostID] = true
		if int(p.HostID) >= len(peers) {
			return nil, errors.Errorf("cluster: host_id %d out of range [0,%d)", p.HostID, len(peers))
		}
		if p.Local {
			if localFound {
				return nil, errors.New("cluster: more than one peer marked local")
			}
			localFound = true
			localID = p.HostID
		}
	}
	if !localFound {
		return nil, errors.New("cluster: no peer marked local")
	}
	cfg := &Config{Peers: append([]PeerDescriptor(nil), peers...), LocalID: localID}
	return cfg, nil
}

// ParseReplicaList parses the "replica" / "local" configuration keys
// from spec.md §6: replica is a semicolon-separated list of peer URIs
// in host_id order, local is the URI identifying this node.
func ParseReplicaList(replica, local string) (*Config, error) {
	addrs := strings.Split(replica, ";")
	peers := make([]PeerDescriptor, 0, len(addrs))
	for i, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		peers = append(peers, PeerDescriptor{
			HostID: HostID(i),
			Addr:   addr,
			Local:  addr == local,
		})
	}
	return NewConfig(peers)
}

func (c *Config) NumHosts() int { return len(c.Peers) }

func (c *Config) Descriptor(id HostID) (PeerDescriptor, bool) {
	for _, p := range c.Peers {
		if p.HostID == id {
			return p, true
		}
	}
	return PeerDescriptor{}, false
}

// Quorum reports whether count peers (including self) form a strict
// majority of the cluster.
func (c *Config) Quorum(count int) bool {
	return 2*count > c.NumHosts()
}

// Connectivity is the per-peer link state from spec.md §3.
type Connectivity int

const (
	Down     Connectivity = 0 // no link
	HalfUp   Connectivity = 1 // one half of the duplex up
	Up       Connectivity = 2 // both halves up, counted toward quorum
)

// PeerState is the mutable, per-host runtime record described in
// spec.md §3: connectivity, durable GSN, divergence CRC and the
// ordered queues C2 must preserve. One PeerState exists per host,
// including self.
type PeerState struct {
	mu sync.Mutex

	HostID      HostID
	Connected   Connectivity
	GSN         uint64
	LastOpCRC   uint32
	ActiveOps   *activeops.Table
	SlowDisconnects uint64

	// Outbox is the ordered queue of outbound messages pending write,
	// drained by the peer link's outbound task in send order.
	Outbox chan wire.Message

	// opQueue preserves the order in which bodies/accepts were sent
	// to this peer; submits and rejects are consumed from its head.
	opQueue []OpQueueEntry

	// sendMu serializes PushOp+Send pairs against each other. PushOp
	// and Send are each independently safe, but the coordinator's
	// execute loop, every peer link's inbound dispatcher goroutine, and
	// the recovery replay goroutine can all broadcast to this same peer
	// concurrently; without a lock held across the pair, op_queue order
	// and outbox send order could diverge between two such callers.
	sendMu sync.Mutex
}

// OpQueueEntry binds a queued response expectation to the GSN sent,
// so a submit/reject is matched by position, not by lookup.
type OpQueueEntry struct {
	GSN uint64
}

func NewPeerState(id HostID) *PeerState {
	return &PeerState{
		HostID:    id,
		ActiveOps: activeops.NewTable(),
		Outbox:    make(chan wire.Message, outboxCapacity),
	}
}

// Send enqueues m on the peer's outbox for the outbound task to write
// in order; it never blocks the caller on a stalled link.
func (p *PeerState) Send(m wire.Message) bool {
	select {
	case p.Outbox <- m:
		return true
	default:
		return false
	}
}

func (p *PeerState) SetConnected(c Connectivity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Connected = c
	if c == Down {
		p.opQueue = nil
		p.ActiveOps.Clear()
	}
}

// Transition applies one half-link's up/down edge to the peer's
// connectivity state machine (spec.md §4.2: 0<->1<->2) and reports
// whether the peer as a whole crossed into or out of Up, so the
// caller knows whether to fire OnPeerUp/OnPeerDown.
func (p *PeerState) Transition(up bool) (becameUp, becameDown bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.Connected
	var next Connectivity
	if up {
		switch prev {
		case Down:
			next = HalfUp
		case HalfUp, Up:
			next = Up
		}
	} else {
		switch prev {
		case Up:
			next = HalfUp
		default:
			next = Down
		}
	}
	p.Connected = next
	if next == Down {
		p.opQueue = nil
		p.ActiveOps.Clear()
	}
	becameUp = prev != Up && next == Up
	becameDown = prev == Up && next != Up
	return
}

func (p *PeerState) IsUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Connected == Up
}

func (p *PeerState) SetGSN(gsn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gsn > p.GSN {
		p.GSN = gsn
	}
}

func (p *PeerState) GetGSN() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.GSN
}

func (p *PeerState) SetCRC(crc uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastOpCRC = crc
}

func (p *PeerState) GetCRC() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.LastOpCRC
}

// PushOp appends an outstanding response expectation to the tail of
// the op queue, preserving spec.md invariant 2.
func (p *PeerState) PushOp(gsn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opQueue = append(p.opQueue, OpQueueEntry{GSN: gsn})
}

// PushAndSend appends gsn to the op_queue and enqueues msg on the
// outbox as one atomic step, so two concurrent broadcasters can never
// interleave push order and wire order for this peer (spec.md
// testable property 3). spec.md §9 assumes a single-threaded scheduler
// serializes every broadcast for free; this port uses real concurrent
// goroutines on thread B instead, so the pair needs its own lock.
func (p *PeerState) PushAndSend(gsn uint64, msg wire.Message) bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.PushOp(gsn)
	return p.Send(msg)
}

// PopOp consumes the head of the op queue and asserts its GSN matches
// the one just observed on the wire; a mismatch is framing_error per
// spec.md §4.2.
func (p *PeerState) PopOp(observedGSN uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.opQueue) == 0 {
		return 0, errors.Errorf("peer %d: op_queue empty, unexpected response for gsn %d", p.HostID, observedGSN)
	}
	head := p.opQueue[0]
	p.opQueue = p.opQueue[1:]
	if head.GSN != observedGSN {
		return 0, errors.Errorf("peer %d: op_queue head gsn %d does not match response gsn %d", p.HostID, head.GSN, observedGSN)
	}
	return head.GSN, nil
}

func (p *PeerState) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opQueue)
}

func (p *PeerState) IncrSlowDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SlowDisconnects++
}

// State is the full runtime context shared across replication thread
// tasks: the static config plus one PeerState per configured host.
type State struct {
	Config *Config
	Peers  map[HostID]*PeerState

	mu          sync.Mutex
	localGSN    uint64
	leaderID    HostID
	haveLeader  bool
}

func NewState(cfg *Config) *State {
	s := &State{Config: cfg, Peers: make(map[HostID]*PeerState, cfg.NumHosts())}
	for _, p := range cfg.Peers {
		s.Peers[p.HostID] = NewPeerState(p.HostID)
	}
	s.Peers[cfg.LocalID].SetConnected(Up)
	return s
}

func (s *State) LocalPeer() *PeerState { return s.Peers[s.Config.LocalID] }

func (s *State) NumConnected() int {
	n := 0
	for _, p := range s.Peers {
		if p.IsUp() {
			n++
		}
	}
	return n
}

// RemotePeers returns every configured peer but self.
func (s *State) RemotePeers() []*PeerState {
	out := make([]*PeerState, 0, len(s.Peers)-1)
	for id, p := range s.Peers {
		if id != s.Config.LocalID {
			out = append(out, p)
		}
	}
	return out
}

func (s *State) ConnectedPeers() []*PeerState {
	out := make([]*PeerState, 0, len(s.Peers))
	for id, p := range s.Peers {
		if id != s.Config.LocalID && p.IsUp() {
			out = append(out, p)
		}
	}
	return out
}

// NextGSN assigns the next monotone GSN for this term (invariant 4).
func (s *State) NextGSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localGSN++
	return s.localGSN
}

// SeedGSN raises the local GSN to start and never lowers it, so the
// next NextGSN returns at least start + 1 (invariant 4).
func (s *State) SeedGSN(start uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start > s.localGSN {
		s.localGSN = start
	}
}

func (s *State) LocalGSN() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localGSN
}

func (s *State) SetLeader(id HostID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderID = id
	s.haveLeader = true
}

func (s *State) ClearLeader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveLeader = false
}

func (s *State) Leader() (HostID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID, s.haveLeader
}

func (s *State) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveLeader && s.leaderID == s.Config.LocalID
}

func (s *State) String() string {
	return fmt.Sprintf("cluster.State{local=%d, hosts=%d}", s.Config.LocalID, s.Config.NumHosts())
}
