// Package election implements leader election (C6): connectivity-driven
// promise/accept/submit/reject over the up peer set, tie-broken by
// (gsn, host_id), per spec.md §4.6.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"replicore/internal/cluster"
	"replicore/internal/wire"
)

var logger = logging.MustGetLogger("election")

// Phase is this node's local view of the election protocol.
type Phase string

const (
	PhaseInitial   Phase = "initial"   // no quorum, or not yet candidate
	PhaseCandidate Phase = "candidate" // this node promised and awaits accepts
	PhaseReady     Phase = "ready"     // a leader (possibly this node) is settled
)

// Election drives the protocol of spec.md §4.6. It is not safe for
// concurrent use from more than one goroutine except through its exported
// methods, which serialize internally.
type Election struct {
	mu    sync.Mutex
	state *cluster.State

	electionTimeout time.Duration
	startGrace      bool

	phase   Phase
	accepts map[cluster.HostID]bool

	bestHostID cluster.HostID
	bestGSN    uint64

	onBecomeLeader func(lagging []cluster.HostID)
	onLoseLeader   func()

	statsd statsd.Statter
}

func New(state *cluster.State, electionTimeout time.Duration, onBecomeLeader func(lagging []cluster.HostID), onLoseLeader func(), stats statsd.Statter) *Election {
	return &Election{
		state:           state,
		electionTimeout: electionTimeout,
		phase:           PhaseInitial,
		startGrace:       true,
		onBecomeLeader:  onBecomeLeader,
		onLoseLeader:    onLoseLeader,
		statsd:          stats,
	}
}

// Run delays the first candidacy evaluation by electionTimeout, giving the
// cluster a chance to form a full connectivity view before any node
// promotes itself (spec.md §4.6 "startup grace period").
func (e *Election) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(e.electionTimeout):
	}
	e.mu.Lock()
	e.startGrace = false
	e.mu.Unlock()
	e.recompute()
}

func (e *Election) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == PhaseReady
}

// OnPeerUp/OnPeerDown are invoked by the peerlink dispatcher on every
// connectivity transition. Both re-run the candidate computation.
func (e *Election) OnPeerUp(host cluster.HostID) {
	e.recompute()
}

func (e *Election) OnPeerDown(host cluster.HostID) {
	leaderID, haveLeader := e.state.Leader()
	wasLeader := haveLeader && leaderID == host
	e.state.ClearLeader()
	e.recompute()
	if wasLeader {
		logger.Warningf("leader %d lost, election restarting", host)
		e.onLoseLeader()
	}
}

// HandleMessage routes the four election message types; anything else is
// not this component's concern.
func (e *Election) HandleMessage(host cluster.HostID, msg wire.Message) {
	switch m := msg.(type) {
	case wire.LeaderPromise:
		e.handlePromise(host, m)
	case wire.LeaderAccept:
		e.handleAccept(host)
	case wire.LeaderSubmit:
		e.handleSubmit(host)
	case wire.LeaderReject:
		e.handleReject(host, m)
	}
}

// isBetter reports whether (gsnA, hostA) is the preferred candidate over
// (gsnB, hostB): higher gsn wins, ties broken by the lower host_id
// (spec.md §8 S4: "ties -> lowest host_id wins").
func isBetter(gsnA uint64, hostA cluster.HostID, gsnB uint64, hostB cluster.HostID) bool {
	if gsnA != gsnB {
		return gsnA > gsnB
	}
	return hostA < hostB
}

// bestUpCandidate returns the (gsn, host_id) of the preferred leader among
// all peers this node currently sees as up, including itself.
func (e *Election) bestUpCandidate() (cluster.HostID, uint64) {
	local := e.state.Config.LocalID
	best := local
	bestGSN := e.state.LocalGSN()
	for _, p := range e.state.ConnectedPeers() {
		if isBetter(p.GetGSN(), p.HostID, bestGSN, best) {
			best = p.HostID
			bestGSN = p.GetGSN()
		}
	}
	return best, bestGSN
}

func (e *Election) recompute() {
	e.mu.Lock()
	if e.startGrace {
		e.mu.Unlock()
		return
	}

	numConnected := e.state.NumConnected()
	if !e.state.Config.Quorum(numConnected) {
		e.phase = PhaseInitial
		e.mu.Unlock()
		e.state.ClearLeader()
		return
	}

	local := e.state.Config.LocalID
	candidate, candidateGSN := e.bestUpCandidate()
	if candidate != local {
		e.mu.Unlock()
		return
	}
	if e.phase == PhaseCandidate || e.phase == PhaseReady {
		e.mu.Unlock()
		return
	}

	e.phase = PhaseCandidate
	e.accepts = map[cluster.HostID]bool{local: true}
	e.bestHostID = local
	e.bestGSN = candidateGSN
	peers := e.state.ConnectedPeers()
	e.mu.Unlock()

	logger.Infof("local node %d promoting itself at gsn %d", local, candidateGSN)
	for _, p := range peers {
		p.Send(wire.LeaderPromise{GSN: candidateGSN})
	}
	if e.state.Config.Quorum(len(e.accepts)) {
		e.becomeLeader()
	}
}

func (e *Election) handlePromise(host cluster.HostID, m wire.LeaderPromise) {
	e.mu.Lock()
	best, bestGSN := e.bestUpCandidate()
	e.mu.Unlock()

	peer, ok := e.state.Peers[host]
	if !ok {
		return
	}
	if isBetter(m.GSN, host, bestGSN, best) || (m.GSN == bestGSN && host == best) {
		peer.Send(wire.LeaderAccept{})
		return
	}
	peer.Send(wire.LeaderReject{BestHostID: uint8(best), BestGSN: bestGSN})
}

func (e *Election) handleAccept(host cluster.HostID) {
	e.mu.Lock()
	if e.phase != PhaseCandidate {
		e.mu.Unlock()
		return
	}
	e.accepts[host] = true
	reachedQuorum := e.state.Config.Quorum(len(e.accepts))
	e.mu.Unlock()
	if reachedQuorum {
		e.becomeLeader()
	}
}

func (e *Election) becomeLeader() {
	e.mu.Lock()
	if e.phase == PhaseReady {
		e.mu.Unlock()
		return
	}
	e.phase = PhaseReady
	local := e.state.Config.LocalID
	localGSN := e.state.LocalGSN()
	peers := e.state.ConnectedPeers()
	e.mu.Unlock()

	e.state.SetLeader(local)
	logger.Noticef("node %d became leader at gsn %d", local, localGSN)
	if e.statsd != nil {
		e.statsd.Inc("election.became_leader", 1, 1.0)
	}

	var lagging []cluster.HostID
	for _, p := range peers {
		p.Send(wire.LeaderSubmit{})
		if p.GetGSN() < localGSN {
			lagging = append(lagging, p.HostID)
		}
	}
	if len(lagging) > 0 {
		e.onBecomeLeader(lagging)
	}
}

func (e *Election) handleSubmit(host cluster.HostID) {
	e.mu.Lock()
	e.phase = PhaseReady
	e.mu.Unlock()
	e.state.SetLeader(host)
	logger.Noticef("node %d recognizes %d as leader", e.state.Config.LocalID, host)
}

func (e *Election) handleReject(host cluster.HostID, m wire.LeaderReject) {
	e.mu.Lock()
	candidate := e.phase == PhaseCandidate
	better := isBetter(m.BestGSN, cluster.HostID(m.BestHostID), e.bestGSN, e.bestHostID)
	if better {
		e.bestHostID = cluster.HostID(m.BestHostID)
		e.bestGSN = m.BestGSN
		e.phase = PhaseInitial
	}
	e.mu.Unlock()
	if candidate && better {
		logger.Infof("node %d deferring to better candidate %d at gsn %d", e.state.Config.LocalID, m.BestHostID, m.BestGSN)
		e.recompute()
	}
}
