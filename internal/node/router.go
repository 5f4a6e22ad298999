// Package node wires the peer link dispatcher to the election and
// coordinator components, which share the cluster.State context; it
// is kept as its own small package so cmd/replnode stays a thin
// bootstrap.
package node

import (
	"replicore/internal/cluster"
	"replicore/internal/coordinator"
	"replicore/internal/election"
	"replicore/internal/wire"
)

// Router implements peerlink.Dispatcher, routing election message types
// to the election state machine and everything else to the commit
// coordinator.
type Router struct {
	Election    *election.Election
	Coordinator *coordinator.Coordinator
}

func (r *Router) OnHello(host cluster.HostID, gsn uint64, crc uint32) {
	// peerlink has already recorded gsn/crc on the peer; nothing further
	// is needed here until the corresponding half-link transition fires
	// OnPeerUp, which is what actually drives election.
}

func (r *Router) OnMessage(host cluster.HostID, msg wire.Message) {
	switch msg.(type) {
	case wire.LeaderPromise, wire.LeaderAccept, wire.LeaderSubmit, wire.LeaderReject:
		r.Election.HandleMessage(host, msg)
	default:
		r.Coordinator.HandleMessage(host, msg)
	}
}

func (r *Router) OnPeerUp(host cluster.HostID) {
	r.Election.OnPeerUp(host)
}

// OnPeerDown must run the coordinator's loss-of-leader handling before
// election clears state.leader_id, since Coordinator.OnPeerDown reads
// it to decide whether host was the leader.
func (r *Router) OnPeerDown(host cluster.HostID) {
	r.Coordinator.OnPeerDown(host)
	r.Election.OnPeerDown(host)
}
