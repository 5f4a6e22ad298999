package cluster

import (
	"sync"
	"testing"

	"replicore/internal/wire"
)

func threePeers() []PeerDescriptor {
	return []PeerDescriptor{
		{HostID: 0, Addr: "a", Local: true},
		{HostID: 1, Addr: "b"},
		{HostID: 2, Addr: "c"},
	}
}

func TestNewConfigRejectsDuplicateHostID(t *testing.T) {
	peers := threePeers()
	peers[1].HostID = 0
	if _, err := NewConfig(peers); err == nil {
		t.Fatal("expected duplicate host_id to be rejected")
	}
}

func TestNewConfigRejectsNoLocal(t *testing.T) {
	peers := threePeers()
	peers[0].Local = false
	if _, err := NewConfig(peers); err == nil {
		t.Fatal("expected missing local marker to be rejected")
	}
}

func TestNewConfigRejectsMoreThanOneLocal(t *testing.T) {
	peers := threePeers()
	peers[1].Local = true
	if _, err := NewConfig(peers); err == nil {
		t.Fatal("expected two local markers to be rejected")
	}
}

func TestParseReplicaListOrdersByPosition(t *testing.T) {
	cfg, err := ParseReplicaList("10.0.0.1:1;10.0.0.2:1;10.0.0.3:1", "10.0.0.2:1")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LocalID != 1 {
		t.Fatalf("expected local id 1, got %d", cfg.LocalID)
	}
	if cfg.Peers[2].Addr != "10.0.0.3:1" {
		t.Fatalf("expected host_id 2 to be the third entry, got %q", cfg.Peers[2].Addr)
	}
}

func TestQuorumRequiresStrictMajority(t *testing.T) {
	cfg, err := NewConfig(threePeers())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Quorum(1) {
		t.Fatal("1 of 3 should not be a quorum")
	}
	if !cfg.Quorum(2) {
		t.Fatal("2 of 3 should be a quorum")
	}
}

func TestPeerStateTransitionTracksHalfDuplexEdges(t *testing.T) {
	p := NewPeerState(1)

	becameUp, becameDown := p.Transition(true)
	if becameUp || becameDown {
		t.Fatal("one half up from Down should not cross into or out of Up")
	}
	if p.Connected != HalfUp {
		t.Fatalf("expected HalfUp after one half, got %v", p.Connected)
	}

	becameUp, becameDown = p.Transition(true)
	if !becameUp || becameDown {
		t.Fatal("second half up should cross into Up")
	}
	if !p.IsUp() {
		t.Fatal("expected IsUp true once both halves are up")
	}

	becameUp, becameDown = p.Transition(false)
	if becameUp || !becameDown {
		t.Fatal("one half going down from Up should cross out of Up")
	}
}

func TestPeerStateTransitionDownClearsQueuesAndActiveOps(t *testing.T) {
	p := NewPeerState(1)
	p.Transition(true)
	p.Transition(true)
	p.PushOp(5)
	p.ActiveOps.Admit("k", 9)

	p.Transition(false)
	p.Transition(false)

	if p.QueueDepth() != 0 {
		t.Fatal("expected op_queue cleared on going down")
	}
	if p.ActiveOps.Len() != 0 {
		t.Fatal("expected active_ops cleared on going down")
	}
}

func TestPeerStatePopOpRejectsMismatchedGSN(t *testing.T) {
	p := NewPeerState(1)
	p.PushOp(7)
	if _, err := p.PopOp(8); err == nil {
		t.Fatal("expected a mismatched gsn to be rejected")
	}
}

// TestPushAndSendKeepsQueueAndWireOrderInSync guards against the race a
// bare PushOp+Send pair is exposed to: concurrent broadcasters racing
// to push op_queue in one order while their frames land on Outbox in
// another, which would surface downstream only as a silently-swallowed
// op_queue head mismatch.
func TestPushAndSendKeepsQueueAndWireOrderInSync(t *testing.T) {
	p := NewPeerState(1)
	const n = 50

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.PushAndSend(uint64(i), wire.Submit{GSN: uint64(i)})
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		msg := <-p.Outbox
		submit, ok := msg.(wire.Submit)
		if !ok {
			t.Fatalf("expected wire.Submit, got %#v", msg)
		}
		gsn, err := p.PopOp(submit.GSN)
		if err != nil {
			t.Fatalf("op_queue and outbox order diverged: %v", err)
		}
		if gsn != submit.GSN {
			t.Fatalf("expected matching gsn, got wire=%d queue=%d", submit.GSN, gsn)
		}
	}
}

func TestStateNextGSNIsMonotone(t *testing.T) {
	cfg, err := NewConfig(threePeers())
	if err != nil {
		t.Fatal(err)
	}
	s := NewState(cfg)
	if s.NextGSN() != 1 || s.NextGSN() != 2 {
		t.Fatal("expected gsn to increase by one each call")
	}
}

func TestStateSeedGSNNeverMovesBackward(t *testing.T) {
	cfg, err := NewConfig(threePeers())
	if err != nil {
		t.Fatal(err)
	}
	s := NewState(cfg)
	s.SeedGSN(10)
	s.SeedGSN(3)
	if s.LocalGSN() != 10 {
		t.Fatalf("expected seed to never move gsn backward, got %d", s.LocalGSN())
	}
}

func TestStateConnectedPeersExcludesSelf(t *testing.T) {
	cfg, err := NewConfig(threePeers())
	if err != nil {
		t.Fatal(err)
	}
	s := NewState(cfg)
	s.Peers[1].SetConnected(Up)
	s.Peers[2].SetConnected(Up)

	connected := s.ConnectedPeers()
	if len(connected) != 2 {
		t.Fatalf("expected 2 connected remote peers, got %d", len(connected))
	}
	for _, p := range connected {
		if p.HostID == cfg.LocalID {
			t.Fatal("ConnectedPeers must not include self")
		}
	}
}

func TestStateIsLeaderOnlyTrueForLocalID(t *testing.T) {
	cfg, err := NewConfig(threePeers())
	if err != nil {
		t.Fatal(err)
	}
	s := NewState(cfg)
	s.SetLeader(1)
	if s.IsLeader() {
		t.Fatal("expected IsLeader false when a remote host is leader")
	}
	s.SetLeader(0)
	if !s.IsLeader() {
		t.Fatal("expected IsLeader true once local id is set as leader")
	}
	s.ClearLeader()
	if _, ok := s.Leader(); ok {
		t.Fatal("expected Leader to report !ok after ClearLeader")
	}
}
