package coordinator

import (
	"errors"
	"testing"
	"time"

	"replicore/internal/bridge"
	"replicore/internal/cluster"
	"replicore/internal/recovery"
	"replicore/internal/registry"
	"replicore/internal/replierr"
	"replicore/internal/wal"
	"replicore/internal/wire"
)

type fakeExecutor struct {
	keyFn func([]byte) string
}

func (f *fakeExecutor) Execute(body []byte) error { return nil }

func (f *fakeExecutor) ConflictKey(body []byte) string {
	if f.keyFn != nil {
		return f.keyFn(body)
	}
	return string(body)
}

func threeHostState(t *testing.T, localID cluster.HostID) *cluster.State {
	t.Helper()
	peers := make([]cluster.PeerDescriptor, 3)
	for i := range peers {
		peers[i] = cluster.PeerDescriptor{HostID: cluster.HostID(i), Addr: "addr"}
	}
	peers[localID].Local = true
	cfg, err := cluster.NewConfig(peers)
	if err != nil {
		t.Fatal(err)
	}
	return cluster.NewState(cfg)
}

func waitForOutbox(t *testing.T, peer *cluster.PeerState) wire.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case m := <-peer.Outbox:
			return m
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("timed out waiting for outbox message")
	return nil
}

// TestLeaderLocalWriteCommitsOnQuorum models spec.md §8 S1.
func TestLeaderLocalWriteCommitsOnQuorum(t *testing.T) {
	state := threeHostState(t, 0)
	state.Peers[1].SetConnected(cluster.Up)
	state.Peers[2].SetConnected(cluster.Up)
	state.SetLeader(0)

	w := wal.NewMemory()
	reg := registry.New(3, time.Second, nil, nil)
	coord := New(state, reg, w, &fakeExecutor{}, 0, nil)

	resultCh := make(chan replierr.Result, 1)
	go func() { resultCh <- coord.SubmitLocal([]byte("row1"), "k1") }()

	bodyTo1 := waitForOutbox(t, state.Peers[1]).(wire.Body)
	bodyTo2 := waitForOutbox(t, state.Peers[2]).(wire.Body)
	if bodyTo1.GSN != 1 || bodyTo2.GSN != 1 {
		t.Fatalf("expected both peers to receive gsn 1, got %d and %d", bodyTo1.GSN, bodyTo2.GSN)
	}

	coord.HandleMessage(1, wire.Submit{GSN: 1})
	coord.HandleMessage(2, wire.Submit{GSN: 1})

	select {
	case r := <-resultCh:
		if !r.Committed {
			t.Fatalf("expected commit, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

// TestLeaderLocalWriteRollsBackOnTimeout models spec.md §8 S3's timeout branch.
func TestLeaderLocalWriteRollsBackOnTimeout(t *testing.T) {
	state := threeHostState(t, 0)
	state.Peers[1].SetConnected(cluster.Up)
	state.Peers[2].SetConnected(cluster.Up)
	state.SetLeader(0)

	w := wal.NewMemory()
	var coord *Coordinator
	reg := registry.New(3, 20*time.Millisecond, func(op *registry.Operation) {
		coord.OnOperationTimeout(op)
	}, nil)
	coord = New(state, reg, w, &fakeExecutor{}, 0, nil)

	result := coord.SubmitLocal([]byte("row1"), "k1")
	if result.Committed {
		t.Fatal("expected rollback on timeout with no peer acks")
	}
	if result.Kind != replierr.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", result.Kind)
	}
}

// TestFollowerProxyRoundTripCommits models spec.md §8 S2.
func TestFollowerProxyRoundTripCommits(t *testing.T) {
	state := threeHostState(t, 1)
	state.Peers[0].SetConnected(cluster.Up)
	state.Peers[2].SetConnected(cluster.Up)
	state.SetLeader(0)

	w := wal.NewMemory()
	reg := registry.New(3, time.Second, nil, nil)
	coord := New(state, reg, w, &fakeExecutor{}, 0, nil)
	wireBridge(t, coord, w)

	resultCh := make(chan replierr.Result, 1)
	go func() { resultCh <- coord.SubmitLocal([]byte("row2"), "k2") }()

	req := waitForOutbox(t, state.Peers[0]).(wire.ProxyRequest)
	if req.LSN != 1 {
		t.Fatalf("expected first proxy_request to carry lsn 1, got %d", req.LSN)
	}

	coord.HandleMessage(0, wire.ProxyAccept{GSN: 2})

	submit := waitForOutbox(t, state.Peers[0]).(wire.Submit)
	if submit.GSN != 2 {
		t.Fatalf("expected submit(2) sent to leader, got %v", submit)
	}

	coord.HandleMessage(0, wire.ProxySubmit{GSN: 2})

	select {
	case r := <-resultCh:
		if !r.Committed {
			t.Fatalf("expected commit, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	row, ok, err := mustIterate(t, w, 2)
	if err != nil || !ok {
		t.Fatalf("expected wal row at gsn 2, ok=%v err=%v", ok, err)
	}
	if string(row.Body) != "row2" {
		t.Fatalf("unexpected row body %q", row.Body)
	}
}

// wireBridge gives coord a real bridge and a background goroutine
// draining repl_to_db, mirroring replnode's runReplExecLoop, so tests
// that exercise a proxied or replicated write go through the same
// thread-A hand-off production traffic does rather than the
// no-bridge fallback in execProxiedWrite.
func wireBridge(t *testing.T, coord *Coordinator, w *wal.Memory) {
	t.Helper()
	br := bridge.New()
	coord.SetBridge(br)
	go func() {
		for {
			item, ok := br.ReplToDB.PopWait()
			if !ok {
				return
			}
			req := item.(bridge.ExecRequest)
			err := w.WriteAt(wal.Row{GSN: req.GSN, Body: req.Body, CRC: req.CRC})
			req.Reply <- bridge.ExecResult{LSN: req.LSN, Err: err}
		}
	}()
	t.Cleanup(br.Shutdown)
}

func mustIterate(t *testing.T, w *wal.Memory, gsn uint64) (wal.Row, bool, error) {
	t.Helper()
	it, err := w.IterateFrom(gsn)
	if err != nil {
		return wal.Row{}, false, err
	}
	return it.Next()
}

// TestProxyRequestAdmissionRefusesConflictingFollower models spec.md §8 S5.
func TestProxyRequestAdmissionRefusesConflictingFollower(t *testing.T) {
	state := threeHostState(t, 0)
	state.Peers[1].SetConnected(cluster.Up)
	state.Peers[2].SetConnected(cluster.Up)
	state.SetLeader(0)

	w := wal.NewMemory()
	reg := registry.New(3, time.Second, nil, nil)
	coord := New(state, reg, w, &fakeExecutor{keyFn: func([]byte) string { return "shared-key" }}, 0, nil)
	wireBridge(t, coord, w)

	coord.HandleMessage(1, wire.ProxyRequest{LSN: 1, Row: []byte("from-1")})
	accept := waitForOutbox(t, state.Peers[1]).(wire.ProxyAccept)
	if accept.GSN != 1 {
		t.Fatalf("expected first follower to be accepted at gsn 1, got %v", accept)
	}
	// the leader also broadcasts the now-admitted row to every other
	// connected peer, so host 2's outbox sees that Body before anything
	// related to its own, later, conflicting proxy_request.
	broadcast := waitForOutbox(t, state.Peers[2]).(wire.Body)
	if broadcast.GSN != 1 {
		t.Fatalf("expected broadcast of gsn 1 to host 2, got %v", broadcast)
	}

	coord.HandleMessage(2, wire.ProxyRequest{LSN: 1, Row: []byte("from-2")})
	reject := waitForOutbox(t, state.Peers[2]).(wire.ProxyReject)
	if reject.GSN != 0 {
		t.Fatalf("expected admission-refusal proxy_reject with no gsn assigned, got %v", reject)
	}
}

// TestOnPeerDownPromotesSubmitQueueAndRollsBackAcceptQueue models §4.5
// "Loss of leader".
func TestOnPeerDownPromotesSubmitQueueAndRollsBackAcceptQueue(t *testing.T) {
	state := threeHostState(t, 1)
	state.Peers[0].SetConnected(cluster.Up)
	state.Peers[2].SetConnected(cluster.Up)
	state.SetLeader(0)

	w := wal.NewMemory()
	reg := registry.New(3, time.Hour, nil, nil)
	coord := New(state, reg, w, &fakeExecutor{}, 0, nil)
	wireBridge(t, coord, w)

	submittedCh := make(chan replierr.Result, 1)
	go func() { submittedCh <- coord.SubmitLocal([]byte("already-wal-written"), "k-submit") }()
	waitForOutbox(t, state.Peers[0])
	coord.HandleMessage(0, wire.ProxyAccept{GSN: 5})
	waitForOutbox(t, state.Peers[0]) // the submit(5) the follower sent back

	acceptingCh := make(chan replierr.Result, 1)
	go func() { acceptingCh <- coord.SubmitLocal([]byte("still-awaiting-accept"), "k-accept") }()
	waitForOutbox(t, state.Peers[0]) // the second proxy_request

	coord.OnPeerDown(0)

	select {
	case r := <-submittedCh:
		if !r.Committed {
			t.Fatalf("expected a wal-written op to be promoted to committed, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for promoted result")
	}
	select {
	case r := <-acceptingCh:
		if r.Committed {
			t.Fatal("expected an op still awaiting accept to roll back")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rolled-back result")
	}
}

// failingWriter always fails the local wal write, so leaderLocalWrite
// and handleProxyRequest's wal-failure branches can be exercised
// without waiting on a timeout.
type failingWriter struct{}

func (failingWriter) Write(row wal.Row) (uint64, error) {
	return 0, errors.New("disk full")
}

func (failingWriter) WriteAt(row wal.Row) error {
	return errors.New("disk full")
}

// TestLeaderLocalWriteRollsBackOnLocalWALFailure models invariant 5/§7:
// a failed local wal write must roll back immediately rather than fall
// through to broadcast, and must never leave a resurrectable op behind.
func TestLeaderLocalWriteRollsBackOnLocalWALFailure(t *testing.T) {
	state := threeHostState(t, 0)
	state.Peers[1].SetConnected(cluster.Up)
	state.Peers[2].SetConnected(cluster.Up)
	state.SetLeader(0)

	reg := registry.New(3, time.Hour, nil, nil)
	coord := New(state, reg, failingWriter{}, &fakeExecutor{}, 0, nil)

	result := coord.SubmitLocal([]byte("row1"), "k1")
	if result.Committed {
		t.Fatal("expected rollback on local wal failure")
	}
	if result.Kind != replierr.KindIO {
		t.Fatalf("expected io kind, got %v", result.Kind)
	}

	select {
	case m := <-state.Peers[1].Outbox:
		t.Fatalf("expected no broadcast to peers after a wal failure, got %#v", m)
	default:
	}

	coord.HandleMessage(1, wire.Submit{GSN: 1})
	if _, ok := reg.Lookup(1); ok {
		t.Fatal("expected a stray submit to find no resurrectable op")
	}
}

// blockingIterator holds recovery's run in progress until release is
// closed, letting a test observe InProgress()==true for as long as it
// needs.
type blockingIterator struct {
	row     wal.Row
	sent    bool
	release chan struct{}
}

func (it *blockingIterator) Next() (wal.Row, bool, error) {
	<-it.release
	if it.sent {
		return wal.Row{}, false, nil
	}
	it.sent = true
	return it.row, true, nil
}

type blockingReader struct {
	it *blockingIterator
}

func (r *blockingReader) IterateFrom(gsn uint64) (wal.Iterator, error) {
	return r.it, nil
}

// TestBroadcastIsDeferredWhileRecoveryInProgress models spec.md §4.7:
// writes are queued but not broadcast while a recovery run is active,
// and flush once it completes.
func TestBroadcastIsDeferredWhileRecoveryInProgress(t *testing.T) {
	state := threeHostState(t, 0)
	state.Peers[1].SetConnected(cluster.Up)
	state.Peers[2].SetConnected(cluster.Up)
	state.SetLeader(0)

	w := wal.NewMemory()
	reg := registry.New(3, time.Hour, nil, nil)
	coord := New(state, reg, w, &fakeExecutor{}, 0, nil)

	release := make(chan struct{})
	reader := &blockingReader{it: &blockingIterator{row: wal.Row{GSN: 1, Body: []byte("seed")}, release: release}}
	rec := recovery.New(state, reader, func(cluster.HostID) {}, nil)
	coord.SetRecovery(rec)

	rec.TriggerFor([]cluster.HostID{2})
	deadline := time.Now().Add(2 * time.Second)
	for !rec.InProgress() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !rec.InProgress() {
		t.Fatal("expected recovery run to be in progress")
	}

	resultCh := make(chan replierr.Result, 1)
	go func() { resultCh <- coord.SubmitLocal([]byte("row1"), "k1") }()

	select {
	case m := <-state.Peers[1].Outbox:
		t.Fatalf("expected broadcast to be deferred during recovery, got %#v", m)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	deadline = time.Now().Add(2 * time.Second)
	for rec.InProgress() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if rec.InProgress() {
		t.Fatal("expected recovery run to complete")
	}

	body := waitForOutbox(t, state.Peers[1]).(wire.Body)
	if body.GSN != 1 {
		t.Fatalf("expected deferred broadcast to flush for gsn 1, got %v", body)
	}

	coord.HandleMessage(1, wire.Submit{GSN: 1})
	coord.HandleMessage(2, wire.Submit{GSN: 1})

	select {
	case r := <-resultCh:
		if !r.Committed {
			t.Fatalf("expected commit once quorum acks arrive, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}
