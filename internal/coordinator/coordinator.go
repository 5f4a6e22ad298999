// Package coordinator implements the commit coordinator (C5): the
// operation state machine driving a write through admission, broadcast,
// quorum, WAL commit and rollback, for both the leader and follower
// roles and the leader-as-proxy role, per spec.md §4.5.
package coordinator

import (
	"sync"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"replicore/internal/activeops"
	"replicore/internal/bridge"
	"replicore/internal/cluster"
	"replicore/internal/crc"
	"replicore/internal/recovery"
	"replicore/internal/registry"
	"replicore/internal/replierr"
	"replicore/internal/wal"
	"replicore/internal/wire"
)

var logger = logging.MustGetLogger("coordinator")

// followerStage tracks which of the two follower-side FIFOs (spec.md
// §4.5 "Follower path") a locally originated, not-yet-terminated
// proxied write currently occupies.
type followerStage int

const (
	stageAwaitingAccept followerStage = iota
	stageAwaitingSubmit
)

type followerOp struct {
	lsn         uint64
	conflictKey string
	body        []byte
	stage       followerStage
	resultCh    chan replierr.Result
}

// Coordinator owns the leader/follower/proxy operation lifecycle. It is
// driven by the cross-thread bridge (thread A, via SubmitLocal) and by
// the peer link dispatcher (thread B, via HandleMessage and
// OnPeerDown), following spec.md §5's single-coordinator-instance model.
type Coordinator struct {
	state *cluster.State
	reg   *registry.Registry
	wal   wal.Writer
	exec  wal.Executor
	br    *bridge.Bridge
	rec   *recovery.Recovery

	statsd statsd.Statter

	mu               sync.Mutex
	localCRC         uint32
	nextLSN          uint64
	acceptQueue      []*followerOp
	submitQueue      []*followerOp
	pendingBroadcast []func()
}

func New(state *cluster.State, reg *registry.Registry, walWriter wal.Writer, exec wal.Executor, initialCRC uint32, stats statsd.Statter) *Coordinator {
	return &Coordinator{
		state:    state,
		reg:      reg,
		wal:      walWriter,
		exec:     exec,
		localCRC: initialCRC,
		statsd:   stats,
	}
}

// SetBridge wires the cross-thread bridge a proxied or replicated
// write's durable WAL write is handed through, so it always runs on
// thread A (spec.md §4.8, §5) rather than on the peer link's inbound
// goroutine that received the message (thread B). cmd/replnode always
// calls this before serving traffic.
func (c *Coordinator) SetBridge(br *bridge.Bridge) {
	c.br = br
}

// SetRecovery wires rec so broadcasts can be deferred while a replay
// run is in progress (spec.md §4.7 "writes are queued but not
// broadcast") and flushed once it completes.
func (c *Coordinator) SetRecovery(rec *recovery.Recovery) {
	c.rec = rec
	rec.SetOnDone(c.flushPendingBroadcasts)
}

func (c *Coordinator) allActiveOpsTables() []*activeops.Table {
	tables := make([]*activeops.Table, 0, len(c.state.Peers))
	for _, p := range c.state.Peers {
		tables = append(tables, p.ActiveOps)
	}
	return tables
}

func (c *Coordinator) nextRow(gsn uint64, body []byte) wal.Row {
	c.mu.Lock()
	c.localCRC = crc.Update(c.localCRC, body)
	row := wal.Row{GSN: gsn, Body: body, CRC: c.localCRC}
	c.mu.Unlock()
	return row
}

// SubmitLocal is the thread A entry point (spec.md §6 submit_local): it
// blocks the calling task until the operation commits or rolls back.
func (c *Coordinator) SubmitLocal(body []byte, conflictKey string) replierr.Result {
	if c.state.IsLeader() {
		return c.leaderLocalWrite(body, conflictKey)
	}
	return c.followerLocalWrite(body, conflictKey)
}

// leaderLocalWrite implements spec.md §4.5 "Leader path".
func (c *Coordinator) leaderLocalWrite(body []byte, conflictKey string) replierr.Result {
	tables := c.allActiveOpsTables()
	if !activeops.AdmitAcrossPeers(tables, conflictKey, activeops.LeaderLocal) {
		return replierr.RolledBack(replierr.KindConflict)
	}

	gsn := c.state.NextGSN()
	op := c.reg.Create(gsn, 0, activeops.LeaderLocal, conflictKey, body)
	c.reg.SetStatus(op, registry.StatusWAL)

	row := c.nextRow(gsn, body)
	if _, err := c.wal.Write(row); err != nil {
		logger.Warningf("local wal write failed for gsn %d: %v", gsn, err)
		c.reg.RecordReject(gsn)
		c.rollbackUnbroadcast(op, replierr.KindIO)
		return op.Await()
	}

	c.state.LocalPeer().SetGSN(gsn)
	if _, quorum, _ := c.reg.RecordAccept(gsn); quorum {
		c.finish(op, replierr.Committed())
	}
	c.broadcastOrDefer(func() { c.broadcastBody(op) })
	return op.Await()
}

// execProxiedWrite hands a proxied or replicated row's db execution and
// durable WAL write to thread A via the cross-thread bridge, since this
// is always called from a peer link's inbound goroutine (thread B) and
// spec.md §5 reserves WAL writes to thread A. Falls back to writing
// directly only when no bridge has been wired -- narrow unit tests
// exercising the registry/WAL contract in isolation; cmd/replnode
// always calls SetBridge before serving traffic.
func (c *Coordinator) execProxiedWrite(row wal.Row) error {
	if c.br == nil {
		if err := c.exec.Execute(row.Body); err != nil {
			return err
		}
		return c.wal.WriteAt(row)
	}
	reply := make(chan bridge.ExecResult, 1)
	c.br.ReplToDB.Push(bridge.ExecRequest{GSN: row.GSN, CRC: row.CRC, Body: row.Body, Reply: reply})
	res := <-reply
	return res.Err
}

func (c *Coordinator) broadcastBody(op *registry.Operation) {
	for _, p := range c.state.ConnectedPeers() {
		p.PushAndSend(op.GSN, wire.Body{GSN: op.GSN, Row: op.Body})
	}
}

func (c *Coordinator) broadcastReject(gsn uint64) {
	for _, p := range c.state.ConnectedPeers() {
		p.Send(wire.Reject{GSN: gsn})
	}
}

// broadcastOrDefer runs fn immediately, unless a recovery replay run is
// in progress, in which case fn is queued to run once that run
// completes (spec.md §4.7: writes are queued but not broadcast while
// recovery is in progress).
func (c *Coordinator) broadcastOrDefer(fn func()) {
	if c.rec != nil && c.rec.InProgress() {
		c.mu.Lock()
		c.pendingBroadcast = append(c.pendingBroadcast, fn)
		c.mu.Unlock()
		return
	}
	fn()
}

func (c *Coordinator) flushPendingBroadcasts() {
	c.mu.Lock()
	pending := c.pendingBroadcast
	c.pendingBroadcast = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// finish terminates op, releases its active-op hold on every peer table,
// and -- for a proxied write -- notifies the originating follower.
func (c *Coordinator) finish(op *registry.Operation, result replierr.Result) {
	c.reg.SetStatus(op, registry.StatusYield)
	c.reg.Terminate(op, result)
	activeops.ReleaseAcrossPeers(c.allActiveOpsTables(), op.ConflictKey, op.OriginatorID)

	if op.OriginatorID == activeops.LeaderLocal {
		return
	}
	originator, ok := c.state.Peers[cluster.HostID(op.OriginatorID)]
	if !ok {
		return
	}
	if result.Committed {
		originator.Send(wire.ProxySubmit{GSN: op.GSN})
	} else {
		originator.Send(wire.ProxyReject{GSN: op.GSN})
	}
}

// rollback broadcasts reject(op.gsn), then cascades to every operation
// admitted after op on the local execute-queue, in reverse order
// (invariant 6), before finally rolling op itself back.
func (c *Coordinator) rollback(op *registry.Operation, kind replierr.Kind) {
	c.broadcastReject(op.GSN)
	for _, later := range c.reg.CascadeAfter(op) {
		c.broadcastReject(later.GSN)
		c.finish(later, replierr.RolledBack(kind))
	}
	c.finish(op, replierr.RolledBack(kind))
}

// OnOperationTimeout is wired as the registry's onTimeout callback.
func (c *Coordinator) OnOperationTimeout(op *registry.Operation) {
	c.rollback(op, replierr.KindTimeout)
}

// rollbackUnbroadcast rolls op back without broadcasting reject for op
// itself. It is used when op's own WAL write failed before any peer
// ever saw it (invariant 5), so there is nothing on any peer's
// op_queue to match a reject frame against; broadcasting one would
// desync that peer's op_queue from the wire. Operations already
// admitted after op on the execute-queue still cascade normally
// (invariant 6), since by the time they reach here they have either
// already been broadcast or are about to terminate on their own.
func (c *Coordinator) rollbackUnbroadcast(op *registry.Operation, kind replierr.Kind) {
	for _, later := range c.reg.CascadeAfter(op) {
		c.broadcastReject(later.GSN)
		c.finish(later, replierr.RolledBack(kind))
	}
	c.finish(op, replierr.RolledBack(kind))
}

// handleProxyRequest implements spec.md §4.5 "Leader as proxy for a
// follower's request".
func (c *Coordinator) handleProxyRequest(host cluster.HostID, m wire.ProxyRequest) {
	originator, ok := c.state.Peers[host]
	if !ok {
		return
	}

	key := c.exec.ConflictKey(m.Row)
	tables := c.allActiveOpsTables()
	if !activeops.AdmitAcrossPeers(tables, key, activeops.OriginatorID(host)) {
		originator.Send(wire.ProxyReject{GSN: 0})
		return
	}

	gsn := c.state.NextGSN()
	op := c.reg.Create(gsn, m.LSN, activeops.OriginatorID(host), key, m.Row)
	c.reg.SetStatus(op, registry.StatusWAL)

	row := c.nextRow(gsn, m.Row)
	if err := c.execProxiedWrite(row); err != nil {
		logger.Warningf("leader wal write failed for proxied gsn %d: %v", gsn, err)
		c.reg.RecordReject(gsn)
		c.rollbackUnbroadcast(op, replierr.KindIO)
		return
	}

	c.state.LocalPeer().SetGSN(gsn)
	c.broadcastOrDefer(func() {
		originator.Send(wire.ProxyAccept{GSN: gsn})
		for _, p := range c.state.ConnectedPeers() {
			if p.HostID == host {
				continue
			}
			p.PushAndSend(gsn, wire.Body{GSN: gsn, Row: m.Row})
		}
	})
	if _, quorum, _ := c.reg.RecordAccept(gsn); quorum {
		c.finish(op, replierr.Committed())
	}
}

// handleBody applies a replicated row broadcast by the leader to a
// passive follower (one that did not originate the write).
func (c *Coordinator) handleBody(host cluster.HostID, m wire.Body) {
	leader, ok := c.state.Peers[host]
	if !ok {
		return
	}
	c.state.SeedGSN(m.GSN)
	row := c.nextRow(m.GSN, m.Row)
	if err := c.execProxiedWrite(row); err != nil {
		logger.Warningf("replicated wal write failed for gsn %d: %v", m.GSN, err)
		leader.Send(wire.Reject{GSN: m.GSN})
		return
	}
	c.state.LocalPeer().SetGSN(m.GSN)
	leader.Send(wire.Submit{GSN: m.GSN})
}

func (c *Coordinator) handleSubmit(host cluster.HostID, m wire.Submit) {
	peer, ok := c.state.Peers[host]
	if !ok {
		return
	}
	gsn, err := peer.PopOp(m.GSN)
	if err != nil {
		logger.Warningf("%v", err)
		return
	}
	if _, quorum, found := c.reg.RecordAccept(gsn); found && quorum {
		if op, ok := c.reg.Lookup(gsn); ok {
			c.finish(op, replierr.Committed())
		}
	}
}

func (c *Coordinator) handleReject(host cluster.HostID, m wire.Reject) {
	peer, ok := c.state.Peers[host]
	if !ok {
		return
	}
	gsn, err := peer.PopOp(m.GSN)
	if err != nil {
		logger.Warningf("%v", err)
		return
	}
	if _, majority, found := c.reg.RecordReject(gsn); found && majority {
		if op, ok := c.reg.Lookup(gsn); ok {
			c.rollback(op, replierr.KindTimeout)
		}
	}
}

// followerLocalWrite implements spec.md §4.5 "Follower path".
func (c *Coordinator) followerLocalWrite(body []byte, conflictKey string) replierr.Result {
	leaderID, ok := c.state.Leader()
	if !ok {
		return replierr.RolledBack(replierr.KindIO)
	}
	leader, ok := c.state.Peers[leaderID]
	if !ok {
		return replierr.RolledBack(replierr.KindIO)
	}

	c.mu.Lock()
	c.nextLSN++
	fo := &followerOp{
		lsn:         c.nextLSN,
		conflictKey: conflictKey,
		body:        body,
		stage:       stageAwaitingAccept,
		resultCh:    make(chan replierr.Result, 1),
	}
	c.acceptQueue = append(c.acceptQueue, fo)
	c.mu.Unlock()

	leader.Send(wire.ProxyRequest{LSN: fo.lsn, Row: body})
	return <-fo.resultCh
}

func (c *Coordinator) popAcceptQueue() *followerOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.acceptQueue) == 0 {
		return nil
	}
	fo := c.acceptQueue[0]
	c.acceptQueue = c.acceptQueue[1:]
	return fo
}

func (c *Coordinator) popSubmitQueue() *followerOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.submitQueue) == 0 {
		return nil
	}
	fo := c.submitQueue[0]
	c.submitQueue = c.submitQueue[1:]
	return fo
}

func (c *Coordinator) pushSubmitQueue(fo *followerOp) {
	c.mu.Lock()
	fo.stage = stageAwaitingSubmit
	c.submitQueue = append(c.submitQueue, fo)
	c.mu.Unlock()
}

func (c *Coordinator) handleProxyAccept(host cluster.HostID, m wire.ProxyAccept) {
	fo := c.popAcceptQueue()
	if fo == nil {
		logger.Warningf("accept_queue empty for proxy_accept gsn=%d from %d", m.GSN, host)
		return
	}
	leader, ok := c.state.Peers[host]
	if !ok {
		fo.resultCh <- replierr.RolledBack(replierr.KindIO)
		return
	}

	c.state.SeedGSN(m.GSN)
	row := c.nextRow(m.GSN, fo.body)
	if err := c.execProxiedWrite(row); err != nil {
		logger.Warningf("follower wal write failed for accepted gsn %d: %v", m.GSN, err)
		leader.Send(wire.Reject{GSN: m.GSN})
		fo.resultCh <- replierr.RolledBack(replierr.KindIO)
		return
	}
	c.state.LocalPeer().SetGSN(m.GSN)
	leader.Send(wire.Submit{GSN: m.GSN})
	c.pushSubmitQueue(fo)
}

// handleProxyReject consumes either FIFO, since proxy_reject can arrive
// while the originating write is still awaiting accept or, less often,
// after it has already been submitted and is awaiting final commit.
func (c *Coordinator) handleProxyReject(host cluster.HostID, m wire.ProxyReject) {
	c.mu.Lock()
	var fo *followerOp
	if len(c.acceptQueue) > 0 {
		fo = c.acceptQueue[0]
		c.acceptQueue = c.acceptQueue[1:]
	} else if len(c.submitQueue) > 0 {
		fo = c.submitQueue[0]
		c.submitQueue = c.submitQueue[1:]
	}
	c.mu.Unlock()
	if fo == nil {
		logger.Warningf("proxy_reject gsn=%d from %d with no pending follower op", m.GSN, host)
		return
	}
	fo.resultCh <- replierr.RolledBack(replierr.KindConflict)
}

func (c *Coordinator) handleProxySubmit(host cluster.HostID, m wire.ProxySubmit) {
	fo := c.popSubmitQueue()
	if fo == nil {
		logger.Warningf("submit_queue empty for proxy_submit gsn=%d from %d", m.GSN, host)
		return
	}
	fo.resultCh <- replierr.Committed()
}

func (c *Coordinator) handlePing(host cluster.HostID, m wire.Ping) {
	if peer, ok := c.state.Peers[host]; ok {
		peer.SetGSN(m.GSN)
	}
}

// HandleMessage routes every non-election wire message to its handler.
func (c *Coordinator) HandleMessage(host cluster.HostID, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Body:
		c.handleBody(host, m)
	case wire.Submit:
		c.handleSubmit(host, m)
	case wire.Reject:
		c.handleReject(host, m)
	case wire.ProxyRequest:
		c.handleProxyRequest(host, m)
	case wire.ProxyAccept:
		c.handleProxyAccept(host, m)
	case wire.ProxyReject:
		c.handleProxyReject(host, m)
	case wire.ProxySubmit:
		c.handleProxySubmit(host, m)
	case wire.Ping:
		c.handlePing(host, m)
	}
}

// OnPeerDown implements spec.md §4.5 "Loss of leader": every follower op
// already written locally (submit_queue) is promoted to committed;
// every op still awaiting accept (accept_queue) is rolled back. It is a
// no-op unless host was the recognized leader, so callers can invoke it
// unconditionally on every peer disconnect. It must run before the
// caller clears state.leader_id, since this method reads it to decide
// relevance.
func (c *Coordinator) OnPeerDown(host cluster.HostID) {
	leaderID, ok := c.state.Leader()
	if !ok || leaderID != host {
		return
	}

	c.mu.Lock()
	submitted := c.submitQueue
	accepted := c.acceptQueue
	c.submitQueue = nil
	c.acceptQueue = nil
	c.mu.Unlock()

	for _, fo := range submitted {
		fo.resultCh <- replierr.Committed()
	}
	for _, fo := range accepted {
		fo.resultCh <- replierr.RolledBack(replierr.KindIO)
	}
}
