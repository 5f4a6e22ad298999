// Package peerlink implements the peer link (C2): one duplex
// connection per remote peer, realized as two independent
// unidirectional TCP connections -- an outbound one this node dials
// to the peer and an inbound one the peer dials to this node's
// listener -- each driven by its own goroutine per spec.md §4.2.
package peerlink

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	logging "github.com/op/go-logging"

	"replicore/internal/cluster"
	"replicore/internal/wire"
)

var logger = logging.MustGetLogger("peerlink")

// Timeouts collects the configurable durations spec.md §5 names.
type Timeouts struct {
	Read            time.Duration
	Write           time.Duration
	Connect         time.Duration
	Reconnect       time.Duration
	Ping            time.Duration
	SlowHost        time.Duration
}

// Dispatcher receives events from every peer link; node.Router
// implements it, forwarding hellos, messages, and connectivity
// transitions to the election and coordinator components.
type Dispatcher interface {
	OnHello(host cluster.HostID, gsn uint64, crc uint32)
	OnMessage(host cluster.HostID, msg wire.Message)
	OnPeerUp(host cluster.HostID)
	OnPeerDown(host cluster.HostID)
}

// Dialer abstracts net.Dial for tests.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type netDialer struct{ d net.Dialer }

func (n netDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, addr)
}

// Link drives one remote peer's outbound task. The inbound task is
// symmetric but is started per-connection by the Listener once it has
// accepted and read that connection's hello (see Listener below).
type Link struct {
	self      cluster.HostID
	peer      *cluster.PeerState
	addr      string
	timeouts  Timeouts
	dialer    Dialer
	dispatch  Dispatcher

	halfUpOut bool // this side's half of the duplex (outbound leg) is up
}

func NewLink(self cluster.HostID, peer *cluster.PeerState, addr string, timeouts Timeouts, dispatch Dispatcher) *Link {
	return &Link{
		self:     self,
		peer:     peer,
		addr:     addr,
		timeouts: timeouts,
		dialer:   netDialer{},
		dispatch: dispatch,
	}
}

// RunOutbound connects (retrying after reconnect_timeout on failure),
// writes the local hello, then drains the outbox in order until ctx
// is cancelled or the connection fails, at which point it reconnects.
func (l *Link) RunOutbound(ctx context.Context, localGSN func() uint64, localCRC func() uint32) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := l.connect(ctx)
		if err != nil {
			logger.Warningf("peer %d: connect failed: %v", l.peer.HostID, err)
			l.setHalfUp(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.timeouts.Reconnect):
			}
			continue
		}

		if err := l.writeHello(conn, localGSN(), localCRC()); err != nil {
			logger.Warningf("peer %d: hello write failed: %v", l.peer.HostID, err)
			conn.Close()
			l.setHalfUp(false)
			continue
		}

		l.setHalfUp(true)
		l.writeLoop(ctx, conn, localGSN)
		conn.Close()
		l.setHalfUp(false)
	}
}

func (l *Link) connect(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, l.timeouts.Connect)
	defer cancel()
	return l.dialer.DialContext(dialCtx, "tcp", l.addr)
}

func (l *Link) writeHello(conn net.Conn, gsn uint64, crc uint32) error {
	conn.SetWriteDeadline(time.Now().Add(l.timeouts.Write))
	return wire.WriteFrame(conn, wire.Hello{HostID: uint8(l.self), GSN: gsn, LastOpCRC: crc})
}

// writeLoop drains the peer's outbox in send order, pinging on idle
// timeout, until a write fails or ctx is cancelled.
func (l *Link) writeLoop(ctx context.Context, conn net.Conn, localGSN func() uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.peer.Outbox:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(l.timeouts.Write))
			if err := wire.WriteFrame(conn, msg); err != nil {
				logger.Warningf("peer %d: write failed: %v", l.peer.HostID, err)
				return
			}
		case <-time.After(l.timeouts.Ping):
			conn.SetWriteDeadline(time.Now().Add(l.timeouts.Write))
			if err := wire.WriteFrame(conn, wire.Ping{GSN: localGSN()}); err != nil {
				logger.Warningf("peer %d: ping failed: %v", l.peer.HostID, err)
				return
			}
		}
	}
}

func (l *Link) setHalfUp(up bool) {
	if up == l.halfUpOut {
		return
	}
	l.halfUpOut = up
	l.transition(up)
}

// transition applies the §4.2 connectivity state machine to this
// link's half (outbound leg). The inbound leg calls the same method
// independently from its own goroutine.
func (l *Link) transition(up bool) {
	applyHalfTransition(l.peer, up, l.dispatch)
}

// applyHalfTransition is shared by the outbound Link and the inbound
// reader so both legs drive the same 0/1/2 state machine (spec.md §4.2).
func applyHalfTransition(peer *cluster.PeerState, up bool, dispatch Dispatcher) {
	becameUp, becameDown := peer.Transition(up)
	if becameUp {
		dispatch.OnPeerUp(peer.HostID)
	} else if becameDown {
		dispatch.OnPeerDown(peer.HostID)
	}
}

// readHello reads and type-asserts the first frame of a freshly
// accepted or dialed connection, which spec.md §4.2 requires to always
// be a hello.
func readHello(conn net.Conn, timeouts Timeouts) (wire.Hello, error) {
	conn.SetReadDeadline(time.Now().Add(timeouts.Read))
	msg, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.Hello{}, errors.Wrap(err, "peerlink: reading hello")
	}
	hello, ok := msg.(wire.Hello)
	if !ok {
		return wire.Hello{}, errors.Errorf("peerlink: expected hello as first frame, got %T", msg)
	}
	return hello, nil
}

// runInbound registers a connection's hello against peer, drives the
// §4.2 half-link transition, then dispatches frames until the
// connection fails or ctx ends. It is the single inbound read loop
// shared by ReadLoop (peer already known) and Listener.handleConn
// (peer resolved from the hello's host_id).
func runInbound(ctx context.Context, conn net.Conn, timeouts Timeouts, peer *cluster.PeerState, dispatch Dispatcher, hello wire.Hello) {
	peer.SetGSN(hello.GSN)
	peer.SetCRC(hello.LastOpCRC)
	dispatch.OnHello(peer.HostID, hello.GSN, hello.LastOpCRC)

	applyHalfTransition(peer, true, dispatch)
	defer applyHalfTransition(peer, false, dispatch)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(timeouts.Read))
		msg, err := wire.ReadFrame(conn)
		if err != nil {
			logger.Warningf("peer %d: inbound read failed, tearing down: %v", peer.HostID, err)
			return
		}
		dispatch.OnMessage(peer.HostID, msg)
	}
}

// ReadLoop is the inbound task for a connection whose peer is already
// known: read its hello, register its view, then dispatch frames until
// the connection fails or ctx ends.
func ReadLoop(ctx context.Context, conn net.Conn, timeouts Timeouts, peer *cluster.PeerState, dispatch Dispatcher) {
	hello, err := readHello(conn, timeouts)
	if err != nil {
		logger.Warningf("peer %d: %v", peer.HostID, err)
		return
	}
	runInbound(ctx, conn, timeouts, peer, dispatch, hello)
}

// Listener accepts inbound peer connections and runs the inbound read
// loop (runInbound) for each, after validating the hello's host_id against the cluster
// configuration (spec.md §6 "Peer socket listener").
type Listener struct {
	cfg      *cluster.Config
	state    *cluster.State
	timeouts Timeouts
	dispatch Dispatcher
}

func NewListener(state *cluster.State, timeouts Timeouts, dispatch Dispatcher) *Listener {
	return &Listener{cfg: state.Config, state: state, timeouts: timeouts, dispatch: dispatch}
}

func (s *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "peerlink: accept")
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads the inbound connection's hello to learn which peer
// it belongs to -- unlike ReadLoop's caller, the listener cannot know
// that in advance -- validates the host_id against the static cluster
// configuration, then hands off to the same runInbound loop ReadLoop
// uses for an outbound-dialed connection's inbound leg.
func (s *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	hello, err := readHello(conn, s.timeouts)
	if err != nil {
		logger.Warningf("peerlink: %v", err)
		return
	}
	hostID := cluster.HostID(hello.HostID)
	if _, known := s.cfg.Descriptor(hostID); !known {
		logger.Warningf("peerlink: rejecting connection from unknown host_id %d", hostID)
		return
	}
	peer, ok := s.state.Peers[hostID]
	if !ok {
		return
	}

	runInbound(ctx, conn, s.timeouts, peer, s.dispatch, hello)
}
