// Package recovery implements C7: after a leader change, replay the
// local WAL tail to every lagging peer until none remains behind,
// tearing down the link to any peer whose last_op_crc diverges from
// the leader's at the same GSN (spec.md §4.7).
package recovery

import (
	"sync"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"replicore/internal/cluster"
	"replicore/internal/wal"
	"replicore/internal/wire"
)

var logger = logging.MustGetLogger("recovery")

// Recovery replays spec.md §4.7's WAL tail to peers a new leader finds
// behind. spec.md §4.7 requires writes to be queued but not broadcast
// while a run is in progress; the commit coordinator enforces that by
// consulting InProgress before every body broadcast (reject broadcasts
// are not deferred) and wires SetOnDone so
// it can flush whatever it deferred once a run completes.
type Recovery struct {
	state    *cluster.State
	reader   wal.Reader
	teardown func(host cluster.HostID)
	statsd   statsd.Statter

	mu         sync.Mutex
	inProgress bool
	onDone     func()
}

func New(state *cluster.State, reader wal.Reader, teardown func(host cluster.HostID), stats statsd.Statter) *Recovery {
	return &Recovery{state: state, reader: reader, teardown: teardown, statsd: stats}
}

// InProgress reports whether a replay run is currently active.
func (r *Recovery) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress
}

// SetOnDone registers fn to run after every replay run completes. It
// is meant to be called once during startup wiring, before any call to
// TriggerFor, so it needs no synchronization of its own against run's
// read of the field.
func (r *Recovery) SetOnDone(fn func()) {
	r.onDone = fn
}

// TriggerFor starts a replay run for the given lagging peers (as
// reported by election on becoming leader). It is a no-op if a run is
// already active: the call is dropped, not queued, and nothing
// re-triggers a run for peers still behind when the current one ends.
func (r *Recovery) TriggerFor(lagging []cluster.HostID) {
	r.mu.Lock()
	if r.inProgress || len(lagging) == 0 {
		r.mu.Unlock()
		return
	}
	r.inProgress = true
	r.mu.Unlock()

	go r.run(lagging)
}

func (r *Recovery) run(lagging []cluster.HostID) {
	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.mu.Unlock()
		if r.onDone != nil {
			r.onDone()
		}
	}()

	start := r.minLaggingGSN(lagging)
	it, err := r.reader.IterateFrom(start)
	if err != nil {
		logger.Errorf("recovery: failed to open wal iterator from gsn %d: %v", start, err)
		return
	}

	for {
		row, ok, err := it.Next()
		if err != nil {
			logger.Errorf("recovery: wal iteration halted: %v", err)
			return
		}
		if !ok {
			break
		}
		r.replayRow(row, lagging)
		if !r.anyStillLagging(lagging) {
			break
		}
	}

	if r.statsd != nil {
		r.statsd.Inc("recovery.runs_completed", 1, 1.0)
	}
}

// minLaggingGSN returns the lowest acked GSN among the lagging peers.
// Iteration starts exactly there, not one past it, so the row at a
// peer's own reported tip is still read and available for the
// divergence comparison in replayRow (spec.md §4.7, §8 S6).
func (r *Recovery) minLaggingGSN(lagging []cluster.HostID) uint64 {
	min := r.state.LocalGSN()
	for _, id := range lagging {
		p, ok := r.state.Peers[id]
		if !ok {
			continue
		}
		if g := p.GetGSN(); g < min {
			min = g
		}
	}
	return min
}

func (r *Recovery) anyStillLagging(lagging []cluster.HostID) bool {
	for _, id := range lagging {
		p, ok := r.state.Peers[id]
		if !ok || !p.IsUp() {
			continue
		}
		if p.GetGSN() < r.state.LocalGSN() {
			return true
		}
	}
	return false
}

func (r *Recovery) replayRow(row wal.Row, lagging []cluster.HostID) {
	for _, id := range lagging {
		peer, ok := r.state.Peers[id]
		if !ok || !peer.IsUp() {
			continue
		}
		peerGSN := peer.GetGSN()
		switch {
		case peerGSN == row.GSN:
			if peer.GetCRC() != row.CRC {
				logger.Errorf("recovery: peer %d diverged at gsn %d (crc %x != %x), tearing down link", id, row.GSN, peer.GetCRC(), row.CRC)
				if r.statsd != nil {
					r.statsd.Inc("recovery.divergence", 1, 1.0)
				}
				r.teardown(id)
			}
		case peerGSN < row.GSN:
			peer.PushAndSend(row.GSN, wire.Body{GSN: row.GSN, Row: row.Body})
		}
	}
}
