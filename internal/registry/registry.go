// Package registry implements the operation registry (C4): all
// in-flight operations indexed by GSN and by conflict-key, owning
// per-operation timeouts and the execute-queue used for cascading
// rollback (spec.md §4.4, §4.5 "Cascading rollback").
package registry

import (
	"sync"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"replicore/internal/activeops"
	"replicore/internal/replierr"
)

var logger = logging.MustGetLogger("registry")

// Status is the operation state machine position from spec.md §4.5.
type Status string

const (
	StatusInit   Status = "init"
	StatusAccept Status = "accept"
	StatusWAL    Status = "wal"
	StatusSubmit Status = "submit"
	StatusYield  Status = "yield"
)

// Operation is one in-flight write, per spec.md §3.
type Operation struct {
	mu sync.Mutex

	GSN          uint64
	LSN          uint64
	OriginatorID activeops.OriginatorID
	ConflictKey  string
	Status       Status
	Accepted     int
	Rejected     int
	Body         []byte

	done     chan replierr.Result
	doneOnce sync.Once
	timer    *time.Timer

	admittedAt time.Time
}

// Await blocks the calling goroutine -- the explicit suspension point
// spec.md §5 requires -- until the operation terminates.
func (o *Operation) Await() replierr.Result {
	return <-o.done
}

func (o *Operation) setStatus(s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Status = s
}

func (o *Operation) GetStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Status
}

// Registry owns all in-flight operations, indexed by GSN and by
// conflict-key, plus the execute-queue ordering used for cascading
// rollback (invariant 6).
type Registry struct {
	mu sync.Mutex

	numHosts     int
	opTimeout    time.Duration
	onTimeout    func(op *Operation)
	statsd       statsd.Statter

	byGSN        map[uint64]*Operation
	byKey        map[string]*Operation
	executeQueue []*Operation
}

// New builds a registry. onTimeout is invoked (without the registry
// lock held) when an operation's operation_timeout elapses; the
// coordinator wires this to broadcast reject(gsn) and run cascading
// rollback (spec.md §4.4).
func New(numHosts int, opTimeout time.Duration, onTimeout func(op *Operation), stats statsd.Statter) *Registry {
	return &Registry{
		numHosts:  numHosts,
		opTimeout: opTimeout,
		onTimeout: onTimeout,
		statsd:    stats,
		byGSN:     make(map[uint64]*Operation),
		byKey:     make(map[string]*Operation),
	}
}

// Create admits a new operation into the registry, arming its
// operation_timeout timer and appending it to the execute-queue.
// Conflict-key admission against the active-op table must already
// have succeeded by the time Create is called (spec.md §4.3 happens
// before §4.4 registration).
func (r *Registry) Create(gsn uint64, lsn uint64, originator activeops.OriginatorID, conflictKey string, body []byte) *Operation {
	op := &Operation{
		GSN:          gsn,
		LSN:          lsn,
		OriginatorID: originator,
		ConflictKey:  conflictKey,
		Status:       StatusInit,
		Body:         body,
		done:         make(chan replierr.Result, 1),
		admittedAt:   time.Now(),
	}

	r.mu.Lock()
	r.byGSN[gsn] = op
	r.byKey[conflictKey] = op
	r.executeQueue = append(r.executeQueue, op)
	r.mu.Unlock()

	op.timer = time.AfterFunc(r.opTimeout, func() {
		if r.statsd != nil {
			_ = r.statsd.Inc("registry.operation_timeout", 1, 1.0)
		}
		logger.Warningf("operation gsn=%d timed out awaiting quorum", gsn)
		if r.onTimeout != nil {
			r.onTimeout(op)
		}
	})

	return op
}

func (r *Registry) Lookup(gsn uint64) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.byGSN[gsn]
	return op, ok
}

func (r *Registry) LookupByKey(key string) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.byKey[key]
	return op, ok
}

// RecordAccept increments the accepted tally for gsn and reports
// whether a quorum (2*accepted > num_hosts) has now been reached.
func (r *Registry) RecordAccept(gsn uint64) (accepted int, quorum bool, ok bool) {
	op, found := r.Lookup(gsn)
	if !found {
		return 0, false, false
	}
	op.mu.Lock()
	op.Accepted++
	accepted = op.Accepted
	op.mu.Unlock()
	return accepted, 2*accepted > r.numHosts, true
}

// RecordReject increments the rejected tally for gsn and reports
// whether a majority reject (2*rejected >= num_hosts) has now occurred.
func (r *Registry) RecordReject(gsn uint64) (rejected int, majority bool, ok bool) {
	op, found := r.Lookup(gsn)
	if !found {
		return 0, false, false
	}
	op.mu.Lock()
	op.Rejected++
	rejected = op.Rejected
	op.mu.Unlock()
	return rejected, 2*rejected >= r.numHosts, true
}

// SetStatus transitions op to the given state (spec.md §4.5 states).
func (r *Registry) SetStatus(op *Operation, s Status) {
	op.setStatus(s)
}

// CascadeAfter returns every operation admitted after op on the
// execute-queue, in reverse admission order -- the set that must also
// be rolled back when op is rejected (invariant 6).
func (r *Registry) CascadeAfter(op *Operation) []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, o := range r.executeQueue {
		if o == op {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	tail := r.executeQueue[idx+1:]
	out := make([]*Operation, len(tail))
	for i := range tail {
		out[len(tail)-1-i] = tail[i]
	}
	return out
}

// Terminate delivers the final result to the operation's waiter and
// removes it from the registry's live indices. It is idempotent.
func (r *Registry) Terminate(op *Operation, result replierr.Result) {
	op.doneOnce.Do(func() {
		if op.timer != nil {
			op.timer.Stop()
		}
		r.mu.Lock()
		delete(r.byGSN, op.GSN)
		if r.byKey[op.ConflictKey] == op {
			delete(r.byKey, op.ConflictKey)
		}
		for i, o := range r.executeQueue {
			if o == op {
				r.executeQueue = append(r.executeQueue[:i], r.executeQueue[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		op.done <- result
		close(op.done)
	})
}

// Shutdown terminates every in-flight operation with rolled_back(shutdown),
// satisfying spec.md §8 testable property 6.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ops := make([]*Operation, len(r.executeQueue))
	copy(ops, r.executeQueue)
	r.mu.Unlock()

	for _, op := range ops {
		r.Terminate(op, replierr.RolledBack(replierr.KindShutdown))
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executeQueue)
}
