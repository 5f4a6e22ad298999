// Package bridge implements the cross-thread bridge (C8): two FIFO
// queues, each protected by a mutex and a condition variable, that
// hand operations between the database-execution context (thread A)
// and the replication context (thread B), per spec.md §4.8.
//
// Each queue signals its waiter only on an empty-to-nonempty
// transition, the same sync.Cond-based wakeup idiom as a condition
// variable gating a phase barrier.
package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// Queue is a mutex-and-condvar-guarded FIFO, the single building
// block both bridge directions are built from.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []any
	closed bool
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues item, signaling a waiter only when the queue was empty.
func (q *Queue) Push(item any) {
	q.mu.Lock()
	wasEmpty := len(q.items) == 0
	q.items = append(q.items, item)
	q.mu.Unlock()
	if wasEmpty {
		q.cond.Signal()
	}
}

// PopWait blocks until an item is available or the queue is closed.
// ok is false only once the queue has been drained and closed.
func (q *Queue) PopWait() (item any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Close wakes every blocked PopWait so shutdown can proceed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ClientWrite is a newly accepted client write handed from thread A
// to thread B (the db -> repl direction). Done carries the terminal
// result back to the blocked caller of submit_local; a Go channel is
// the idiomatic realization of spec.md's per-operation "waker".
type ClientWrite struct {
	ID          uuid.UUID
	Body        []byte
	ConflictKey string
	Done        chan Result
}

// NewClientWrite stamps a fresh correlation ID onto a client write, so
// a single write can be traced through coordinator logs and any
// proxy_request/proxy_accept round trip it takes across the wire.
func NewClientWrite(body []byte, conflictKey string) ClientWrite {
	return ClientWrite{
		ID:          uuid.New(),
		Body:        body,
		ConflictKey: conflictKey,
		Done:        make(chan Result, 1),
	}
}

// Result mirrors replierr.Result without importing it here, keeping
// this package free of replierr; cmd/replnode's runExecLoop converts
// the coordinator's result into it.
type Result struct {
	Committed bool
	Kind      string
}

// ExecRequest is handed from thread B to thread A (the repl -> db
// direction) when a proxied or recovered row must be executed against
// the database and durably WAL-written before replication can proceed.
type ExecRequest struct {
	GSN   uint64
	LSN   uint64
	CRC   uint32
	Body  []byte
	Reply chan ExecResult
}

type ExecResult struct {
	LSN uint64
	Err error
}

// Bridge owns the two queues plus shutdown bookkeeping.
type Bridge struct {
	DBToRepl *Queue // ClientWrite
	ReplToDB *Queue // ExecRequest
}

func New() *Bridge {
	return &Bridge{DBToRepl: NewQueue(), ReplToDB: NewQueue()}
}

func (b *Bridge) Shutdown() {
	b.DBToRepl.Close()
	b.ReplToDB.Close()
}
