// Package wal declares the external collaborator interfaces spec.md
// §1/§6 deliberately keeps out of this core's scope -- the local WAL
// writer, row codec/execution, and snapshot read-back for recovery --
// plus a small in-memory reference implementation used by tests and
// the standalone demo binary. Production deployments plug in a real
// durable writer behind these same interfaces; replicore never
// assumes more about the collaborator than the interfaces below.
package wal

import (
	"sync"

	"github.com/pkg/errors"
)

// Row is one durable WAL entry: the GSN-ordered replicated log record
// that both locally originated and proxied writes end up as.
type Row struct {
	GSN  uint64
	Body []byte

	// CRC is the running checksum over every committed body up to and
	// including this row (spec.md §3 last_op_crc), used by recovery to
	// detect divergence against a lagging peer's reported value.
	CRC uint32
}

// Writer is the "opaque: wal_write(row) -> lsn|error,
// wal_write_lsn" collaborator of spec.md §6.
type Writer interface {
	// Write durably appends row, assigning and returning its LSN. It
	// blocks the calling task and is durable on return (spec.md §6).
	Write(row Row) (lsn uint64, err error)

	// WriteAt durably appends row at a GSN already assigned by the
	// leader, used for proxied, replicated and accepted rows that reach
	// the WAL through the repl -> db bridge.
	WriteAt(row Row) error
}

// Iterator yields rows one at a time; it halts (returns ok=false) on
// truncation, matching "restartable, halts on truncation" (spec.md §6).
type Iterator interface {
	Next() (Row, bool, error)
}

// Reader is the "iterate_wal_from(start_gsn) -> stream<row>"
// collaborator used by C7 recovery.
type Reader interface {
	IterateFrom(startGSN uint64) (Iterator, error)
}

// Executor is the "decode(bytes) -> request, execute(request) ->
// result" collaborator: row codec and request execution against the
// in-memory database, entirely opaque to the replication core.
type Executor interface {
	Execute(body []byte) error

	// ConflictKey derives the conflict-key spec.md §3 describes
	// ("typically (space_id, primary_key_bytes)") from an encoded row,
	// without applying it. The commit coordinator calls this before
	// admission so a leader can serialize a proxied request's body
	// against other in-flight operations before Execute ever runs.
	ConflictKey(body []byte) string
}

// Memory is a minimal in-process Writer+Reader+Executor, sufficient
// for tests and for running replicore without a real storage engine
// wired in. It does not attempt durability across process restarts.
type Memory struct {
	mu   sync.Mutex
	rows []Row
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(row Row) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.GSN == 0 {
		return 0, errors.New("wal: row must carry an assigned gsn")
	}
	m.rows = append(m.rows, row)
	return row.GSN, nil
}

func (m *Memory) WriteAt(row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows {
		if existing.GSN == row.GSN {
			return errors.Errorf("wal: gsn %d already written", row.GSN)
		}
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *Memory) IterateFrom(startGSN uint64) (Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]Row, 0, len(m.rows))
	for _, r := range m.rows {
		if r.GSN >= startGSN {
			snapshot = append(snapshot, r)
		}
	}
	return &memoryIterator{rows: snapshot}, nil
}

// HighestGSN reports the durable GSN of the local node, used to seed
// cluster.State on startup (spec.md §3 "self's value is the local
// durable GSN").
func (m *Memory) HighestGSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint64
	for _, r := range m.rows {
		if r.GSN > max {
			max = r.GSN
		}
	}
	return max
}

// LastCRC reports the running checksum recorded on the highest-GSN row,
// used to resume last_op_crc bookkeeping across a restart.
func (m *Memory) LastCRC() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		max uint64
		crc uint32
	)
	for _, r := range m.rows {
		if r.GSN >= max {
			max = r.GSN
			crc = r.CRC
		}
	}
	return crc
}

func (m *Memory) Execute(body []byte) error {
	// Opaque by design: the in-memory reference collaborator accepts
	// any row body without interpreting it.
	_ = body
	return nil
}

// ConflictKey treats the whole row as its own conflict domain, which is
// enough to exercise admission and serialization in tests and the demo
// binary without a real row codec.
func (m *Memory) ConflictKey(body []byte) string {
	return string(body)
}

type memoryIterator struct {
	rows []Row
	pos  int
}

func (it *memoryIterator) Next() (Row, bool, error) {
	if it.pos >= len(it.rows) {
		return Row{}, false, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true, nil
}
