// Package crc computes the running CRC over committed row bodies that
// spec.md §3 calls last_op_crc, used by C7 recovery to detect divergence
// between a leader's WAL and a lagging peer's at the same GSN. No
// third-party checksum library appears anywhere in the retrieval pack, so
// this wraps the standard library's IEEE CRC-32 rather than reaching for
// an unrelated dependency.
package crc

import "hash/crc32"

// Update folds body into the running checksum prev.
func Update(prev uint32, body []byte) uint32 {
	return crc32.Update(prev, crc32.IEEETable, body)
}
