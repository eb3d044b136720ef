// Package pools provides object pooling for reducing GC pressure.
//
// This package contains pool implementations for the allocations that
// recur on every request and every log line:
//
//   - BytePool: size-class based byte slice pooling, used by the
//     sstable row-encode and commit-log row-encode hot paths.
//   - StringMapPool: pooling for the per-log-call field map.
//   - BufferBuilder: pooled buffer construction, used to build the wire
//     protocol's outgoing frame body.
package pools
