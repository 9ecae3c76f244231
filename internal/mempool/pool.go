// Package mempool provides the per-database decompression allocator.
//
// Every read against a database stages the engine's value in a buffer
// borrowed from that database's Allocator and hands it back once the value
// has been materialized, so steady-state lookups do not allocate.
package mempool

import (
	"sync"
	"sync/atomic"
)

// BucketSizes defines the buffer size buckets.
var BucketSizes = [5]int{
	256,       // 256 bytes
	1024,      // 1KB
	4 * 1024,  // 4KB
	16 * 1024, // 16KB
	64 * 1024, // 64KB
}

// Stats counts allocator traffic.
type Stats struct {
	Gets      uint64
	Puts      uint64
	Misses    uint64 // bucket was empty, a new buffer was made
	Oversized uint64 // request larger than the biggest bucket
}

// Allocator hands out reusable byte slices in size buckets.
// It is safe for concurrent use.
type Allocator struct {
	pools  [len(BucketSizes)]sync.Pool
	closed atomic.Bool

	gets      atomic.Uint64
	puts      atomic.Uint64
	misses    atomic.Uint64
	oversized atomic.Uint64
}

// New creates an empty Allocator.
func New() *Allocator {
	a := &Allocator{}
	for i := range a.pools {
		size := BucketSizes[i]
		a.pools[i].New = func() any {
			a.misses.Add(1)
			buf := make([]byte, 0, size)
			return &buf
		}
	}
	return a
}

// Get returns a zero-length slice with capacity of at least minSize.
func (a *Allocator) Get(minSize int) []byte {
	a.gets.Add(1)

	bucket := getBucket(minSize)
	if bucket < 0 {
		a.oversized.Add(1)
		return make([]byte, 0, minSize)
	}
	if a.closed.Load() {
		return make([]byte, 0, minSize)
	}

	bufPtr, ok := a.pools[bucket].Get().(*[]byte)
	if !ok {
		return make([]byte, 0, minSize)
	}
	return (*bufPtr)[:0]
}

// Put returns buf for reuse. A slice is filed under the largest bucket its
// capacity fully covers, so a later Get never receives less than it asked
// for. Buffers returned after Close are dropped.
func (a *Allocator) Put(buf []byte) {
	if buf == nil || a.closed.Load() {
		return
	}
	a.puts.Add(1)

	bucket := -1
	for i, size := range BucketSizes {
		if cap(buf) >= size {
			bucket = i
		}
	}
	if bucket < 0 || cap(buf) > BucketSizes[len(BucketSizes)-1]*2 {
		return
	}

	buf = buf[:0]
	a.pools[bucket].Put(&buf)
}

// Stats returns a snapshot of the counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Gets:      a.gets.Load(),
		Puts:      a.puts.Load(),
		Misses:    a.misses.Load(),
		Oversized: a.oversized.Load(),
	}
}

// Close stops pooling. Buffers already handed out remain valid; pooled ones
// go with the Allocator once it is unreachable.
func (a *Allocator) Close() {
	a.closed.Store(true)
}

// Closed reports whether Close has been called.
func (a *Allocator) Closed() bool {
	return a.closed.Load()
}

func getBucket(size int) int {
	for i, bucketSize := range BucketSizes {
		if size <= bucketSize {
			return i
		}
	}
	return -1
}
