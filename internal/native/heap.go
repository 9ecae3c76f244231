// Package native manages memory that lives outside the Go heap.
//
// Blocks handed out by a Heap are never moved or reclaimed by the garbage
// collector, so their addresses may be passed around as plain integers and
// read by code that does not hold a Go reference. Every block has exactly one
// owner and must be freed exactly once; the heap tracks live blocks so a
// double free or a free of an unknown address is reported instead of
// corrupting the allocator.
//
// Memory comes from a modernc.org/memory allocator, which serves small
// requests from mmap'ed size-class pages and gives large ones their own
// mapping.
package native

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"modernc.org/memory"
)

// Common errors
var (
	ErrExhausted = errors.New("native heap exhausted")
	ErrBadFree   = errors.New("native block not allocated")
	ErrClosed    = errors.New("native heap closed")
	ErrLeaked    = errors.New("native heap has live blocks")
)

// Block is a contiguous range of native memory.
type Block struct {
	Addr uintptr
	Len  int
}

// Bytes returns a slice aliasing the block. The slice is valid until the
// block is freed. A zero-length block yields an empty, non-nil slice.
func (b Block) Bytes() []byte {
	return View(b.Addr, b.Len)
}

// View returns a slice over n bytes of native memory starting at addr.
func View(addr uintptr, n int) []byte {
	if n == 0 || addr == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Stats describes the heap's current footprint.
type Stats struct {
	LiveBlocks int
	LiveBytes  int64
	// MappedBytes is what the allocator reserved for the live blocks,
	// including size-class rounding.
	MappedBytes int64
}

// Allocator is the contract the buffer layer depends on. Heap implements it;
// tests substitute fault-injecting doubles.
type Allocator interface {
	Alloc(n int) (Block, error)
	Free(b Block) error
	Stats() Stats
}

type liveBlock struct {
	n      int
	usable int
}

// Heap tracks blocks drawn from a memory.Allocator. It is safe for
// concurrent use.
type Heap struct {
	mu        sync.Mutex
	limit     int64
	alloc     memory.Allocator
	live      map[uintptr]liveBlock
	liveBytes int64
	reserved  int64
	closed    bool
}

// NewHeap creates a heap. limit caps the bytes that may be live at once;
// zero means unlimited.
func NewHeap(limit int64) *Heap {
	return &Heap{
		limit: limit,
		live:  make(map[uintptr]liveBlock),
	}
}

// Alloc returns a block of exactly n bytes. A zero-length request returns
// the zero Block without touching the heap.
func (h *Heap) Alloc(n int) (Block, error) {
	if n < 0 {
		return Block{}, fmt.Errorf("native alloc: negative length %d", n)
	}
	if n == 0 {
		return Block{}, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return Block{}, ErrClosed
	}
	if h.limit > 0 && h.liveBytes+int64(n) > h.limit {
		return Block{}, fmt.Errorf("%w: %d bytes live, %d requested, limit %d",
			ErrExhausted, h.liveBytes, n, h.limit)
	}

	addr, err := h.alloc.UintptrMalloc(n)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	usable := memory.UintptrUsableSize(addr)

	h.live[addr] = liveBlock{n: n, usable: usable}
	h.liveBytes += int64(n)
	h.reserved += int64(usable)
	return Block{Addr: addr, Len: n}, nil
}

// Free returns b to the heap. Freeing the zero Block is a no-op; freeing a
// block twice, or one this heap never handed out, returns ErrBadFree.
func (h *Heap) Free(b Block) error {
	if b.Addr == 0 && b.Len == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	lb, ok := h.live[b.Addr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrBadFree, b.Addr)
	}
	if lb.n != b.Len {
		return fmt.Errorf("%w: %#x has length %d, not %d", ErrBadFree, b.Addr, lb.n, b.Len)
	}
	delete(h.live, b.Addr)
	h.liveBytes -= int64(lb.n)
	h.reserved -= int64(lb.usable)
	return h.alloc.UintptrFree(b.Addr)
}

// Stats reports live and reserved bytes.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		LiveBlocks:  len(h.live),
		LiveBytes:   h.liveBytes,
		MappedBytes: h.reserved,
	}
}

// Close releases every mapping. It refuses while blocks are still live,
// since unmapping them would leave their owners with dangling addresses.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	if len(h.live) > 0 {
		return fmt.Errorf("%w: %d blocks, %d bytes", ErrLeaked, len(h.live), h.liveBytes)
	}
	h.closed = true
	return h.alloc.Close()
}
