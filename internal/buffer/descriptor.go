// Package buffer implements the ways key and value bytes cross into native
// code.
//
// A Descriptor says where the bytes live. A Scope turns descriptors into
// slices the engine may read, and undoes every acquisition when released:
//
//	scope := buffer.NewScope(pins, heap)
//	defer scope.Release()
//	key, err := scope.Acquire(keyDesc)
//
// Region descriptors are copied into a native block, Pinned descriptors pin
// the caller's array in place, and Direct descriptors already point at
// native memory. While a scope holds pins, the code between Acquire and
// Release must be limited to the engine call itself: no callbacks into
// caller code and no further acquisitions that could block.
package buffer

import (
	"fmt"
	"unsafe"
)

// Kind identifies a buffer sourcing strategy.
type Kind uint8

const (
	// KindNone is the zero Descriptor. Where a bound is optional it means
	// "absent"; everywhere else acquiring it fails.
	KindNone Kind = iota
	KindRegion
	KindPinned
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRegion:
		return "region"
	case KindPinned:
		return "pinned"
	case KindDirect:
		return "direct"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Descriptor describes a byte range in either a caller-owned array or native
// memory.
type Descriptor struct {
	kind Kind
	arr  []byte
	off  int
	n    int
	addr uintptr
}

// Region describes arr[off:off+n], to be copied into native memory.
func Region(arr []byte, off, n int) Descriptor {
	return Descriptor{kind: KindRegion, arr: arr, off: off, n: n}
}

// RegionOf describes all of b as a Region.
func RegionOf(b []byte) Descriptor {
	return Region(b, 0, len(b))
}

// Pinned describes arr[off:off+n], to be pinned in place for the call.
func Pinned(arr []byte, off, n int) Descriptor {
	return Descriptor{kind: KindPinned, arr: arr, off: off, n: n}
}

// PinnedOf describes all of b as a Pinned range.
func PinnedOf(b []byte) Descriptor {
	return Pinned(b, 0, len(b))
}

// Direct describes n bytes of native memory at addr. The caller keeps the
// memory valid for the duration of the call.
func Direct(addr uintptr, n int) Descriptor {
	return Descriptor{kind: KindDirect, addr: addr, n: n}
}

// Kind returns the strategy.
func (d Descriptor) Kind() Kind { return d.kind }

// Len returns the number of bytes described.
func (d Descriptor) Len() int { return d.n }

// IsNone reports whether d is the zero Descriptor.
func (d Descriptor) IsNone() bool { return d.kind == KindNone }

func (d Descriptor) String() string {
	switch d.kind {
	case KindNone:
		return "none"
	case KindDirect:
		return fmt.Sprintf("direct(%#x, %d)", d.addr, d.n)
	default:
		return fmt.Sprintf("%s(%p[%d:%d])", d.kind, unsafe.SliceData(d.arr), d.off, d.off+d.n)
	}
}

func (d Descriptor) checkBounds() error {
	if d.off < 0 || d.n < 0 || d.off > len(d.arr)-d.n {
		return fmt.Errorf("%w: %s range [%d:%d] outside array of length %d",
			ErrOutOfRange, d.kind, d.off, d.off+d.n, len(d.arr))
	}
	return nil
}
