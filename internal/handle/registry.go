// Package handle maps opaque integer handles onto live Go objects.
//
// A Handle packs a slot index and a generation counter. Releasing a handle
// bumps its slot's generation, so a stale copy held by a caller never
// resolves to whatever object later reuses the slot. The zero Handle is never
// issued.
package handle

import (
	"fmt"
	"sync"

	"github.com/maxiofs/nativekv/internal/status"
)

// Handle is an opaque reference to a registered object.
type Handle uint64

// Kind distinguishes the object families sharing a registry. A handle only
// resolves under the kind it was registered with.
type Kind uint8

const (
	KindDatabase Kind = iota + 1
	KindAllocator
	KindBatch
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindDatabase:
		return "database"
	case KindAllocator:
		return "allocator"
	case KindBatch:
		return "batch"
	case KindValue:
		return "value"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func makeHandle(idx int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(uint32(idx+1)))
}

func (h Handle) index() int { return int(uint32(h)) - 1 }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

type slot struct {
	gen  uint32
	kind Kind
	obj  any
}

// Registry holds live objects by handle. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	slots []slot
	free  []int
	live  map[Kind]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[Kind]int)}
}

// Register stores obj and returns a fresh handle for it.
func (r *Registry) Register(kind Kind, obj any) Handle {
	if obj == nil {
		panic("handle: Register of nil object")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var idx int
	if n := len(r.free); n != 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = len(r.slots)
		r.slots = append(r.slots, slot{})
	}

	s := &r.slots[idx]
	s.kind, s.obj = kind, obj
	r.live[kind]++
	return makeHandle(idx, s.gen)
}

// Lookup resolves h to its object.
func (r *Registry) Lookup(h Handle, kind Kind) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.resolve(h, kind)
	if err != nil {
		return nil, err
	}
	return s.obj, nil
}

// Release invalidates h and returns the object it referred to. Exactly one
// of any number of concurrent Release calls for the same handle succeeds.
func (r *Registry) Release(h Handle, kind Kind) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.resolve(h, kind)
	if err != nil {
		return nil, err
	}
	obj := s.obj
	s.obj, s.kind = nil, 0
	s.gen++
	r.free = append(r.free, h.index())
	r.live[kind]--
	return obj, nil
}

// Live returns the number of registered objects of kind.
func (r *Registry) Live(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[kind]
}

// Handles returns the handles of every live object of kind.
func (r *Registry) Handles(kind Kind) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Handle
	for idx := range r.slots {
		if s := &r.slots[idx]; s.obj != nil && s.kind == kind {
			out = append(out, makeHandle(idx, s.gen))
		}
	}
	return out
}

// resolve is called with r.mu held.
func (r *Registry) resolve(h Handle, kind Kind) (*slot, error) {
	if h == 0 {
		return nil, fmt.Errorf("%w: zero %s handle", status.ErrInvalidHandle, kind)
	}
	idx := h.index()
	if idx < 0 || idx >= len(r.slots) {
		return nil, fmt.Errorf("%w: unknown %s handle %#x", status.ErrInvalidHandle, kind, uint64(h))
	}
	s := &r.slots[idx]
	if s.obj == nil || s.gen != h.generation() {
		return nil, fmt.Errorf("%w: %s handle %#x already released", status.ErrInvalidHandle, kind, uint64(h))
	}
	if s.kind != kind {
		return nil, fmt.Errorf("%w: handle %#x is a %s, not a %s", status.ErrInvalidHandle, uint64(h), s.kind, kind)
	}
	return s, nil
}
