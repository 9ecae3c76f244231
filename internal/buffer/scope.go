package buffer

import (
	"errors"
	"fmt"

	"github.com/maxiofs/nativekv/internal/native"
	"github.com/maxiofs/nativekv/internal/status"
)

type acquisition struct {
	kind  Kind
	arr   []byte
	block native.Block
}

// Scope tracks everything acquired for one boundary call. It is not safe for
// concurrent use; each call owns its own scope.
type Scope struct {
	pins     *PinTable
	heap     native.Allocator
	held     []acquisition
	released bool
}

// NewScope returns a scope drawing pins from pins and native blocks from
// heap.
func NewScope(pins *PinTable, heap native.Allocator) *Scope {
	return &Scope{pins: pins, heap: heap}
}

// Acquire returns a slice the engine may read for the duration of the scope.
// Failures are wrapped in status.ErrResourceAcquisition; anything acquired
// earlier in the scope stays held until Release.
func (s *Scope) Acquire(d Descriptor) ([]byte, error) {
	if s.released {
		return nil, fmt.Errorf("%w: scope already released", status.ErrResourceAcquisition)
	}

	switch d.kind {
	case KindRegion:
		if err := d.checkBounds(); err != nil {
			return nil, fmt.Errorf("%w: %w", status.ErrResourceAcquisition, err)
		}
		block, err := s.heap.Alloc(d.n)
		if err != nil {
			return nil, fmt.Errorf("%w: region copy of %d bytes: %w", status.ErrResourceAcquisition, d.n, err)
		}
		buf := block.Bytes()
		copy(buf, d.arr[d.off:d.off+d.n])
		s.held = append(s.held, acquisition{kind: KindRegion, block: block})
		return buf, nil

	case KindPinned:
		if err := d.checkBounds(); err != nil {
			return nil, fmt.Errorf("%w: %w", status.ErrResourceAcquisition, err)
		}
		if err := s.pins.pin(s, d.arr); err != nil {
			return nil, fmt.Errorf("%w: unable to pin array: %w", status.ErrResourceAcquisition, err)
		}
		s.held = append(s.held, acquisition{kind: KindPinned, arr: d.arr})
		return d.arr[d.off : d.off+d.n : d.off+d.n], nil

	case KindDirect:
		if d.n < 0 || (d.addr == 0 && d.n > 0) {
			return nil, fmt.Errorf("%w: %w: %s", status.ErrResourceAcquisition, ErrOutOfRange, d)
		}
		return native.View(d.addr, d.n), nil

	default:
		return nil, fmt.Errorf("%w: no buffer described", status.ErrResourceAcquisition)
	}
}

// Held returns the number of pins and native blocks the scope still owns.
func (s *Scope) Held() int {
	return len(s.held)
}

// Release unpins and frees everything the scope acquired, newest first. It
// is safe to call more than once; only the first call does anything.
func (s *Scope) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	var errs []error
	for i := len(s.held) - 1; i >= 0; i-- {
		a := s.held[i]
		switch a.kind {
		case KindRegion:
			if err := s.heap.Free(a.block); err != nil {
				errs = append(errs, err)
			}
		case KindPinned:
			if err := s.pins.unpin(s, a.arr); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.held = nil
	return errors.Join(errs...)
}
