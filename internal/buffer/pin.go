package buffer

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// Pin failures. They are reported wrapped in status.ErrResourceAcquisition.
var (
	ErrPinEmpty   = errors.New("unable to pin empty array")
	ErrPinLimit   = errors.New("pin table full")
	ErrNotPinned  = errors.New("array not pinned by this scope")
	ErrOutOfRange = errors.New("descriptor out of range")
	ErrPinForeign = errors.New("array is not Go memory")
)

type pinEntry struct {
	refs   map[*Scope]int
	pinner runtime.Pinner
}

// PinTable records which caller arrays are currently pinned and by whom.
// Scopes share the pin on an array; it is dropped when the last scope
// holding it releases. It is safe for concurrent use.
type PinTable struct {
	mu    sync.Mutex
	limit int
	pins  map[*byte]*pinEntry
	total uint64
}

// NewPinTable creates a table holding at most limit distinct arrays. A limit
// of zero means unlimited.
func NewPinTable(limit int) *PinTable {
	return &PinTable{
		limit: limit,
		pins:  make(map[*byte]*pinEntry),
	}
}

// Held returns the number of arrays currently pinned.
func (t *PinTable) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pins)
}

// Total returns the number of pins ever taken.
func (t *PinTable) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *PinTable) pin(owner *Scope, arr []byte) error {
	if cap(arr) == 0 {
		return ErrPinEmpty
	}
	base := unsafe.SliceData(arr)

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.pins[base]; ok {
		e.refs[owner]++
		return nil
	}
	if t.limit > 0 && len(t.pins) >= t.limit {
		return fmt.Errorf("%w: %d arrays pinned", ErrPinLimit, len(t.pins))
	}

	e := &pinEntry{refs: map[*Scope]int{owner: 1}}
	if err := pinArray(&e.pinner, base); err != nil {
		return err
	}
	t.pins[base] = e
	t.total++
	return nil
}

func (t *PinTable) unpin(owner *Scope, arr []byte) error {
	base := unsafe.SliceData(arr)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pins[base]
	if !ok || e.refs[owner] == 0 {
		return fmt.Errorf("%w: %p", ErrNotPinned, base)
	}
	if e.refs[owner]--; e.refs[owner] == 0 {
		delete(e.refs, owner)
	}
	if len(e.refs) == 0 {
		e.pinner.Unpin()
		delete(t.pins, base)
	}
	return nil
}

// pinArray pins the array holding base. The runtime panics for memory it
// does not manage, such as a native block wrapped in a slice; callers get
// an error instead and should describe such memory as Direct.
func pinArray(p *runtime.Pinner, base *byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPinForeign, r)
		}
	}()
	p.Pin(base)
	return nil
}
