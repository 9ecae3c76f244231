package nativekv

import (
	"fmt"

	"github.com/maxiofs/nativekv/internal/handle"
	"github.com/maxiofs/nativekv/internal/native"
)

// ZeroCopyBytes returns a slice aliasing the value behind h. The slice must
// not be used after the value is released.
func (r *Runtime) ZeroCopyBytes(h ValueHandle) ([]byte, error) {
	obj, err := r.handles.Lookup(handle.Handle(h), handle.KindValue)
	if err != nil {
		return nil, err
	}
	return obj.(*zeroCopyValue).block.Bytes(), nil
}

// ReleaseZeroCopyValue frees the value behind h. Releasing it again returns
// ErrInvalidHandle.
func (r *Runtime) ReleaseZeroCopyValue(h ValueHandle) error {
	obj, err := r.handles.Release(handle.Handle(h), handle.KindValue)
	if err != nil {
		return err
	}
	err = r.heap.Free(obj.(*zeroCopyValue).block)
	r.updateResources()
	return err
}

// AllocNative allocates n bytes of native memory, for callers building
// Direct descriptors. The block must be returned with FreeNative before the
// runtime is shut down.
func (r *Runtime) AllocNative(n int) (uintptr, error) {
	if r.closed.Load() {
		return 0, ErrRuntimeClosed
	}
	block, err := r.heap.Alloc(n)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrResourceAcquisition, err)
	}
	if block.Addr != 0 {
		r.nativeMu.Lock()
		r.native[block.Addr] = block.Len
		r.nativeMu.Unlock()
	}
	return block.Addr, nil
}

// FreeNative returns a block obtained from AllocNative. n must be the
// length it was allocated with. Addresses AllocNative did not hand out,
// including zero-copy values, are rejected with ErrInvalidHandle.
func (r *Runtime) FreeNative(addr uintptr, n int) error {
	if addr == 0 && n == 0 {
		return nil
	}

	r.nativeMu.Lock()
	size, ok := r.native[addr]
	if !ok || size != n {
		r.nativeMu.Unlock()
		if ok {
			return fmt.Errorf("%w: native block %#x has length %d, not %d", ErrInvalidHandle, addr, size, n)
		}
		return fmt.Errorf("%w: native block %#x not allocated by AllocNative", ErrInvalidHandle, addr)
	}
	delete(r.native, addr)
	r.nativeMu.Unlock()

	return r.heap.Free(native.Block{Addr: addr, Len: n})
}

// NativeBytes returns a slice over n bytes of native memory at addr.
func NativeBytes(addr uintptr, n int) []byte {
	return native.View(addr, n)
}

// DatabaseInfo describes an open database.
type DatabaseInfo struct {
	Handle DBHandle
	ID     string
	Path   string
	Engine string
}

// Stats is a point-in-time view of what the runtime holds.
type Stats struct {
	Databases    []DatabaseInfo
	Pins         int
	PinsTotal    uint64
	NativeBlocks int
	NativeBytes  int64
	MappedBytes  int64
	Handles      map[string]int
}

// Stats reports live databases, pins, native memory and handles.
func (r *Runtime) Stats() Stats {
	heap := r.heap.Stats()
	st := Stats{
		Pins:         r.pins.Held(),
		PinsTotal:    r.pins.Total(),
		NativeBlocks: heap.LiveBlocks,
		NativeBytes:  heap.LiveBytes,
		MappedBytes:  heap.MappedBytes,
		Handles:      make(map[string]int),
	}
	for _, kind := range []handle.Kind{handle.KindDatabase, handle.KindAllocator, handle.KindBatch, handle.KindValue} {
		st.Handles[kind.String()] = r.handles.Live(kind)
	}
	for _, h := range r.handles.Handles(handle.KindDatabase) {
		db, err := r.lookupDB(DBHandle(h))
		if err != nil {
			continue
		}
		st.Databases = append(st.Databases, DatabaseInfo{
			Handle: DBHandle(h),
			ID:     db.id,
			Path:   db.path,
			Engine: string(db.eng.Kind()),
		})
	}
	r.updateResources()
	return st
}
