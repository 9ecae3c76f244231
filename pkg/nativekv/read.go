package nativekv

import (
	"errors"
	"fmt"
	"time"

	"github.com/maxiofs/nativekv/internal/buffer"
	"github.com/maxiofs/nativekv/internal/handle"
	"github.com/maxiofs/nativekv/internal/mempool"
	"github.com/maxiofs/nativekv/internal/status"
)

// stagingSize is the initial capacity of the buffer a lookup stages the
// value in. The engine grows it when the value is larger.
var stagingSize = mempool.BucketSizes[2]

// Get looks up key and returns a copy of its value. An absent key returns
// found == false and a nil error.
func (r *Runtime) Get(h DBHandle, ro ReadOptions, key buffer.Descriptor) (value []byte, found bool, err error) {
	start := time.Now()
	defer func() { r.record("get", strategyOf(key), found, err, start) }()

	db, err := r.acquireDB(h)
	if err != nil {
		return nil, false, err
	}
	defer db.mu.RUnlock()

	staged, found, err := r.lookup(db, ro, key)
	if err != nil || !found {
		return nil, false, err
	}
	value = make([]byte, len(staged))
	copy(value, staged)
	db.pool.Put(staged)
	return value, true, nil
}

// GetInto looks up key and copies its value into dst, returning the value's
// length. When dst is too short nothing is written, the returned length is
// the size needed and the error wraps ErrShortBuffer.
func (r *Runtime) GetInto(h DBHandle, ro ReadOptions, key buffer.Descriptor, dst []byte) (n int, found bool, err error) {
	start := time.Now()
	defer func() { r.record("get_into", strategyOf(key), found, err, start) }()

	db, err := r.acquireDB(h)
	if err != nil {
		return 0, false, err
	}
	defer db.mu.RUnlock()

	staged, found, err := r.lookup(db, ro, key)
	if err != nil || !found {
		return 0, false, err
	}
	defer db.pool.Put(staged)

	if len(staged) > len(dst) {
		return len(staged), true, fmt.Errorf("%w: value is %d bytes, buffer holds %d",
			ErrShortBuffer, len(staged), len(dst))
	}
	return copy(dst, staged), true, nil
}

// ZeroCopyValue is a value held in native memory on the caller's behalf.
// Addr and Len stay valid until the handle is passed to
// ReleaseZeroCopyValue, which must happen exactly once. An empty value has a
// zero Addr.
type ZeroCopyValue struct {
	Handle ValueHandle
	Addr   uintptr
	Len    int
}

// GetZeroCopy looks up key and returns its value in a native block owned by
// the caller. The block outlives the database it was read from.
func (r *Runtime) GetZeroCopy(h DBHandle, ro ReadOptions, key buffer.Descriptor) (v ZeroCopyValue, found bool, err error) {
	start := time.Now()
	defer func() { r.record("get_zero_copy", strategyOf(key), found, err, start) }()

	db, err := r.acquireDB(h)
	if err != nil {
		return ZeroCopyValue{}, false, err
	}
	defer db.mu.RUnlock()

	staged, found, err := r.lookup(db, ro, key)
	if err != nil || !found {
		return ZeroCopyValue{}, false, err
	}
	defer db.pool.Put(staged)

	block, err := r.heap.Alloc(len(staged))
	if err != nil {
		return ZeroCopyValue{}, false, fmt.Errorf("%w: zero-copy value of %d bytes: %w",
			ErrResourceAcquisition, len(staged), err)
	}
	copy(block.Bytes(), staged)

	vh := r.handles.Register(handle.KindValue, &zeroCopyValue{block: block})
	return ZeroCopyValue{Handle: ValueHandle(vh), Addr: block.Addr, Len: block.Len}, true, nil
}

// lookup stages the value stored under key in a buffer drawn from the
// database's allocator. The key's buffers are released before it returns.
// When found, the caller owns staged and returns it to db.pool.
func (r *Runtime) lookup(db *database, ro ReadOptions, key buffer.Descriptor) (staged []byte, found bool, err error) {
	staging := db.pool.Get(stagingSize)

	scope := r.newScope()
	k, err := scope.Acquire(key)
	if err != nil {
		db.pool.Put(staging)
		return nil, false, r.releaseScope("get", scope, err)
	}
	val, gerr := db.eng.Get(ro, k, staging)
	err = r.releaseScope("get", scope, nil)

	switch status.Classify(gerr) {
	case status.NotFound:
		db.pool.Put(staging)
		return nil, false, err
	case status.Failure:
		db.pool.Put(staging)
		if err != nil {
			return nil, false, errors.Join(translate("get", gerr), err)
		}
		return nil, false, translate("get", gerr)
	}

	if val == nil {
		val = staging[:0]
	}
	if err != nil {
		db.pool.Put(val)
		return nil, false, err
	}
	return val, true, nil
}
