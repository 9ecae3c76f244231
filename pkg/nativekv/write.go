package nativekv

import (
	"time"

	"github.com/maxiofs/nativekv/internal/buffer"
)

// Put stores value under key. Any combination of descriptor kinds is
// accepted for key and value.
func (r *Runtime) Put(h DBHandle, wo WriteOptions, key, value buffer.Descriptor) (err error) {
	start := time.Now()
	defer func() { r.record("put", strategyOf(key, value), true, err, start) }()

	db, err := r.acquireDB(h)
	if err != nil {
		return err
	}
	defer db.mu.RUnlock()

	scope := r.newScope()
	k, err := scope.Acquire(key)
	if err != nil {
		return r.releaseScope("put", scope, err)
	}
	v, err := scope.Acquire(value)
	if err != nil {
		return r.releaseScope("put", scope, err)
	}
	err = db.eng.Put(wo, k, v)
	return r.releaseScope("put", scope, translate("put", err))
}

// Delete removes key. Deleting an absent key succeeds.
func (r *Runtime) Delete(h DBHandle, wo WriteOptions, key buffer.Descriptor) (err error) {
	start := time.Now()
	defer func() { r.record("delete", strategyOf(key), true, err, start) }()

	db, err := r.acquireDB(h)
	if err != nil {
		return err
	}
	defer db.mu.RUnlock()

	scope := r.newScope()
	k, err := scope.Acquire(key)
	if err != nil {
		return r.releaseScope("delete", scope, err)
	}
	err = db.eng.Delete(wo, k)
	return r.releaseScope("delete", scope, translate("delete", err))
}
