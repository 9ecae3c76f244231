package nativekv

import (
	"fmt"
	"time"

	"github.com/maxiofs/nativekv/internal/buffer"
	"github.com/maxiofs/nativekv/internal/handle"
)

// CreateWriteBatch returns an empty batch bound to the database behind h.
// The batch must be released with ReleaseWriteBatch; closing the database
// releases it too.
func (r *Runtime) CreateWriteBatch(h DBHandle) (BatchHandle, error) {
	db, err := r.acquireDB(h)
	if err != nil {
		return 0, err
	}
	defer db.mu.RUnlock()

	b := &batch{db: db, eb: db.eng.NewBatch()}
	bh := BatchHandle(r.handles.Register(handle.KindBatch, b))
	r.updateResources()
	return bh, nil
}

// ReleaseWriteBatch discards the batch. Releasing it again returns
// ErrInvalidHandle.
func (r *Runtime) ReleaseWriteBatch(h BatchHandle) error {
	obj, err := r.handles.Release(handle.Handle(h), handle.KindBatch)
	if err != nil {
		return err
	}
	err = obj.(*batch).release()
	r.updateResources()
	return err
}

func (b *batch) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	b.released = true
	return b.eb.Close()
}

// acquireBatch resolves h and locks its database for reading and the batch
// itself. The returned function undoes both.
func (r *Runtime) acquireBatch(h BatchHandle) (*batch, func(), error) {
	obj, err := r.handles.Lookup(handle.Handle(h), handle.KindBatch)
	if err != nil {
		return nil, nil, err
	}
	b := obj.(*batch)

	b.db.mu.RLock()
	if b.db.closed {
		b.db.mu.RUnlock()
		return nil, nil, fmt.Errorf("%w: batch belongs to closed database %s", ErrInvalidHandle, b.db.id)
	}
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		b.db.mu.RUnlock()
		return nil, nil, fmt.Errorf("%w: batch handle %#x already released", ErrInvalidHandle, uint64(h))
	}
	return b, func() {
		b.mu.Unlock()
		b.db.mu.RUnlock()
	}, nil
}

// BatchPut appends a put of value under key. The batch copies both, so the
// buffers are released before BatchPut returns.
func (r *Runtime) BatchPut(h BatchHandle, key, value buffer.Descriptor) (err error) {
	start := time.Now()
	defer func() { r.record("batch_put", strategyOf(key, value), true, err, start) }()

	b, unlock, err := r.acquireBatch(h)
	if err != nil {
		return err
	}
	defer unlock()

	scope := r.newScope()
	k, err := scope.Acquire(key)
	if err != nil {
		return r.releaseScope("batch_put", scope, err)
	}
	v, err := scope.Acquire(value)
	if err != nil {
		return r.releaseScope("batch_put", scope, err)
	}
	err = b.eb.Put(k, v)
	return r.releaseScope("batch_put", scope, translate("batch_put", err))
}

// BatchDelete appends a delete of key.
func (r *Runtime) BatchDelete(h BatchHandle, key buffer.Descriptor) (err error) {
	start := time.Now()
	defer func() { r.record("batch_delete", strategyOf(key), true, err, start) }()

	b, unlock, err := r.acquireBatch(h)
	if err != nil {
		return err
	}
	defer unlock()

	scope := r.newScope()
	k, err := scope.Acquire(key)
	if err != nil {
		return r.releaseScope("batch_delete", scope, err)
	}
	err = b.eb.Delete(k)
	return r.releaseScope("batch_delete", scope, translate("batch_delete", err))
}

// BatchCount returns the number of entries accumulated in the batch.
func (r *Runtime) BatchCount(h BatchHandle) (int, error) {
	b, unlock, err := r.acquireBatch(h)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return b.eb.Count(), nil
}

// BatchClear drops every accumulated entry, leaving the batch reusable.
func (r *Runtime) BatchClear(h BatchHandle) error {
	b, unlock, err := r.acquireBatch(h)
	if err != nil {
		return err
	}
	defer unlock()
	b.eb.Reset()
	return nil
}

// ApplyWriteBatch applies every entry of the batch atomically, in the order
// they were added. The batch is left intact and may be applied again. A
// batch created on another database is rejected with ErrInvalidHandle.
func (r *Runtime) ApplyWriteBatch(h DBHandle, bh BatchHandle, wo WriteOptions) (err error) {
	start := time.Now()
	defer func() { r.record("apply_batch", "batch", true, err, start) }()

	db, err := r.lookupDB(h)
	if err != nil {
		return err
	}
	b, unlock, err := r.acquireBatch(bh)
	if err != nil {
		return err
	}
	defer unlock()
	if b.db != db {
		return fmt.Errorf("%w: batch belongs to database %s, not %s", ErrInvalidHandle, b.db.id, db.id)
	}

	if err := db.eng.Write(wo, b.eb); err != nil {
		return translate("apply_batch", err)
	}
	return nil
}
