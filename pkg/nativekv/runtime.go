// Package nativekv is the host-facing access layer over an embedded
// key-value engine.
//
// A Runtime owns the handle registry, the pin table and the native heap.
// Databases, write batches and zero-copy values are referred to by opaque
// handles; every handle is released exactly once, and using it afterwards
// fails with ErrInvalidHandle instead of touching freed state.
//
// Keys and values are passed as buffer.Descriptor values, so each call picks
// its own strategy for getting bytes across: copy a region into native
// memory, pin the caller's array in place, or hand over a native address.
//
//	rt := nativekv.NewRuntime(nativekv.Config{Logger: logger})
//	defer rt.Shutdown()
//
//	db, err := rt.Open(path, nativekv.DefaultOptions())
//	...
//	err = rt.Put(db, nativekv.WriteOptions{}, buffer.PinnedOf(key), buffer.RegionOf(value))
//	value, found, err := rt.Get(db, nativekv.DefaultReadOptions(), buffer.PinnedOf(key))
package nativekv

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/maxiofs/nativekv/internal/buffer"
	"github.com/maxiofs/nativekv/internal/handle"
	"github.com/maxiofs/nativekv/internal/mempool"
	"github.com/maxiofs/nativekv/internal/metrics"
	"github.com/maxiofs/nativekv/internal/native"
	"github.com/maxiofs/nativekv/internal/status"
	"github.com/maxiofs/nativekv/pkg/engine"
)

// DBHandle refers to an open database.
type DBHandle handle.Handle

// BatchHandle refers to a write batch.
type BatchHandle handle.Handle

// ValueHandle refers to a zero-copy value held for the caller.
type ValueHandle handle.Handle

// Config configures a Runtime.
type Config struct {
	// Logger receives lifecycle events and engine failures. Defaults to
	// logrus.New().
	Logger *logrus.Logger

	// Metrics records per-operation counters. Defaults to a no-op manager.
	Metrics metrics.Manager

	// Engine selects the engine opened by Open. Defaults to Pebble.
	Engine engine.Kind

	// MaxPins caps the number of caller arrays pinned at once. Zero means
	// unlimited.
	MaxPins int

	// MaxNativeBytes caps live native heap memory, covering region copies,
	// zero-copy values and AllocNative blocks. Zero means unlimited.
	MaxNativeBytes int64
}

// Runtime is the boundary between callers and open databases. It is safe
// for concurrent use.
type Runtime struct {
	logger  *logrus.Logger
	metrics metrics.Manager
	kind    engine.Kind

	handles *handle.Registry
	pins    *buffer.PinTable
	heap    native.Allocator
	open    func(engine.Kind, string, engine.Options, *logrus.Logger) (engine.Engine, error)

	// native tracks blocks handed out by AllocNative, by address.
	nativeMu sync.Mutex
	native   map[uintptr]int

	// lifecycle is held for reading by Open and for writing while Shutdown
	// marks the runtime closed, so no database is registered after
	// Shutdown has listed them.
	lifecycle sync.RWMutex
	closed    atomic.Bool
}

// database is the registry entry behind a DBHandle. Operations hold mu for
// reading; Close holds it for writing, so it waits for in-flight calls.
type database struct {
	id     string
	path   string
	handle DBHandle

	mu        sync.RWMutex
	eng       engine.Engine
	allocator handle.Handle
	pool      *mempool.Allocator
	closed    bool
}

// batch is the registry entry behind a BatchHandle. Lock order is db.mu
// before mu.
type batch struct {
	db *database

	mu       sync.Mutex
	eb       engine.Batch
	released bool
}

// zeroCopyValue is the registry entry behind a ValueHandle.
type zeroCopyValue struct {
	block native.Block
}

// NewRuntime creates a runtime backed by a fresh native heap.
func NewRuntime(cfg Config) *Runtime {
	return newRuntime(cfg, native.NewHeap(cfg.MaxNativeBytes))
}

func newRuntime(cfg Config, heap native.Allocator) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	if cfg.Engine == "" {
		cfg.Engine = engine.Pebble
	}
	return &Runtime{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		kind:    cfg.Engine,
		handles: handle.NewRegistry(),
		pins:    buffer.NewPinTable(cfg.MaxPins),
		heap:    heap,
		open:    engine.Open,
		native:  make(map[uintptr]int),
	}
}

// Open opens (or creates, per opts) the database at path and returns its
// handle together with a paired decompression allocator.
func (r *Runtime) Open(path string, opts Options) (DBHandle, error) {
	start := time.Now()
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	if r.closed.Load() {
		return 0, ErrRuntimeClosed
	}

	eng, err := r.open(r.kind, path, opts, r.logger)
	if err != nil {
		r.metrics.RecordOperation("open", "none", "failure", time.Since(start))
		r.logger.WithFields(logrus.Fields{
			"path":   path,
			"engine": r.kind,
		}).WithError(err).Warn("Failed to open database")
		return 0, translate("open", err)
	}

	db := &database{
		id:   uuid.New().String(),
		path: path,
		eng:  eng,
		pool: mempool.New(),
	}
	db.allocator = r.handles.Register(handle.KindAllocator, db.pool)
	db.handle = DBHandle(r.handles.Register(handle.KindDatabase, db))

	r.metrics.RecordOperation("open", "none", "success", time.Since(start))
	r.updateResources()
	r.logger.WithFields(logrus.Fields{
		"db":     db.id,
		"path":   path,
		"engine": r.kind,
	}).Info("Database opened")
	return db.handle, nil
}

// Close closes the database behind h. It waits for in-flight operations,
// then invalidates h, its allocator and every batch still bound to it.
// Closing a handle twice returns ErrInvalidHandle.
func (r *Runtime) Close(h DBHandle) error {
	obj, err := r.handles.Release(handle.Handle(h), handle.KindDatabase)
	if err != nil {
		return err
	}
	db := obj.(*database)

	err = r.closeDatabase(db)
	r.updateResources()
	return err
}

func (r *Runtime) closeDatabase(db *database) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true

	var errs []error
	for _, bh := range r.handles.Handles(handle.KindBatch) {
		obj, err := r.handles.Lookup(bh, handle.KindBatch)
		if err != nil || obj.(*batch).db != db {
			continue
		}
		// A concurrent ReleaseWriteBatch may win; that is fine.
		if _, err := r.handles.Release(bh, handle.KindBatch); err != nil {
			continue
		}
		if err := obj.(*batch).release(); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := r.handles.Release(db.allocator, handle.KindAllocator); err != nil {
		errs = append(errs, err)
	}
	db.pool.Close()

	if err := db.eng.Close(); err != nil {
		r.logger.WithField("db", db.id).WithError(err).Error("Failed to close database")
		errs = append(errs, translate("close", err))
	} else {
		r.logger.WithFields(logrus.Fields{
			"db":   db.id,
			"path": db.path,
		}).Info("Database closed")
	}
	return errors.Join(errs...)
}

// Shutdown closes every open database, releases every outstanding batch and
// zero-copy value, and closes the native heap. The runtime cannot be used
// afterwards; a second Shutdown does nothing.
func (r *Runtime) Shutdown() error {
	r.lifecycle.Lock()
	if r.closed.Swap(true) {
		r.lifecycle.Unlock()
		return nil
	}
	r.lifecycle.Unlock()

	var errs []error
	for _, h := range r.handles.Handles(handle.KindDatabase) {
		if err := r.Close(DBHandle(h)); err != nil && !errors.Is(err, ErrInvalidHandle) {
			errs = append(errs, err)
		}
	}
	for _, h := range r.handles.Handles(handle.KindValue) {
		if err := r.ReleaseZeroCopyValue(ValueHandle(h)); err != nil && !errors.Is(err, ErrInvalidHandle) {
			errs = append(errs, err)
		}
	}
	if c, ok := r.heap.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Engine returns the engine behind h, for collaborators such as snapshot
// creation. The engine stays valid only until h is closed.
func (r *Runtime) Engine(h DBHandle) (engine.Engine, error) {
	db, err := r.lookupDB(h)
	if err != nil {
		return nil, err
	}
	return db.eng, nil
}

// lookupDB resolves h without locking the database.
func (r *Runtime) lookupDB(h DBHandle) (*database, error) {
	obj, err := r.handles.Lookup(handle.Handle(h), handle.KindDatabase)
	if err != nil {
		return nil, err
	}
	return obj.(*database), nil
}

// acquireDB resolves h and holds the database's read lock. The caller must
// call db.mu.RUnlock.
func (r *Runtime) acquireDB(h DBHandle) (*database, error) {
	db, err := r.lookupDB(h)
	if err != nil {
		return nil, err
	}
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, fmt.Errorf("%w: database %s closed", ErrInvalidHandle, db.id)
	}
	return db, nil
}

func (r *Runtime) newScope() *buffer.Scope {
	return buffer.NewScope(r.pins, r.heap)
}

// releaseScope releases s and folds any release failure into err.
func (r *Runtime) releaseScope(op string, s *buffer.Scope, err error) error {
	if rerr := s.Release(); rerr != nil {
		r.logger.WithField("op", op).WithError(rerr).Error("Failed to release call buffers")
		return errors.Join(err, rerr)
	}
	return err
}

func (r *Runtime) updateResources() {
	heap := r.heap.Stats()
	r.metrics.UpdateResources(metrics.Resources{
		Pins:        r.pins.Held(),
		NativeBytes: heap.LiveBytes,
		MappedBytes: heap.MappedBytes,
		Handles: map[string]int{
			handle.KindDatabase.String():  r.handles.Live(handle.KindDatabase),
			handle.KindAllocator.String(): r.handles.Live(handle.KindAllocator),
			handle.KindBatch.String():     r.handles.Live(handle.KindBatch),
			handle.KindValue.String():     r.handles.Live(handle.KindValue),
		},
	})
}

// record reports a finished operation to metrics, and logs engine
// failures.
func (r *Runtime) record(op, strategy string, found bool, err error, start time.Time) {
	r.metrics.RecordOperation(op, strategy, status.Label(found, err), time.Since(start))
	if err == nil {
		return
	}
	if errors.Is(err, ErrResourceAcquisition) {
		r.metrics.RecordAcquireFailure(strategy)
		return
	}
	var engErr *EngineError
	if errors.As(err, &engErr) {
		r.logger.WithFields(logrus.Fields{
			"op":       op,
			"strategy": strategy,
		}).WithError(err).Warn("Engine rejected operation")
	}
}

// strategyOf labels a call by the kinds of its descriptors, e.g.
// "pinned/region" for a pinned key and a region value.
func strategyOf(ds ...buffer.Descriptor) string {
	label := ""
	for i, d := range ds {
		if i > 0 {
			label += "/"
		}
		label += d.Kind().String()
	}
	return label
}
