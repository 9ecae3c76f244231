package engine

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// pebbleEngine implements Engine on Pebble (CockroachDB's LSM engine).
type pebbleEngine struct {
	db     *pebble.DB
	path   string
	logger *logrus.Logger
	closed atomic.Bool
}

func pebbleOptions(opts Options, logger *logrus.Logger) *pebble.Options {
	level := pebble.LevelOptions{
		BlockSize:            opts.BlockSize,
		BlockRestartInterval: opts.BlockRestartInterval,
		Compression:          pebbleCompression(opts.Compression),
	}
	if opts.MaxFileSize > 0 {
		level.TargetFileSize = opts.MaxFileSize
	}

	po := &pebble.Options{
		ErrorIfExists:    opts.ErrorIfExists,
		ErrorIfNotExists: !opts.CreateIfMissing,
		MaxOpenFiles:     opts.MaxOpenFiles,
		MemTableSize:     uint64(opts.WriteBufferSize),
		Levels:           []pebble.LevelOptions{level},
		Logger:           &pebbleLogger{logger: logger},
	}
	if opts.ParanoidChecks {
		po.DebugCheck = pebble.DebugCheckLevels
	}
	return po
}

func pebbleCompression(c Compression) pebble.Compression {
	switch c {
	case NoCompression:
		return pebble.NoCompression
	case ZstdCompression:
		return pebble.ZstdCompression
	default:
		return pebble.SnappyCompression
	}
}

func openPebble(path string, opts Options, logger *logrus.Logger) (*pebbleEngine, error) {
	po := pebbleOptions(opts, logger)
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		po.Cache = cache
	}

	db, err := pebble.Open(path, po)
	if err != nil {
		return nil, err
	}

	if opts.ParanoidChecks {
		if err := db.CheckLevels(nil); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"path":        path,
		"compression": opts.Compression.String(),
	}).Debug("Pebble engine opened")

	return &pebbleEngine{db: db, path: path, logger: logger}, nil
}

func (e *pebbleEngine) Kind() Kind { return Pebble }

func pebbleWriteOptions(wo WriteOptions) *pebble.WriteOptions {
	if wo.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (e *pebbleEngine) Get(ro ReadOptions, key, dst []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	var (
		val    []byte
		closer io.Closer
		err    error
	)
	if ro.Snapshot != nil {
		snap, ok := ro.Snapshot.(*pebbleSnapshot)
		if !ok || snap.engine != e {
			return nil, ErrForeignObject
		}
		val, closer, err = snap.get(key)
	} else {
		val, closer, err = e.db.Get(key)
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	out := append(dst[:0], val...)
	_ = closer.Close()
	return out, nil
}

func (e *pebbleEngine) Put(wo WriteOptions, key, value []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.db.Set(key, value, pebbleWriteOptions(wo))
}

func (e *pebbleEngine) Delete(wo WriteOptions, key []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.db.Delete(key, pebbleWriteOptions(wo))
}

func (e *pebbleEngine) NewBatch() Batch {
	return &pebbleBatch{engine: e, b: e.db.NewBatch()}
}

// Write applies a copy of the batch, since pebble refuses to apply the same
// batch twice.
func (e *pebbleEngine) Write(wo WriteOptions, b Batch) error {
	if e.closed.Load() {
		return ErrClosed
	}
	pb, ok := b.(*pebbleBatch)
	if !ok || pb.engine != e {
		return ErrForeignObject
	}
	if pb.b == nil {
		return ErrClosed
	}
	if pb.b.Empty() {
		return nil
	}

	apply := e.db.NewBatch()
	defer apply.Close()
	if err := apply.Apply(pb.b, nil); err != nil {
		return err
	}
	return e.db.Apply(apply, pebbleWriteOptions(wo))
}

// CompactRange turns the inclusive [start, end] into pebble's half-open
// range. An unbounded end is resolved to the current last key.
func (e *pebbleEngine) CompactRange(start, end []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}

	lo := start
	if lo == nil {
		lo = []byte{}
	}

	var hi []byte
	if end != nil {
		hi = successor(end)
	} else {
		last, ok, err := e.lastKey()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		hi = successor(last)
	}

	if pebbleCompare(lo, hi) >= 0 {
		return nil
	}
	return e.db.Compact(lo, hi, true)
}

func (e *pebbleEngine) lastKey() ([]byte, bool, error) {
	iter, err := e.db.NewIter(nil)
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, false, iter.Error()
	}
	key := append([]byte(nil), iter.Key()...)
	return key, true, nil
}

func pebbleCompare(a, b []byte) int {
	return pebble.DefaultComparer.Compare(a, b)
}

func (e *pebbleEngine) NewSnapshot() (Snapshot, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return &pebbleSnapshot{engine: e, snap: e.db.NewSnapshot()}, nil
}

func (e *pebbleEngine) Close() error {
	if e.closed.Swap(true) {
		return ErrClosed
	}
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble db: %w", err)
	}
	e.logger.WithField("path", e.path).Debug("Pebble engine closed")
	return nil
}

type pebbleBatch struct {
	engine *pebbleEngine
	b      *pebble.Batch
}

func (b *pebbleBatch) Put(key, value []byte) error {
	if b.b == nil {
		return ErrClosed
	}
	return b.b.Set(key, value, nil)
}

func (b *pebbleBatch) Delete(key []byte) error {
	if b.b == nil {
		return ErrClosed
	}
	return b.b.Delete(key, nil)
}

func (b *pebbleBatch) Count() int {
	if b.b == nil {
		return 0
	}
	return int(b.b.Count())
}

func (b *pebbleBatch) Reset() {
	if b.b != nil {
		b.b.Reset()
	}
}

func (b *pebbleBatch) Close() error {
	if b.b == nil {
		return ErrClosed
	}
	err := b.b.Close()
	b.b = nil
	return err
}

type pebbleSnapshot struct {
	engine *pebbleEngine
	mu     sync.Mutex
	snap   *pebble.Snapshot
}

func (s *pebbleSnapshot) get(key []byte) ([]byte, io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, nil, ErrClosed
	}
	return s.snap.Get(key)
}

func (s *pebbleSnapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return ErrClosed
	}
	err := s.snap.Close()
	s.snap = nil
	return err
}
