package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/sirupsen/logrus"
)

// badgerEngine implements Engine on BadgerDB. Badger has no sstable-level
// compaction of an arbitrary range, so CompactRange flattens the whole tree.
type badgerEngine struct {
	db     *badger.DB
	path   string
	logger *logrus.Logger
	closed atomic.Bool

	// verifying is set when the database was opened with value and block
	// checksum verification.
	verifying bool
}

func badgerOptions(path string, opts Options, logger *logrus.Logger) badger.Options {
	bo := badger.DefaultOptions(path).
		WithLogger(&badgerLogger{logger: logger}).
		WithNumVersionsToKeep(1).
		WithCompression(badgerCompression(opts.Compression))

	if opts.WriteBufferSize > 0 {
		bo = bo.WithMemTableSize(opts.WriteBufferSize)
		// Badger rejects a value threshold above 15% of the memtable.
		if maxBatch := opts.WriteBufferSize * 15 / 100; bo.ValueThreshold > maxBatch {
			bo = bo.WithValueThreshold(maxBatch)
		}
	}
	if opts.BlockSize > 0 {
		bo = bo.WithBlockSize(opts.BlockSize)
	}
	if opts.MaxFileSize > 0 {
		bo = bo.WithBaseTableSize(opts.MaxFileSize)
	}
	// A zero block cache panics when compression is on, so only override it
	// when the caller asked for a size.
	if opts.CacheSize > 0 {
		bo = bo.WithBlockCacheSize(opts.CacheSize)
	}
	if opts.ParanoidChecks {
		bo = bo.WithVerifyValueChecksum(true).
			WithChecksumVerificationMode(options.OnTableAndBlockRead)
	}
	return bo
}

func badgerCompression(c Compression) options.CompressionType {
	switch c {
	case NoCompression:
		return options.None
	case ZstdCompression:
		return options.ZSTD
	default:
		return options.Snappy
	}
}

func openBadger(path string, opts Options, logger *logrus.Logger) (*badgerEngine, error) {
	_, err := os.Stat(filepath.Join(path, badger.ManifestFilename))
	exists := err == nil
	switch {
	case exists && opts.ErrorIfExists:
		return nil, fmt.Errorf("%s: database already exists", path)
	case !exists && !opts.CreateIfMissing:
		return nil, fmt.Errorf("%s: database does not exist", path)
	}

	if opts.MaxOpenFiles > 0 || opts.BlockRestartInterval > 0 {
		logger.WithFields(logrus.Fields{
			"max_open_files":         opts.MaxOpenFiles,
			"block_restart_interval": opts.BlockRestartInterval,
		}).Debug("[BadgerDB] options not supported by badger are ignored")
	}

	db, err := badger.Open(badgerOptions(path, opts, logger))
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"path":        path,
		"compression": opts.Compression.String(),
	}).Debug("BadgerDB engine opened")

	return &badgerEngine{db: db, path: path, logger: logger, verifying: opts.ParanoidChecks}, nil
}

func (e *badgerEngine) Kind() Kind { return Badger }

func (e *badgerEngine) Get(ro ReadOptions, key, dst []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if ro.VerifyChecksums && !e.verifying {
		return nil, ErrChecksumsUnavailable
	}

	if ro.Snapshot != nil {
		snap, ok := ro.Snapshot.(*badgerSnapshot)
		if !ok || snap.engine != e {
			return nil, ErrForeignObject
		}
		return snap.get(key, dst)
	}

	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = badgerGet(txn, key, dst)
		return err
	})
	return out, err
}

func badgerGet(txn *badger.Txn, key, dst []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(dst[:0])
}

func (e *badgerEngine) Put(wo WriteOptions, key, value []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return e.afterWrite(wo, err)
}

func (e *badgerEngine) Delete(wo WriteOptions, key []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	return e.afterWrite(wo, err)
}

// afterWrite syncs the value log when the write asked for durability. Badger
// only offers sync as a database-wide option.
func (e *badgerEngine) afterWrite(wo WriteOptions, err error) error {
	if err != nil || !wo.Sync {
		return err
	}
	return e.db.Sync()
}

func (e *badgerEngine) NewBatch() Batch {
	return &badgerBatch{engine: e}
}

// Write replays the batch inside one transaction, so it commits all or
// nothing. Batches larger than a badger transaction fail with ErrTxnTooBig.
func (e *badgerEngine) Write(wo WriteOptions, b Batch) error {
	if e.closed.Load() {
		return ErrClosed
	}
	bb, ok := b.(*badgerBatch)
	if !ok || bb.engine != e {
		return ErrForeignObject
	}
	if bb.closed {
		return ErrClosed
	}
	if len(bb.ops) == 0 {
		return nil
	}

	err := e.db.Update(func(txn *badger.Txn) error {
		for _, op := range bb.ops {
			var err error
			if op.delete {
				err = txn.Delete(op.key)
			} else {
				err = txn.Set(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return e.afterWrite(wo, err)
}

// CompactRange flattens the LSM tree, which covers every range. The bounds
// only decide whether there is anything to do.
func (e *badgerEngine) CompactRange(start, end []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if start != nil && end != nil && string(start) > string(end) {
		return nil
	}
	return e.db.Flatten(1)
}

func (e *badgerEngine) NewSnapshot() (Snapshot, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return &badgerSnapshot{engine: e, txn: e.db.NewTransaction(false)}, nil
}

func (e *badgerEngine) Close() error {
	if e.closed.Swap(true) {
		return ErrClosed
	}
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger db: %w", err)
	}
	e.logger.WithField("path", e.path).Debug("BadgerDB engine closed")
	return nil
}

type batchOp struct {
	delete bool
	key    []byte
	value  []byte
}

type badgerBatch struct {
	engine *badgerEngine
	ops    []batchOp
	closed bool
}

func (b *badgerBatch) Put(key, value []byte) error {
	if b.closed {
		return ErrClosed
	}
	if len(key) == 0 {
		return badger.ErrEmptyKey
	}
	b.ops = append(b.ops, batchOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (b *badgerBatch) Delete(key []byte) error {
	if b.closed {
		return ErrClosed
	}
	if len(key) == 0 {
		return badger.ErrEmptyKey
	}
	b.ops = append(b.ops, batchOp{delete: true, key: append([]byte(nil), key...)})
	return nil
}

func (b *badgerBatch) Count() int { return len(b.ops) }

func (b *badgerBatch) Reset() { b.ops = b.ops[:0] }

func (b *badgerBatch) Close() error {
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	b.ops = nil
	return nil
}

// badgerSnapshot is a read-only transaction. Badger transactions are not
// safe for concurrent use, hence the mutex.
type badgerSnapshot struct {
	engine *badgerEngine
	mu     sync.Mutex
	txn    *badger.Txn
}

func (s *badgerSnapshot) get(key, dst []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return nil, ErrClosed
	}
	return badgerGet(s.txn, key, dst)
}

func (s *badgerSnapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return ErrClosed
	}
	s.txn.Discard()
	s.txn = nil
	return nil
}
