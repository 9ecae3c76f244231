// Package engine is the boundary to the embedded key-value engines.
//
// Engine hides whether the store underneath is Pebble or Badger. Callers
// pass plain byte slices; the adapters copy whatever they must retain, so a
// caller's buffers may be released as soon as a call returns.
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Common errors
var (
	// ErrNotFound is returned by Get when the key is absent. Adapters map
	// their engine's own not-found error onto it.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned for any call on a closed engine, batch or
	// snapshot.
	ErrClosed = errors.New("engine closed")

	// ErrForeignObject is returned when a batch or snapshot created by one
	// engine is handed to another.
	ErrForeignObject = errors.New("object belongs to a different engine")

	// ErrChecksumsUnavailable is returned for a read that asks for checksum
	// verification the engine was not opened to perform.
	ErrChecksumsUnavailable = errors.New("checksum verification not enabled for this database")
)

// Kind selects an engine implementation.
type Kind string

const (
	Pebble Kind = "pebble"
	Badger Kind = "badger"
)

// ParseKind parses an engine name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Pebble, Badger:
		return k, nil
	case "":
		return Pebble, nil
	default:
		return "", fmt.Errorf("unknown engine %q (valid: pebble, badger)", s)
	}
}

// ReadOptions tune a single lookup.
type ReadOptions struct {
	// VerifyChecksums requires the lookup to be checksum-verified. Pebble
	// verifies every block it reads from disk, so it always holds there.
	// Badger only verifies when the database was opened with
	// ParanoidChecks; otherwise the read fails with ErrChecksumsUnavailable.
	VerifyChecksums bool
	// FillCache is a hint. Neither engine can keep a single lookup out of
	// its block cache, so both ignore it.
	FillCache bool
	// Snapshot, when set, pins the lookup to a point-in-time view. It must
	// come from the same engine and still be open.
	Snapshot Snapshot
}

// DefaultReadOptions returns the options used when a caller has no
// preference.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{FillCache: true}
}

// WriteOptions tune a single write.
type WriteOptions struct {
	// Sync waits for the write to reach stable storage before returning.
	Sync bool
}

// DefaultWriteOptions returns buffered, non-synced writes.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{}
}

// Snapshot is a consistent point-in-time view of an engine.
type Snapshot interface {
	Close() error
}

// Batch accumulates writes to be applied atomically. Entries apply in the
// order they were added. Put and Delete copy their arguments.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Count() int
	Reset()
	Close() error
}

// Engine is an open embedded key-value store. Implementations are safe for
// concurrent use; batches and snapshots are not.
type Engine interface {
	Kind() Kind

	// Get copies the value stored under key into dst, reusing its capacity,
	// and returns the result. An absent key yields ErrNotFound.
	Get(ro ReadOptions, key, dst []byte) ([]byte, error)

	Put(wo WriteOptions, key, value []byte) error

	// Delete removes key. Deleting an absent key succeeds.
	Delete(wo WriteOptions, key []byte) error

	NewBatch() Batch

	// Write applies b atomically. b is left untouched and may be applied
	// again.
	Write(wo WriteOptions, b Batch) error

	// CompactRange compacts keys in [start, end]. A nil bound is unbounded
	// in that direction. Blocks until the engine is done.
	CompactRange(start, end []byte) error

	NewSnapshot() (Snapshot, error)

	Close() error
}

// Open opens the engine of the given kind at path.
func Open(kind Kind, path string, opts Options, logger *logrus.Logger) (Engine, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	switch kind {
	case Pebble, "":
		return openPebble(path, opts, logger)
	case Badger:
		return openBadger(path, opts, logger)
	default:
		return nil, fmt.Errorf("unknown engine %q", kind)
	}
}

// successor returns the smallest key strictly greater than k.
func successor(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}
