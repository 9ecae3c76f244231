package nativekv

import "github.com/maxiofs/nativekv/pkg/engine"

// Options are the tuning options applied when a database is opened.
type Options = engine.Options

// ReadOptions tune a single lookup. Snapshot liveness is the caller's
// responsibility. See engine.ReadOptions for how each engine treats
// VerifyChecksums and FillCache.
type ReadOptions = engine.ReadOptions

// WriteOptions carry the durability flag of a write.
type WriteOptions = engine.WriteOptions

// Compression kinds accepted in Options.
const (
	NoCompression     = engine.NoCompression
	SnappyCompression = engine.SnappyCompression
	ZstdCompression   = engine.ZstdCompression
)

// DefaultOptions creates the database if missing and otherwise leaves
// tuning to the engine.
func DefaultOptions() Options {
	return engine.DefaultOptions()
}

// DefaultReadOptions fills the block cache and verifies nothing extra.
func DefaultReadOptions() ReadOptions {
	return engine.DefaultReadOptions()
}

// DefaultWriteOptions buffers writes without syncing.
func DefaultWriteOptions() WriteOptions {
	return engine.DefaultWriteOptions()
}
