package engine

import (
	"fmt"
	"strings"
)

// Compression selects the block compression codec.
type Compression int

const (
	NoCompression Compression = iota
	SnappyCompression
	ZstdCompression
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

// ParseCompression parses a codec name.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "no", "":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zstd":
		return ZstdCompression, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (valid: none, snappy, zstd)", s)
	}
}

// maxBlockSize mirrors pebble's sstable limit; larger values panic at open.
const maxBlockSize = 1 << 28

// Options are the tuning knobs accepted at open. Zero values mean "engine
// default" for every size.
type Options struct {
	CreateIfMissing      bool
	ErrorIfExists        bool
	ParanoidChecks       bool
	WriteBufferSize      int64
	MaxOpenFiles         int
	BlockSize            int
	BlockRestartInterval int
	// MaxFileSize of -1 or 0 leaves the target file size to the engine.
	MaxFileSize int64
	Compression Compression
	CacheSize   int64
}

// DefaultOptions returns options that create the store on first use with
// snappy compression and an 8 MiB block cache.
func DefaultOptions() Options {
	return Options{
		CreateIfMissing: true,
		MaxFileSize:     -1,
		Compression:     SnappyCompression,
		CacheSize:       8 << 20,
	}
}

// Validate rejects values no engine can accept.
func (o Options) Validate() error {
	switch {
	case o.WriteBufferSize < 0:
		return fmt.Errorf("invalid options: write buffer size %d", o.WriteBufferSize)
	case o.MaxOpenFiles < 0:
		return fmt.Errorf("invalid options: max open files %d", o.MaxOpenFiles)
	case o.BlockSize < 0 || o.BlockSize > maxBlockSize:
		return fmt.Errorf("invalid options: block size %d", o.BlockSize)
	case o.BlockRestartInterval < 0:
		return fmt.Errorf("invalid options: block restart interval %d", o.BlockRestartInterval)
	case o.MaxFileSize < -1:
		return fmt.Errorf("invalid options: max file size %d", o.MaxFileSize)
	case o.CacheSize < 0:
		return fmt.Errorf("invalid options: cache size %d", o.CacheSize)
	case o.Compression < NoCompression || o.Compression > ZstdCompression:
		return fmt.Errorf("invalid options: %s", o.Compression)
	}
	return nil
}
