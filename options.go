package tinylsm

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options configures the Store behavior.
type Options struct {
	// Dir is the base directory for all data files.
	Dir string

	// MemtableSize is the memtable size in bytes that triggers a flush.
	// Default: 4MB
	MemtableSize int64

	// MaxImmutableMemtables bounds the memtables waiting to be flushed.
	// Writes block when this limit is reached.
	// Default: 2
	MaxImmutableMemtables int

	// BlockCacheSize is the LRU cache size in bytes.
	// Set to 0 to disable the cache.
	// Default: 64MB
	BlockCacheSize int64

	// BlockSize is the target block size before compression.
	// Default: 16KB
	BlockSize int

	// CompressionType determines which compression algorithm to use.
	// Default: CompressionZstd
	CompressionType CompressionType

	// CompressionLevel is the zstd or minlz compression level (ignored
	// for snappy). 1 = fastest, higher = better compression.
	// Default: 1 (fastest)
	CompressionLevel int

	// BloomFPRate is the target false positive rate for bloom filters.
	// Default: 0.01 (1%)
	BloomFPRate float64

	// CompactionFanout is the number of tables at one level that triggers
	// a size-tiered compaction of that level into the next.
	// Default: 4
	CompactionFanout int

	// DisableAutoCompaction stops the background compaction loop.
	// CompactIfNeeded and Compact still work.
	DisableAutoCompaction bool

	// WALSyncMode determines when the WAL is synced to disk. The zero
	// value syncs every write.
	WALSyncMode WALSyncMode

	// FlushInterval is how often pending immutable memtables are retried.
	// Default: 30s
	FlushInterval time.Duration

	// CompactionInterval is how often to check for compaction.
	// Default: 1s
	CompactionInterval time.Duration

	// SkipChecksums disables checksum verification on block reads.
	// The zero value verifies.
	SkipChecksums bool

	// Logger receives structured engine logs. Default: zap.NewNop()
	Logger *zap.Logger

	// Events receives write, read, flush and compaction events.
	// Default: a no-op sink
	Events EventSink
}

// WALSyncMode determines when the WAL is synced to disk.
type WALSyncMode int

const (
	// WALSyncPerWrite syncs every append before it returns.
	WALSyncPerWrite WALSyncMode = iota
	// WALSyncPerBatch syncs once per write call: a Put, a Delete or a
	// whole Write batch. The log file is written with O_APPEND, so
	// this differs from WALSyncPerWrite only in who issues the sync.
	WALSyncPerBatch
	// WALSyncNone never syncs. Fastest but may lose data on crash.
	WALSyncNone
)

// String returns the configuration name of the sync mode.
func (m WALSyncMode) String() string {
	switch m {
	case WALSyncNone:
		return "none"
	case WALSyncPerBatch:
		return "per_batch"
	case WALSyncPerWrite:
		return "per_write"
	default:
		return fmt.Sprintf("walsync(%d)", int(m))
	}
}

// CompressionType determines the compression algorithm.
type CompressionType int

const (
	// CompressionZstd uses zstd compression (good compression, fast).
	CompressionZstd CompressionType = iota
	// CompressionSnappy uses snappy compression (faster, less compression).
	CompressionSnappy
	// CompressionNone disables compression.
	CompressionNone
	// CompressionMinLZ uses minlz compression (fastest decode).
	CompressionMinLZ
)

// String returns the configuration name of the compression type.
func (c CompressionType) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	case CompressionNone:
		return "none"
	case CompressionMinLZ:
		return "minlz"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

// DefaultOptions returns production-ready defaults for the given directory.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                   dir,
		MemtableSize:          4 * 1024 * 1024,  // 4MB
		MaxImmutableMemtables: 2,                // 2 pending flushes
		BlockCacheSize:        64 * 1024 * 1024, // 64MB
		BlockSize:             16 * 1024,        // 16KB - fast random access
		CompressionType:       CompressionZstd,
		CompressionLevel:      1,    // zstd fastest
		BloomFPRate:           0.01, // 1% false positive
		CompactionFanout:      4,
		WALSyncMode:           WALSyncPerWrite,
		FlushInterval:         30 * time.Second,
		CompactionInterval:    time.Second,
	}
}

// LowMemoryOptions returns options for memory-constrained environments.
func LowMemoryOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.MemtableSize = 1024 * 1024 // 1MB
	opts.MaxImmutableMemtables = 1
	opts.BlockCacheSize = 0 // No cache
	opts.BlockSize = 4 * 1024
	return opts
}

// HighPerformanceOptions returns options optimized for throughput.
func HighPerformanceOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.MemtableSize = 64 * 1024 * 1024    // 64MB
	opts.BlockCacheSize = 512 * 1024 * 1024 // 512MB
	opts.CompressionType = CompressionSnappy
	opts.WALSyncMode = WALSyncPerBatch
	return opts
}

// withDefaults fills zero-valued fields from DefaultOptions.
func (o Options) withDefaults() Options {
	def := DefaultOptions(o.Dir)
	if o.MemtableSize <= 0 {
		o.MemtableSize = def.MemtableSize
	}
	if o.MaxImmutableMemtables <= 0 {
		o.MaxImmutableMemtables = def.MaxImmutableMemtables
	}
	if o.BlockCacheSize < 0 {
		o.BlockCacheSize = 0
	}
	if o.BlockSize <= 0 {
		o.BlockSize = def.BlockSize
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = def.BloomFPRate
	}
	if o.CompactionFanout < 2 {
		o.CompactionFanout = def.CompactionFanout
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = def.FlushInterval
	}
	if o.CompactionInterval <= 0 {
		o.CompactionInterval = def.CompactionInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Events == nil {
		o.Events = nopSink{}
	}
	return o
}
