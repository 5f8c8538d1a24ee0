package tinylsm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the YAML form of Options plus logger settings.
//
//	dir: ./data
//	logger:
//	  level: info
//	  format: json
//	memtable:
//	  size: 4194304
//	  max_immutable: 2
//	  flush_interval: 30s
//	sstable:
//	  block_size: 16384
//	  compression: zstd # zstd, snappy, minlz or none
//	  compression_level: 1
//	  bloom_fp_rate: 0.01
//	  verify_checksums: true
//	cache:
//	  size: 67108864
//	compaction:
//	  fanout: 4
//	  interval: 1s
//	  disabled: false
//	wal:
//	  sync: per_write
type Config struct {
	Dir        string           `yaml:"dir"`
	Logger     LoggerConfig     `yaml:"logger"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	Cache      CacheConfig      `yaml:"cache"`
	Compaction CompactionConfig `yaml:"compaction"`
	WAL        WALConfig        `yaml:"wal"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type MemtableConfig struct {
	Size          int64  `yaml:"size"`
	MaxImmutable  int    `yaml:"max_immutable"`
	FlushInterval string `yaml:"flush_interval"`
}

type SSTableConfig struct {
	BlockSize        int     `yaml:"block_size"`
	Compression      string  `yaml:"compression"`
	CompressionLevel int     `yaml:"compression_level"`
	BloomFPRate      float64 `yaml:"bloom_fp_rate"`
	VerifyChecksums  bool    `yaml:"verify_checksums"`
}

type CacheConfig struct {
	Size int64 `yaml:"size"`
}

type CompactionConfig struct {
	Fanout   int    `yaml:"fanout"`
	Interval string `yaml:"interval"`
	Disabled bool   `yaml:"disabled"`
}

type WALConfig struct {
	Sync string `yaml:"sync"` // none, per_batch or per_write
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultConfig mirrors DefaultOptions.
func DefaultConfig() Config {
	opts := DefaultOptions("./data")
	return Config{
		Dir:    opts.Dir,
		Logger: LoggerConfig{Level: "info", Format: "console"},
		Memtable: MemtableConfig{
			Size:          opts.MemtableSize,
			MaxImmutable:  opts.MaxImmutableMemtables,
			FlushInterval: opts.FlushInterval.String(),
		},
		SSTable: SSTableConfig{
			BlockSize:        opts.BlockSize,
			Compression:      opts.CompressionType.String(),
			CompressionLevel: opts.CompressionLevel,
			BloomFPRate:      opts.BloomFPRate,
			VerifyChecksums:  !opts.SkipChecksums,
		},
		Cache: CacheConfig{Size: opts.BlockCacheSize},
		Compaction: CompactionConfig{
			Fanout:   opts.CompactionFanout,
			Interval: opts.CompactionInterval.String(),
		},
		WAL: WALConfig{Sync: opts.WALSyncMode.String()},
	}
}

// LoadConfig reads a YAML config over the defaults. A missing file
// yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Options validates the config and converts it. logger is attached to
// the result and may be nil.
func (c Config) Options(logger *zap.Logger) (Options, error) {
	opts := DefaultOptions(c.Dir)
	if c.Dir == "" {
		return opts, fmt.Errorf("%w: dir is required", ErrInvalidConfig)
	}

	if c.Memtable.Size <= 0 {
		return opts, fmt.Errorf("%w: memtable.size must be positive", ErrInvalidConfig)
	}
	opts.MemtableSize = c.Memtable.Size
	if c.Memtable.MaxImmutable < 1 {
		return opts, fmt.Errorf("%w: memtable.max_immutable must be at least 1", ErrInvalidConfig)
	}
	opts.MaxImmutableMemtables = c.Memtable.MaxImmutable
	flushInterval, err := parseInterval("memtable.flush_interval", c.Memtable.FlushInterval)
	if err != nil {
		return opts, err
	}
	opts.FlushInterval = flushInterval

	if c.SSTable.BlockSize <= 0 {
		return opts, fmt.Errorf("%w: sstable.block_size must be positive", ErrInvalidConfig)
	}
	opts.BlockSize = c.SSTable.BlockSize
	compression, err := ParseCompressionType(c.SSTable.Compression)
	if err != nil {
		return opts, err
	}
	opts.CompressionType = compression
	opts.CompressionLevel = c.SSTable.CompressionLevel
	if c.SSTable.BloomFPRate <= 0 || c.SSTable.BloomFPRate >= 1 {
		return opts, fmt.Errorf("%w: sstable.bloom_fp_rate must be in (0, 1)", ErrInvalidConfig)
	}
	opts.BloomFPRate = c.SSTable.BloomFPRate
	opts.SkipChecksums = !c.SSTable.VerifyChecksums

	if c.Cache.Size < 0 {
		return opts, fmt.Errorf("%w: cache.size must not be negative", ErrInvalidConfig)
	}
	opts.BlockCacheSize = c.Cache.Size

	if c.Compaction.Fanout < 2 {
		return opts, fmt.Errorf("%w: compaction.fanout must be at least 2", ErrInvalidConfig)
	}
	opts.CompactionFanout = c.Compaction.Fanout
	compactionInterval, err := parseInterval("compaction.interval", c.Compaction.Interval)
	if err != nil {
		return opts, err
	}
	opts.CompactionInterval = compactionInterval
	opts.DisableAutoCompaction = c.Compaction.Disabled

	syncMode, err := ParseWALSyncMode(c.WAL.Sync)
	if err != nil {
		return opts, err
	}
	opts.WALSyncMode = syncMode

	opts.Logger = logger
	return opts, nil
}

func parseInterval(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, field)
	}
	return d, nil
}

// ParseCompressionType parses zstd, snappy, minlz or none.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "zstd", "":
		return CompressionZstd, nil
	case "snappy":
		return CompressionSnappy, nil
	case "none":
		return CompressionNone, nil
	case "minlz":
		return CompressionMinLZ, nil
	default:
		return 0, fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, s)
	}
}

// ParseWALSyncMode parses none, per_batch or per_write.
func ParseWALSyncMode(s string) (WALSyncMode, error) {
	switch strings.ToLower(s) {
	case "none":
		return WALSyncNone, nil
	case "per_batch":
		return WALSyncPerBatch, nil
	case "per_write", "":
		return WALSyncPerWrite, nil
	default:
		return 0, fmt.Errorf("%w: unknown wal sync mode %q", ErrInvalidConfig, s)
	}
}

// NewLogger builds a zap logger. format is json (production encoder) or
// console (development encoder).
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: logger.level: %v", ErrInvalidConfig, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
