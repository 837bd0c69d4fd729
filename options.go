package genkv

// options.go implements engine configuration options.

import (
	"errors"
	"fmt"
	"time"

	"github.com/aalhour/genkv/internal/compaction"
	"github.com/aalhour/genkv/internal/compression"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/vfs"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// CompressionType is an alias for the compression type.
type CompressionType = compression.Type

// Compression type constants
const (
	NoCompression     = compression.None
	SnappyCompression = compression.Snappy
	ZlibCompression   = compression.Zlib
	LZ4Compression    = compression.LZ4
	ZstdCompression   = compression.Zstd
)

// StorageSpeed is the storage tier a generation is placed on.
type StorageSpeed = generation.StorageSpeed

// Storage tiers.
const (
	Fast = generation.Fast
	Slow = generation.Slow
)

// SizeRatioOptions configures the default merge picker.
type SizeRatioOptions = compaction.SizeRatioOptions

// Picker chooses which layers a background merge combines.
type Picker = compaction.Picker

// ErrInvalidOptions is returned by Open for an invalid configuration.
var ErrInvalidOptions = errors.New("genkv: invalid options")

// Options contains all configuration options for opening a store.
type Options struct {
	// CreateIfMissing causes Open to create the directory if it does not
	// exist.
	CreateIfMissing bool

	// FS is the filesystem implementation to use.
	// If nil, the OS filesystem is used.
	FS vfs.FS

	// BlockSize is the size of generation blocks and cache slots. It must
	// be a multiple of 512.
	// Default: 4096
	BlockSize int

	// CacheSize is the number of block cache slots.
	// Default: 1024
	CacheSize int

	// NumLRU is the number of cache shards, each with its own LRU list.
	// Default: 8
	NumLRU int

	// VerifyChecksums checks the xxh3 trailer of every block read from
	// disk.
	// Default: true
	VerifyChecksums bool

	// VolumeBlocks is the size of the block address space every open
	// generation is mapped into, and of the hit counter.
	// Default: 1 << 20
	VolumeBlocks int

	// PoolInitialBlocks and PoolExtraGrowth size the pool of write
	// buffers used by flushes and merges.
	// Default: 2, 2
	PoolInitialBlocks int
	PoolExtraGrowth   int

	// IndexInterval is the number of records between sparse index entries.
	// Default: 16
	IndexInterval int

	// Compression specifies the value compression algorithm.
	// Default: SnappyCompression
	Compression CompressionType

	// CompressionThreshold is the smallest value that is compressed.
	// Default: 64
	CompressionThreshold int

	// StorageSpeed is the tier new generations are written to.
	// Default: Fast
	StorageSpeed StorageSpeed

	// CanTail marks flushed generations as the repo's tail.
	// Default: false
	CanTail bool

	// CanTailTombstone controls whether merges keep collapsed tombstones.
	// Nil keeps them unless the merge includes the oldest layer, which is
	// the only setting that never resurrects deleted keys.
	CanTailTombstone *bool

	// MemLayerMaxEntries triggers a flush once the memory layer holds this
	// many entries. Zero disables automatic flushes.
	// Default: 64 << 10
	MemLayerMaxEntries int

	// MaxBackgroundMerges is the number of background merge workers. Zero
	// disables background merges.
	// Default: 1
	MaxBackgroundMerges int

	// MergeInterval is how often background workers look for merges when
	// no write has asked for one.
	// Default: 10s
	MergeInterval time.Duration

	// Picker chooses background merges. If nil, a size-ratio picker is
	// built from SizeRatio.
	Picker Picker

	// SizeRatio configures the default picker.
	SizeRatio *SizeRatioOptions

	// OpenParallelism bounds the generations opened concurrently during
	// recovery.
	// Default: 4
	OpenParallelism int

	// Statistics collects engine metrics. If nil, none are collected.
	Statistics Statistics

	// Logger is the logger for engine operations.
	// If nil, a default logger writing to stderr is used.
	Logger Logger
}

// DefaultOptions returns a new Options with default values.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:      true,
		FS:                   nil, // Will use vfs.Default()
		BlockSize:            4096,
		CacheSize:            1024,
		NumLRU:               8,
		VerifyChecksums:      true,
		VolumeBlocks:         1 << 20,
		PoolInitialBlocks:    2,
		PoolExtraGrowth:      2,
		IndexInterval:        16,
		Compression:          SnappyCompression,
		CompressionThreshold: 64,
		StorageSpeed:         Fast,
		MemLayerMaxEntries:   64 << 10,
		MaxBackgroundMerges:  1,
		MergeInterval:        10 * time.Second,
		OpenParallelism:      4,
		Logger:               nil, // Will use the default logger
	}
}

// Validate reports the first invalid setting.
func (o *Options) Validate() error {
	switch {
	case o.BlockSize < 512 || o.BlockSize%512 != 0:
		return fmt.Errorf("%w: BlockSize %d is not a positive multiple of 512", ErrInvalidOptions, o.BlockSize)
	case o.CacheSize < 1:
		return fmt.Errorf("%w: CacheSize must be positive", ErrInvalidOptions)
	case o.NumLRU < 1 || o.NumLRU > o.CacheSize:
		return fmt.Errorf("%w: NumLRU %d must be in [1, CacheSize]", ErrInvalidOptions, o.NumLRU)
	case o.VolumeBlocks < 1:
		return fmt.Errorf("%w: VolumeBlocks must be positive", ErrInvalidOptions)
	case o.PoolInitialBlocks < 0 || o.PoolExtraGrowth < 0:
		return fmt.Errorf("%w: pool sizes must not be negative", ErrInvalidOptions)
	case o.IndexInterval < 1:
		return fmt.Errorf("%w: IndexInterval must be positive", ErrInvalidOptions)
	case o.CompressionThreshold < 0:
		return fmt.Errorf("%w: CompressionThreshold must not be negative", ErrInvalidOptions)
	case o.MemLayerMaxEntries < 0:
		return fmt.Errorf("%w: MemLayerMaxEntries must not be negative", ErrInvalidOptions)
	case o.MaxBackgroundMerges < 0:
		return fmt.Errorf("%w: MaxBackgroundMerges must not be negative", ErrInvalidOptions)
	case o.MaxBackgroundMerges > 0 && o.MergeInterval <= 0:
		return fmt.Errorf("%w: MergeInterval must be positive with background merges", ErrInvalidOptions)
	}
	if !o.Compression.IsSupported() {
		return fmt.Errorf("%w: unsupported compression %s", ErrInvalidOptions, o.Compression)
	}
	if o.StorageSpeed != Fast && o.StorageSpeed != Slow {
		return fmt.Errorf("%w: unknown storage speed %d", ErrInvalidOptions, o.StorageSpeed)
	}
	return nil
}

// ReadOptions contains options for read operations.
type ReadOptions struct {
	// Snapshot reads the repo as of the snapshot's sequence.
	// If nil, the most recent state is used.
	Snapshot *Snapshot

	// Sequence reads the repo as of this sequence number when Snapshot is
	// nil. Zero means the most recent state.
	Sequence uint64

	// IgnoreTombstone makes present walkers yield deleted keys, flagged
	// as tombstones, instead of skipping them.
	IgnoreTombstone bool
}

// DefaultReadOptions returns ReadOptions with default values.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{}
}
