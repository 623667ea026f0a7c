package storage

import "time"

// Chunking defaults shared by the stores.
const (
	// DefaultSnapshotChunkSize is the number of entries per snapshot chunk.
	DefaultSnapshotChunkSize = 1000
	// DefaultFeedChunkSize is the number of batches per feed chunk.
	DefaultFeedChunkSize = 100
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Dir is the storage directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in memory (tests and throwaway runs).
	InMemory bool

	// SnapshotChunkSize bounds the entries returned per snapshot Next.
	// Default: 1000
	SnapshotChunkSize int

	// FeedChunkSize bounds the batches returned per feed Next.
	// Default: 100
	FeedChunkSize int

	// GCInterval is the interval between value log GC runs.
	// Default: 10m
	GCInterval time.Duration

	// GCThreshold is the GC discard ratio threshold (0.0-1.0).
	// Default: 0.5
	GCThreshold float64

	// CacheSize is the block cache size in bytes.
	// Default: 64MB
	CacheSize int64

	// ValueLogFileSize is the max value log file size in bytes.
	// Default: 256MB
	ValueLogFileSize int64

	// NumMemtables is the number of memtables.
	// Default: 2
	NumMemtables int

	// SyncWrites enables fsync after each commit.
	// Default: false
	SyncWrites bool
}

// DefaultBadgerConfig returns the default Badger configuration.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:               dir,
		SnapshotChunkSize: DefaultSnapshotChunkSize,
		FeedChunkSize:     DefaultFeedChunkSize,
		GCInterval:        10 * time.Minute,
		GCThreshold:       0.5,
		CacheSize:         64 << 20,  // 64MB
		ValueLogFileSize:  256 << 20, // 256MB
		NumMemtables:      2,
		SyncWrites:        false,
	}
}

// InMemoryBadgerConfig returns a configuration for an in-memory Badger
// instance.
func InMemoryBadgerConfig() BadgerConfig {
	cfg := DefaultBadgerConfig("")
	cfg.InMemory = true
	cfg.ValueLogFileSize = 16 << 20
	return cfg
}
