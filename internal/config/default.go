package config

import "time"

// Store engines.
const (
	EngineMemory = "memory"
	EngineBadger = "badger"
)

// Default configuration values.
const (
	DefaultTestDuration = 10.0
	DefaultSeed         = 1
	DefaultClients      = 1

	DefaultFirstDelayMax  = time.Second
	DefaultSecondDelayMax = 10 * time.Second
	DefaultPopMaxAttempts = 3
	DefaultMaxLoggedDiffs = 100

	DefaultEngine            = EngineMemory
	DefaultSnapshotChunkSize = 1000
	DefaultFeedChunkSize     = 100
	DefaultGCInterval        = 10 * time.Minute

	DefaultWriters         = 4
	DefaultWriteRate       = 50.0
	DefaultKeySpace        = 1000
	DefaultMaxMutations    = 4
	DefaultClearRangeRatio = 0.1

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		TestDuration: DefaultTestDuration,
		Seed:         DefaultSeed,
		Clients:      DefaultClients,
		Cycle: CycleSection{
			FirstDelayMax:  DefaultFirstDelayMax,
			SecondDelayMax: DefaultSecondDelayMax,
			PopMaxAttempts: DefaultPopMaxAttempts,
			MaxLoggedDiffs: DefaultMaxLoggedDiffs,
		},
		Store: StoreSection{
			Engine:            DefaultEngine,
			SnapshotChunkSize: DefaultSnapshotChunkSize,
			FeedChunkSize:     DefaultFeedChunkSize,
			GCInterval:        DefaultGCInterval,
		},
		Workload: WorkloadSection{
			Writers:         DefaultWriters,
			Rate:            DefaultWriteRate,
			KeySpace:        DefaultKeySpace,
			MaxMutations:    DefaultMaxMutations,
			ClearRangeRatio: DefaultClearRangeRatio,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
