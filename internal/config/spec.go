package config

import "time"

// Config is the root configuration of a feedcheck run.
type Config struct {
	// TestDuration is the run length in seconds.
	TestDuration float64 `koanf:"test_duration" json:"test_duration" yaml:"test_duration"`

	// Seed drives feed identifiers, cycle delays, faults and the workload.
	Seed int64 `koanf:"seed" json:"seed" yaml:"seed"`

	// Clients is the number of concurrent verifiers, each with its own feed.
	Clients int `koanf:"clients" json:"clients" yaml:"clients"`

	Range    RangeSection    `koanf:"range" json:"range" yaml:"range"`
	Cycle    CycleSection    `koanf:"cycle" json:"cycle" yaml:"cycle"`
	Store    StoreSection    `koanf:"store" json:"store" yaml:"store"`
	Workload WorkloadSection `koanf:"workload" json:"workload" yaml:"workload"`
	Log      LogSection      `koanf:"log" json:"log" yaml:"log"`
	Metrics  MetricsSection  `koanf:"metrics" json:"metrics" yaml:"metrics"`
}

// RangeSection is the verified key range. Keys use the escaped form with
// \xNN for non-printable bytes. An empty end means the end of the normal
// key space.
type RangeSection struct {
	Begin string `koanf:"begin" json:"begin" yaml:"begin"`
	End   string `koanf:"end" json:"end" yaml:"end"`
}

// CycleSection tunes each verification cycle.
type CycleSection struct {
	FirstDelayMax  time.Duration `koanf:"first_delay_max" json:"first_delay_max" yaml:"first_delay_max"`
	SecondDelayMax time.Duration `koanf:"second_delay_max" json:"second_delay_max" yaml:"second_delay_max"`
	PopMaxAttempts int           `koanf:"pop_max_attempts" json:"pop_max_attempts" yaml:"pop_max_attempts"`
	MaxLoggedDiffs int           `koanf:"max_logged_diffs" json:"max_logged_diffs" yaml:"max_logged_diffs"`
}

// StoreSection selects and tunes the store under test.
type StoreSection struct {
	// Engine is "memory" or "badger".
	Engine string `koanf:"engine" json:"engine" yaml:"engine"`

	// Dir is the Badger data directory. Required unless InMemory is set.
	Dir      string `koanf:"dir" json:"dir" yaml:"dir"`
	InMemory bool   `koanf:"in_memory" json:"in_memory" yaml:"in_memory"`

	SnapshotChunkSize int           `koanf:"snapshot_chunk_size" json:"snapshot_chunk_size" yaml:"snapshot_chunk_size"`
	FeedChunkSize     int           `koanf:"feed_chunk_size" json:"feed_chunk_size" yaml:"feed_chunk_size"`
	GCInterval        time.Duration `koanf:"gc_interval" json:"gc_interval" yaml:"gc_interval"`
	SyncWrites        bool          `koanf:"sync_writes" json:"sync_writes" yaml:"sync_writes"`

	Chaos ChaosSection `koanf:"chaos" json:"chaos" yaml:"chaos"`
}

// ChaosSection configures fault injection around the store.
type ChaosSection struct {
	Enabled         bool    `koanf:"enabled" json:"enabled" yaml:"enabled"`
	OpErrorRate     float64 `koanf:"op_error_rate" json:"op_error_rate" yaml:"op_error_rate"`
	StreamErrorRate float64 `koanf:"stream_error_rate" json:"stream_error_rate" yaml:"stream_error_rate"`
}

// WorkloadSection configures the concurrent writers.
type WorkloadSection struct {
	Writers         int     `koanf:"writers" json:"writers" yaml:"writers"`
	Rate            float64 `koanf:"rate" json:"rate" yaml:"rate"`
	KeySpace        int     `koanf:"key_space" json:"key_space" yaml:"key_space"`
	MaxMutations    int     `koanf:"max_mutations" json:"max_mutations" yaml:"max_mutations"`
	ClearRangeRatio float64 `koanf:"clear_range_ratio" json:"clear_range_ratio" yaml:"clear_range_ratio"`
}

// LogSection configures logging.
type LogSection struct {
	Level       string `koanf:"level" json:"level" yaml:"level"`
	Format      string `koanf:"format" json:"format" yaml:"format"`
	MaxValueLen int    `koanf:"max_value_len" json:"max_value_len" yaml:"max_value_len"`
}

// MetricsSection configures the metrics endpoint. An empty Addr disables it.
type MetricsSection struct {
	Addr string `koanf:"addr" json:"addr" yaml:"addr"`
}
