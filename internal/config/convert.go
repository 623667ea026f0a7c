package config

import (
	"time"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/core/service"
	"github.com/yndnr/feedcheck/internal/storage"
	"github.com/yndnr/feedcheck/internal/storage/chaos"
	"github.com/yndnr/feedcheck/internal/telemetry/logger"
	"github.com/yndnr/feedcheck/internal/workload"
)

// KeyRange decodes the configured range.
func (c *Config) KeyRange() (domain.KeyRange, error) {
	begin, err := domain.ParseKey(c.Range.Begin)
	if err != nil {
		return domain.KeyRange{}, err
	}
	end := domain.NormalKeys.End
	if c.Range.End != "" {
		if end, err = domain.ParseKey(c.Range.End); err != nil {
			return domain.KeyRange{}, err
		}
	}
	rng := domain.KeyRange{Begin: begin, End: end}
	if err := rng.Validate(); err != nil {
		return domain.KeyRange{}, err
	}
	return rng, nil
}

// Duration returns the run length.
func (c *Config) Duration() time.Duration {
	return time.Duration(c.TestDuration * float64(time.Second))
}

// VerifierConfig returns the per-client verifier configuration.
func (c *Config) VerifierConfig() (service.Config, error) {
	rng, err := c.KeyRange()
	if err != nil {
		return service.Config{}, err
	}
	return service.Config{
		Range:          rng,
		TestDuration:   c.Duration(),
		FirstDelayMax:  c.Cycle.FirstDelayMax,
		SecondDelayMax: c.Cycle.SecondDelayMax,
		PopMaxAttempts: c.Cycle.PopMaxAttempts,
		MaxLoggedDiffs: c.Cycle.MaxLoggedDiffs,
	}, nil
}

// WorkloadConfig returns the workload configuration.
func (c *Config) WorkloadConfig() (workload.Config, error) {
	rng, err := c.KeyRange()
	if err != nil {
		return workload.Config{}, err
	}
	return workload.Config{
		Writers:         c.Workload.Writers,
		Rate:            c.Workload.Rate,
		KeySpace:        c.Workload.KeySpace,
		MaxMutations:    c.Workload.MaxMutations,
		ClearRangeRatio: c.Workload.ClearRangeRatio,
		Range:           rng,
		Seed:            c.Seed,
	}, nil
}

// BadgerConfig returns the Badger store configuration.
func (c *Config) BadgerConfig() storage.BadgerConfig {
	bc := storage.DefaultBadgerConfig(c.Store.Dir)
	if c.Store.InMemory {
		bc = storage.InMemoryBadgerConfig()
	}
	bc.SnapshotChunkSize = c.Store.SnapshotChunkSize
	bc.FeedChunkSize = c.Store.FeedChunkSize
	bc.GCInterval = c.Store.GCInterval
	bc.SyncWrites = c.Store.SyncWrites
	return bc
}

// ChaosConfig returns the fault injection configuration.
func (c *Config) ChaosConfig() chaos.Config {
	return chaos.Config{
		OpErrorRate:     c.Store.Chaos.OpErrorRate,
		StreamErrorRate: c.Store.Chaos.StreamErrorRate,
		Seed:            c.Seed,
	}
}

// LoggerConfig returns the logger configuration. The output stays at the
// logger default.
func (c *Config) LoggerConfig() logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = c.Log.Format
	lc.MaxValueLen = c.Log.MaxValueLen
	return lc
}
