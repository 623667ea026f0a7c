package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Verify validates the configuration.
func Verify(cfg *Config) error {
	if cfg.TestDuration < 0 || math.IsNaN(cfg.TestDuration) || math.IsInf(cfg.TestDuration, 0) {
		return errors.New("test_duration must be a finite non-negative number of seconds")
	}
	if cfg.Clients < 1 {
		return errors.New("clients must be at least 1")
	}
	if _, err := cfg.KeyRange(); err != nil {
		return fmt.Errorf("range: %w", err)
	}
	if err := verifyCycle(&cfg.Cycle); err != nil {
		return err
	}
	if err := verifyStore(&cfg.Store); err != nil {
		return err
	}
	wl, err := cfg.WorkloadConfig()
	if err != nil {
		return err
	}
	if err := wl.Validate(); err != nil {
		return fmt.Errorf("workload: %w", err)
	}
	return verifyLog(&cfg.Log)
}

func verifyCycle(cfg *CycleSection) error {
	if cfg.FirstDelayMax < 0 || cfg.SecondDelayMax < 0 {
		return errors.New("cycle delays must not be negative")
	}
	if cfg.PopMaxAttempts < 1 {
		return errors.New("cycle.pop_max_attempts must be at least 1")
	}
	return nil
}

func verifyStore(cfg *StoreSection) error {
	switch cfg.Engine {
	case EngineMemory:
	case EngineBadger:
		if cfg.Dir == "" && !cfg.InMemory {
			return errors.New("store.dir is required for the badger engine unless store.in_memory is set")
		}
	default:
		return fmt.Errorf("store.engine %q: must be %s or %s", cfg.Engine, EngineMemory, EngineBadger)
	}
	if cfg.SnapshotChunkSize < 0 || cfg.FeedChunkSize < 0 {
		return errors.New("store chunk sizes must not be negative")
	}
	for name, rate := range map[string]float64{
		"store.chaos.op_error_rate":     cfg.Chaos.OpErrorRate,
		"store.chaos.stream_error_rate": cfg.Chaos.StreamErrorRate,
	} {
		if rate < 0 || rate >= 1 {
			return fmt.Errorf("%s must be in [0, 1)", name)
		}
	}
	return nil
}

func verifyLog(cfg *LogSection) error {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q: must be debug, info, warn or error", cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q: must be json or text", cfg.Format)
	}
	if cfg.MaxValueLen < 0 {
		return errors.New("log.max_value_len must not be negative")
	}
	return nil
}
