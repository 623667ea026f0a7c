package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/core/verify"
	"github.com/yndnr/feedcheck/internal/infra/retry"
	"github.com/yndnr/feedcheck/internal/storage"
	"github.com/yndnr/feedcheck/internal/telemetry/logger"
	"github.com/yndnr/feedcheck/internal/telemetry/metric"
)

// Config controls one verification run.
type Config struct {
	// Range is the key range the feed watches and the snapshots read.
	Range domain.KeyRange
	// TestDuration bounds the run. Zero runs until ctx is done.
	TestDuration time.Duration
	// FirstDelayMax bounds the jitter before snapshot A.
	FirstDelayMax time.Duration
	// SecondDelayMax bounds the wait between snapshot A and snapshot B.
	SecondDelayMax time.Duration
	// PopMaxAttempts bounds the attempts of each pop.
	PopMaxAttempts int
	// MaxLoggedDiffs caps the per-mismatch diagnostic events of each kind.
	MaxLoggedDiffs int
}

// DefaultConfig returns the standard run configuration.
func DefaultConfig() Config {
	return Config{
		Range:          domain.NormalKeys,
		TestDuration:   10 * time.Second,
		FirstDelayMax:  time.Second,
		SecondDelayMax: 10 * time.Second,
		PopMaxAttempts: 3,
		MaxLoggedDiffs: 100,
	}
}

// Summary is the outcome of a run.
type Summary struct {
	FeedID           domain.FeedID  `json:"feed_id" yaml:"feed_id"`
	Cycles           int            `json:"cycles" yaml:"cycles"`
	Mismatches       int            `json:"mismatches" yaml:"mismatches"`
	BatchesApplied   int            `json:"batches_applied" yaml:"batches_applied"`
	MutationsApplied int            `json:"mutations_applied" yaml:"mutations_applied"`
	PopFailures      int            `json:"pop_failures" yaml:"pop_failures"`
	LastVersion      domain.Version `json:"last_version" yaml:"last_version"`
}

// Add folds another summary into s. FeedID and LastVersion keep the
// highest values.
func (s *Summary) Add(other Summary) {
	s.Cycles += other.Cycles
	s.Mismatches += other.Mismatches
	s.BatchesApplied += other.BatchesApplied
	s.MutationsApplied += other.MutationsApplied
	s.PopFailures += other.PopFailures
	if other.LastVersion > s.LastVersion {
		s.LastVersion = other.LastVersion
	}
	if s.FeedID == "" {
		s.FeedID = other.FeedID
	}
}

// Verifier runs the register / cycle / terminate loop against one store.
// A Verifier is not safe for concurrent use; run one per client.
type Verifier struct {
	store     storage.Store
	cfg       Config
	rnd       *rand.Rand
	now       func() time.Time
	logger    logger.Logger
	metrics   *metric.Registry
	snapshots *SnapshotReader
	mutations *MutationReader
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRand sets the randomness source for feed IDs and delays.
func WithRand(r *rand.Rand) Option {
	return func(v *Verifier) {
		v.rnd = r
	}
}

// WithClock sets the clock used for feed ID timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) {
		v.logger = l
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metric.Registry) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(store storage.Store, cfg Config, opts ...Option) *Verifier {
	v := &Verifier{
		store:  store,
		cfg:    cfg,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		logger: logger.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.snapshots = NewSnapshotReader(store, v.logger, v.metrics)
	v.mutations = NewMutationReader(store, v.logger, v.metrics)
	return v
}

// ============================================================================
// Run
// ============================================================================

// Run registers a fresh feed and verifies it until the test duration
// elapses or ctx is done. Both end the run normally, abandoning the cycle
// in flight. A non-nil error means a fatal store or protocol failure; the
// summary then covers the cycles completed before it.
func (v *Verifier) Run(ctx context.Context) (Summary, error) {
	if err := v.cfg.Range.Validate(); err != nil {
		return Summary{}, err
	}
	if v.cfg.TestDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.TestDuration)
		defer cancel()
	}

	var summary Summary

	id, err := v.register(ctx)
	if err != nil {
		if stopped(ctx, err) {
			return summary, nil
		}
		return summary, err
	}
	summary.FeedID = id
	log := v.logger.With("feed_id", string(id))

	for ctx.Err() == nil {
		res, err := v.cycle(ctx, id, log)
		if err != nil {
			if stopped(ctx, err) {
				break
			}
			log.Error("verification aborted", "cycle", summary.Cycles+1, "error", err)
			return summary, err
		}
		summary.Cycles++
		summary.BatchesApplied += res.stats.Batches
		summary.MutationsApplied += res.stats.Mutations
		summary.LastVersion = res.end
		if !res.report.Match() {
			summary.Mismatches++
		}
		if res.popFailed {
			summary.PopFailures++
		}
	}

	log.Info("verification finished",
		"cycles", summary.Cycles,
		"mismatches", summary.Mismatches,
		"batches_applied", summary.BatchesApplied,
		"pop_failures", summary.PopFailures,
		"last_version", uint64(summary.LastVersion))
	return summary, nil
}

// stopped reports whether err is ctx ending rather than a failure that
// happened to race with it.
func stopped(ctx context.Context, err error) bool {
	cerr := ctx.Err()
	return cerr != nil && errors.Is(err, cerr)
}

// register creates and commits a feed with a fresh identifier.
func (v *Verifier) register(ctx context.Context) (domain.FeedID, error) {
	id, err := domain.NewFeedID(v.rnd, v.now())
	if err != nil {
		return "", err
	}

	attempts := 0
	err = retry.Do(ctx, v.store.OnError, func(ctx context.Context) error {
		attempts++
		err := v.store.RegisterChangeFeed(ctx, id, v.cfg.Range)
		// A failed attempt may still have committed.
		if attempts > 1 && errors.Is(err, domain.ErrFeedConflict) {
			return nil
		}
		return err
	}, retry.WithOnRetry(func(attempt int, err error) {
		v.metrics.RecordRetry("register_change_feed")
		v.logger.Debug("change feed registration retried", "feed_id", string(id), "attempt", attempt, "error", err)
	}))
	if err != nil {
		return "", fmt.Errorf("register change feed %s: %w", id, err)
	}
	return id, nil
}

// ============================================================================
// Cycle
// ============================================================================

type cycleResult struct {
	begin, end domain.Version
	stats      verify.Stats
	report     verify.Report
	popFailed  bool
}

// cycle runs one snapshot / wait / snapshot / replay / compare / pop pass.
func (v *Verifier) cycle(ctx context.Context, id domain.FeedID, log logger.Logger) (cycleResult, error) {
	var res cycleResult
	start := time.Now()

	if err := retry.Sleep(ctx, v.jitter(v.cfg.FirstDelayMax)); err != nil {
		return res, err
	}
	a, err := v.snapshots.Read(ctx, v.cfg.Range)
	if err != nil {
		return res, err
	}

	if err := retry.Sleep(ctx, v.jitter(v.cfg.SecondDelayMax)); err != nil {
		return res, err
	}
	b, err := v.snapshots.Read(ctx, v.cfg.Range)
	if err != nil {
		return res, err
	}
	res.begin, res.end = a.Version, b.Version

	batches, err := v.mutations.Read(ctx, id, v.cfg.Range, a.Version, b.Version)
	if err != nil {
		return res, err
	}

	predicted, stats, err := verify.Reconstruct(a.State, batches)
	if err != nil {
		return res, fmt.Errorf("reconstruct [%d, %d): %w", a.Version, b.Version, err)
	}
	res.stats = stats
	res.report = verify.Compare(predicted, b.State)

	v.metrics.AddApplied(stats.Batches, stats.Mutations)
	v.metrics.SetSnapshotEntries(len(b.State))

	if !res.report.Match() {
		v.reportMismatch(log, a, b, predicted, batches, res.report)
	} else {
		log.Debug("change feed cycle matched",
			"begin_version", uint64(a.Version),
			"end_version", uint64(b.Version),
			"entries", len(b.State),
			"batches", stats.Batches,
			"mutations", stats.Mutations)
	}

	popped, err := v.pop(ctx, id, b.Version, log)
	if err != nil {
		return res, err
	}
	res.popFailed = !popped

	v.metrics.RecordCycle(res.report.Match(), time.Since(start))
	return res, nil
}

// pop advances the feed's retained-log boundary to through. Failure only
// costs retention, so it is reported and the run continues. Only the
// context ending is returned as an error.
func (v *Verifier) pop(ctx context.Context, id domain.FeedID, through domain.Version, log logger.Logger) (bool, error) {
	err := retry.Do(ctx, v.store.OnError, func(ctx context.Context) error {
		return v.store.PopChangeFeedMutations(ctx, id, through)
	},
		retry.WithMaxAttempts(v.cfg.PopMaxAttempts),
		retry.WithOnRetry(func(attempt int, err error) {
			v.metrics.RecordRetry("pop_change_feed")
		}))
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	v.metrics.IncPopFailure()
	log.Warn("change feed pop failed", "through", uint64(through), "error", err)
	return false, nil
}

// jitter returns a random delay in [0, limit).
func (v *Verifier) jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(v.rnd.Int63n(int64(limit)))
}

// ============================================================================
// Diagnostics
// ============================================================================

// reportMismatch emits the structured events describing one mismatch.
func (v *Verifier) reportMismatch(log logger.Logger, a, b Snapshot, predicted domain.KeyedState, batches []domain.MutationBatch, report verify.Report) {
	pfp := verify.Fingerprint(predicted)
	ofp := verify.Fingerprint(b.State)
	log.Error("change feed mismatch",
		"begin_version", uint64(a.Version),
		"end_version", uint64(b.Version),
		"base_entries", len(a.State),
		"batches", len(batches),
		"predicted_size", report.PredictedSize,
		"observed_size", report.ObservedSize,
		"predicted_fingerprint", fmt.Sprintf("%x", pfp),
		"observed_fingerprint", fmt.Sprintf("%x", ofp))

	limit := v.cfg.MaxLoggedDiffs
	if limit <= 0 {
		limit = DefaultConfig().MaxLoggedDiffs
	}

	if report.SizeMismatch() {
		v.metrics.RecordMismatch("size")
		log.Error("change feed size mismatch",
			"predicted_size", report.PredictedSize,
			"observed_size", report.ObservedSize)
	} else {
		v.metrics.RecordMismatch("content")
		for i, d := range report.Diffs {
			if i == limit {
				log.Error("change feed mutation mismatch truncated", "remaining", len(report.Diffs)-limit)
				break
			}
			log.Error("change feed mutation mismatch",
				"index", d.Index,
				"predicted_key", d.PredictedKey,
				"observed_key", d.ObservedKey,
				"predicted_value", d.PredictedValue,
				"observed_value", d.ObservedValue)
		}
	}

	for i, kv := range b.State {
		if i == limit {
			break
		}
		log.Warn("change feed observed entry", "index", i, "key", kv.Key, "value", kv.Value)
	}
	for i, kv := range predicted {
		if i == limit {
			break
		}
		log.Warn("change feed predicted entry", "index", i, "key", kv.Key, "value", kv.Value)
	}
}
