package workload

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/infra/retry"
	"github.com/yndnr/feedcheck/internal/storage"
	"github.com/yndnr/feedcheck/internal/telemetry/logger"
	"github.com/yndnr/feedcheck/internal/telemetry/metric"
)

// Config controls the write workload.
type Config struct {
	// Writers is the number of concurrent writers.
	Writers int
	// Rate is the commit rate of each writer per second. Zero is unpaced.
	Rate float64
	// KeySpace is the number of distinct keys written.
	KeySpace int
	// MaxMutations bounds the mutations of one commit.
	MaxMutations int
	// ClearRangeRatio is the probability of a mutation being a ClearRange.
	ClearRangeRatio float64
	// Range holds the key space. Keys are Range.Begin followed by a
	// fixed-width decimal index.
	Range domain.KeyRange
	// Seed derives the random source of each writer.
	Seed int64
}

// DefaultConfig returns the standard workload configuration.
func DefaultConfig() Config {
	return Config{
		Writers:         4,
		Rate:            50,
		KeySpace:        1000,
		MaxMutations:    4,
		ClearRangeRatio: 0.1,
		Range:           domain.NormalKeys,
		Seed:            1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Writers < 0:
		return domain.ErrInvalidArgument.WithDetails("workload writers must not be negative")
	case c.Rate < 0 || math.IsNaN(c.Rate) || math.IsInf(c.Rate, 0):
		return domain.ErrInvalidArgument.WithDetails("workload rate must be a finite non-negative number")
	case c.KeySpace < 2:
		return domain.ErrInvalidArgument.WithDetails("workload key space must hold at least 2 keys")
	case c.MaxMutations < 1:
		return domain.ErrInvalidArgument.WithDetails("workload max mutations must be at least 1")
	case c.ClearRangeRatio < 0 || c.ClearRangeRatio > 1:
		return domain.ErrInvalidArgument.WithDetails("workload clear range ratio must be in [0, 1]")
	}
	if err := c.Range.Validate(); err != nil {
		return err
	}
	ks := newKeySpace(c.Range.Begin, c.KeySpace)
	if !c.Range.Contains(ks.key(0)) || !c.Range.Contains(ks.key(c.KeySpace-1)) {
		return domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("workload keys do not fit in %s", c.Range))
	}
	return nil
}

// Stats counts the work done so far.
type Stats struct {
	Commits   int64 `json:"commits" yaml:"commits"`
	Mutations int64 `json:"mutations" yaml:"mutations"`
	Failures  int64 `json:"failures" yaml:"failures"`
}

// Workload drives concurrent writers against a store.
type Workload struct {
	store   storage.ReadWriter
	cfg     Config
	keys    keySpace
	logger  logger.Logger
	metrics *metric.Registry

	commits   atomic.Int64
	mutations atomic.Int64
	failures  atomic.Int64
}

// Option configures a Workload.
type Option func(*Workload)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(w *Workload) {
		w.logger = l
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metric.Registry) Option {
	return func(w *Workload) {
		w.metrics = m
	}
}

// New creates a Workload. Commits are retried through the store's OnError.
func New(store storage.ReadWriter, cfg Config, opts ...Option) (*Workload, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Workload{
		store:  store,
		cfg:    cfg,
		keys:   newKeySpace(cfg.Range.Begin, cfg.KeySpace),
		logger: logger.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Stats returns the counters so far. Safe to call while Run is active.
func (w *Workload) Stats() Stats {
	return Stats{
		Commits:   w.commits.Load(),
		Mutations: w.mutations.Load(),
		Failures:  w.failures.Load(),
	}
}

// Run commits until ctx is done, which ends the run normally. A commit
// failure the store refuses to retry stops every writer and is returned.
func (w *Workload) Run(ctx context.Context) error {
	if w.cfg.Writers == 0 {
		<-ctx.Done()
		return nil
	}

	w.logger.Info("workload started",
		"writers", w.cfg.Writers,
		"rate", w.cfg.Rate,
		"key_space", w.cfg.KeySpace)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Writers; i++ {
		id := i
		g.Go(func() error {
			return w.writer(gCtx, id)
		})
	}
	err := g.Wait()
	if err != nil {
		w.logger.Error("workload aborted", "error", err)
		return err
	}

	st := w.Stats()
	w.logger.Info("workload finished",
		"commits", st.Commits,
		"mutations", st.Mutations,
		"failures", st.Failures)
	return nil
}

// writer is one commit loop.
func (w *Workload) writer(ctx context.Context, id int) error {
	rnd := rand.New(rand.NewSource(w.cfg.Seed + int64(id)))
	limit := rate.Inf
	if w.cfg.Rate > 0 {
		limit = rate.Limit(w.cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	for seq := uint64(0); ; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		muts := w.batch(rnd, id, seq)

		err := retry.Do(ctx, w.store.OnError, func(ctx context.Context) error {
			_, err := w.store.Commit(ctx, muts)
			return err
		}, retry.WithOnRetry(func(attempt int, err error) {
			w.metrics.RecordRetry("commit")
		}))
		if err != nil {
			if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
				return nil
			}
			w.failures.Add(1)
			w.metrics.IncCommitFailure()
			return fmt.Errorf("writer %d commit %d: %w", id, seq, err)
		}

		w.commits.Add(1)
		w.mutations.Add(int64(len(muts)))
		w.metrics.RecordCommit(len(muts))
	}
}

// batch builds one random commit.
func (w *Workload) batch(rnd *rand.Rand, writer int, seq uint64) []domain.Mutation {
	n := 1 + rnd.Intn(w.cfg.MaxMutations)
	muts := make([]domain.Mutation, 0, n)
	for i := 0; i < n; i++ {
		if rnd.Float64() < w.cfg.ClearRangeRatio {
			a := rnd.Intn(w.cfg.KeySpace - 1)
			b := a + 1 + rnd.Intn(w.cfg.KeySpace-1-a)
			muts = append(muts, domain.ClearRange(w.keys.key(a), w.keys.key(b)))
			continue
		}
		key := w.keys.key(rnd.Intn(w.cfg.KeySpace))
		muts = append(muts, domain.Set(key, value(w.cfg.Seed, writer, seq, key)))
	}
	return muts
}

// keySpace maps indexes to fixed-width keys so that index order is key order.
type keySpace struct {
	prefix []byte
	width  int
}

func newKeySpace(prefix []byte, size int) keySpace {
	return keySpace{prefix: prefix, width: len(strconv.Itoa(size - 1))}
}

func (k keySpace) key(i int) []byte {
	out := make([]byte, 0, len(k.prefix)+k.width)
	out = append(out, k.prefix...)
	return fmt.Appendf(out, "%0*d", k.width, i)
}

// value derives a reproducible value from the writer, sequence and key.
func value(seed int64, writer int, seq uint64, key []byte) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(writer))
	binary.BigEndian.PutUint64(buf[8:], seq)
	h := murmur3.New64WithSeed(uint32(seed))
	h.Write(buf[:])
	h.Write(key)
	return strconv.AppendUint(nil, h.Sum64(), 16)
}
