// Package chaos wraps a store and injects transient failures into its
// operations and streams.
//
// Faults are drawn from a seeded source, so a run with the same seed and
// the same call sequence fails at the same points. Injected failures are
// classed as transient by every store's OnError.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/storage"
)

// ErrInjected is the failure returned by injected faults.
var ErrInjected = domain.ErrTransient.WithDetails("injected fault")

// Config sets the fault rates. Each rate is a probability in [0, 1].
type Config struct {
	// OpErrorRate fails an operation before it reaches the inner store.
	OpErrorRate float64
	// StreamErrorRate fails a stream Next, after which the stream is dead.
	StreamErrorRate float64
	Seed            int64
}

// Store injects faults into an inner storage.ReadWriter.
type Store struct {
	inner storage.ReadWriter
	cfg   Config

	mu  sync.Mutex
	rnd *rand.Rand

	injected atomic.Int64
	onInject func(op string)
}

// Option configures the Store.
type Option func(*Store)

// WithOnInject registers a hook called with the operation name for every
// injected fault.
func WithOnInject(fn func(op string)) Option {
	return func(s *Store) {
		s.onInject = fn
	}
}

// New wraps inner.
func New(inner storage.ReadWriter, cfg Config, opts ...Option) *Store {
	s := &Store{
		inner: inner,
		cfg:   cfg,
		rnd:   rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Injected returns the number of faults injected so far.
func (s *Store) Injected() int64 {
	return s.injected.Load()
}

func (s *Store) fault(op string, rate float64) error {
	if rate <= 0 {
		return nil
	}
	s.mu.Lock()
	hit := s.rnd.Float64() < rate
	s.mu.Unlock()
	if !hit {
		return nil
	}
	s.injected.Add(1)
	if s.onInject != nil {
		s.onInject(op)
	}
	return ErrInjected.WithDetails("injected fault: " + op)
}

// ReadSnapshot implements storage.Store.
func (s *Store) ReadSnapshot(ctx context.Context, rng domain.KeyRange) (storage.SnapshotStream, error) {
	if err := s.fault("read_snapshot", s.cfg.OpErrorRate); err != nil {
		return nil, err
	}
	st, err := s.inner.ReadSnapshot(ctx, rng)
	if err != nil {
		return nil, err
	}
	return &snapshotStream{SnapshotStream: st, store: s}, nil
}

// RegisterChangeFeed implements storage.Store.
func (s *Store) RegisterChangeFeed(ctx context.Context, id domain.FeedID, rng domain.KeyRange) error {
	if err := s.fault("register_change_feed", s.cfg.OpErrorRate); err != nil {
		return err
	}
	return s.inner.RegisterChangeFeed(ctx, id, rng)
}

// ChangeFeedStream implements storage.Store.
func (s *Store) ChangeFeedStream(ctx context.Context, id domain.FeedID, begin, end domain.Version, rng domain.KeyRange) (storage.MutationStream, error) {
	if err := s.fault("change_feed_stream", s.cfg.OpErrorRate); err != nil {
		return nil, err
	}
	st, err := s.inner.ChangeFeedStream(ctx, id, begin, end, rng)
	if err != nil {
		return nil, err
	}
	return &mutationStream{MutationStream: st, store: s}, nil
}

// PopChangeFeedMutations implements storage.Store.
func (s *Store) PopChangeFeedMutations(ctx context.Context, id domain.FeedID, through domain.Version) error {
	if err := s.fault("pop_change_feed", s.cfg.OpErrorRate); err != nil {
		return err
	}
	return s.inner.PopChangeFeedMutations(ctx, id, through)
}

// OnError implements storage.Store.
func (s *Store) OnError(ctx context.Context, err error) error {
	return s.inner.OnError(ctx, err)
}

// Commit implements storage.Writer. A fault fails the commit before it is
// applied.
func (s *Store) Commit(ctx context.Context, mutations []domain.Mutation) (domain.Version, error) {
	if err := s.fault("commit", s.cfg.OpErrorRate); err != nil {
		return 0, err
	}
	return s.inner.Commit(ctx, mutations)
}

type snapshotStream struct {
	storage.SnapshotStream
	store  *Store
	failed error
}

func (st *snapshotStream) Next(ctx context.Context) ([]domain.KeyValue, error) {
	if st.failed != nil {
		return nil, st.failed
	}
	if err := st.store.fault("snapshot_next", st.store.cfg.StreamErrorRate); err != nil {
		st.failed = err
		return nil, err
	}
	return st.SnapshotStream.Next(ctx)
}

type mutationStream struct {
	storage.MutationStream
	store  *Store
	failed error
}

func (st *mutationStream) Next(ctx context.Context) ([]domain.MutationBatch, error) {
	if st.failed != nil {
		return nil, st.failed
	}
	if err := st.store.fault("change_feed_next", st.store.cfg.StreamErrorRate); err != nil {
		st.failed = err
		return nil, err
	}
	return st.MutationStream.Next(ctx)
}
