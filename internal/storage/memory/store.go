package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/infra/retry"
	"github.com/yndnr/feedcheck/internal/storage"
)

const btreeDegree = 32

func lessKeyValue(a, b domain.KeyValue) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// Store is an in-memory storage.ReadWriter.
type Store struct {
	mu    sync.Mutex
	data  *btree.BTreeG[domain.KeyValue]
	next  domain.Version
	feeds *feedIndex

	snapshotChunkSize int
	feedChunkSize     int
	backoff           *retry.Backoff
	logger            *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithSnapshotChunkSize bounds the entries returned per snapshot chunk.
func WithSnapshotChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.snapshotChunkSize = n
		}
	}
}

// WithFeedChunkSize bounds the batches returned per feed chunk.
func WithFeedChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.feedChunkSize = n
		}
	}
}

// WithBackoff sets the delay OnError imposes before a retry.
func WithBackoff(b *retry.Backoff) Option {
	return func(s *Store) {
		s.backoff = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a new in-memory store. The first commit gets version 1.
func New(opts ...Option) *Store {
	s := &Store{
		data:              btree.NewG[domain.KeyValue](btreeDegree, lessKeyValue),
		next:              1,
		feeds:             newFeedIndex(),
		snapshotChunkSize: storage.DefaultSnapshotChunkSize,
		feedChunkSize:     storage.DefaultFeedChunkSize,
		backoff:           retry.DefaultBackoff(),
		logger:            slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Commit applies mutations atomically at the next version.
func (s *Store) Commit(ctx context.Context, mutations []domain.Mutation) (domain.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, m := range mutations {
		switch m.Kind {
		case domain.MutationSet:
			if !domain.NormalKeys.Contains(m.Param1) {
				return 0, domain.ErrInvalidArgument.WithDetails("set outside normal keys: " + domain.Printable(m.Param1))
			}
		case domain.MutationClearRange:
		default:
			return 0, domain.ErrInvalidArgument.WithDetails("unknown mutation kind " + m.Kind.String())
		}
	}

	// Callers may reuse their buffers after Commit returns.
	owned := make([]domain.Mutation, len(mutations))
	for i, m := range mutations {
		owned[i] = domain.Mutation{Kind: m.Kind, Param1: clone(m.Param1), Param2: clone(m.Param2)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.next
	for _, m := range owned {
		switch m.Kind {
		case domain.MutationSet:
			s.data.ReplaceOrInsert(domain.KeyValue{Key: m.Param1, Value: m.Param2})
		case domain.MutationClearRange:
			s.clearRangeLocked(m.Param1, m.Param2)
		}
	}
	s.feeds.record(version, owned)
	s.next++
	return version, nil
}

func (s *Store) clearRangeLocked(begin, end []byte) {
	if bytes.Compare(begin, end) >= 0 {
		return
	}
	var doomed []domain.KeyValue
	s.data.AscendRange(domain.KeyValue{Key: begin}, domain.KeyValue{Key: end}, func(kv domain.KeyValue) bool {
		doomed = append(doomed, kv)
		return true
	})
	for _, kv := range doomed {
		s.data.Delete(kv)
	}
}

// ReadSnapshot implements storage.Store.
func (s *Store) ReadSnapshot(ctx context.Context, rng domain.KeyRange) (storage.SnapshotStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	view := s.data.Clone()
	version := s.next
	s.mu.Unlock()

	return &snapshotStream{
		view:      view,
		version:   version,
		cursor:    clone(rng.Begin),
		end:       clone(rng.End),
		chunkSize: s.snapshotChunkSize,
	}, nil
}

type snapshotStream struct {
	view      *btree.BTreeG[domain.KeyValue]
	version   domain.Version
	cursor    []byte
	end       []byte
	chunkSize int
	done      bool
	closed    bool
}

func (st *snapshotStream) Version() domain.Version {
	return st.version
}

func (st *snapshotStream) Next(ctx context.Context) ([]domain.KeyValue, error) {
	if st.closed {
		return nil, storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.done {
		return nil, storage.ErrEndOfStream
	}

	var chunk []domain.KeyValue
	st.view.AscendRange(domain.KeyValue{Key: st.cursor}, domain.KeyValue{Key: st.end}, func(kv domain.KeyValue) bool {
		if len(chunk) == st.chunkSize {
			return false
		}
		chunk = append(chunk, domain.KeyValue{Key: clone(kv.Key), Value: clone(kv.Value)})
		return true
	})
	if len(chunk) < st.chunkSize {
		st.done = true
	}
	if len(chunk) == 0 {
		return nil, storage.ErrEndOfStream
	}
	// Resume strictly after the last key delivered.
	st.cursor = append(clone(chunk[len(chunk)-1].Key), 0)
	return chunk, nil
}

func (st *snapshotStream) Close() error {
	st.closed = true
	st.view = nil
	return nil
}

// RegisterChangeFeed implements storage.Store. Registration consumes a
// version; the feed records every commit after it.
func (s *Store) RegisterChangeFeed(ctx context.Context, id domain.FeedID, rng domain.KeyRange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rng.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.feeds.get(id); ok {
		return domain.ErrFeedConflict.WithDetails(string(id))
	}
	s.next++
	s.feeds.add(id, &feedLog{
		rng:        domain.KeyRange{Begin: clone(rng.Begin), End: clone(rng.End)},
		registered: s.next,
		popped:     s.next,
	})

	s.logger.Info("change feed registered",
		"feed_id", string(id),
		"range", rng.String(),
		"registered_version", uint64(s.next))
	return nil
}

// ChangeFeedStream implements storage.Store.
func (s *Store) ChangeFeedStream(ctx context.Context, id domain.FeedID, begin, end domain.Version, rng domain.KeyRange) (storage.MutationStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.feeds.get(id)
	if !ok {
		return nil, domain.ErrFeedNotRegistered.WithDetails(string(id))
	}
	if begin > end {
		return nil, domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("begin %d after end %d", begin, end))
	}
	if end > s.next {
		return nil, domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("end %d beyond read version %d", end, s.next))
	}
	if l.popped > l.registered && begin < l.popped {
		return nil, domain.ErrFeedPopped.WithDetails(fmt.Sprintf("feed %s popped through %d, read from %d", id, l.popped, begin))
	}

	return storage.NewSliceStream(l.window(begin, end, rng), s.feedChunkSize), nil
}

// PopChangeFeedMutations implements storage.Store.
func (s *Store) PopChangeFeedMutations(ctx context.Context, id domain.FeedID, through domain.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.feeds.get(id)
	if !ok {
		return domain.ErrFeedNotRegistered.WithDetails(string(id))
	}
	dropped := l.pop(through)

	s.logger.Debug("change feed popped",
		"feed_id", string(id),
		"through", uint64(through),
		"deleted", dropped)
	return nil
}

// OnError implements storage.Store. The delay grows with the attempt
// retry.Do is classifying.
func (s *Store) OnError(ctx context.Context, err error) error {
	if !domain.IsTransient(err) {
		return err
	}
	return retry.Sleep(ctx, s.backoff.Delay(retry.Attempt(ctx)))
}

// Version returns the current read version.
func (s *Store) Version() domain.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Len returns the number of application keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Len()
}

// RetainedBatches returns the number of feed batches not yet popped.
func (s *Store) RetainedBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds.retained()
}

// FeedCount returns the number of registered feeds.
func (s *Store) FeedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds.len()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
