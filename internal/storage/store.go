package storage

import (
	"context"
	"errors"

	"github.com/yndnr/feedcheck/internal/core/domain"
)

// Common errors
var (
	// ErrEndOfStream marks the normal end of a stream.
	ErrEndOfStream = errors.New("end of stream")
	// ErrClosed is returned by operations on a closed store or stream.
	ErrClosed = errors.New("store closed")
)

// SnapshotStream delivers the content of a key range at one read version
// in ascending key order.
type SnapshotStream interface {
	// Version is the read version chosen atomically for this read.
	Version() domain.Version
	// Next returns the next non-empty chunk, or ErrEndOfStream.
	Next(ctx context.Context) ([]domain.KeyValue, error)
	Close() error
}

// MutationStream delivers change-feed batches in ascending version order.
type MutationStream interface {
	// Next returns the next chunk of complete batches, or ErrEndOfStream
	// once every batch below the requested end version was delivered.
	Next(ctx context.Context) ([]domain.MutationBatch, error)
	Close() error
}

// Store is the surface the verification harness consumes.
type Store interface {
	// ReadSnapshot starts a consistent read of rng at a new read version.
	ReadSnapshot(ctx context.Context, rng domain.KeyRange) (SnapshotStream, error)

	// RegisterChangeFeed registers and commits a feed over rng. Only
	// commits after the registration are recorded.
	RegisterChangeFeed(ctx context.Context, id domain.FeedID, rng domain.KeyRange) error

	// ChangeFeedStream streams the feed's batches with versions in
	// [begin, end), restricted to rng.
	ChangeFeedStream(ctx context.Context, id domain.FeedID, begin, end domain.Version, rng domain.KeyRange) (MutationStream, error)

	// PopChangeFeedMutations lets the store discard batches with versions
	// below through.
	PopChangeFeedMutations(ctx context.Context, id domain.FeedID, through domain.Version) error

	// OnError returns nil, after any backoff delay, when err is transient
	// and the failed operation may be retried. Otherwise it returns err.
	OnError(ctx context.Context, err error) error
}

// Writer commits application mutations. The harness never writes; the
// workload does.
type Writer interface {
	// Commit applies mutations atomically and returns the commit version.
	Commit(ctx context.Context, mutations []domain.Mutation) (domain.Version, error)
}

// ReadWriter is a store that also accepts writes.
type ReadWriter interface {
	Store
	Writer
}

// SliceStream is a MutationStream over batches already in memory, split
// into chunks of at most chunkSize batches.
type SliceStream struct {
	batches   []domain.MutationBatch
	chunkSize int
	closed    bool
}

// NewSliceStream creates a SliceStream. chunkSize <= 0 delivers everything
// in one chunk.
func NewSliceStream(batches []domain.MutationBatch, chunkSize int) *SliceStream {
	return &SliceStream{batches: batches, chunkSize: chunkSize}
}

// Next implements MutationStream.
func (s *SliceStream) Next(ctx context.Context) ([]domain.MutationBatch, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.batches) == 0 {
		return nil, ErrEndOfStream
	}
	n := len(s.batches)
	if s.chunkSize > 0 && n > s.chunkSize {
		n = s.chunkSize
	}
	chunk := s.batches[:n:n]
	s.batches = s.batches[n:]
	return chunk, nil
}

// Close implements MutationStream.
func (s *SliceStream) Close() error {
	s.closed = true
	s.batches = nil
	return nil
}
