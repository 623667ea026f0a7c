package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/infra/retry"
	"github.com/yndnr/feedcheck/internal/storage"
	"github.com/yndnr/feedcheck/internal/telemetry/logger"
	"github.com/yndnr/feedcheck/internal/telemetry/metric"
)

// Cursor tracks how far a feed read has progressed. Next is the first
// version not yet consumed; it only moves past a batch once the batch has
// been kept.
type Cursor struct {
	Next domain.Version
}

// Advance moves the cursor past batch.
func (c *Cursor) Advance(batch domain.MutationBatch) {
	c.Next = batch.Version + 1
}

// MutationReader reads change-feed batches from a store.
type MutationReader struct {
	store   storage.Store
	logger  logger.Logger
	metrics *metric.Registry
}

// NewMutationReader creates a MutationReader. metrics may be nil.
func NewMutationReader(store storage.Store, log logger.Logger, metrics *metric.Registry) *MutationReader {
	return &MutationReader{
		store:   store,
		logger:  log,
		metrics: metrics,
	}
}

// Read returns the feed's batches with versions in [begin, end), in order.
//
// A transient failure re-opens the stream at the cursor, so batches
// already consumed are neither repeated nor lost.
func (r *MutationReader) Read(ctx context.Context, id domain.FeedID, rng domain.KeyRange, begin, end domain.Version) ([]domain.MutationBatch, error) {
	if begin > end {
		return nil, domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("begin %d after end %d", begin, end))
	}
	if begin == end {
		return nil, nil
	}

	cursor := Cursor{Next: begin}
	var out []domain.MutationBatch

	err := retry.Do(ctx, r.store.OnError, func(ctx context.Context) error {
		if cursor.Next >= end {
			return nil
		}
		st, err := r.store.ChangeFeedStream(ctx, id, cursor.Next, end, rng)
		if err != nil {
			return err
		}
		defer st.Close()

		for {
			chunk, err := st.Next(ctx)
			if errors.Is(err, storage.ErrEndOfStream) {
				return nil
			}
			if err != nil {
				return err
			}
			for _, batch := range chunk {
				if batch.Version < cursor.Next || batch.Version >= end {
					return domain.ErrProtocolViolation.WithDetails(fmt.Sprintf(
						"batch version %d outside [%d, %d)", batch.Version, cursor.Next, end))
				}
				out = append(out, batch)
				cursor.Advance(batch)
			}
		}
	}, retry.WithOnRetry(func(attempt int, err error) {
		r.metrics.RecordRetry("change_feed_stream")
		r.logger.Debug("change feed read resumed",
			"feed_id", string(id),
			"attempt", attempt,
			"resume_version", uint64(cursor.Next),
			"error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("read change feed %s [%d, %d): %w", id, begin, end, err)
	}
	return out, nil
}
