package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/infra/retry"
	"github.com/yndnr/feedcheck/internal/storage"
	"github.com/yndnr/feedcheck/internal/telemetry/logger"
	"github.com/yndnr/feedcheck/internal/telemetry/metric"
)

// Snapshot is the content of a key range at one read version.
type Snapshot struct {
	State   domain.KeyedState
	Version domain.Version
}

// SnapshotReader reads consistent snapshots from a store.
type SnapshotReader struct {
	store   storage.Store
	logger  logger.Logger
	metrics *metric.Registry
}

// NewSnapshotReader creates a SnapshotReader. metrics may be nil.
func NewSnapshotReader(store storage.Store, log logger.Logger, metrics *metric.Registry) *SnapshotReader {
	return &SnapshotReader{
		store:   store,
		logger:  log,
		metrics: metrics,
	}
}

// Read returns the content of rng at a version chosen by the store.
//
// A transient failure discards everything read so far and starts over at
// a new read version; the result is always one point-in-time view.
func (r *SnapshotReader) Read(ctx context.Context, rng domain.KeyRange) (Snapshot, error) {
	var snap Snapshot
	err := retry.Do(ctx, r.store.OnError, func(ctx context.Context) error {
		s, err := r.readOnce(ctx, rng)
		if err != nil {
			return err
		}
		snap = s
		return nil
	}, retry.WithOnRetry(func(attempt int, err error) {
		r.metrics.RecordRetry("read_snapshot")
		r.logger.Debug("snapshot read restarted", "attempt", attempt, "error", err)
	}))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", rng, err)
	}
	return snap, nil
}

func (r *SnapshotReader) readOnce(ctx context.Context, rng domain.KeyRange) (Snapshot, error) {
	st, err := r.store.ReadSnapshot(ctx, rng)
	if err != nil {
		return Snapshot{}, err
	}
	defer st.Close()

	snap := Snapshot{Version: st.Version()}
	for {
		chunk, err := st.Next(ctx)
		if errors.Is(err, storage.ErrEndOfStream) {
			return snap, nil
		}
		if err != nil {
			return Snapshot{}, err
		}
		for _, kv := range chunk {
			if n := len(snap.State); n > 0 && bytes.Compare(snap.State[n-1].Key, kv.Key) >= 0 {
				return Snapshot{}, domain.ErrProtocolViolation.WithDetails(fmt.Sprintf(
					"snapshot key %s after %s", domain.Printable(kv.Key), domain.Printable(snap.State[n-1].Key)))
			}
			if !rng.Contains(kv.Key) {
				return Snapshot{}, domain.ErrProtocolViolation.WithDetails(fmt.Sprintf(
					"snapshot key %s outside %s", domain.Printable(kv.Key), rng))
			}
			snap.State = append(snap.State, kv)
		}
	}
}
