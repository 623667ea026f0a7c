package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/core/verify"
	"github.com/yndnr/feedcheck/internal/storage"
	"github.com/yndnr/feedcheck/internal/storage/chaos"
	"github.com/yndnr/feedcheck/internal/storage/memory"
	"github.com/yndnr/feedcheck/internal/telemetry/logger"
	"github.com/yndnr/feedcheck/internal/telemetry/metric"
)

var testRange = domain.KeyRange{Begin: []byte("a"), End: []byte("z")}

func newMemory(opts ...memory.Option) *memory.Store {
	return memory.New(append([]memory.Option{memory.WithLogger(logger.Discard().Slog())}, opts...)...)
}

func fill(t *testing.T, w storage.Writer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		if _, err := w.Commit(context.Background(), []domain.Mutation{domain.Set(key, []byte(fmt.Sprint(i)))}); err != nil {
			t.Fatal(err)
		}
	}
}

// scriptedSnapshot replays a canned list of chunk results.
type scriptedSnapshot struct {
	version domain.Version
	steps   []snapshotStep
}

type snapshotStep struct {
	chunk []domain.KeyValue
	err   error
}

func (s *scriptedSnapshot) Version() domain.Version { return s.version }

func (s *scriptedSnapshot) Next(context.Context) ([]domain.KeyValue, error) {
	if len(s.steps) == 0 {
		return nil, storage.ErrEndOfStream
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.chunk, step.err
}

func (s *scriptedSnapshot) Close() error { return nil }

// scriptedStore hands out one scripted snapshot stream per call.
type scriptedStore struct {
	storage.Store
	streams []*scriptedSnapshot
	opened  int
}

func (s *scriptedStore) ReadSnapshot(context.Context, domain.KeyRange) (storage.SnapshotStream, error) {
	st := s.streams[s.opened]
	s.opened++
	return st, nil
}

func (s *scriptedStore) OnError(_ context.Context, err error) error {
	if domain.IsTransient(err) {
		return nil
	}
	return err
}

func kvs(pairs ...string) []domain.KeyValue {
	var out []domain.KeyValue
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, domain.KeyValue{Key: []byte(pairs[i]), Value: []byte(pairs[i+1])})
	}
	return out
}

func TestSnapshotReader_RestartDiscardsPartialOutput(t *testing.T) {
	store := &scriptedStore{streams: []*scriptedSnapshot{
		{version: 10, steps: []snapshotStep{
			{chunk: kvs("a", "stale")},
			{err: domain.ErrTransient},
		}},
		{version: 12, steps: []snapshotStep{
			{chunk: kvs("a", "1", "b", "2")},
			{chunk: kvs("c", "3")},
		}},
	}}
	metrics := metric.NewRegistry()
	r := NewSnapshotReader(store, logger.Discard(), metrics)

	snap, err := r.Read(context.Background(), testRange)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 12 {
		t.Errorf("Version = %d, want 12 (from the restarted read)", snap.Version)
	}
	if !verify.Equal(snap.State, kvs("a", "1", "b", "2", "c", "3")) {
		t.Errorf("State = %v, partial output leaked", snap.State)
	}
	if store.opened != 2 {
		t.Errorf("opened %d streams, want 2", store.opened)
	}
}

func TestSnapshotReader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		steps []snapshotStep
		want  error
	}{
		{"fatal", []snapshotStep{{err: domain.ErrStorageError}}, domain.ErrStorageError},
		{"out of order", []snapshotStep{{chunk: kvs("b", "1")}, {chunk: kvs("a", "2")}}, domain.ErrProtocolViolation},
		{"duplicate key", []snapshotStep{{chunk: kvs("b", "1", "b", "2")}}, domain.ErrProtocolViolation},
		{"outside range", []snapshotStep{{chunk: kvs("zz", "1")}}, domain.ErrProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &scriptedStore{streams: []*scriptedSnapshot{{version: 1, steps: tt.steps}}}
			_, err := NewSnapshotReader(store, logger.Discard(), nil).Read(context.Background(), testRange)
			if !errors.Is(err, tt.want) {
				t.Errorf("Read() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSnapshotReader_UnderFaults(t *testing.T) {
	inner := newMemory(memory.WithSnapshotChunkSize(3))
	fill(t, inner, 40)
	want, err := NewSnapshotReader(inner, logger.Discard(), nil).Read(context.Background(), testRange)
	if err != nil {
		t.Fatal(err)
	}

	faulty := chaos.New(inner, chaos.Config{StreamErrorRate: 0.2, OpErrorRate: 0.2, Seed: 7})
	got, err := NewSnapshotReader(faulty, logger.Discard(), nil).Read(context.Background(), testRange)
	if err != nil {
		t.Fatal(err)
	}
	if !verify.Equal(got.State, want.State) || got.Version != want.Version {
		t.Errorf("faulty read diverged: %d entries at %d, want %d at %d",
			len(got.State), got.Version, len(want.State), want.Version)
	}
	if faulty.Injected() == 0 {
		t.Error("expected injected faults")
	}
}

// flakyFeed fails the first stream after its first chunk and records the
// begin version of every stream it opens.
type flakyFeed struct {
	storage.ReadWriter
	begins []domain.Version
}

type failAfterFirst struct {
	storage.MutationStream
	calls int
}

func (f *failAfterFirst) Next(ctx context.Context) ([]domain.MutationBatch, error) {
	f.calls++
	if f.calls == 2 {
		return nil, domain.ErrTransient
	}
	return f.MutationStream.Next(ctx)
}

func (f *flakyFeed) ChangeFeedStream(ctx context.Context, id domain.FeedID, begin, end domain.Version, rng domain.KeyRange) (storage.MutationStream, error) {
	f.begins = append(f.begins, begin)
	st, err := f.ReadWriter.ChangeFeedStream(ctx, id, begin, end, rng)
	if err != nil || len(f.begins) > 1 {
		return st, err
	}
	return &failAfterFirst{MutationStream: st}, nil
}

func TestMutationReader_ResumesFromCursor(t *testing.T) {
	inner := newMemory(memory.WithFeedChunkSize(2))
	ctx := context.Background()
	id := domain.FeedID("cf-resume")
	if err := inner.RegisterChangeFeed(ctx, id, testRange); err != nil {
		t.Fatal(err)
	}
	begin := inner.Version()
	fill(t, inner, 5)
	end := inner.Version()

	store := &flakyFeed{ReadWriter: inner}
	batches, err := NewMutationReader(store, logger.Discard(), nil).Read(ctx, id, testRange, begin, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 5 {
		t.Fatalf("got %d batches, want 5", len(batches))
	}
	for i := 1; i < len(batches); i++ {
		if batches[i].Version <= batches[i-1].Version {
			t.Errorf("batch %d version %d not after %d", i, batches[i].Version, batches[i-1].Version)
		}
	}
	if len(store.begins) != 2 {
		t.Fatalf("opened %d streams, want 2", len(store.begins))
	}
	// The first chunk held two batches; the resume starts after the second.
	if want := batches[1].Version + 1; store.begins[1] != want {
		t.Errorf("resumed at %d, want %d", store.begins[1], want)
	}
}

func TestMutationReader_UnderFaults(t *testing.T) {
	inner := newMemory(memory.WithFeedChunkSize(1))
	ctx := context.Background()
	id := domain.FeedID("cf-chaos")
	inner.RegisterChangeFeed(ctx, id, testRange)
	begin := inner.Version()
	fill(t, inner, 30)
	end := inner.Version()

	want, err := NewMutationReader(inner, logger.Discard(), nil).Read(ctx, id, testRange, begin, end)
	if err != nil {
		t.Fatal(err)
	}
	faulty := chaos.New(inner, chaos.Config{StreamErrorRate: 0.3, OpErrorRate: 0.1, Seed: 3})
	got, err := NewMutationReader(faulty, logger.Discard(), nil).Read(ctx, id, testRange, begin, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d batches, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i].Version != want[i].Version {
			t.Errorf("batch %d version %d, want %d", i, got[i].Version, want[i].Version)
		}
	}
}

func TestMutationReader_EmptyIntervalDoesNoIO(t *testing.T) {
	store := &flakyFeed{ReadWriter: newMemory()}
	batches, err := NewMutationReader(store, logger.Discard(), nil).Read(context.Background(), "cf-any", testRange, 5, 5)
	if err != nil || len(batches) != 0 {
		t.Errorf("Read() = %v, %v; want empty", batches, err)
	}
	if len(store.begins) != 0 {
		t.Error("empty interval opened a stream")
	}

	if _, err := NewMutationReader(store, logger.Discard(), nil).Read(context.Background(), "cf-any", testRange, 6, 5); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("inverted interval error = %v", err)
	}
}

func TestMutationReader_FatalErrors(t *testing.T) {
	inner := newMemory()
	ctx := context.Background()
	fill(t, inner, 1)

	_, err := NewMutationReader(inner, logger.Discard(), nil).Read(ctx, "cf-unknown", testRange, 1, inner.Version())
	if !errors.Is(err, domain.ErrFeedNotRegistered) {
		t.Errorf("unknown feed error = %v, want ErrFeedNotRegistered", err)
	}
}
