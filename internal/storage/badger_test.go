package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/infra/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	cfg := InMemoryBadgerConfig()
	cfg.SnapshotChunkSize = 2
	cfg.FeedChunkSize = 2
	s, err := NewBadgerStore(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func drainSnapshot(t *testing.T, st SnapshotStream) domain.KeyedState {
	t.Helper()
	defer st.Close()
	var out domain.KeyedState
	for {
		chunk, err := st.Next(context.Background())
		if errors.Is(err, ErrEndOfStream) {
			return out
		}
		if err != nil {
			t.Fatalf("snapshot Next: %v", err)
		}
		out = append(out, chunk...)
	}
}

func drainFeed(t *testing.T, st MutationStream) []domain.MutationBatch {
	t.Helper()
	defer st.Close()
	var out []domain.MutationBatch
	for {
		chunk, err := st.Next(context.Background())
		if errors.Is(err, ErrEndOfStream) {
			return out
		}
		if err != nil {
			t.Fatalf("feed Next: %v", err)
		}
		out = append(out, chunk...)
	}
}

func renderState(s domain.KeyedState) string {
	out := ""
	for _, kv := range s {
		out += string(kv.Key) + "=" + string(kv.Value) + ";"
	}
	return out
}

var allKeys = domain.KeyRange{Begin: []byte("a"), End: []byte("z")}

func TestBadgerStore_CommitAndSnapshot(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()

	v1, err := s.Commit(ctx, []domain.Mutation{
		domain.Set([]byte("b"), []byte("1")),
		domain.Set([]byte("c"), []byte("2")),
		domain.Set([]byte("d"), []byte("3")),
	})
	if err != nil {
		t.Fatal(err)
	}

	st, err := s.ReadSnapshot(ctx, allKeys)
	if err != nil {
		t.Fatal(err)
	}
	if st.Version() != v1+1 {
		t.Errorf("Version() = %d, want %d", st.Version(), v1+1)
	}
	if got := renderState(drainSnapshot(t, st)); got != "b=1;c=2;d=3;" {
		t.Errorf("snapshot = %q", got)
	}

	// A snapshot opened before a commit does not see it.
	old, err := s.ReadSnapshot(ctx, allKeys)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(ctx, []domain.Mutation{domain.ClearRange([]byte("c"), []byte("d"))}); err != nil {
		t.Fatal(err)
	}
	if got := renderState(drainSnapshot(t, old)); got != "b=1;c=2;d=3;" {
		t.Errorf("old snapshot = %q", got)
	}

	st, err = s.ReadSnapshot(ctx, allKeys)
	if err != nil {
		t.Fatal(err)
	}
	if got := renderState(drainSnapshot(t, st)); got != "b=1;d=3;" {
		t.Errorf("snapshot after clear = %q", got)
	}
}

func TestBadgerStore_SnapshotRespectsRange(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()

	if _, err := s.Commit(ctx, []domain.Mutation{
		domain.Set([]byte("a"), []byte("1")),
		domain.Set([]byte("m"), []byte("2")),
		domain.Set([]byte("y"), []byte("3")),
	}); err != nil {
		t.Fatal(err)
	}

	st, err := s.ReadSnapshot(ctx, domain.KeyRange{Begin: []byte("b"), End: []byte("y")})
	if err != nil {
		t.Fatal(err)
	}
	if got := renderState(drainSnapshot(t, st)); got != "m=2;" {
		t.Errorf("snapshot = %q", got)
	}

	// System keys never leak into a full-range read.
	st, err = s.ReadSnapshot(ctx, domain.KeyRange{Begin: []byte{}, End: []byte("\xff\xff")})
	if err != nil {
		t.Fatal(err)
	}
	if got := renderState(drainSnapshot(t, st)); got != "a=1;m=2;y=3;" {
		t.Errorf("full snapshot = %q", got)
	}
}

func TestBadgerStore_RejectsInvalidWrites(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()

	tests := []struct {
		name string
		m    domain.Mutation
	}{
		{"system key", domain.Set([]byte("\xff/meta/next_version"), []byte("x"))},
		{"unknown kind", domain.Mutation{Kind: 9, Param1: []byte("a")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Commit(ctx, []domain.Mutation{tt.m})
			if !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("Commit() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestBadgerStore_ChangeFeed(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()
	id := domain.FeedID("cf-test")

	// Commits before registration are not recorded.
	if _, err := s.Commit(ctx, []domain.Mutation{domain.Set([]byte("b"), []byte("0"))}); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterChangeFeed(ctx, id, domain.KeyRange{Begin: []byte("b"), End: []byte("m")}); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterChangeFeed(ctx, id, allKeys); !errors.Is(err, domain.ErrFeedConflict) {
		t.Errorf("duplicate register error = %v, want ErrFeedConflict", err)
	}

	start := s.Version()
	v1, _ := s.Commit(ctx, []domain.Mutation{domain.Set([]byte("c"), []byte("1")), domain.Set([]byte("x"), []byte("out"))})
	s.Commit(ctx, []domain.Mutation{domain.Set([]byte("x"), []byte("out"))})
	v3, _ := s.Commit(ctx, []domain.Mutation{domain.ClearRange([]byte("a"), []byte("z"))})
	v4, _ := s.Commit(ctx, []domain.Mutation{domain.Set([]byte("d"), []byte("4"))})
	end := s.Version()

	batches := drainFeed(t, mustStream(t, s, id, start, end, allKeys))
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3: %+v", len(batches), batches)
	}
	if batches[0].Version != v1 || batches[1].Version != v3 || batches[2].Version != v4 {
		t.Errorf("versions = %d,%d,%d want %d,%d,%d",
			batches[0].Version, batches[1].Version, batches[2].Version, v1, v3, v4)
	}
	if n := len(batches[0].Mutations); n != 1 {
		t.Errorf("first batch has %d mutations, want 1 (clipped)", n)
	}
	cr := batches[1].Mutations[0]
	if string(cr.Param1) != "b" || string(cr.Param2) != "m" {
		t.Errorf("clear not clipped to feed range: %s", cr)
	}

	// The end version is exclusive.
	batches = drainFeed(t, mustStream(t, s, id, start, v4, allKeys))
	if len(batches) != 2 {
		t.Errorf("got %d batches for [start, v4), want 2", len(batches))
	}

	// The requested range narrows further.
	batches = drainFeed(t, mustStream(t, s, id, start, end, domain.KeyRange{Begin: []byte("d"), End: []byte("e")}))
	if len(batches) != 2 || string(batches[0].Mutations[0].Param1) != "d" {
		t.Errorf("narrowed batches = %+v", batches)
	}
}

func mustStream(t *testing.T, s *BadgerStore, id domain.FeedID, begin, end domain.Version, rng domain.KeyRange) MutationStream {
	t.Helper()
	st, err := s.ChangeFeedStream(context.Background(), id, begin, end, rng)
	if err != nil {
		t.Fatalf("ChangeFeedStream(%d, %d): %v", begin, end, err)
	}
	return st
}

func TestBadgerStore_ChangeFeedErrors(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()
	id := domain.FeedID("cf-errors")
	if err := s.RegisterChangeFeed(ctx, id, allKeys); err != nil {
		t.Fatal(err)
	}
	start := s.Version()
	s.Commit(ctx, []domain.Mutation{domain.Set([]byte("b"), []byte("1"))})
	mid := s.Version()
	s.Commit(ctx, []domain.Mutation{domain.Set([]byte("c"), []byte("2"))})

	tests := []struct {
		name  string
		id    domain.FeedID
		begin domain.Version
		end   domain.Version
		want  error
	}{
		{"unknown feed", "cf-nope", start, mid, domain.ErrFeedNotRegistered},
		{"end beyond read version", id, start, s.Version() + 5, domain.ErrInvalidArgument},
		{"inverted", id, mid, start, domain.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ChangeFeedStream(ctx, tt.id, tt.begin, tt.end, allKeys)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBadgerStore_Pop(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()
	id := domain.FeedID("cf-pop")
	if err := s.RegisterChangeFeed(ctx, id, allKeys); err != nil {
		t.Fatal(err)
	}
	start := s.Version()
	s.Commit(ctx, []domain.Mutation{domain.Set([]byte("b"), []byte("1"))})
	mid := s.Version()
	s.Commit(ctx, []domain.Mutation{domain.Set([]byte("c"), []byte("2"))})

	if err := s.PopChangeFeedMutations(ctx, id, mid); err != nil {
		t.Fatal(err)
	}
	// Popping backwards is a no-op.
	if err := s.PopChangeFeedMutations(ctx, id, start); err != nil {
		t.Fatal(err)
	}
	if err := s.PopChangeFeedMutations(ctx, "cf-nope", mid); !errors.Is(err, domain.ErrFeedNotRegistered) {
		t.Errorf("pop unknown feed error = %v", err)
	}

	if _, err := s.ChangeFeedStream(ctx, id, start, s.Version(), allKeys); !errors.Is(err, domain.ErrFeedPopped) {
		t.Errorf("read below pop boundary error = %v, want ErrFeedPopped", err)
	}

	batches := drainFeed(t, mustStream(t, s, id, mid, s.Version(), allKeys))
	if len(batches) != 1 || string(batches[0].Mutations[0].Param1) != "c" {
		t.Errorf("batches after pop = %+v", batches)
	}
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "feedcheck-badger-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := DefaultBadgerConfig(dir)
	cfg.GCInterval = 0
	ctx := context.Background()
	id := domain.FeedID("cf-reopen")

	s, err := NewBadgerStore(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterChangeFeed(ctx, id, allKeys); err != nil {
		t.Fatal(err)
	}
	start := s.Version()
	if _, err := s.Commit(ctx, []domain.Mutation{domain.Set([]byte("k"), []byte("v"))}); err != nil {
		t.Fatal(err)
	}
	version := s.Version()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewBadgerStore(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.Version() != version {
		t.Errorf("recovered version = %d, want %d", s.Version(), version)
	}
	if _, ok := s.Feeds()[id]; !ok {
		t.Fatal("feed registration not recovered")
	}
	batches := drainFeed(t, mustStream(t, s, id, start, s.Version(), allKeys))
	if len(batches) != 1 {
		t.Errorf("recovered %d batches, want 1", len(batches))
	}
}

func TestBadgerStore_OnError(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()

	if err := s.OnError(ctx, domain.ErrTransient); err != nil {
		t.Errorf("OnError(transient) = %v, want nil", err)
	}
	fatal := domain.ErrStorageError.WithDetails("disk")
	if err := s.OnError(ctx, fatal); !errors.Is(err, domain.ErrStorageError) {
		t.Errorf("OnError(fatal) = %v, want original", err)
	}
}

func TestBadgerStore_OnErrorBacksOff(t *testing.T) {
	s := newTestBadger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	calls := 0
	err := retry.Do(ctx, s.OnError, func(context.Context) error {
		calls++
		return domain.ErrTransient
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want deadline", err)
	}
	// Default delays are at least 5, 10, 20 and 40ms for attempts 1-4.
	if calls > 4 {
		t.Errorf("calls = %d in 60ms, delays did not grow", calls)
	}
}

func TestBadgerStore_Closed(t *testing.T) {
	s, err := NewBadgerStore(InMemoryBadgerConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	s.RegisterMetrics(reg)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}

	if _, err := s.Commit(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Commit after close = %v, want ErrClosed", err)
	}
	if _, err := s.ReadSnapshot(context.Background(), allKeys); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadSnapshot after close = %v, want ErrClosed", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Errorf("Gather after close: %v", err)
	}
}
