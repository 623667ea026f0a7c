package workload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/yndnr/feedcheck/internal/core/domain"
	"github.com/yndnr/feedcheck/internal/storage"
	"github.com/yndnr/feedcheck/internal/storage/chaos"
	"github.com/yndnr/feedcheck/internal/storage/memory"
	"github.com/yndnr/feedcheck/internal/telemetry/logger"
	"github.com/yndnr/feedcheck/internal/telemetry/metric"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Writers = 3
	cfg.Rate = 0
	cfg.KeySpace = 50
	cfg.Range = domain.KeyRange{Begin: []byte("w/"), End: []byte("w0")}
	return cfg
}

func newMemory() *memory.Store {
	return memory.New(memory.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no writers", func(c *Config) { c.Writers = 0 }, false},
		{"negative writers", func(c *Config) { c.Writers = -1 }, true},
		{"negative rate", func(c *Config) { c.Rate = -1 }, true},
		{"tiny key space", func(c *Config) { c.KeySpace = 1 }, true},
		{"no mutations", func(c *Config) { c.MaxMutations = 0 }, true},
		{"ratio above one", func(c *Config) { c.ClearRangeRatio = 1.5 }, true},
		{"inverted range", func(c *Config) { c.Range = domain.KeyRange{Begin: []byte("b"), End: []byte("a")} }, true},
		{"keys escape range", func(c *Config) { c.Range = domain.KeyRange{Begin: []byte("w/"), End: []byte("w/1")} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidArgument) && !errors.Is(err, domain.ErrInvalidRange) {
				t.Errorf("Validate() error = %v, want an argument error", err)
			}
		})
	}
}

func TestKeySpace(t *testing.T) {
	tests := []struct {
		size int
		i    int
		want string
	}{
		{10, 3, "p3"},
		{1000, 3, "p003"},
		{1000, 999, "p999"},
		{2, 1, "p1"},
	}
	for _, tt := range tests {
		if got := string(newKeySpace([]byte("p"), tt.size).key(tt.i)); got != tt.want {
			t.Errorf("key(%d) of %d = %q, want %q", tt.i, tt.size, got, tt.want)
		}
	}

	ks := newKeySpace([]byte("p"), 1000)
	for i := 1; i < 1000; i++ {
		if bytes.Compare(ks.key(i-1), ks.key(i)) >= 0 {
			t.Fatalf("key(%d) does not sort before key(%d)", i-1, i)
		}
	}
}

func TestValue_Deterministic(t *testing.T) {
	a := value(1, 2, 3, []byte("k"))
	if !bytes.Equal(a, value(1, 2, 3, []byte("k"))) {
		t.Error("value is not deterministic")
	}
	for _, other := range [][]byte{
		value(2, 2, 3, []byte("k")),
		value(1, 3, 3, []byte("k")),
		value(1, 2, 4, []byte("k")),
		value(1, 2, 3, []byte("j")),
	} {
		if bytes.Equal(a, other) {
			t.Errorf("value collision: %s", a)
		}
	}
}

func TestWorkload_Run(t *testing.T) {
	store := newMemory()
	metrics := metric.NewRegistry()
	w, err := New(store, testConfig(), WithLogger(logger.Discard()), WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}

	start := store.Version()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	st := w.Stats()
	if st.Commits == 0 {
		t.Fatal("no commits")
	}
	if st.Mutations < st.Commits {
		t.Errorf("Mutations = %d, fewer than Commits = %d", st.Mutations, st.Commits)
	}
	if got := int64(store.Version() - start); got != st.Commits {
		t.Errorf("store advanced %d versions, want %d", got, st.Commits)
	}

	cfg := testConfig()
	snap, err := store.ReadSnapshot(context.Background(), domain.NormalKeys)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()
	for {
		chunk, err := snap.Next(context.Background())
		if errors.Is(err, storage.ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		for _, kv := range chunk {
			if !cfg.Range.Contains(kv.Key) {
				t.Errorf("key %q outside %s", kv.Key, cfg.Range)
			}
		}
	}
}

func TestWorkload_RetriesTransientFailures(t *testing.T) {
	faulty := chaos.New(newMemory(), chaos.Config{OpErrorRate: 0.3, Seed: 5})
	w, err := New(faulty, testConfig(), WithLogger(logger.Discard()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if w.Stats().Commits == 0 || faulty.Injected() == 0 {
		t.Errorf("stats = %+v, injected = %d", w.Stats(), faulty.Injected())
	}
	if w.Stats().Failures != 0 {
		t.Errorf("Failures = %d, transient errors must be retried", w.Stats().Failures)
	}
}

// rejectingStore fails every commit fatally.
type rejectingStore struct {
	storage.ReadWriter
}

func (rejectingStore) Commit(context.Context, []domain.Mutation) (domain.Version, error) {
	return 0, domain.ErrStorageError.WithDetails("read only")
}

func TestWorkload_FatalCommitStopsRun(t *testing.T) {
	w, err := New(rejectingStore{newMemory()}, testConfig(), WithLogger(logger.Discard()))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrStorageError) {
			t.Errorf("Run() error = %v, want ErrStorageError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on a fatal commit error")
	}
	if w.Stats().Failures == 0 {
		t.Error("failure not counted")
	}
}

func TestWorkload_NoWriters(t *testing.T) {
	cfg := testConfig()
	cfg.Writers = 0
	w, err := New(newMemory(), cfg, WithLogger(logger.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
