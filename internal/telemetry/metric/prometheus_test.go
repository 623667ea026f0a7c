package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/feedcheck/internal/core/domain"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}
	if r.registry == nil {
		t.Error("registry field is nil")
	}
	if r.CyclesTotal == nil || r.MismatchesTotal == nil || r.RetriesTotal == nil {
		t.Error("verification metrics not initialized")
	}
}

func TestGlobal(t *testing.T) {
	r1 := Global()
	r2 := Global()
	if r1 != r2 {
		t.Error("Global() should return the same instance")
	}
}

func TestHandler(t *testing.T) {
	h := Handler()
	if h == nil {
		t.Fatal("Handler() returned nil")
	}

	body := scrape(t, h)
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected go_goroutines metric")
	}
	if !strings.Contains(body, "process_") {
		t.Error("expected process metrics")
	}
}

func TestVerificationMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordCycle(true, 10*time.Millisecond)
	r.RecordCycle(true, 20*time.Millisecond)
	r.RecordCycle(false, 30*time.Millisecond)
	r.RecordMismatch("size")
	r.AddApplied(3, 7)
	r.SetSnapshotEntries(42)

	body := scrape(t, r.Handler())

	want := []string{
		`feedcheck_cycles_total{result="match"} 2`,
		`feedcheck_cycles_total{result="mismatch"} 1`,
		`feedcheck_mismatches_total{kind="size"} 1`,
		"feedcheck_batches_applied_total 3",
		"feedcheck_mutations_applied_total 7",
		"feedcheck_snapshot_entries 42",
		"feedcheck_cycle_duration_seconds_count 3",
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("expected %s", w)
		}
	}
}

func TestStoreMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordRetry("read_snapshot")
	r.RecordRetry("read_snapshot")
	r.RecordRetry("change_feed_stream")
	r.IncPopFailure()
	r.RecordFault("commit")
	r.RecordCommit(5)
	r.RecordCommit(2)
	r.IncCommitFailure()

	body := scrape(t, r.Handler())

	want := []string{
		`feedcheck_retries_total{op="read_snapshot"} 2`,
		`feedcheck_retries_total{op="change_feed_stream"} 1`,
		"feedcheck_pop_failures_total 1",
		`feedcheck_faults_injected_total{op="commit"} 1`,
		"feedcheck_workload_commits_total 2",
		"feedcheck_workload_mutations_total 7",
		"feedcheck_workload_commit_failures_total 1",
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("expected %s", w)
		}
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry

	// Should not panic
	r.RecordCycle(false, time.Second)
	r.RecordMismatch("content")
	r.AddApplied(1, 1)
	r.SetSnapshotEntries(1)
	r.RecordRetry("op")
	r.IncPopFailure()
	r.RecordFault("op")
	r.RecordCommit(1)
	r.IncCommitFailure()
}

type fakeStats struct{}

func (fakeStats) Version() domain.Version { return 17 }
func (fakeStats) RetainedBatches() int    { return 4 }
func (fakeStats) FeedCount() int          { return 2 }

func TestCollector(t *testing.T) {
	r := NewRegistry()
	r.Registerer().MustRegister(NewCollector(fakeStats{}))

	body := scrape(t, r.Handler())
	for _, w := range []string{
		"feedcheck_store_read_version 17",
		"feedcheck_store_retained_batches 4",
		"feedcheck_store_feeds 2",
	} {
		if !strings.Contains(body, w) {
			t.Errorf("expected %s", w)
		}
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.RecordCycle(j%2 == 0, time.Millisecond)
				r.RecordRetry("commit")
				r.RecordCommit(1)
			}
		}()
	}
	wg.Wait()

	body := scrape(t, r.Handler())
	if !strings.Contains(body, "feedcheck_workload_commits_total 1000") {
		t.Error("expected feedcheck_workload_commits_total 1000")
	}
}
