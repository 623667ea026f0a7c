package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/feedcheck/internal/telemetry/metric"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServer_StartShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s := New("127.0.0.1:0", handler, quietLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if strings.HasSuffix(s.Addr(), ":0") {
		t.Errorf("Addr() = %q, want the bound port", s.Addr())
	}

	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestServer_StartBusyAddr(t *testing.T) {
	a := New("127.0.0.1:0", http.NotFoundHandler(), quietLogger())
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())

	b := New(a.Addr(), http.NotFoundHandler(), quietLogger())
	if err := b.Start(); err == nil {
		t.Error("Start() on a bound address should fail")
		b.Shutdown(context.Background())
	}
}

func TestRouter(t *testing.T) {
	reg := metric.NewRegistry()
	reg.RecordCycle(true, time.Millisecond)

	router := NewRouter(&RouterConfig{
		Metrics: reg.Handler(),
		Status:  func() any { return map[string]int{"cycles": 7} },
		Logger:  quietLogger(),
	})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"health", http.MethodGet, "/healthz", http.StatusOK, `"cycles":7`},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "feedcheck_cycles_total"},
		{"wrong method", http.MethodPost, "/healthz", http.StatusMethodNotAllowed, ""},
		{"unknown", http.MethodGet, "/feeds", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID")
			}
		})
	}
}

func TestRouter_HealthWithoutStatus(t *testing.T) {
	router := NewRouter(&RouterConfig{Logger: quietLogger()})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["run"]; ok {
		t.Error("run field without a status func")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("metrics without handler status = %d, want 404", rec.Code)
	}
}

func TestMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := Chain(panicky, RequestID(), Recover(quietLogger()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-given")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-given" {
		t.Errorf("X-Request-ID = %q, want the caller's id", got)
	}
	if !strings.Contains(rec.Body.String(), "FC-SYS-5000") {
		t.Errorf("body = %q", rec.Body.String())
	}
}
