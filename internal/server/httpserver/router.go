package httpserver

import (
	"log/slog"
	"net/http"
	"time"
)

// StatusFunc reports the progress included in the health response.
type StatusFunc func() any

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Metrics serves GET /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	// Status adds a "run" field to the health response.
	Status StatusFunc

	// Logger for request logging.
	Logger *slog.Logger
}

// NewRouter creates the router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		}
		if cfg.Status != nil {
			body["run"] = cfg.Status()
		}
		writeJSON(w, http.StatusOK, body)
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Order: RequestID -> Recover -> AccessLog -> mux
	return Chain(mux, RequestID(), Recover(logger), AccessLog(logger))
}
