// Package shutdown coordinates process termination.
//
// WithSignals derives a context that is cancelled on SIGINT or SIGTERM;
// a run treats that cancellation as a normal end. Handler runs cleanup
// hooks in reverse registration order under a deadline, so resources
// opened last are released first.
//
//	ctx, stop := shutdown.WithSignals(context.Background())
//	defer stop()
//	h := shutdown.NewHandler(5 * time.Second)
//	h.OnShutdown(store.Close)
//	...
//	err := h.Shutdown()
package shutdown
