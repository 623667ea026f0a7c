package command

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/yndnr/feedcheck/internal/cli/output"
	"github.com/yndnr/feedcheck/internal/config"
	"github.com/yndnr/feedcheck/internal/core/service"
	"github.com/yndnr/feedcheck/internal/infra/confloader"
	"github.com/yndnr/feedcheck/internal/infra/shutdown"
	"github.com/yndnr/feedcheck/internal/server/httpserver"
	"github.com/yndnr/feedcheck/internal/storage"
	"github.com/yndnr/feedcheck/internal/storage/chaos"
	"github.com/yndnr/feedcheck/internal/storage/memory"
	"github.com/yndnr/feedcheck/internal/telemetry/logger"
	"github.com/yndnr/feedcheck/internal/telemetry/metric"
	"github.com/yndnr/feedcheck/internal/workload"
)

// shutdownTimeout bounds the cleanup hooks after a run.
const shutdownTimeout = 10 * time.Second

// RunCommand returns the run command.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run concurrent writers and change feed verifiers against a store",
		Flags:  runFlags(),
		Action: runAction,
	}
}

// runFlags are the configuration overrides accepted by run and config.
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{Name: "duration", Aliases: []string{"d"}, Usage: "Run length in seconds"},
		&cli.IntFlag{Name: "clients", Usage: "Concurrent verifiers, one feed each"},
		&cli.Int64Flag{Name: "seed", Usage: "Seed for feed ids, delays, faults and writes"},
		&cli.StringFlag{Name: "begin", Usage: `Range begin key (\xNN escapes)`},
		&cli.StringFlag{Name: "end", Usage: `Range end key (\xNN escapes)`},
		&cli.StringFlag{Name: "engine", Usage: "Store engine: memory, badger"},
		&cli.StringFlag{Name: "dir", Usage: "Badger data directory"},
		&cli.BoolFlag{Name: "in-memory", Usage: "Run Badger without a data directory"},
		&cli.BoolFlag{Name: "chaos", Usage: "Inject transient store faults"},
		&cli.IntFlag{Name: "writers", Usage: "Concurrent workload writers"},
		&cli.Float64Flag{Name: "write-rate", Usage: "Commits per second per writer (0 = unpaced)"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "Serve /metrics and /healthz on this address"},
	}
}

// Result is the outcome of a run.
type Result struct {
	RunID          string            `json:"run_id" yaml:"run_id"`
	Engine         string            `json:"engine" yaml:"engine"`
	Elapsed        string            `json:"elapsed" yaml:"elapsed"`
	Passed         bool              `json:"passed" yaml:"passed"`
	Total          service.Summary   `json:"total" yaml:"total"`
	Workload       workload.Stats    `json:"workload" yaml:"workload"`
	FaultsInjected int64             `json:"faults_injected" yaml:"faults_injected"`
	Clients        []service.Summary `json:"clients" yaml:"clients"`
}

func runAction(c *cli.Context) error {
	cfg, loader, err := loadConfig(c)
	if err != nil {
		return err
	}
	if _, err := output.ParseFormat(c.String("output")); err != nil {
		return err
	}

	logCfg := cfg.LoggerConfig()
	logCfg.Output = c.App.ErrWriter
	if logCfg.Output == nil {
		logCfg.Output = os.Stderr
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	ctx, stop := shutdown.WithSignals(c.Context)
	defer stop()

	result, err := Run(ctx, cfg, log, loader.FilePath())
	if err != nil {
		return err
	}
	return report(c, result)
}

// report prints the result and turns a failed run into an exit error.
func report(c *cli.Context, result *Result) error {
	if err := printResult(c, c.App.Writer, result); err != nil {
		return err
	}
	if !result.Passed {
		return cli.Exit(fmt.Sprintf("change feed verification failed: %d mismatches in %d cycles",
			result.Total.Mismatches, result.Total.Cycles), ExitMismatch)
	}
	return nil
}

// Run executes one verification run: it opens the store, starts the
// workload and the metrics server, runs cfg.Clients verifiers until the
// test duration elapses or ctx is done, and tears everything down.
// configPath, when set, is watched for log level changes.
func Run(ctx context.Context, cfg *config.Config, log logger.Logger, configPath string) (*Result, error) {
	runID := ulid.Make().String()
	ctx = logger.WithRunID(logger.WithLogger(ctx, log), runID)
	log = log.With("run_id", runID)
	start := time.Now()

	metrics := metric.NewRegistry()
	hooks := shutdown.NewHandler(shutdownTimeout)
	defer func() {
		if err := hooks.Shutdown(); err != nil {
			log.Error("shutdown failed", "error", err)
		}
	}()

	store, err := openStore(cfg, log, metrics, hooks)
	if err != nil {
		return nil, err
	}

	var faulty *chaos.Store
	if cfg.Store.Chaos.Enabled {
		faulty = chaos.New(store, cfg.ChaosConfig(), chaos.WithOnInject(metrics.RecordFault))
		store = faulty
		log.Info("fault injection enabled",
			"op_error_rate", cfg.Store.Chaos.OpErrorRate,
			"stream_error_rate", cfg.Store.Chaos.StreamErrorRate)
	}

	wlCfg, err := cfg.WorkloadConfig()
	if err != nil {
		return nil, err
	}
	wl, err := workload.New(store, wlCfg,
		workload.WithLogger(log.With("component", "workload")),
		workload.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		srv := httpserver.New(cfg.Metrics.Addr, httpserver.NewRouter(&httpserver.RouterConfig{
			Metrics: metrics.Handler(),
			Status: func() any {
				return map[string]any{
					"run_id":   runID,
					"elapsed":  time.Since(start).Round(time.Millisecond).String(),
					"workload": wl.Stats(),
				}
			},
			Logger: log.Slog(),
		}), log.Slog())
		if err := srv.Start(); err != nil {
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		hooks.OnShutdown(srv.Shutdown)
	}

	if configPath != "" {
		if err := watchLogLevel(configPath, log, hooks); err != nil {
			log.Warn("config watcher unavailable", "path", configPath, "error", err)
		}
	}

	vcfg, err := cfg.VerifierConfig()
	if err != nil {
		return nil, err
	}
	log.Info("run started",
		"engine", cfg.Store.Engine,
		"clients", cfg.Clients,
		"range", vcfg.Range.String(),
		"test_duration", vcfg.TestDuration.String(),
		"seed", cfg.Seed)

	summaries := make([]service.Summary, cfg.Clients)
	g, gCtx := errgroup.WithContext(ctx)
	wCtx, stopWorkload := context.WithCancel(gCtx)
	defer stopWorkload()

	g.Go(func() error {
		return wl.Run(wCtx)
	})
	g.Go(func() error {
		defer stopWorkload()
		vg, vCtx := errgroup.WithContext(gCtx)
		for i := 0; i < cfg.Clients; i++ {
			client := i
			vg.Go(func() error {
				name := fmt.Sprintf("client-%d", client)
				v := service.NewVerifier(store, vcfg,
					service.WithRand(rand.New(rand.NewSource(cfg.Seed+int64(client)))),
					service.WithLogger(log.With("client", name)),
					service.WithMetrics(metrics))
				s, err := v.Run(logger.WithClient(vCtx, name))
				summaries[client] = s
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				return nil
			})
		}
		return vg.Wait()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{
		RunID:    runID,
		Engine:   cfg.Store.Engine,
		Elapsed:  time.Since(start).Round(time.Millisecond).String(),
		Workload: wl.Stats(),
		Clients:  summaries,
	}
	for _, s := range summaries {
		result.Total.Add(s)
	}
	if faulty != nil {
		result.FaultsInjected = faulty.Injected()
	}
	result.Passed = result.Total.Mismatches == 0

	log.Info("run finished",
		"passed", result.Passed,
		"cycles", result.Total.Cycles,
		"mismatches", result.Total.Mismatches,
		"commits", result.Workload.Commits,
		"faults_injected", result.FaultsInjected)
	return result, nil
}

// openStore builds the configured engine and registers its metrics and
// cleanup.
func openStore(cfg *config.Config, log logger.Logger, metrics *metric.Registry, hooks *shutdown.Handler) (storage.ReadWriter, error) {
	switch cfg.Store.Engine {
	case config.EngineBadger:
		bs, err := storage.NewBadgerStore(cfg.BadgerConfig(), log.With("component", "badger").Slog())
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		hooks.OnClose(bs)
		bs.RegisterMetrics(metrics.Registerer())
		metrics.Registerer().MustRegister(metric.NewCollector(bs))
		return bs, nil
	default:
		ms := memory.New(
			memory.WithSnapshotChunkSize(cfg.Store.SnapshotChunkSize),
			memory.WithFeedChunkSize(cfg.Store.FeedChunkSize),
			memory.WithLogger(log.With("component", "memory").Slog()))
		metrics.Registerer().MustRegister(metric.NewCollector(ms))
		return ms, nil
	}
}

// watchLogLevel applies log level changes written to the config file.
// Other settings only take effect on the next run.
func watchLogLevel(path string, log logger.Logger, hooks *shutdown.Handler) error {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log.Slog()))
	if err != nil {
		return err
	}
	if err := w.Watch(path); err != nil {
		w.Stop()
		return err
	}
	w.OnChange(func(string) {
		cfg := config.Default()
		if err := confloader.NewLoader(confloader.WithConfigFile(path)).Load(cfg); err != nil {
			log.Warn("config reload failed", "path", path, "error", err)
			return
		}
		if cfg.Log.Level != logger.GetLevel() {
			logger.SetLevel(cfg.Log.Level)
			log.Info("log level changed", "level", cfg.Log.Level)
		}
	})
	w.StartAsync()
	hooks.OnShutdown(func(context.Context) error {
		return w.Stop()
	})
	return nil
}

// printResult renders the result. Table output adds a per-client table
// when more than one client ran.
func printResult(c *cli.Context, w io.Writer, result *Result) error {
	format, err := output.ParseFormat(c.String("output"))
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return output.NewFormatter(format).Format(w, result)
	}

	summary := *result
	summary.Clients = nil
	if err := output.NewFormatter(format).Format(w, summary); err != nil {
		return err
	}
	if len(result.Clients) > 1 {
		fmt.Fprintln(w)
		return output.NewFormatter(format).Format(w, result.Clients)
	}
	return nil
}
