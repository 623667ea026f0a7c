package command

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/feedcheck/internal/cli/output"
	"github.com/yndnr/feedcheck/internal/config"
	"github.com/yndnr/feedcheck/internal/infra/buildinfo"
	"github.com/yndnr/feedcheck/internal/infra/confloader"
)

// ExitMismatch is the exit status of a run that observed a mismatch.
const ExitMismatch = 1

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "feedcheck",
		Usage:   "Verify a store's change feed against its snapshots",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			RunCommand(),
			ConfigCommand(),
			VersionCommand(),
		},
	}
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML configuration file",
			EnvVars: []string{"FEEDCHECK_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
			Value:   string(output.FormatTable),
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: json, text",
		},
	}
}

// GlobalFlags defines flags available to all commands.
type GlobalFlags struct {
	Config    string
	Output    string
	LogLevel  string
	LogFormat string
}

// ParseGlobalFlags extracts global flags from context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	return &GlobalFlags{
		Config:    c.String("config"),
		Output:    c.String("output"),
		LogLevel:  c.String("log-level"),
		LogFormat: c.String("log-format"),
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"duration":     "test_duration",
	"clients":      "clients",
	"seed":         "seed",
	"begin":        "range.begin",
	"end":          "range.end",
	"engine":       "store.engine",
	"dir":          "store.dir",
	"in-memory":    "store.in_memory",
	"chaos":        "store.chaos.enabled",
	"writers":      "workload.writers",
	"write-rate":   "workload.rate",
	"metrics-addr": "metrics.addr",
}

// overrides collects the explicitly set flags of c and its parents as
// configuration values.
func overrides(c *cli.Context) map[string]any {
	values := make(map[string]any)
	for name, key := range flagKeys {
		if c.IsSet(name) {
			values[key] = c.Value(name)
		}
	}
	return values
}

// loadConfig layers defaults, the file, the environment and flags, then
// validates the result.
func loadConfig(c *cli.Context) (*config.Config, *confloader.Loader, error) {
	cfg := config.Default()
	opts := []confloader.Option{confloader.WithOverrides(overrides(c))}
	if path := c.String("config"); path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}

	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader, nil
}

// render writes data to the command's output in the selected format.
func render(c *cli.Context, w io.Writer, data any) error {
	format, err := output.ParseFormat(c.String("output"))
	if err != nil {
		return err
	}
	return output.NewFormatter(format).Format(w, data)
}
