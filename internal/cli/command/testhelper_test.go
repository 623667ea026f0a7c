package command

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/feedcheck/internal/config"
)

// testApp returns the application with captured output and exit
// handling disabled.
func testApp() (*cli.App, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	app := App()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app, &stdout, &stderr
}

// runApp runs the application with args and a bounded context.
func runApp(t *testing.T, app *cli.App, args ...string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.RunContext(ctx, append([]string{"feedcheck"}, args...))
}

// writeConfig writes a YAML configuration file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedcheck.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// fastConfig returns a configuration that completes several cycles in a
// fraction of a second.
func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.TestDuration = 0.3
	cfg.Clients = 2
	cfg.Cycle.FirstDelayMax = 2 * time.Millisecond
	cfg.Cycle.SecondDelayMax = 10 * time.Millisecond
	cfg.Store.SnapshotChunkSize = 8
	cfg.Store.FeedChunkSize = 4
	cfg.Workload.Writers = 2
	cfg.Workload.Rate = 0
	cfg.Workload.KeySpace = 50
	cfg.Log.Level = "error"
	return cfg
}

const fastConfigYAML = `
test_duration: 0.3
clients: 2
cycle:
  first_delay_max: 2ms
  second_delay_max: 10ms
store:
  snapshot_chunk_size: 8
  feed_chunk_size: 4
workload:
  writers: 2
  rate: 0
  key_space: 50
log:
  level: error
`
