// Package command defines the feedcheck CLI using urfave/cli/v2.
//
//   - root.go: application, global flags, configuration loading
//   - run.go: the verification run
//   - config.go: config show and validate
//   - version.go: build information
package command
