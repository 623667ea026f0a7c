// Package config defines the feedcheck run configuration.
//
//   - spec.go: Config struct definition
//   - default.go: default values
//   - verify.go: validation
//   - convert.go: translation into the runtime configs of each component
//
// Configuration is loaded via internal/infra/confloader from a YAML file,
// FEEDCHECK_ environment variables and command-line flags.
package config
