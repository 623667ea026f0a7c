// Package output renders command results.
//
//   - formatter.go: Formatter interface and factory
//   - table.go: aligned key/value and row tables
//   - json.go: indented JSON
//   - yaml.go: YAML via gopkg.in/yaml.v3
//
// Table output flattens nested structs into dotted field names, so a
// configuration prints one setting per line.
package output
