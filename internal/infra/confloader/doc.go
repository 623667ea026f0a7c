// Package confloader loads layered configuration with koanf.
//
// Priority (highest to lowest):
//
//  1. Command-line flags (LoadMap)
//  2. Environment variables
//  3. Configuration file (YAML)
//  4. Values already present in the target struct
//
// Environment variables carry the FEEDCHECK_ prefix and use a double
// underscore to separate nesting levels, so single underscores stay part
// of key names: FEEDCHECK_STORE__CHAOS__OP_ERROR_RATE sets
// store.chaos.op_error_rate.
//
// Watcher reports writes to the configuration file so that a running
// process can pick up the settings that are safe to change live.
package confloader
