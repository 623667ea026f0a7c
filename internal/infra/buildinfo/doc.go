// Package buildinfo provides build-time version information.
//
// Values are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/feedcheck/internal/infra/buildinfo.Version=v1.0.0"
//
// Unset values fall back to what the Go toolchain embedded in the binary.
package buildinfo
