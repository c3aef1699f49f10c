// Package pkg provides shared utilities for the usbfw controller firmware.
//
// This package contains functionality used by the dispatch core, the
// hardware abstraction and the setup-data handler:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentPower, "entering suspend", "commits", 1)
//
// # Errors
//
// Errors are sentinel values checked with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrInvalidConfig) {
//	    // reject the configuration file
//	}
package pkg
