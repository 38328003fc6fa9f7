// Package pkg provides shared ambient utilities for the CXL fabric emulator:
// structured logging, the error taxonomy of spec.md §7, and the uniform
// component lifecycle of spec.md §3/§5.
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for the MalformedPacket/ProtocolError/UnsupportedRequest/
//     Timeout/ConfigError/Fatal taxonomy
//   - Component identifiers for log filtering
//   - [Lifecycle], the INIT/RUNNING/STOPPED base every runnable embeds
//
// # Logging
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentFabric, "vppb bound", "index", 0, "port", 1)
//
// # Errors
//
//	if errors.Is(err, pkg.ErrProtocol) {
//	    // tear down the originating connection
//	}
package pkg
