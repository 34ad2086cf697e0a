// Package cmd implements the command-line interface of dRT. It provides a
// hierarchical command structure for running the runtime and talking to it.
//
// The package is organized into several subpackages:
//
//   - serve: starts the runtime on all shards with the echo applet
//   - ping: round-trips echo requests against a running instance
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable DRT_<flag>
// (e.g. DRT_TCP_PORT=4000), optionally loaded from .env or .env.local.
//
// See drt -help for a list of all commands.
package cmd
