// Package common provides the configuration and logging pieces shared by every
// layer of the runtime.
//
// The package focuses on:
//   - Application configuration (transport bindings, metrics exporter, RDMA)
//   - Validation of conflicting options before anything is constructed
//   - Custom logging implementation integrated with Dragonboat's logger registry
//   - Parsing of the --log_level token list with per-module overrides
//
// Key Components:
//
//   - AppConfig: all options of an application. Validate rejects a shared TCP
//     port combined with an explicit per-shard endpoint list.
//
//   - PromConfig: exporter port, optional push proxy address and interval,
//     help text and prefix.
//
//   - LogLevels / ParseLogLevels: "<LEVEL> [module=LEVEL ...]" where LEVEL is one
//     of VERBOSE, DEBUG, INFO, WARN, ERROR, FATAL.
//
//   - InitLoggers: installs the logger factory and applies levels to the
//     module loggers obtained through logger.GetLogger.
package common
