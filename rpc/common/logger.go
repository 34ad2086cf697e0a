package common

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// rtLogger implements the ILogger interface with custom formatting
type rtLogger struct {
	name   string
	level  atomic.Int32
	logger *log.Logger
}

func (l *rtLogger) SetLevel(level logger.LogLevel) {
	l.level.Store(int32(level))
}

func (l *rtLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *rtLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *rtLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *rtLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *rtLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

func (l *rtLogger) Panicf(format string, args ...interface{}) {
	if l.enabled(logger.CRITICAL) {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *rtLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-12s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements dragonboats logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds)

	l := &rtLogger{
		name:   pkgName,
		logger: stdLogger,
	}
	l.SetLevel(logger.INFO)
	return l
}

// --------------------------------------------------------------------------
// Log levels (--log_level)
// --------------------------------------------------------------------------

// ErrInvalidLogLevel is returned for malformed --log_level tokens
var ErrInvalidLogLevel = errors.New("invalid log level")

// Modules lists the loggers the global level applies to
var Modules = []string{
	"appbase",
	"shard",
	"transport",
	"tcp",
	"rdma",
	"auto-rdma",
	"dispatcher",
	"metrics",
	"echo",
	"client",
}

// LogLevels is the parsed form of the --log_level option
type LogLevels struct {
	Global  logger.LogLevel
	Modules map[string]logger.LogLevel
}

// DefaultLogLevels returns INFO for every module
func DefaultLogLevels() LogLevels {
	return LogLevels{Global: logger.INFO, Modules: map[string]logger.LogLevel{}}
}

// ParseLogLevel converts one of VERBOSE|DEBUG|INFO|WARN|ERROR|FATAL (any case) to a level
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "VERBOSE", "DEBUG":
		return logger.DEBUG, nil
	case "INFO":
		return logger.INFO, nil
	case "WARN", "WARNING":
		return logger.WARNING, nil
	case "ERROR":
		return logger.ERROR, nil
	case "FATAL":
		return logger.CRITICAL, nil
	default:
		return logger.INFO, fmt.Errorf("%w: %q must be one of VERBOSE, DEBUG, INFO, WARN, ERROR, FATAL", ErrInvalidLogLevel, level)
	}
}

// ParseLogLevels parses the token list of --log_level. The first token sets the
// global level, every following token has the form <module>=<level>.
// An empty list yields INFO.
func ParseLogLevels(tokens []string) (LogLevels, error) {
	levels := DefaultLogLevels()

	// tokens may arrive comma separated from flags or space separated from env
	var flat []string
	for _, t := range tokens {
		flat = append(flat, strings.Fields(strings.ReplaceAll(t, ",", " "))...)
	}
	if len(flat) == 0 {
		return levels, nil
	}

	global, err := ParseLogLevel(flat[0])
	if err != nil {
		return levels, err
	}
	levels.Global = global

	for _, token := range flat[1:] {
		pos := strings.Index(token, "=")
		switch {
		case pos < 0:
			return levels, fmt.Errorf("%w: log level entry must be separated by '=': %q", ErrInvalidLogLevel, token)
		case pos == 0:
			return levels, fmt.Errorf("%w: no module name specified in log level override: %q", ErrInvalidLogLevel, token)
		case pos == len(token)-1:
			return levels, fmt.Errorf("%w: no level specified for module log level override: %q", ErrInvalidLogLevel, token)
		}

		level, err := ParseLogLevel(token[pos+1:])
		if err != nil {
			return levels, err
		}
		levels.Modules[token[:pos]] = level
	}

	return levels, nil
}

// Level returns the effective level of a module
func (l LogLevels) Level(module string) logger.LogLevel {
	if level, ok := l.Modules[module]; ok {
		return level
	}
	return l.Global
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var factoryOnce sync.Once

// InstallLoggerFactory sets CreateLogger as dragonboat's logger factory. It must
// run before the first message is logged: dragonboat creates the backend of a
// module on its first use. Later calls do nothing.
func InstallLoggerFactory() {
	factoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})
}

// InitLoggers installs the custom logger factory and applies the given levels
// to all known modules plus every overridden one.
// Calling it again with the same levels is harmless.
func InitLoggers(levels LogLevels) {
	InstallLoggerFactory()

	for _, module := range Modules {
		logger.GetLogger(module).SetLevel(levels.Level(module))
	}
	for module, level := range levels.Modules {
		logger.GetLogger(module).SetLevel(level)
	}
}
