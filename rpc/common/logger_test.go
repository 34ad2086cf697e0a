package common

import (
	"bytes"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		tokens  []string
		global  logger.LogLevel
		modules map[string]logger.LogLevel
	}{
		{"empty defaults to info", nil, logger.INFO, map[string]logger.LogLevel{}},
		{"global only", []string{"debug"}, logger.DEBUG, map[string]logger.LogLevel{}},
		{"verbose maps to debug", []string{"VERBOSE"}, logger.DEBUG, map[string]logger.LogLevel{}},
		{"fatal maps to critical", []string{"FATAL"}, logger.CRITICAL, map[string]logger.LogLevel{}},
		{
			"module overrides",
			[]string{"WARN", "tcp=DEBUG", "dispatcher=error"},
			logger.WARNING,
			map[string]logger.LogLevel{"tcp": logger.DEBUG, "dispatcher": logger.ERROR},
		},
		{
			"space separated single token",
			[]string{"INFO tcp=DEBUG"},
			logger.INFO,
			map[string]logger.LogLevel{"tcp": logger.DEBUG},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			levels, err := ParseLogLevels(tt.tokens)
			require.NoError(t, err)
			assert.Equal(t, tt.global, levels.Global)
			assert.Equal(t, tt.modules, levels.Modules)
		})
	}
}

func TestParseLogLevelsErrors(t *testing.T) {
	tests := []struct {
		tokens []string
		msg    string
	}{
		{[]string{"LOUD"}, "must be one of"},
		{[]string{"INFO", "tcp"}, "must be separated by '='"},
		{[]string{"INFO", "=DEBUG"}, "no module name"},
		{[]string{"INFO", "tcp="}, "no level specified"},
		{[]string{"INFO", "tcp=LOUD"}, "must be one of"},
	}

	for _, tt := range tests {
		_, err := ParseLogLevels(tt.tokens)
		require.ErrorIs(t, err, ErrInvalidLogLevel, "tokens %v", tt.tokens)
		assert.Contains(t, err.Error(), tt.msg)
	}
}

func TestLogLevelsLevel(t *testing.T) {
	levels, err := ParseLogLevels([]string{"ERROR", "rdma=DEBUG"})
	require.NoError(t, err)

	assert.Equal(t, logger.DEBUG, levels.Level("rdma"))
	assert.Equal(t, logger.ERROR, levels.Level("tcp"))
}

func TestInitLoggersIsRepeatable(t *testing.T) {
	levels, err := ParseLogLevels([]string{"INFO", "custom-module=DEBUG"})
	require.NoError(t, err)

	InitLoggers(levels)
	InitLoggers(levels)
	logger.GetLogger("custom-module").Debugf("visible at debug")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := &rtLogger{name: "test", logger: log.New(&buf, "", 0)}
	l.SetLevel(logger.WARNING)

	l.Infof("hidden")
	l.Warningf("shown %d", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 1")

	l.SetLevel(logger.DEBUG)
	l.Debugf("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestSetLevelWhileLogging(t *testing.T) {
	l := &rtLogger{name: "test", logger: log.New(io.Discard, "", 0)}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.SetLevel(logger.DEBUG)
				l.SetLevel(logger.WARNING)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Infof("message %d", j)
			}
		}()
	}
	wg.Wait()
}

func TestInstallLoggerFactoryIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		InstallLoggerFactory()
		InstallLoggerFactory()
	})
	_, ok := CreateLogger("custom").(*rtLogger)
	assert.True(t, ok)
}
