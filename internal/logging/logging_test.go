package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/msageha/slawarden/internal/model"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "daemon.log")
	logger, err := New(model.LoggingConfig{Level: "warn", JSON: true}, path)
	require.NoError(t, err)

	logger.Named("scheduler").Info("dropped below level")
	logger.Named("scheduler").Warn("timer dead-lettered")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "timer dead-lettered", entry["msg"])
	assert.Equal(t, "scheduler", entry["logger"])
	assert.Equal(t, "slawarden", entry["service"])
	assert.Contains(t, entry, "ts")
}

func TestNew_ConsoleWithoutFile(t *testing.T) {
	logger, err := New(model.LoggingConfig{Level: "debug"}, "")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
