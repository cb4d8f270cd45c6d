package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithOutput(Config{Level: "info", Format: "json"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Info("analysis complete", zap.String("server_id", "vm-1"))
	log.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "analysis complete", entry["message"])
	assert.Equal(t, "vm-1", entry["server_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := newWithOutput(Config{Level: "warn"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Info("dropped")
	assert.Empty(t, buf.String())

	require.NoError(t, log.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, log.Level())
	log.Debug("kept")
	assert.Contains(t, buf.String(), "kept")

	assert.Error(t, log.SetLevel("loud"))
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anomalyd.log")
	var buf bytes.Buffer
	log, err := newWithOutput(Config{Format: "console", File: path, MaxSize: 1}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Warn("provider unavailable", zap.String("provider", "local"))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"provider":"local"`)
	assert.Contains(t, buf.String(), "provider unavailable")
}
