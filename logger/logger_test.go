package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/formula-engine/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestManager_PackageLoggers(t *testing.T) {
	// GIVEN: JSON output at INFO with formula at DEBUG
	var buf bytes.Buffer
	m, err := newManager(config.LogConfig{
		Level:  "INFO",
		Format: "json",
		Levels: map[string]string{"formula": "DEBUG"},
	}, &buf)
	require.NoError(t, err)

	// WHEN: Logging at debug from two packages
	formulaLog := m.GetLogger("formula")
	formulaLog.Debug().Msg("kept")
	apiLog := m.GetLogger("api")
	apiLog.Debug().Msg("dropped")
	apiLog = m.GetLogger("api")
	apiLog.Info().Msg("info")

	// THEN: Only the per-package override lets debug through
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "formula", lines[0]["pkg"])
	assert.Equal(t, "kept", lines[0]["message"])
	assert.Equal(t, "api", lines[1]["pkg"])
	assert.Equal(t, "info", lines[1]["message"])
}

func TestManager_SetPackageLevel(t *testing.T) {
	var buf bytes.Buffer
	m, err := newManager(config.LogConfig{Level: "INFO", Format: "json"}, &buf)
	require.NoError(t, err)

	m.GetLogger("recalc")
	m.SetPackageLevel("recalc", "ERROR")
	recalcLog := m.GetLogger("recalc")
	recalcLog.Warn().Msg("hidden")

	assert.Empty(t, buf.String())
}

func TestManager_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "formula.log")
	m, err := newManager(config.LogConfig{
		Level:  "INFO",
		Format: "json",
		File:   config.LogFileConfig{Path: path, MaxSizeMB: 1},
	}, &bytes.Buffer{})
	require.NoError(t, err)

	dbLog := m.GetLogger("database")
	dbLog.Info().Msg("written")
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"written"`)
}

func TestGetLogger_Uninitialized(t *testing.T) {
	globalMu.Lock()
	saved := globalManager
	globalManager = nil
	globalMu.Unlock()
	t.Cleanup(func() {
		globalMu.Lock()
		globalManager = saved
		globalMu.Unlock()
	})

	l := GetFormulaLogger()
	assert.Equal(t, zerolog.Disabled, l.GetLevel())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}
