package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The global logger initializes once per process, so a single test owns the
// buffer and exercises every level through it.
func TestStructuredLogging(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelDebug)

	Debug("debug message", map[string]interface{}{"k": "v"})
	Info("info message", nil)
	Warn("warn message", map[string]interface{}{"count": 3})
	Error("error message", errors.New("boom"))
	ErrorWithCode("coded error", "SYNC_NETWORK", errors.New("down"),
		map[string]interface{}{"attempt": 2})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)

	var entry map[string]interface{}

	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "debug message", entry["msg"])
	assert.Equal(t, "v", entry["k"])

	require.NoError(t, json.Unmarshal([]byte(lines[3]), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "boom", entry["error"])

	require.NoError(t, json.Unmarshal([]byte(lines[4]), &entry))
	assert.Equal(t, "SYNC_NETWORK", entry["code"])
	assert.Equal(t, "down", entry["error"])
	assert.Equal(t, float64(2), entry["attempt"])
}
