package logger

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groove.log")
	l := New(path, false, false)

	l.Info("Session", "session started", map[string]interface{}{"architecture": "0.75"})
	l.Debug("Session", "below file level", nil)
	l.Error("Worker", "inference failed", map[string]interface{}{"error": errors.New("boom")})
	require.NoError(t, l.Sync())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}

	require.Len(t, entries, 2, "debug records stay out of the file")
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "session started", entries[0]["message"])
	assert.Equal(t, "Session", entries[0]["module"])
	assert.Equal(t, "ERROR", entries[1]["level"])
	assert.Equal(t, "boom", entries[1]["error_ref"])
	assert.Equal(t, path, l.FilePath())
}

func TestNopLogger(t *testing.T) {
	var l Logger = NewNop()
	l.Warn("Test", "ignored", nil)
	assert.NoError(t, l.Sync())
}
