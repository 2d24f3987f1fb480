package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []map[string]any
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}

func findRecord(records []map[string]any, msg string) map[string]any {
	for _, rec := range records {
		if rec["msg"] == msg {
			return rec
		}
	}
	return nil
}

func TestZapLoggerFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	l, err := NewZapLogger(ZapConfig{Filepath: path, Level: LevelDebug, MaxSize: 1})
	require.NoError(t, err)

	moduleLog := l.With(Field{Key: "module", Value: "decision"}).Named("spf")
	moduleLog.Debug("routes rebuilt",
		Field{Key: "routes", Value: 3},
		Field{Key: "took", Value: 1500 * time.Millisecond},
	)
	l.Error("persist failed", Err(errors.New("store closed")))
	require.NoError(t, l.Sync())

	records := readRecords(t, path)
	rebuilt := findRecord(records, "routes rebuilt")
	require.NotNil(t, rebuilt)
	assert.Equal(t, "decision", rebuilt["module"])
	assert.Equal(t, "spf", rebuilt["logger"])
	assert.Equal(t, float64(3), rebuilt["routes"])
	assert.Equal(t, "1.5s", rebuilt["took"])

	failed := findRecord(records, "persist failed")
	require.NotNil(t, failed)
	assert.Equal(t, "store closed", failed["error"])
}

func TestZapLoggerLevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	l, err := NewZapLogger(ZapConfig{Filepath: path, Level: LevelWarn})
	require.NoError(t, err)

	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))

	l.Info("dropped")
	l.Warn("kept")
	require.NoError(t, l.Sync())

	records := readRecords(t, path)
	assert.Nil(t, findRecord(records, "dropped"))
	assert.NotNil(t, findRecord(records, "kept"))
}

func TestNewZapLoggerNeedsOutput(t *testing.T) {
	_, err := NewZapLogger(ZapConfig{})
	assert.ErrorIs(t, err, ErrNoOutput)

	l := NewConsole(LevelWarn)
	require.NotNil(t, l)
	assert.False(t, l.Enabled(LevelInfo))
	l.With(Err(assert.AnError)).Warn("console only")
	_ = l.Sync()
}

func TestRegisteredFileLogger(t *testing.T) {
	resetRegistry()
	t.Cleanup(resetRegistry)

	path := filepath.Join(t.TempDir(), "routenode.log")
	require.NoError(t, InitFromConfig(Config{Loggers: []NamedConfig{
		{Name: "routenode", Filepath: path, Level: "info"},
	}}))

	Get("routenode").Info("node started", Fields("node", "node1")...)
	require.NoError(t, SyncAll())

	rec := findRecord(readRecords(t, path), "node started")
	require.NotNil(t, rec)
	assert.Equal(t, "node1", rec["node"])
}
