package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/carbon-vault/internal/config"
)

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := NewFileSink(path)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.WriteEvent(&Event{
			Timestamp: time.Now(),
			EventType: EventTypeCreate,
			Archive:   "daily",
			Success:   true,
		}))
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		assert.Equal(t, EventTypeCreate, event.EventType)
		assert.Equal(t, "daily", event.Archive)
		lines++
	}
	assert.Equal(t, 3, lines)
}

func TestBatchSinkFlushesOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	batch := NewBatchSink(NewFileSink(path), 100, time.Hour)

	require.NoError(t, batch.WriteEvent(&Event{EventType: EventTypeDelete, Archive: "x"}))
	require.NoError(t, batch.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"delete"`)
}

func TestLoggerKeepsBoundedTail(t *testing.T) {
	logger := NewLogger(2, NewFileSink(filepath.Join(t.TempDir(), "audit.log")))
	for i := 0; i < 5; i++ {
		logger.LogOperation(EventTypeCheck, "", "repo", true, nil, time.Second)
	}
	assert.Len(t, logger.Events(), 2)
	require.NoError(t, logger.Close())
}

func TestLogOperationRecordsErrors(t *testing.T) {
	logger := NewLogger(10, NewFileSink(filepath.Join(t.TempDir(), "audit.log")))
	logger.LogOperation(EventTypeExtract, "a", "repo", false, os.ErrPermission, time.Second)
	events := logger.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Contains(t, events[0].Error, "permission")
}

func TestNewLoggerFromConfig(t *testing.T) {
	_, err := NewLoggerFromConfig(config.AuditConfig{Sink: config.SinkConfig{Type: "bogus"}})
	assert.Error(t, err)

	logger, err := NewLoggerFromConfig(config.AuditConfig{
		MaxEvents: 5,
		Sink: config.SinkConfig{
			Type:     "file",
			FilePath: filepath.Join(t.TempDir(), "audit.log"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, logger.Close())
}
