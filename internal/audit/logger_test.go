package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/sentinel/config"
	"github.com/quantrail/sentinel/models"
)

func testLogger(t *testing.T, mutate func(*config.AuditConfig)) *Logger {
	t.Helper()
	cfg := config.AuditConfig{
		Dir:           t.TempDir(),
		BufferSize:    10,
		FlushInterval: time.Hour, // timer effectively off, tests flush explicitly
		MaxFileSize:   1 << 20,
		RetentionDays: 30,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := NewLogger(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func systemEvent(msg string) *models.AuditEvent {
	return SystemEvent(msg, nil)
}

func TestFlushedEventsAreQueryable(t *testing.T) {
	l := testLogger(t, nil)

	for i := 0; i < 5; i++ {
		l.Record(&models.AuditEvent{
			Type:    models.EventTradingDecision,
			AgentID: "agent-1",
			Symbol:  "AAPL",
			Payload: map[string]any{"n": i},
		})
	}
	l.Flush()

	events, err := l.Query(Filter{Types: []models.EventType{models.EventTradingDecision}})
	require.NoError(t, err)
	assert.Len(t, events, 5)
	for _, ev := range events {
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBufferFlushesWhenFull(t *testing.T) {
	l := testLogger(t, func(c *config.AuditConfig) { c.BufferSize = 3 })

	l.Record(systemEvent("one"))
	l.Record(systemEvent("two"))
	// below buffer size: nothing on disk yet
	data, _ := os.ReadFile(currentFile(t, l))
	assert.Empty(t, data)

	l.Record(systemEvent("three"))
	data, err := os.ReadFile(currentFile(t, l))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}

func TestEmergencyEventFlushesImmediately(t *testing.T) {
	l := testLogger(t, func(c *config.AuditConfig) { c.BufferSize = 1000 })

	l.Record(EmergencyEvent("manual halt", nil))
	data, err := os.ReadFile(currentFile(t, l))
	require.NoError(t, err)
	assert.Contains(t, string(data), "manual halt")
}

func TestErrorEventFlushesImmediately(t *testing.T) {
	l := testLogger(t, func(c *config.AuditConfig) { c.BufferSize = 1000 })

	l.Record(ErrorEvent("fetch", errors.New("provider down")))
	data, err := os.ReadFile(currentFile(t, l))
	require.NoError(t, err)
	assert.Contains(t, string(data), "provider down")
}

func TestQueryFilters(t *testing.T) {
	l := testLogger(t, nil)

	l.Record(&models.AuditEvent{Type: models.EventExecution, AgentID: "a1", Symbol: "AAPL"})
	l.Record(&models.AuditEvent{Type: models.EventExecution, AgentID: "a2", Symbol: "MSFT"})
	l.Record(&models.AuditEvent{Type: models.EventRiskAssessment, AgentID: "a1", Symbol: "AAPL"})
	l.Flush()

	byAgent, err := l.Query(Filter{AgentID: "a1"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	bySymbol, err := l.Query(Filter{Symbol: "MSFT"})
	require.NoError(t, err)
	assert.Len(t, bySymbol, 1)

	byType, err := l.Query(Filter{
		Types:  []models.EventType{models.EventRiskAssessment},
		Symbol: "AAPL",
	})
	require.NoError(t, err)
	assert.Len(t, byType, 1)
}

func TestQueryTimeRange(t *testing.T) {
	l := testLogger(t, nil)
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 10; i++ {
		l.Record(&models.AuditEvent{
			Type:      models.EventSystem,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	l.Flush()

	events, err := l.Query(Filter{
		Since: base.Add(2*time.Minute - time.Second),
		Until: base.Add(5*time.Minute + time.Second),
	})
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestQueryLimitNewestFirst(t *testing.T) {
	l := testLogger(t, nil)
	for i := 0; i < 20; i++ {
		l.Record(&models.AuditEvent{
			Type:    models.EventSystem,
			Payload: map[string]any{"seq": i},
		})
	}
	l.Flush()

	events, err := l.Query(Filter{Limit: 5})
	require.NoError(t, err)
	require.Len(t, events, 5)
	// newest-first: the last recorded event comes back first
	assert.EqualValues(t, 19, events[0].Payload["seq"])
}

func TestRotationBySize(t *testing.T) {
	l := testLogger(t, func(c *config.AuditConfig) {
		c.BufferSize = 1
		c.MaxFileSize = 200 // tiny, rotate after a couple of events
	})

	padding := strings.Repeat("x", 256)
	for i := 0; i < 10; i++ {
		l.Record(systemEvent("padded event " + padding))
	}

	entries, err := os.ReadDir(l.cfg.Dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "expected rotated files alongside the live one")

	// every event is still retrievable across rotated files
	events, err := l.Query(Filter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, events, 10)
}

func TestCleanupCompressesAndQueriesGzip(t *testing.T) {
	l := testLogger(t, func(c *config.AuditConfig) { c.RetentionDays = 1 })

	// simulate an aged rotated file
	aged := filepath.Join(l.cfg.Dir, filePrefix+"20200101_000000.log")
	ev := systemEvent("ancient event")
	ev.ID = "ev-old"
	ev.Timestamp = time.Now().Add(-48 * time.Hour)
	line, _ := jsonLine(ev)
	require.NoError(t, os.WriteFile(aged, line, 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(aged, old, old))

	l.Cleanup()

	_, err := os.Stat(aged)
	assert.True(t, os.IsNotExist(err), "source file should be replaced by .gz")
	_, err = os.Stat(aged + ".gz")
	assert.NoError(t, err)

	events, err := l.Query(Filter{Limit: 1000})
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.ID == "ev-old" {
			found = true
		}
	}
	assert.True(t, found, "compressed events must stay queryable")
}

func TestCleanupDeletesBeyondRetention(t *testing.T) {
	l := testLogger(t, func(c *config.AuditConfig) { c.RetentionDays = 1 })

	doomed := filepath.Join(l.cfg.Dir, filePrefix+"20190101_000000.log")
	require.NoError(t, os.WriteFile(doomed, []byte("{}\n"), 0o644))
	old := time.Now().Add(-100 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(doomed, old, old))

	l.Cleanup()

	_, err := os.Stat(doomed)
	assert.True(t, os.IsNotExist(err))
}

func TestCloseDrainsBuffer(t *testing.T) {
	dir := t.TempDir()
	cfg := config.AuditConfig{
		Dir: dir, BufferSize: 1000, FlushInterval: time.Hour,
		MaxFileSize: 1 << 20, RetentionDays: 30,
	}
	l, err := NewLogger(cfg)
	require.NoError(t, err)
	l.Start()

	l.Record(systemEvent("pending"))
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "pending")
}

func currentFile(t *testing.T, l *Logger) string {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotNil(t, l.file)
	return l.file.Name()
}

func jsonLine(ev *models.AuditEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
