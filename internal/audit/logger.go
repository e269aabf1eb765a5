package audit

import (
	"bufio"
	"compress/gzip"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/sentinel/config"
	"github.com/quantrail/sentinel/models"
)

const filePrefix = "audit_"

// Logger buffers audit events in memory and flushes them to append-only
// NDJSON files. Files rotate by size; aged files are gzipped and later
// deleted by the cleanup loop. A failed write must never crash the
// pipeline that is ahead of it.
type Logger struct {
	cfg config.AuditConfig

	mu      sync.Mutex
	buffer  []*models.AuditEvent
	file    *os.File
	written int64

	done   chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogger creates the audit directory and opens the current log file
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	l := &Logger{
		cfg:    cfg,
		done:   make(chan struct{}),
		logger: log.With().Str("component", "audit_logger").Logger(),
		now:    time.Now,
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// Start launches the periodic flush and retention cleanup loops
func (l *Logger) Start() {
	l.wg.Add(2)
	go l.flushLoop()
	go l.cleanupLoop()
}

// Close flushes the remaining buffer and stops the background loops
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Record appends one event to the buffer. Emergency and error events
// force an immediate synchronous flush.
func (l *Logger) Record(ev *models.AuditEvent) {
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, ev)
	if ev.Type == models.EventEmergency || ev.Type == models.EventError ||
		len(l.buffer) >= l.cfg.BufferSize {
		l.flushLocked()
	}
}

// Flush forces the buffer to disk
func (l *Logger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked()
}

// flushLocked writes the buffer as NDJSON. Caller holds the lock.
// Writes are retried with backoff; on final failure the events are
// dropped from the buffer and the loss is logged locally.
func (l *Logger) flushLocked() {
	if len(l.buffer) == 0 || l.file == nil {
		return
	}

	var b strings.Builder
	for _, ev := range l.buffer {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Error().Err(err).Str("event_id", ev.ID).Msg("unmarshalable audit event dropped")
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	payload := []byte(b.String())

	op := func() error {
		n, err := l.file.Write(payload)
		if err != nil {
			return err
		}
		l.written += int64(n)
		return nil
	}
	strategy := backoff.NewExponentialBackOff()
	strategy.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, strategy); err != nil {
		l.logger.Error().Err(err).Int("events", len(l.buffer)).
			Msg("audit flush failed, events lost")
	}
	l.buffer = l.buffer[:0]

	if l.written >= l.cfg.MaxFileSize {
		l.rotateLocked()
	}
}

func (l *Logger) openFile() error {
	name := filepath.Join(l.cfg.Dir, filePrefix+l.now().UTC().Format("20060102")+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

// rotateLocked renames the full file with a timestamp suffix and opens a
// fresh one. Caller holds the lock.
func (l *Logger) rotateLocked() {
	old := l.file.Name()
	l.file.Close()
	stamp := filePrefix + l.now().UTC().Format("20060102_150405")
	rotated := filepath.Join(l.cfg.Dir, stamp+".log")
	for i := 1; ; i++ {
		if _, err := os.Stat(rotated); os.IsNotExist(err) {
			break
		}
		// two rotations inside one second must not clobber each other
		rotated = filepath.Join(l.cfg.Dir, fmt.Sprintf("%s_%d.log", stamp, i))
	}
	if err := os.Rename(old, rotated); err != nil {
		l.logger.Error().Err(err).Msg("audit rotation rename failed")
	}
	if err := l.openFile(); err != nil {
		l.logger.Error().Err(err).Msg("audit rotation reopen failed")
		l.file = nil
	}
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.done:
			return
		}
	}
}

func (l *Logger) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.done:
			return
		}
	}
}

// Cleanup gzips files older than the retention window and removes files
// older than retention+30 days
func (l *Logger) Cleanup() {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		l.logger.Error().Err(err).Msg("audit cleanup scan failed")
		return
	}
	compressBefore := l.now().AddDate(0, 0, -l.cfg.RetentionDays)
	deleteBefore := l.now().AddDate(0, 0, -(l.cfg.RetentionDays + 30))

	l.mu.Lock()
	var current string
	if l.file != nil {
		current = filepath.Base(l.file.Name())
	}
	l.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, filePrefix) || name == current {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		full := filepath.Join(l.cfg.Dir, name)
		switch {
		case info.ModTime().Before(deleteBefore):
			if err := os.Remove(full); err != nil {
				l.logger.Error().Err(err).Str("file", name).Msg("audit delete failed")
			}
		case info.ModTime().Before(compressBefore) && strings.HasSuffix(name, ".log"):
			if err := compressFile(full); err != nil {
				l.logger.Error().Err(err).Str("file", name).Msg("audit compression failed")
			}
		}
	}
}

func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Filter selects audit events for a query; zero values match everything
type Filter struct {
	Types   []models.EventType
	AgentID string
	Symbol  string
	Since   time.Time
	Until   time.Time
	Limit   int
}

func (f *Filter) matches(ev *models.AuditEvent) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if f.Symbol != "" && ev.Symbol != f.Symbol {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query scans audit files newest-first and returns matching events up to
// the limit. A linear scan is fine here: audit volume is bounded and
// queries are operational, not hot-path.
func (l *Logger) Query(f Filter) ([]*models.AuditEvent, error) {
	l.Flush()

	if f.Limit <= 0 {
		f.Limit = 100
	}

	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading audit dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, filePrefix) &&
			(strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz")) {
			files = append(files, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var out []*models.AuditEvent
	for _, name := range files {
		events, err := readEvents(filepath.Join(l.cfg.Dir, name))
		if err != nil {
			l.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable audit file")
			continue
		}
		// newest events sit at the end of each file
		for i := len(events) - 1; i >= 0; i-- {
			if f.matches(events[i]) {
				out = append(out, events[i])
				if len(out) >= f.Limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func readEvents(path string) ([]*models.AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = bufio.NewReader(gr)
	}

	var events []*models.AuditEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // tolerate a torn line from a crashed writer
		}
		events = append(events, &ev)
	}
	return events, scanner.Err()
}

func newEventID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("ev-%d", time.Now().UnixNano())
	}
	return "ev-" + hex.EncodeToString(b)
}
