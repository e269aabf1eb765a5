package marketdata

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/sentinel/models"
)

// stubSource is a scripted MarketDataSource for tests
type stubSource struct {
	name  string
	close float64
	err   error
	delay time.Duration
	calls atomic.Int64
	stamp time.Time
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, symbol, timeframe string) (*models.MarketDataPoint, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	ts := s.stamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &models.MarketDataPoint{
		Symbol:    symbol,
		Timeframe: timeframe,
		Source:    s.name,
		Timestamp: ts,
		Open:      s.close - 0.5,
		High:      s.close + 1,
		Low:       s.close - 1,
		Close:     s.close,
		Volume:    1000,
	}, nil
}

func newTestRegistry(sources ...*stubSource) *Registry {
	r := NewRegistry(3)
	for i, s := range sources {
		r.Add(s, SourceMeta{
			Name:              s.name,
			Type:              "exchange",
			Priority:          i,
			RequestsPerMinute: 60000000, // effectively unlimited for tests
			Timeout:           time.Second,
			Enabled:           true,
		})
	}
	return r
}

func TestConsensusThreeSources(t *testing.T) {
	// equal-quality sources at [100, 101, 99]: close ~100, confidence > 0.9
	reg := newTestRegistry(
		&stubSource{name: "a", close: 100},
		&stubSource{name: "b", close: 101},
		&stubSource{name: "c", close: 99},
	)
	agg := NewAggregator(reg, time.Second)

	c, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Sources)
	assert.InDelta(t, 100.0, c.Close, 0.01)
	assert.Greater(t, c.Confidence, 0.9)
	assert.Len(t, c.SourceIDs, 3)
}

func TestSingleSourceConfidenceCapped(t *testing.T) {
	reg := newTestRegistry(&stubSource{name: "solo", close: 100})
	agg := NewAggregator(reg, time.Second)

	c, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Sources)
	assert.LessOrEqual(t, c.Confidence, 0.7)
}

func TestFailingSourceExcluded(t *testing.T) {
	good := &stubSource{name: "good", close: 100}
	bad := &stubSource{name: "bad", err: errors.New("connection refused")}
	reg := newTestRegistry(good, bad)
	agg := NewAggregator(reg, time.Second)

	c, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Sources)
	assert.Equal(t, []string{"good"}, c.SourceIDs)
}

func TestAllSourcesFailing(t *testing.T) {
	reg := newTestRegistry(
		&stubSource{name: "x", err: errors.New("down")},
		&stubSource{name: "y", err: errors.New("down")},
	)
	agg := NewAggregator(reg, time.Second)

	_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 2)
	assert.Error(t, err)
}

func TestConsensusTimestampIsLatestNotAveraged(t *testing.T) {
	older := time.Now().Add(-2 * time.Minute)
	newer := time.Now()
	reg := newTestRegistry(
		&stubSource{name: "old", close: 100, stamp: older},
		&stubSource{name: "new", close: 100.5, stamp: newer},
	)
	agg := NewAggregator(reg, time.Second)

	c, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 2)
	require.NoError(t, err)
	assert.Equal(t, newer.Unix(), c.Timestamp.Unix())
}

func TestCacheServesWithinTTL(t *testing.T) {
	src := &stubSource{name: "a", close: 100}
	reg := newTestRegistry(src)
	agg := NewAggregator(reg, time.Minute)

	_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	require.NoError(t, err)
	_, err = agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), src.calls.Load(), "second call must hit the cache")

	// different key misses the cache
	_, err = agg.GetConsensus(context.Background(), "AAPL", "5m", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestCacheExpiry(t *testing.T) {
	src := &stubSource{name: "a", close: 100}
	reg := newTestRegistry(src)
	agg := NewAggregator(reg, 10*time.Millisecond)

	_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.calls.Load())
}

func TestSlowSourceTimedOutOthersSucceed(t *testing.T) {
	fast := &stubSource{name: "fast", close: 100}
	slow := &stubSource{name: "slow", close: 101, delay: 5 * time.Second}
	reg := newTestRegistry(fast, slow)
	agg := NewAggregator(reg, time.Second)

	start := time.Now()
	c, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Sources)
	assert.Less(t, time.Since(start), 3*time.Second, "slow source must be cut off by its timeout")
}

func TestAutoDisableAfterErrorThreshold(t *testing.T) {
	bad := &stubSource{name: "flaky", err: errors.New("boom")}
	reg := NewRegistry(3)
	reg.Add(bad, SourceMeta{
		Name: "flaky", Type: "exchange", Priority: 0,
		RequestsPerMinute: 60000000, Timeout: time.Second, Enabled: true,
	})
	agg := NewAggregator(reg, time.Nanosecond)

	for i := 0; i < 3; i++ {
		_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
		assert.Error(t, err)
	}

	// source now auto-disabled: selection comes up empty
	_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	assert.ErrorContains(t, err, "no market data sources")

	// probe re-enables once the source recovers
	bad.err = nil
	reg.ProbeDisabled(context.Background(), "AAPL", "1m")
	c, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Sources)
}

func TestProbingLoopReenablesSource(t *testing.T) {
	bad := &stubSource{name: "flaky", err: errors.New("boom")}
	reg := NewRegistry(3)
	reg.Add(bad, SourceMeta{
		Name: "flaky", Type: "exchange", Priority: 0,
		RequestsPerMinute: 60000000, Timeout: time.Second, Enabled: true,
	})
	agg := NewAggregator(reg, time.Nanosecond)

	for i := 0; i < 3; i++ {
		_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
		assert.Error(t, err)
	}
	_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	require.ErrorContains(t, err, "no market data sources")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartProbing(ctx, 5*time.Millisecond, "AAPL", "1m")

	// source recovers; the loop should bring it back without a manual reset
	bad.err = nil
	assert.Eventually(t, func() bool {
		_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackupOnlyUsedWhenPrimariesShort(t *testing.T) {
	primary := &stubSource{name: "primary", close: 100}
	backup := &stubSource{name: "backup", close: 100.2}
	reg := NewRegistry(3)
	reg.Add(primary, SourceMeta{
		Name: "primary", Type: "exchange", Priority: 0,
		RequestsPerMinute: 60000000, Timeout: time.Second, Enabled: true,
	})
	reg.Add(backup, SourceMeta{
		Name: "backup", Type: "aggregator", Priority: 1,
		RequestsPerMinute: 60000000, Timeout: time.Second, Enabled: true, BackupOnly: true,
	})
	agg := NewAggregator(reg, time.Nanosecond)

	// one primary available and maxSources=1: backup stays idle
	_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), backup.calls.Load())

	// asking for two pulls the backup in
	c, err := agg.GetConsensus(context.Background(), "AAPL", "5m", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Sources)
	assert.Equal(t, int64(1), backup.calls.Load())
}

func TestRateLimitedSourceSkipped(t *testing.T) {
	src := &stubSource{name: "limited", close: 100}
	reg := NewRegistry(3)
	reg.Add(src, SourceMeta{
		Name: "limited", Type: "exchange", Priority: 0,
		RequestsPerMinute: 1, // one request per minute
		Timeout:           time.Second, Enabled: true,
	})
	agg := NewAggregator(reg, time.Nanosecond)

	_, err := agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	require.NoError(t, err)

	// budget exhausted: the source is skipped rather than waited on
	_, err = agg.GetConsensus(context.Background(), "AAPL", "1m", 1)
	assert.ErrorContains(t, err, "no market data sources")
	assert.Equal(t, int64(1), src.calls.Load())
}

func TestQualityScoreFloor(t *testing.T) {
	reg := NewRegistry(10)
	s := &sourceState{meta: SourceMeta{Reliability: 0.5}}
	s.totalRequests = 10
	s.totalErrors = 5
	agg := NewAggregator(reg, time.Second)

	point := &models.MarketDataPoint{Timestamp: time.Now().Add(-time.Hour)}
	score := agg.scorePoint(s, point, 10*time.Second)
	assert.Equal(t, qualityFloor, score)
}
