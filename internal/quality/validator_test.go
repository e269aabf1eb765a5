package quality

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/sentinel/models"
)

func goodPoint(close float64) *models.MarketDataPoint {
	return &models.MarketDataPoint{
		Symbol:    "AAPL",
		Timeframe: "1m",
		Source:    "test",
		Timestamp: time.Now(),
		Open:      close - 0.5,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    10000,
	}
}

func TestCleanPointAccepted(t *testing.T) {
	v := NewValidator()
	r := v.Validate(goodPoint(100))
	assert.Equal(t, models.RecommendAccept, r.Recommendation)
	assert.Empty(t, r.Issues)
	assert.InDelta(t, 1.0, r.Score, 1e-9)
}

func TestHighBelowMaxOpenCloseAlwaysRejected(t *testing.T) {
	v := NewValidator()
	p := goodPoint(100)
	p.High = 99 // below close

	r := v.Validate(p)
	require.Equal(t, models.RecommendReject, r.Recommendation)
	require.True(t, r.HasCritical())

	found := false
	for _, i := range r.Issues {
		if i.Type == "ohlc_inconsistent" && i.Severity == models.SeverityCritical {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLowAboveMinOpenCloseRejected(t *testing.T) {
	v := NewValidator()
	p := goodPoint(100)
	p.Low = 100.5

	r := v.Validate(p)
	assert.Equal(t, models.RecommendReject, r.Recommendation)
	assert.True(t, r.HasCritical())
}

func TestNonPositivePricesCritical(t *testing.T) {
	v := NewValidator()
	p := goodPoint(100)
	p.Close = -5

	r := v.Validate(p)
	assert.Equal(t, models.RecommendReject, r.Recommendation)
	assert.True(t, r.HasCritical())
}

func TestFutureTimestampHighSeverity(t *testing.T) {
	v := NewValidator()
	p := goodPoint(100)
	p.Timestamp = time.Now().Add(10 * time.Minute)

	r := v.Validate(p)
	var sev models.IssueSeverity
	for _, i := range r.Issues {
		if i.Type == "future_timestamp" {
			sev = i.Severity
		}
	}
	assert.Equal(t, models.SeverityHigh, sev)
	assert.Equal(t, models.RecommendReject, r.Recommendation,
		"future-stamped data must never pass the quality gate")
}

func TestStaleDataFlagged(t *testing.T) {
	v := NewValidator()
	p := goodPoint(100)
	p.Timestamp = time.Now().Add(-25 * time.Hour)

	r := v.Validate(p)
	found := false
	for _, i := range r.Issues {
		if i.Type == "stale_data" {
			found = true
			assert.Equal(t, models.SeverityMedium, i.Severity)
		}
	}
	assert.True(t, found)
}

func TestPriceSpikeZScore(t *testing.T) {
	v := NewValidator()
	// build a stable history around 100
	for i := 0; i < 20; i++ {
		v.Validate(goodPoint(100 + float64(i%3)*0.2))
	}

	p := goodPoint(150) // massive spike
	r := v.Validate(p)

	foundSpike := false
	for _, i := range r.Issues {
		if i.Type == "price_spike" {
			foundSpike = true
			assert.Equal(t, models.SeverityCritical, i.Severity)
		}
	}
	assert.True(t, foundSpike, "expected a price_spike issue, got %v", r.Issues)
	assert.Equal(t, models.RecommendReject, r.Recommendation)
}

func TestGapCheckWithoutSpike(t *testing.T) {
	v := NewValidator()
	v.Validate(goodPoint(100))
	v.Validate(goodPoint(100))

	p := goodPoint(115) // 15% gap; history too short for meaningful z-score
	r := v.Validate(p)

	found := false
	for _, i := range r.Issues {
		if i.Type == "price_gap" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestZeroVolumeInActiveSymbol(t *testing.T) {
	v := NewValidator()
	for i := 0; i < 10; i++ {
		v.Validate(goodPoint(100))
	}

	p := goodPoint(100)
	p.Volume = 0
	r := v.Validate(p)

	found := false
	for _, i := range r.Issues {
		if i.Type == "zero_volume" {
			found = true
			assert.Equal(t, models.SeverityMedium, i.Severity)
		}
	}
	assert.True(t, found)
}

func TestHistoryAppendedRegardlessOfVerdict(t *testing.T) {
	v := NewValidator()
	bad := goodPoint(100)
	bad.High = 1 // rejected
	v.Validate(bad)
	v.Validate(goodPoint(100))

	assert.Equal(t, 2, v.HistoryLen("AAPL"))
}

func TestHistoryBounded(t *testing.T) {
	v := NewValidator()
	for i := 0; i < historySize+50; i++ {
		p := goodPoint(100)
		p.Timestamp = time.Now().Add(time.Duration(i) * time.Second)
		v.Validate(p)
	}
	assert.Equal(t, historySize, v.HistoryLen("AAPL"))
}

func TestScorePenalties(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*models.MarketDataPoint)
		wantScore   float64
		wantVerdict models.Recommendation
	}{
		{
			name:        "single medium issue",
			mutate:      func(p *models.MarketDataPoint) { p.Timestamp = time.Now().Add(-25 * time.Hour) },
			wantScore:   0.85,
			wantVerdict: models.RecommendCaution,
		},
		{
			name:        "single critical issue",
			mutate:      func(p *models.MarketDataPoint) { p.High = p.Low - 1 },
			wantScore:   0.0, // high<low implies high<max(o,c) and critical stack caps penalty
			wantVerdict: models.RecommendReject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator()
			p := goodPoint(100)
			tt.mutate(p)
			r := v.Validate(p)
			assert.Equal(t, tt.wantVerdict, r.Recommendation)
			if tt.wantScore > 0 {
				assert.InDelta(t, tt.wantScore, r.Score, 1e-9)
			}
		})
	}
}

func TestZScoreHelper(t *testing.T) {
	base := []float64{100, 100.2, 99.8, 100.1, 99.9}
	assert.Greater(t, zScore(150, base), 5.0)
	assert.Less(t, zScore(100, base), 1.0)
	// zero variance never divides by zero
	assert.Equal(t, 0.0, zScore(100, []float64{100, 100, 100}))
}

func TestSeparateSymbolHistories(t *testing.T) {
	v := NewValidator()
	for i := 0; i < 5; i++ {
		v.Validate(goodPoint(100))
		p := goodPoint(2000)
		p.Symbol = "BTC"
		v.Validate(p)
	}
	assert.Equal(t, 5, v.HistoryLen("AAPL"))
	assert.Equal(t, 5, v.HistoryLen("BTC"))

	// BTC at 2000 is normal for BTC even though it would be a spike for AAPL
	p := goodPoint(2000)
	p.Symbol = "BTC"
	r := v.Validate(p)
	for _, i := range r.Issues {
		assert.NotEqual(t, "price_spike", i.Type, fmt.Sprintf("unexpected spike: %+v", i))
	}
}
