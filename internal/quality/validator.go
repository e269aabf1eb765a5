package quality

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/sentinel/models"
)

const (
	historySize    = 100 // rolling per-symbol history
	spikeWindow    = 10  // most recent points used for z-score baseline
	maxFutureSkew  = 5 * time.Minute
	staleAfter     = 24 * time.Hour
	zScoreHigh     = 3.0
	zScoreCritical = 5.0
	gapPctHigh     = 0.10 // 10% jump vs previous close
	volumeSpikeX   = 10.0 // ratio vs rolling average volume
)

// severity penalties, summed and capped
const (
	penaltyLow      = 0.05
	penaltyMedium   = 0.15
	penaltyHigh     = 0.30
	penaltyCritical = 0.50
	penaltyCap      = 0.95
)

// Validator scores market-data points for internal consistency, staleness
// and statistical anomalies against a rolling per-symbol history.
type Validator struct {
	mu      sync.Mutex
	history map[string][]*models.MarketDataPoint
	logger  zerolog.Logger
	now     func() time.Time
}

// NewValidator creates a validator with empty history
func NewValidator() *Validator {
	return &Validator{
		history: make(map[string][]*models.MarketDataPoint),
		logger:  log.With().Str("component", "quality_validator").Logger(),
		now:     time.Now,
	}
}

// Validate runs all checks in order and returns a scored report.
// The point is appended to the symbol's history afterward regardless of
// verdict so later anomaly checks keep continuity.
func (v *Validator) Validate(point *models.MarketDataPoint) *models.QualityReport {
	v.mu.Lock()
	defer v.mu.Unlock()

	report := &models.QualityReport{
		Symbol:    point.Symbol,
		Timestamp: point.Timestamp,
	}

	var issues []models.QualityIssue
	issues = append(issues, checkFields(point)...)
	issues = append(issues, checkNumericSanity(point)...)
	issues = append(issues, checkOHLCConsistency(point)...)
	issues = append(issues, v.checkTimestamp(point)...)
	issues = append(issues, v.checkPriceSpike(point)...)
	issues = append(issues, v.checkVolume(point)...)
	report.Issues = issues

	penalty := 0.0
	for _, i := range issues {
		switch i.Severity {
		case models.SeverityCritical:
			penalty += penaltyCritical
		case models.SeverityHigh:
			penalty += penaltyHigh
		case models.SeverityMedium:
			penalty += penaltyMedium
		default:
			penalty += penaltyLow
		}
	}
	if penalty > penaltyCap {
		penalty = penaltyCap
	}
	report.Score = 1 - penalty

	// future-stamped data is never tradable no matter the score:
	// acting on it means acting on information that does not exist yet
	futureStamped := false
	for _, i := range issues {
		if i.Type == "future_timestamp" {
			futureStamped = true
			break
		}
	}

	switch {
	case report.HasCritical() || futureStamped:
		report.Recommendation = models.RecommendReject
	case report.Score >= 0.9:
		report.Recommendation = models.RecommendAccept
	case report.Score >= 0.7:
		report.Recommendation = models.RecommendCaution
	default:
		report.Recommendation = models.RecommendReject
	}

	v.append(point)

	if report.Recommendation != models.RecommendAccept {
		v.logger.Warn().Str("symbol", point.Symbol).
			Float64("score", report.Score).
			Str("recommendation", string(report.Recommendation)).
			Int("issues", len(issues)).
			Msg("market data quality degraded")
	}
	return report
}

func (v *Validator) append(point *models.MarketDataPoint) {
	h := append(v.history[point.Symbol], point)
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	v.history[point.Symbol] = h
}

// HistoryLen reports the rolling history length for a symbol
func (v *Validator) HistoryLen(symbol string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.history[symbol])
}

func checkFields(p *models.MarketDataPoint) []models.QualityIssue {
	var issues []models.QualityIssue
	if p.Symbol == "" {
		issues = append(issues, models.QualityIssue{
			Type:     "missing_field",
			Severity: models.SeverityCritical,
			Message:  "symbol is empty",
		})
	}
	if p.Timestamp.IsZero() {
		issues = append(issues, models.QualityIssue{
			Type:     "missing_field",
			Severity: models.SeverityCritical,
			Message:  "timestamp is zero",
		})
	}
	return issues
}

func checkNumericSanity(p *models.MarketDataPoint) []models.QualityIssue {
	var issues []models.QualityIssue
	prices := map[string]float64{"open": p.Open, "high": p.High, "low": p.Low, "close": p.Close}
	for _, name := range []string{"open", "high", "low", "close"} {
		if prices[name] <= 0 || math.IsNaN(prices[name]) || math.IsInf(prices[name], 0) {
			issues = append(issues, models.QualityIssue{
				Type:     "invalid_price",
				Severity: models.SeverityCritical,
				Message:  fmt.Sprintf("%s price must be positive and finite", name),
				Expected: "> 0",
				Actual:   fmt.Sprintf("%g", prices[name]),
			})
		}
	}
	if p.Volume < 0 {
		issues = append(issues, models.QualityIssue{
			Type:     "invalid_volume",
			Severity: models.SeverityHigh,
			Message:  "volume is negative",
			Expected: ">= 0",
			Actual:   fmt.Sprintf("%g", p.Volume),
		})
	}
	return issues
}

func checkOHLCConsistency(p *models.MarketDataPoint) []models.QualityIssue {
	var issues []models.QualityIssue
	if p.Open <= 0 || p.High <= 0 || p.Low <= 0 || p.Close <= 0 {
		return issues // numeric sanity already flagged these
	}
	if p.High < math.Max(p.Open, p.Close) {
		issues = append(issues, models.QualityIssue{
			Type:     "ohlc_inconsistent",
			Severity: models.SeverityCritical,
			Message:  "high is below max(open, close)",
			Expected: fmt.Sprintf(">= %g", math.Max(p.Open, p.Close)),
			Actual:   fmt.Sprintf("%g", p.High),
		})
	}
	if p.Low > math.Min(p.Open, p.Close) {
		issues = append(issues, models.QualityIssue{
			Type:     "ohlc_inconsistent",
			Severity: models.SeverityCritical,
			Message:  "low is above min(open, close)",
			Expected: fmt.Sprintf("<= %g", math.Min(p.Open, p.Close)),
			Actual:   fmt.Sprintf("%g", p.Low),
		})
	}
	if p.High < p.Low {
		issues = append(issues, models.QualityIssue{
			Type:     "ohlc_inconsistent",
			Severity: models.SeverityCritical,
			Message:  "high is below low",
			Expected: fmt.Sprintf(">= %g", p.Low),
			Actual:   fmt.Sprintf("%g", p.High),
		})
	}
	return issues
}

func (v *Validator) checkTimestamp(p *models.MarketDataPoint) []models.QualityIssue {
	var issues []models.QualityIssue
	if p.Timestamp.IsZero() {
		return issues
	}
	now := v.now()
	if p.Timestamp.After(now.Add(maxFutureSkew)) {
		issues = append(issues, models.QualityIssue{
			Type:     "future_timestamp",
			Severity: models.SeverityHigh,
			Message:  "timestamp is more than 5 minutes in the future",
			Expected: fmt.Sprintf("<= %s", now.Add(maxFutureSkew).Format(time.RFC3339)),
			Actual:   p.Timestamp.Format(time.RFC3339),
		})
	}
	if now.Sub(p.Timestamp) > staleAfter {
		issues = append(issues, models.QualityIssue{
			Type:     "stale_data",
			Severity: models.SeverityMedium,
			Message:  "data point is older than 24 hours",
			Actual:   p.Timestamp.Format(time.RFC3339),
		})
	}
	return issues
}

func (v *Validator) checkPriceSpike(p *models.MarketDataPoint) []models.QualityIssue {
	var issues []models.QualityIssue
	h := v.history[p.Symbol]
	if len(h) < 2 || p.Close <= 0 {
		return issues
	}

	window := h
	if len(window) > spikeWindow {
		window = window[len(window)-spikeWindow:]
	}
	closes := make([]float64, len(window))
	for i, pt := range window {
		closes[i] = pt.Close
	}

	if z := zScore(p.Close, closes); z > zScoreHigh {
		sev := models.SeverityHigh
		if z > zScoreCritical {
			sev = models.SeverityCritical
		}
		issues = append(issues, models.QualityIssue{
			Type:     "price_spike",
			Severity: sev,
			Message:  fmt.Sprintf("close is %.1f standard deviations from the recent mean", z),
			Actual:   fmt.Sprintf("%g", p.Close),
		})
	}

	prev := h[len(h)-1].Close
	if prev > 0 {
		gap := math.Abs(p.Close-prev) / prev
		if gap > gapPctHigh {
			issues = append(issues, models.QualityIssue{
				Type:     "price_gap",
				Severity: models.SeverityHigh,
				Message:  fmt.Sprintf("close moved %.1f%% from previous point", gap*100),
				Expected: fmt.Sprintf("<= %.0f%%", gapPctHigh*100),
				Actual:   fmt.Sprintf("%.1f%%", gap*100),
			})
		}
	}
	return issues
}

func (v *Validator) checkVolume(p *models.MarketDataPoint) []models.QualityIssue {
	var issues []models.QualityIssue
	h := v.history[p.Symbol]
	if len(h) < 5 {
		return issues
	}

	var total, active float64
	for _, pt := range h {
		total += pt.Volume
		if pt.Volume > 0 {
			active++
		}
	}
	avg := total / float64(len(h))

	if avg > 0 && p.Volume > avg*volumeSpikeX {
		issues = append(issues, models.QualityIssue{
			Type:     "volume_spike",
			Severity: models.SeverityMedium,
			Message:  fmt.Sprintf("volume is %.1fx the rolling average", p.Volume/avg),
			Actual:   fmt.Sprintf("%g", p.Volume),
		})
	}
	// zero volume in an otherwise-active symbol
	if p.Volume == 0 && active >= float64(len(h))/2 {
		issues = append(issues, models.QualityIssue{
			Type:     "zero_volume",
			Severity: models.SeverityMedium,
			Message:  "zero volume in an otherwise-active symbol",
		})
	}
	return issues
}
