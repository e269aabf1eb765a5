package marketdata

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/sentinel/models"
)

var (
	metricConsensusSources = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_consensus_sources",
		Help: "Sources contributing to the most recent consensus",
	})
	metricConsensusCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_consensus_cache_hits_total",
		Help: "Consensus requests served from the TTL cache",
	})
)

func init() {
	prometheus.MustRegister(metricConsensusSources, metricConsensusCacheHits)
}

const (
	singleSourceConfidenceCap = 0.7
	confidenceFloor           = 0.5
	qualityFloor              = 0.5
	sourceCountBonus          = 0.05 // per contributing source beyond the first
)

type cacheKey struct {
	symbol     string
	timeframe  string
	maxSources int
}

type cacheEntry struct {
	data    *models.ConsensusData
	expires time.Time
}

// Aggregator fans out to prioritized sources and synthesizes a
// quality-weighted consensus point. Cache and health state are held per
// instance, never in package globals.
type Aggregator struct {
	registry *Registry

	cacheMu  sync.Mutex
	cache    map[cacheKey]cacheEntry
	cacheTTL time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator over a source registry
func NewAggregator(registry *Registry, cacheTTL time.Duration) *Aggregator {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Aggregator{
		registry: registry,
		cache:    make(map[cacheKey]cacheEntry),
		cacheTTL: cacheTTL,
		logger:   log.With().Str("component", "consensus_aggregator").Logger(),
		now:      time.Now,
	}
}

type fetchResult struct {
	state   *sourceState
	point   *models.MarketDataPoint
	quality float64
}

// GetConsensus returns a consensus data point for the symbol, serving
// from the short-TTL cache when possible. Individual source failures are
// tolerated; the round fails only when no source returns data.
func (a *Aggregator) GetConsensus(ctx context.Context, symbol, timeframe string, maxSources int) (*models.ConsensusData, error) {
	if maxSources < 1 {
		maxSources = 1
	}
	key := cacheKey{symbol: symbol, timeframe: timeframe, maxSources: maxSources}

	a.cacheMu.Lock()
	if entry, ok := a.cache[key]; ok && a.now().Before(entry.expires) {
		a.cacheMu.Unlock()
		metricConsensusCacheHits.Inc()
		return entry.data, nil
	}
	a.cacheMu.Unlock()

	selected := a.registry.selectSources(maxSources)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no market data sources available for %s", symbol)
	}

	// concurrent fan-out; a slow or failing source cannot block the rest
	// beyond its own timeout
	results := make(chan *fetchResult, len(selected))
	var wg sync.WaitGroup
	for _, s := range selected {
		wg.Add(1)
		go func(s *sourceState) {
			defer wg.Done()
			point, latency, err := a.registry.fetch(ctx, s, symbol, timeframe)
			if err != nil {
				a.logger.Warn().Str("source", s.meta.Name).Err(err).
					Msg("source fetch failed, excluded from round")
				return
			}
			results <- &fetchResult{
				state:   s,
				point:   point,
				quality: a.scorePoint(s, point, latency),
			}
		}(s)
	}
	wg.Wait()
	close(results)

	var points []*fetchResult
	for r := range results {
		points = append(points, r)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("all %d market data sources failed for %s", len(selected), symbol)
	}

	consensus := a.buildConsensus(symbol, timeframe, points)
	metricConsensusSources.Set(float64(consensus.Sources))

	a.cacheMu.Lock()
	a.cache[key] = cacheEntry{data: consensus, expires: a.now().Add(a.cacheTTL)}
	a.cacheMu.Unlock()

	a.logger.Debug().Str("symbol", symbol).Int("sources", consensus.Sources).
		Float64("close", consensus.Close).Float64("confidence", consensus.Confidence).
		Msg("consensus computed")
	return consensus, nil
}

// scorePoint grades one source's data point. Each penalty only ever
// lowers the score; the result is floored at 0.5.
func (a *Aggregator) scorePoint(s *sourceState, point *models.MarketDataPoint, latency time.Duration) float64 {
	score := s.meta.Reliability

	switch {
	case latency < 500*time.Millisecond:
		// no penalty
	case latency < 2*time.Second:
		score *= 0.9
	default:
		score *= 0.8
	}

	age := a.now().Sub(point.Timestamp)
	switch {
	case age < time.Minute:
		// fresh
	case age < 5*time.Minute:
		score *= 0.9
	default:
		score *= 0.8
	}

	score *= 1 - math.Min(s.errorRate(), 0.5)

	if score < qualityFloor {
		score = qualityFloor
	}
	return score
}

func (a *Aggregator) buildConsensus(symbol, timeframe string, results []*fetchResult) *models.ConsensusData {
	n := len(results)

	if n == 1 {
		r := results[0]
		return &models.ConsensusData{
			Symbol:     symbol,
			Timeframe:  timeframe,
			Timestamp:  r.point.Timestamp,
			Open:       r.point.Open,
			High:       r.point.High,
			Low:        r.point.Low,
			Close:      r.point.Close,
			Volume:     r.point.Volume,
			Quality:    r.quality,
			Sources:    1,
			Confidence: math.Min(r.quality, singleSourceConfidenceCap),
			SourceIDs:  []string{r.state.meta.Name},
		}
	}

	var totalQuality float64
	for _, r := range results {
		totalQuality += r.quality
	}

	consensus := &models.ConsensusData{
		Symbol:    symbol,
		Timeframe: timeframe,
		Sources:   n,
	}
	var avgQuality float64
	closes := make([]float64, 0, n)
	for _, r := range results {
		weight := 1.0 / float64(n)
		if totalQuality > 0 {
			weight = r.quality / totalQuality
		}
		consensus.Open += weight * r.point.Open
		consensus.High += weight * r.point.High
		consensus.Low += weight * r.point.Low
		consensus.Close += weight * r.point.Close
		consensus.Volume += weight * r.point.Volume
		if r.point.Timestamp.After(consensus.Timestamp) {
			// most recent contributing timestamp, never an average
			consensus.Timestamp = r.point.Timestamp
		}
		consensus.SourceIDs = append(consensus.SourceIDs, r.state.meta.Name)
		closes = append(closes, r.point.Close)
		avgQuality += r.quality
	}
	consensus.Quality = avgQuality / float64(n)

	confidence := 1 - 10*coefficientOfVariation(closes)
	if confidence < confidenceFloor {
		confidence = confidenceFloor
	}
	confidence += sourceCountBonus * float64(n-1)
	if confidence > 1 {
		confidence = 1
	}
	consensus.Confidence = confidence
	return consensus
}

// coefficientOfVariation is stddev/mean of the closing prices, the
// dispersion measure behind consensus confidence
func coefficientOfVariation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	sd := math.Sqrt(sq / float64(len(values)-1))
	return math.Abs(sd / mean)
}

// InvalidateCache drops all cached consensus entries
func (a *Aggregator) InvalidateCache() {
	a.cacheMu.Lock()
	a.cache = make(map[cacheKey]cacheEntry)
	a.cacheMu.Unlock()
}

// Registry exposes the underlying source registry for the control surface
func (a *Aggregator) Registry() *Registry {
	return a.registry
}
