package risk

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/sentinel/models"
)

// Context supplies the account and market state a layer assesses against
type Context struct {
	AccountValue     float64
	PeakAccountValue float64
	DailyPnL         float64
	Price            float64 // validated reference price for the request's symbol
	OpenPositions    map[string]*models.Position
	SymbolVolatility float64
	MarketVolatility float64
}

// ReferencePrice is the price used for notional math: the limit price when
// present, otherwise the validated market price
func (c *Context) ReferencePrice(req *models.TradeRequest) float64 {
	if req.LimitPrice > 0 {
		return req.LimitPrice
	}
	return c.Price
}

// TotalExposure sums the market value of all open positions
func (c *Context) TotalExposure() float64 {
	var total float64
	for _, p := range c.OpenPositions {
		total += p.MarketValue()
	}
	return total
}

// Layer is one independent risk policy. A layer never mutates the input
// request; a shrink is expressed as a Modified assessment carrying a copy.
type Layer interface {
	Name() string
	Assess(req *models.TradeRequest, ctx *Context) *models.RiskAssessment
}

// Stats is a snapshot of engine decision counters
type Stats struct {
	Assessed        int            `json:"assessed"`
	Approved        int            `json:"approved"`
	Modified        int            `json:"modified"`
	Rejected        int            `json:"rejected"`
	RejectedByLayer map[string]int `json:"rejected_by_layer"`
}

type layerEntry struct {
	layer   Layer
	enabled bool
}

// Engine runs a request through an ordered chain of risk layers.
// Rejection is absolute: the first rejecting layer ends the chain.
type Engine struct {
	mu     sync.Mutex
	layers []*layerEntry
	stats  Stats
	logger zerolog.Logger
}

// NewEngine creates an engine with the given layers in evaluation order
func NewEngine(layers ...Layer) *Engine {
	e := &Engine{
		logger: log.With().Str("component", "risk_engine").Logger(),
	}
	e.stats.RejectedByLayer = make(map[string]int)
	for _, l := range layers {
		e.layers = append(e.layers, &layerEntry{layer: l, enabled: true})
	}
	return e
}

// Assess runs the layer chain and merges the per-layer results.
// A panicking layer is fail-safe: it yields a Rejected/Critical assessment
// rather than an implicit approval.
func (e *Engine) Assess(req *models.TradeRequest, ctx *Context) (out *models.RiskAssessment) {
	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("symbol", req.Symbol).
				Msg("risk layer fault, rejecting fail-safe")
			out = &models.RiskAssessment{
				Decision:  models.DecisionRejected,
				RiskLevel: models.RiskCritical,
				Reason:    fmt.Sprintf("internal risk layer fault: %v", r),
				RiskScore: 1.0,
			}
			e.stats.Rejected++
		}
	}()

	e.stats.Assessed++

	candidate := req
	factors := make(map[string]float64)
	maxScore := 0.0
	level := models.RiskLow
	modified := false

	for _, entry := range e.layers {
		if !entry.enabled {
			continue
		}
		a := entry.layer.Assess(candidate, ctx)
		for k, v := range a.Factors {
			factors[k] = v
		}
		if a.RiskScore > maxScore {
			maxScore = a.RiskScore
		}
		level = models.MaxRiskLevel(level, a.RiskLevel)

		switch a.Decision {
		case models.DecisionRejected:
			e.stats.Rejected++
			e.stats.RejectedByLayer[entry.layer.Name()]++
			e.logger.Warn().Str("layer", entry.layer.Name()).Str("symbol", req.Symbol).
				Str("reason", a.Reason).Msg("trade rejected")
			return &models.RiskAssessment{
				Decision:  models.DecisionRejected,
				RiskLevel: models.MaxRiskLevel(a.RiskLevel, level),
				Reason:    a.Reason,
				RiskScore: maxScore,
				Factors:   factors,
				Layer:     entry.layer.Name(),
			}
		case models.DecisionModified:
			candidate = a.Modified
			modified = true
		}
	}

	result := &models.RiskAssessment{
		Decision:  models.DecisionApproved,
		RiskLevel: level,
		Reason:    "all risk layers passed",
		RiskScore: maxScore,
		Factors:   factors,
	}
	if modified {
		result.Decision = models.DecisionModified
		result.Modified = candidate
		result.Reason = fmt.Sprintf("quantity reduced from %d to %d by risk layers", req.Quantity, candidate.Quantity)
		e.stats.Modified++
	} else {
		e.stats.Approved++
	}
	return result
}

// SetLayerEnabled toggles one layer by name; unknown names are ignored
func (e *Engine) SetLayerEnabled(name string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.layers {
		if entry.layer.Name() == name {
			entry.enabled = enabled
			e.logger.Info().Str("layer", name).Bool("enabled", enabled).Msg("risk layer toggled")
			return true
		}
	}
	return false
}

// LayerNames returns the configured chain order
func (e *Engine) LayerNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.layers))
	for _, entry := range e.layers {
		names = append(names, entry.layer.Name())
	}
	return names
}

// Stats returns a copy of the decision counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.RejectedByLayer = make(map[string]int, len(e.stats.RejectedByLayer))
	for k, v := range e.stats.RejectedByLayer {
		s.RejectedByLayer[k] = v
	}
	return s
}
