package risk

import (
	"fmt"
	"math"
	"sync"

	"github.com/quantrail/sentinel/config"
	"github.com/quantrail/sentinel/models"
)

// DefaultLayers builds the standard chain in its fixed evaluation order
func DefaultLayers(cfg config.RiskConfig) []Layer {
	return []Layer{
		NewPositionSizeLayer(cfg.MaxPositionValue, cfg.MaxPositionPct),
		NewPortfolioLayer(cfg.MaxTotalExposure, cfg.MaxSymbolConcPct),
		NewDrawdownLayer(cfg.MaxDrawdown, cfg.DailyLossLimit),
		NewVolatilityLayer(cfg.VolatilityCeiling, cfg.MaxVolatilityShrink),
	}
}

// PositionSizeLayer caps a single request's notional against an absolute
// limit and a percentage-of-account limit, shrinking when possible.
type PositionSizeLayer struct {
	mu       sync.RWMutex
	maxValue float64
	maxPct   float64
}

func NewPositionSizeLayer(maxValue, maxPct float64) *PositionSizeLayer {
	return &PositionSizeLayer{maxValue: maxValue, maxPct: maxPct}
}

func (l *PositionSizeLayer) Name() string { return "position_size" }

// SetLimits retunes the layer at runtime
func (l *PositionSizeLayer) SetLimits(maxValue, maxPct float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxValue = maxValue
	l.maxPct = maxPct
}

func (l *PositionSizeLayer) Assess(req *models.TradeRequest, ctx *Context) *models.RiskAssessment {
	l.mu.RLock()
	maxValue, maxPct := l.maxValue, l.maxPct
	l.mu.RUnlock()

	price := ctx.ReferencePrice(req)
	if price <= 0 {
		return &models.RiskAssessment{
			Decision:  models.DecisionRejected,
			RiskLevel: models.RiskCritical,
			Reason:    fmt.Sprintf("position_size: no valid reference price for %s", req.Symbol),
			RiskScore: 1.0,
		}
	}

	cap := maxValue
	if pctCap := ctx.AccountValue * maxPct; pctCap < cap {
		cap = pctCap
	}

	value := req.Notional(price)
	factors := map[string]float64{"position_value_ratio": value / cap}
	if value <= cap {
		return &models.RiskAssessment{
			Decision:  models.DecisionApproved,
			RiskLevel: models.RiskLow,
			Reason:    "position size within limits",
			RiskScore: value / cap * 0.5,
			Factors:   factors,
		}
	}

	newQty := int(math.Floor(cap / price))
	if newQty <= 0 {
		return &models.RiskAssessment{
			Decision:  models.DecisionRejected,
			RiskLevel: models.RiskHigh,
			Reason:    fmt.Sprintf("position_size: %s value %.2f exceeds cap %.2f and cannot be reduced", req.Symbol, value, cap),
			RiskScore: 1.0,
			Factors:   factors,
		}
	}
	return &models.RiskAssessment{
		Decision:  models.DecisionModified,
		RiskLevel: models.RiskMedium,
		Reason:    fmt.Sprintf("position_size: quantity reduced %d -> %d to fit cap %.2f", req.Quantity, newQty, cap),
		Modified:  req.WithQuantity(newQty),
		RiskScore: 0.6,
		Factors:   factors,
	}
}

// PortfolioLayer rejects requests that would push total exposure or
// per-symbol concentration over their caps. No shrink-and-retry here:
// concentration breaches are a portfolio problem, not a sizing problem.
type PortfolioLayer struct {
	mu          sync.RWMutex
	maxExposure float64
	maxConcPct  float64
}

func NewPortfolioLayer(maxExposure, maxConcPct float64) *PortfolioLayer {
	return &PortfolioLayer{maxExposure: maxExposure, maxConcPct: maxConcPct}
}

func (l *PortfolioLayer) Name() string { return "portfolio" }

func (l *PortfolioLayer) SetLimits(maxExposure, maxConcPct float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxExposure = maxExposure
	l.maxConcPct = maxConcPct
}

func (l *PortfolioLayer) Assess(req *models.TradeRequest, ctx *Context) *models.RiskAssessment {
	l.mu.RLock()
	maxExposure, maxConcPct := l.maxExposure, l.maxConcPct
	l.mu.RUnlock()

	price := ctx.ReferencePrice(req)
	value := req.Notional(price)
	existing := ctx.TotalExposure()

	factors := map[string]float64{
		"total_exposure_ratio": (existing + value) / maxExposure,
	}

	if existing+value > maxExposure {
		return &models.RiskAssessment{
			Decision:  models.DecisionRejected,
			RiskLevel: models.RiskHigh,
			Reason: fmt.Sprintf("portfolio: total exposure %.2f would exceed limit %.2f",
				existing+value, maxExposure),
			RiskScore: 0.9,
			Factors:   factors,
		}
	}

	symbolValue := value
	if pos, ok := ctx.OpenPositions[req.Symbol]; ok {
		symbolValue += pos.MarketValue()
	}
	if ctx.AccountValue > 0 {
		conc := symbolValue / ctx.AccountValue
		factors["symbol_concentration"] = conc
		if conc > maxConcPct {
			return &models.RiskAssessment{
				Decision:  models.DecisionRejected,
				RiskLevel: models.RiskHigh,
				Reason: fmt.Sprintf("portfolio: %s concentration %.1f%% would exceed limit %.1f%%",
					req.Symbol, conc*100, maxConcPct*100),
				RiskScore: 0.85,
				Factors:   factors,
			}
		}
	}

	return &models.RiskAssessment{
		Decision:  models.DecisionApproved,
		RiskLevel: models.RiskLow,
		Reason:    "portfolio limits respected",
		RiskScore: factors["total_exposure_ratio"] * 0.5,
		Factors:   factors,
	}
}

// DrawdownLayer blocks new risk while the account is past its drawdown
// limit or past the daily realized-loss limit.
type DrawdownLayer struct {
	mu             sync.RWMutex
	maxDrawdown    float64
	dailyLossLimit float64
}

func NewDrawdownLayer(maxDrawdown, dailyLossLimit float64) *DrawdownLayer {
	return &DrawdownLayer{maxDrawdown: maxDrawdown, dailyLossLimit: dailyLossLimit}
}

func (l *DrawdownLayer) Name() string { return "drawdown" }

func (l *DrawdownLayer) SetLimits(maxDrawdown, dailyLossLimit float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxDrawdown = maxDrawdown
	l.dailyLossLimit = dailyLossLimit
}

func (l *DrawdownLayer) Assess(req *models.TradeRequest, ctx *Context) *models.RiskAssessment {
	l.mu.RLock()
	maxDrawdown, dailyLossLimit := l.maxDrawdown, l.dailyLossLimit
	l.mu.RUnlock()

	factors := map[string]float64{}

	if ctx.PeakAccountValue > 0 {
		drawdown := (ctx.PeakAccountValue - ctx.AccountValue) / ctx.PeakAccountValue
		factors["drawdown"] = drawdown
		if drawdown > maxDrawdown {
			return &models.RiskAssessment{
				Decision:  models.DecisionRejected,
				RiskLevel: models.RiskCritical,
				Reason: fmt.Sprintf("drawdown: current drawdown %.1f%% exceeds limit %.1f%%",
					drawdown*100, maxDrawdown*100),
				RiskScore: 1.0,
				Factors:   factors,
			}
		}
	}

	if ctx.DailyPnL < 0 && ctx.AccountValue > 0 {
		lossFrac := -ctx.DailyPnL / ctx.AccountValue
		factors["daily_loss"] = lossFrac
		if lossFrac > dailyLossLimit {
			return &models.RiskAssessment{
				Decision:  models.DecisionRejected,
				RiskLevel: models.RiskCritical,
				Reason: fmt.Sprintf("drawdown: daily loss %.1f%% exceeds limit %.1f%%",
					lossFrac*100, dailyLossLimit*100),
				RiskScore: 1.0,
				Factors:   factors,
			}
		}
	}

	score := 0.0
	if maxDrawdown > 0 {
		score = factors["drawdown"] / maxDrawdown * 0.5
	}
	return &models.RiskAssessment{
		Decision:  models.DecisionApproved,
		RiskLevel: models.RiskLow,
		Reason:    "drawdown within limits",
		RiskScore: score,
		Factors:   factors,
	}
}

// VolatilityLayer shrinks quantity proportionally to how far volatility
// sits above the ceiling, capped at maxShrink of the original size.
type VolatilityLayer struct {
	mu        sync.RWMutex
	ceiling   float64
	maxShrink float64
}

func NewVolatilityLayer(ceiling, maxShrink float64) *VolatilityLayer {
	return &VolatilityLayer{ceiling: ceiling, maxShrink: maxShrink}
}

func (l *VolatilityLayer) Name() string { return "volatility" }

func (l *VolatilityLayer) SetLimits(ceiling, maxShrink float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ceiling = ceiling
	l.maxShrink = maxShrink
}

func (l *VolatilityLayer) Assess(req *models.TradeRequest, ctx *Context) *models.RiskAssessment {
	l.mu.RLock()
	ceiling, maxShrink := l.ceiling, l.maxShrink
	l.mu.RUnlock()

	vol := ctx.SymbolVolatility
	if vol == 0 {
		vol = ctx.MarketVolatility
	}
	factors := map[string]float64{"volatility": vol}

	if ceiling <= 0 || vol <= ceiling {
		score := 0.0
		if ceiling > 0 {
			score = vol / ceiling * 0.4
		}
		return &models.RiskAssessment{
			Decision:  models.DecisionApproved,
			RiskLevel: models.RiskLow,
			Reason:    "volatility within ceiling",
			RiskScore: score,
			Factors:   factors,
		}
	}

	over := vol/ceiling - 1
	shrink := over
	if shrink > maxShrink {
		shrink = maxShrink
	}
	newQty := int(math.Floor(float64(req.Quantity) * (1 - shrink)))
	if newQty <= 0 {
		return &models.RiskAssessment{
			Decision:  models.DecisionRejected,
			RiskLevel: models.RiskHigh,
			Reason: fmt.Sprintf("volatility: %s volatility %.2f too far above ceiling %.2f for any position",
				req.Symbol, vol, ceiling),
			RiskScore: 0.95,
			Factors:   factors,
		}
	}
	if newQty == req.Quantity {
		return &models.RiskAssessment{
			Decision:  models.DecisionApproved,
			RiskLevel: models.RiskMedium,
			Reason:    "volatility elevated but shrink rounds to no change",
			RiskScore: 0.5,
			Factors:   factors,
		}
	}
	return &models.RiskAssessment{
		Decision:  models.DecisionModified,
		RiskLevel: models.RiskHigh,
		Reason: fmt.Sprintf("volatility: quantity reduced %d -> %d (volatility %.2f over ceiling %.2f)",
			req.Quantity, newQty, vol, ceiling),
		Modified:  req.WithQuantity(newQty),
		RiskScore: 0.7,
		Factors:   factors,
	}
}
