package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/sentinel/config"
	"github.com/quantrail/sentinel/internal/audit"
	"github.com/quantrail/sentinel/internal/breaker"
	"github.com/quantrail/sentinel/internal/marketdata"
	"github.com/quantrail/sentinel/internal/quality"
	"github.com/quantrail/sentinel/internal/risk"
	"github.com/quantrail/sentinel/models"
)

const defaultTimeframe = "1m"

// Pipeline gate labels, used for rejection metrics and audit payloads
const (
	gateValidation = "validation"
	gateMode       = "mode"
	gateBreakers   = "circuit_breakers"
	gateMarketData = "market_data"
	gateQuality    = "data_quality"
	gateRisk       = "risk"
	gateExecution  = "execution"
)

// Deps are the collaborators the controller orchestrates. Executor may
// be nil, in which case a paper executor built from the config is used.
// Alerter may be nil to disable operator notifications.
type Deps struct {
	Aggregator *marketdata.Aggregator
	Validator  *quality.Validator
	Engine     *risk.Engine
	Breakers   *breaker.System
	Audit      *audit.Logger
	Executor   models.Executor
	Alerter    models.Alerter
}

// Controller runs every trade decision through the fail-fast gate
// pipeline and owns the trading-mode state machine, the position table
// and the account P&L counters. Mode transitions are operator-driven
// only; nothing promotes a mode automatically.
type Controller struct {
	cfg        config.ControllerConfig
	maxSources int

	aggregator *marketdata.Aggregator
	validator  *quality.Validator
	engine     *risk.Engine
	breakers   *breaker.System
	audit      *audit.Logger
	executor   models.Executor
	alerter    models.Alerter

	mu           sync.Mutex
	mode         models.TradingMode
	accountValue float64
	peakValue    float64
	dailyPnL     float64
	day          time.Time
	symbolLocks  map[string]*sync.Mutex

	positions *Table
	logger    zerolog.Logger
	now       func() time.Time
}

// ParseMode converts a config string into a trading mode
func ParseMode(s string) (models.TradingMode, error) {
	switch m := models.TradingMode(s); m {
	case models.ModePaper, models.ModeLiveMinimal, models.ModeLiveNormal,
		models.ModeLiveAggressive, models.ModeEmergencyOnly, models.ModeHalted:
		return m, nil
	default:
		return "", fmt.Errorf("unknown trading mode %q", s)
	}
}

// New wires a controller from its collaborators
func New(cfg config.ControllerConfig, maxSources int, deps Deps) (*Controller, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if deps.Aggregator == nil || deps.Validator == nil || deps.Engine == nil ||
		deps.Breakers == nil || deps.Audit == nil {
		return nil, fmt.Errorf("controller requires aggregator, validator, engine, breakers and audit")
	}
	executor := deps.Executor
	if executor == nil {
		executor = NewPaperExecutor(cfg.SlippageBps, cfg.FeeBps)
	}

	c := &Controller{
		cfg:          cfg,
		maxSources:   maxSources,
		aggregator:   deps.Aggregator,
		validator:    deps.Validator,
		engine:       deps.Engine,
		breakers:     deps.Breakers,
		audit:        deps.Audit,
		executor:     executor,
		alerter:      deps.Alerter,
		mode:         mode,
		accountValue: cfg.AccountValue,
		peakValue:    cfg.AccountValue,
		symbolLocks:  make(map[string]*sync.Mutex),
		positions:    NewTable(),
		logger:       log.With().Str("component", "trading_controller").Logger(),
		now:          time.Now,
	}
	c.day = c.now().UTC().Truncate(24 * time.Hour)

	// breaker transitions flow into the audit trail and to the operator
	deps.Breakers.OnEvent(func(ev models.BreakerEvent) {
		c.audit.Record(audit.BreakerTransitionEvent(ev))
		if ev.To.Halting() {
			c.notify(context.Background(), "critical",
				fmt.Sprintf("circuit breaker %s tripped: %s", ev.Type, ev.Reason))
		}
	})
	return c, nil
}

// Mode returns the current trading mode
func (c *Controller) Mode() models.TradingMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode performs an explicit operator-driven mode transition
func (c *Controller) SetMode(ctx context.Context, mode models.TradingMode, operator string) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.mode
	c.mode = mode
	c.mu.Unlock()
	if prev == mode {
		return nil
	}

	c.logger.Info().Str("from", string(prev)).Str("to", string(mode)).
		Str("operator", operator).Msg("trading mode changed")
	c.audit.Record(audit.SystemEvent("trading mode changed", map[string]any{
		"from": prev, "to": mode, "operator": operator,
	}))
	c.notify(ctx, "warning", fmt.Sprintf("trading mode changed %s -> %s by %s", prev, mode, operator))
	return nil
}

// ExecuteDecision runs one trade request through the gate pipeline.
// Every rejection is returned as a Rejected result with the gate's
// reason; errors never propagate as Go errors past this boundary.
func (c *Controller) ExecuteDecision(ctx context.Context, agentID string, req *models.TradeRequest) *models.ExecutionResult {
	start := c.now()
	fault := false
	defer func() {
		metricPipelineLatency.Observe(c.now().Sub(start).Seconds())
		c.breakers.RecordRequest(fault)
	}()

	c.rollover()
	if req == nil {
		metricDecisions.WithLabelValues("rejected").Inc()
		metricGateRejections.WithLabelValues(gateValidation).Inc()
		return &models.ExecutionResult{
			Status:       models.ExecStatusRejected,
			ErrorMessage: "invalid trade request: nil",
			ExecutedAt:   c.now(),
		}
	}
	c.audit.Record(audit.DecisionEvent(agentID, req))

	if reason := validateRequest(req); reason != "" {
		return c.reject(agentID, req, gateValidation, reason)
	}

	// mode gate runs before the breaker gate so an operator halt answers
	// with its own message rather than a breaker composition
	switch mode := c.Mode(); {
	case mode == models.ModeHalted:
		return c.reject(agentID, req, gateMode, "Trading is halted")
	case mode == models.ModeEmergencyOnly:
		return c.reject(agentID, req, gateMode, "Trading is restricted to emergency operations")
	}

	if halt, reason := c.breakers.ShouldHalt(); halt {
		return c.reject(agentID, req, gateBreakers, "trading halted by circuit breaker: "+reason)
	}

	consensus, err := c.aggregator.GetConsensus(ctx, req.Symbol, defaultTimeframe, c.maxSources)
	if err != nil {
		fault = true
		c.audit.Record(audit.ErrorEvent(gateMarketData, err))
		return c.reject(agentID, req, gateMarketData, fmt.Sprintf("market data unavailable: %v", err))
	}

	report := c.validator.Validate(consensus.Point())
	c.audit.Record(audit.QualityEvent(req.Symbol, report))
	if report.Recommendation == models.RecommendReject || report.Score < c.cfg.MinQuality {
		return c.reject(agentID, req, gateQuality,
			fmt.Sprintf("market data quality insufficient (score %.2f)", report.Score))
	}

	// feed the realized-volatility estimate to the breaker system; a trip
	// here blocks the next decision, not this one, per the gate ordering
	symVol := c.validator.Volatility(req.Symbol)
	c.breakers.CheckVolatility(symVol)

	riskCtx := c.riskContext(consensus.Close, symVol)
	assessment := c.engine.Assess(req, riskCtx)
	c.audit.Record(audit.RiskEvent(agentID, req, assessment))
	if assessment.Decision == models.DecisionRejected {
		return c.reject(agentID, req, gateRisk, assessment.Reason)
	}

	final := assessment.Final(req)

	// execute-to-position-update runs under the symbol's lock so two
	// decisions for one symbol cannot interleave their table updates
	lock := c.symbolLock(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	res, err := c.executor.Execute(ctx, final, consensus.Close)
	if err != nil {
		fault = true
		c.audit.Record(audit.ErrorEvent(gateExecution, err))
		res = &models.ExecutionResult{
			DecisionID:        req.ID,
			Symbol:            req.Symbol,
			Action:            req.Action,
			RequestedQuantity: final.Quantity,
			Status:            models.ExecStatusError,
			ErrorMessage:      err.Error(),
			ExecutedAt:        c.now(),
		}
		c.audit.Record(audit.ExecutionEvent(agentID, res))
		metricDecisions.WithLabelValues("error").Inc()
		return res
	}

	realized := c.positions.Apply(res, final.StopLoss, final.TakeProfit)
	c.settle(realized, res.Fees)
	if realized != 0 {
		c.breakers.RecordTradeResult(realized)
	}

	c.audit.Record(audit.ExecutionEvent(agentID, res))
	metricDecisions.WithLabelValues("executed").Inc()
	metricOpenPositions.Set(float64(len(c.positions.Open())))

	c.logger.Info().
		Str("agent", agentID).
		Str("symbol", req.Symbol).
		Str("action", string(req.Action)).
		Int("requested", req.Quantity).
		Int("executed", res.ExecutedQuantity).
		Float64("price", res.ExecutedPrice).
		Msg("decision executed")
	return res
}

// EmergencyHalt forces Halted mode and sets the breaker system's
// manual flag. Takes effect for every subsequent gate check; a pipeline
// already past its breaker gate completes normally.
func (c *Controller) EmergencyHalt(ctx context.Context, reason string) {
	c.mu.Lock()
	c.mode = models.ModeHalted
	c.mu.Unlock()

	c.breakers.TriggerEmergencyHalt(reason)
	c.logger.Error().Str("reason", reason).Msg("EMERGENCY HALT")
	c.audit.Record(audit.EmergencyEvent(reason, map[string]any{"action": "halt"}))
	c.notify(ctx, "critical", "EMERGENCY HALT: "+reason)
}

// Resume clears the emergency flag and restores an operator-chosen mode
func (c *Controller) Resume(ctx context.Context, mode models.TradingMode, operator string) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	c.breakers.ResetEmergencyHalt()
	c.audit.Record(audit.SystemEvent("emergency halt cleared", map[string]any{
		"operator": operator,
	}))
	return c.SetMode(ctx, mode, operator)
}

// EmergencyCloseAll flattens every nonzero position at its current
// price, bypassing the gate pipeline. Each closure is audited
// individually.
func (c *Controller) EmergencyCloseAll(ctx context.Context, reason string) []*models.ExecutionResult {
	c.audit.Record(audit.EmergencyEvent(reason, map[string]any{"action": "close_all"}))

	var results []*models.ExecutionResult
	for _, p := range c.positions.Open() {
		action := models.ActionSell
		if p.Quantity < 0 {
			action = models.ActionBuy
		}
		req := &models.TradeRequest{
			ID:        fmt.Sprintf("close-%s-%d", p.Symbol, c.now().UnixNano()),
			Symbol:    p.Symbol,
			Action:    action,
			Quantity:  abs(p.Quantity),
			AgentID:   "emergency",
			Reasoning: reason,
			CreatedAt: c.now(),
		}

		lock := c.symbolLock(p.Symbol)
		lock.Lock()
		res, err := c.executor.Execute(ctx, req, p.CurrentPrice)
		if err != nil {
			lock.Unlock()
			c.audit.Record(audit.ErrorEvent("emergency_close", err))
			c.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("emergency close failed")
			continue
		}
		realized := c.positions.Apply(res, 0, 0)
		lock.Unlock()

		c.settle(realized, res.Fees)
		if realized != 0 {
			c.breakers.RecordTradeResult(realized)
		}
		c.audit.Record(audit.ExecutionEvent("emergency", res))
		results = append(results, res)
	}
	metricOpenPositions.Set(float64(len(c.positions.Open())))
	return results
}

// Status is the operator-facing snapshot of the whole safety core
type Status struct {
	Mode            models.TradingMode        `json:"mode"`
	EmergencyHalted bool                      `json:"emergency_halted"`
	AccountValue    float64                   `json:"account_value"`
	PeakValue       float64                   `json:"peak_account_value"`
	DailyPnL        float64                   `json:"daily_pnl"`
	Positions       []*models.Position        `json:"positions"`
	Breakers        []breaker.Snapshot        `json:"breakers"`
	RiskStats       risk.Stats                `json:"risk_stats"`
	Sources         []marketdata.SourceHealth `json:"sources"`
}

// Status returns a point-in-time snapshot for the control surface
func (c *Controller) Status() Status {
	c.mu.Lock()
	mode, account, peak, daily := c.mode, c.accountValue, c.peakValue, c.dailyPnL
	c.mu.Unlock()
	return Status{
		Mode:            mode,
		EmergencyHalted: c.breakers.EmergencyHalted(),
		AccountValue:    account,
		PeakValue:       peak,
		DailyPnL:        daily,
		Positions:       c.positions.Open(),
		Breakers:        c.breakers.Snapshots(),
		RiskStats:       c.engine.Stats(),
		Sources:         c.aggregator.Registry().Health(),
	}
}

// Positions exposes the table for price feeds and tests
func (c *Controller) Positions() *Table {
	return c.positions
}

// UpdatePrices refreshes position marks from a price feed
func (c *Controller) UpdatePrices(prices map[string]float64) {
	c.positions.UpdatePrices(prices)
}

func (c *Controller) riskContext(price, symbolVol float64) *risk.Context {
	c.mu.Lock()
	account, peak, daily := c.accountValue, c.peakValue, c.dailyPnL
	c.mu.Unlock()
	return &risk.Context{
		AccountValue:     account,
		PeakAccountValue: peak,
		DailyPnL:         daily,
		Price:            price,
		OpenPositions:    c.positions.Exposure(),
		SymbolVolatility: symbolVol,
		MarketVolatility: c.validator.MarketVolatility(),
	}
}

// settle folds a closed trade's realized P&L and fees into the account
func (c *Controller) settle(realized, fees float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountValue += realized - fees
	c.dailyPnL += realized - fees
	if c.accountValue > c.peakValue {
		c.peakValue = c.accountValue
	}
}

// rollover resets daily counters on a UTC day change
func (c *Controller) rollover() {
	c.mu.Lock()
	day := c.now().UTC().Truncate(24 * time.Hour)
	changed := !day.Equal(c.day)
	if changed {
		c.day = day
		c.dailyPnL = 0
	}
	c.mu.Unlock()
	if changed {
		c.breakers.ResetDaily()
		c.logger.Info().Msg("daily counters reset")
	}
}

func (c *Controller) symbolLock(symbol string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		c.symbolLocks[symbol] = lock
	}
	return lock
}

func (c *Controller) reject(agentID string, req *models.TradeRequest, gate, reason string) *models.ExecutionResult {
	res := &models.ExecutionResult{
		DecisionID:        req.ID,
		Symbol:            req.Symbol,
		Action:            req.Action,
		RequestedQuantity: req.Quantity,
		Status:            models.ExecStatusRejected,
		ErrorMessage:      reason,
		ExecutedAt:        c.now(),
	}
	c.audit.Record(audit.ExecutionEvent(agentID, res))
	metricDecisions.WithLabelValues("rejected").Inc()
	metricGateRejections.WithLabelValues(gate).Inc()
	c.logger.Warn().
		Str("agent", agentID).
		Str("symbol", req.Symbol).
		Str("gate", gate).
		Str("reason", reason).
		Msg("decision rejected")
	return res
}

func (c *Controller) notify(ctx context.Context, severity, message string) {
	if c.alerter == nil {
		return
	}
	if err := c.alerter.Send(ctx, severity, message); err != nil {
		c.logger.Warn().Err(err).Msg("alert delivery failed")
	}
}

func validateRequest(req *models.TradeRequest) string {
	switch {
	case req.Symbol == "":
		return "invalid trade request: missing symbol"
	case req.Action != models.ActionBuy && req.Action != models.ActionSell:
		return fmt.Sprintf("invalid trade request: unknown action %q", req.Action)
	case req.Quantity <= 0:
		return fmt.Sprintf("invalid trade request: quantity must be positive, got %d", req.Quantity)
	case req.Confidence < 0 || req.Confidence > 1:
		return fmt.Sprintf("invalid trade request: confidence out of range, got %v", req.Confidence)
	}
	return ""
}
