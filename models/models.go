package models

import "time"

// TradeAction is the direction of a proposed trade
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// RiskDecision is the outcome of a risk assessment
type RiskDecision string

const (
	DecisionApproved RiskDecision = "approved"
	DecisionModified RiskDecision = "modified"
	DecisionRejected RiskDecision = "rejected"
)

// RiskLevel indicates assessed risk severity
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels so the highest severity can be propagated
func (l RiskLevel) Rank() int {
	switch l {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// MaxRiskLevel returns the higher severity of two levels
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// TradeRequest is a proposed trade produced by a decision agent.
// Immutable once created: layers that shrink a request build a copy
// via WithQuantity instead of mutating the original.
type TradeRequest struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Action     TradeAction `json:"action"`
	Quantity   int         `json:"quantity"`
	LimitPrice float64     `json:"limit_price,omitempty"` // 0 = market
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
	AgentID    string      `json:"agent_id"`
	Confidence float64     `json:"confidence"` // 0-1
	Reasoning  string      `json:"reasoning,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// WithQuantity returns a copy of the request with a reduced quantity
func (r *TradeRequest) WithQuantity(qty int) *TradeRequest {
	c := *r
	c.Quantity = qty
	return &c
}

// Notional is the request value at the given reference price
func (r *TradeRequest) Notional(price float64) float64 {
	return float64(r.Quantity) * price
}

// RiskAssessment is the result of running a request through the policy engine
type RiskAssessment struct {
	Decision  RiskDecision       `json:"decision"`
	RiskLevel RiskLevel          `json:"risk_level"`
	Reason    string             `json:"reason"`
	Modified  *TradeRequest      `json:"modified_request,omitempty"` // present iff Decision == modified
	RiskScore float64            `json:"risk_score"`
	Factors   map[string]float64 `json:"risk_factors,omitempty"`
	Layer     string             `json:"layer,omitempty"` // layer that decided, for rejections
}

// Final returns the request that should be executed: the modified one if
// present, otherwise the original
func (a *RiskAssessment) Final(original *TradeRequest) *TradeRequest {
	if a.Modified != nil {
		return a.Modified
	}
	return original
}

// Position is an open position owned by the controller's position table
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      int       `json:"quantity"` // signed: positive=long, negative=short
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	EntryTime     time.Time `json:"entry_time"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
}

// MarketValue is the absolute notional of the position at its current price
func (p *Position) MarketValue() float64 {
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	return float64(qty) * p.CurrentPrice
}

// MarketDataPoint is a single timestamped OHLCV observation from one source
type MarketDataPoint struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// ConsensusData is a market-data point synthesized from multiple sources
type ConsensusData struct {
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	Timestamp  time.Time `json:"timestamp"` // latest contributing timestamp, never averaged
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	Quality    float64   `json:"quality_score"`
	Sources    int       `json:"source_count"`
	Confidence float64   `json:"consensus_confidence"` // 0-1
	SourceIDs  []string  `json:"sources"`
}

// Point converts consensus output to a plain data point for validation
func (c *ConsensusData) Point() *MarketDataPoint {
	return &MarketDataPoint{
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		Source:    "consensus",
		Timestamp: c.Timestamp,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	}
}

// IssueSeverity grades a data-quality issue
type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "low"
	SeverityMedium   IssueSeverity = "medium"
	SeverityHigh     IssueSeverity = "high"
	SeverityCritical IssueSeverity = "critical"
)

// Recommendation is the validator's verdict for a data point
type Recommendation string

const (
	RecommendAccept  Recommendation = "accept"
	RecommendCaution Recommendation = "caution"
	RecommendReject  Recommendation = "reject"
)

// QualityIssue describes one problem found in a market-data point
type QualityIssue struct {
	Type     string        `json:"type"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
	Expected string        `json:"expected,omitempty"`
	Actual   string        `json:"actual,omitempty"`
}

// QualityReport is the validator output for a single data point
type QualityReport struct {
	Symbol         string         `json:"symbol"`
	Timestamp      time.Time      `json:"timestamp"`
	Score          float64        `json:"overall_score"` // 0-1
	Issues         []QualityIssue `json:"issues,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
}

// HasCritical reports whether any issue is critical severity
func (q *QualityReport) HasCritical() bool {
	for _, i := range q.Issues {
		if i.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// BreakerStatus is the state of one circuit breaker
type BreakerStatus string

const (
	BreakerNormal      BreakerStatus = "normal"
	BreakerWarning     BreakerStatus = "warning"
	BreakerTriggered   BreakerStatus = "triggered"
	BreakerCoolingDown BreakerStatus = "cooling_down"
)

// Halting reports whether the status blocks trading
func (s BreakerStatus) Halting() bool {
	return s == BreakerTriggered || s == BreakerCoolingDown
}

// BreakerType identifies a breaker condition
type BreakerType string

const (
	BreakerDailyLoss       BreakerType = "daily_loss"
	BreakerConsecutiveLoss BreakerType = "consecutive_loss"
	BreakerVolatility      BreakerType = "volatility"
	BreakerSystemError     BreakerType = "system_error"
)

// BreakerEvent records one breaker state transition
type BreakerEvent struct {
	Type      BreakerType   `json:"breaker_type"`
	From      BreakerStatus `json:"from"`
	To        BreakerStatus `json:"to"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

// TradingMode is the controller's operating mode
type TradingMode string

const (
	ModePaper          TradingMode = "paper"
	ModeLiveMinimal    TradingMode = "live_minimal"
	ModeLiveNormal     TradingMode = "live_normal"
	ModeLiveAggressive TradingMode = "live_aggressive"
	ModeEmergencyOnly  TradingMode = "emergency_only"
	ModeHalted         TradingMode = "halted"
)

// AllowsTrading reports whether new positions may be opened in this mode
func (m TradingMode) AllowsTrading() bool {
	return m != ModeHalted && m != ModeEmergencyOnly
}

// ExecutionStatus is the terminal state of an execution attempt
type ExecutionStatus string

const (
	ExecStatusExecuted  ExecutionStatus = "executed"
	ExecStatusPartial   ExecutionStatus = "partial"
	ExecStatusRejected  ExecutionStatus = "rejected"
	ExecStatusCancelled ExecutionStatus = "cancelled"
	ExecStatusError     ExecutionStatus = "error"
)

// ExecutionResult is the outcome of one decision, executed or not
type ExecutionResult struct {
	DecisionID        string          `json:"decision_id"`
	Symbol            string          `json:"symbol"`
	Action            TradeAction     `json:"action"`
	RequestedQuantity int             `json:"requested_quantity"`
	ExecutedQuantity  int             `json:"executed_quantity"`
	RequestedPrice    float64         `json:"requested_price"`
	ExecutedPrice     float64         `json:"executed_price"`
	Status            ExecutionStatus `json:"status"`
	Fees              float64         `json:"fees"`
	Slippage          float64         `json:"slippage"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	ExecutedAt        time.Time       `json:"executed_at"`
}

// EventType classifies an audit event
type EventType string

const (
	EventTradingDecision EventType = "trading_decision"
	EventRiskAssessment  EventType = "risk_assessment"
	EventExecution       EventType = "execution"
	EventCircuitBreaker  EventType = "circuit_breaker"
	EventDataQuality     EventType = "data_quality"
	EventSystem          EventType = "system"
	EventAgent           EventType = "agent"
	EventEmergency       EventType = "emergency"
	EventError           EventType = "error"
)

// AuditEvent is one append-only audit record
type AuditEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	AgentID   string            `json:"agent_id,omitempty"`
	Symbol    string            `json:"symbol,omitempty"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
