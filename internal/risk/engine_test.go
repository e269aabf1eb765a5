package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/sentinel/config"
	"github.com/quantrail/sentinel/models"
)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionValue:    100000,
		MaxPositionPct:      0.10,
		MaxTotalExposure:    500000,
		MaxSymbolConcPct:    0.20,
		MaxDrawdown:         0.15,
		DailyLossLimit:      0.03,
		VolatilityCeiling:   0.60,
		MaxVolatilityShrink: 0.80,
	}
}

func testContext() *Context {
	return &Context{
		AccountValue:     1000000,
		PeakAccountValue: 1000000,
		Price:            105,
		OpenPositions:    map[string]*models.Position{},
	}
}

func buyRequest(qty int) *models.TradeRequest {
	return &models.TradeRequest{
		ID:         "req-1",
		Symbol:     "AAPL",
		Action:     models.ActionBuy,
		Quantity:   qty,
		AgentID:    "agent-1",
		Confidence: 0.8,
		CreatedAt:  time.Now(),
	}
}

func TestPositionSizeShrink(t *testing.T) {
	// $1M account, $100k cap, buy 1000 @ $105 must shrink to floor(100000/105)=952
	engine := NewEngine(DefaultLayers(testConfig())...)
	a := engine.Assess(buyRequest(1000), testContext())

	require.Equal(t, models.DecisionModified, a.Decision)
	require.NotNil(t, a.Modified)
	assert.Equal(t, 952, a.Modified.Quantity)
	assert.LessOrEqual(t, float64(a.Modified.Quantity)*105, 100000.0)
}

func TestPositionSizeCapProperty(t *testing.T) {
	engine := NewEngine(DefaultLayers(testConfig())...)
	ctx := testContext()

	for _, qty := range []int{1, 10, 952, 953, 1000, 5000, 100000} {
		a := engine.Assess(buyRequest(qty), ctx)
		switch a.Decision {
		case models.DecisionApproved:
			assert.LessOrEqual(t, float64(qty)*ctx.Price, 100000.0)
		case models.DecisionModified:
			require.NotNil(t, a.Modified)
			assert.LessOrEqual(t, float64(a.Modified.Quantity)*ctx.Price, 100000.0)
			assert.LessOrEqual(t, a.Modified.Quantity, qty)
		case models.DecisionRejected:
			assert.Nil(t, a.Modified, "rejection must never carry a modified request")
		}
	}
}

func TestPositionSizeRejectsWhenShrinkHitsZero(t *testing.T) {
	layer := NewPositionSizeLayer(100000, 0.10)
	ctx := testContext()
	ctx.Price = 250000 // single unit already over the cap

	a := layer.Assess(buyRequest(1), ctx)
	assert.Equal(t, models.DecisionRejected, a.Decision)
	assert.Nil(t, a.Modified)
}

func TestPortfolioExposureReject(t *testing.T) {
	engine := NewEngine(DefaultLayers(testConfig())...)
	ctx := testContext()
	ctx.OpenPositions["MSFT"] = &models.Position{
		Symbol: "MSFT", Quantity: 1600, EntryPrice: 300, CurrentPrice: 300,
	}

	a := engine.Assess(buyRequest(500), ctx) // 480k existing + 52.5k new > 500k
	require.Equal(t, models.DecisionRejected, a.Decision)
	assert.Equal(t, "portfolio", a.Layer)
	assert.Contains(t, a.Reason, "total exposure")
}

func TestPortfolioConcentrationReject(t *testing.T) {
	layer := NewPortfolioLayer(10000000, 0.20)
	ctx := testContext()
	ctx.OpenPositions["AAPL"] = &models.Position{
		Symbol: "AAPL", Quantity: 1500, EntryPrice: 100, CurrentPrice: 105,
	}

	// existing 157.5k + new 52.5k = 210k > 20% of 1M
	a := layer.Assess(buyRequest(500), ctx)
	require.Equal(t, models.DecisionRejected, a.Decision)
	assert.Contains(t, a.Reason, "concentration")
}

func TestDrawdownReject(t *testing.T) {
	engine := NewEngine(DefaultLayers(testConfig())...)
	ctx := testContext()
	ctx.PeakAccountValue = 1000000
	ctx.AccountValue = 800000 // 20% drawdown > 15% limit

	a := engine.Assess(buyRequest(10), ctx)
	require.Equal(t, models.DecisionRejected, a.Decision)
	assert.Equal(t, "drawdown", a.Layer)
	assert.Equal(t, models.RiskCritical, a.RiskLevel)
}

func TestDailyLossReject(t *testing.T) {
	layer := NewDrawdownLayer(0.15, 0.03)
	ctx := testContext()
	ctx.DailyPnL = -40000 // 4% of account > 3% limit

	a := layer.Assess(buyRequest(10), ctx)
	require.Equal(t, models.DecisionRejected, a.Decision)
	assert.Contains(t, a.Reason, "daily loss")
}

func TestVolatilityShrink(t *testing.T) {
	layer := NewVolatilityLayer(0.60, 0.80)
	ctx := testContext()
	ctx.SymbolVolatility = 0.90 // 50% over ceiling -> 50% cut

	a := layer.Assess(buyRequest(100), ctx)
	require.Equal(t, models.DecisionModified, a.Decision)
	assert.Equal(t, 50, a.Modified.Quantity)
}

func TestVolatilityShrinkCapped(t *testing.T) {
	layer := NewVolatilityLayer(0.60, 0.80)
	ctx := testContext()
	ctx.SymbolVolatility = 3.0 // 400% over ceiling, cut capped at 80%

	a := layer.Assess(buyRequest(100), ctx)
	require.Equal(t, models.DecisionModified, a.Decision)
	assert.Equal(t, 20, a.Modified.Quantity)
}

func TestRejectionShortCircuits(t *testing.T) {
	// drawdown breach must end the chain before volatility can shrink
	engine := NewEngine(DefaultLayers(testConfig())...)
	ctx := testContext()
	ctx.AccountValue = 700000
	ctx.SymbolVolatility = 2.0

	a := engine.Assess(buyRequest(10), ctx)
	require.Equal(t, models.DecisionRejected, a.Decision)
	assert.Equal(t, "drawdown", a.Layer)
	assert.Nil(t, a.Modified)
}

func TestModifiedCandidateFlowsDownChain(t *testing.T) {
	// position_size shrinks to 952, then volatility halves the shrunk candidate
	engine := NewEngine(DefaultLayers(testConfig())...)
	ctx := testContext()
	ctx.SymbolVolatility = 0.90

	a := engine.Assess(buyRequest(1000), ctx)
	require.Equal(t, models.DecisionModified, a.Decision)
	assert.Equal(t, 476, a.Modified.Quantity)
}

type panicLayer struct{}

func (panicLayer) Name() string { return "panic_layer" }
func (panicLayer) Assess(*models.TradeRequest, *Context) *models.RiskAssessment {
	panic("boom")
}

func TestLayerFaultFailsSafe(t *testing.T) {
	engine := NewEngine(panicLayer{})
	a := engine.Assess(buyRequest(10), testContext())

	require.Equal(t, models.DecisionRejected, a.Decision)
	assert.Equal(t, models.RiskCritical, a.RiskLevel)
	assert.Contains(t, a.Reason, "fault")

	stats := engine.Stats()
	assert.Equal(t, 1, stats.Assessed, "a faulting assessment counts once")
	assert.Equal(t, 1, stats.Rejected)
}

func TestDisabledLayerSkipped(t *testing.T) {
	engine := NewEngine(DefaultLayers(testConfig())...)
	require.True(t, engine.SetLayerEnabled("position_size", false))

	a := engine.Assess(buyRequest(1000), testContext())
	assert.Equal(t, models.DecisionApproved, a.Decision)

	require.True(t, engine.SetLayerEnabled("position_size", true))
	a = engine.Assess(buyRequest(1000), testContext())
	assert.Equal(t, models.DecisionModified, a.Decision)
}

func TestStatsCounters(t *testing.T) {
	engine := NewEngine(DefaultLayers(testConfig())...)
	ctx := testContext()

	engine.Assess(buyRequest(10), ctx)   // approved
	engine.Assess(buyRequest(1000), ctx) // modified

	ctx.AccountValue = 700000
	engine.Assess(buyRequest(10), ctx) // drawdown reject

	s := engine.Stats()
	assert.Equal(t, 3, s.Assessed)
	assert.Equal(t, 1, s.Approved)
	assert.Equal(t, 1, s.Modified)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, 1, s.RejectedByLayer["drawdown"])
}
