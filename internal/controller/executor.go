package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/sentinel/models"
)

// PaperExecutor fills every order synchronously against the reference
// price with a fixed adverse-slippage and fee model. It never partially
// fills and never talks to a venue.
type PaperExecutor struct {
	slippageBps float64
	feeBps      float64
	logger      zerolog.Logger
	now         func() time.Time
}

// NewPaperExecutor creates a simulated fill engine
func NewPaperExecutor(slippageBps, feeBps float64) *PaperExecutor {
	return &PaperExecutor{
		slippageBps: slippageBps,
		feeBps:      feeBps,
		logger:      log.With().Str("component", "paper_executor").Logger(),
		now:         time.Now,
	}
}

// Execute implements models.Executor
func (e *PaperExecutor) Execute(ctx context.Context, req *models.TradeRequest, price float64) (*models.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// slippage always moves against the order
	slip := price * e.slippageBps / 10000
	executed := price + slip
	if req.Action == models.ActionSell {
		executed = price - slip
	}
	fees := float64(req.Quantity) * executed * e.feeBps / 10000

	e.logger.Debug().
		Str("symbol", req.Symbol).
		Str("action", string(req.Action)).
		Int("quantity", req.Quantity).
		Float64("price", executed).
		Msg("simulated fill")

	return &models.ExecutionResult{
		DecisionID:        req.ID,
		Symbol:            req.Symbol,
		Action:            req.Action,
		RequestedQuantity: req.Quantity,
		ExecutedQuantity:  req.Quantity,
		RequestedPrice:    price,
		ExecutedPrice:     executed,
		Status:            models.ExecStatusExecuted,
		Fees:              fees,
		Slippage:          slip,
		Metadata:          map[string]any{"simulated": true},
		ExecutedAt:        e.now(),
	}, nil
}
