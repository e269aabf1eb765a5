package models

import "context"

// MarketDataSource is a pluggable per-provider fetcher
type MarketDataSource interface {
	Name() string
	Fetch(ctx context.Context, symbol, timeframe string) (*MarketDataPoint, error)
}

// Executor accepts a risk-approved request and fills it
type Executor interface {
	Execute(ctx context.Context, req *TradeRequest, price float64) (*ExecutionResult, error)
}

// Alerter delivers operator notifications for halts and breaker trips
type Alerter interface {
	Send(ctx context.Context, severity, message string) error
}
