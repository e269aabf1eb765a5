package controller

import (
	"sync"
	"time"

	"github.com/quantrail/sentinel/models"
)

// Table is the controller-owned position table. Entries are aggregated
// per symbol: adds average the entry price, reductions realize P&L
// against it. Only the controller writes here, and only after a
// successful execution.
type Table struct {
	mu        sync.Mutex
	positions map[string]*models.Position
	now       func() time.Time
}

// NewTable creates an empty position table
func NewTable() *Table {
	return &Table{
		positions: make(map[string]*models.Position),
		now:       time.Now,
	}
}

func sign(q int) int {
	if q < 0 {
		return -1
	}
	return 1
}

func abs(q int) int {
	if q < 0 {
		return -q
	}
	return q
}

// Apply folds one fill into the table and returns the realized P&L of
// any closing portion (0 for a pure open/add).
func (t *Table) Apply(res *models.ExecutionResult, stopLoss, takeProfit float64) float64 {
	delta := res.ExecutedQuantity
	if res.Action == models.ActionSell {
		delta = -delta
	}
	if delta == 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[res.Symbol]
	if !ok || p.Quantity == 0 {
		if !ok {
			p = &models.Position{Symbol: res.Symbol}
			t.positions[res.Symbol] = p
		}
		p.Quantity = delta
		p.EntryPrice = res.ExecutedPrice
		p.CurrentPrice = res.ExecutedPrice
		p.EntryTime = t.now()
		p.StopLoss = stopLoss
		p.TakeProfit = takeProfit
		p.UnrealizedPnL = 0
		return 0
	}

	if sign(p.Quantity) == sign(delta) {
		// same direction: weighted-average the entry
		oldAbs, addAbs := abs(p.Quantity), abs(delta)
		p.EntryPrice = (float64(oldAbs)*p.EntryPrice + float64(addAbs)*res.ExecutedPrice) /
			float64(oldAbs+addAbs)
		p.Quantity += delta
		p.CurrentPrice = res.ExecutedPrice
		t.revalueLocked(p)
		return 0
	}

	// opposite direction: close up to the open quantity, realize P&L
	closed := abs(delta)
	if closed > abs(p.Quantity) {
		closed = abs(p.Quantity)
	}
	realized := float64(closed) * (res.ExecutedPrice - p.EntryPrice) * float64(sign(p.Quantity))
	p.RealizedPnL += realized

	remaining := p.Quantity + delta
	if sign(remaining) != sign(p.Quantity) && remaining != 0 {
		// crossed through zero: the remainder opens a fresh position
		p.EntryPrice = res.ExecutedPrice
		p.EntryTime = t.now()
		p.StopLoss = stopLoss
		p.TakeProfit = takeProfit
	}
	p.Quantity = remaining
	p.CurrentPrice = res.ExecutedPrice
	t.revalueLocked(p)
	return realized
}

// UpdatePrices refreshes current prices and unrealized P&L
func (t *Table) UpdatePrices(prices map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sym, price := range prices {
		if p, ok := t.positions[sym]; ok {
			p.CurrentPrice = price
			t.revalueLocked(p)
		}
	}
}

func (t *Table) revalueLocked(p *models.Position) {
	p.UnrealizedPnL = float64(p.Quantity) * (p.CurrentPrice - p.EntryPrice)
}

// Get returns a copy of the position for a symbol, or nil
func (t *Table) Get(symbol string) *models.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

// Open returns copies of every nonzero position
func (t *Table) Open() []*models.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		if p.Quantity != 0 {
			c := *p
			out = append(out, &c)
		}
	}
	return out
}

// Exposure returns a symbol->position view for risk context. Copies, so
// layers can never mutate the table.
func (t *Table) Exposure() map[string]*models.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*models.Position, len(t.positions))
	for sym, p := range t.positions {
		if p.Quantity != 0 {
			c := *p
			out[sym] = &c
		}
	}
	return out
}

// RealizedPnL sums realized P&L across all entries
func (t *Table) RealizedPnL() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, p := range t.positions {
		total += p.RealizedPnL
	}
	return total
}
