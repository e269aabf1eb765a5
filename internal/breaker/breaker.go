package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/quantrail/sentinel/models"
)

// Config defines one breaker's thresholds and reset behavior
type Config struct {
	Type               models.BreakerType
	Threshold          float64
	WarningThreshold   float64 // 0 disables the warning band
	Cooldown           time.Duration
	Enabled            bool
	AutoReset          bool
	RequireManualReset bool
}

const historyCap = 100

// Breaker is a single condition monitor. Status moves only through Check
// (automatic) or Reset (manual or cooldown-expired automatic).
type Breaker struct {
	mu sync.Mutex

	cfg          Config
	status       models.BreakerStatus
	lastValue    float64
	triggeredAt  time.Time
	triggerValue float64
	history      []models.BreakerEvent

	now func() time.Time // injectable for tests
}

// New creates a breaker in Normal status
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:    cfg,
		status: models.BreakerNormal,
		now:    time.Now,
	}
}

// Check evaluates the current metric value against the thresholds and
// returns the resulting status plus every transition it caused, in
// order. An auto-resetting breaker whose cooldown elapsed produces the
// reset-to-Normal event and, when the value still breaches, the
// immediate re-trigger as a second event. A Triggered breaker
// re-evaluates auto-reset eligibility on every Check; there is no
// independent reset timer.
func (b *Breaker) Check(value float64) (models.BreakerStatus, []*models.BreakerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return b.status, nil
	}

	b.lastValue = value
	now := b.now()

	var events []*models.BreakerEvent
	if b.status.Halting() {
		if b.cfg.AutoReset && !b.cfg.RequireManualReset &&
			now.Sub(b.triggeredAt) >= b.cfg.Cooldown {
			if ev := b.transition(models.BreakerNormal, value, "cooldown elapsed, auto reset"); ev != nil {
				events = append(events, ev)
			}
			// fall through and re-evaluate the fresh value below
		} else {
			// cooldown running: surface CoolingDown while halting
			if b.status == models.BreakerTriggered && b.cfg.AutoReset && !b.cfg.RequireManualReset {
				if ev := b.transition(models.BreakerCoolingDown, value, "cooldown running"); ev != nil {
					events = append(events, ev)
				}
			}
			return b.status, events
		}
	}

	if ev := b.evaluate(value, now); ev != nil {
		events = append(events, ev)
	}
	return b.status, events
}

// evaluate applies thresholds to a non-halting breaker. Caller holds the lock.
func (b *Breaker) evaluate(value float64, now time.Time) *models.BreakerEvent {
	switch {
	case value >= b.cfg.Threshold:
		b.triggeredAt = now
		b.triggerValue = value
		return b.transition(models.BreakerTriggered, value,
			fmt.Sprintf("%s value %.4f breached threshold %.4f", b.cfg.Type, value, b.cfg.Threshold))
	case b.cfg.WarningThreshold > 0 && value >= b.cfg.WarningThreshold:
		if b.status != models.BreakerWarning {
			return b.transition(models.BreakerWarning, value,
				fmt.Sprintf("%s value %.4f in warning band (>= %.4f)", b.cfg.Type, value, b.cfg.WarningThreshold))
		}
	default:
		if b.status == models.BreakerWarning {
			return b.transition(models.BreakerNormal, value, "value back below warning band")
		}
	}
	return nil
}

// transition records a status change. Caller holds the lock.
func (b *Breaker) transition(to models.BreakerStatus, value float64, reason string) *models.BreakerEvent {
	if b.status == to {
		return nil
	}
	ev := models.BreakerEvent{
		Type:      b.cfg.Type,
		From:      b.status,
		To:        to,
		Value:     value,
		Threshold: b.cfg.Threshold,
		Reason:    reason,
		Timestamp: b.now(),
	}
	b.status = to
	b.history = append(b.history, ev)
	if len(b.history) > historyCap {
		b.history = b.history[len(b.history)-historyCap:]
	}
	return &ev
}

// Reset forces the breaker back to Normal regardless of cooldown
func (b *Breaker) Reset(reason string) *models.BreakerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transition(models.BreakerNormal, b.lastValue, reason)
}

// Status returns the current status
func (b *Breaker) Status() models.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Halting reports whether this breaker currently blocks trading
func (b *Breaker) Halting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Enabled && b.status.Halting()
}

// SetEnabled toggles the breaker; disabling does not clear a trigger,
// it only stops the breaker from halting trading
func (b *Breaker) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Enabled = enabled
}

// SetThresholds retunes the breaker at runtime
func (b *Breaker) SetThresholds(threshold, warning float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Threshold = threshold
	b.cfg.WarningThreshold = warning
}

// Snapshot describes the breaker for the status surface
type Snapshot struct {
	Type         models.BreakerType   `json:"type"`
	Status       models.BreakerStatus `json:"status"`
	Enabled      bool                 `json:"enabled"`
	Threshold    float64              `json:"threshold"`
	LastValue    float64              `json:"last_value"`
	TriggeredAt  time.Time            `json:"triggered_at"`
	TriggerValue float64              `json:"trigger_value,omitempty"`
}

// Snapshot returns a copy of the breaker state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Type:         b.cfg.Type,
		Status:       b.status,
		Enabled:      b.cfg.Enabled,
		Threshold:    b.cfg.Threshold,
		LastValue:    b.lastValue,
		TriggeredAt:  b.triggeredAt,
		TriggerValue: b.triggerValue,
	}
}

// History returns the recorded transitions, oldest first
func (b *Breaker) History() []models.BreakerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.BreakerEvent, len(b.history))
	copy(out, b.history)
	return out
}
