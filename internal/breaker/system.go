package breaker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/sentinel/config"
	"github.com/quantrail/sentinel/models"
)

var metricBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sentinel_breaker_state",
	Help: "0=normal, 1=warning, 2=triggered, 3=cooling_down",
}, []string{"breaker"})

func init() {
	prometheus.MustRegister(metricBreakerState)
}

func statusGauge(s models.BreakerStatus) float64 {
	switch s {
	case models.BreakerWarning:
		return 1
	case models.BreakerTriggered:
		return 2
	case models.BreakerCoolingDown:
		return 3
	default:
		return 0
	}
}

// System owns the standard condition breakers plus the manual
// emergency-halt flag. Any triggered breaker blocks trading.
type System struct {
	mu sync.Mutex

	breakers map[models.BreakerType]*Breaker

	emergencyHalt   bool
	emergencyReason string

	// trade feedback inputs
	consecutiveLosses int
	dailyPnL          float64
	accountValue      float64

	// rolling hourly error rate inputs
	windowStart   time.Time
	totalRequests int
	errorRequests int

	callbacks []func(models.BreakerEvent)
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSystem builds the four standard breakers from config
func NewSystem(cfg config.BreakerConfig, accountValue float64) *System {
	s := &System{
		breakers:     make(map[models.BreakerType]*Breaker),
		accountValue: accountValue,
		logger:       log.With().Str("component", "breaker_system").Logger(),
		now:          time.Now,
	}

	add := func(c Config) {
		s.breakers[c.Type] = New(c)
		metricBreakerState.WithLabelValues(string(c.Type)).Set(0)
	}

	add(Config{
		Type:             models.BreakerDailyLoss,
		Threshold:        cfg.DailyLossThreshold,
		WarningThreshold: cfg.DailyLossWarning,
		Cooldown:         cfg.Cooldown,
		Enabled:          true,
		AutoReset:        cfg.AutoReset,
	})
	add(Config{
		Type:               models.BreakerConsecutiveLoss,
		Threshold:          float64(cfg.ConsecutiveLosses),
		WarningThreshold:   float64(cfg.ConsecutiveLosses - 1),
		Cooldown:           cfg.Cooldown,
		Enabled:            true,
		AutoReset:          false,
		RequireManualReset: true,
	})
	add(Config{
		Type:             models.BreakerVolatility,
		Threshold:        cfg.VolatilityThreshold,
		WarningThreshold: cfg.VolatilityWarning,
		Cooldown:         cfg.Cooldown,
		Enabled:          true,
		AutoReset:        cfg.AutoReset,
	})
	add(Config{
		Type:      models.BreakerSystemError,
		Threshold: cfg.ErrorRateThreshold,
		Cooldown:  cfg.Cooldown,
		Enabled:   true,
		AutoReset: cfg.AutoReset,
	})
	return s
}

// OnEvent registers a callback invoked for every breaker transition
func (s *System) OnEvent(fn func(models.BreakerEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

func (s *System) emit(ev *models.BreakerEvent) {
	if ev == nil {
		return
	}
	metricBreakerState.WithLabelValues(string(ev.Type)).Set(statusGauge(ev.To))
	s.logger.Warn().Str("breaker", string(ev.Type)).
		Str("from", string(ev.From)).Str("to", string(ev.To)).
		Float64("value", ev.Value).Float64("threshold", ev.Threshold).
		Msg("breaker transition")

	s.mu.Lock()
	cbs := make([]func(models.BreakerEvent), len(s.callbacks))
	copy(cbs, s.callbacks)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(*ev)
	}
}

// Check runs one breaker against a metric value
func (s *System) Check(t models.BreakerType, value float64) models.BreakerStatus {
	b, ok := s.breakers[t]
	if !ok {
		return models.BreakerNormal
	}
	status, events := b.Check(value)
	for _, ev := range events {
		s.emit(ev)
	}
	return status
}

// RecordTradeResult feeds an execution outcome into the loss breakers.
// A winning trade clears the consecutive-loss streak.
func (s *System) RecordTradeResult(pnl float64) {
	s.mu.Lock()
	if pnl < 0 {
		s.consecutiveLosses++
	} else if pnl > 0 {
		s.consecutiveLosses = 0
	}
	s.dailyPnL += pnl
	losses := s.consecutiveLosses
	lossFrac := 0.0
	if s.dailyPnL < 0 && s.accountValue > 0 {
		lossFrac = -s.dailyPnL / s.accountValue
	}
	s.mu.Unlock()

	s.Check(models.BreakerConsecutiveLoss, float64(losses))
	s.Check(models.BreakerDailyLoss, lossFrac)
}

// RecordRequest feeds one pipeline request into the rolling hourly
// error-rate tracked by the system_error breaker
func (s *System) RecordRequest(isError bool) {
	s.mu.Lock()
	now := s.now()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= time.Hour {
		s.windowStart = now
		s.totalRequests = 0
		s.errorRequests = 0
	}
	s.totalRequests++
	if isError {
		s.errorRequests++
	}
	rate := 0.0
	if s.totalRequests > 0 {
		rate = float64(s.errorRequests) / float64(s.totalRequests)
	}
	s.mu.Unlock()

	s.Check(models.BreakerSystemError, rate)
}

// CheckVolatility feeds the current volatility estimate
func (s *System) CheckVolatility(vol float64) models.BreakerStatus {
	return s.Check(models.BreakerVolatility, vol)
}

// ShouldHalt reports whether trading must stop, with a composed reason
func (s *System) ShouldHalt() (bool, string) {
	s.mu.Lock()
	halted, reason := s.emergencyHalt, s.emergencyReason
	s.mu.Unlock()

	var reasons []string
	if halted {
		reasons = append(reasons, fmt.Sprintf("emergency halt: %s", reason))
	}
	for _, t := range []models.BreakerType{
		models.BreakerDailyLoss, models.BreakerConsecutiveLoss,
		models.BreakerVolatility, models.BreakerSystemError,
	} {
		b := s.breakers[t]
		if b.Halting() {
			snap := b.Snapshot()
			reasons = append(reasons, fmt.Sprintf("%s breaker %s (value %.4f, threshold %.4f)",
				t, snap.Status, snap.LastValue, snap.Threshold))
		}
	}
	if len(reasons) == 0 {
		return false, ""
	}
	return true, strings.Join(reasons, "; ")
}

// TriggerEmergencyHalt sets the manual halt flag, independent of the
// per-condition breakers
func (s *System) TriggerEmergencyHalt(reason string) {
	s.mu.Lock()
	s.emergencyHalt = true
	s.emergencyReason = reason
	s.mu.Unlock()
	s.logger.Error().Str("reason", reason).Msg("emergency halt triggered")
}

// ResetEmergencyHalt clears the manual halt flag
func (s *System) ResetEmergencyHalt() {
	s.mu.Lock()
	s.emergencyHalt = false
	s.emergencyReason = ""
	s.mu.Unlock()
	s.logger.Info().Msg("emergency halt reset")
}

// EmergencyHalted reports the manual flag state
func (s *System) EmergencyHalted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergencyHalt
}

// Reset manually resets one breaker; resetting consecutive_loss also
// clears the streak counter so the next loss starts from 1
func (s *System) Reset(t models.BreakerType) error {
	b, ok := s.breakers[t]
	if !ok {
		return fmt.Errorf("unknown breaker type %q", t)
	}
	if t == models.BreakerConsecutiveLoss {
		s.mu.Lock()
		s.consecutiveLosses = 0
		s.mu.Unlock()
	}
	s.emit(b.Reset("manual reset"))
	return nil
}

// SetEnabled toggles one breaker
func (s *System) SetEnabled(t models.BreakerType, enabled bool) error {
	b, ok := s.breakers[t]
	if !ok {
		return fmt.Errorf("unknown breaker type %q", t)
	}
	b.SetEnabled(enabled)
	return nil
}

// SetThresholds retunes one breaker
func (s *System) SetThresholds(t models.BreakerType, threshold, warning float64) error {
	b, ok := s.breakers[t]
	if !ok {
		return fmt.Errorf("unknown breaker type %q", t)
	}
	b.SetThresholds(threshold, warning)
	return nil
}

// Breaker exposes one breaker for inspection
func (s *System) Breaker(t models.BreakerType) *Breaker {
	return s.breakers[t]
}

// Snapshots returns the state of every breaker for the status surface
func (s *System) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(s.breakers))
	for _, t := range []models.BreakerType{
		models.BreakerDailyLoss, models.BreakerConsecutiveLoss,
		models.BreakerVolatility, models.BreakerSystemError,
	} {
		out = append(out, s.breakers[t].Snapshot())
	}
	return out
}

// ResetDaily clears the daily P&L accumulator at day rollover
func (s *System) ResetDaily() {
	s.mu.Lock()
	s.dailyPnL = 0
	s.mu.Unlock()
}

// DailyPnL returns the accumulated realized P&L for the current day
func (s *System) DailyPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyPnL
}
