package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantrail/sentinel/models"
)

// SourceMeta describes one provider's priority, budget and reliability
type SourceMeta struct {
	Name              string
	Type              string // exchange, aggregator, broker
	Priority          int    // lower = preferred
	RequestsPerMinute int
	Timeout           time.Duration
	Enabled           bool
	BackupOnly        bool
	Reliability       float64 // base reliability score 0-1
}

// sourceState wraps a fetcher with its limiter and health counters
type sourceState struct {
	src  models.MarketDataSource
	meta SourceMeta

	limiter *rate.Limiter

	mu            sync.Mutex
	consecErrors  int
	totalRequests int
	totalErrors   int
	lastLatency   time.Duration
	autoDisabled  bool
}

func (s *sourceState) errorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalRequests == 0 {
		return 0
	}
	return float64(s.totalErrors) / float64(s.totalRequests)
}

func (s *sourceState) recordResult(latency time.Duration, err error, disableAfter int) (autoDisabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.lastLatency = latency
	if err != nil {
		s.totalErrors++
		s.consecErrors++
		if disableAfter > 0 && s.consecErrors >= disableAfter && !s.autoDisabled {
			s.autoDisabled = true
			return true
		}
		return false
	}
	s.consecErrors = 0
	return false
}

// Registry holds the configured market-data sources and their health state.
// All rate-limit and error state is per-instance, injected via constructor.
type Registry struct {
	mu             sync.Mutex
	sources        map[string]*sourceState
	errorThreshold int
	logger         zerolog.Logger
}

// NewRegistry creates an empty source registry
func NewRegistry(errorThreshold int) *Registry {
	return &Registry{
		sources:        make(map[string]*sourceState),
		errorThreshold: errorThreshold,
		logger:         log.With().Str("component", "source_registry").Logger(),
	}
}

// Add registers a source. Burst 1 makes the limiter a minimum-interval
// gate derived from the per-minute budget.
func (r *Registry) Add(src models.MarketDataSource, meta SourceMeta) {
	if meta.RequestsPerMinute <= 0 {
		meta.RequestsPerMinute = 60
	}
	if meta.Timeout <= 0 {
		meta.Timeout = 10 * time.Second
	}
	if meta.Reliability <= 0 {
		meta.Reliability = baseReliability(meta.Type)
	}
	interval := time.Minute / time.Duration(meta.RequestsPerMinute)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[meta.Name] = &sourceState{
		src:     src,
		meta:    meta,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func baseReliability(sourceType string) float64 {
	switch sourceType {
	case "exchange":
		return 0.95
	case "broker":
		return 0.90
	case "aggregator":
		return 0.85
	default:
		return 0.80
	}
}

// selectSources returns up to max usable sources in priority order,
// skipping disabled sources and any still inside their rate interval.
// Backup-only sources are appended only when primaries fall short.
func (r *Registry) selectSources(max int) []*sourceState {
	r.mu.Lock()
	all := make([]*sourceState, 0, len(r.sources))
	for _, s := range r.sources {
		all = append(all, s)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].meta.Priority < all[j].meta.Priority
	})

	pick := func(backup bool) []*sourceState {
		var out []*sourceState
		for _, s := range all {
			s.mu.Lock()
			usable := s.meta.Enabled && !s.autoDisabled && s.meta.BackupOnly == backup
			s.mu.Unlock()
			if !usable {
				continue
			}
			if !s.limiter.Allow() {
				continue // still rate limited, skip this round
			}
			out = append(out, s)
		}
		return out
	}

	selected := pick(false)
	if len(selected) < max {
		selected = append(selected, pick(true)...)
	}
	if len(selected) > max {
		selected = selected[:max]
	}
	return selected
}

// fetch runs one source with its timeout and records health
func (r *Registry) fetch(ctx context.Context, s *sourceState, symbol, timeframe string) (*models.MarketDataPoint, time.Duration, error) {
	fctx, cancel := context.WithTimeout(ctx, s.meta.Timeout)
	defer cancel()

	start := time.Now()
	point, err := s.src.Fetch(fctx, symbol, timeframe)
	latency := time.Since(start)

	if disabled := s.recordResult(latency, err, r.errorThreshold); disabled {
		r.logger.Error().Str("source", s.meta.Name).
			Int("consecutive_errors", r.errorThreshold).
			Msg("source auto-disabled after repeated failures")
	}
	if err != nil {
		return nil, latency, err
	}
	return point, latency, nil
}

// ProbeDisabled health-checks auto-disabled sources and re-enables any
// that respond. Intended for a periodic housekeeping loop, never the
// request hot path.
func (r *Registry) ProbeDisabled(ctx context.Context, symbol, timeframe string) {
	r.mu.Lock()
	var disabled []*sourceState
	for _, s := range r.sources {
		s.mu.Lock()
		if s.autoDisabled {
			disabled = append(disabled, s)
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()

	for _, s := range disabled {
		fctx, cancel := context.WithTimeout(ctx, s.meta.Timeout)
		_, err := s.src.Fetch(fctx, symbol, timeframe)
		cancel()
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.autoDisabled = false
		s.consecErrors = 0
		s.mu.Unlock()
		r.logger.Info().Str("source", s.meta.Name).Msg("source re-enabled after successful probe")
	}
}

// StartProbing runs ProbeDisabled on the given interval until the
// context is cancelled, so auto-disabled sources come back without
// operator intervention
func (r *Registry) StartProbing(ctx context.Context, interval time.Duration, symbol, timeframe string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ProbeDisabled(ctx, symbol, timeframe)
			}
		}
	}()
}

// SetEnabled toggles a source by name
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	s, ok := r.sources[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	s.meta.Enabled = enabled
	if enabled {
		s.autoDisabled = false
		s.consecErrors = 0
	}
	s.mu.Unlock()
	return true
}

// SourceHealth is one source's health snapshot
type SourceHealth struct {
	Name          string        `json:"name"`
	Enabled       bool          `json:"enabled"`
	AutoDisabled  bool          `json:"auto_disabled"`
	TotalRequests int           `json:"total_requests"`
	TotalErrors   int           `json:"total_errors"`
	LastLatency   time.Duration `json:"last_latency_ns"`
}

// Health reports every source's counters
func (r *Registry) Health() []SourceHealth {
	r.mu.Lock()
	states := make([]*sourceState, 0, len(r.sources))
	for _, s := range r.sources {
		states = append(states, s)
	}
	r.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].meta.Name < states[j].meta.Name })
	out := make([]SourceHealth, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		out = append(out, SourceHealth{
			Name:          s.meta.Name,
			Enabled:       s.meta.Enabled,
			AutoDisabled:  s.autoDisabled,
			TotalRequests: s.totalRequests,
			TotalErrors:   s.totalErrors,
			LastLatency:   s.lastLatency,
		})
		s.mu.Unlock()
	}
	return out
}
