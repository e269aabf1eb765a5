package quality

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/quantrail/sentinel/models"
)

// volWindow is the number of most recent closes used for the
// realized-volatility estimate
const volWindow = 20

// Volatility returns an annualized realized-volatility estimate for the
// symbol: the sample standard deviation of close-to-close returns over
// the recent history, scaled by the square root of bars per year for
// the symbol's timeframe. Returns 0 until at least three closes exist.
func (v *Validator) Volatility(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return realizedVol(v.history[symbol])
}

// MarketVolatility averages the realized volatility across every symbol
// with enough history, as a broad-market estimate
func (v *Validator) MarketVolatility() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	var total float64
	var n int
	for _, h := range v.history {
		if vol := realizedVol(h); vol > 0 {
			total += vol
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func realizedVol(h []*models.MarketDataPoint) float64 {
	if len(h) < 3 {
		return 0
	}
	window := h
	if len(window) > volWindow+1 {
		window = window[len(window)-(volWindow+1):]
	}

	var returns []float64
	for i := 1; i < len(window); i++ {
		prev, cur := window[i-1].Close, window[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, cur/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}
	return stdDev(returns, mean(returns)) * math.Sqrt(barsPerYear(window[len(window)-1].Timeframe))
}

// barsPerYear converts a timeframe label into an annualization factor
func barsPerYear(timeframe string) float64 {
	return float64(365*24*time.Hour) / float64(timeframeDuration(timeframe))
}

// timeframeDuration parses provider-style bar labels ("1m", "5min",
// "1h", "1day", "1w"). Unrecognized labels fall back to one day, the
// most conservative annualization.
func timeframeDuration(tf string) time.Duration {
	tf = strings.ToLower(strings.TrimSpace(tf))
	i := 0
	for i < len(tf) && tf[i] >= '0' && tf[i] <= '9' {
		i++
	}
	n, err := strconv.Atoi(tf[:i])
	if err != nil || n <= 0 {
		n = 1
	}
	switch unit := tf[i:]; unit {
	case "m", "min":
		return time.Duration(n) * time.Minute
	case "h", "hour":
		return time.Duration(n) * time.Hour
	case "d", "day":
		return time.Duration(n) * 24 * time.Hour
	case "w", "week":
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
