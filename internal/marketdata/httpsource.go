package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	platformhttp "github.com/quantrail/sentinel/internal/platform/http"
	"github.com/quantrail/sentinel/models"
)

// HTTPSource fetches OHLCV points from a JSON time-series endpoint.
// It is the reference MarketDataSource implementation; venue-specific
// clients plug in behind the same interface.
type HTTPSource struct {
	name    string
	baseURL string
	apiKey  string
	client  *platformhttp.Client
	logger  zerolog.Logger
}

// HTTPSourceOptions holds options for creating an HTTPSource
type HTTPSourceOptions struct {
	Name              string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
}

// NewHTTPSource creates a source backed by the rate-limited HTTP client
func NewHTTPSource(opts HTTPSourceOptions) *HTTPSource {
	return &HTTPSource{
		name:    opts.Name,
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		client: platformhttp.NewClient(platformhttp.ClientOptions{
			Timeout:           opts.Timeout,
			RequestsPerMinute: opts.RequestsPerMinute,
		}),
		logger: log.With().Str("component", "http_source").Str("source", opts.Name).Logger(),
	}
}

// Name implements models.MarketDataSource
func (s *HTTPSource) Name() string { return s.name }

// timeSeriesResponse is the provider's latest-bar payload
type timeSeriesResponse struct {
	Values []struct {
		Datetime string  `json:"datetime"`
		Open     float64 `json:"open,string"`
		High     float64 `json:"high,string"`
		Low      float64 `json:"low,string"`
		Close    float64 `json:"close,string"`
		Volume   float64 `json:"volume,string,omitempty"`
	} `json:"values"`
	Status string `json:"status"`
}

// Fetch implements models.MarketDataSource
func (s *HTTPSource) Fetch(ctx context.Context, symbol, timeframe string) (*models.MarketDataPoint, error) {
	u := fmt.Sprintf("%s/time_series?symbol=%s&interval=%s&outputsize=1&apikey=%s",
		s.baseURL, url.QueryEscape(symbol), url.QueryEscape(timeframe), s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.client.DoRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if strings.Contains(string(body), `"status":"error"`) {
		s.logger.Error().Str("response", string(body)).Msg("provider returned error payload")
		return nil, fmt.Errorf("provider error: %s", string(body))
	}

	var data timeSeriesResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if len(data.Values) == 0 {
		return nil, fmt.Errorf("empty data returned for %s", symbol)
	}

	v := data.Values[0]
	ts, err := time.Parse("2006-01-02 15:04:05", v.Datetime)
	if err != nil {
		// daily bars come back date-only
		ts, err = time.Parse("2006-01-02", v.Datetime)
		if err != nil {
			return nil, fmt.Errorf("parsing datetime %q: %w", v.Datetime, err)
		}
	}

	return &models.MarketDataPoint{
		Symbol:    symbol,
		Timeframe: timeframe,
		Source:    s.name,
		Timestamp: ts,
		Open:      v.Open,
		High:      v.High,
		Low:       v.Low,
		Close:     v.Close,
		Volume:    v.Volume,
	}, nil
}
