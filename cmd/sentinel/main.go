package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/sentinel/config"
	"github.com/quantrail/sentinel/internal/alert"
	"github.com/quantrail/sentinel/internal/audit"
	"github.com/quantrail/sentinel/internal/breaker"
	"github.com/quantrail/sentinel/internal/controller"
	"github.com/quantrail/sentinel/internal/marketdata"
	"github.com/quantrail/sentinel/internal/quality"
	"github.com/quantrail/sentinel/internal/risk"
	"github.com/quantrail/sentinel/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	auditLog, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open audit log")
	}
	auditLog.Start()

	registry := marketdata.NewRegistry(cfg.Sources.ErrorThreshold)
	if key := os.Getenv("TWELVE_API_KEY"); key != "" {
		src := marketdata.NewHTTPSource(marketdata.HTTPSourceOptions{
			Name:              "twelvedata",
			BaseURL:           "https://api.twelvedata.com",
			APIKey:            key,
			Timeout:           cfg.Sources.FetchTimeout,
			RequestsPerMinute: 8,
		})
		registry.Add(src, marketdata.SourceMeta{
			Name:              "twelvedata",
			Type:              "aggregator",
			Priority:          0,
			RequestsPerMinute: 8,
			Timeout:           cfg.Sources.FetchTimeout,
			Enabled:           true,
		})
	} else {
		log.Warn().Msg("TWELVE_API_KEY not set, no market data sources registered")
	}

	probeSymbol := os.Getenv("PROBE_SYMBOL")
	if probeSymbol == "" {
		probeSymbol = "EUR/USD"
	}
	probeCtx, stopProbing := context.WithCancel(context.Background())
	registry.StartProbing(probeCtx, cfg.Sources.ProbeInterval, probeSymbol, "1m")

	var alerter models.Alerter = alert.Noop{}
	if cfg.Alert.TelegramToken != "" {
		tg, err := alert.NewTelegram(cfg.Alert.TelegramToken, cfg.Alert.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("telegram alerter unavailable, alerts disabled")
		} else {
			alerter = tg
		}
	}

	ctrl, err := controller.New(cfg.Controller, cfg.Sources.MaxSources, controller.Deps{
		Aggregator: marketdata.NewAggregator(registry, cfg.Sources.CacheTTL),
		Validator:  quality.NewValidator(),
		Engine:     risk.NewEngine(risk.DefaultLayers(cfg.Risk)...),
		Breakers:   breaker.NewSystem(cfg.Breakers, cfg.Controller.AccountValue),
		Audit:      auditLog,
		Alerter:    alerter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build trading controller")
	}

	auditLog.Record(audit.SystemEvent("sentinel started", map[string]any{
		"mode":          cfg.Controller.Mode,
		"account_value": cfg.Controller.AccountValue,
	}))
	log.Info().Str("mode", cfg.Controller.Mode).Msg("sentinel started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ctrl.Status()); err != nil {
			log.Error().Err(err).Msg("status encoding failed")
		}
	})

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics and status")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	stopProbing()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	for _, p := range ctrl.Positions().Open() {
		log.Info().
			Str("symbol", p.Symbol).
			Int("quantity", p.Quantity).
			Float64("unrealized_pnl", p.UnrealizedPnL).
			Msg("open position at shutdown")
	}
	auditLog.Record(audit.SystemEvent("sentinel stopped", nil))
	if err := auditLog.Close(); err != nil {
		log.Error().Err(err).Msg("audit close failed")
	}
}
