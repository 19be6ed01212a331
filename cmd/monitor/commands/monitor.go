package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-price-monitor/api"
	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/models"
	"github.com/aluiziolira/go-price-monitor/notify"
	"github.com/aluiziolira/go-price-monitor/pipeline"
	"github.com/aluiziolira/go-price-monitor/scraper"
	"github.com/aluiziolira/go-price-monitor/store"
)

// monitor holds the wired components of one process.
type monitor struct {
	cfg        *config.Config
	store      *store.Store
	scraper    *scraper.Scraper
	eventLog   pipeline.EventLog
	dispatcher *pipeline.Dispatcher
	runner     *pipeline.Runner
	registry   *prometheus.Registry
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", cfg.DatabasePath, err)
	}
	return st, nil
}

func setup(ctx context.Context, cfg *config.Config) (*monitor, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sm := scraper.NewMetrics()
	pm := pipeline.NewMetrics(sm.Registry)

	var eventLog pipeline.EventLog
	if cfg.EventLogFile != "" {
		eventLog, err = pipeline.NewEventLog(cfg.EventLogFile, cfg.EventLogFormat)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open event log: %w", err)
		}
	}

	var sink notify.Sink
	if cfg.WebhookURL != "" {
		sink = notify.NewDiscordSink(cfg.WebhookURL, notify.DiscordOptions{
			Timeout:        cfg.Timeout,
			Retries:        cfg.MaxRetries,
			RetryWait:      cfg.RetryBackoff,
			CurrencySymbol: cfg.Policy.CurrencySymbol,
		})
	} else {
		slog.Info("no webhook configured, notifications are only logged")
	}

	// deliveries queued before a shutdown signal still get drained
	dispatcher := pipeline.NewDispatcher(context.WithoutCancel(ctx), sink, eventLog, cfg, pm)
	dispatcher.Start(cfg.DispatchWorkers)
	if cfg.Verbose {
		dispatcher.StartMetricsReporting(time.Minute)
	}

	s := scraper.NewScraper(cfg, sm)
	return &monitor{
		cfg:        cfg,
		store:      st,
		scraper:    s,
		eventLog:   eventLog,
		dispatcher: dispatcher,
		runner:     pipeline.NewRunner(cfg, s, st, dispatcher, pm),
		registry:   sm.Registry,
	}, nil
}

// Close drains pending notifications before closing the state.
func (m *monitor) Close() error {
	var errs []error
	if err := m.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
	}
	if m.eventLog != nil {
		if err := m.eventLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event log: %w", err))
		}
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close state: %w", err))
	}
	return errors.Join(errs...)
}

// serveMetrics starts the Prometheus endpoint when configured and returns
// its shutdown function.
func (m *monitor) serveMetrics() func() {
	if m.cfg.MetricsAddr == "" {
		return func() {}
	}
	server := &http.Server{
		Addr:              m.cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", m.cfg.MetricsAddr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
}

// serveAPI starts the read API on addr and returns its shutdown function.
func serveAPI(reader api.Reader, cfg *config.Config, addr string) func() {
	if addr == "" {
		return func() {}
	}
	app := api.New(reader, cfg)
	go func() {
		if err := app.Listen(addr); err != nil {
			slog.Error("api server failed", slog.Any("error", err))
		}
	}()
	slog.Info("api server enabled", slog.String("addr", addr))

	return func() { shutdownAPI(app) }
}

func shutdownAPI(app *fiber.App) {
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		slog.Error("api server shutdown failed", slog.Any("error", err))
	}
}

func logResults(results []models.CycleResult) {
	for _, res := range results {
		notified := len(res.Notifications)
		slog.Info("cycle summary",
			slog.String("category", res.Category),
			slog.String("cycle_id", res.CycleID),
			slog.Int("raw", res.RawCount),
			slog.Int("products", res.ProductCount),
			slog.Any("events", res.EventsByKind),
			slog.Any("rejected", res.Rejected),
			slog.Int("notifications", notified),
			slog.Int("pruned", len(res.Pruned)),
			slog.Duration("duration", res.EndTime.Sub(res.StartTime)),
		)
	}
}
