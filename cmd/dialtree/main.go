// Command dialtree is the outbound voice navigation agent server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialtree/dialtree/internal/api"
	"github.com/dialtree/dialtree/internal/callstate"
	"github.com/dialtree/dialtree/internal/classify"
	"github.com/dialtree/dialtree/internal/config"
	"github.com/dialtree/dialtree/internal/dtmf"
	"github.com/dialtree/dialtree/internal/health"
	"github.com/dialtree/dialtree/internal/history"
	"github.com/dialtree/dialtree/internal/llm"
	"github.com/dialtree/dialtree/internal/observe"
	"github.com/dialtree/dialtree/internal/orchestrator"
	"github.com/dialtree/dialtree/internal/resilience"
	"github.com/dialtree/dialtree/internal/telephony"
	"github.com/dialtree/dialtree/internal/voice"
	"github.com/dialtree/dialtree/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── Load configuration ────────────────────────────────────────────────────
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dialtree: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg).With("instance_id", uuid.NewString())
	slog.SetDefault(logger)

	logger.Info("dialtree starting",
		"listen_addr", cfg.ListenAddr,
		"call_base_url", cfg.CallBaseURL,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "dialtree"})
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Persisted settings, reloadable on SIGHUP ──────────────────────────────
	settings, err := config.NewSettingsStore(cfg.SettingsPath, cfg.DataDir)
	if err != nil {
		logger.Error("failed to load settings", "err", err)
		return 1
	}
	go reloadOnSIGHUP(ctx, settings, logger)

	// ── Call history ──────────────────────────────────────────────────────────
	store, err := openHistory(ctx, cfg)
	if err != nil {
		logger.Error("failed to open history store", "err", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("history close error", "err", err)
		}
	}()
	sink := history.NewSink(store, logger)
	defer sink.Close()

	// ── Call state ────────────────────────────────────────────────────────────
	states := callstate.NewStore()
	states.StartSweeper(ctx)

	// ── LLM classifiers ───────────────────────────────────────────────────────
	var llmOpts []llm.Option
	if cfg.LLMBaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.LLMBaseURL))
	}
	client, err := llm.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel, llmOpts...)
	if err != nil {
		logger.Error("failed to create llm client", "err", err)
		return 1
	}
	analyzer := resilience.NewAnalyzer(client, "openai", resilience.FallbackConfig{})
	suite := classify.NewSuite(analyzer)

	// ── Call pipeline ─────────────────────────────────────────────────────────
	resolver := config.NewResolver(cfg, settings)
	processor := voice.NewProcessor(suite, dtmf.NewChooser(analyzer), logger)
	orch := orchestrator.New(states, resolver, processor, suite, sink, metrics, logger, cfg.CallBaseURL)

	carrier := telephony.NewClient(cfg.CarrierBaseURL, cfg.CarrierAccountSID, cfg.CarrierAuthToken)

	// ── HTTP surface ──────────────────────────────────────────────────────────
	checks := health.New(
		health.Checker{Name: "history", Check: func(ctx context.Context) error {
			_, err := store.ListCalls(ctx, 1)
			return err
		}},
		health.Checker{Name: "llm", Check: func(context.Context) error {
			if cfg.OpenAIAPIKey == "" {
				return errors.New("no API key configured")
			}
			return nil
		}},
	)

	root := chi.NewRouter()
	root.Get("/healthz", checks.Healthz)
	root.Get("/readyz", checks.Readyz)
	root.Method(http.MethodGet, "/metrics", promhttp.Handler())
	// Both sub-servers route on their full paths, so no prefix stripping.
	root.Handle("/voice/*", webhook.NewServer(orch, cfg, metrics, logger))
	root.Handle("/api/v1/*", api.NewServer(carrier, store, cfg, metrics, logger))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// openHistory selects the history backend: Postgres when a DSN is
// configured, embedded SQLite otherwise.
func openHistory(ctx context.Context, cfg *config.Config) (history.Store, error) {
	if cfg.PostgresDSN != "" {
		return history.OpenPostgres(ctx, cfg.PostgresDSN)
	}
	return history.OpenSQLite(cfg.DataDir)
}

// reloadOnSIGHUP re-reads the settings file whenever the process receives
// SIGHUP, so operators can change call defaults without a restart.
func reloadOnSIGHUP(ctx context.Context, settings *config.SettingsStore, logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := settings.Reload(); err != nil {
				logger.Error("settings reload failed", "err", err)
				continue
			}
			logger.Info("settings reloaded")
		}
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var lvl slog.Level
	switch cfg.LogLevel {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
