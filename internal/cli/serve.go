package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vigil-waf/vigil/internal/cache"
	"github.com/vigil-waf/vigil/internal/config"
	"github.com/vigil-waf/vigil/internal/events"
	"github.com/vigil-waf/vigil/internal/judge"
	"github.com/vigil-waf/vigil/internal/learner"
	"github.com/vigil-waf/vigil/internal/llm"
	"github.com/vigil-waf/vigil/internal/proxy"
	"github.com/vigil-waf/vigil/internal/rulebook"
)

// bootstrapProbeTimeout bounds the optional Redis and Ollama health probes
// at startup. Both are warn-only.
const bootstrapProbeTimeout = 3 * time.Second

var serveConfigPath string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "config.yaml", "Path to configuration YAML")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WAF reverse proxy",
	Long:  "Runs the full stack: HTTP frontend, LLM judge with verdict cache,\nSQLite event log, rulebook hot-reload, and the background rule learner.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Observability.LogLevel)
	slog.SetDefault(logger)

	eventStore, err := events.NewStore(cfg.Storage.LogsDBPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventStore.Close()

	rulesStore, err := rulebook.NewStore(cfg.Storage.RulebookPath)
	if err != nil {
		return fmt.Errorf("open rulebook: %w", err)
	}
	rb, err := rulesStore.Load()
	if err != nil {
		logger.Warn("failed to load rulebook, starting with an empty one", "error", err)
		rb = rulebook.New()
	}
	logger.Info("rulebook loaded", "version", rb.Version, "rules", len(rb.Rules))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var verdictCache *cache.Cache
	if cfg.Cache.Enabled {
		verdictCache, err = cache.New(cfg.Cache.RedisURL, cfg.Cache.TTL())
		if err != nil {
			return fmt.Errorf("configure verdict cache: %w", err)
		}
		defer verdictCache.Close()

		probeCtx, probeCancel := context.WithTimeout(ctx, bootstrapProbeTimeout)
		if err := verdictCache.Ping(probeCtx); err != nil {
			logger.Warn("redis unreachable, cache lookups will miss until it recovers", "error", err)
		}
		probeCancel()
	} else {
		logger.Info("verdict cache disabled")
	}

	provider := llm.NewOllama(cfg.LLM, logger)
	probeCtx, probeCancel := context.WithTimeout(ctx, bootstrapProbeTimeout)
	if err := provider.HealthCheck(probeCtx); err != nil {
		logger.Warn("ollama unreachable, requests will follow the fail mode until it recovers",
			"error", err, "fail_mode", cfg.WAF.FailMode)
	}
	probeCancel()

	j := judge.New(provider, verdictCache, rb, cfg.LLM.JudgeTimeout(), cfg.WAF.FailMode, logger)

	// Hot reload: external edits and learner saves both land here.
	updates, err := rulesStore.Watch(ctx, logger)
	if err != nil {
		logger.Warn("rulebook hot-reload disabled", "error", err)
	} else {
		go func() {
			for updated := range updates {
				j.SetRulebook(updated)
			}
		}()
	}

	if cfg.Learner.Enabled {
		l := learner.New(provider, eventStore, rulesStore,
			cfg.Learner.BatchInterval(), cfg.Learner.MinFlaggedRequests, logger)
		go l.Run(ctx)
	} else {
		logger.Info("learner disabled")
	}

	var metricsHandler http.Handler
	if cfg.Observability.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			judge.NewCollector(j.Metrics()),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	srv := proxy.New(cfg.WAF, j, eventStore, metricsHandler, logger)
	return srv.Start(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
}
