package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reliastack/incident-engine/internal/api"
	"github.com/reliastack/incident-engine/internal/cache"
	"github.com/reliastack/incident-engine/internal/config"
	"github.com/reliastack/incident-engine/internal/engine"
	"github.com/reliastack/incident-engine/internal/ingest"
	"github.com/reliastack/incident-engine/internal/metrics"
	"github.com/reliastack/incident-engine/internal/patterns"
	"github.com/reliastack/incident-engine/internal/repo"
	"github.com/reliastack/incident-engine/internal/store"
	"github.com/reliastack/incident-engine/internal/timeline"
	"github.com/reliastack/incident-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting incident-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout,
	})
	if err != nil {
		logger.Error("failed to open store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	observeClient := repo.NewObserveClient(cfg.Clients.Observe, cfg.Cache, cacheProvider, utils.ComponentLogger(logger, "repo"))

	tb := timeline.NewBuilder(st, utils.ComponentLogger(logger, "timeline"))
	correlator := engine.NewCorrelator(cfg.Correlation, cfg.Ingest.RetentionWindow, st, observeClient, utils.ComponentLogger(logger, "correlator"))
	lifecycle := engine.NewLifecycle(cfg.Lifecycle, cfg.Correlation.AcceptThreshold, st, correlator, tb, cacheProvider, utils.ComponentLogger(logger, "lifecycle"))
	impact := engine.NewImpactCalculator(cfg.Impact, st, observeClient, st, tb, utils.ComponentLogger(logger, "impact"))
	miner := patterns.NewMiner(utils.ComponentLogger(logger, "patterns"), st)

	ruleEngine, err := engine.NewRuleEngine(cfg.Rules.Path, utils.ComponentLogger(logger, "recommend"))
	if err != nil {
		logger.Error("failed to load recommendation rules", slog.String("path", cfg.Rules.Path), slog.Any("error", err))
		os.Exit(1)
	}

	ingestor, err := ingest.New(cfg.Ingest, st, utils.ComponentLogger(logger, "ingest"))
	if err != nil {
		logger.Error("failed to build ingestor", slog.Any("error", err))
		os.Exit(1)
	}
	ingestor.AddSink(lifecycle.HandleSignal)
	ingestor.AddSink(impact.HandleSignal)

	handlers := api.NewHandlers(lifecycle, ingestor, impact, miner, tb, ruleEngine, st, utils.ComponentLogger(logger, "api"))

	server, err := api.NewServer(cfg.Server, api.NewRouter(handlers))
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notices, cancelSub := lifecycle.Subscribe()
	defer cancelSub()
	go func() {
		for n := range notices {
			logger.Info("incident transition",
				slog.String("incident_id", n.IncidentID),
				slog.String("from", string(n.From)),
				slog.String("to", string(n.To)))
		}
	}()

	go ingestor.RunPruner(ctx, cfg.Ingest.RetentionWindow)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("HTTP server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("incident-engine stopped")
}
