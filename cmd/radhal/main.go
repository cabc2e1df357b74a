package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tessarix/radhal/config"
	"github.com/tessarix/radhal/internal/logging"
	"github.com/tessarix/radhal/manager"
	"github.com/tessarix/radhal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "devices.json", "Path to device configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Validate configuration and device graph, then exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	metricsListen := flag.String("metrics-listen", "", "Override telemetry listen address")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		fmt.Println("Configuration check completed successfully.")
		os.Exit(0)
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, err := manager.New(cfg, logger, manager.WithCollector(collector))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build device manager")
	}
	if err := mgr.Startup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start device manager")
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("shutdown incomplete")
		}
	}()

	mgr.RegisterErrorHandler(func(code manager.HalError, message string) {
		logger.Error().Str("fault", code.String()).Msg(message)
	})

	var metricsServer *http.Server
	if cfg.Telemetry.Enabled {
		listen := cfg.Telemetry.Listen
		if *metricsListen != "" {
			listen = *metricsListen
		}
		if listen == "" {
			listen = ":19090"
		}
		metricsServer = serveMetrics(listen, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Msg("hardware layer running")
	<-ctx.Done()
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	mgr, err := manager.New(cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Startup(ctx); err != nil {
		return err
	}
	return mgr.Shutdown()
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func serveMetrics(listen string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return server
}
