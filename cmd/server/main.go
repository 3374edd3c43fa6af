package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/INLOpen/nexuslake/compaction"
	"github.com/INLOpen/nexuslake/compressors"
	"github.com/INLOpen/nexuslake/config"
	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/engine"
	"github.com/INLOpen/nexuslake/hooks"
	"github.com/INLOpen/nexuslake/hooks/listeners"
	"github.com/INLOpen/nexuslake/server"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file // The file handle is the closer.
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		// Return a no-op provider and an empty cleanup function.
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	// Create an OTLP exporter (gRPC or HTTP)
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Define the service resource
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexuslake")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	// Create the TracerProvider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	// Set the global TracerProvider
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		// Create a context with a timeout to prevent shutdown from hanging.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}

	return tp, cleanup, nil
}

// policyTunables maps the config section onto the policy thresholds. Zero
// fields keep the built-in defaults.
func policyTunables(cfg config.PolicyConfig) compaction.PolicyTunables {
	return compaction.PolicyTunables{
		PromotionSizeBytes:             cfg.PromotionSizeBytes,
		PromotionRatio:                 cfg.PromotionRatio,
		PromotionMinSizeBytes:          cfg.PromotionMinSizeBytes,
		CompactionLowerSizeBytes:       cfg.CompactionLowerSizeBytes,
		MinSingletonDeltas:             cfg.MinSingletonDeltas,
		MaxSingletonDeltas:             cfg.MaxSingletonDeltas,
		BaseMinRowsetNum:               cfg.BaseMinRowsetNum,
		BaseMinDataRatio:               cfg.BaseMinDataRatio,
		TimeSeriesGoalSizeBytes:        cfg.TimeSeriesGoalSizeBytes,
		TimeSeriesFileCountThreshold:   cfg.TimeSeriesFileCountThreshold,
		TimeSeriesTimeThresholdSeconds: cfg.TimeSeriesTimeThresholdSeconds,
		TimeSeriesLevelThreshold:       cfg.TimeSeriesLevelThreshold,
		TimeSeriesEmptyRowsetThreshold: cfg.TimeSeriesEmptyRowsetThreshold,
	}
}

func main() {
	// Define a command-line flag for the config file path
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// Use a temporary logger for pre-config errors
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Create the logger based on the loaded configuration
	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	// Defer closing the log file if one was opened.
	if logCloser != nil {
		defer logCloser.Close()
	}

	// The engine creates its own subdirectories under the base dir.
	if cfg.Storage.DataDir == "" {
		logger.Error("Storage data_dir must be specified in the configuration file.")
		os.Exit(1)
	}
	logger.Info("Using data directory", "path", cfg.Storage.DataDir)

	// Select compressor based on config
	var segCompressor core.Compressor
	switch cfg.Storage.Segment.Compression {
	case "lz4":
		segCompressor = &compressors.LZ4Compressor{}
		logger.Info("Using LZ4 compression for segments.")
	case "zstd":
		segCompressor = compressors.NewZstdCompressor()
		logger.Info("Using ZSTD compression for segments.")
	case "snappy":
		segCompressor = &compressors.SnappyCompressor{}
		logger.Info("Using Snappy compression for segments.")
	case "none":
		segCompressor = &compressors.NoCompressionCompressor{}
		logger.Info("Using no compression for segments.")
	default:
		logger.Error("Invalid segment compression value in config.", "value", cfg.Storage.Segment.Compression)
		os.Exit(1)
	}

	// Initialize the TracerProvider
	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}

	// Parse durations from config strings
	compactionCfg := cfg.Storage.Compaction
	checkInterval := config.ParseDuration(compactionCfg.CheckInterval, 60*time.Second, logger)
	minIntervalAfterFailure := config.ParseDuration(compactionCfg.MinIntervalAfterFailure, engine.DefaultMinIntervalAfterFailure, logger)
	manualWaitTimeout := config.ParseDuration(compactionCfg.ManualWaitTimeout, engine.DefaultManualWaitTimeout, logger)
	peerRequestTimeout := config.ParseDuration(compactionCfg.PeerRequestTimeout, engine.DefaultPeerRequestTimeout, logger)

	// Configure engine options
	opts := engine.Options{
		DataDir:                 cfg.Storage.DataDir,
		Compressor:              segCompressor,
		BlockSize:               int(cfg.Storage.Segment.BlockSizeBytes),
		MaxSegmentSize:          cfg.Storage.Segment.MaxSegmentSizeBytes,
		DefaultPolicy:           compactionCfg.DefaultPolicy,
		Tunables:                policyTunables(compactionCfg.Policy),
		CheckInterval:           checkInterval,
		MinIntervalAfterFailure: minIntervalAfterFailure,
		MaxConcurrentBase:       compactionCfg.MaxConcurrentBase,
		MaxConcurrentCumulative: compactionCfg.MaxConcurrentCumulative,
		MemoryLimitRatio:        compactionCfg.MemoryLimitRatio,
		ManualWaitTimeout:       manualWaitTimeout,
		PeerRequestTimeout:      peerRequestTimeout,
		PrometheusRegisterer:    prometheus.DefaultRegisterer,
		TracerProvider:          tp,
		Logger:                  logger,
	}

	// Create the compaction engine instance first.
	lakeEngine, err := engine.NewEngine(opts)
	if err != nil {
		logger.Error("Failed to create compaction engine", "error", err)
		os.Exit(1)
	}

	// --- Register Hooks ---
	waListener := listeners.NewWriteAmplificationListener(logger)
	failureListener := listeners.NewFailureAlerterListener(logger)
	slowRules := []listeners.DurationRule{
		{Kind: core.CompactionCumulative, Max: 10 * time.Minute},
		{Kind: core.CompactionBase, Max: 30 * time.Minute},
		{Kind: core.CompactionFull, Max: 60 * time.Minute},
	}
	slowListener := listeners.NewSlowCompactionListener(logger, slowRules)
	hookManager := lakeEngine.GetHookManager()

	hookManager.Register(hooks.EventPostCompaction, waListener)
	hookManager.Register(hooks.EventPostCompaction, failureListener)
	hookManager.Register(hooks.EventPostCompaction, slowListener)
	logger.Info("Registered WriteAmplificationListener for PostCompaction events.")
	logger.Info("Registered FailureAlerterListener for PostCompaction events.")
	logger.Info("Registered SlowCompactionListener for PostCompaction events.")
	// --- End Register Hooks ---

	// --- System Metrics Collector ---
	// The collector will publish metrics that are automatically exposed by the /metrics endpoint.
	// We use the engine's data directory as the path to monitor for disk usage.
	systemCollector := server.NewSystemCollector(cfg.Storage.DataDir, 2*time.Second, logger)
	systemCollector.Start()
	// --- End System Metrics Collector ---

	if err := lakeEngine.Start(); err != nil {
		logger.Error("Failed to start compaction engine", "error", err)
		os.Exit(1)
	}

	// Create and initialize the application server
	appServer, err := server.NewAppServer(lakeEngine, cfg, logger)
	if err != nil {
		logger.Error("Failed to create application server", "error", err) // Ensure engine is closed if app server creation fails
		lakeEngine.Close()
		os.Exit(1)
	}

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Graceful shutdown: Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- appServer.Start()
	}()

	select {
	case err := <-serverErrChan:
		logger.Error("Server exited with an error", "error", err)
	case <-quit:
		logger.Info("Shutdown signal received. Stopping server...")
		// Signal the AppServer to stop and wait for its goroutine to drain.
		appServer.Stop()
		<-serverErrChan

		// Only after the servers are down, close the engine so in-flight
		// requests never see a closed engine.
		if err := lakeEngine.Close(); err != nil {
			logger.Error("Failed to close compaction engine", "error", err)
		}

		tracerCleanup()
		systemCollector.Stop()

		logger.Info("Application exited gracefully.")
	}
}
