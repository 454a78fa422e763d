package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/discover/backend"
	"github.com/INLOpen/discover/config"
	"github.com/INLOpen/discover/discover"
	"github.com/INLOpen/discover/hooks"
	"github.com/INLOpen/discover/hooks/listeners"
	"github.com/INLOpen/discover/issues"
	"github.com/INLOpen/discover/memstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
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
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
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
		logger.Debug("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

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

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("discover")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Debug("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// hedgeStats is implemented by backends that report hedged round trips.
type hedgeStats interface {
	HedgedRoundTrips() (requested, actual uint64)
}

// createBackend builds the configured backend querier.
func createBackend(cfg config.BackendConfig, logger *slog.Logger) (backend.Querier, error) {
	switch cfg.Type {
	case "http":
		return backend.NewHTTPClient(backend.HTTPOptions{
			URL:         cfg.URL,
			Timeout:     config.ParseDuration(cfg.Timeout, 30*time.Second, logger),
			Compression: cfg.Compression,
			HedgeAt:     config.ParseDuration(cfg.HedgeRequestsAt, 0, logger),
			HedgeUpTo:   cfg.HedgeRequestsUpTo,
			Logger:      logger,
		})
	case "memory":
		store := memstore.New(memstore.Options{Dataset: cfg.Dataset, Logger: logger})
		if cfg.EventsFile == "" {
			logger.Warn("Memory backend has no events_file; every query returns no data.")
			return store, nil
		}
		file, err := os.Open(cfg.EventsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open events file: %w", err)
		}
		defer file.Close()
		if _, err := store.Load(file); err != nil {
			return nil, fmt.Errorf("failed to load events file %s: %w", cfg.EventsFile, err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
}

// registerListeners attaches the diagnostic listeners to the hook manager.
func registerListeners(hm hooks.HookManager, cfg config.DiscoverConfig, logger *slog.Logger) {
	slowQueries := listeners.NewSlowQueryListener(logger, []listeners.SlowQueryRule{
		{Threshold: config.ParseDuration(cfg.SlowQueryThreshold, 5*time.Second, logger)},
	})
	hm.Register(hooks.EventPostQuery, slowQueries)
	hm.Register(hooks.EventPostQuery, listeners.NewQueryStatsListener(logger))
	hm.Register(hooks.EventOnKeyMismatch, listeners.NewKeyMismatchAlerterListener(logger))
}

// buildEngine wires the engine and everything it depends on from cfg.
func buildEngine(cfg *config.Config, logger *slog.Logger, tp *sdktrace.TracerProvider, hm hooks.HookManager, querier backend.Querier) (*discover.Engine, error) {
	registerListeners(hm, cfg.Discover, logger)

	var resolver issues.Resolver = issues.StaticResolver(cfg.Discover.IssueShortIDs)
	if cfg.Discover.IssueCacheSize > 0 {
		resolver = issues.NewCachedResolver(resolver, issues.CachedResolverOptions{
			Size:        cfg.Discover.IssueCacheSize,
			HookManager: hm,
			Logger:      logger,
		})
	}

	opts := discover.Options{
		Backend:     querier,
		Dataset:     cfg.Backend.Dataset,
		Issues:      resolver,
		Config:      config.NewOptionStore(cfg.Discover),
		Logger:      logger,
		HookManager: hm,
		Metrics:     discover.NewMetrics(cfg.Discover.PublishMetrics, "discover_"),
	}
	if tp != nil {
		opts.TracerProvider = tp
	}
	return discover.NewEngine(opts)
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// uintList collects a repeatable numeric flag.
type uintList []uint64

func (u *uintList) String() string { return fmt.Sprint([]uint64(*u)) }

func (u *uintList) Set(v string) error {
	var id uint64
	if _, err := fmt.Sscan(v, &id); err != nil {
		return fmt.Errorf("invalid id %q", v)
	}
	*u = append(*u, id)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to the configuration file")
	batchPath := fs.String("batch", "", "Path to a YAML batch file of requests; overrides the single request flags")
	eventsPath := fs.String("events", "", "Events file for the memory backend; overrides backend.events_file")

	var req Request
	var fields, tsFields, orderBy stringList
	var projects uintList
	fs.StringVar(&req.Operation, "op", opQuery, "Operation: query, timeseries, top-events, facets or histogram")
	fs.Var(&fields, "field", "Selected field (repeatable)")
	fs.Var(&tsFields, "ts-field", "Timeseries aggregate of top-events (repeatable)")
	fs.Var(&orderBy, "orderby", "Order by field, '-' prefix for descending (repeatable)")
	fs.Var(&projects, "project", "Project id (repeatable)")
	fs.StringVar(&req.Query, "q", "", "Search query")
	fs.StringVar(&req.Start, "start", "", "Start of the time window (RFC3339)")
	fs.StringVar(&req.End, "end", "", "End of the time window (RFC3339)")
	fs.StringVar(&req.StatsPeriod, "period", "", "Time window ending now, used without -start/-end (default 24h)")
	fs.IntVar(&req.Limit, "limit", 0, "Result limit")
	fs.IntVar(&req.Rollup, "rollup", 3600, "Timeseries bucket in seconds")
	fs.IntVar(&req.NumBuckets, "buckets", 10, "Histogram bucket count")
	fs.IntVar(&req.Precision, "precision", 0, "Histogram precision in decimal places")
	fs.BoolVar(&req.ExcludeOutliers, "exclude-outliers", false, "Cap histogram bounds at the upper outer fence")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	req.Fields, req.TimeseriesFields, req.OrderBy, req.ProjectIDs = fields, tsFields, orderBy, projects

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}
	if *eventsPath != "" {
		cfg.Backend.Type = "memory"
		cfg.Backend.EventsFile = *eventsPath
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		return 1
	}
	defer tracerCleanup()

	querier, err := createBackend(cfg.Backend, logger)
	if err != nil {
		logger.Error("Failed to create backend", "type", cfg.Backend.Type, "error", err)
		return 1
	}

	hm := hooks.NewHookManager(logger)
	defer hm.Stop()
	engine, err := buildEngine(cfg, logger, tp, hm, querier)
	if err != nil {
		logger.Error("Failed to create discover engine", "error", err)
		return 1
	}

	requests := []Request{req}
	if *batchPath != "" {
		file, err := os.Open(*batchPath)
		if err != nil {
			logger.Error("Failed to open batch file", "path", *batchPath, "error", err)
			return 1
		}
		requests, err = LoadBatch(file)
		file.Close()
		if err != nil {
			logger.Error("Failed to read batch file", "path", *batchPath, "error", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	failed, err := RunBatch(ctx, engine, requests, cfg.CLI.MaxConcurrency, start, stdout)
	if err != nil {
		logger.Error("Run aborted", "error", err)
		return 1
	}
	logger.Info("Requests completed", "total", len(requests), "failed", failed, "duration", time.Since(start))

	if hs, ok := querier.(hedgeStats); ok {
		requested, actual := hs.HedgedRoundTrips()
		logger.Debug("Hedged requests", "requested", requested, "actual", actual)
	}
	if failed > 0 {
		return 1
	}
	return 0
}
