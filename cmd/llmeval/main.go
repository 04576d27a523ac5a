package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/api"
	"github.com/imTariful/LLM-evaluation/internal/config"
	"github.com/imTariful/LLM-evaluation/internal/evaluation"
	"github.com/imTariful/LLM-evaluation/internal/observability"
	"github.com/imTariful/LLM-evaluation/internal/prompt"
	"github.com/imTariful/LLM-evaluation/internal/version"
)

const defaultConfigPath = "llmeval.yaml"

const dispatcherShutdownTimeout = 10 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "prompts":
		return runPrompts(args[1:], os.Stdout, os.Stderr)
	case "infer":
		return runInfer(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	case "drift":
		return runDrift(args[1:], os.Stdout, os.Stderr)
	case "kb":
		return runKB(args[1:], os.Stdout, os.Stderr)
	case "diagnostics":
		return runDiagnostics(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, os.Stderr)
	if !ok {
		return 1
	}

	logger := newLogger(os.Stdout, slog.LevelInfo)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	store, prompts, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	if err := importSeedFile(context.Background(), cfg.Prompts.SeedFile, prompts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "failed to import prompt seed: %v\n", err)
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(otelRuntime, cfg.Storage.Driver)
	}

	eng, err := buildEngine(context.Background(), cfg, store, prompts, engineOptions{
		Logger:   logger,
		Runtime:  otelRuntime,
		Metrics:  metrics,
		Evaluate: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize engine: %v\n", err)
		return 1
	}
	if eng.dispatcher != nil {
		eng.dispatcher.Start(context.Background())
		defer shutdownDispatcher(logger, eng.dispatcher, dispatcherShutdownTimeout)
	}

	server := newServer(cfg, logger, newServerHandler(cfg, eng, metrics, otelRuntime, logger))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"providers", eng.providerNames,
		"evaluators", evaluatorIDs(eng),
		"drift_enabled", cfg.Drift.Enabled,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Drift.Enabled {
		go eng.detector.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("server stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

// newServerHandler mounts the API and, when enabled, the metrics endpoint,
// then applies tracing middleware.
func newServerHandler(cfg config.Config, eng *engine, metrics *observability.Metrics, runtime *observability.Runtime, logger *slog.Logger) http.Handler {
	options := api.RouterOptions{
		AppVersion:         version.String(),
		StorageDriver:      cfg.Storage.Driver,
		StoragePath:        cfg.Storage.Path,
		Providers:          eng.providerNames,
		Inference:          eng.service,
		Prompts:            eng.prompts,
		Drift:              eng.detector,
		Knowledge:          eng.store,
		OnKnowledgeChanged: eng.invalidateCorpus,
		Logger:             logger,
	}
	if eng.dispatcher != nil {
		options.Diagnostics = eng.dispatcher
	}
	if db, ok := eng.store.(sqlBackedStore); ok {
		options.StoragePing = db.DB().PingContext
	}

	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(options))
	if metrics != nil {
		mux.Handle(metricsPath(cfg), metrics.Handler())
	}

	var handler http.Handler = mux
	handler = runtime.SpanEnrichmentMiddleware(handler)
	handler = runtime.WrapHTTPHandler(handler)
	return handler
}

func metricsPath(cfg config.Config) string {
	path := strings.TrimSpace(cfg.Metrics.Path)
	if path == "" {
		return "/metrics"
	}
	return path
}

func newServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func importSeedFile(ctx context.Context, path string, store *prompt.SQLStore, logger *slog.Logger) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	seed, err := prompt.LoadSeed(path)
	if err != nil {
		return err
	}
	result, err := prompt.Import(ctx, store, seed)
	if err != nil {
		return err
	}
	logger.Info(
		"imported prompt seed",
		"path", path,
		"prompts_created", result.PromptsCreated,
		"versions_created", result.VersionsCreated,
		"versions_skipped", result.VersionsSkipped,
	)
	return nil
}

func evaluatorIDs(eng *engine) []string {
	if eng == nil || eng.dispatcher == nil {
		return nil
	}
	return eng.dispatcher.Diagnostics().Evaluators
}

func shutdownDispatcher(logger *slog.Logger, dispatcher *evaluation.Dispatcher, timeout time.Duration) {
	if dispatcher == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to drain pending evaluations before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("drained pending evaluations before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmeval serve [--config path/to/llmeval.yaml]")
	fmt.Fprintln(out, "  llmeval version")
	fmt.Fprintln(out, "  llmeval config validate [--config path/to/llmeval.yaml]")
	fmt.Fprintln(out, "  llmeval prompts import [--config path/to/llmeval.yaml] <seed.yaml>")
	fmt.Fprintln(out, "  llmeval prompts list [--config path/to/llmeval.yaml] [--format text|json]")
	fmt.Fprintln(out, "  llmeval infer [--config path/to/llmeval.yaml] (--prompt NAME | --version-id ID) [--var key=value]... [--provider NAME] [--model NAME] [--format text|json]")
	fmt.Fprintln(out, "  llmeval report [--config path/to/llmeval.yaml] [--format text|json] [--from RFC3339|YYYY-MM-DD] [--to RFC3339|YYYY-MM-DD] [--evaluator ID] [--limit N]")
	fmt.Fprintln(out, "  llmeval drift check [--config path/to/llmeval.yaml] [--version-id ID] [--format text|json]")
	fmt.Fprintln(out, "  llmeval kb import [--config path/to/llmeval.yaml] <file>...")
	fmt.Fprintln(out, "  llmeval diagnostics [evaluation-pipeline] [--config path/to/llmeval.yaml] [--base-url URL] [--format text|json] [--timeout DURATION]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmeval config validate [--config path/to/llmeval.yaml]")
}
