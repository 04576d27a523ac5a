package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/config"
	"github.com/imTariful/LLM-evaluation/internal/drift"
	"github.com/imTariful/LLM-evaluation/internal/evaluation"
	"github.com/imTariful/LLM-evaluation/internal/inference"
	"github.com/imTariful/LLM-evaluation/internal/observability"
	"github.com/imTariful/LLM-evaluation/internal/prompt"
	"github.com/imTariful/LLM-evaluation/internal/providers"
	"github.com/imTariful/LLM-evaluation/internal/router"
	"github.com/imTariful/LLM-evaluation/internal/storage"
	"github.com/imTariful/LLM-evaluation/internal/trace"
)

const outboundHTTPTimeout = 2 * time.Minute

// engine is the object graph shared by serve and the offline commands.
type engine struct {
	store         trace.Store
	prompts       *prompt.SQLStore
	router        *router.Router
	providerNames []string
	dispatcher    *evaluation.Dispatcher
	hallucination *evaluation.Hallucination
	detector      *drift.Detector
	service       *inference.Service
}

type engineOptions struct {
	Logger  *slog.Logger
	Runtime *observability.Runtime
	Metrics *observability.Metrics
	// Evaluate builds the evaluation dispatcher when config enables it.
	// Offline commands that exit right after one call leave it off.
	Evaluate bool
}

type sqlBackedStore interface {
	trace.Store
	DB() *sql.DB
}

// openStores opens the configured trace store and a prompt store sharing
// its connection pool.
func openStores(cfg config.Config) (trace.Store, *prompt.SQLStore, error) {
	var (
		store  sqlBackedStore
		driver = strings.TrimSpace(cfg.Storage.Driver)
		err    error
	)
	switch driver {
	case storage.DriverSQLite:
		store, err = trace.NewSQLiteStore(cfg.Storage.Path)
	case storage.DriverPostgres:
		store, err = trace.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("initialize %s storage: %w", driver, err)
	}

	prompts, err := prompt.NewSQLStore(store.DB(), driver)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("initialize prompt store: %w", err)
	}
	return store, prompts, nil
}

// buildEngine wires providers, routing, recording, evaluation and drift
// detection on top of already opened stores. The dispatcher is returned
// unstarted.
func buildEngine(ctx context.Context, cfg config.Config, store trace.Store, prompts *prompt.SQLStore, opts engineOptions) (*engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics

	httpClient := &http.Client{
		Timeout:   outboundHTTPTimeout,
		Transport: opts.Runtime.WrapHTTPTransport(http.DefaultTransport),
	}
	registry, err := providers.FromConfig(ctx, cfg.Providers, httpClient)
	if err != nil {
		return nil, fmt.Errorf("initialize providers: %w", err)
	}

	routerOpts := router.Options{AttemptTimeout: cfg.Router.AttemptTimeout(), Logger: logger}
	if metrics != nil {
		routerOpts.OnAttempt = metrics.ObserveProviderAttempt
	}
	r := router.New(registry, routerOpts)

	recorderOpts := trace.RecorderOptions{MaxAttempts: cfg.Recorder.MaxAttempts, Logger: logger}
	if metrics != nil {
		recorderOpts.OnRecorded = metrics.ObserveTraceRecorded
		recorderOpts.OnPersistFailure = metrics.ObserveTracePersistFailure
	}
	recorder := trace.NewRecorder(store, recorderOpts)

	e := &engine{store: store, prompts: prompts, router: r, providerNames: registry.Names()}

	if opts.Evaluate && cfg.Evaluation.Enabled {
		evaluators, hallucination, err := buildEvaluators(cfg.Evaluation, r, store, logger)
		if err != nil {
			return nil, err
		}
		evalRegistry, err := evaluation.NewRegistry(evaluators...)
		if err != nil {
			return nil, err
		}
		e.hallucination = hallucination
		e.dispatcher = evaluation.NewDispatcher(store, evalRegistry, evaluation.DispatcherOptions{
			QueueSize:        cfg.Evaluation.QueueSize,
			Workers:          cfg.Evaluation.Workers,
			EvaluatorTimeout: cfg.Evaluation.EvaluatorTimeout(),
			Logger:           logger,
		})
		if metrics != nil {
			e.dispatcher.SetMetrics(&evaluation.DispatcherMetrics{
				OnAccepted:   metrics.ObserveDispatchAccepted,
				OnDrop:       metrics.ObserveDispatchDropped,
				OnEvaluation: metrics.ObserveEvaluation,
				OnFailure:    metrics.ObserveEvaluationFailure,
			})
		}
	}

	alerter, err := buildAlerter(cfg.Drift, httpClient, logger)
	if err != nil {
		return nil, err
	}
	driftOpts := drift.Options{
		BaselineWindow:   time.Duration(cfg.Drift.BaselineDays) * 24 * time.Hour,
		CurrentWindow:    time.Duration(cfg.Drift.CurrentDays) * 24 * time.Hour,
		MinBaselineCount: int64(cfg.Drift.MinBaselineCount),
		MinCurrentCount:  int64(cfg.Drift.MinCurrentCount),
		MediumThreshold:  cfg.Drift.MediumThreshold,
		HighThreshold:    cfg.Drift.HighThreshold,
		CheckInterval:    cfg.Drift.CheckInterval(),
		Logger:           logger,
	}
	if metrics != nil {
		driftOpts.OnAlert = metrics.ObserveDriftAlert
	}
	e.detector = drift.NewDetector(store, prompts, alerter, driftOpts)

	// A nil *Dispatcher must not become a non-nil interface value.
	var dispatcher inference.Dispatcher
	if e.dispatcher != nil {
		dispatcher = e.dispatcher
	}
	e.service = inference.NewService(prompts, r, recorder, store, dispatcher, inference.Options{Logger: logger})
	return e, nil
}

func buildEvaluators(cfg config.EvaluationConfig, client evaluation.Client, store trace.Store, logger *slog.Logger) ([]evaluation.Evaluator, *evaluation.Hallucination, error) {
	evaluators := make([]evaluation.Evaluator, 0, len(cfg.Judges)+1)
	for i, judgeCfg := range cfg.Judges {
		chain := make([]providers.Target, 0, 1+len(judgeCfg.Fallback))
		chain = append(chain, judgeTarget(judgeCfg.Provider, judgeCfg.Model))
		for _, fb := range judgeCfg.Fallback {
			chain = append(chain, judgeTarget(fb.Provider, fb.Model))
		}
		judge, err := evaluation.NewJudge(client, evaluation.JudgeConfig{
			ID:       judgeCfg.ID,
			Chain:    chain,
			Criteria: judgeCfg.Criteria,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("evaluation.judges[%d]: %w", i, err)
		}
		evaluators = append(evaluators, judge)
	}

	var hallucination *evaluation.Hallucination
	if cfg.Hallucination.Enabled {
		hallucination = evaluation.NewHallucination(store, evaluation.HallucinationConfig{
			SimilarityThreshold: cfg.Hallucination.SimilarityThreshold,
			CorpusTTL:           time.Duration(cfg.Hallucination.CorpusTTLMS) * time.Millisecond,
			Logger:              logger,
		})
		evaluators = append(evaluators, hallucination)
	}
	return evaluators, hallucination, nil
}

func judgeTarget(provider, model string) providers.Target {
	model = strings.TrimSpace(model)
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = providers.InferProvider(model)
	}
	return providers.Target{Provider: provider, Model: model}
}

// buildAlerter always logs drift alerts and also posts them when a webhook
// is configured.
func buildAlerter(cfg config.DriftConfig, client *http.Client, logger *slog.Logger) (drift.Alerter, error) {
	logAlerter := drift.LogAlerter{Logger: logger}
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return logAlerter, nil
	}
	webhook, err := drift.NewWebhookAlerter(cfg.WebhookURL, client)
	if err != nil {
		return nil, fmt.Errorf("drift.webhook_url: %w", err)
	}
	return drift.Alerters{logAlerter, webhook}, nil
}

// invalidateCorpus drops the cached knowledge corpus, if one is loaded.
func (e *engine) invalidateCorpus() {
	if e.hallucination != nil {
		e.hallucination.Invalidate()
	}
}
