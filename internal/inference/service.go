// Package inference ties prompt resolution, provider routing, trace
// recording and evaluation dispatch into the request path.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/imTariful/LLM-evaluation/internal/observability"
	"github.com/imTariful/LLM-evaluation/internal/prompt"
	"github.com/imTariful/LLM-evaluation/internal/providers"
	"github.com/imTariful/LLM-evaluation/internal/router"
	"github.com/imTariful/LLM-evaluation/internal/trace"
	"go.opentelemetry.io/otel/attribute"
)

// Request asks for one inference against a stored prompt. PromptVersionID
// wins over PromptName. Provider, Model, Temperature, MaxTokens and Fallback
// override the version's model config.
type Request struct {
	PromptName      string             `json:"prompt_name" validate:"required_without=PromptVersionID"`
	PromptVersionID string             `json:"prompt_version_id"`
	Variables       map[string]string  `json:"variables"`
	Provider        string             `json:"provider,omitempty" validate:"omitempty,oneof=openai anthropic gemini ollama mock"`
	Model           string             `json:"model,omitempty"`
	Temperature     *float64           `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens       int                `json:"max_tokens,omitempty" validate:"gte=0"`
	Fallback        []providers.Target `json:"fallback,omitempty" validate:"omitempty,dive"`
}

type Response struct {
	TraceID      string  `json:"trace_id"`
	Output       string  `json:"output"`
	LatencyMS    int64   `json:"latency_ms"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks request fields before any work is done.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(parts, "; "))
	}
	for i, target := range r.Fallback {
		if strings.TrimSpace(target.Model) == "" {
			return fmt.Errorf("%w: fallback[%d].model is required", ErrInvalidRequest, i)
		}
	}
	return nil
}

// Client routes a request down a provider chain. *router.Router satisfies it.
type Client interface {
	Route(ctx context.Context, chain []providers.Target, req providers.Request) (*router.Attempt, error)
}

// Recorder persists a completed inference. *trace.Recorder satisfies it.
type Recorder interface {
	Record(ctx context.Context, in trace.RecordInput) (*trace.Trace, error)
}

// Dispatcher queues a recorded trace for background evaluation.
// *evaluation.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(t *trace.Trace) bool
}

type Options struct {
	Logger *slog.Logger
}

type Service struct {
	resolver   prompt.Resolver
	client     Client
	recorder   Recorder
	store      trace.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewService wires the request path. dispatcher may be nil when evaluation
// is disabled.
func NewService(resolver prompt.Resolver, client Client, recorder Recorder, store trace.Store, dispatcher Dispatcher, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		resolver:   resolver,
		client:     client,
		recorder:   recorder,
		store:      store,
		dispatcher: dispatcher,
		logger:     opts.Logger,
	}
}

// RunInference resolves the prompt, routes it, records the trace and queues
// it for evaluation. The caller gets either a recorded trace or exactly one
// classified error.
func (s *Service) RunInference(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, span := observability.StartSpan(ctx, "inference.run",
		attribute.String("llmeval.prompt_name", req.PromptName),
		attribute.String("llmeval.prompt_version_id", req.PromptVersionID),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	ref := prompt.Ref{Name: strings.TrimSpace(req.PromptName), VersionID: strings.TrimSpace(req.PromptVersionID)}
	version, err := s.resolver.Resolve(ctx, ref)
	if errors.Is(err, prompt.ErrNotFound) {
		return nil, &ResolutionError{Ref: ref, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve prompt: %w", err)
	}
	span.SetAttributes(attribute.String("llmeval.prompt_version_id", version.ID))

	vars := req.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	system, err := prompt.Interpolate(version.SystemTemplate, vars)
	if err != nil {
		return nil, &InterpolationError{VersionID: version.ID, Err: err}
	}
	user, err := prompt.Interpolate(version.UserTemplate, vars)
	if err != nil {
		return nil, &InterpolationError{VersionID: version.ID, Err: err}
	}

	chain, err := buildChain(version, req)
	if err != nil {
		return nil, err
	}

	temperature := version.ModelConfig.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := version.ModelConfig.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	attempt, err := s.client.Route(ctx, chain, providers.Request{
		System:      system,
		User:        user,
		Temperature: version.Constraints.ClampTemperature(temperature),
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, err
	}

	model := attempt.Model
	if attempt.Result.Model != "" {
		model = attempt.Result.Model
	}
	recorded, err := s.recorder.Record(ctx, trace.RecordInput{
		PromptVersionID: version.ID,
		Inputs:          vars,
		SystemPrompt:    system,
		UserPrompt:      user,
		Output:          attempt.Result.Output,
		Provider:        attempt.Provider,
		Model:           model,
		InputTokens:     attempt.Result.InputTokens,
		OutputTokens:    attempt.Result.OutputTokens,
		LatencyMS:       attempt.Result.LatencyMS,
		CostUSD:         attempt.Result.CostUSD,
	})
	if err != nil {
		return nil, err
	}

	queued := false
	if s.dispatcher != nil {
		queued = s.dispatcher.Dispatch(recorded)
	}

	s.logger.InfoContext(ctx, "inference complete",
		"trace_id", recorded.ID,
		"prompt_version_id", version.ID,
		"provider", recorded.Provider,
		"model", recorded.Model,
		"latency_ms", recorded.LatencyMS,
		"fallbacks", len(attempt.Failures),
		"evaluation_queued", queued,
	)

	return &Response{
		TraceID:      recorded.ID,
		Output:       recorded.Output,
		LatencyMS:    recorded.LatencyMS,
		InputTokens:  recorded.InputTokens,
		OutputTokens: recorded.OutputTokens,
		CostUSD:      recorded.CostUSD,
		Provider:     recorded.Provider,
		Model:        recorded.Model,
	}, nil
}

// buildChain puts the requested or primary target first. The tail is the
// request's own fallback list when given, otherwise the version's fallback
// chain followed by its constraint fallback_models.
func buildChain(v *prompt.Version, req Request) ([]providers.Target, error) {
	allowed := func(model string) error {
		if v.Constraints.AllowsModel(model) {
			return nil
		}
		return &ConstraintError{VersionID: v.ID, Model: model, AllowedModels: v.Constraints.AllowedModels}
	}

	chain := make([]providers.Target, 0, 1+len(v.ModelConfig.Fallback)+len(v.Constraints.FallbackModels))
	switch model := strings.TrimSpace(req.Model); {
	case model != "":
		if err := allowed(model); err != nil {
			return nil, err
		}
		chain = append(chain, target(req.Provider, model))
	case strings.TrimSpace(req.Provider) != "":
		chain = append(chain, target(req.Provider, v.ModelConfig.Model))
	default:
		chain = append(chain, target(v.ModelConfig.Provider, v.ModelConfig.Model))
	}

	if len(req.Fallback) > 0 {
		for _, fb := range req.Fallback {
			if err := allowed(fb.Model); err != nil {
				return nil, err
			}
			chain = append(chain, target(fb.Provider, fb.Model))
		}
		return router.Dedupe(chain), nil
	}

	for _, fb := range v.ModelConfig.Fallback {
		chain = append(chain, target(fb.Provider, fb.Model))
	}
	for _, model := range v.Constraints.FallbackModels {
		chain = append(chain, target("", model))
	}
	return router.Dedupe(chain), nil
}

func target(provider, model string) providers.Target {
	model = strings.TrimSpace(model)
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = providers.InferProvider(model)
	}
	return providers.Target{Provider: provider, Model: model}
}

func (s *Service) GetTrace(ctx context.Context, id string) (*trace.Trace, error) {
	return s.store.GetTrace(ctx, id)
}

func (s *Service) QueryTraces(ctx context.Context, filter trace.TraceFilter) (*trace.TraceResult, error) {
	return s.store.QueryTraces(ctx, filter)
}

// GetEvaluations lists a trace's evaluations oldest first. A trace without
// evaluations yields an empty slice; an unknown trace yields trace.ErrNotFound.
func (s *Service) GetEvaluations(ctx context.Context, traceID string) ([]*trace.Evaluation, error) {
	if _, err := s.store.GetTrace(ctx, traceID); err != nil {
		return nil, err
	}
	evaluations, err := s.store.ListEvaluations(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if evaluations == nil {
		evaluations = []*trace.Evaluation{}
	}
	return evaluations, nil
}

// Reevaluate queues an existing trace for another evaluation pass. It
// reports false when the queue rejected the trace.
func (s *Service) Reevaluate(ctx context.Context, traceID string) (bool, error) {
	t, err := s.store.GetTrace(ctx, traceID)
	if err != nil {
		return false, err
	}
	if s.dispatcher == nil {
		return false, nil
	}
	return s.dispatcher.Dispatch(t), nil
}

func (s *Service) GetLeaderboard(ctx context.Context, filter trace.LeaderboardFilter) ([]trace.LeaderboardEntry, error) {
	entries, err := s.store.GetLeaderboard(ctx, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []trace.LeaderboardEntry{}
	}
	return entries, nil
}

// GetDrift returns the bucketed score series for one version, newest bucket
// first.
func (s *Service) GetDrift(ctx context.Context, versionID string, filter trace.DriftFilter) ([]trace.DriftPoint, error) {
	bucket, err := trace.NormalizeBucket(filter.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	filter.Bucket = bucket
	filter.PromptVersionID = versionID
	points, err := s.store.GetDriftSeries(ctx, filter)
	if err != nil {
		return nil, err
	}
	if points == nil {
		points = []trace.DriftPoint{}
	}
	return points, nil
}
