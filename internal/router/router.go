// Package router runs an inference request down a fallback chain of
// providers until one succeeds.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/observability"
	"github.com/imTariful/LLM-evaluation/internal/providers"
	"go.opentelemetry.io/otel/attribute"
)

const defaultAttemptTimeout = 30 * time.Second

var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// Failure records one unsuccessful attempt.
type Failure struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Kind     providers.Kind `json:"kind"`
	Err      error          `json:"-"`
}

func (f Failure) String() string {
	return fmt.Sprintf("%s/%s: %s", f.Provider, f.Model, f.Err)
}

// ExhaustedError is returned when every target in the chain failed.
type ExhaustedError struct {
	Failures []Failure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, failure.String())
	}
	return fmt.Sprintf("%s: %s", ErrAllProvidersExhausted, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

// Attempt is the winning adapter result plus the failures before it.
type Attempt struct {
	Provider string
	Model    string
	Result   *providers.Result
	Failures []Failure
}

// AttemptObserver is told about every attempt outcome. outcome is "success"
// or a providers.Kind.
type AttemptObserver func(provider, outcome string, latency time.Duration)

type Options struct {
	AttemptTimeout time.Duration
	Logger         *slog.Logger
	OnAttempt      AttemptObserver
}

type Router struct {
	registry       *providers.Registry
	attemptTimeout time.Duration
	logger         *slog.Logger
	onAttempt      AttemptObserver
}

func New(registry *providers.Registry, opts Options) *Router {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		registry:       registry,
		attemptTimeout: opts.AttemptTimeout,
		logger:         opts.Logger,
		onAttempt:      opts.OnAttempt,
	}
}

// Dedupe drops consecutive duplicate targets.
func Dedupe(chain []providers.Target) []providers.Target {
	out := make([]providers.Target, 0, len(chain))
	for _, target := range chain {
		if n := len(out); n > 0 && out[n-1] == target {
			continue
		}
		out = append(out, target)
	}
	return out
}

// Route tries chain in order. req.Model is replaced by each target's model.
// InvalidRequest and caller cancellation stop the chain; every other failure
// advances it.
func (r *Router) Route(ctx context.Context, chain []providers.Target, req providers.Request) (*Attempt, error) {
	chain = Dedupe(chain)
	if len(chain) == 0 {
		return nil, &ExhaustedError{}
	}

	failures := make([]Failure, 0, len(chain))
	for _, target := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := r.attempt(ctx, target, req)
		if err == nil {
			return &Attempt{Provider: target.Provider, Model: target.Model, Result: result, Failures: failures}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		kind := providers.KindOf(err)
		failures = append(failures, Failure{Provider: target.Provider, Model: target.Model, Kind: kind, Err: err})
		if kind == providers.KindInvalidRequest {
			return nil, err
		}
		r.logger.Warn("provider attempt failed, advancing chain",
			"provider", target.Provider,
			"model", target.Model,
			"kind", string(kind),
			"error", err,
		)
	}
	return nil, &ExhaustedError{Failures: failures}
}

func (r *Router) attempt(ctx context.Context, target providers.Target, req providers.Request) (result *providers.Result, err error) {
	ctx, span := observability.StartSpan(ctx, "router.attempt",
		attribute.String("llmeval.provider", target.Provider),
		attribute.String("llmeval.model", target.Model),
	)
	started := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(providers.KindOf(err))
		}
		span.SetAttributes(attribute.String("llmeval.outcome", outcome))
		observability.EndSpan(span, err)
		if r.onAttempt != nil {
			r.onAttempt(target.Provider, outcome, time.Since(started))
		}
	}()

	adapter, ok := r.registry.Get(target.Provider)
	if !ok {
		return nil, &providers.ProviderError{
			Kind:     providers.KindUnavailable,
			Provider: target.Provider,
			Message:  "provider is not registered",
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	req.Model = target.Model
	result, err = adapter.Invoke(attemptCtx, req)
	if err != nil {
		var perr *providers.ProviderError
		if !errors.As(err, &perr) {
			err = &providers.ProviderError{Kind: providers.KindUnknown, Provider: target.Provider, Err: err}
		}
		return nil, err
	}
	if result.Model == "" {
		result.Model = target.Model
	}
	return result, nil
}
