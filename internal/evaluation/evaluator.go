// Package evaluation scores recorded traces with independent evaluators and
// fans traces out to them in the background.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/imTariful/LLM-evaluation/internal/trace"
)

// Evaluator scores a single trace. Returning (nil, nil) means the evaluator
// has nothing to say about the trace and no result is recorded.
type Evaluator interface {
	ID() string
	Evaluate(ctx context.Context, t *trace.Trace) (*trace.Evaluation, error)
}

// Failure classes reported for evaluator errors.
const (
	FailureClassTimeout   = "timeout"
	FailureClassPanic     = "panic"
	FailureClassMalformed = "malformed_output"
	FailureClassProvider  = "provider"
	FailureClassStore     = "store"
	FailureClassBacklog   = "backlog"
	FailureClassUnknown   = "unknown"
)

// EvaluatorError wraps a failure from one evaluator on one trace. It is
// logged and counted, never surfaced to the inference caller.
type EvaluatorError struct {
	EvaluatorID string
	TraceID     string
	Class       string
	Err         error
}

func (e *EvaluatorError) Error() string {
	return fmt.Sprintf("evaluator %s on trace %s (%s): %v", e.EvaluatorID, e.TraceID, e.Class, e.Err)
}

func (e *EvaluatorError) Unwrap() error {
	return e.Err
}

// Registry holds evaluators keyed by ID.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

func NewRegistry(evaluators ...Evaluator) (*Registry, error) {
	r := &Registry{evaluators: make(map[string]Evaluator, len(evaluators))}
	for _, e := range evaluators {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(e Evaluator) error {
	if e == nil {
		return fmt.Errorf("evaluator is nil")
	}
	id := strings.TrimSpace(e.ID())
	if id == "" {
		return fmt.Errorf("evaluator id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.evaluators[id]; exists {
		return fmt.Errorf("evaluator %q already registered", id)
	}
	r.evaluators[id] = e
	return nil
}

func (r *Registry) Get(id string) (Evaluator, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[id]
	return e, ok
}

// List returns evaluators sorted by ID.
func (r *Registry) List() []Evaluator {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.evaluators))
	for id := range r.evaluators {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Evaluator, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.evaluators[id])
	}
	return out
}

func (r *Registry) IDs() []string {
	evaluators := r.List()
	ids := make([]string, 0, len(evaluators))
	for _, e := range evaluators {
		ids = append(ids, e.ID())
	}
	return ids
}

func classifyEvaluatorError(err error) string {
	switch {
	case err == nil:
		return FailureClassUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return FailureClassTimeout
	case errors.Is(err, ErrMalformedJudgeOutput):
		return FailureClassMalformed
	case errors.Is(err, errEvaluatorPanic):
		return FailureClassPanic
	case errors.Is(err, errStoreWrite):
		return FailureClassStore
	case isProviderFailure(err):
		return FailureClassProvider
	default:
		return FailureClassUnknown
	}
}
