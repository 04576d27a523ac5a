package trace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imTariful/LLM-evaluation/internal/observability"
	"github.com/imTariful/LLM-evaluation/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultRecorderMaxAttempts = 3
	defaultRecorderBackoff     = 20 * time.Millisecond
)

// RecordInput is everything the inference path knows about a completed call.
type RecordInput struct {
	PromptVersionID string
	Inputs          map[string]string
	SystemPrompt    string
	UserPrompt      string
	Output          string
	Provider        string
	Model           string
	InputTokens     int
	OutputTokens    int
	LatencyMS       int64
	CostUSD         float64
}

type RecorderOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
	Now         func() time.Time

	OnRecorded       func()
	OnPersistFailure func(errorClass string)
}

// Recorder assigns identity and a monotonic timestamp to each trace and
// writes it synchronously, retrying transient store failures.
type Recorder struct {
	store       Store
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	onRecorded       func()
	onPersistFailure func(string)

	// mu serializes stamping and writing.
	mu   sync.Mutex
	last time.Time
}

func NewRecorder(store Store, opts RecorderOptions) *Recorder {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultRecorderMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultRecorderBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		store:            store,
		maxAttempts:      opts.MaxAttempts,
		backoff:          opts.Backoff,
		logger:           opts.Logger,
		now:              opts.Now,
		onRecorded:       opts.OnRecorded,
		onPersistFailure: opts.OnPersistFailure,
	}
}

// Record validates in, stamps it and writes it. Failures that survive the
// retry budget are returned as *PersistenceError.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (*Trace, error) {
	inputs := make(map[string]string, len(in.Inputs))
	for k, v := range in.Inputs {
		inputs[k] = v
	}
	item := &Trace{
		ID:              uuid.NewString(),
		PromptVersionID: in.PromptVersionID,
		Inputs:          inputs,
		SystemPrompt:    in.SystemPrompt,
		UserPrompt:      in.UserPrompt,
		Output:          in.Output,
		Provider:        in.Provider,
		Model:           in.Model,
		InputTokens:     in.InputTokens,
		OutputTokens:    in.OutputTokens,
		LatencyMS:       in.LatencyMS,
		CostUSD:         roundCost(in.CostUSD),
	}
	if err := validateTrace(item); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "trace.record",
		attribute.String("llmeval.trace_id", item.ID),
		attribute.String("llmeval.prompt_version_id", item.PromptVersionID),
	)
	// Stamp and insert in one critical section so insertion order matches
	// timestamp order.
	r.mu.Lock()
	item.Timestamp = r.nextTimestamp()
	item.CreatedAt = item.Timestamp
	err := r.write(ctx, item)
	r.mu.Unlock()
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	if r.onRecorded != nil {
		r.onRecorded()
	}
	return item, nil
}

func (r *Recorder) write(ctx context.Context, item *Trace) error {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = r.store.WriteTrace(ctx, item)
		if err == nil {
			return nil
		}
		// A unique violation on a retry means an earlier attempt committed
		// even though its result was lost.
		if attempt > 1 && storage.IsUniqueViolation(err) {
			r.logger.Info("trace write confirmed by duplicate key on retry", "trace_id", item.ID, "attempt", attempt)
			return nil
		}

		class := ClassifyWriteError(err)
		if !r.retryable(ctx, class) || attempt == r.maxAttempts {
			break
		}
		r.logger.Warn("trace write failed; retrying", "trace_id", item.ID, "attempt", attempt, "error_class", class, "error", err)
		if waitErr := sleepContext(ctx, time.Duration(attempt)*r.backoff); waitErr != nil {
			err = errors.Join(err, waitErr)
			break
		}
	}

	class := ClassifyWriteError(err)
	if r.onPersistFailure != nil {
		r.onPersistFailure(class)
	}
	r.logger.Error("trace persistence failed", "trace_id", item.ID, "error_class", class, "error", err)
	return &PersistenceError{TraceID: item.ID, Class: class, Err: err}
}

func (r *Recorder) retryable(ctx context.Context, class string) bool {
	switch class {
	case WriteErrorClassConnection, WriteErrorClassContention:
		return true
	case WriteErrorClassTimeout:
		return ctx.Err() == nil
	default:
		return false
	}
}

// nextTimestamp returns max(now, last) so timestamps never go backwards
// within the process. r.mu must be held.
func (r *Recorder) nextTimestamp() time.Time {
	now := r.now().UTC()
	if now.Before(r.last) {
		now = r.last
	}
	r.last = now
	return now
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
