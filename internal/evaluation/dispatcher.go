package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/observability"
	"github.com/imTariful/LLM-evaluation/internal/trace"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

const DiagnosticsSchemaVersion = "evaluation-pipeline-diagnostics.v1"

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

const (
	defaultQueueSize        = 256
	defaultWorkers          = 4
	defaultEvaluatorTimeout = 60 * time.Second
)

var (
	errEvaluatorPanic = errors.New("evaluator panicked")
	errStoreWrite     = errors.New("write evaluation")
	errBacklogFull    = errors.New("evaluator backlog full")
)

// Diagnostics is a point-in-time snapshot of queue pressure and evaluator
// outcomes.
type Diagnostics struct {
	SchemaVersion                    string           `json:"schema_version"`
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	QueueHighWatermarkPressureState  string           `json:"queue_high_watermark_pressure_state"`
	Workers                          int              `json:"workers"`
	Evaluators                       []string         `json:"evaluators"`
	DispatchAcceptedTotal            int64            `json:"dispatch_accepted_total"`
	DispatchDroppedTotal             int64            `json:"dispatch_dropped_total"`
	EvaluationsInFlight              int64            `json:"evaluations_in_flight"`
	EvaluationsWrittenTotal          int64            `json:"evaluations_written_total"`
	EvaluationsSkippedTotal          int64            `json:"evaluations_skipped_total"`
	EvaluationFailuresTotal          int64            `json:"evaluation_failures_total"`
	FailuresByClass                  map[string]int64 `json:"failures_by_class,omitempty"`
	LastDispatchDropAt               *time.Time       `json:"last_dispatch_drop_at,omitempty"`
}

// DiagnosticsReader exposes dispatcher diagnostics to the API.
type DiagnosticsReader interface {
	Diagnostics() Diagnostics
}

// DispatcherMetrics holds optional callbacks invoked at pipeline events.
type DispatcherMetrics struct {
	OnAccepted   func()
	OnDrop       func()
	OnEvaluation func(evaluatorID string, score float64, duration time.Duration)
	OnFailure    func(evaluatorID, errorClass string)
}

// EvaluationWriter persists evaluation results. trace.Store satisfies it.
type EvaluationWriter interface {
	WriteEvaluation(ctx context.Context, evaluation *trace.Evaluation) error
}

type DispatcherOptions struct {
	QueueSize        int
	Workers          int
	EvaluatorTimeout time.Duration
	Logger           *slog.Logger
}

// Dispatcher fans each dispatched trace out to every registered evaluator
// on background goroutines. Dispatch never blocks: when the queue is full
// the new trace is rejected and counted as dropped.
//
// Concurrency is bounded per evaluator: each evaluator runs at most Workers
// calls at once and keeps at most QueueSize calls waiting for a slot. A slow
// evaluator only backs up its own lane.
type Dispatcher struct {
	store    EvaluationWriter
	registry *Registry
	queue    chan *trace.Trace
	workers  int
	timeout  time.Duration
	logger   *slog.Logger

	wg          sync.WaitGroup
	jobs        sync.WaitGroup
	lanesMu     sync.Mutex
	lanes       map[string]*evaluatorLane
	started     atomic.Bool
	stopped     atomic.Bool
	stopOnce    sync.Once
	doneOnce    sync.Once
	done        chan struct{}
	queueMu     sync.RWMutex
	lifecycleMu sync.RWMutex
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	metrics     atomic.Value // *DispatcherMetrics

	queueDepthHighWatermark atomic.Int64
	acceptedTotal           atomic.Int64
	droppedTotal            atomic.Int64
	lastDropUnixNano        atomic.Int64
	inFlight                atomic.Int64
	writtenTotal            atomic.Int64
	skippedTotal            atomic.Int64
	failuresTotal           atomic.Int64

	failuresMu      sync.Mutex
	failuresByClass map[string]int64
}

// evaluatorLane bounds the calls of one evaluator.
type evaluatorLane struct {
	slots   *semaphore.Weighted
	pending atomic.Int64
}

func NewDispatcher(store EvaluationWriter, registry *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.EvaluatorTimeout <= 0 {
		opts.EvaluatorTimeout = defaultEvaluatorTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		store:           store,
		registry:        registry,
		queue:           make(chan *trace.Trace, opts.QueueSize),
		workers:         opts.Workers,
		timeout:         opts.EvaluatorTimeout,
		logger:          opts.Logger,
		done:            make(chan struct{}),
		lanes:           make(map[string]*evaluatorLane),
		failuresByClass: make(map[string]int64),
	}
	d.metrics.Store(&DispatcherMetrics{})
	return d
}

// SetMetrics replaces the metric callbacks.
func (d *Dispatcher) SetMetrics(m *DispatcherMetrics) {
	if d == nil {
		return
	}
	if m == nil {
		m = &DispatcherMetrics{}
	}
	d.metrics.Store(m)
}

func (d *Dispatcher) loadMetrics() *DispatcherMetrics {
	m, _ := d.metrics.Load().(*DispatcherMetrics)
	if m == nil {
		return &DispatcherMetrics{}
	}
	return m
}

// Start launches the workers. Evaluator contexts derive from ctx, never from
// the request that produced a trace.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	baseCtx, cancel := context.WithCancel(ctx)
	d.lifecycleMu.Lock()
	d.baseCtx = baseCtx
	d.baseCancel = cancel
	d.lifecycleMu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(baseCtx)
	}
	go func() {
		// Workers add jobs, so every Add happens before this Wait.
		d.wg.Wait()
		d.jobs.Wait()
		d.markDone()
	}()
}

// Dispatch enqueues t for evaluation. It returns false when the dispatcher
// is stopped or the queue is full.
func (d *Dispatcher) Dispatch(t *trace.Trace) bool {
	if t == nil || d.stopped.Load() {
		return false
	}
	d.queueMu.RLock()
	defer d.queueMu.RUnlock()
	if d.stopped.Load() {
		return false
	}

	select {
	case d.queue <- t:
		d.acceptedTotal.Add(1)
		d.observeQueueDepth(len(d.queue))
		if m := d.loadMetrics(); m.OnAccepted != nil {
			m.OnAccepted()
		}
		return true
	default:
		d.droppedTotal.Add(1)
		d.observeQueueDepth(cap(d.queue))
		d.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
		d.logger.Warn("evaluation queue full; dropping trace", "trace_id", t.ID, "queue_capacity", cap(d.queue))
		if m := d.loadMetrics(); m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (d *Dispatcher) Stop() {
	_ = d.Shutdown(context.Background())
}

// Shutdown stops accepting traces, lets workers drain the queue and waits
// for in-flight evaluators. When ctx expires first the evaluators are
// cancelled and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		d.queueMu.Lock()
		close(d.queue)
		d.queueMu.Unlock()
		if !d.started.Load() {
			d.markDone()
		}
	})

	select {
	case <-d.done:
		d.cancelBase()
		return nil
	case <-ctx.Done():
		d.cancelBase()
		return ctx.Err()
	}
}

func (d *Dispatcher) cancelBase() {
	d.lifecycleMu.RLock()
	cancel := d.baseCancel
	d.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Dispatcher) markDone() {
	d.doneOnce.Do(func() {
		close(d.done)
	})
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(ctx, t)
		}
	}
}

// process hands t to every evaluator's lane and returns without waiting, so
// a worker is never held by a slow evaluator.
func (d *Dispatcher) process(ctx context.Context, t *trace.Trace) {
	for _, e := range d.registry.List() {
		lane := d.lane(e.ID())
		if lane.pending.Add(1) > int64(cap(d.queue)) {
			lane.pending.Add(-1)
			d.recordFailure(&EvaluatorError{EvaluatorID: e.ID(), TraceID: t.ID, Class: FailureClassBacklog, Err: errBacklogFull})
			continue
		}

		d.jobs.Add(1)
		go func(e Evaluator) {
			defer d.jobs.Done()
			defer lane.pending.Add(-1)
			if err := lane.slots.Acquire(ctx, 1); err != nil {
				d.recordFailure(&EvaluatorError{EvaluatorID: e.ID(), TraceID: t.ID, Class: FailureClassTimeout, Err: err})
				return
			}
			defer lane.slots.Release(1)

			d.inFlight.Add(1)
			defer d.inFlight.Add(-1)
			d.runEvaluator(ctx, t, e)
		}(e)
	}
}

func (d *Dispatcher) lane(evaluatorID string) *evaluatorLane {
	d.lanesMu.Lock()
	defer d.lanesMu.Unlock()
	lane, ok := d.lanes[evaluatorID]
	if !ok {
		lane = &evaluatorLane{slots: semaphore.NewWeighted(int64(d.workers))}
		d.lanes[evaluatorID] = lane
	}
	return lane
}

func (d *Dispatcher) runEvaluator(base context.Context, t *trace.Trace, e Evaluator) {
	ctx, cancel := context.WithTimeout(base, d.timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "evaluation.evaluate",
		attribute.String("llmeval.evaluator_id", e.ID()),
		attribute.String("llmeval.trace_id", t.ID),
	)
	started := time.Now()
	result, err := d.evaluate(ctx, t, e)
	observability.EndSpan(span, err)

	if err != nil {
		d.recordFailure(&EvaluatorError{EvaluatorID: e.ID(), TraceID: t.ID, Class: classifyEvaluatorError(err), Err: err})
		return
	}
	if result == nil {
		d.skippedTotal.Add(1)
		return
	}

	d.writtenTotal.Add(1)
	if m := d.loadMetrics(); m.OnEvaluation != nil {
		m.OnEvaluation(e.ID(), result.AggregateScore, time.Since(started))
	}
	d.logger.Debug("evaluation recorded", "trace_id", t.ID, "evaluator_id", e.ID(), "aggregate_score", result.AggregateScore)
}

func (d *Dispatcher) evaluate(ctx context.Context, t *trace.Trace, e Evaluator) (result *trace.Evaluation, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", errEvaluatorPanic, r)
		}
	}()

	result, err = e.Evaluate(ctx, t)
	if err != nil || result == nil {
		return nil, err
	}
	result.TraceID = t.ID
	if result.EvaluatorID == "" {
		result.EvaluatorID = e.ID()
	}
	if err := d.store.WriteEvaluation(ctx, result); err != nil {
		return nil, fmt.Errorf("%w: %w", errStoreWrite, err)
	}
	return result, nil
}

func (d *Dispatcher) recordFailure(evalErr *EvaluatorError) {
	d.failuresTotal.Add(1)
	d.failuresMu.Lock()
	d.failuresByClass[evalErr.Class]++
	d.failuresMu.Unlock()

	d.logger.Warn("evaluator failed", "trace_id", evalErr.TraceID, "evaluator_id", evalErr.EvaluatorID, "error_class", evalErr.Class, "error", evalErr.Err)
	if m := d.loadMetrics(); m.OnFailure != nil {
		m.OnFailure(evalErr.EvaluatorID, evalErr.Class)
	}
}

func (d *Dispatcher) Diagnostics() Diagnostics {
	if d == nil {
		return Diagnostics{SchemaVersion: DiagnosticsSchemaVersion}
	}

	queueCapacity := cap(d.queue)
	queueDepth := len(d.queue)
	highWatermark := int(d.queueDepthHighWatermark.Load())
	if queueDepth > highWatermark {
		highWatermark = queueDepth
	}
	utilPct := queueUtilizationPct(queueDepth, queueCapacity)
	highWatermarkPct := queueUtilizationPct(highWatermark, queueCapacity)

	snapshot := Diagnostics{
		SchemaVersion:                    DiagnosticsSchemaVersion,
		QueueCapacity:                    queueCapacity,
		QueueDepth:                       queueDepth,
		QueueDepthHighWatermark:          highWatermark,
		QueueUtilizationPct:              utilPct,
		QueueHighWatermarkUtilizationPct: highWatermarkPct,
		QueuePressureState:               queuePressureState(utilPct),
		QueueHighWatermarkPressureState:  queuePressureState(highWatermarkPct),
		Workers:                          d.workers,
		Evaluators:                       d.registry.IDs(),
		DispatchAcceptedTotal:            d.acceptedTotal.Load(),
		DispatchDroppedTotal:             d.droppedTotal.Load(),
		EvaluationsInFlight:              d.inFlight.Load(),
		EvaluationsWrittenTotal:          d.writtenTotal.Load(),
		EvaluationsSkippedTotal:          d.skippedTotal.Load(),
		EvaluationFailuresTotal:          d.failuresTotal.Load(),
	}
	if ts := d.lastDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastDispatchDropAt = &last
	}

	d.failuresMu.Lock()
	if len(d.failuresByClass) > 0 {
		snapshot.FailuresByClass = make(map[string]int64, len(d.failuresByClass))
		for class, n := range d.failuresByClass {
			snapshot.FailuresByClass[class] = n
		}
	}
	d.failuresMu.Unlock()

	return snapshot
}

func (d *Dispatcher) observeQueueDepth(depth int) {
	value := int64(depth)
	for {
		current := d.queueDepthHighWatermark.Load()
		if value <= current {
			return
		}
		if d.queueDepthHighWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
