// Package drift compares recent evaluation scores of active prompt versions
// against a trailing baseline and raises alerts on quality decay.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/observability"
	"github.com/imTariful/LLM-evaluation/internal/prompt"
	"github.com/imTariful/LLM-evaluation/internal/trace"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	SeverityNone   = "none"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

const (
	ActionNone        = "none"
	ActionInvestigate = "investigate"
	ActionRollback    = "rollback"
)

const (
	defaultBaselineWindow   = 7 * 24 * time.Hour
	defaultCurrentWindow    = 24 * time.Hour
	defaultMinBaselineCount = 30
	defaultMinCurrentCount  = 10
	defaultMediumThreshold  = 0.05
	defaultHighThreshold    = 0.15
	defaultCheckInterval    = time.Hour
	defaultConcurrency      = 4

	highConfidence   = 0.92
	mediumConfidence = 0.75
)

// ScoreReader reads aggregate scores over a time window. trace.Store
// satisfies it.
type ScoreReader interface {
	GetScoreWindow(ctx context.Context, filter trace.ScoreWindowFilter) (*trace.ScoreWindow, error)
}

// VersionSource lists the versions to check. prompt.SQLStore satisfies it.
type VersionSource interface {
	GetVersion(ctx context.Context, id string) (*prompt.Version, error)
	ListActiveVersions(ctx context.Context) ([]*prompt.Version, error)
}

type Options struct {
	BaselineWindow time.Duration
	CurrentWindow  time.Duration
	// Both windows must hold strictly more evaluations than these counts.
	MinBaselineCount int64
	MinCurrentCount  int64
	MediumThreshold  float64
	HighThreshold    float64
	EvaluatorID      string
	CheckInterval    time.Duration
	Concurrency      int
	Logger           *slog.Logger
	Now              func() time.Time
	OnAlert          func(severity string)
}

// Report is the outcome of one drift check.
type Report struct {
	PromptVersionID   string    `json:"prompt_version_id"`
	PromptName        string    `json:"prompt_name,omitempty"`
	Version           string    `json:"version,omitempty"`
	DriftType         string    `json:"drift_type"`
	Severity          string    `json:"severity"`
	Confidence        float64   `json:"confidence"`
	RecommendedAction string    `json:"recommended_action"`
	Drop              float64   `json:"drop"`
	BaselineMean      float64   `json:"baseline_mean"`
	BaselineCount     int64     `json:"baseline_count"`
	CurrentMean       float64   `json:"current_mean"`
	CurrentCount      int64     `json:"current_count"`
	Sufficient        bool      `json:"sufficient_data"`
	BaselineFrom      time.Time `json:"baseline_from"`
	CurrentFrom       time.Time `json:"current_from"`
	CheckedAt         time.Time `json:"checked_at"`
}

// Drifted reports whether the check produced an alertable severity.
func (r *Report) Drifted() bool {
	return r != nil && r.Severity != SeverityNone
}

type Detector struct {
	scores   ScoreReader
	versions VersionSource
	alerter  Alerter
	opts     Options
}

func NewDetector(scores ScoreReader, versions VersionSource, alerter Alerter, opts Options) *Detector {
	if opts.BaselineWindow <= 0 {
		opts.BaselineWindow = defaultBaselineWindow
	}
	if opts.CurrentWindow <= 0 {
		opts.CurrentWindow = defaultCurrentWindow
	}
	if opts.MinBaselineCount <= 0 {
		opts.MinBaselineCount = defaultMinBaselineCount
	}
	if opts.MinCurrentCount <= 0 {
		opts.MinCurrentCount = defaultMinCurrentCount
	}
	if opts.MediumThreshold <= 0 {
		opts.MediumThreshold = defaultMediumThreshold
	}
	if opts.HighThreshold <= 0 {
		opts.HighThreshold = defaultHighThreshold
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if alerter == nil {
		alerter = LogAlerter{Logger: opts.Logger}
	}
	return &Detector{scores: scores, versions: versions, alerter: alerter, opts: opts}
}

// CheckVersion runs a drift check for one version by ID.
func (d *Detector) CheckVersion(ctx context.Context, versionID string) (*Report, error) {
	v, err := d.versions.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return d.Check(ctx, v)
}

// Check compares the current window of v against its baseline window and
// alerts when the mean score dropped past a threshold. An alert delivery
// failure is logged and does not fail the check.
func (d *Detector) Check(ctx context.Context, v *prompt.Version) (report *Report, err error) {
	ctx, span := observability.StartSpan(ctx, "drift.check", attribute.String("llmeval.prompt_version_id", v.ID))
	defer func() { observability.EndSpan(span, err) }()

	now := d.opts.Now().UTC()
	currentFrom := now.Add(-d.opts.CurrentWindow)
	baselineFrom := currentFrom.Add(-d.opts.BaselineWindow)

	baseline, err := d.scores.GetScoreWindow(ctx, trace.ScoreWindowFilter{
		PromptVersionID: v.ID,
		From:            baselineFrom,
		To:              currentFrom,
		EvaluatorID:     d.opts.EvaluatorID,
	})
	if err != nil {
		return nil, fmt.Errorf("baseline window: %w", err)
	}
	current, err := d.scores.GetScoreWindow(ctx, trace.ScoreWindowFilter{
		PromptVersionID: v.ID,
		From:            currentFrom,
		To:              now,
		EvaluatorID:     d.opts.EvaluatorID,
	})
	if err != nil {
		return nil, fmt.Errorf("current window: %w", err)
	}

	report = &Report{
		PromptVersionID:   v.ID,
		PromptName:        v.PromptName,
		Version:           v.Version,
		DriftType:         "quality_decay",
		Severity:          SeverityNone,
		RecommendedAction: ActionNone,
		BaselineMean:      baseline.Mean,
		BaselineCount:     baseline.Count,
		CurrentMean:       current.Mean,
		CurrentCount:      current.Count,
		BaselineFrom:      baselineFrom,
		CurrentFrom:       currentFrom,
		CheckedAt:         now,
	}
	if baseline.Count <= d.opts.MinBaselineCount || current.Count <= d.opts.MinCurrentCount {
		return report, nil
	}
	report.Sufficient = true
	if baseline.Mean > 0 {
		report.Drop = (baseline.Mean - current.Mean) / baseline.Mean
	}
	d.classify(report)

	if report.Drifted() {
		d.opts.Logger.Warn("prompt quality drift detected",
			"prompt_version_id", v.ID,
			"severity", report.Severity,
			"drop_pct", report.Drop*100,
		)
		if d.opts.OnAlert != nil {
			d.opts.OnAlert(report.Severity)
		}
		if alertErr := d.alerter.Alert(ctx, report); alertErr != nil {
			d.opts.Logger.Error("drift alert delivery failed", "prompt_version_id", v.ID, "error", alertErr)
		}
	}
	return report, nil
}

func (d *Detector) classify(r *Report) {
	switch {
	case r.Drop > d.opts.HighThreshold:
		r.Severity, r.Confidence, r.RecommendedAction = SeverityHigh, highConfidence, ActionRollback
	case r.Drop > d.opts.MediumThreshold:
		r.Severity, r.Confidence, r.RecommendedAction = SeverityMedium, mediumConfidence, ActionInvestigate
	}
}

// CheckAll checks every active version with bounded parallelism. Reports
// keep the order of ListActiveVersions.
func (d *Detector) CheckAll(ctx context.Context) ([]*Report, error) {
	versions, err := d.versions.ListActiveVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active versions: %w", err)
	}

	reports := make([]*Report, len(versions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, v := range versions {
		i, v := i, v
		g.Go(func() error {
			report, err := d.Check(gctx, v)
			if err != nil {
				return fmt.Errorf("check version %s: %w", v.ID, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Run checks all active versions every CheckInterval until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	logger := d.opts.Logger.With("component", "drift.detector")
	logger.Info("drift detector started", "interval", d.opts.CheckInterval.String())

	ticker := time.NewTicker(d.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("drift detector stopped")
			return
		case <-ticker.C:
			reports, err := d.CheckAll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("drift check failed", "error", err)
				}
				continue
			}
			drifted := 0
			for _, r := range reports {
				if r.Drifted() {
					drifted++
				}
			}
			logger.Debug("drift check complete", "versions", len(reports), "drifted", drifted)
		}
	}
}
