package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/config"
	"github.com/imTariful/LLM-evaluation/internal/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 200
	reportSchemaVersion = "report.v1"
)

type reportDocument struct {
	SchemaVersion string                   `json:"schema_version"`
	GeneratedAt   time.Time                `json:"generated_at"`
	Storage       reportStorageInfo        `json:"storage"`
	Filters       reportFilterInfo         `json:"filters"`
	Summary       reportSummaryInfo        `json:"summary"`
	Leaderboard   []trace.LeaderboardEntry `json:"leaderboard"`
	Recent        []reportTraceInfo        `json:"recent_traces"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	EvaluatorID string     `json:"evaluator_id,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	Limit       int        `json:"limit"`
}

type reportSummaryInfo struct {
	PromptVersions   int      `json:"prompt_versions"`
	TotalTraces      int64    `json:"total_traces"`
	TotalEvaluations int64    `json:"total_evaluations"`
	TopVersion       string   `json:"top_version,omitempty"`
	TopMeanScore     *float64 `json:"top_mean_score,omitempty"`
}

type reportTraceInfo struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	PromptVersionID string    `json:"prompt_version_id"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	LatencyMS       int64     `json:"latency_ms"`
	CostUSD         float64   `json:"cost_usd"`
}

type reportStore interface {
	GetLeaderboard(ctx context.Context, filter trace.LeaderboardFilter) ([]trace.LeaderboardEntry, error)
	QueryTraces(ctx context.Context, filter trace.TraceFilter) (*trace.TraceResult, error)
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	fromRaw := flagSet.String("from", "", "Report start time (RFC3339 or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "Report end time (RFC3339 or YYYY-MM-DD)")
	evaluatorID := flagSet.String("evaluator", "", "Only count scores from this evaluator")
	limit := flagSet.Int("limit", defaultReportLimit, "Leaderboard and recent trace count (1-200)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}

	from, err := parseCLITime(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid from: %v\n", err)
		return 2
	}
	to, err := parseCLITime(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid to: %v\n", err)
		return 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}
	store, _, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	report, err := buildReport(context.Background(), store, cfg, trace.LeaderboardFilter{
		From:        from,
		To:          to,
		EvaluatorID: strings.TrimSpace(*evaluatorID),
		Limit:       *limit,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	if err := writeReport(out, normalizedFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}
	return 0
}

func buildReport(ctx context.Context, store reportStore, cfg config.Config, filter trace.LeaderboardFilter) (reportDocument, error) {
	var (
		entries []trace.LeaderboardEntry
		recent  *trace.TraceResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = store.GetLeaderboard(gctx, filter)
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = store.QueryTraces(gctx, trace.TraceFilter{From: filter.From, To: filter.To, Limit: filter.Limit})
		return err
	})
	if err := g.Wait(); err != nil {
		return reportDocument{}, err
	}
	if entries == nil {
		entries = []trace.LeaderboardEntry{}
	}
	if recent == nil {
		recent = &trace.TraceResult{}
	}

	summary := reportSummaryInfo{PromptVersions: len(entries)}
	for _, entry := range entries {
		summary.TotalTraces += entry.TraceCount
		summary.TotalEvaluations += entry.EvaluationCount
		if entry.MeanScore == nil {
			continue
		}
		if summary.TopMeanScore == nil || *entry.MeanScore > *summary.TopMeanScore {
			score := *entry.MeanScore
			summary.TopMeanScore = &score
			summary.TopVersion = entry.PromptName + "@" + entry.Version
		}
	}

	recentRows := make([]reportTraceInfo, 0, len(recent.Items))
	for _, item := range recent.Items {
		if item == nil {
			continue
		}
		recentRows = append(recentRows, reportTraceInfo{
			ID:              item.ID,
			Timestamp:       item.Timestamp,
			PromptVersionID: item.PromptVersionID,
			Provider:        item.Provider,
			Model:           item.Model,
			LatencyMS:       item.LatencyMS,
			CostUSD:         item.CostUSD,
		})
	}

	storagePath := ""
	if strings.TrimSpace(cfg.Storage.Driver) == "sqlite" {
		storagePath = cfg.Storage.Path
	}

	return reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Storage:       reportStorageInfo{Driver: cfg.Storage.Driver, Path: storagePath},
		Filters: reportFilterInfo{
			EvaluatorID: filter.EvaluatorID,
			From:        optionalTime(filter.From),
			To:          optionalTime(filter.To),
			Limit:       filter.Limit,
		},
		Summary:     summary,
		Leaderboard: entries,
		Recent:      recentRows,
	}, nil
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "LLM Evaluation Report")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Schema version\t%s\n", report.SchemaVersion)
	fmt.Fprintf(meta, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Storage driver\t%s\n", report.Storage.Driver)
	if strings.TrimSpace(report.Storage.Path) != "" {
		fmt.Fprintf(meta, "Storage path\t%s\n", report.Storage.Path)
	}
	fmt.Fprintf(meta, "Filter evaluator\t%s\n", valueOr(report.Filters.EvaluatorID, "(all)"))
	fmt.Fprintf(meta, "Filter from\t%s\n", timePtrOr(report.Filters.From, "(all)"))
	fmt.Fprintf(meta, "Filter to\t%s\n", timePtrOr(report.Filters.To, "(all)"))
	fmt.Fprintf(meta, "Filter limit\t%d\n", report.Filters.Limit)
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nSummary")
	summary := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(summary, "Prompt versions\t%d\n", report.Summary.PromptVersions)
	fmt.Fprintf(summary, "Total traces\t%d\n", report.Summary.TotalTraces)
	fmt.Fprintf(summary, "Total evaluations\t%d\n", report.Summary.TotalEvaluations)
	fmt.Fprintf(summary, "Top version\t%s\n", valueOr(report.Summary.TopVersion, "(none)"))
	fmt.Fprintf(summary, "Top mean score\t%s\n", scoreOr(report.Summary.TopMeanScore, "(none)"))
	if err := summary.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nLeaderboard")
	if len(report.Leaderboard) == 0 {
		fmt.Fprintln(out, "(no prompt versions)")
	} else {
		board := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(board, "RANK\tPROMPT\tVERSION\tMEAN_SCORE\tEVALUATIONS\tTRACES\tMEAN_LATENCY_MS\tMEAN_COST_USD\tLAST_SEEN")
		for i, entry := range report.Leaderboard {
			fmt.Fprintf(board, "%d\t%s\t%s\t%s\t%d\t%d\t%.2f\t%.6f\t%s\n",
				i+1,
				entry.PromptName,
				entry.Version,
				scoreOr(entry.MeanScore, "-"),
				entry.EvaluationCount,
				entry.TraceCount,
				entry.MeanLatencyMS,
				entry.MeanCostUSD,
				timeOr(entry.LastTimestamp, "(never)"),
			)
		}
		if err := board.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nRecent Traces")
	if len(report.Recent) == 0 {
		fmt.Fprintln(out, "(no traces)")
		return nil
	}
	traces := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(traces, "TIMESTAMP\tPROVIDER\tMODEL\tLATENCY_MS\tCOST_USD\tPROMPT_VERSION_ID\tTRACE_ID")
	for _, row := range report.Recent {
		fmt.Fprintf(traces, "%s\t%s\t%s\t%d\t%.6f\t%s\t%s\n",
			timeOr(row.Timestamp, "(unknown)"),
			valueOr(row.Provider, "(unknown)"),
			valueOr(row.Model, "(unknown)"),
			row.LatencyMS,
			row.CostUSD,
			row.PromptVersionID,
			row.ID,
		)
	}
	return traces.Flush()
}

func scoreOr(score *float64, fallback string) string {
	if score == nil {
		return fallback
	}
	return fmt.Sprintf("%.3f", *score)
}
