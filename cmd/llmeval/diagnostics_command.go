package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/config"
	"github.com/imTariful/LLM-evaluation/internal/evaluation"
	"github.com/imTariful/LLM-evaluation/internal/version"
)

const (
	defaultDiagnosticsFormat  = "text"
	defaultDiagnosticsTarget  = "evaluation-pipeline"
	defaultDiagnosticsTimeout = 5 * time.Second
	diagnosticsEndpointPath   = "/api/diagnostics/evaluation-pipeline"
)

type evaluationPipelineDiagnosticsDocument struct {
	SchemaVersion string                 `json:"schema_version"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Diagnostics   evaluation.Diagnostics `json:"diagnostics"`
}

func runDiagnostics(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	baseURL := flagSet.String("base-url", "", "Server base URL (defaults to value derived from config)")
	format := flagSet.String("format", defaultDiagnosticsFormat, "Output format: text or json")
	timeout := flagSet.Duration("timeout", defaultDiagnosticsTimeout, "HTTP timeout duration")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() > 1 {
		fmt.Fprintf(errOut, "diagnostics accepts at most one positional argument: %q\n", defaultDiagnosticsTarget)
		return 2
	}

	target := defaultDiagnosticsTarget
	if flagSet.NArg() == 1 {
		target = strings.TrimSpace(flagSet.Arg(0))
	}
	if target != defaultDiagnosticsTarget {
		fmt.Fprintf(errOut, "unsupported diagnostics target %q: expected %q\n", target, defaultDiagnosticsTarget)
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("diagnostics", *format, defaultDiagnosticsFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintf(errOut, "invalid diagnostics timeout %q: must be greater than 0\n", timeout.String())
		return 2
	}

	resolvedBaseURL, err := resolveDiagnosticsBaseURL(strings.TrimSpace(*configPath), strings.TrimSpace(*baseURL))
	if err != nil {
		fmt.Fprintf(errOut, "failed to resolve diagnostics endpoint: %v\n", err)
		return 1
	}

	document, err := fetchEvaluationPipelineDiagnostics(resolvedBaseURL, *timeout)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read diagnostics: %v\n", err)
		return 1
	}
	if err := writeEvaluationPipelineDiagnostics(out, normalizedFormat, document, resolvedBaseURL); err != nil {
		fmt.Fprintf(errOut, "failed to write diagnostics output: %v\n", err)
		return 1
	}
	return 0
}

// resolveDiagnosticsBaseURL prefers an explicit --base-url and falls back to
// the configured listen address.
func resolveDiagnosticsBaseURL(configPath, baseURL string) (string, error) {
	resolved := strings.TrimSpace(baseURL)
	if resolved == "" {
		cfg, stage, err := loadAndValidateConfig(configPath)
		if err != nil {
			if stage == configStageLoad {
				return "", fmt.Errorf("load config: %w", err)
			}
			return "", fmt.Errorf("config validation failed: %w", err)
		}
		resolved = serverBaseURL(cfg)
	}
	return normalizeDiagnosticsBaseURL(resolved)
}

func serverBaseURL(cfg config.Config) string {
	host := strings.TrimSpace(cfg.Server.Host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(cfg.Server.Port))
}

func normalizeDiagnosticsBaseURL(rawBaseURL string) (string, error) {
	value := strings.TrimSpace(rawBaseURL)
	if value == "" {
		return "", fmt.Errorf("base URL is empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("base URL must include http or https scheme")
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", fmt.Errorf("base URL must include host")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

func fetchEvaluationPipelineDiagnostics(baseURL string, timeout time.Duration) (evaluationPipelineDiagnosticsDocument, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	endpoint := strings.TrimRight(baseURL, "/") + diagnosticsEndpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return evaluationPipelineDiagnosticsDocument{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return evaluationPipelineDiagnosticsDocument{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return evaluationPipelineDiagnosticsDocument{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(body))
		var errorPayload map[string]any
		if err := json.Unmarshal(body, &errorPayload); err == nil {
			if value, ok := errorPayload["error"].(string); ok && strings.TrimSpace(value) != "" {
				message = strings.TrimSpace(value)
			}
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return evaluationPipelineDiagnosticsDocument{}, fmt.Errorf("status %d: %s", resp.StatusCode, message)
	}

	var document evaluationPipelineDiagnosticsDocument
	if err := json.Unmarshal(body, &document); err != nil {
		return evaluationPipelineDiagnosticsDocument{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(document.SchemaVersion) == "" {
		return evaluationPipelineDiagnosticsDocument{}, fmt.Errorf("missing schema_version in diagnostics response")
	}
	return document, nil
}

func writeEvaluationPipelineDiagnostics(out io.Writer, format string, document evaluationPipelineDiagnosticsDocument, baseURL string) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(document)
	}

	d := document.Diagnostics
	fmt.Fprintln(out, "LLM Evaluation Diagnostics")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Schema version\t%s\n", document.SchemaVersion)
	fmt.Fprintf(meta, "Generated at\t%s\n", document.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(meta, "Source\t%s\n", strings.TrimRight(strings.TrimSpace(baseURL), "/")+diagnosticsEndpointPath)
	fmt.Fprintf(meta, "Queue pressure\t%s\n", strings.ToUpper(strings.TrimSpace(d.QueuePressureState)))
	fmt.Fprintf(meta, "High watermark pressure\t%s\n", strings.ToUpper(strings.TrimSpace(d.QueueHighWatermarkPressureState)))
	fmt.Fprintf(meta, "Evaluators\t%s\n", valueOr(strings.Join(d.Evaluators, ", "), "(none)"))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nQueue")
	queue := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(queue, "Capacity\t%d\n", d.QueueCapacity)
	fmt.Fprintf(queue, "Depth\t%d\n", d.QueueDepth)
	fmt.Fprintf(queue, "Depth high watermark\t%d\n", d.QueueDepthHighWatermark)
	fmt.Fprintf(queue, "Utilization (pct)\t%d\n", d.QueueUtilizationPct)
	fmt.Fprintf(queue, "Workers\t%d\n", d.Workers)
	fmt.Fprintf(queue, "Dispatch accepted total\t%d\n", d.DispatchAcceptedTotal)
	fmt.Fprintf(queue, "Dispatch dropped total\t%d\n", d.DispatchDroppedTotal)
	fmt.Fprintf(queue, "Last dispatch drop at\t%s\n", timePtrOr(d.LastDispatchDropAt, "(none)"))
	if err := queue.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nEvaluations")
	evals := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(evals, "In flight\t%d\n", d.EvaluationsInFlight)
	fmt.Fprintf(evals, "Written total\t%d\n", d.EvaluationsWrittenTotal)
	fmt.Fprintf(evals, "Skipped total\t%d\n", d.EvaluationsSkippedTotal)
	fmt.Fprintf(evals, "Failures total\t%d\n", d.EvaluationFailuresTotal)
	classes := make([]string, 0, len(d.FailuresByClass))
	for class := range d.FailuresByClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintf(evals, "Failures (%s)\t%d\n", class, d.FailuresByClass[class])
	}
	return evals.Flush()
}
