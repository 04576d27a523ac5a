package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/imTariful/LLM-evaluation/internal/inference"
	"github.com/imTariful/LLM-evaluation/internal/router"
)

const defaultInferFormat = "text"

// variableFlags collects repeated --var key=value flags.
type variableFlags map[string]string

func (v variableFlags) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+v[k])
	}
	return strings.Join(parts, ",")
}

func (v variableFlags) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	v[key] = value
	return nil
}

func runInfer(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("infer", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	promptName := flagSet.String("prompt", "", "Prompt name; runs the active version")
	versionID := flagSet.String("version-id", "", "Prompt version id; wins over --prompt")
	provider := flagSet.String("provider", "", "Provider override")
	model := flagSet.String("model", "", "Model override")
	maxTokens := flagSet.Int("max-tokens", 0, "Max tokens override")
	format := flagSet.String("format", defaultInferFormat, "Output format: text or json")
	vars := variableFlags{}
	flagSet.Var(vars, "var", "Template variable as key=value (repeatable)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "infer does not accept positional arguments")
		return 2
	}
	if strings.TrimSpace(*promptName) == "" && strings.TrimSpace(*versionID) == "" {
		fmt.Fprintln(errOut, "infer requires --prompt or --version-id")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("infer", *format, defaultInferFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}
	store, prompts, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	eng, err := buildEngine(context.Background(), cfg, store, prompts, engineOptions{Logger: quietLogger(errOut)})
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize engine: %v\n", err)
		return 1
	}

	resp, err := eng.service.RunInference(context.Background(), inference.Request{
		PromptName:      strings.TrimSpace(*promptName),
		PromptVersionID: strings.TrimSpace(*versionID),
		Variables:       vars,
		Provider:        strings.TrimSpace(*provider),
		Model:           strings.TrimSpace(*model),
		MaxTokens:       *maxTokens,
	})
	if err != nil {
		writeInferError(errOut, err)
		return 1
	}

	if normalizedFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(resp); err != nil {
			fmt.Fprintf(errOut, "failed to write response: %v\n", err)
			return 1
		}
		return 0
	}
	if err := writeInferText(out, resp); err != nil {
		fmt.Fprintf(errOut, "failed to write response: %v\n", err)
		return 1
	}
	return 0
}

func writeInferError(errOut io.Writer, err error) {
	var exhausted *router.ExhaustedError
	if errors.As(err, &exhausted) {
		fmt.Fprintln(errOut, "inference failed: all providers exhausted")
		for _, failure := range exhausted.Failures {
			fmt.Fprintf(errOut, "  %s\n", failure.String())
		}
		return
	}
	fmt.Fprintf(errOut, "inference failed: %v\n", err)
}

func writeInferText(out io.Writer, resp *inference.Response) error {
	fmt.Fprintln(out, resp.Output)
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Trace ID\t%s\n", resp.TraceID)
	fmt.Fprintf(w, "Provider\t%s\n", resp.Provider)
	fmt.Fprintf(w, "Model\t%s\n", resp.Model)
	fmt.Fprintf(w, "Latency (ms)\t%d\n", resp.LatencyMS)
	fmt.Fprintf(w, "Tokens (in/out)\t%d/%d\n", resp.InputTokens, resp.OutputTokens)
	fmt.Fprintf(w, "Cost (USD)\t%.6f\n", resp.CostUSD)
	return w.Flush()
}
