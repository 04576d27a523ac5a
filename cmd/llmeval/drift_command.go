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

	"github.com/imTariful/LLM-evaluation/internal/drift"
)

const defaultDriftFormat = "text"

type driftCheckDocument struct {
	CheckedAt time.Time       `json:"checked_at"`
	Drifted   int             `json:"drifted"`
	Reports   []*drift.Report `json:"reports"`
}

func runDrift(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "check" {
		printDriftUsage(errOut)
		return 2
	}
	return runDriftCheck(args[1:], out, errOut)
}

func runDriftCheck(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("drift check", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	versionID := flagSet.String("version-id", "", "Check one prompt version instead of every active version")
	format := flagSet.String("format", defaultDriftFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "drift check does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("drift check", *format, defaultDriftFormat)
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

	var reports []*drift.Report
	if id := strings.TrimSpace(*versionID); id != "" {
		report, err := eng.detector.CheckVersion(context.Background(), id)
		if err != nil {
			fmt.Fprintf(errOut, "drift check failed: %v\n", err)
			return 1
		}
		reports = []*drift.Report{report}
	} else {
		reports, err = eng.detector.CheckAll(context.Background())
		if err != nil {
			fmt.Fprintf(errOut, "drift check failed: %v\n", err)
			return 1
		}
	}

	document := driftCheckDocument{CheckedAt: time.Now().UTC(), Reports: reports}
	if document.Reports == nil {
		document.Reports = []*drift.Report{}
	}
	for _, r := range reports {
		if r.Drifted() {
			document.Drifted++
		}
	}

	if normalizedFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		err = encoder.Encode(document)
	} else {
		err = writeDriftText(out, document)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to write drift report: %v\n", err)
		return 1
	}
	return 0
}

func writeDriftText(out io.Writer, document driftCheckDocument) error {
	if len(document.Reports) == 0 {
		fmt.Fprintln(out, "(no active prompt versions)")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROMPT\tVERSION\tSEVERITY\tACTION\tDROP\tBASELINE_MEAN\tBASELINE_N\tCURRENT_MEAN\tCURRENT_N\tVERSION_ID")
	for _, r := range document.Reports {
		severity := r.Severity
		if !r.Sufficient {
			severity = "insufficient_data"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.3f\t%.3f\t%d\t%.3f\t%d\t%s\n",
			valueOr(r.PromptName, "(unknown)"),
			valueOr(r.Version, "(unknown)"),
			severity,
			valueOr(r.RecommendedAction, "-"),
			r.Drop,
			r.BaselineMean,
			r.BaselineCount,
			r.CurrentMean,
			r.CurrentCount,
			r.PromptVersionID,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d of %d versions drifted\n", document.Drifted, len(document.Reports))
	return nil
}

func printDriftUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmeval drift check [--config path/to/llmeval.yaml] [--version-id ID] [--format text|json]")
}
