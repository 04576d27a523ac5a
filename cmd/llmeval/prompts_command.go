package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/imTariful/LLM-evaluation/internal/prompt"
)

const defaultPromptsFormat = "text"

func runPrompts(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printPromptsUsage(errOut)
		return 2
	}

	switch args[0] {
	case "import":
		return runPromptsImport(args[1:], out, errOut)
	case "list":
		return runPromptsList(args[1:], out, errOut)
	default:
		printPromptsUsage(errOut)
		return 2
	}
}

func runPromptsImport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("prompts import", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "prompts import requires exactly one seed file argument")
		return 2
	}

	seed, err := prompt.LoadSeed(strings.TrimSpace(flagSet.Arg(0)))
	if err != nil {
		fmt.Fprintf(errOut, "invalid prompt seed: %v\n", err)
		return 1
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

	result, err := prompt.Import(context.Background(), prompts, seed)
	if err != nil {
		fmt.Fprintf(errOut, "failed to import prompts: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "imported prompts: %d created, %d versions created, %d versions skipped\n",
		result.PromptsCreated, result.VersionsCreated, result.VersionsSkipped)
	return 0
}

func runPromptsList(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("prompts list", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultPromptsFormat, "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "prompts list does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("prompts list", *format, defaultPromptsFormat)
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

	versions, err := listAllVersions(context.Background(), prompts)
	if err != nil {
		fmt.Fprintf(errOut, "failed to list prompts: %v\n", err)
		return 1
	}

	if normalizedFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(map[string]any{"items": versions}); err != nil {
			fmt.Fprintf(errOut, "failed to write prompts: %v\n", err)
			return 1
		}
		return 0
	}
	if err := writePromptVersionsText(out, versions); err != nil {
		fmt.Fprintf(errOut, "failed to write prompts: %v\n", err)
		return 1
	}
	return 0
}

type versionLister interface {
	ListPrompts(ctx context.Context) ([]*prompt.Prompt, error)
	ListVersions(ctx context.Context, promptName string) ([]*prompt.Version, error)
}

func listAllVersions(ctx context.Context, store versionLister) ([]*prompt.Version, error) {
	prompts, err := store.ListPrompts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*prompt.Version, 0, len(prompts))
	for _, p := range prompts {
		versions, err := store.ListVersions(ctx, p.Name)
		if err != nil {
			return nil, fmt.Errorf("list versions of %q: %w", p.Name, err)
		}
		out = append(out, versions...)
	}
	return out, nil
}

func writePromptVersionsText(out io.Writer, versions []*prompt.Version) error {
	if len(versions) == 0 {
		fmt.Fprintln(out, "(no prompts)")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROMPT\tVERSION\tACTIVE\tPROVIDER\tMODEL\tCREATED_AT\tVERSION_ID")
	for _, v := range versions {
		active := ""
		if v.IsActive {
			active = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.PromptName,
			v.Version,
			active,
			valueOr(v.ModelConfig.Provider, "(inferred)"),
			v.ModelConfig.Model,
			timeOr(v.CreatedAt, "(unknown)"),
			v.ID,
		)
	}
	return w.Flush()
}

func printPromptsUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmeval prompts import [--config path/to/llmeval.yaml] <seed.yaml>")
	fmt.Fprintln(out, "  llmeval prompts list [--config path/to/llmeval.yaml] [--format text|json]")
}

