package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/imTariful/LLM-evaluation/internal/trace"
	"golang.org/x/sync/errgroup"
)

const kbReadConcurrency = 8

func runKB(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "import" {
		printKBUsage(errOut)
		return 2
	}
	return runKBImport(args[1:], out, errOut)
}

func runKBImport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("kb import", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() == 0 {
		fmt.Fprintln(errOut, "kb import requires at least one file")
		return 2
	}

	docs, err := readKnowledgeFiles(context.Background(), flagSet.Args())
	if err != nil {
		fmt.Fprintf(errOut, "failed to read knowledge files: %v\n", err)
		return 1
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}
	store, _, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	imported := 0
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if err := store.WriteKnowledgeDocument(context.Background(), doc); err != nil {
			fmt.Fprintf(errOut, "failed to store %s: %v\n", doc.Source, err)
			return 1
		}
		imported++
	}
	fmt.Fprintf(out, "imported %d knowledge documents (%d empty files skipped)\n", imported, len(docs)-imported)
	return 0
}

// readKnowledgeFiles reads every path concurrently, one document per file.
// Blank files leave a nil slot so the result keeps argument order.
func readKnowledgeFiles(ctx context.Context, paths []string) ([]*trace.KnowledgeDocument, error) {
	docs := make([]*trace.KnowledgeDocument, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(kbReadConcurrency)
	for i, path := range paths {
		i, path := i, strings.TrimSpace(path)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			content := strings.TrimSpace(string(raw))
			if content == "" {
				return nil
			}
			docs[i] = &trace.KnowledgeDocument{Source: filepath.Base(path), Content: content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func printKBUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  llmeval kb import [--config path/to/llmeval.yaml] <file>...")
}
