package prompt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout accepted by LoadSeed.
type SeedFile struct {
	Prompts []SeedPrompt `yaml:"prompts"`
}

type SeedPrompt struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Versions    []NewVersion `yaml:"versions"`
}

// ImportResult counts what an import changed. Versions already present are
// skipped so imports can be repeated.
type ImportResult struct {
	PromptsCreated  int `json:"prompts_created"`
	VersionsCreated int `json:"versions_created"`
	VersionsSkipped int `json:"versions_skipped"`
}

func LoadSeed(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt seed %q: %w", path, err)
	}
	return ParseSeed(raw)
}

func ParseSeed(raw []byte) (*SeedFile, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)

	var seed SeedFile
	if err := decoder.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return &seed, nil
		}
		return nil, fmt.Errorf("parse prompt seed: %w", err)
	}
	var extra any
	if err := decoder.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse prompt seed: multiple YAML documents are not supported")
	}

	seen := make(map[string]bool, len(seed.Prompts))
	for i, p := range seed.Prompts {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("prompts[%d].name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("prompts[%d].name %q is duplicated", i, name)
		}
		seen[name] = true
		if len(p.Versions) == 0 {
			return nil, fmt.Errorf("prompts[%d].versions must not be empty", i)
		}
		for j, v := range p.Versions {
			if strings.TrimSpace(v.Version) == "" {
				return nil, fmt.Errorf("prompts[%d].versions[%d].version is required", i, j)
			}
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("prompts[%d].versions[%d]: %w", i, j, err)
			}
		}
	}
	return &seed, nil
}

type seedWriter interface {
	CreatePrompt(ctx context.Context, name, description string, first NewVersion) (*Prompt, *Version, error)
	CreateVersion(ctx context.Context, promptName string, in NewVersion) (*Version, error)
}

// Import writes seed into store. Prompts import concurrently; versions of one
// prompt import in file order.
func Import(ctx context.Context, store seedWriter, seed *SeedFile) (ImportResult, error) {
	var prompts, created, skipped atomic.Int64
	if seed == nil {
		return ImportResult{}, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, sp := range seed.Prompts {
		sp := sp
		group.Go(func() error {
			for i, v := range sp.Versions {
				if i == 0 {
					_, _, err := store.CreatePrompt(groupCtx, sp.Name, sp.Description, v)
					switch {
					case err == nil:
						prompts.Add(1)
						created.Add(1)
						continue
					case !errors.Is(err, ErrPromptExists):
						return fmt.Errorf("import prompt %q: %w", sp.Name, err)
					}
				}
				_, err := store.CreateVersion(groupCtx, sp.Name, v)
				switch {
				case err == nil:
					created.Add(1)
				case errors.Is(err, ErrVersionExists):
					skipped.Add(1)
				default:
					return fmt.Errorf("import %s@%s: %w", sp.Name, v.Version, err)
				}
			}
			return nil
		})
	}
	err := group.Wait()
	return ImportResult{
		PromptsCreated:  int(prompts.Load()),
		VersionsCreated: int(created.Load()),
		VersionsSkipped: int(skipped.Load()),
	}, err
}
