// Package prompt stores versioned prompt templates and resolves the version
// an inference request should run against.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound       = errors.New("prompt not found")
	ErrPromptExists   = errors.New("prompt already exists")
	ErrVersionExists  = errors.New("prompt version already exists")
	ErrInvalidVersion = errors.New("invalid semantic version")
	ErrInvalidPrompt  = errors.New("invalid prompt version")
)

// Prompt is a named family of versions.
type Prompt struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	Versions    []*Version `json:"versions,omitempty"`
}

// Target names one provider/model pair in a fallback chain. An empty
// Provider is inferred from the model name at routing time.
type Target struct {
	Provider string `json:"provider,omitempty" yaml:"provider" validate:"omitempty,oneof=openai anthropic gemini ollama mock"`
	Model    string `json:"model" yaml:"model" validate:"required"`
}

// ModelConfig is the primary target plus its explicit fallback chain.
type ModelConfig struct {
	Provider    string   `json:"provider,omitempty" yaml:"provider" validate:"omitempty,oneof=openai anthropic gemini ollama mock"`
	Model       string   `json:"model" yaml:"model" validate:"required"`
	Temperature float64  `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens" validate:"gte=0"`
	Fallback    []Target `json:"fallback,omitempty" yaml:"fallback" validate:"omitempty,dive"`
}

// Constraints are guardrails applied to per-request overrides.
type Constraints struct {
	AllowedModels  []string `json:"allowed_models,omitempty" yaml:"allowed_models" validate:"omitempty,dive,required"`
	MaxTemperature *float64 `json:"max_temperature,omitempty" yaml:"max_temperature" validate:"omitempty,gte=0,lte=2"`
	FallbackModels []string `json:"fallback_models,omitempty" yaml:"fallback_models" validate:"omitempty,dive,required"`
}

// AllowsModel reports whether model passes the allowed_models list. An empty
// list allows everything.
func (c Constraints) AllowsModel(model string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, allowed := range c.AllowedModels {
		if allowed == model {
			return true
		}
	}
	return false
}

// ClampTemperature caps temperature at MaxTemperature when one is set.
func (c Constraints) ClampTemperature(temperature float64) float64 {
	if c.MaxTemperature != nil && temperature > *c.MaxTemperature {
		return *c.MaxTemperature
	}
	return temperature
}

// Version is an immutable snapshot of a prompt. Only IsActive changes after
// creation.
type Version struct {
	ID              string      `json:"id"`
	PromptID        string      `json:"prompt_id"`
	PromptName      string      `json:"prompt_name"`
	Version         string      `json:"version"`
	SystemTemplate  string      `json:"system_template"`
	UserTemplate    string      `json:"user_template"`
	ModelConfig     ModelConfig `json:"model_config"`
	Constraints     Constraints `json:"constraints"`
	ParentVersionID string      `json:"parent_version_id,omitempty"`
	Author          string      `json:"author"`
	IsActive        bool        `json:"is_active"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Ref selects a version. VersionID wins over Name; Name alone resolves to
// the active version.
type Ref struct {
	Name      string
	VersionID string
}

type Resolver interface {
	Resolve(ctx context.Context, ref Ref) (*Version, error)
}

// NewVersion describes a version to create. Version may be left empty to
// bump the latest existing version by Bump (patch by default).
type NewVersion struct {
	Version         string      `json:"version,omitempty" yaml:"version"`
	Bump            string      `json:"bump,omitempty" yaml:"bump" validate:"omitempty,oneof=major minor patch"`
	SystemTemplate  string      `json:"system_template" yaml:"system_template"`
	UserTemplate    string      `json:"user_template" yaml:"user_template" validate:"required"`
	ModelConfig     ModelConfig `json:"model_config" yaml:"model_config"`
	Constraints     Constraints `json:"constraints" yaml:"constraints"`
	ParentVersionID string      `json:"parent_version_id,omitempty" yaml:"parent_version_id"`
	Author          string      `json:"author" yaml:"author"`
	Activate        bool        `json:"activate" yaml:"active"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field rules and template syntax of a version before it is
// written.
func (n NewVersion) Validate() error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPrompt, describeValidationError(err))
	}
	if strings.TrimSpace(n.Version) != "" {
		if _, err := ParseSemver(n.Version); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPrompt, err)
		}
	}
	for _, tmpl := range []string{n.SystemTemplate, n.UserTemplate} {
		if _, err := Placeholders(tmpl); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPrompt, err)
		}
	}
	return nil
}

func describeValidationError(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
