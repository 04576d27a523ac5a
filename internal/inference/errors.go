package inference

import (
	"errors"
	"fmt"
	"strings"

	"github.com/imTariful/LLM-evaluation/internal/prompt"
)

// ErrInvalidRequest marks caller input that fails validation before any
// prompt is resolved.
var ErrInvalidRequest = errors.New("invalid inference request")

// ResolutionError reports that no prompt version matched the request.
type ResolutionError struct {
	Ref prompt.Ref
	Err error
}

func (e *ResolutionError) Error() string {
	target := e.Ref.VersionID
	if target == "" {
		target = e.Ref.Name
	}
	return fmt.Sprintf("resolve prompt %q: %v", target, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// InterpolationError reports a template that could not be rendered with the
// supplied variables.
type InterpolationError struct {
	VersionID string
	Err       error
}

func (e *InterpolationError) Error() string {
	return fmt.Sprintf("render prompt version %s: %v", e.VersionID, e.Err)
}

func (e *InterpolationError) Unwrap() error {
	return e.Err
}

// ConstraintError reports a model override outside the version's
// allowed_models.
type ConstraintError struct {
	VersionID     string
	Model         string
	AllowedModels []string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("model %q is not allowed by prompt version %s (allowed: %s)",
		e.Model, e.VersionID, strings.Join(e.AllowedModels, ", "))
}
