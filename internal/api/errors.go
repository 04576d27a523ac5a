package api

import (
	"errors"
	"net/http"

	"github.com/imTariful/LLM-evaluation/internal/inference"
	"github.com/imTariful/LLM-evaluation/internal/prompt"
	"github.com/imTariful/LLM-evaluation/internal/providers"
	"github.com/imTariful/LLM-evaluation/internal/router"
	"github.com/imTariful/LLM-evaluation/internal/trace"
)

type exhaustedResponse struct {
	Error    string           `json:"error"`
	Failures []router.Failure `json:"failures"`
}

// writeServiceError maps a service error to its HTTP status. internalMsg is
// the body used for unclassified failures so storage details are not leaked.
func writeServiceError(w http.ResponseWriter, err error, internalMsg string) {
	var (
		resolutionErr    *inference.ResolutionError
		interpolationErr *inference.InterpolationError
		constraintErr    *inference.ConstraintError
		exhaustedErr     *router.ExhaustedError
		providerErr      *providers.ProviderError
		persistenceErr   *trace.PersistenceError
	)

	switch {
	case errors.Is(err, inference.ErrInvalidRequest),
		errors.As(err, &interpolationErr),
		errors.As(err, &constraintErr),
		errors.Is(err, trace.ErrInvalidCursor),
		errors.Is(err, prompt.ErrInvalidVersion),
		errors.Is(err, prompt.ErrInvalidPrompt):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &resolutionErr),
		errors.Is(err, trace.ErrNotFound),
		errors.Is(err, prompt.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, prompt.ErrPromptExists),
		errors.Is(err, prompt.ErrVersionExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &exhaustedErr):
		writeJSON(w, http.StatusBadGateway, exhaustedResponse{
			Error:    router.ErrAllProvidersExhausted.Error(),
			Failures: exhaustedErr.Failures,
		})
	case errors.As(err, &providerErr) && providerErr.Kind == providers.KindInvalidRequest:
		writeError(w, http.StatusBadRequest, providerErr.Error())
	case errors.As(err, &persistenceErr):
		writeError(w, http.StatusInternalServerError, "failed to persist trace")
	default:
		writeError(w, http.StatusInternalServerError, internalMsg)
	}
}
