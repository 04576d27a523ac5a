package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/imTariful/LLM-evaluation/internal/inference"
	"github.com/imTariful/LLM-evaluation/internal/router"
)

func InferenceHandler(svc InferenceService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "inference is not configured")
			return
		}

		var req inference.Request
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}

		resp, err := svc.RunInference(r.Context(), req)
		if err != nil {
			if errors.Is(err, router.ErrAllProvidersExhausted) {
				logger.WarnContext(r.Context(), "inference failed on every provider", "error", err)
			} else {
				logger.DebugContext(r.Context(), "inference rejected", "error", err)
			}
			writeServiceError(w, err, "inference failed")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}
