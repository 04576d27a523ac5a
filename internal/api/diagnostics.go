package api

import (
	"net/http"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/evaluation"
)

type evaluationPipelineDiagnosticsResponse struct {
	SchemaVersion string                 `json:"schema_version"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Diagnostics   evaluation.Diagnostics `json:"diagnostics"`
}

func EvaluationPipelineDiagnosticsHandler(reader evaluation.DiagnosticsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, "evaluation pipeline is not enabled")
			return
		}

		writeJSON(w, http.StatusOK, evaluationPipelineDiagnosticsResponse{
			SchemaVersion: evaluation.DiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   reader.Diagnostics(),
		})
	})
}
