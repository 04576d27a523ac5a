package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/evaluation"
	"github.com/imTariful/LLM-evaluation/internal/storage"
)

const healthPingTimeout = 2 * time.Second

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Providers     []string
	// Ping checks the database. Nil skips the check.
	Ping     func(ctx context.Context) error
	Pipeline evaluation.DiagnosticsReader
}

type healthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	UptimeSec  int64                  `json:"uptime_sec"`
	Storage    healthStorage          `json:"storage"`
	Providers  []string               `json:"providers"`
	Evaluation healthEvaluationStatus `json:"evaluation"`
}

type healthStorage struct {
	Driver      string `json:"driver"`
	Reachable   bool   `json:"reachable"`
	Error       string `json:"error,omitempty"`
	DBSizeBytes int64  `json:"db_size_bytes,omitempty"`
}

type healthEvaluationStatus struct {
	Enabled       bool   `json:"enabled"`
	QueuePressure string `json:"queue_pressure,omitempty"`
}

// HealthHandler reports 503 when the database is unreachable and
// "degraded" when the evaluation queue is saturated. A saturated queue only
// drops evaluations, so the process still answers 200.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		resp := healthResponse{
			Status:    "ok",
			Version:   options.Version,
			UptimeSec: int64(time.Since(options.StartedAt).Seconds()),
			Storage:   healthStorage{Driver: options.StorageDriver, Reachable: true},
			Providers: options.Providers,
		}
		if resp.Providers == nil {
			resp.Providers = []string{}
		}

		if options.StorageDriver == storage.DriverSQLite && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				resp.Storage.DBSizeBytes = info.Size()
			}
		}

		status := http.StatusOK
		if options.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			err := options.Ping(ctx)
			cancel()
			if err != nil {
				resp.Status = "unavailable"
				resp.Storage.Reachable = false
				resp.Storage.Error = err.Error()
				status = http.StatusServiceUnavailable
			}
		}

		if options.Pipeline != nil {
			pressure := options.Pipeline.Diagnostics().QueuePressureState
			resp.Evaluation = healthEvaluationStatus{Enabled: true, QueuePressure: pressure}
			if pressure == evaluation.QueuePressureSaturated && status == http.StatusOK {
				resp.Status = "degraded"
			}
		}

		writeJSON(w, status, resp)
	})
}
