package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/evaluation"
	"github.com/imTariful/LLM-evaluation/internal/storage"
)

func TestWriteJSONFallsBackOnUnencodablePayload(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusAccepted, struct {
		Score func() float64 `json:"score"`
	}{Score: func() float64 { return 1 }})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"internal server error"}` {
		t.Fatalf("body=%q", got)
	}
}

func TestHealthReportsStorageAndPipeline(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "llmeval.db")
	if err := os.WriteFile(dbPath, make([]byte, 2048), 0o600); err != nil {
		t.Fatalf("write db file: %v", err)
	}

	handler := HealthHandler(HealthOptions{
		Version:       "1.0.0",
		StartedAt:     time.Now().Add(-time.Minute),
		StorageDriver: storage.DriverSQLite,
		StoragePath:   dbPath,
		Providers:     []string{"mock", "openai"},
		Ping:          func(context.Context) error { return nil },
		Pipeline: stubDiagnostics{snapshot: evaluation.Diagnostics{
			QueuePressureState: evaluation.QueuePressureElevated,
		}},
	})

	rec := serve(t, handler, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var health healthResponse
	decodeBody(t, rec, &health)
	if health.Status != "ok" || health.UptimeSec < 59 {
		t.Fatalf("health=%+v", health)
	}
	if !health.Storage.Reachable || health.Storage.DBSizeBytes != 2048 {
		t.Fatalf("storage=%+v, want reachable with 2048 bytes", health.Storage)
	}
	if strings.Join(health.Providers, ",") != "mock,openai" {
		t.Fatalf("providers=%v", health.Providers)
	}
	if !health.Evaluation.Enabled || health.Evaluation.QueuePressure != evaluation.QueuePressureElevated {
		t.Fatalf("evaluation=%+v", health.Evaluation)
	}
}

func TestHealthDegradedWhenQueueSaturated(t *testing.T) {
	t.Parallel()

	handler := HealthHandler(HealthOptions{
		StorageDriver: storage.DriverPostgres,
		Pipeline: stubDiagnostics{snapshot: evaluation.Diagnostics{
			QueuePressureState: evaluation.QueuePressureSaturated,
		}},
	})
	rec := serve(t, handler, http.MethodGet, "/api/health", "")
	var health healthResponse
	decodeBody(t, rec, &health)
	if rec.Code != http.StatusOK || health.Status != "degraded" {
		t.Fatalf("status=%d health=%+v, want 200 degraded", rec.Code, health)
	}
	if health.Providers == nil {
		t.Fatal("providers should encode as [] when none are registered")
	}
}

func TestHealthUnavailableWhenPingFails(t *testing.T) {
	t.Parallel()

	handler := HealthHandler(HealthOptions{
		StorageDriver: storage.DriverPostgres,
		Ping:          func(context.Context) error { return errors.New("connection refused") },
	})
	rec := serve(t, handler, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	var health healthResponse
	decodeBody(t, rec, &health)
	if health.Status != "unavailable" || health.Storage.Reachable || health.Storage.Error != "connection refused" {
		t.Fatalf("health=%+v", health)
	}
	if health.Evaluation.Enabled {
		t.Fatal("evaluation should be reported disabled without a pipeline")
	}

	rec = serve(t, handler, http.MethodPost, "/api/health", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status=%d, want 405", rec.Code)
	}
}
