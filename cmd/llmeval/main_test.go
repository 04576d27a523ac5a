package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/imTariful/LLM-evaluation/internal/config"
	"github.com/imTariful/LLM-evaluation/internal/observability"
	"github.com/imTariful/LLM-evaluation/internal/requestid"
)

const testSeedYAML = `
prompts:
  - name: greeting
    description: Friendly greeting
    versions:
      - version: 1.0.0
        user_template: "Say hello to {name} in a friendly tone."
        model_config:
          provider: mock
          model: mock-model
        author: tests
        active: true
`

// writeTestConfig writes a sqlite-backed config using only the mock
// provider. extra is appended verbatim.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()

	dir := t.TempDir()
	body := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: 18080
storage:
  driver: sqlite
  path: %q
providers:
  mock:
    enabled: true
evaluation:
  enabled: false
%s`, filepath.Join(dir, "llmeval.db"), extra)

	path := filepath.Join(dir, "llmeval.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeSeedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if err := os.WriteFile(path, []byte(testSeedYAML), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, "")
	var stdout, stderr bytes.Buffer
	if code := runConfig([]string{"validate", "--config", configPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("runConfig(validate) code=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "config is valid") {
		t.Fatalf("stdout=%q, want validity message", stdout.String())
	}

	invalidPath := writeTestConfig(t, "drift:\n  medium_threshold: 0.5\n  high_threshold: 0.2\n")
	stdout.Reset()
	stderr.Reset()
	if code := runConfig([]string{"validate", "--config", invalidPath}, &stdout, &stderr); code != 1 {
		t.Fatalf("runConfig(validate invalid) code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "drift thresholds") {
		t.Fatalf("stderr=%q, want drift threshold error", stderr.String())
	}

	if code := runConfig(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("runConfig(nil) code=%d, want 2", code)
	}
	if code := runConfig([]string{"validate", "extra"}, &stdout, &stderr); code != 2 {
		t.Fatalf("runConfig(validate extra) code=%d, want 2", code)
	}
}

func newTestEngine(t *testing.T, cfg config.Config, evaluate bool) *engine {
	t.Helper()

	store, prompts, err := openStores(cfg)
	if err != nil {
		t.Fatalf("openStores() err=%v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eng, err := buildEngine(context.Background(), cfg, store, prompts, engineOptions{
		Logger:   discardLogger(),
		Evaluate: evaluate,
	})
	if err != nil {
		t.Fatalf("buildEngine() err=%v", err)
	}
	return eng
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "llmeval.db")
	return cfg
}

func TestBuildEngineWiresEvaluationOnlyWhenRequested(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	offline := newTestEngine(t, cfg, false)
	if offline.dispatcher != nil || offline.hallucination != nil {
		t.Fatal("offline engine should not build the evaluation pipeline")
	}
	if offline.service == nil || offline.detector == nil {
		t.Fatal("offline engine should still build inference and drift")
	}

	cfg = testConfig(t)
	online := newTestEngine(t, cfg, true)
	if online.dispatcher == nil || online.hallucination == nil {
		t.Fatal("serving engine should build the evaluation pipeline")
	}
	got := strings.Join(evaluatorIDs(online), ",")
	if got != "hallucination,judge-mock-judge" {
		t.Fatalf("evaluatorIDs()=%q, want hallucination,judge-mock-judge", got)
	}
	online.invalidateCorpus()
	offline.invalidateCorpus()
}

func TestOpenStoresRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Storage.Driver = "mysql"
	if _, _, err := openStores(cfg); err == nil || !strings.Contains(err.Error(), "unsupported storage.driver") {
		t.Fatalf("openStores(mysql) err=%v, want unsupported driver", err)
	}
}

func TestBuildAlerter(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Drift
	if _, err := buildAlerter(cfg, http.DefaultClient, discardLogger()); err != nil {
		t.Fatalf("buildAlerter(no webhook) err=%v", err)
	}
	cfg.WebhookURL = "https://hooks.example.com/drift"
	if _, err := buildAlerter(cfg, http.DefaultClient, discardLogger()); err != nil {
		t.Fatalf("buildAlerter(webhook) err=%v", err)
	}
}

func TestJudgeTargetInfersProvider(t *testing.T) {
	t.Parallel()

	if got := judgeTarget("", " mock-judge "); got.Model != "mock-judge" || got.Provider == "" {
		t.Fatalf("judgeTarget(inferred)=%+v, want inferred provider", got)
	}
	if got := judgeTarget("anthropic", "claude-3-haiku"); got.Provider != "anthropic" {
		t.Fatalf("judgeTarget(explicit)=%+v", got)
	}
}

func TestServerHandlerServesAPIAndMetrics(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Evaluation.Enabled = false
	eng := newTestEngine(t, cfg, true)
	metrics := observability.NewMetrics(nil, cfg.Storage.Driver)
	server := newServer(cfg, discardLogger(), newServerHandler(cfg, eng, metrics, nil, discardLogger()))

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/api/health"); rec.Code != http.StatusOK {
		t.Fatalf("GET /api/health status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec := get("/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "llmeval_traces_recorded_total") {
		t.Fatalf("GET /metrics status=%d, want llmeval collectors", rec.Code)
	}
	// With evaluation disabled the diagnostics route must report the
	// pipeline as absent rather than dereference a nil dispatcher.
	if rec := get("/api/diagnostics/evaluation-pipeline"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET diagnostics status=%d, want 503", rec.Code)
	}
	if rec := get("/api/health"); rec.Header().Get(requestid.HeaderName) == "" {
		t.Fatalf("response missing %s header", requestid.HeaderName)
	}
}

func TestServerHandlerWithoutMetrics(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	eng := newTestEngine(t, cfg, true)
	handler := newServerHandler(cfg, eng, nil, nil, discardLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /metrics status=%d, want 404 when metrics are disabled", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/diagnostics/evaluation-pipeline", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET diagnostics status=%d, want 200 with evaluation enabled", rec.Code)
	}
}

func TestImportSeedFileIsRepeatable(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	eng := newTestEngine(t, cfg, false)
	seedPath := writeSeedFile(t)

	for i := 0; i < 2; i++ {
		if err := importSeedFile(context.Background(), seedPath, eng.prompts, discardLogger()); err != nil {
			t.Fatalf("importSeedFile() pass %d err=%v", i, err)
		}
	}
	versions, err := eng.prompts.ListVersions(context.Background(), "greeting")
	if err != nil {
		t.Fatalf("ListVersions() err=%v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("len(versions)=%d, want 1", len(versions))
	}
	if err := importSeedFile(context.Background(), "", eng.prompts, discardLogger()); err != nil {
		t.Fatalf("importSeedFile(empty path) err=%v", err)
	}
}

func TestRunUnknownCommandPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	printUsage(&out)
	for _, want := range []string{"llmeval serve", "llmeval infer", "llmeval drift check", "llmeval kb import"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("usage missing %q:\n%s", want, out.String())
		}
	}
}
