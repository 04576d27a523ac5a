package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/drift"
	"github.com/imTariful/LLM-evaluation/internal/evaluation"
	"github.com/imTariful/LLM-evaluation/internal/inference"
	"github.com/imTariful/LLM-evaluation/internal/prompt"
	"github.com/imTariful/LLM-evaluation/internal/providers"
	"github.com/imTariful/LLM-evaluation/internal/requestid"
	"github.com/imTariful/LLM-evaluation/internal/router"
	"github.com/imTariful/LLM-evaluation/internal/storage"
	"github.com/imTariful/LLM-evaluation/internal/trace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testStack struct {
	handler     http.Handler
	store       *trace.SQLiteStore
	prompts     *prompt.SQLStore
	invalidated atomic.Int64
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	store, err := trace.NewSQLiteStore(filepath.Join(t.TempDir(), "llmeval.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	prompts, err := prompt.NewSQLStore(store.DB(), storage.DriverSQLite)
	if err != nil {
		t.Fatalf("NewSQLStore() error: %v", err)
	}

	r := router.New(providers.NewRegistry(providers.NewMock()), router.Options{Logger: quietLogger()})
	recorder := trace.NewRecorder(store, trace.RecorderOptions{Logger: quietLogger()})
	svc := inference.NewService(prompts, r, recorder, store, nil, inference.Options{Logger: quietLogger()})

	stack := &testStack{store: store, prompts: prompts}
	stack.handler = NewRouter(RouterOptions{
		AppVersion:         "test",
		StorageDriver:      storage.DriverSQLite,
		Inference:          svc,
		Prompts:            prompts,
		Knowledge:          store,
		OnKnowledgeChanged: func() { stack.invalidated.Add(1) },
		Logger:             quietLogger(),
	})
	return stack
}

func (s *testStack) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, s.handler, method, path, body)
}

func serve(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
}

const greetingPrompt = `{
	"name": "greeting",
	"description": "friendly greetings",
	"version": {
		"system_template": "You are a friendly assistant.",
		"user_template": "Generate a greeting for {name} about {topic}.",
		"model_config": {"provider": "mock", "model": "mock-model", "temperature": 0.7},
		"author": "test"
	}
}`

func TestInferenceRoundTripThroughHTTP(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t)
	if rec := stack.do(t, http.MethodPost, "/api/prompts", greetingPrompt); rec.Code != http.StatusCreated {
		t.Fatalf("create prompt status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec := stack.do(t, http.MethodPost, "/api/inference",
		`{"prompt_name":"greeting","variables":{"name":"Bob","topic":"Python"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("inference status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp inference.Response
	decodeBody(t, rec, &resp)
	if resp.TraceID == "" || resp.Provider != "mock" || resp.Model != "mock-model" {
		t.Fatalf("inference response=%+v", resp)
	}

	rec = stack.do(t, http.MethodGet, "/api/traces/"+resp.TraceID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get trace status=%d body=%s", rec.Code, rec.Body.String())
	}
	var got trace.Trace
	decodeBody(t, rec, &got)
	if got.UserPrompt != "Generate a greeting for Bob about Python." {
		t.Fatalf("trace user_prompt=%q", got.UserPrompt)
	}
	if got.Inputs["name"] != "Bob" || got.Inputs["topic"] != "Python" {
		t.Fatalf("trace inputs=%v", got.Inputs)
	}

	rec = stack.do(t, http.MethodGet, "/api/traces?limit=10&provider=mock", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list traces status=%d body=%s", rec.Code, rec.Body.String())
	}
	var list tracesResponse
	decodeBody(t, rec, &list)
	if len(list.Items) != 1 || list.Items[0].ID != resp.TraceID {
		t.Fatalf("list traces items=%+v", list.Items)
	}

	rec = stack.do(t, http.MethodGet, "/api/traces/"+resp.TraceID+"/evaluations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluations status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"evaluations":[]`) {
		t.Fatalf("evaluations body=%s, want empty array", rec.Body.String())
	}
}

func TestInferenceRejectsMalformedBodies(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "empty", body: "", want: http.StatusBadRequest},
		{name: "unknown field", body: `{"prompt_name":"greeting","stream":true}`, want: http.StatusBadRequest},
		{name: "trailing value", body: `{"prompt_name":"greeting"}{}`, want: http.StatusBadRequest},
		{name: "missing prompt", body: `{"variables":{}}`, want: http.StatusBadRequest},
		{name: "unknown prompt", body: `{"prompt_name":"nope"}`, want: http.StatusNotFound},
		{name: "too large", body: `{"prompt_name":"` + strings.Repeat("a", int(jsonBodyLimit)) + `"}`, want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := stack.do(t, http.MethodPost, "/api/inference", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status=%d, want %d (body=%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestInferenceMissingVariableIsBadRequest(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t)
	if rec := stack.do(t, http.MethodPost, "/api/prompts", greetingPrompt); rec.Code != http.StatusCreated {
		t.Fatalf("create prompt status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec := stack.do(t, http.MethodPost, "/api/inference", `{"prompt_name":"greeting","variables":{"name":"Bob"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 (body=%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "topic") {
		t.Fatalf("body=%s, want missing variable named", rec.Body.String())
	}

	result, err := stack.store.QueryTraces(context.Background(), trace.TraceFilter{})
	if err != nil {
		t.Fatalf("QueryTraces() error: %v", err)
	}
	if len(result.Items) != 0 {
		t.Fatalf("traces=%d, want 0 after rejected inference", len(result.Items))
	}
}

type stubInference struct {
	err       error
	queued    bool
	lastDrift trace.DriftFilter
}

func (s *stubInference) RunInference(context.Context, inference.Request) (*inference.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &inference.Response{TraceID: "trace-1"}, nil
}

func (s *stubInference) GetTrace(_ context.Context, id string) (*trace.Trace, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &trace.Trace{ID: id}, nil
}

func (s *stubInference) QueryTraces(context.Context, trace.TraceFilter) (*trace.TraceResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &trace.TraceResult{}, nil
}

func (s *stubInference) GetEvaluations(context.Context, string) ([]*trace.Evaluation, error) {
	return []*trace.Evaluation{}, s.err
}

func (s *stubInference) Reevaluate(context.Context, string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.queued, nil
}

func (s *stubInference) GetLeaderboard(context.Context, trace.LeaderboardFilter) ([]trace.LeaderboardEntry, error) {
	return []trace.LeaderboardEntry{}, s.err
}

func (s *stubInference) GetDrift(_ context.Context, _ string, filter trace.DriftFilter) ([]trace.DriftPoint, error) {
	s.lastDrift = filter
	return []trace.DriftPoint{}, s.err
}

func TestInferenceErrorStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid request", err: fmt.Errorf("%w: prompt_name failed required", inference.ErrInvalidRequest), want: http.StatusBadRequest},
		{name: "resolution", err: &inference.ResolutionError{Ref: prompt.Ref{Name: "x"}, Err: prompt.ErrNotFound}, want: http.StatusNotFound},
		{name: "interpolation", err: &inference.InterpolationError{VersionID: "v1", Err: errors.New("missing variable")}, want: http.StatusBadRequest},
		{name: "constraint", err: &inference.ConstraintError{VersionID: "v1", Model: "gpt-4o"}, want: http.StatusBadRequest},
		{name: "provider invalid request", err: &providers.ProviderError{Kind: providers.KindInvalidRequest, Provider: "openai", StatusCode: 400}, want: http.StatusBadRequest},
		{name: "exhausted", err: &router.ExhaustedError{Failures: []router.Failure{{Provider: "openai", Model: "gpt-4o", Kind: providers.KindRateLimited, Err: errors.New("429")}}}, want: http.StatusBadGateway},
		{name: "persistence", err: &trace.PersistenceError{Class: "connection", Err: errors.New("dial tcp: refused")}, want: http.StatusInternalServerError},
		{name: "prompt lookup failure", err: fmt.Errorf("resolve prompt: %w", errors.New("sql: database is closed")), want: http.StatusInternalServerError},
		{name: "unclassified", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := NewRouter(RouterOptions{Inference: &stubInference{err: tt.err}, Logger: quietLogger()})
			rec := serve(t, handler, http.MethodPost, "/api/inference", `{"prompt_name":"greeting"}`)
			if rec.Code != tt.want {
				t.Fatalf("status=%d, want %d (body=%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestExhaustedResponseListsFailures(t *testing.T) {
	t.Parallel()

	exhausted := &router.ExhaustedError{Failures: []router.Failure{
		{Provider: "openai", Model: "gpt-4o", Kind: providers.KindRateLimited, Err: errors.New("429")},
		{Provider: "anthropic", Model: "claude-3-5-sonnet", Kind: providers.KindTimeout, Err: errors.New("deadline")},
	}}
	handler := NewRouter(RouterOptions{Inference: &stubInference{err: exhausted}, Logger: quietLogger()})
	rec := serve(t, handler, http.MethodPost, "/api/inference", `{"prompt_name":"greeting"}`)

	var body exhaustedResponse
	decodeBody(t, rec, &body)
	if body.Error != router.ErrAllProvidersExhausted.Error() {
		t.Fatalf("error=%q", body.Error)
	}
	if len(body.Failures) != 2 || body.Failures[1].Kind != providers.KindTimeout {
		t.Fatalf("failures=%+v", body.Failures)
	}
}

func TestPersistenceErrorBodyHidesStorageDetail(t *testing.T) {
	t.Parallel()

	handler := NewRouter(RouterOptions{
		Inference: &stubInference{err: &trace.PersistenceError{Class: "connection", Err: errors.New("dial tcp 10.0.0.1:5432")}},
		Logger:    quietLogger(),
	})
	rec := serve(t, handler, http.MethodPost, "/api/inference", `{"prompt_name":"greeting"}`)
	if strings.Contains(rec.Body.String(), "10.0.0.1") {
		t.Fatalf("body=%s leaks storage address", rec.Body.String())
	}
}

func TestReevaluateStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		stub *stubInference
		want int
	}{
		{name: "queued", stub: &stubInference{queued: true}, want: http.StatusAccepted},
		{name: "queue full", stub: &stubInference{queued: false}, want: http.StatusServiceUnavailable},
		{name: "unknown trace", stub: &stubInference{err: fmt.Errorf("%w: trace-9", trace.ErrNotFound)}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := NewRouter(RouterOptions{Inference: tt.stub, Logger: quietLogger()})
			rec := serve(t, handler, http.MethodPost, "/api/traces/trace-9/evaluations", "")
			if rec.Code != tt.want {
				t.Fatalf("status=%d, want %d (body=%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestTraceRoutesRejectUnknownActionsAndMethods(t *testing.T) {
	t.Parallel()

	handler := NewRouter(RouterOptions{Inference: &stubInference{}, Logger: quietLogger()})

	if rec := serve(t, handler, http.MethodGet, "/api/traces/trace-1/replay", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action status=%d, want 404", rec.Code)
	}
	rec := serve(t, handler, http.MethodDelete, "/api/traces/trace-1", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("delete status=%d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, OPTIONS" {
		t.Fatalf("Allow=%q, want %q", got, "GET, OPTIONS")
	}
	rec = serve(t, handler, http.MethodPut, "/api/traces/trace-1/evaluations", "")
	if got := rec.Header().Get("Allow"); got != "GET, POST, OPTIONS" {
		t.Fatalf("Allow=%q, want %q", got, "GET, POST, OPTIONS")
	}
	if rec := serve(t, handler, http.MethodGet, "/api/traces?cursor=!!", ""); rec.Code != http.StatusOK {
		t.Fatalf("stub list status=%d, want 200", rec.Code)
	}
	if rec := serve(t, handler, http.MethodGet, "/api/traces?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0 status=%d, want 400", rec.Code)
	}
}

func TestTraceListRejectsInvalidCursor(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t)
	rec := stack.do(t, http.MethodGet, "/api/traces?cursor=not-a-cursor", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 (body=%s)", rec.Code, rec.Body.String())
	}
}

func TestPromptVersionLifecycle(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t)
	rec := stack.do(t, http.MethodPost, "/api/prompts", greetingPrompt)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create prompt status=%d body=%s", rec.Code, rec.Body.String())
	}
	var created createPromptResponse
	decodeBody(t, rec, &created)
	if created.Version.Version != "1.0.0" || !created.Version.IsActive {
		t.Fatalf("first version=%+v", created.Version)
	}

	if rec := stack.do(t, http.MethodPost, "/api/prompts", greetingPrompt); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate prompt status=%d, want 409", rec.Code)
	}

	next := `{"user_template":"Write a haiku for {name}.","model_config":{"provider":"mock","model":"mock-model"},"bump":"minor"}`
	rec = stack.do(t, http.MethodPost, "/api/prompts/greeting/versions", next)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create version status=%d body=%s", rec.Code, rec.Body.String())
	}
	var second prompt.Version
	decodeBody(t, rec, &second)
	if second.Version != "1.1.0" || second.IsActive {
		t.Fatalf("second version=%+v, want inactive 1.1.0", second)
	}

	dup := `{"version":"1.1.0","user_template":"x","model_config":{"model":"mock-model"}}`
	if rec := stack.do(t, http.MethodPost, "/api/prompts/greeting/versions", dup); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate version status=%d, want 409", rec.Code)
	}
	bad := `{"version":"v2","user_template":"x","model_config":{"model":"mock-model"}}`
	if rec := stack.do(t, http.MethodPost, "/api/prompts/greeting/versions", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad semver status=%d, want 400", rec.Code)
	}
	if rec := stack.do(t, http.MethodPost, "/api/prompts/missing/versions", next); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown prompt status=%d, want 404", rec.Code)
	}

	rec = stack.do(t, http.MethodPost, "/api/prompt-versions/"+second.ID+"/activate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = stack.do(t, http.MethodGet, "/api/prompts/greeting/versions", "")
	var versions versionsResponse
	decodeBody(t, rec, &versions)
	active := 0
	for _, v := range versions.Items {
		if v.IsActive {
			active++
			if v.ID != second.ID {
				t.Fatalf("active version=%s, want %s", v.ID, second.ID)
			}
		}
	}
	if len(versions.Items) != 2 || active != 1 {
		t.Fatalf("versions=%d active=%d, want 2 and 1", len(versions.Items), active)
	}

	if rec := stack.do(t, http.MethodPost, "/api/prompt-versions/unknown/activate", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("activate unknown status=%d, want 404", rec.Code)
	}
}

func TestDriftSeriesQueryValidation(t *testing.T) {
	t.Parallel()

	stub := &stubInference{}
	handler := NewRouter(RouterOptions{Inference: stub, Logger: quietLogger()})

	rec := serve(t, handler, http.MethodGet, "/api/prompt-versions/v1/drift?bucket=day&evaluator_id=llm_judge&limit=30", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if stub.lastDrift.Bucket != trace.BucketDay || stub.lastDrift.EvaluatorID != "llm_judge" || stub.lastDrift.Limit != 30 {
		t.Fatalf("drift filter=%+v", stub.lastDrift)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("body=%s, want empty items array", rec.Body.String())
	}

	for _, query := range []string{"bucket=month", "from=yesterday", "from=2026-10-02&to=2026-10-01", "limit=5000"} {
		if rec := serve(t, handler, http.MethodGet, "/api/prompt-versions/v1/drift?"+query, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status=%d, want 400", query, rec.Code)
		}
	}
}

type stubDriftChecker struct {
	report *drift.Report
	err    error
}

func (s stubDriftChecker) CheckVersion(context.Context, string) (*drift.Report, error) {
	return s.report, s.err
}

func TestDriftCheckEndpoint(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewRouter(RouterOptions{Logger: quietLogger()}), http.MethodPost, "/api/prompt-versions/v1/drift/check", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no checker status=%d, want 503", rec.Code)
	}

	report := &drift.Report{PromptVersionID: "v1", Severity: drift.SeverityHigh, RecommendedAction: drift.ActionRollback}
	handler := NewRouter(RouterOptions{Drift: stubDriftChecker{report: report}, Logger: quietLogger()})
	rec = serve(t, handler, http.MethodPost, "/api/prompt-versions/v1/drift/check", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var got drift.Report
	decodeBody(t, rec, &got)
	if got.Severity != drift.SeverityHigh || got.RecommendedAction != drift.ActionRollback {
		t.Fatalf("report=%+v", got)
	}

	handler = NewRouter(RouterOptions{Drift: stubDriftChecker{err: fmt.Errorf("%w: version %q", prompt.ErrNotFound, "v9")}, Logger: quietLogger()})
	if rec := serve(t, handler, http.MethodPost, "/api/prompt-versions/v9/drift/check", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown version status=%d, want 404", rec.Code)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t)
	rec := stack.do(t, http.MethodGet, "/api/leaderboard?from=2026-01-01&to=2026-12-31", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("body=%s, want empty items array", rec.Body.String())
	}
	if rec := stack.do(t, http.MethodGet, "/api/leaderboard?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d, want 400", rec.Code)
	}
}

func TestKnowledgeWriteInvalidatesCorpus(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t)
	if rec := stack.do(t, http.MethodPost, "/api/knowledge", `{"source":"docs","content":"   "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank content status=%d, want 400", rec.Code)
	}
	if got := stack.invalidated.Load(); got != 0 {
		t.Fatalf("invalidations=%d after rejected write, want 0", got)
	}

	rec := stack.do(t, http.MethodPost, "/api/knowledge", `{"source":"docs","content":"Python was created by Guido van Rossum."}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := stack.invalidated.Load(); got != 1 {
		t.Fatalf("invalidations=%d, want 1", got)
	}

	rec = stack.do(t, http.MethodGet, "/api/knowledge", "")
	var docs knowledgeResponse
	decodeBody(t, rec, &docs)
	if len(docs.Items) != 1 || docs.Items[0].Source != "docs" || docs.Items[0].ID == "" {
		t.Fatalf("documents=%+v", docs.Items)
	}
}

type stubDiagnostics struct {
	snapshot evaluation.Diagnostics
}

func (s stubDiagnostics) Diagnostics() evaluation.Diagnostics { return s.snapshot }

func TestEvaluationPipelineDiagnostics(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewRouter(RouterOptions{Logger: quietLogger()}), http.MethodGet, "/api/diagnostics/evaluation-pipeline", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled status=%d, want 503", rec.Code)
	}

	reader := stubDiagnostics{snapshot: evaluation.Diagnostics{QueueCapacity: 8, QueueDepth: 8, QueuePressureState: "saturated", DispatchDroppedTotal: 3}}
	rec = serve(t, NewRouter(RouterOptions{Diagnostics: reader, Logger: quietLogger()}), http.MethodGet, "/api/diagnostics/evaluation-pipeline", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body evaluationPipelineDiagnosticsResponse
	decodeBody(t, rec, &body)
	if body.SchemaVersion != evaluation.DiagnosticsSchemaVersion {
		t.Fatalf("schema_version=%q, want %q", body.SchemaVersion, evaluation.DiagnosticsSchemaVersion)
	}
	if body.Diagnostics.QueuePressureState != "saturated" || body.Diagnostics.DispatchDroppedTotal != 3 {
		t.Fatalf("diagnostics=%+v", body.Diagnostics)
	}
}

func TestHealthAndPreflight(t *testing.T) {
	t.Parallel()

	handler := NewRouter(RouterOptions{AppVersion: "1.2.3", StorageDriver: "sqlite", Logger: quietLogger()})
	rec := serve(t, handler, http.MethodGet, "/api/health", "")
	var health healthResponse
	decodeBody(t, rec, &health)
	if health.Status != "ok" || health.Version != "1.2.3" {
		t.Fatalf("health=%+v", health)
	}

	rec = serve(t, handler, http.MethodOptions, "/api/inference", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q, want *", got)
	}
}

func TestLoggingMiddlewareEchoesRequestID(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	var seen string
	handler := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestid.FromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "client-123" {
		t.Fatalf("context request id=%q, want client-123", seen)
	}
	if got := rec.Header().Get(requestid.HeaderName); got != "client-123" {
		t.Fatalf("%s=%q, want client-123", requestid.HeaderName, got)
	}
	var line map[string]any
	if err := json.Unmarshal(logs.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", logs.String(), err)
	}
	if line["msg"] != "request complete" || line["status"] != float64(http.StatusTeapot) {
		t.Fatalf("log line=%v", line)
	}
}

func TestParseResourcePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		want   tracePathRoute
		wantOK bool
	}{
		{path: "/api/prompt-versions/v1/drift/check", want: tracePathRoute{ID: "v1", Action: "drift/check"}, wantOK: true},
		{path: "/api/prompt-versions/v1/", want: tracePathRoute{ID: "v1"}, wantOK: true},
		{path: "/api/prompt-versions/", wantOK: false},
		{path: "/api/traces/v1", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := parseResourcePath(tt.path, "/api/prompt-versions/")
		if ok != tt.wantOK || got != tt.want {
			t.Fatalf("parseResourcePath(%q)=(%+v,%v), want (%+v,%v)", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseTimeQuery(t *testing.T) {
	t.Parallel()

	end, err := parseTimeQuery("2026-10-14", true)
	if err != nil {
		t.Fatalf("parseTimeQuery() error: %v", err)
	}
	if end.Hour() != 23 || end.Day() != 14 {
		t.Fatalf("end of day=%s", end)
	}
	start, err := parseTimeQuery("2026-10-14T08:00:00+02:00", false)
	if err != nil {
		t.Fatalf("parseTimeQuery() error: %v", err)
	}
	if start.Hour() != 6 || start.Location() != time.UTC {
		t.Fatalf("rfc3339=%s, want 06:00 UTC", start)
	}
	if _, err := parseTimeQuery("14/10/2026", false); err == nil {
		t.Fatal("parseTimeQuery(14/10/2026) error=nil, want error")
	}
}
