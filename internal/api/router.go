package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/drift"
	"github.com/imTariful/LLM-evaluation/internal/evaluation"
	"github.com/imTariful/LLM-evaluation/internal/inference"
	"github.com/imTariful/LLM-evaluation/internal/prompt"
	"github.com/imTariful/LLM-evaluation/internal/trace"
)

const jsonBodyLimit int64 = 1 << 20

var (
	errBodyTooLarge = errors.New("request body too large")
	errInvalidJSON  = errors.New("invalid json body")
)

// InferenceService is the request-path surface. *inference.Service
// satisfies it.
type InferenceService interface {
	RunInference(ctx context.Context, req inference.Request) (*inference.Response, error)
	GetTrace(ctx context.Context, id string) (*trace.Trace, error)
	QueryTraces(ctx context.Context, filter trace.TraceFilter) (*trace.TraceResult, error)
	GetEvaluations(ctx context.Context, traceID string) ([]*trace.Evaluation, error)
	Reevaluate(ctx context.Context, traceID string) (bool, error)
	GetLeaderboard(ctx context.Context, filter trace.LeaderboardFilter) ([]trace.LeaderboardEntry, error)
	GetDrift(ctx context.Context, versionID string, filter trace.DriftFilter) ([]trace.DriftPoint, error)
}

// PromptStore manages prompts and versions. *prompt.SQLStore satisfies it.
type PromptStore interface {
	CreatePrompt(ctx context.Context, name, description string, first prompt.NewVersion) (*prompt.Prompt, *prompt.Version, error)
	CreateVersion(ctx context.Context, promptName string, in prompt.NewVersion) (*prompt.Version, error)
	ActivateVersion(ctx context.Context, id string) (*prompt.Version, error)
	ListPrompts(ctx context.Context) ([]*prompt.Prompt, error)
	ListVersions(ctx context.Context, promptName string) ([]*prompt.Version, error)
}

// DriftChecker runs an on-demand drift check. *drift.Detector satisfies it.
type DriftChecker interface {
	CheckVersion(ctx context.Context, versionID string) (*drift.Report, error)
}

// KnowledgeStore holds the reference corpus. trace.Store satisfies it.
type KnowledgeStore interface {
	WriteKnowledgeDocument(ctx context.Context, doc *trace.KnowledgeDocument) error
	ListKnowledgeDocuments(ctx context.Context) ([]*trace.KnowledgeDocument, error)
}

type RouterOptions struct {
	AppVersion    string
	StorageDriver string
	StoragePath   string
	Providers     []string
	Inference     InferenceService
	Prompts       PromptStore
	Drift         DriftChecker
	Knowledge     KnowledgeStore
	Diagnostics   evaluation.DiagnosticsReader
	Logger        *slog.Logger

	// StoragePing backs the health check. Nil reports storage as reachable.
	StoragePing func(ctx context.Context) error
	// OnKnowledgeChanged runs after a document is added, so cached corpora
	// can be dropped.
	OnKnowledgeChanged func()
}

func NewRouter(options RouterOptions) http.Handler {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Providers:     options.Providers,
		Ping:          options.StoragePing,
		Pipeline:      options.Diagnostics,
	}))
	mux.Handle("/api/inference", InferenceHandler(options.Inference, options.Logger))
	mux.Handle("/api/traces", TracesHandler(options.Inference))
	mux.Handle("/api/traces/", TraceDetailHandler(options.Inference))
	mux.Handle("/api/leaderboard", LeaderboardHandler(options.Inference))
	mux.Handle("/api/prompts", PromptsHandler(options.Prompts))
	mux.Handle("/api/prompts/", PromptVersionsHandler(options.Prompts))
	mux.Handle("/api/prompt-versions/", PromptVersionDetailHandler(options.Prompts, options.Inference, options.Drift))
	mux.Handle("/api/knowledge", KnowledgeHandler(options.Knowledge, options.OnKnowledgeChanged))
	mux.Handle("/api/diagnostics/evaluation-pipeline", EvaluationPipelineDiagnosticsHandler(options.Diagnostics))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "llmeval",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	allow := ""
	for _, method := range methods {
		allow += method + ", "
	}
	w.Header().Set("Allow", allow+"OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// decodeJSONBody decodes exactly one JSON value into dst, rejecting unknown
// fields and oversized bodies.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errInvalidJSON
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, jsonBodyLimit)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errBodyTooLarge
		}
		return errInvalidJSON
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errInvalidJSON
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-LLMEval-Request-ID, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
