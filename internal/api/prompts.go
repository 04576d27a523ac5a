package api

import (
	"net/http"
	"strings"

	"github.com/imTariful/LLM-evaluation/internal/prompt"
	"github.com/imTariful/LLM-evaluation/internal/trace"
)

type createPromptRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     prompt.NewVersion `json:"version"`
}

type createPromptResponse struct {
	Prompt  *prompt.Prompt  `json:"prompt"`
	Version *prompt.Version `json:"version"`
}

type promptsResponse struct {
	Items []*prompt.Prompt `json:"items"`
}

type versionsResponse struct {
	PromptName string            `json:"prompt_name"`
	Items      []*prompt.Version `json:"items"`
}

type driftResponse struct {
	PromptVersionID string             `json:"prompt_version_id"`
	Bucket          string             `json:"bucket"`
	Items           []trace.DriftPoint `json:"items"`
}

// PromptsHandler lists prompts and creates new ones with their first
// version.
func PromptsHandler(store PromptStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "prompt store is not configured")
			return
		}

		if r.Method == http.MethodGet {
			prompts, err := store.ListPrompts(r.Context())
			if err != nil {
				writeServiceError(w, err, "failed to list prompts")
				return
			}
			if prompts == nil {
				prompts = []*prompt.Prompt{}
			}
			writeJSON(w, http.StatusOK, promptsResponse{Items: prompts})
			return
		}

		var req createPromptRequest
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		p, v, err := store.CreatePrompt(r.Context(), req.Name, req.Description, req.Version)
		if err != nil {
			writeServiceError(w, err, "failed to create prompt")
			return
		}
		writeJSON(w, http.StatusCreated, createPromptResponse{Prompt: p, Version: v})
	})
}

// PromptVersionsHandler serves /api/prompts/{name}/versions.
func PromptVersionsHandler(store PromptStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "prompt store is not configured")
			return
		}
		route, ok := parseResourcePath(r.URL.Path, "/api/prompts/")
		if !ok || route.Action != "versions" {
			http.NotFound(w, r)
			return
		}
		if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
			return
		}

		if r.Method == http.MethodGet {
			versions, err := store.ListVersions(r.Context(), route.ID)
			if err != nil {
				writeServiceError(w, err, "failed to list prompt versions")
				return
			}
			if versions == nil {
				versions = []*prompt.Version{}
			}
			writeJSON(w, http.StatusOK, versionsResponse{PromptName: route.ID, Items: versions})
			return
		}

		var req prompt.NewVersion
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		v, err := store.CreateVersion(r.Context(), route.ID, req)
		if err != nil {
			writeServiceError(w, err, "failed to create prompt version")
			return
		}
		writeJSON(w, http.StatusCreated, v)
	})
}

// PromptVersionDetailHandler serves the per-version actions under
// /api/prompt-versions/{id}/.
func PromptVersionDetailHandler(store PromptStore, svc InferenceService, checker DriftChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseResourcePath(r.URL.Path, "/api/prompt-versions/")
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch route.Action {
		case "activate":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			if store == nil {
				writeError(w, http.StatusServiceUnavailable, "prompt store is not configured")
				return
			}
			v, err := store.ActivateVersion(r.Context(), route.ID)
			if err != nil {
				writeServiceError(w, err, "failed to activate prompt version")
				return
			}
			writeJSON(w, http.StatusOK, v)
		case "drift":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			if svc == nil {
				writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
				return
			}
			handleDriftSeries(w, r, svc, route.ID)
		case "drift/check":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			if checker == nil {
				writeError(w, http.StatusServiceUnavailable, "drift detection is not configured")
				return
			}
			report, err := checker.CheckVersion(r.Context(), route.ID)
			if err != nil {
				writeServiceError(w, err, "drift check failed")
				return
			}
			writeJSON(w, http.StatusOK, report)
		default:
			http.NotFound(w, r)
		}
	})
}

func handleDriftSeries(w http.ResponseWriter, r *http.Request, svc InferenceService, versionID string) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := parseRangeQuery(query.Get("from"), query.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bucket, err := trace.NormalizeBucket(query.Get("bucket"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := svc.GetDrift(r.Context(), versionID, trace.DriftFilter{
		From:        from,
		To:          to,
		Bucket:      bucket,
		Limit:       limit,
		EvaluatorID: strings.TrimSpace(query.Get("evaluator_id")),
	})
	if err != nil {
		writeServiceError(w, err, "failed to load drift series")
		return
	}
	writeJSON(w, http.StatusOK, driftResponse{PromptVersionID: versionID, Bucket: bucket, Items: points})
}
