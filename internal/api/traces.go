package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/trace"
)

type tracesResponse struct {
	Items      []*trace.Trace `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type evaluationsResponse struct {
	TraceID     string              `json:"trace_id"`
	Evaluations []*trace.Evaluation `json:"evaluations"`
}

type reevaluateResponse struct {
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
}

type tracePathRoute struct {
	ID     string
	Action string
}

func TracesHandler(svc InferenceService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		filter, err := parseTraceFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := svc.QueryTraces(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err, "failed to query traces")
			return
		}
		items := result.Items
		if items == nil {
			items = []*trace.Trace{}
		}
		writeJSON(w, http.StatusOK, tracesResponse{
			Items:      items,
			NextCursor: result.NextCursor,
		})
	})
}

func TraceDetailHandler(svc InferenceService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		route, ok := parseTracePathRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch route.Action {
		case "":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			item, err := svc.GetTrace(r.Context(), route.ID)
			if err != nil {
				writeServiceError(w, err, "failed to load trace")
				return
			}
			writeJSON(w, http.StatusOK, item)
		case "evaluations":
			if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
				return
			}
			if r.Method == http.MethodPost {
				handleReevaluate(w, r, svc, route.ID)
				return
			}
			evaluations, err := svc.GetEvaluations(r.Context(), route.ID)
			if err != nil {
				writeServiceError(w, err, "failed to load evaluations")
				return
			}
			writeJSON(w, http.StatusOK, evaluationsResponse{TraceID: route.ID, Evaluations: evaluations})
		default:
			http.NotFound(w, r)
		}
	})
}

// handleReevaluate queues a stored trace for another evaluation pass. New
// results are appended; earlier evaluations are kept.
func handleReevaluate(w http.ResponseWriter, r *http.Request, svc InferenceService, traceID string) {
	queued, err := svc.Reevaluate(r.Context(), traceID)
	if err != nil {
		writeServiceError(w, err, "failed to queue evaluation")
		return
	}
	if !queued {
		writeError(w, http.StatusServiceUnavailable, "evaluation queue is full or disabled")
		return
	}
	writeJSON(w, http.StatusAccepted, reevaluateResponse{TraceID: traceID, Status: "queued"})
}

func parseTraceFilter(r *http.Request) (trace.TraceFilter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 1, 200)
	if err != nil {
		return trace.TraceFilter{}, err
	}
	from, to, err := parseRangeQuery(query.Get("from"), query.Get("to"))
	if err != nil {
		return trace.TraceFilter{}, err
	}

	return trace.TraceFilter{
		PromptVersionID: strings.TrimSpace(query.Get("prompt_version_id")),
		Provider:        strings.TrimSpace(query.Get("provider")),
		Model:           strings.TrimSpace(query.Get("model")),
		From:            from,
		To:              to,
		Limit:           limit,
		Cursor:          strings.TrimSpace(query.Get("cursor")),
	}, nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

// parseTimeQuery accepts RFC3339 timestamps or bare dates. A bare date used
// as an upper bound covers the whole day.
func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	if parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		if endOfDay {
			return parsed.Add(24*time.Hour - time.Nanosecond), nil
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

// parseTracePathRoute splits /api/traces/{id}[/{action}].
func parseTracePathRoute(path string) (tracePathRoute, bool) {
	return parseResourcePath(path, "/api/traces/")
}

func parseResourcePath(path, prefix string) (tracePathRoute, bool) {
	if !strings.HasPrefix(path, prefix) {
		return tracePathRoute{}, false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix == "" {
		return tracePathRoute{}, false
	}
	parts := strings.SplitN(suffix, "/", 2)
	if strings.TrimSpace(parts[0]) == "" {
		return tracePathRoute{}, false
	}
	route := tracePathRoute{ID: parts[0]}
	if len(parts) == 2 {
		route.Action = strings.TrimSpace(parts[1])
		if route.Action == "" {
			return tracePathRoute{}, false
		}
	}
	return route, true
}
