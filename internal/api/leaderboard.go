package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/imTariful/LLM-evaluation/internal/trace"
)

type leaderboardResponse struct {
	Items []trace.LeaderboardEntry `json:"items"`
}

// LeaderboardHandler ranks prompt versions by mean evaluation score.
func LeaderboardHandler(svc InferenceService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		query := r.URL.Query()
		limit, err := parseIntQuery(query.Get("limit"), "limit", 1, 200)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		from, to, err := parseRangeQuery(query.Get("from"), query.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		entries, err := svc.GetLeaderboard(r.Context(), trace.LeaderboardFilter{
			From:        from,
			To:          to,
			EvaluatorID: strings.TrimSpace(query.Get("evaluator_id")),
			Limit:       limit,
		})
		if err != nil {
			writeServiceError(w, err, "failed to build leaderboard")
			return
		}
		writeJSON(w, http.StatusOK, leaderboardResponse{Items: entries})
	})
}

func parseRangeQuery(rawFrom, rawTo string) (from, to time.Time, err error) {
	from, err = parseTimeQuery(rawFrom, false)
	if err != nil {
		return from, to, fmt.Errorf("invalid from: %w", err)
	}
	to, err = parseTimeQuery(rawTo, true)
	if err != nil {
		return from, to, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("to must not be before from")
	}
	return from, to, nil
}
