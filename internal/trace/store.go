package trace

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("trace store record not found")
var ErrInvalidCursor = errors.New("trace cursor is invalid")
var ErrInvalidTrace = errors.New("trace is missing required fields")

// Store persists traces, evaluations and the knowledge corpus, and serves
// the aggregate read projections over them.
type Store interface {
	WriteTrace(ctx context.Context, trace *Trace) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error)

	WriteEvaluation(ctx context.Context, evaluation *Evaluation) error
	ListEvaluations(ctx context.Context, traceID string) ([]*Evaluation, error)

	GetLeaderboard(ctx context.Context, filter LeaderboardFilter) ([]LeaderboardEntry, error)
	GetDriftSeries(ctx context.Context, filter DriftFilter) ([]DriftPoint, error)
	GetScoreWindow(ctx context.Context, filter ScoreWindowFilter) (*ScoreWindow, error)

	WriteKnowledgeDocument(ctx context.Context, doc *KnowledgeDocument) error
	ListKnowledgeDocuments(ctx context.Context) ([]*KnowledgeDocument, error)

	Close() error
}

const (
	defaultTraceLimit = 50
	maxTraceLimit     = 200

	defaultLeaderboardLimit = 50
	maxLeaderboardLimit     = 200

	defaultDriftLimit = 24
	maxDriftLimit     = 1000
)

const (
	BucketHour = "hour"
	BucketDay  = "day"
	BucketWeek = "week"
)

type TraceFilter struct {
	PromptVersionID string
	Provider        string
	Model           string
	From            time.Time
	To              time.Time
	Limit           int
	Cursor          string
}

type TraceResult struct {
	Items      []*Trace `json:"items"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type LeaderboardFilter struct {
	From        time.Time
	To          time.Time
	EvaluatorID string
	Limit       int
}

// LeaderboardEntry aggregates one prompt version. MeanScore is nil when the
// version has no evaluations in range.
type LeaderboardEntry struct {
	PromptVersionID string    `json:"prompt_version_id"`
	PromptName      string    `json:"prompt_name"`
	Version         string    `json:"version"`
	TraceCount      int64     `json:"trace_count"`
	EvaluationCount int64     `json:"evaluation_count"`
	MeanScore       *float64  `json:"mean_score"`
	MeanLatencyMS   float64   `json:"mean_latency_ms"`
	MeanCostUSD     float64   `json:"mean_cost_usd"`
	LastTimestamp   time.Time `json:"last_timestamp"`
}

type DriftFilter struct {
	PromptVersionID string
	From            time.Time
	To              time.Time
	Bucket          string
	Limit           int
	EvaluatorID     string
}

// DriftPoint summarizes one time bucket. Score fields are nil for buckets
// whose traces have no evaluations.
type DriftPoint struct {
	BucketStart     time.Time `json:"bucket_start"`
	TraceCount      int64     `json:"trace_count"`
	EvaluationCount int64     `json:"evaluation_count"`
	MeanScore       *float64  `json:"mean_score"`
	StddevScore     *float64  `json:"stddev_score"`
	MinScore        *float64  `json:"min_score"`
	MaxScore        *float64  `json:"max_score"`
}

type ScoreWindowFilter struct {
	PromptVersionID string
	From            time.Time
	To              time.Time
	EvaluatorID     string
}

// ScoreWindow is the evaluation count and mean aggregate score for one
// version's traces in [From, To).
type ScoreWindow struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
}

// NormalizeBucket maps an empty bucket to hour and rejects unknown values.
func NormalizeBucket(bucket string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(bucket)) {
	case "", BucketHour:
		return BucketHour, nil
	case BucketDay:
		return BucketDay, nil
	case BucketWeek:
		return BucketWeek, nil
	default:
		return "", fmt.Errorf("invalid bucket %q: must be hour, day, or week", bucket)
	}
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

func encodeTraceCursor(createdAt time.Time, id string) string {
	if createdAt.IsZero() || id == "" {
		return ""
	}
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeTraceCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse created_at", ErrInvalidCursor)
	}
	return createdAt.UTC(), strings.TrimSpace(parts[1]), nil
}
