package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imTariful/LLM-evaluation/internal/storage"
	"github.com/imTariful/LLM-evaluation/migrations"
)

// sqlStore implements Store over database/sql for both drivers. Queries are
// written with '?' placeholders and rebound for Postgres.
type sqlStore struct {
	db     *sql.DB
	driver string
	// SQLite allows a single writer; writes are serialized to keep
	// SQLITE_BUSY off the hot path.
	writeMu sync.Mutex
	now     func() time.Time
}

func newSQLStore(db *sql.DB, driver string) *sqlStore {
	return &sqlStore{db: db, driver: driver, now: time.Now}
}

// DB exposes the underlying handle so the prompt store can share it.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) Driver() string {
	return s.driver
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) q(query string) string {
	return migrations.Rebind(s.driver, query)
}

func (s *sqlStore) timeArg(t time.Time) any {
	return storage.TimeArg(s.driver, t)
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) error {
	if s.driver == storage.DriverSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	return storage.RetryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.q(query), args...)
		return err
	})
}

func (s *sqlStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil || strings.TrimSpace(trace.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTrace)
	}
	if err := validateTrace(trace); err != nil {
		return err
	}
	if trace.Timestamp.IsZero() {
		trace.Timestamp = s.now().UTC()
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = trace.Timestamp
	}

	inputs, err := encodeJSONObject(trace.Inputs)
	if err != nil {
		return fmt.Errorf("encode trace inputs: %w", err)
	}

	err = s.exec(ctx, `
INSERT INTO traces (
    id,
    prompt_version_id,
    inputs,
    system_prompt,
    user_prompt,
    output,
    provider,
    model,
    input_tokens,
    output_tokens,
    latency_ms,
    cost_usd,
    timestamp,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.ID,
		trace.PromptVersionID,
		inputs,
		trace.SystemPrompt,
		trace.UserPrompt,
		trace.Output,
		trace.Provider,
		trace.Model,
		trace.InputTokens,
		trace.OutputTokens,
		trace.LatencyMS,
		roundCost(trace.CostUSD),
		s.timeArg(trace.Timestamp),
		s.timeArg(trace.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("write trace %q: %w", trace.ID, err)
	}
	return nil
}

const traceSelectColumns = `
id,
prompt_version_id,
inputs,
system_prompt,
user_prompt,
output,
provider,
model,
input_tokens,
output_tokens,
latency_ms,
CAST(cost_usd AS DOUBLE PRECISION),
timestamp,
created_at
`

func (s *sqlStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+traceSelectColumns+" FROM traces WHERE id = ? LIMIT 1"), id)
	item, err := scanTraceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return item, nil
}

func (s *sqlStore) QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error) {
	limit := clampLimit(filter.Limit, defaultTraceLimit, maxTraceLimit)

	where := storage.NewWhereBuilder()
	if filter.PromptVersionID != "" {
		where.Compare("prompt_version_id", "=", filter.PromptVersionID)
	}
	if filter.Provider != "" {
		where.Compare("provider", "=", filter.Provider)
	}
	if filter.Model != "" {
		where.Compare("model", "=", filter.Model)
	}
	if !filter.From.IsZero() {
		where.Compare("timestamp", ">=", s.timeArg(filter.From))
	}
	if !filter.To.IsZero() {
		where.Compare("timestamp", "<", s.timeArg(filter.To))
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeTraceCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		at := s.timeArg(createdAt)
		where.Condition("(created_at < ? OR (created_at = ? AND id < ?))", at, at, id)
	}

	args := append(where.Args(), limit+1)
	query := "SELECT " + traceSelectColumns + " FROM traces WHERE " + where.Where() + " ORDER BY created_at DESC, id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit+1)
	for rows.Next() {
		item, err := scanTraceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}

	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeTraceCursor(last.CreatedAt, last.ID)
	}
	return &TraceResult{Items: items, NextCursor: nextCursor}, nil
}

func (s *sqlStore) WriteEvaluation(ctx context.Context, evaluation *Evaluation) error {
	if evaluation == nil || strings.TrimSpace(evaluation.TraceID) == "" {
		return fmt.Errorf("evaluation trace id is required")
	}
	if strings.TrimSpace(evaluation.EvaluatorID) == "" {
		return fmt.Errorf("evaluation evaluator id is required")
	}
	if evaluation.ID == "" {
		evaluation.ID = uuid.NewString()
	}
	if evaluation.Timestamp.IsZero() {
		evaluation.Timestamp = s.now().UTC()
	}

	scores, err := encodeJSONObject(evaluation.Scores)
	if err != nil {
		return fmt.Errorf("encode evaluation scores: %w", err)
	}
	metadata, err := encodeJSONObject(evaluation.Metadata)
	if err != nil {
		return fmt.Errorf("encode evaluation metadata: %w", err)
	}

	err = s.exec(ctx, `
INSERT INTO evaluations (
    id,
    trace_id,
    evaluator_id,
    scores,
    aggregate_score,
    reasoning,
    metadata,
    timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evaluation.ID,
		evaluation.TraceID,
		evaluation.EvaluatorID,
		scores,
		evaluation.AggregateScore,
		evaluation.Reasoning,
		metadata,
		s.timeArg(evaluation.Timestamp),
	)
	if err != nil {
		if storage.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: trace %q", ErrNotFound, evaluation.TraceID)
		}
		return fmt.Errorf("write evaluation for trace %q: %w", evaluation.TraceID, err)
	}
	return nil
}

// ListEvaluations returns a trace's evaluations oldest first. A trace with
// no evaluations yields an empty, non-nil slice.
func (s *sqlStore) ListEvaluations(ctx context.Context, traceID string) ([]*Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, trace_id, evaluator_id, scores, aggregate_score, reasoning, metadata, timestamp
FROM evaluations
WHERE trace_id = ?
ORDER BY timestamp ASC, id ASC`), traceID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	items := make([]*Evaluation, 0)
	for rows.Next() {
		var (
			item      Evaluation
			scoresRaw []byte
			metaRaw   []byte
			tsRaw     any
		)
		if err := rows.Scan(&item.ID, &item.TraceID, &item.EvaluatorID, &scoresRaw, &item.AggregateScore, &item.Reasoning, &metaRaw, &tsRaw); err != nil {
			return nil, fmt.Errorf("scan evaluation row: %w", err)
		}
		item.Scores = map[string]float64{}
		if err := decodeJSONObject(scoresRaw, &item.Scores); err != nil {
			return nil, fmt.Errorf("decode evaluation scores: %w", err)
		}
		item.Metadata = map[string]any{}
		if err := decodeJSONObject(metaRaw, &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode evaluation metadata: %w", err)
		}
		if item.Timestamp, err = storage.ScanTime(tsRaw); err != nil {
			return nil, fmt.Errorf("parse evaluation timestamp: %w", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluation rows: %w", err)
	}
	return items, nil
}

func (s *sqlStore) GetLeaderboard(ctx context.Context, filter LeaderboardFilter) ([]LeaderboardEntry, error) {
	limit := clampLimit(filter.Limit, defaultLeaderboardLimit, maxLeaderboardLimit)

	window := storage.NewWhereBuilder()
	if !filter.From.IsZero() {
		window.Compare("t.timestamp", ">=", s.timeArg(filter.From))
	}
	if !filter.To.IsZero() {
		window.Compare("t.timestamp", "<", s.timeArg(filter.To))
	}

	evalWhere := window.Where()
	args := append([]any{}, window.Args()...)
	args = append(args, window.Args()...)
	if filter.EvaluatorID != "" {
		evalWhere += " AND e.evaluator_id = ?"
		args = append(args, filter.EvaluatorID)
	}
	args = append(args, limit)

	query := `
WITH trace_stats AS (
    SELECT
        t.prompt_version_id,
        COUNT(*) AS trace_count,
        CAST(AVG(t.latency_ms) AS DOUBLE PRECISION) AS mean_latency_ms,
        CAST(AVG(t.cost_usd) AS DOUBLE PRECISION) AS mean_cost_usd,
        MAX(t.timestamp) AS last_trace_at
    FROM traces t
    WHERE ` + window.Where() + `
    GROUP BY t.prompt_version_id
), eval_stats AS (
    SELECT
        t.prompt_version_id,
        COUNT(e.id) AS evaluation_count,
        CAST(AVG(e.aggregate_score) AS DOUBLE PRECISION) AS mean_score,
        MAX(e.timestamp) AS last_eval_at
    FROM evaluations e
    JOIN traces t ON t.id = e.trace_id
    WHERE ` + evalWhere + `
    GROUP BY t.prompt_version_id
)
SELECT
    ts.prompt_version_id,
    COALESCE(p.name, ''),
    COALESCE(v.version, ''),
    ts.trace_count,
    COALESCE(es.evaluation_count, 0),
    es.mean_score,
    ts.mean_latency_ms,
    ts.mean_cost_usd,
    ts.last_trace_at,
    es.last_eval_at
FROM trace_stats ts
LEFT JOIN eval_stats es ON es.prompt_version_id = ts.prompt_version_id
LEFT JOIN prompt_versions v ON v.id = ts.prompt_version_id
LEFT JOIN prompts p ON p.id = v.prompt_id
ORDER BY
    CASE WHEN es.mean_score IS NULL THEN 1 ELSE 0 END ASC,
    es.mean_score DESC,
    COALESCE(es.evaluation_count, 0) DESC,
    ts.prompt_version_id ASC
LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := make([]LeaderboardEntry, 0)
	for rows.Next() {
		var (
			entry       LeaderboardEntry
			meanScore   sql.NullFloat64
			meanLatency sql.NullFloat64
			meanCost    sql.NullFloat64
			lastTrace   any
			lastEval    any
		)
		if err := rows.Scan(
			&entry.PromptVersionID,
			&entry.PromptName,
			&entry.Version,
			&entry.TraceCount,
			&entry.EvaluationCount,
			&meanScore,
			&meanLatency,
			&meanCost,
			&lastTrace,
			&lastEval,
		); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		entry.MeanScore = nullableFloat(meanScore)
		entry.MeanLatencyMS = meanLatency.Float64
		entry.MeanCostUSD = roundCost(meanCost.Float64)

		traceAt, err := storage.ScanTime(lastTrace)
		if err != nil {
			return nil, fmt.Errorf("parse leaderboard trace timestamp: %w", err)
		}
		evalAt, err := storage.ScanTime(lastEval)
		if err != nil {
			return nil, fmt.Errorf("parse leaderboard evaluation timestamp: %w", err)
		}
		entry.LastTimestamp = traceAt
		if evalAt.After(traceAt) {
			entry.LastTimestamp = evalAt
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaderboard rows: %w", err)
	}
	return entries, nil
}

// GetDriftSeries buckets a version's traces outer-joined with their
// evaluations, newest bucket first.
func (s *sqlStore) GetDriftSeries(ctx context.Context, filter DriftFilter) ([]DriftPoint, error) {
	if strings.TrimSpace(filter.PromptVersionID) == "" {
		return nil, fmt.Errorf("prompt version id is required")
	}
	bucket, err := NormalizeBucket(filter.Bucket)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(filter.Limit, defaultDriftLimit, maxDriftLimit)

	args := make([]any, 0, 5)
	join := "LEFT JOIN evaluations e ON e.trace_id = t.id"
	if filter.EvaluatorID != "" {
		join += " AND e.evaluator_id = ?"
		args = append(args, filter.EvaluatorID)
	}

	where := storage.NewWhereBuilder()
	where.Compare("t.prompt_version_id", "=", filter.PromptVersionID)
	if !filter.From.IsZero() {
		where.Compare("t.timestamp", ">=", s.timeArg(filter.From))
	}
	if !filter.To.IsZero() {
		where.Compare("t.timestamp", "<", s.timeArg(filter.To))
	}
	args = append(args, where.Args()...)
	args = append(args, limit)

	query := `
SELECT
    ` + s.bucketExpr(bucket, "t.timestamp") + ` AS bucket_start,
    COUNT(DISTINCT t.id),
    COUNT(e.id),
    CAST(AVG(e.aggregate_score) AS DOUBLE PRECISION),
    ` + s.varianceExpr("e.aggregate_score") + `,
    CAST(MIN(e.aggregate_score) AS DOUBLE PRECISION),
    CAST(MAX(e.aggregate_score) AS DOUBLE PRECISION)
FROM traces t
` + join + `
WHERE ` + where.Where() + `
GROUP BY 1
ORDER BY 1 DESC
LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query drift series: %w", err)
	}
	defer rows.Close()

	points := make([]DriftPoint, 0)
	for rows.Next() {
		var (
			point     DriftPoint
			bucketRaw any
			mean      sql.NullFloat64
			variance  sql.NullFloat64
			minScore  sql.NullFloat64
			maxScore  sql.NullFloat64
		)
		if err := rows.Scan(&bucketRaw, &point.TraceCount, &point.EvaluationCount, &mean, &variance, &minScore, &maxScore); err != nil {
			return nil, fmt.Errorf("scan drift row: %w", err)
		}
		if point.BucketStart, err = storage.ScanTime(bucketRaw); err != nil {
			return nil, fmt.Errorf("parse drift bucket: %w", err)
		}
		point.MeanScore = nullableFloat(mean)
		point.MinScore = nullableFloat(minScore)
		point.MaxScore = nullableFloat(maxScore)
		if variance.Valid {
			point.StddevScore = bucketStddev(variance.Float64, minScore, maxScore)
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drift rows: %w", err)
	}
	return points, nil
}

func (s *sqlStore) GetScoreWindow(ctx context.Context, filter ScoreWindowFilter) (*ScoreWindow, error) {
	where := storage.NewWhereBuilder()
	where.Compare("t.prompt_version_id", "=", filter.PromptVersionID)
	if !filter.From.IsZero() {
		where.Compare("t.timestamp", ">=", s.timeArg(filter.From))
	}
	if !filter.To.IsZero() {
		where.Compare("t.timestamp", "<", s.timeArg(filter.To))
	}
	if filter.EvaluatorID != "" {
		where.Compare("e.evaluator_id", "=", filter.EvaluatorID)
	}

	query := `
SELECT COUNT(e.id), CAST(AVG(e.aggregate_score) AS DOUBLE PRECISION)
FROM evaluations e
JOIN traces t ON t.id = e.trace_id
WHERE ` + where.Where()

	var (
		window ScoreWindow
		mean   sql.NullFloat64
	)
	if err := s.db.QueryRowContext(ctx, s.q(query), where.Args()...).Scan(&window.Count, &mean); err != nil {
		return nil, fmt.Errorf("query score window for %q: %w", filter.PromptVersionID, err)
	}
	window.Mean = mean.Float64
	return &window, nil
}

func (s *sqlStore) WriteKnowledgeDocument(ctx context.Context, doc *KnowledgeDocument) error {
	if doc == nil || strings.TrimSpace(doc.Content) == "" {
		return fmt.Errorf("knowledge document content is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now().UTC()
	}

	err := s.exec(ctx, `INSERT INTO knowledge_documents (id, source, content, created_at) VALUES (?, ?, ?, ?)`,
		doc.ID, doc.Source, doc.Content, s.timeArg(doc.CreatedAt))
	if err != nil {
		return fmt.Errorf("write knowledge document %q: %w", doc.ID, err)
	}
	return nil
}

func (s *sqlStore) ListKnowledgeDocuments(ctx context.Context) ([]*KnowledgeDocument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source, content, created_at FROM knowledge_documents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list knowledge documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*KnowledgeDocument, 0)
	for rows.Next() {
		var (
			doc       KnowledgeDocument
			createdAt any
		)
		if err := rows.Scan(&doc.ID, &doc.Source, &doc.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan knowledge document: %w", err)
		}
		if doc.CreatedAt, err = storage.ScanTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse knowledge document timestamp: %w", err)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge documents: %w", err)
	}
	return docs, nil
}

func (s *sqlStore) bucketExpr(bucket, column string) string {
	if s.driver == storage.DriverPostgres {
		return "date_trunc('" + bucket + "', " + column + " AT TIME ZONE 'UTC')"
	}
	switch bucket {
	case BucketDay:
		return "strftime('%Y-%m-%dT00:00:00Z', " + column + ")"
	case BucketWeek:
		return "strftime('%Y-%m-%dT00:00:00Z', datetime(" + column + ", '-' || ((CAST(strftime('%w', " + column + ") AS INTEGER) + 6) % 7) || ' days'))"
	default:
		return "strftime('%Y-%m-%dT%H:00:00Z', " + column + ")"
	}
}

// varianceExpr yields the population variance; the square root is taken in
// Go since SQLite has no sqrt in its default build.
func (s *sqlStore) varianceExpr(column string) string {
	if s.driver == storage.DriverPostgres {
		return "CAST(var_pop(" + column + ") AS DOUBLE PRECISION)"
	}
	return "AVG(" + column + " * " + column + ") - AVG(" + column + ") * AVG(" + column + ")"
}

// bucketStddev turns a population variance into a standard deviation. A
// bucket whose scores are all equal has no spread, which the single-pass
// SQLite variance can miss by a rounding error.
func bucketStddev(variance float64, minScore, maxScore sql.NullFloat64) *float64 {
	stddev := 0.0
	if !minScore.Valid || !maxScore.Valid || minScore.Float64 != maxScore.Float64 {
		stddev = math.Sqrt(math.Max(variance, 0))
	}
	return &stddev
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item         Trace
		inputsRaw    []byte
		timestampRaw any
		createdAtRaw any
	)
	if err := scanner.Scan(
		&item.ID,
		&item.PromptVersionID,
		&inputsRaw,
		&item.SystemPrompt,
		&item.UserPrompt,
		&item.Output,
		&item.Provider,
		&item.Model,
		&item.InputTokens,
		&item.OutputTokens,
		&item.LatencyMS,
		&item.CostUSD,
		&timestampRaw,
		&createdAtRaw,
	); err != nil {
		return nil, err
	}

	item.Inputs = map[string]string{}
	if err := decodeJSONObject(inputsRaw, &item.Inputs); err != nil {
		return nil, fmt.Errorf("decode trace inputs: %w", err)
	}
	var err error
	if item.Timestamp, err = storage.ScanTime(timestampRaw); err != nil {
		return nil, fmt.Errorf("parse trace timestamp: %w", err)
	}
	if item.CreatedAt, err = storage.ScanTime(createdAtRaw); err != nil {
		return nil, fmt.Errorf("parse trace created_at: %w", err)
	}
	return &item, nil
}

func validateTrace(trace *Trace) error {
	missing := make([]string, 0, 3)
	if strings.TrimSpace(trace.PromptVersionID) == "" {
		missing = append(missing, "prompt_version_id")
	}
	if strings.TrimSpace(trace.Provider) == "" {
		missing = append(missing, "provider")
	}
	if strings.TrimSpace(trace.Model) == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTrace, strings.Join(missing, ", "))
	}
	return nil
}

func encodeJSONObject[T any](value map[string]T) (string, error) {
	if value == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeJSONObject(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func nullableFloat(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}

func roundCost(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}
