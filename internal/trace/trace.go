package trace

import "time"

// Trace is one completed inference. Rows are immutable once written.
type Trace struct {
	ID              string            `json:"id"`
	PromptVersionID string            `json:"prompt_version_id"`
	Inputs          map[string]string `json:"inputs"`
	SystemPrompt    string            `json:"system_prompt"`
	UserPrompt      string            `json:"user_prompt"`
	Output          string            `json:"output"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	InputTokens     int               `json:"input_tokens"`
	OutputTokens    int               `json:"output_tokens"`
	LatencyMS       int64             `json:"latency_ms"`
	CostUSD         float64           `json:"cost_usd"`
	Timestamp       time.Time         `json:"timestamp"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Evaluation is one evaluator's verdict on a trace. Re-evaluating a trace
// appends a new row.
type Evaluation struct {
	ID             string             `json:"id"`
	TraceID        string             `json:"trace_id"`
	EvaluatorID    string             `json:"evaluator_id"`
	Scores         map[string]float64 `json:"scores"`
	AggregateScore float64            `json:"aggregate_score"`
	Reasoning      string             `json:"reasoning"`
	Metadata       map[string]any     `json:"metadata"`
	Timestamp      time.Time          `json:"timestamp"`
}

// KnowledgeDocument is one entry of the reference corpus used for grounding
// checks.
type KnowledgeDocument struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
