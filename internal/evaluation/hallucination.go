package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/imTariful/LLM-evaluation/internal/trace"
)

const HallucinationEvaluatorID = "hallucination"

const (
	defaultSimilarityThreshold = 0.5
	defaultCorpusTTL           = 5 * time.Minute

	minClaimLength = 10
	maxClaims      = 20
)

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

var (
	overconfidentMarkers = markerPatterns("always", "never", "definitely", "certainly", "absolute fact", "guaranteed")
	cautiousMarkers      = markerPatterns("likely", "may", "might", "possibly", "suggests", "based on")
)

// CorpusSource supplies reference documents. trace.Store satisfies it.
type CorpusSource interface {
	ListKnowledgeDocuments(ctx context.Context) ([]*trace.KnowledgeDocument, error)
}

type HallucinationConfig struct {
	SimilarityThreshold float64
	CorpusTTL           time.Duration
	Logger              *slog.Logger
	Now                 func() time.Time
}

// Hallucination estimates how well an output is grounded in the knowledge
// corpus and how overconfident its language is.
type Hallucination struct {
	source    CorpusSource
	threshold float64
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	passages []passage
	loadedAt time.Time
}

type passage struct {
	text   string
	tokens map[string]struct{}
}

// ClaimScore is the best corpus match for one claim.
type ClaimScore struct {
	Claim      string  `json:"claim"`
	Similarity float64 `json:"similarity"`
	Supported  bool    `json:"supported"`
}

func NewHallucination(source CorpusSource, cfg HallucinationConfig) *Hallucination {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaultSimilarityThreshold
	}
	if cfg.CorpusTTL <= 0 {
		cfg.CorpusTTL = defaultCorpusTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hallucination{
		source:    source,
		threshold: cfg.SimilarityThreshold,
		ttl:       cfg.CorpusTTL,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

func (h *Hallucination) ID() string { return HallucinationEvaluatorID }

// Invalidate drops the cached corpus so the next evaluation reloads it.
func (h *Hallucination) Invalidate() {
	h.mu.Lock()
	h.loadedAt = time.Time{}
	h.passages = nil
	h.mu.Unlock()
}

func (h *Hallucination) Evaluate(ctx context.Context, t *trace.Trace) (*trace.Evaluation, error) {
	corpus, err := h.corpus(ctx)
	if err != nil {
		return nil, err
	}
	if len(corpus) == 0 {
		h.logger.Debug("knowledge corpus is empty; skipping hallucination check", "trace_id", t.ID)
		return nil, nil
	}

	claims := ExtractClaims(t.Output)
	claimScores := make([]ClaimScore, 0, len(claims))
	unsupported := make([]string, 0)
	grounding := 1.0
	if len(claims) > 0 {
		var sum float64
		for _, claim := range claims {
			best := bestSimilarity(claim, corpus)
			supported := best >= h.threshold
			if !supported {
				unsupported = append(unsupported, claim)
			}
			claimScores = append(claimScores, ClaimScore{Claim: claim, Similarity: round(best, 4), Supported: supported})
			sum += best
		}
		grounding = sum / float64(len(claims))
	}

	epistemic := analyzeEpistemic(t.Output)
	risk := clamp01((1-grounding)*0.7 + epistemic.risk*0.3)

	return &trace.Evaluation{
		TraceID:     t.ID,
		EvaluatorID: HallucinationEvaluatorID,
		Scores: map[string]float64{
			"grounding":      round(grounding, 4),
			"risk":           round(risk, 4),
			"overconfidence": round(epistemic.overconfidence, 4),
			"caution":        round(epistemic.caution, 4),
		},
		AggregateScore: round(10*(1-risk), 2),
		Reasoning:      hallucinationReasoning(len(claims), unsupported),
		Metadata: map[string]any{
			"claims":         claimScores,
			"passage_count":  len(corpus),
			"threshold":      h.threshold,
			"epistemic_risk": epistemic.risk,
		},
	}, nil
}

func (h *Hallucination) corpus(ctx context.Context) ([]passage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loadedAt.IsZero() && h.now().Sub(h.loadedAt) < h.ttl {
		return h.passages, nil
	}

	docs, err := h.source.ListKnowledgeDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load knowledge corpus: %w", err)
	}
	passages := make([]passage, 0, len(docs))
	for _, doc := range docs {
		for _, sentence := range sentenceSplit.Split(doc.Content, -1) {
			text := normalizeText(sentence)
			if text == "" {
				continue
			}
			passages = append(passages, passage{text: text, tokens: tokenSet(text)})
		}
	}
	h.passages = passages
	h.loadedAt = h.now()
	return passages, nil
}

// ExtractClaims splits text into sentence claims longer than ten characters,
// keeping at most twenty.
func ExtractClaims(text string) []string {
	claims := make([]string, 0)
	for _, sentence := range sentenceSplit.Split(text, -1) {
		sentence = strings.TrimSpace(sentence)
		if utf8.RuneCountInString(sentence) <= minClaimLength {
			continue
		}
		claims = append(claims, sentence)
		if len(claims) == maxClaims {
			break
		}
	}
	return claims
}

// Similarity averages token-set Jaccard similarity with normalized
// Levenshtein similarity. Both inputs are normalized first.
func Similarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	return similarity(na, tokenSet(na), passage{text: nb, tokens: tokenSet(nb)})
}

func bestSimilarity(claim string, corpus []passage) float64 {
	text := normalizeText(claim)
	tokens := tokenSet(text)
	best := 0.0
	for _, p := range corpus {
		if s := similarity(text, tokens, p); s > best {
			best = s
			if best == 1 {
				break
			}
		}
	}
	return best
}

func similarity(text string, tokens map[string]struct{}, p passage) float64 {
	return (jaccard(tokens, p.tokens) + levenshteinSimilarity(text, p.text)) / 2
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for token := range a {
		if _, ok := b[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func levenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(maxLen)
}

func normalizeText(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

func tokenSet(normalized string) map[string]struct{} {
	fields := strings.Fields(normalized)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

type epistemicAnalysis struct {
	overconfidence float64
	caution        float64
	risk           float64
}

// analyzeEpistemic counts distinct overconfident and cautious markers.
func analyzeEpistemic(text string) epistemicAnalysis {
	lower := strings.ToLower(text)
	oc := countMarkers(lower, overconfidentMarkers)
	c := countMarkers(lower, cautiousMarkers)

	analysis := epistemicAnalysis{
		overconfidence: math.Min(float64(oc)/3, 1),
		caution:        math.Min(float64(c)/3, 1),
		risk:           0.2,
	}
	if oc > c {
		analysis.risk = 1.0
	}
	return analysis
}

func markerPatterns(markers ...string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(markers))
	for _, m := range markers {
		patterns = append(patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(m)+`\b`))
	}
	return patterns
}

func countMarkers(text string, patterns []*regexp.Regexp) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

func hallucinationReasoning(claimCount int, unsupported []string) string {
	switch {
	case claimCount == 0:
		return "No verifiable claims found in the output."
	case len(unsupported) == 0:
		return fmt.Sprintf("All %d claims are supported by the knowledge corpus.", claimCount)
	default:
		return fmt.Sprintf("Unsupported claims (%d of %d): %s", len(unsupported), claimCount, strings.Join(unsupported, "; "))
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
