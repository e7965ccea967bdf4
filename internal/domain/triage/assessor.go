package triage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/platform/llm"
)

// CompletenessAssessor judges whether the accumulated conversation carries
// enough detail for a recommendation. attempt is 1-based.
type CompletenessAssessor interface {
	Assess(ctx context.Context, history []Message, attempt int) (CompletenessAssessment, error)
}

var assessmentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"sufficient":         map[string]any{"type": "boolean"},
		"score":              map[string]any{"type": "integer", "description": "0-100"},
		"follow_up_question": map[string]any{"type": "string"},
		"missing": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string", "enum": ElementPriority},
		},
	},
	"required":             []string{"sufficient", "score", "follow_up_question", "missing"},
	"additionalProperties": false,
}

type LLMAssessor struct {
	llm llm.Client
	log zerolog.Logger
}

func NewLLMAssessor(c llm.Client, log zerolog.Logger) *LLMAssessor {
	return &LLMAssessor{llm: c, log: log.With().Str("component", "completeness_assessor").Logger()}
}

func (a *LLMAssessor) Assess(ctx context.Context, history []Message, attempt int) (CompletenessAssessment, error) {
	user := fmt.Sprintf(assessorUserTemplate, Transcript(history), attempt)
	rungs := []Strategy[CompletenessAssessment]{
		{Name: "structured", Run: a.ask(llm.Request{System: assessorSystemPrompt, User: user, SchemaName: "completeness_assessment", Schema: assessmentSchema})},
		{Name: "json", Run: a.ask(llm.Request{System: assessorSystemPrompt, User: user})},
	}
	res, rung, err := runLadder(ctx, a.log, "evaluate_completeness", rungs)
	if err != nil {
		return CompletenessAssessment{}, err
	}
	a.log.Debug().Str("strategy", rung).Bool("sufficient", res.Sufficient).Int("score", res.Score).Int("attempt", attempt).Msg("completeness assessed")
	return res, nil
}

func (a *LLMAssessor) ask(req llm.Request) func(context.Context) (CompletenessAssessment, error) {
	return func(ctx context.Context) (CompletenessAssessment, error) {
		raw, err := a.llm.GenerateJSON(ctx, req)
		if err != nil {
			return CompletenessAssessment{}, err
		}
		return parseAssessment(raw)
	}
}

type assessmentPayload struct {
	Sufficient *bool    `json:"sufficient"`
	Score      int      `json:"score"`
	FollowUp   *string  `json:"follow_up_question"`
	Missing    []string `json:"missing"`
}

func parseAssessment(raw json.RawMessage) (CompletenessAssessment, error) {
	var p assessmentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return CompletenessAssessment{}, fmt.Errorf("decode assessment: %w", err)
	}
	if p.Sufficient == nil {
		return CompletenessAssessment{}, fmt.Errorf("assessment without sufficient field")
	}
	a := CompletenessAssessment{Sufficient: *p.Sufficient, Score: p.Score, Missing: orderMissing(p.Missing)}
	if p.FollowUp != nil {
		a.FollowUp = *p.FollowUp
	}
	return a.Normalize(), nil
}

// orderMissing drops unknown labels and sorts the rest by priority.
func orderMissing(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		seen[l] = true
	}
	var out []string
	for _, l := range ElementPriority {
		if seen[l] {
			out = append(out, l)
		}
	}
	return out
}
