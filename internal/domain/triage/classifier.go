package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/platform/llm"
)

// IntentClassifier labels the most recent user message in light of the whole history.
type IntentClassifier interface {
	Classify(ctx context.Context, history []Message) (IntentClassification, error)
}

var intentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"intent": map[string]any{
			"type": "string",
			"enum": []string{string(IntentGreeting), string(IntentSymptomDescription), string(IntentEmergency), string(IntentOutOfScope)},
		},
		"confidence": map[string]any{"type": "number", "description": "0-100"},
		"rationale":  map[string]any{"type": "string"},
	},
	"required":             []string{"intent", "confidence", "rationale"},
	"additionalProperties": false,
}

// LLMClassifier asks a chat model, degrading from schema-constrained output
// over the full history to loose JSON and finally to the last message alone.
type LLMClassifier struct {
	llm llm.Client
	log zerolog.Logger
}

func NewLLMClassifier(c llm.Client, log zerolog.Logger) *LLMClassifier {
	return &LLMClassifier{llm: c, log: log.With().Str("component", "intent_classifier").Logger()}
}

func (c *LLMClassifier) Classify(ctx context.Context, history []Message) (IntentClassification, error) {
	last, ok := lastUserContent(history)
	if !ok {
		return IntentClassification{Intent: IntentGreeting, Confidence: 50, Rationale: "no user message in history"}, nil
	}
	withContext := fmt.Sprintf(classifierContextTemplate, Transcript(history), last)
	lastOnly := fmt.Sprintf(classifierMessageTemplate, last)

	rungs := []Strategy[IntentClassification]{
		{Name: "structured-context", Run: c.ask(llm.Request{System: classifierSystemPrompt, User: withContext, SchemaName: "intent_classification", Schema: intentSchema})},
		{Name: "json-context", Run: c.ask(llm.Request{System: classifierSystemPrompt, User: withContext})},
		{Name: "structured-last-message", Run: c.ask(llm.Request{System: classifierSystemPrompt, User: lastOnly, SchemaName: "intent_classification", Schema: intentSchema})},
	}
	res, rung, err := runLadder(ctx, c.log, "classify_intent", rungs)
	if err != nil {
		return IntentClassification{}, err
	}
	c.log.Debug().Str("strategy", rung).Str("intent", string(res.Intent)).Float64("confidence", res.Confidence).Msg("intent classified")
	return res, nil
}

func (c *LLMClassifier) ask(req llm.Request) func(context.Context) (IntentClassification, error) {
	return func(ctx context.Context) (IntentClassification, error) {
		raw, err := c.llm.GenerateJSON(ctx, req)
		if err != nil {
			return IntentClassification{}, err
		}
		return parseClassification(raw)
	}
}

type classificationPayload struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Reasoning  string  `json:"reasoning"`
}

func parseClassification(raw json.RawMessage) (IntentClassification, error) {
	var p classificationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return IntentClassification{}, fmt.Errorf("decode classification: %w", err)
	}
	intent, err := ParseIntent(p.Intent)
	if err != nil {
		return IntentClassification{}, err
	}
	rationale := p.Rationale
	if rationale == "" {
		rationale = p.Reasoning
	}
	// Some models ignore the declared 0-100 scale and answer with a fraction.
	// Whole numbers, 1 included, are read as percentages.
	conf := p.Confidence
	if conf > 0 && conf < 1 {
		conf *= 100
	}
	return IntentClassification{Intent: intent, Confidence: clampFloat(conf, 0, 100), Rationale: strings.TrimSpace(rationale)}, nil
}

func lastUserContent(history []Message) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Content, true
		}
	}
	return "", false
}
