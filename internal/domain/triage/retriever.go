package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/platform/llm"
	"github.com/triage/triage/internal/platform/vectorstore"
)

// SpecialistRetriever finds knowledge-base context for a symptom text and
// reasons over it to pick one specialist.
type SpecialistRetriever interface {
	RetrieveContext(ctx context.Context, symptomText string) ([]string, error)
	Recommend(ctx context.Context, symptomText string, snippets []string) (SpecialistRecommendation, error)
}

// Searcher is the similarity search the retriever depends on.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]vectorstore.Match, error)
}

var recommendationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"specialist": map[string]any{"type": "string", "description": "Nome della specializzazione, es. Neurologia"},
		"rationale":  map[string]any{"type": "string", "description": "Motivazione clinica basata sul contesto"},
	},
	"required":             []string{"specialist", "rationale"},
	"additionalProperties": false,
}

type RAGRetriever struct {
	search Searcher
	llm    llm.Client
	topK   int
	log    zerolog.Logger
}

func NewRAGRetriever(s Searcher, c llm.Client, topK int, log zerolog.Logger) *RAGRetriever {
	if topK <= 0 {
		topK = 5
	}
	return &RAGRetriever{search: s, llm: c, topK: topK, log: log.With().Str("component", "specialist_retriever").Logger()}
}

func (r *RAGRetriever) RetrieveContext(ctx context.Context, symptomText string) ([]string, error) {
	matches, err := r.search.Search(ctx, symptomText, r.topK)
	if err != nil {
		return nil, err
	}
	snippets := make([]string, 0, len(matches))
	for _, m := range matches {
		if t := strings.TrimSpace(m.Document.Text); t != "" {
			snippets = append(snippets, t)
		}
	}
	r.log.Debug().Int("snippets", len(snippets)).Msg("context retrieved")
	return snippets, nil
}

func (r *RAGRetriever) Recommend(ctx context.Context, symptomText string, snippets []string) (SpecialistRecommendation, error) {
	user := fmt.Sprintf(retrieverUserTemplate, strings.Join(snippets, "\n\n"), symptomText)
	rungs := []Strategy[SpecialistRecommendation]{
		{Name: "structured", Run: r.ask(llm.Request{System: retrieverSystemPrompt, User: user, SchemaName: "specialist_recommendation", Schema: recommendationSchema})},
		{Name: "json", Run: r.ask(llm.Request{System: retrieverSystemPrompt, User: user})},
	}
	rec, rung, err := runLadder(ctx, r.log, "find_specialist", rungs)
	if err != nil {
		return SpecialistRecommendation{}, err
	}
	r.log.Debug().Str("strategy", rung).Str("specialist", rec.Specialist).Msg("specialist recommended")
	return rec, nil
}

func (r *RAGRetriever) ask(req llm.Request) func(context.Context) (SpecialistRecommendation, error) {
	return func(ctx context.Context) (SpecialistRecommendation, error) {
		raw, err := r.llm.GenerateJSON(ctx, req)
		if err != nil {
			return SpecialistRecommendation{}, err
		}
		return parseRecommendation(raw)
	}
}

type recommendationPayload struct {
	Specialist string `json:"specialist"`
	Rationale  string `json:"rationale"`
	Reasoning  string `json:"reasoning"`
}

func parseRecommendation(raw json.RawMessage) (SpecialistRecommendation, error) {
	var p recommendationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SpecialistRecommendation{}, fmt.Errorf("decode recommendation: %w", err)
	}
	rec := SpecialistRecommendation{Specialist: strings.TrimSpace(p.Specialist), Rationale: strings.TrimSpace(p.Rationale)}
	if rec.Rationale == "" {
		rec.Rationale = strings.TrimSpace(p.Reasoning)
	}
	if rec.IsZero() {
		return SpecialistRecommendation{}, fmt.Errorf("recommendation without specialist")
	}
	return rec, nil
}

var placeholderInputs = map[string]bool{
	"":                         true,
	"n/a":                      true,
	"na":                       true,
	"nessun sintomo descritto": true,
	"nessun sintomo":           true,
	"no symptoms":              true,
}

// usableSymptomText rejects blank, placeholder and "no symptoms" inputs.
func usableSymptomText(s string) bool {
	return !placeholderInputs[strings.ToLower(strings.TrimSpace(s))]
}
