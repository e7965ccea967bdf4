package triage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/platform/vectorstore"
)

type stubSearcher struct {
	matches []vectorstore.Match
	err     error
	gotK    int
}

func (s *stubSearcher) Search(_ context.Context, _ string, k int) ([]vectorstore.Match, error) {
	s.gotK = k
	return s.matches, s.err
}

func TestRAGRetriever_RetrieveContext(t *testing.T) {
	s := &stubSearcher{matches: []vectorstore.Match{
		{Document: vectorstore.Document{Text: "specializzazione: Neurologia"}, Score: 0.9},
		{Document: vectorstore.Document{Text: "   "}, Score: 0.5},
		{Document: vectorstore.Document{Text: "specializzazione: Otorinolaringoiatria"}, Score: 0.4},
	}}
	r := NewRAGRetriever(s, &scriptedLLM{}, 0, zerolog.Nop())

	got, err := r.RetrieveContext(context.Background(), "mal di testa")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"specializzazione: Neurologia", "specializzazione: Otorinolaringoiatria"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if s.gotK != 5 {
		t.Errorf("default k = %d, want 5", s.gotK)
	}
}

func TestRAGRetriever_RetrieveContextError(t *testing.T) {
	s := &stubSearcher{err: errors.New("index offline")}
	if _, err := NewRAGRetriever(s, &scriptedLLM{}, 3, zerolog.Nop()).RetrieveContext(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRAGRetriever_Recommend(t *testing.T) {
	fake := &scriptedLLM{replies: []llmReply{
		{body: `{"specialist":"","rationale":"?"}`},
		{body: `{"specialist":" Neurologia ","reasoning":"Cefalea persistente."}`},
	}}
	r := NewRAGRetriever(&stubSearcher{}, fake, 5, zerolog.Nop())

	got, err := r.Recommend(context.Background(), "mal di testa da una settimana", []string{"ctx-a", "ctx-b"})
	if err != nil {
		t.Fatal(err)
	}
	want := SpecialistRecommendation{Specialist: "Neurologia", Rationale: "Cefalea persistente."}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	prompt := fake.reqs[0].User
	if !strings.Contains(prompt, "ctx-a\n\nctx-b") || !strings.Contains(prompt, "mal di testa da una settimana") {
		t.Errorf("prompt lacks context or symptoms: %q", prompt)
	}
}

func TestUsableSymptomText(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"N/A", false},
		{" Nessun sintomo descritto ", false},
		{"no symptoms", false},
		{"mal di pancia", true},
	}
	for _, tt := range tests {
		if got := usableSymptomText(tt.in); got != tt.want {
			t.Errorf("usableSymptomText(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
