package triage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidIntent = errors.New("invalid intent")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is immutable once appended to a Thread.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Intent string

const (
	IntentGreeting           Intent = "greeting"
	IntentSymptomDescription Intent = "symptom_description"
	IntentEmergency          Intent = "emergency"
	IntentOutOfScope         Intent = "out_of_scope"
)

var Intents = []Intent{IntentGreeting, IntentSymptomDescription, IntentEmergency, IntentOutOfScope}

func (i Intent) Valid() bool {
	switch i {
	case IntentGreeting, IntentSymptomDescription, IntentEmergency, IntentOutOfScope:
		return true
	}
	return false
}

// ParseIntent accepts the label case-insensitively and with surrounding blanks.
func ParseIntent(s string) (Intent, error) {
	i := Intent(strings.ToLower(strings.TrimSpace(s)))
	if !i.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidIntent, s)
	}
	return i, nil
}

type IntentClassification struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Missing-information labels, highest disambiguation priority first.
const (
	ElementPrimarySymptom     = "primary symptom"
	ElementDuration           = "duration"
	ElementTraumaHistory      = "trauma-history"
	ElementAssociatedSymptoms = "associated symptoms"
	ElementQualifiers         = "descriptive qualifiers"
)

var ElementPriority = []string{
	ElementPrimarySymptom,
	ElementDuration,
	ElementTraumaHistory,
	ElementAssociatedSymptoms,
	ElementQualifiers,
}

// CompletenessAssessment is the verdict on whether enough has been collected.
// An empty FollowUp means no question.
type CompletenessAssessment struct {
	Sufficient bool     `json:"sufficient"`
	Score      int      `json:"score"`
	FollowUp   string   `json:"follow_up_question,omitempty"`
	Missing    []string `json:"missing,omitempty"`
}

// Normalize enforces that a sufficient assessment never carries a question and
// that the score stays in range.
func (a CompletenessAssessment) Normalize() CompletenessAssessment {
	if a.Sufficient {
		a.FollowUp = ""
	}
	a.FollowUp = strings.TrimSpace(a.FollowUp)
	a.Score = clampInt(a.Score, 0, 100)
	return a
}

type SpecialistRecommendation struct {
	Specialist string `json:"specialist"`
	Rationale  string `json:"rationale"`
}

func (r SpecialistRecommendation) IsZero() bool {
	return strings.TrimSpace(r.Specialist) == ""
}

// FallbackRecommendation never touches a collaborator.
func FallbackRecommendation() SpecialistRecommendation {
	return SpecialistRecommendation{Specialist: GeneralPractitioner, Rationale: fallbackRationale}
}

// Thread is the per-conversation state owned by the engine.
type Thread struct {
	ID                 string                    `json:"id"`
	Messages           []Message                 `json:"messages"`
	Attempts           int                       `json:"attempts"`
	MaxAttempts        int                       `json:"max_attempts"`
	LastIntent         *IntentClassification     `json:"last_intent,omitempty"`
	LastAssessment     *CompletenessAssessment   `json:"last_assessment,omitempty"`
	LastRecommendation *SpecialistRecommendation `json:"last_recommendation,omitempty"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

func NewThread(id string, maxAttempts int) *Thread {
	return &Thread{ID: id, Messages: []Message{}, MaxAttempts: maxAttempts}
}

func (t *Thread) Append(role Role, content string, at time.Time) {
	t.Messages = append(t.Messages, Message{Role: role, Content: content, CreatedAt: at})
	t.UpdatedAt = at
}

// userContents returns the text of every user message in order.
func userContents(msgs []Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == RoleUser {
			out = append(out, m.Content)
		}
	}
	return out
}

// Clone returns a deep copy so stores never share slices with callers.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	c.Messages = append([]Message(nil), t.Messages...)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if t.LastIntent != nil {
		v := *t.LastIntent
		c.LastIntent = &v
	}
	if t.LastAssessment != nil {
		v := *t.LastAssessment
		v.Missing = append([]string(nil), t.LastAssessment.Missing...)
		c.LastAssessment = &v
	}
	if t.LastRecommendation != nil {
		v := *t.LastRecommendation
		c.LastRecommendation = &v
	}
	return &c
}

// Transcript renders the history as "Utente:"/"Bot:" lines for prompts.
func Transcript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case RoleUser:
			b.WriteString("Utente: ")
		case RoleAssistant:
			b.WriteString("Bot: ")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "(Nessuna cronologia)"
	}
	return strings.TrimRight(b.String(), "\n")
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
