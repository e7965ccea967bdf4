package triage

import "fmt"

// Outcome is the single thing a turn communicates. The set of variants is
// closed: RecommendationOutcome, FollowUpOutcome, IntentOutcome.
type Outcome interface {
	outcome()
}

type RecommendationOutcome struct {
	Recommendation SpecialistRecommendation
}

type FollowUpOutcome struct {
	Question string
}

// IntentOutcome carries the detected intent; an empty intent renders the
// generic prompt.
type IntentOutcome struct {
	Intent Intent
}

func (RecommendationOutcome) outcome() {}
func (FollowUpOutcome) outcome()       {}
func (IntentOutcome) outcome()         {}

// TurnState is what one turn produced. The engine never sets both
// Recommendation and an insufficient Assessment.
type TurnState struct {
	Intent         Intent
	Assessment     *CompletenessAssessment
	Recommendation *SpecialistRecommendation
}

// Resolve applies the fixed priority: recommendation, then an insufficient
// assessment, then the detected intent.
func Resolve(s TurnState) Outcome {
	if s.Recommendation != nil {
		return RecommendationOutcome{Recommendation: *s.Recommendation}
	}
	if s.Assessment != nil && !s.Assessment.Sufficient {
		return FollowUpOutcome{Question: s.Assessment.FollowUp}
	}
	return IntentOutcome{Intent: s.Intent}
}

// Render turns an outcome into the outbound message text.
func Render(o Outcome) string {
	switch o := o.(type) {
	case RecommendationOutcome:
		return fmt.Sprintf(recommendationTemplate, o.Recommendation.Specialist, o.Recommendation.Rationale)
	case FollowUpOutcome:
		q := o.Question
		if q == "" {
			q = DefaultFollowUp
		}
		return fmt.Sprintf(followUpTemplate, q)
	case IntentOutcome:
		switch o.Intent {
		case IntentGreeting:
			return OnboardingMessage
		case IntentEmergency:
			return EmergencyMessage
		case IntentOutOfScope:
			return OutOfScopeMessage
		}
	}
	return GenericMessage
}

func outcomeKind(o Outcome) string {
	switch o.(type) {
	case RecommendationOutcome:
		return "recommendation"
	case FollowUpOutcome:
		return "follow_up"
	}
	return "intent"
}

// Format is Render(Resolve(s)); it has no side effects.
func Format(s TurnState) string {
	return Render(Resolve(s))
}
