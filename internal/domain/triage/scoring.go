package triage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Element weights of the rule-based completeness score. They sum to 100.
const (
	weightPrimarySymptom = 40
	weightDuration       = 20
	weightTrauma         = 15
	weightAssociated     = 15
	weightQualifiers     = 10

	SufficiencyThreshold = 60
)

// symptomTerm is a lexicon entry. ref is how a follow-up question refers back
// to the patient's own wording.
type symptomTerm struct {
	term string
	ref  string
}

var symptomLexicon = []symptomTerm{
	{"mal di testa", "questo mal di testa"},
	{"mal di gola", "questo mal di gola"},
	{"mal di pancia", "questo mal di pancia"},
	{"mal di schiena", "questo mal di schiena"},
	{"mal d'orecchio", "questo mal d'orecchio"},
	{"mal di denti", "questo mal di denti"},
	{"cefalea", "questa cefalea"},
	{"emicrania", "questa emicrania"},
	{"dolore", "questo dolore"},
	{"dolori", "questi dolori"},
	{"febbre", "questa febbre"},
	{"tosse", "questa tosse"},
	{"nausea", "questa nausea"},
	{"vomito", "questo vomito"},
	{"diarrea", "questa diarrea"},
	{"stitichezza", "questa stitichezza"},
	{"vertigini", "queste vertigini"},
	{"capogiri", "questi capogiri"},
	{"prurito", "questo prurito"},
	{"eruzione", "questa eruzione"},
	{"macchie", "queste macchie"},
	{"bruciore", "questo bruciore"},
	{"gonfiore", "questo gonfiore"},
	{"formicolio", "questo formicolio"},
	{"formicolii", "questi formicolii"},
	{"intorpidimento", "questo intorpidimento"},
	{"palpitazioni", "queste palpitazioni"},
	{"affanno", "questo affanno"},
	{"fiato corto", "questo fiato corto"},
	{"stanchezza", "questa stanchezza"},
	{"insonnia", "questa insonnia"},
	{"ansia", "questa ansia"},
	{"raffreddore", "questo raffreddore"},
	{"raucedine", "questa raucedine"},
	{"ronzio", "questo ronzio"},
	{"vista offuscata", "questa vista offuscata"},
	{"sangue", "questo sanguinamento"},
	{"headache", "questo mal di testa"},
	{"migraine", "questa emicrania"},
	{"pain", "questo dolore"},
	{"ache", "questo dolore"},
	{"fever", "questa febbre"},
	{"cough", "questa tosse"},
	{"dizziness", "queste vertigini"},
	{"rash", "questa eruzione"},
	{"itch", "questo prurito"},
	{"swelling", "questo gonfiore"},
	{"fatigue", "questa stanchezza"},
}

var (
	// A count only states a duration when a time unit follows it: "da una
	// settimana" is a duration, "da una caduta" is not.
	durationPattern = regexp.MustCompile(`\b(?:da|per|since|for)\s+(?:` +
		`(?:ieri|stamattina|stamane|stanotte|stasera|oggi|poco|molto|tanto|yesterday)\b|` +
		`(?:un'\s*|(?:qualche|alcuni|alcune|un|una|due|tre|quattro|cinque|sei|sette|otto|nove|dieci|a|an|\d+)\s+)` +
		`(?:minut[oi]|or[ae]|giorn[oi]|settiman[ae]|mes[ei]|ann[oi]|minutes?|hours?|days?|weeks?|months?|years?)\b)`)

	durationWords = []string{
		"ieri", "giorni", "giorno", "settimana", "settimane", "mese", "mesi", "anno", "anni", "ore",
		"stamattina", "stanotte", "all'improvviso", "improvvisamente", "da sempre", "cronic*",
		"days", "weeks", "months", "hours", "yesterday", "this morning", "suddenly",
	}

	traumaWords = []string{
		"caduta", "caduto", "cadendo", "trauma", "incidente", "botta", "colpo", "urto", "urtato",
		"sbattuto", "infortunio", "distorsione", "storta", "fall", "fell", "injury", "accident", "hit my",
	}

	associatedWords = []string{
		"anche", "inoltre", "insieme a", "insieme al", "accompagnat*", "oltre a", "e poi",
		"nessun altro sintomo", "nessun altro", "nient'altro", "niente altro", "altri sintomi",
		"also", "along with", "as well",
	}

	qualifierWords = []string{
		"forte", "fortissim*", "lieve", "leggero", "leggera", "intenso", "intensa", "acuto", "acuta", "sordo",
		"pulsante", "costante", "continuo", "continua", "intermittente", "a tratti", "peggior*", "miglior*",
		"destra", "destro", "sinistra", "sinistro", "bruciante", "trafittivo", "/10", "su 10",
		"severe", "mild", "sharp", "dull", "constant", "throbbing", "worse",
	}
)

// Markers identifying which element a previous follow-up question asked about,
// so that short replies ("no", "da ieri") count as answers.
var questionMarkers = map[string]string{
	"Da quanto tempo":           ElementDuration,
	"cadute, colpi o incidenti": ElementTraumaHistory,
	"hai notato altri sintomi":  ElementAssociatedSymptoms,
	"Come descriveresti":        ElementQualifiers,
	"che tipo di disturbo":      ElementPrimarySymptom,
}

// RuleAssessor scores completeness deterministically from Italian and
// English keyword lexicons. It needs no network.
type RuleAssessor struct{}

func NewRuleAssessor() *RuleAssessor { return &RuleAssessor{} }

func (RuleAssessor) Assess(_ context.Context, history []Message, _ int) (CompletenessAssessment, error) {
	text := strings.ToLower(strings.Join(userContents(history), "\n"))

	present := map[string]bool{}
	ref, symptoms := findSymptoms(text)
	present[ElementPrimarySymptom] = symptoms > 0
	present[ElementDuration] = durationPattern.MatchString(text) || containsAny(text, durationWords)
	present[ElementTraumaHistory] = containsAny(text, traumaWords)
	present[ElementAssociatedSymptoms] = symptoms > 1 || containsAny(text, associatedWords)
	present[ElementQualifiers] = containsAny(text, qualifierWords)
	for el := range answeredElements(history) {
		// An answer to the primary-symptom question still needs a recognizable symptom.
		if el != ElementPrimarySymptom {
			present[el] = true
		}
	}

	weights := map[string]int{
		ElementPrimarySymptom:     weightPrimarySymptom,
		ElementDuration:           weightDuration,
		ElementTraumaHistory:      weightTrauma,
		ElementAssociatedSymptoms: weightAssociated,
		ElementQualifiers:         weightQualifiers,
	}
	score := 0
	var missing []string
	for _, el := range ElementPriority {
		if present[el] {
			score += weights[el]
		} else {
			missing = append(missing, el)
		}
	}

	a := CompletenessAssessment{
		Sufficient: present[ElementPrimarySymptom] && score >= SufficiencyThreshold,
		Score:      score,
		Missing:    missing,
	}
	if !a.Sufficient && len(missing) > 0 {
		a.FollowUp = followUpFor(missing[0], ref)
	}
	return a.Normalize(), nil
}

// findSymptoms returns the reference phrase for the earliest symptom mentioned
// and the number of distinct symptoms found. Longer terms win over the shorter
// terms they contain ("mal di testa" over "testa").
func findSymptoms(text string) (string, int) {
	type hit struct {
		pos int
		t   symptomTerm
	}
	var hits []hit
	covered := make([]bool, len(text))
	terms := append([]symptomTerm(nil), symptomLexicon...)
	sort.SliceStable(terms, func(i, j int) bool { return len(terms[i].term) > len(terms[j].term) })
	for _, t := range terms {
		idx := indexWord(text, t.term)
		if idx < 0 || covered[idx] {
			continue
		}
		for i := idx; i < idx+len(strings.TrimSuffix(t.term, "*")); i++ {
			covered[i] = true
		}
		hits = append(hits, hit{pos: idx, t: t})
	}
	if len(hits) == 0 {
		return "", 0
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	return hits[0].t.ref, len(hits)
}

// indexWord finds term as a whole word. A trailing "*" marks a stem, which
// may run on into a longer word ("cronic*" matches "cronico").
func indexWord(text, term string) int {
	stem := strings.HasSuffix(term, "*")
	term = strings.TrimSuffix(term, "*")
	from := 0
	for {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(term)
		left := i == 0 || !isLetter(text[i-1])
		right := stem || end == len(text) || !isLetter(text[end])
		if left && right {
			return i
		}
		from = i + 1
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || b >= 0x80
}

// containsAny matches whole words and marked stems, so "ore" matches neither
// "dolore" nor "orecchio".
func containsAny(text string, words []string) bool {
	for _, w := range words {
		if indexWord(text, w) >= 0 {
			return true
		}
	}
	return false
}

// answeredElements finds elements the assistant asked about that received a
// non-blank user reply.
func answeredElements(history []Message) map[string]bool {
	out := map[string]bool{}
	for i := 0; i+1 < len(history); i++ {
		if history[i].Role != RoleAssistant || history[i+1].Role != RoleUser {
			continue
		}
		if strings.TrimSpace(history[i+1].Content) == "" {
			continue
		}
		for marker, el := range questionMarkers {
			if strings.Contains(history[i].Content, marker) {
				out[el] = true
			}
		}
	}
	return out
}

func followUpFor(element, ref string) string {
	if ref == "" {
		ref = "questo disturbo"
	}
	switch element {
	case ElementPrimarySymptom:
		return AssessorFallbackQuestion
	case ElementDuration:
		return fmt.Sprintf("Da quanto tempo hai %s?", ref)
	case ElementTraumaHistory:
		return fmt.Sprintf("Hai avuto cadute, colpi o incidenti prima che iniziasse %s?", ref)
	case ElementAssociatedSymptoms:
		return fmt.Sprintf("Oltre a %s, hai notato altri sintomi?", ref)
	case ElementQualifiers:
		return fmt.Sprintf("Come descriveresti %s? Ad esempio l'intensità, se è continuo o a tratti e la zona precisa.", ref)
	}
	return DefaultFollowUp
}
