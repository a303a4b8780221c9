// Package extraction classifies a single user utterance and, when it carries
// a durable first-person fact, extracts a typed candidate for the profile
// store. It is a bounded pattern system, not NLP: every rule is a named
// regex predicate with an extractor, evaluated first-match in a fixed order.
//
// The order is load-bearing. Rejection patterns run before fact patterns so
// that a claim about unverified shared history ("you saw me yesterday") is
// refused even when the same sentence also looks like a storable fact. A
// matched fact whose value carries emotional vocabulary is downgraded to
// emotional rather than stored.
package extraction

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Outcome is the classification result for one utterance.
type Outcome string

const (
	// OutcomeReject marks claims about shared history the agent cannot
	// verify. Never stored anywhere.
	OutcomeReject Outcome = "reject"

	// OutcomeFact carries an extracted candidate pending validation.
	OutcomeFact Outcome = "fact"

	// OutcomeEmotional marks transient emotional state. Eligible for
	// episodic summarization only, never for the profile.
	OutcomeEmotional Outcome = "emotional"

	// OutcomeAmbiguous is the default when nothing matched.
	OutcomeAmbiguous Outcome = "ambiguous"
)

// Fact kinds, resolved from the keyword class of the matching rule.
const (
	KindName       = "name"
	KindInterest   = "interest"
	KindPreference = "preference"
	KindOccupation = "occupation"
	KindLocation   = "location"
	KindAge        = "age"
	KindGeneral    = "general"
)

// Candidate is an extracted, not-yet-validated assertion about the user.
type Candidate struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Original string `json:"original"`
}

// Decision is the full classification of one utterance.
type Decision struct {
	Outcome   Outcome
	Candidate Candidate // populated only when Outcome == OutcomeFact
	Rule      string    // name of the rule that fired, for logs
}

// factRule pairs a predicate regex with its extraction metadata. Group 1 of
// the regex is the extracted value.
type factRule struct {
	name string
	kind string
	re   *regexp.Regexp
}

// rejectionPatterns catch claims of shared history or of the agent having
// perceived the user. Checked before anything else.
var rejectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"agent_saw_user", regexp.MustCompile(`(?i)\byou\s+(?:saw|met|watched|heard|told|remember(?:ed)?)\s+me\b`)},
	{"shared_past", regexp.MustCompile(`(?i)\b(?:last time|when)\s+we\s+(?:talked|spoke|met|chatted)\b`)},
	{"agent_promised", regexp.MustCompile(`(?i)\byou\s+(?:promised|said|agreed)\b`)},
	{"we_did_together", regexp.MustCompile(`(?i)\bwe\s+(?:did|went|had|used to)\b`)},
	{"you_know_me", regexp.MustCompile(`(?i)\byou\s+(?:already\s+)?know\s+(?:me|my)\b`)},
}

// factRules is the priority-ordered fact table. Specific identity shapes
// come before the looser general shapes so the first match wins correctly.
var factRules = []factRule{
	{"stated_name", KindName, regexp.MustCompile(`(?i)\bmy name is\s+([A-Za-z][A-Za-z'\- ]{1,49})`)},
	{"call_me", KindName, regexp.MustCompile(`(?i)\b(?:please\s+)?call me\s+([A-Za-z][A-Za-z'\- ]{1,49})`)},
	// Case-sensitive capture so only capitalized words count as claimed
	// names; "I'm away." never becomes a stored name.
	{"contracted_name", KindName, regexp.MustCompile(`\bI(?:'|\x{2019})?m\s+([A-Z][a-z]+)(?:\s*[.,!]|\s*$)`)},
	{"age_years", KindAge, regexp.MustCompile(`(?i)\bi(?:'|\x{2019})?m\s+(\d{1,3})\s+years?\s+old\b`)},
	{"occupation_work_as", KindOccupation, regexp.MustCompile(`(?i)\bi\s+work\s+as\s+(?:an?\s+)?([A-Za-z][A-Za-z'\- ]{1,60})`)},
	{"occupation_am_a", KindOccupation, regexp.MustCompile(`(?i)\bi\s+am\s+an?\s+([A-Za-z][A-Za-z'\- ]{1,60})\s+(?:by trade|by profession|for a living)\b`)},
	{"occupation_job", KindOccupation, regexp.MustCompile(`(?i)\bmy\s+(?:job|profession|occupation)\s+is\s+([A-Za-z][A-Za-z'\- ]{1,60})`)},
	{"location_live_in", KindLocation, regexp.MustCompile(`(?i)\bi\s+(?:live|grew up|was born|was raised)\s+in\s+([A-Za-z][A-Za-z'\-,\. ]{1,60})`)},
	{"location_moved_to", KindLocation, regexp.MustCompile(`(?i)\bi\s+(?:just\s+)?moved\s+to\s+([A-Za-z][A-Za-z'\-,\. ]{1,60})`)},
	{"location_from", KindLocation, regexp.MustCompile(`(?i)\bi(?:'|\x{2019})?m\s+(?:originally\s+)?from\s+([A-Za-z][A-Za-z'\-,\. ]{1,60})`)},
	{"interest_love", KindInterest, regexp.MustCompile(`(?i)\bi\s+(?:love|enjoy|really like|am into)\s+([A-Za-z0-9][A-Za-z0-9'\- ]{1,80})`)},
	{"interest_hobby", KindInterest, regexp.MustCompile(`(?i)\bmy\s+(?:hobby|hobbies)\s+(?:is|are|include)\s+([A-Za-z0-9][A-Za-z0-9'\-, ]{1,80})`)},
	{"preference_favorite", KindPreference, regexp.MustCompile(`(?i)\bmy\s+favou?rite\s+[A-Za-z ]{2,30}\s+is\s+([A-Za-z0-9][A-Za-z0-9'\- ]{1,80})`)},
	{"preference_prefer", KindPreference, regexp.MustCompile(`(?i)\bi\s+prefer\s+([A-Za-z0-9][A-Za-z0-9'\- ]{1,80})`)},
	{"general_speak", KindGeneral, regexp.MustCompile(`(?i)\bi\s+(?:speak|study|studied|play|practice)\s+([A-Za-z][A-Za-z'\- ]{1,60})`)},
	{"general_have", KindGeneral, regexp.MustCompile(`(?i)\bi\s+have\s+(?:a|an|two|three)\s+([A-Za-z][A-Za-z'\- ]{1,60})`)},
	{"general_want_to_be", KindGeneral, regexp.MustCompile(`(?i)\bi\s+want\s+to\s+(?:be|become)\s+(?:an?\s+)?([A-Za-z][A-Za-z'\- ]{1,60})`)},
}

// emotionalKeywords mark transient state. An utterance or extracted value
// containing any of them is classified emotional, not stored as fact.
var emotionalKeywords = []string{
	"happy", "sad", "angry", "upset", "stressed", "anxious", "excited",
	"depressed", "lonely", "tired", "exhausted", "frustrated", "worried",
	"nervous", "scared", "thrilled", "overwhelmed", "miserable", "furious",
	"glad", "grateful", "heartbroken", "devastated",
}

// pronouns excluded from name extraction so "I'm Fine" style utterances
// don't produce garbage names.
var nonNames = map[string]struct{}{
	"i": {}, "me": {}, "you": {}, "he": {}, "she": {}, "it": {}, "we": {},
	"they": {}, "fine": {}, "good": {}, "okay": {}, "ok": {}, "sorry": {},
	"sure": {}, "here": {}, "back": {}, "done": {}, "not": {}, "so": {},
}

// Classify evaluates the rule tables against one utterance, first match
// wins within each phase: rejection, then fact, then emotional, then
// ambiguous.
func Classify(utterance string) Decision {
	text := strings.TrimSpace(utterance)
	if text == "" {
		return Decision{Outcome: OutcomeAmbiguous, Rule: "empty"}
	}

	for _, p := range rejectionPatterns {
		if p.re.MatchString(text) {
			return Decision{Outcome: OutcomeReject, Rule: p.name}
		}
	}

	for _, r := range factRules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(strings.Trim(m[1], " .,!?"))
		if value == "" {
			continue
		}
		if r.kind == KindName {
			if _, pronoun := nonNames[strings.ToLower(value)]; pronoun {
				continue
			}
		}
		// Emotional content anywhere in the utterance downgrades the
		// match: transient state is never written to the profile, even
		// when it co-occurs with a durable-looking fact.
		if containsEmotionalKeyword(value) || containsEmotionalKeyword(text) {
			return Decision{Outcome: OutcomeEmotional, Rule: r.name}
		}
		return Decision{
			Outcome: OutcomeFact,
			Rule:    r.name,
			Candidate: Candidate{
				Type:     r.kind,
				Value:    value,
				Original: text,
			},
		}
	}

	if containsEmotionalKeyword(text) {
		return Decision{Outcome: OutcomeEmotional, Rule: "emotional_vocabulary"}
	}

	return Decision{Outcome: OutcomeAmbiguous, Rule: "no_match"}
}

// PrimaryEmotion returns the first emotional keyword found in the text, or
// empty. Used by episodic summarization.
func PrimaryEmotion(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range emotionalKeywords {
		if containsWord(lower, kw) {
			return kw
		}
	}
	return ""
}

func containsEmotionalKeyword(text string) bool {
	return PrimaryEmotion(text) != ""
}

// containsWord reports whether lower contains kw bounded by non-letters.
func containsWord(lower, kw string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !isLetter(lower[start-1])
		afterOK := end == len(lower) || !isLetter(lower[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Validation errors returned by ValidateFact.
var (
	ErrValueTooShort   = errors.New("fact value too short")
	ErrValueTooLong    = errors.New("fact value too long")
	ErrSelfReferential = errors.New("fact value references shared history")
	ErrFutureTense     = errors.New("fact value is a future-tense prediction")
	ErrMissingType     = errors.New("fact candidate has no type")
)

const (
	minFactLen = 2
	maxFactLen = 200
)

// selfReferentialMarkers reuse the rejection vocabulary at merge time, so
// a candidate that slipped past classification still can't land a claim
// about the agent's own memory in the profile.
var selfReferentialMarkers = []string{
	"you know", "we met", "you saw", "you told", "we talked", "yesterday",
	"last time", "remember when",
}

var futureTenseMarkers = []string{
	"will be", "going to", "gonna", "someday", "one day", "next year",
	"in the future",
}

// ValidateFact is the storage-time gate. It runs independently of Classify
// so both write paths are protected by the same vocabulary.
func ValidateFact(c Candidate) error {
	if strings.TrimSpace(c.Type) == "" {
		return ErrMissingType
	}
	v := strings.TrimSpace(c.Value)
	if len(v) < minFactLen {
		return ErrValueTooShort
	}
	if len(v) > maxFactLen {
		return fmt.Errorf("%w: %d chars", ErrValueTooLong, len(v))
	}
	lower := strings.ToLower(v)
	for _, marker := range selfReferentialMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %q", ErrSelfReferential, marker)
		}
	}
	for _, marker := range futureTenseMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %q", ErrFutureTense, marker)
		}
	}
	return nil
}
