// Package validator checks a candidate reply against the persona contract
// before it reaches the user. It runs a fixed battery of independent
// sub-checks; any violation fails the reply, and a sub-check that panics is
// itself recorded as a violation. The validator fails closed: a broken
// check can never silently pass a response.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/meridian-ai/meridian/internal/persona"
)

// ViolationType identifies the class of persona breach.
type ViolationType string

const (
	ViolationIdentityMismatch   ViolationType = "identity_mismatch"
	ViolationNameMismatch       ViolationType = "name_inconsistency"
	ViolationSensoryClaim       ViolationType = "sensory_capability_claim"
	ViolationPhysicalPresence   ViolationType = "physical_presence_claim"
	ViolationTemporalContinuity ViolationType = "temporal_continuity_claim"
	ViolationMemoryClaim        ViolationType = "unverified_memory_claim"
	ViolationForbiddenStatement ViolationType = "forbidden_statement"
	ViolationNeverClaim         ViolationType = "never_claim_violation"
	ViolationValidationError    ViolationType = "validation_error"
)

// SeverityBlocking is the only severity in use. The field is informational;
// every violation type blocks the reply regardless.
const SeverityBlocking = "blocking"

// Violation is one detected breach of the persona contract.
type Violation struct {
	Type     ViolationType `json:"type"`
	Check    string        `json:"check"`
	Detail   string        `json:"detail"`
	Severity string        `json:"severity"`
	Excerpt  string        `json:"excerpt,omitempty"`
}

// Report aggregates the outcome of one validation pass.
type Report struct {
	OverallValid bool
	Violations   []Violation
	ByType       map[ViolationType][]Violation
}

// Describe renders the violations as prompt-safe bullet lines for the
// corrective regeneration call. Internal excerpts are included; this text
// goes to the model, never to the caller.
func (r *Report) Describe() string {
	var b strings.Builder
	for _, v := range r.Violations {
		fmt.Fprintf(&b, "- %s: %s\n", v.Type, v.Detail)
	}
	return b.String()
}

// Validator runs the sub-check battery against one persona profile.
type Validator struct {
	profile *persona.Profile
	checks  []check
}

type check struct {
	name string
	fn   func(reply string, memory map[string]string) []Violation
}

// New builds a validator bound to a persona profile.
func New(p *persona.Profile) *Validator {
	v := &Validator{profile: p}
	v.checks = []check{
		{"identity_alignment", v.checkIdentityAlignment},
		{"name_consistency", v.checkNameConsistency},
		{"capability_claims", v.checkCapabilityClaims},
		{"memory_grounding", v.checkMemoryGrounding},
		{"forbidden_phrases", v.checkForbiddenPhrases},
		{"never_claims", v.checkNeverClaims},
	}
	return v
}

// Validate runs every sub-check against the reply. memory may be nil; the
// memory-grounding check is skipped without a snapshot. A panicking
// sub-check is recorded as a validation_error violation and the reply is
// rejected.
func (v *Validator) Validate(reply string, memory map[string]string) Report {
	report := Report{
		OverallValid: true,
		ByType:       make(map[ViolationType][]Violation),
	}
	for _, c := range v.checks {
		for _, viol := range v.runCheck(c, reply, memory) {
			if viol.Severity == "" {
				viol.Severity = SeverityBlocking
			}
			report.OverallValid = false
			report.Violations = append(report.Violations, viol)
			report.ByType[viol.Type] = append(report.ByType[viol.Type], viol)
		}
	}
	return report
}

// runCheck isolates one sub-check so a panic becomes a blocking violation
// instead of taking down the request or letting the reply through.
func (v *Validator) runCheck(c check, reply string, memory map[string]string) (out []Violation) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("check", c.name).Interface("panic", r).Msg("validator_check_panic")
			out = []Violation{{
				Type:   ViolationValidationError,
				Check:  c.name,
				Detail: fmt.Sprintf("check %s failed internally", c.name),
			}}
		}
	}()
	return c.fn(reply, memory)
}

// Patterns shared by the identity and capability checks.
var (
	aiSelfIDRegex = regexp.MustCompile(`(?i)\b(?:i(?:'|\x{2019})?m|i\s+am|as)\s+an?\s+(?:ai|artificial intelligence|language model|llm|chatbot|bot|computer program|virtual assistant|digital assistant)\b`)

	// Case-sensitive capture so only capitalized words count as claimed
	// names; "I'm happy to help" never trips it.
	selfNameRegex = regexp.MustCompile(`\b(?:I(?:'|\x{2019})?m|I\s+am|[Mm]y name is|[Cc]all me)\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)`)

	sensoryRegex = regexp.MustCompile(`(?i)\bi\s+(?:watched|saw|observed|heard|smelled)\s+you\b`)

	presenceRegex = regexp.MustCompile(`(?i)\bi\s+(?:was|am|will be)\s+(?:there|at your|in your|next to you|beside you)\b`)

	continuityRegex = regexp.MustCompile(`(?i)\b(?:last time we (?:talked|spoke|met)|when we met before|our previous conversation)\b`)

	recallRegex = regexp.MustCompile(`(?i)\b(?:you (?:told|mentioned to) me(?: that)?|i remember you(?: saying| telling me)?(?: that)?)\s+(.{2,80})`)
)

// Words a self-name match may legitimately produce that are not names.
var namelike = map[string]struct{}{
	"Sure": {}, "Sorry": {}, "Here": {}, "Happy": {}, "Glad": {}, "Fine": {},
	"Good": {}, "Well": {}, "Just": {}, "Always": {}, "Really": {}, "Not": {},
	"So": {}, "Afraid": {}, "Curious": {}, "All": {},
}

func (v *Validator) checkIdentityAlignment(reply string, _ map[string]string) []Violation {
	var out []Violation
	if m := aiSelfIDRegex.FindString(reply); m != "" {
		out = append(out, Violation{
			Type:    ViolationIdentityMismatch,
			Check:   "identity_alignment",
			Detail:  "reply identifies the speaker as an artificial system",
			Excerpt: m,
		})
	}
	return out
}

func (v *Validator) checkNameConsistency(reply string, _ map[string]string) []Violation {
	var out []Violation
	for _, m := range selfNameRegex.FindAllStringSubmatch(reply, -1) {
		claimed := strings.TrimSpace(m[1])
		if _, filler := namelike[claimed]; filler {
			continue
		}
		if strings.EqualFold(claimed, v.profile.Name) {
			continue
		}
		// Multi-word claims are only flagged when the first word alone
		// also mismatches, to tolerate "I'm Aria Whitfield" style
		// elaborations of a single-word persona name.
		first := strings.Fields(claimed)[0]
		if strings.EqualFold(first, v.profile.Name) {
			continue
		}
		out = append(out, Violation{
			Type:    ViolationNameMismatch,
			Check:   "name_consistency",
			Detail:  fmt.Sprintf("reply claims the name %q, persona is %q", claimed, v.profile.Name),
			Excerpt: m[0],
		})
	}
	return out
}

func (v *Validator) checkCapabilityClaims(reply string, _ map[string]string) []Violation {
	var out []Violation
	if m := sensoryRegex.FindString(reply); m != "" {
		out = append(out, Violation{
			Type:    ViolationSensoryClaim,
			Check:   "capability_claims",
			Detail:  "reply claims to have perceived the user",
			Excerpt: m,
		})
	}
	if m := presenceRegex.FindString(reply); m != "" {
		out = append(out, Violation{
			Type:    ViolationPhysicalPresence,
			Check:   "capability_claims",
			Detail:  "reply claims physical presence with the user",
			Excerpt: m,
		})
	}
	if m := continuityRegex.FindString(reply); m != "" {
		out = append(out, Violation{
			Type:    ViolationTemporalContinuity,
			Check:   "capability_claims",
			Detail:  "reply references a prior interaction as lived history",
			Excerpt: m,
		})
	}
	return out
}

// checkMemoryGrounding flags recollection phrasing whose content has no
// support in the long-term snapshot used to build the prompt. This is
// pattern-level grounding, not semantic verification.
func (v *Validator) checkMemoryGrounding(reply string, memory map[string]string) []Violation {
	if memory == nil {
		return nil
	}
	var out []Violation
	for _, m := range recallRegex.FindAllStringSubmatch(reply, -1) {
		claim := strings.ToLower(m[1])
		if memorySupports(memory, claim) {
			continue
		}
		out = append(out, Violation{
			Type:    ViolationMemoryClaim,
			Check:   "memory_grounding",
			Detail:  "reply recalls a user statement absent from stored memory",
			Excerpt: m[0],
		})
	}
	return out
}

// memorySupports reports whether any stored key or value appears in the
// recalled claim text.
func memorySupports(memory map[string]string, claim string) bool {
	for k, val := range memory {
		if k != "" && strings.Contains(claim, strings.ToLower(k)) {
			return true
		}
		if val != "" && strings.Contains(claim, strings.ToLower(val)) {
			return true
		}
	}
	return false
}

func (v *Validator) checkForbiddenPhrases(reply string, _ map[string]string) []Violation {
	return scanPhraseList(reply, v.profile.ForbiddenPhrases, ViolationForbiddenStatement, "forbidden_phrases")
}

func (v *Validator) checkNeverClaims(reply string, _ map[string]string) []Violation {
	return scanPhraseList(reply, v.profile.NeverClaims, ViolationNeverClaim, "never_claims")
}

func scanPhraseList(reply string, phrases []string, vt ViolationType, checkName string) []Violation {
	lower := strings.ToLower(reply)
	var out []Violation
	for _, phrase := range phrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			out = append(out, Violation{
				Type:    vt,
				Check:   checkName,
				Detail:  fmt.Sprintf("reply contains disallowed phrase %q", phrase),
				Excerpt: phrase,
			})
		}
	}
	return out
}

// Correct produces a deterministic replacement reply from a failed report.
// It is the last resort after regeneration has been spent; selection is
// keyed on the violation classes present, worst class first.
func (v *Validator) Correct(original string, report Report) string {
	if len(report.ByType[ViolationForbiddenStatement]) > 0 ||
		len(report.ByType[ViolationNeverClaim]) > 0 ||
		len(report.ByType[ViolationValidationError]) > 0 {
		return fmt.Sprintf("I'd rather not get into that. I'm %s, %s, and I'd love to keep talking about something else.",
			v.profile.Name, v.profile.Role)
	}
	if len(report.ByType[ViolationIdentityMismatch]) > 0 ||
		len(report.ByType[ViolationNameMismatch]) > 0 {
		return fmt.Sprintf("Let me reintroduce myself properly. I'm %s, %s. What's on your mind?",
			v.profile.Name, v.profile.Role)
	}
	return fmt.Sprintf("Speaking as %s: %s", v.profile.Name, original)
}
