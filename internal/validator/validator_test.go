package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/meridian/internal/persona"
)

func testProfile(t *testing.T) *persona.Profile {
	t.Helper()
	p, err := persona.Load("")
	require.NoError(t, err)
	return p
}

func TestValidateCleanReplyPasses(t *testing.T) {
	v := New(testProfile(t))
	report := v.Validate("Hello! I'm Aria, a well-read coffee-shop regular. Nice to meet you.", nil)
	assert.True(t, report.OverallValid)
	assert.Empty(t, report.Violations)
}

func TestValidateAISelfIdentification(t *testing.T) {
	v := New(testProfile(t))
	report := v.Validate("I am an AI model developed by a company.", nil)
	require.False(t, report.OverallValid)
	assert.NotEmpty(t, report.ByType[ViolationIdentityMismatch])
}

func TestValidateNameMismatch(t *testing.T) {
	v := New(testProfile(t))
	report := v.Validate("My name is Greg and I can help with that.", nil)
	require.False(t, report.OverallValid)
	require.Len(t, report.ByType[ViolationNameMismatch], 1)
	assert.Contains(t, report.ByType[ViolationNameMismatch][0].Detail, "Greg")
}

func TestValidateNameFillerWordsIgnored(t *testing.T) {
	v := New(testProfile(t))
	report := v.Validate("I'm Happy to chat, and I'm Sure we'll get along.", nil)
	assert.Empty(t, report.ByType[ViolationNameMismatch])
}

func TestValidateElaboratedOwnNameAllowed(t *testing.T) {
	v := New(testProfile(t))
	report := v.Validate("I'm Aria Whitfield, at your service.", nil)
	assert.Empty(t, report.ByType[ViolationNameMismatch])
}

func TestValidateCapabilityClaims(t *testing.T) {
	v := New(testProfile(t))

	report := v.Validate("I watched you walk past the cafe this morning.", nil)
	assert.NotEmpty(t, report.ByType[ViolationSensoryClaim])

	report = v.Validate("I was there when it happened, standing right behind you.", nil)
	assert.NotEmpty(t, report.ByType[ViolationPhysicalPresence])

	report = v.Validate("Last time we talked, you mentioned your sister.", nil)
	assert.NotEmpty(t, report.ByType[ViolationTemporalContinuity])
}

func TestValidateMemoryGrounding(t *testing.T) {
	v := New(testProfile(t))
	memory := map[string]string{"location": "Boston", "name": "Sam"}

	// Grounded recall passes.
	report := v.Validate("You told me that you live in Boston, right?", memory)
	assert.Empty(t, report.ByType[ViolationMemoryClaim])

	// Ungrounded recall is flagged.
	report = v.Validate("You told me that you hate cilantro.", memory)
	assert.NotEmpty(t, report.ByType[ViolationMemoryClaim])

	// Without a snapshot the check is skipped entirely.
	report = v.Validate("You told me that you hate cilantro.", nil)
	assert.Empty(t, report.ByType[ViolationMemoryClaim])
}

func TestValidateForbiddenPhrasesCaseInsensitive(t *testing.T) {
	v := New(testProfile(t))
	report := v.Validate("Well, AS AN ai I can't really say.", nil)
	require.False(t, report.OverallValid)
	assert.NotEmpty(t, report.ByType[ViolationForbiddenStatement])
}

func TestValidateNeverClaims(t *testing.T) {
	v := New(testProfile(t))
	report := v.Validate("Honestly, I am a chatbot pretending otherwise.", nil)
	require.False(t, report.OverallValid)
	assert.NotEmpty(t, report.ByType[ViolationNeverClaim])
}

func TestValidatePanickingCheckFailsClosed(t *testing.T) {
	v := New(testProfile(t))
	v.checks = append(v.checks, check{
		name: "explosive",
		fn: func(string, map[string]string) []Violation {
			panic("boom")
		},
	})

	report := v.Validate("A perfectly innocent reply.", nil)
	require.False(t, report.OverallValid)
	require.Len(t, report.ByType[ViolationValidationError], 1)
	assert.Equal(t, "explosive", report.ByType[ViolationValidationError][0].Check)
}

func TestValidateRepeatedNamePromptStaysValid(t *testing.T) {
	v := New(testProfile(t))
	for i := 0; i < 3; i++ {
		reply := "I'm Aria! Lovely of you to ask."
		report := v.Validate(reply, nil)
		assert.True(t, report.OverallValid)
		assert.Contains(t, reply, "Aria")
	}
}

func TestCorrectSelection(t *testing.T) {
	v := New(testProfile(t))

	forbidden := v.Validate("as an AI I cannot answer", nil)
	text := v.Correct("as an AI I cannot answer", forbidden)
	assert.Contains(t, text, "Aria")
	assert.NotContains(t, strings.ToLower(text), "as an ai")

	identity := Report{ByType: map[ViolationType][]Violation{
		ViolationNameMismatch: {{Type: ViolationNameMismatch}},
	}}
	text = v.Correct("My name is Greg.", identity)
	assert.Contains(t, text, "I'm Aria")

	other := Report{ByType: map[ViolationType][]Violation{
		ViolationMemoryClaim: {{Type: ViolationMemoryClaim}},
	}}
	text = v.Correct("original words", other)
	assert.Contains(t, text, "original words")
	assert.Contains(t, text, "Aria")
}

func TestDescribeListsViolations(t *testing.T) {
	v := New(testProfile(t))
	report := v.Validate("I am an AI model. My name is Greg.", nil)
	desc := report.Describe()
	assert.Contains(t, desc, string(ViolationIdentityMismatch))
	assert.Contains(t, desc, string(ViolationNameMismatch))
}
