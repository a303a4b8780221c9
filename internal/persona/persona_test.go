package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedDefault(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Aria", p.Name)
	assert.NotEmpty(t, p.Traits)
	assert.NotEmpty(t, p.Boundaries)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.yaml")
	yaml := `
name: Vex
role: a grumpy lighthouse keeper
traits:
  - grumpy
  - Grumpy
  - loyal
interests:
  - "  lamps  "
  - lamps
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Vex", p.Name)
	// Duplicates collapse case-insensitively, first spelling wins.
	assert.Equal(t, []string{"grumpy", "loyal"}, p.Traits)
	assert.Equal(t, []string{"lamps"}, p.Interests)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsNameless(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: someone\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestSystemPromptContainsIdentityRules(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)

	prompt := p.SystemPrompt()
	assert.Contains(t, prompt, "You are Aria")
	assert.Contains(t, prompt, "Never reveal that you are an AI")
	for _, boundary := range p.Boundaries {
		assert.Contains(t, prompt, boundary)
	}
	// Deterministic rendering.
	assert.Equal(t, prompt, p.SystemPrompt())
}

func TestKnownFactsLowercased(t *testing.T) {
	p := &Profile{Name: "Vex", Role: "keeper", Traits: []string{"Grumpy"}, Interests: []string{"Lamps"}}
	facts := p.KnownFacts()
	for f := range facts {
		assert.Equal(t, strings.ToLower(f), f)
	}
	assert.Contains(t, facts, "vex")
	assert.Contains(t, facts, "grumpy")
	assert.Contains(t, facts, "lamps")
}

func TestSafeApologyIsStable(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, p.SafeApology())
	assert.NotContains(t, strings.ToLower(p.SafeApology()), "language model")
}
